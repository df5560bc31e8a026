// pkg/collection/collection.go
// Package collection implements a minimal document collection on top of the
// paged file: append-only data pages holding encoded documents, a hash
// index over one field, and counting queries. Every mutation is one or more
// page-file transactions, so bulk operations ride the write-ahead protocol:
// a producer failing mid-update leaves the collection untouched.
package collection

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"loam/pkg/doc"
	"loam/pkg/page"
	"loam/pkg/pagefile"
)

// insertBatchSize is the number of documents committed per transaction
// during bulk insert.
const insertBatchSize = 1000

// indexPagesPerTx is the number of index pages committed per transaction
// during an index build.
const indexPagesPerTx = 32

// cachedPage holds the decoded documents of one data page plus its chain
// link.
type cachedPage struct {
	docs []doc.Document
	next int64
}

// Collection is a document collection stored in a paged file.
type Collection struct {
	f     *pagefile.File
	cache *ristretto.Cache[int64, cachedPage]
}

// Open attaches to the collection in the given file, creating the root page
// on a fresh file.
func Open(f *pagefile.File) (*Collection, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[int64, cachedPage]{
		NumCounters: 1 << 14,
		MaxCost:     1 << 25,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	c := &Collection{f: f, cache: cache}

	if f.Length() <= RootPosition {
		if err := c.createRoot(); err != nil {
			cache.Close()
			return nil, err
		}
		return c, nil
	}

	// Validate the existing root.
	r, err := f.GetReader(false)
	if err != nil {
		cache.Close()
		return nil, err
	}
	defer r.Close()
	root, err := r.ReadPage(RootPosition)
	if err != nil {
		cache.Close()
		return nil, err
	}
	if root.Type() != page.TypeCollection {
		cache.Close()
		return nil, ErrInvalidRoot
	}
	return c, nil
}

// Close releases the document cache. The underlying file stays open.
func (c *Collection) Close() {
	c.cache.Close()
}

// createRoot writes the empty collection header page in one transaction.
func (c *Collection) createRoot() error {
	tx, err := c.f.Begin()
	if err != nil {
		return err
	}
	r, err := c.f.GetReader(true)
	if err != nil {
		return err
	}

	root, err := r.NewPage()
	if err != nil {
		r.Close()
		return err
	}
	if root.Position() != RootPosition {
		r.Discard(root)
		r.Close()
		return fmt.Errorf("collection: unexpected root position %d", root.Position())
	}
	root.SetType(page.TypeCollection)
	(&header{}).encode(root.Body())
	root.SetTxID(tx)
	root.SetConfirmed(true)
	r.Close()

	if err := c.f.WriteAsync([]*page.Buffer{root}); err != nil {
		return err
	}
	return c.f.WaitCompletion()
}

// Count returns the number of documents in the collection.
func (c *Collection) Count() (uint64, error) {
	r, err := c.f.GetReader(false)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	hdr, err := c.readHeader(r)
	if err != nil {
		return 0, err
	}
	return hdr.docCount, nil
}

// Insert appends documents to the collection, committing in batches so the
// log can checkpoint between transactions. Inserting drops any existing
// index, since its entries do not cover the new documents.
func (c *Collection) Insert(docs []doc.Document) error {
	for start := 0; start < len(docs); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := c.insertBatch(docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// insertBatch writes one transaction: modified data pages first, then the
// collection header carrying the confirmed flag.
func (c *Collection) insertBatch(docs []doc.Document) error {
	tx, err := c.f.Begin()
	if err != nil {
		return err
	}
	r, err := c.f.GetReader(true)
	if err != nil {
		return err
	}

	rootBuf, err := r.WriteCopy(RootPosition)
	if err != nil {
		r.Close()
		return err
	}
	hdr, err := decodeHeader(rootBuf.Body())
	if err != nil {
		r.Discard(rootBuf)
		r.Close()
		return err
	}

	var pages []*page.Buffer
	var cur *page.Buffer
	if hdr.lastDataPage != 0 {
		cur, err = r.WriteCopy(hdr.lastDataPage)
		if err != nil {
			r.Discard(rootBuf)
			r.Close()
			return err
		}
	}

	for _, d := range docs {
		encoded := d.Encode(nil)
		if len(encoded)+2 > recordCapacity {
			for _, p := range pages {
				r.Discard(p)
			}
			if cur != nil {
				r.Discard(cur)
			}
			r.Discard(rootBuf)
			r.Close()
			return ErrDocumentTooLarge
		}

		if cur == nil || !appendRecord(cur.Body(), encoded) {
			next, err := r.NewPage()
			if err != nil {
				r.Close()
				return err
			}
			initChainedPage(next, page.TypeData)
			if cur != nil {
				setPageNext(cur.Body(), next.Position())
				pages = append(pages, cur)
			}
			if hdr.firstDataPage == 0 {
				hdr.firstDataPage = next.Position()
			}
			hdr.lastDataPage = next.Position()
			hdr.dataPages++
			cur = next
			appendRecord(cur.Body(), encoded)
		}
		hdr.docCount++
	}
	if cur != nil {
		pages = append(pages, cur)
	}

	// The index does not cover the new documents, so the confirming header
	// drops it.
	if hdr.indexField != "" {
		hdr.indexRoot = 0
		hdr.indexPages = 0
		hdr.indexField = ""
		clear(rootBuf.Body()[hdrOffFieldName : hdrOffFieldName+maxFieldName])
	}
	hdr.encode(rootBuf.Body())
	for _, p := range pages {
		p.SetTxID(tx)
	}
	rootBuf.SetTxID(tx)
	rootBuf.SetConfirmed(true)
	r.Close()

	if err := c.f.WriteAsync(append(pages, rootBuf)); err != nil {
		return err
	}
	if err := c.f.WaitCompletion(); err != nil {
		return err
	}
	c.cache.Clear()
	return nil
}

// CountField returns how many documents carry the given value in the named
// field, using the hash index when one covers the field.
func (c *Collection) CountField(name string, value any) (uint64, error) {
	r, err := c.f.GetReader(false)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	hdr, err := c.readHeader(r)
	if err != nil {
		return 0, err
	}

	if hdr.indexRoot != 0 && hdr.indexField == name {
		return c.countIndexed(r, hdr, name, value)
	}

	// Full scan.
	var count uint64
	pos := hdr.firstDataPage
	for pos != 0 {
		cp, err := c.pageDocs(r, pos)
		if err != nil {
			return 0, err
		}
		for _, d := range cp.docs {
			if v, ok := d.Get(name); ok && doc.Equal(v, value) {
				count++
			}
		}
		pos = cp.next
	}
	return count, nil
}

// countIndexed resolves a field count through the hash index: collect the
// data pages referenced under the value's hash, then verify by decoding
// those pages only.
func (c *Collection) countIndexed(r *pagefile.Reader, hdr *header, name string, value any) (uint64, error) {
	target := doc.HashValue(value)

	candidates := make(map[int64]struct{})
	pos := hdr.indexRoot
	for pos != 0 {
		buf, err := r.ReadPage(pos)
		if err != nil {
			return 0, err
		}
		for _, e := range decodeIndexEntries(buf.Body()) {
			if e.hash == target {
				candidates[e.dataPage] = struct{}{}
			}
		}
		pos = pageNext(buf.Body())
	}

	var count uint64
	for dataPos := range candidates {
		cp, err := c.pageDocs(r, dataPos)
		if err != nil {
			return 0, err
		}
		for _, d := range cp.docs {
			if v, ok := d.Get(name); ok && doc.Equal(v, value) {
				count++
			}
		}
	}
	return count, nil
}

// EnsureIndex builds the hash index over the named field, replacing any
// existing index. The build commits index pages in several transactions so
// checkpoints can reclaim the log mid-build.
func (c *Collection) EnsureIndex(field string) error {
	if len(field) > maxFieldName {
		return ErrFieldNameTooLong
	}

	entries, err := c.collectIndexEntries(field)
	if err != nil {
		return err
	}

	var chainHead, prevTail int64
	var pagesBuilt uint64

	for start := 0; start < len(entries); {
		end := start + indexPagesPerTx*indexEntriesPerPage
		if end > len(entries) {
			end = len(entries)
		}
		head, tail, n, err := c.writeIndexBatch(entries[start:end], prevTail)
		if err != nil {
			return err
		}
		if chainHead == 0 {
			chainHead = head
		}
		prevTail = tail
		pagesBuilt += n
		start = end
	}

	return c.publishIndex(field, chainHead, pagesBuilt)
}

// collectIndexEntries scans the collection and returns (hash, page) pairs
// for every document, grouped by hash.
func (c *Collection) collectIndexEntries(field string) ([]indexEntry, error) {
	r, err := c.f.GetReader(false)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	hdr, err := c.readHeader(r)
	if err != nil {
		return nil, err
	}

	entries := make([]indexEntry, 0, hdr.docCount)
	pos := hdr.firstDataPage
	for pos != 0 {
		cp, err := c.pageDocs(r, pos)
		if err != nil {
			return nil, err
		}
		for _, d := range cp.docs {
			v, _ := d.Get(field)
			entries = append(entries, indexEntry{hash: doc.HashValue(v), dataPage: pos})
		}
		pos = cp.next
	}

	sortIndexEntries(entries)
	return entries, nil
}

// writeIndexBatch commits one transaction of index pages. prevTail, when
// nonzero, is rewritten to link the previous batch to this one. Returns the
// head and tail positions of the new pages and how many were built.
func (c *Collection) writeIndexBatch(entries []indexEntry, prevTail int64) (head, tail int64, built uint64, err error) {
	tx, err := c.f.Begin()
	if err != nil {
		return 0, 0, 0, err
	}
	r, err := c.f.GetReader(true)
	if err != nil {
		return 0, 0, 0, err
	}

	var pages []*page.Buffer
	var cur *page.Buffer
	for _, e := range entries {
		if cur == nil || !appendIndexEntry(cur.Body(), e) {
			next, err := r.NewPage()
			if err != nil {
				r.Close()
				return 0, 0, 0, err
			}
			initChainedPage(next, page.TypeIndex)
			if cur != nil {
				setPageNext(cur.Body(), next.Position())
				pages = append(pages, cur)
			}
			cur = next
			appendIndexEntry(cur.Body(), e)
			built++
		}
	}
	if cur != nil {
		pages = append(pages, cur)
	}
	if len(pages) == 0 {
		r.Close()
		return 0, 0, 0, nil
	}

	head = pages[0].Position()
	tail = pages[len(pages)-1].Position()

	if prevTail != 0 {
		link, err := r.WriteCopy(prevTail)
		if err != nil {
			r.Close()
			return 0, 0, 0, err
		}
		setPageNext(link.Body(), head)
		pages = append(pages, link)
	}

	for _, p := range pages {
		p.SetTxID(tx)
	}
	pages[len(pages)-1].SetConfirmed(true)
	r.Close()

	if err := c.f.WriteAsync(pages); err != nil {
		return 0, 0, 0, err
	}
	if err := c.f.WaitCompletion(); err != nil {
		return 0, 0, 0, err
	}
	return head, tail, built, nil
}

// publishIndex commits the header update that makes the index visible.
func (c *Collection) publishIndex(field string, root int64, pages uint64) error {
	tx, err := c.f.Begin()
	if err != nil {
		return err
	}
	r, err := c.f.GetReader(true)
	if err != nil {
		return err
	}

	rootBuf, err := r.WriteCopy(RootPosition)
	if err != nil {
		r.Close()
		return err
	}
	hdr, err := decodeHeader(rootBuf.Body())
	if err != nil {
		r.Discard(rootBuf)
		r.Close()
		return err
	}
	hdr.indexRoot = root
	hdr.indexPages = pages
	hdr.indexField = field
	hdr.encode(rootBuf.Body())
	rootBuf.SetTxID(tx)
	rootBuf.SetConfirmed(true)
	r.Close()

	if err := c.f.WriteAsync([]*page.Buffer{rootBuf}); err != nil {
		return err
	}
	return c.f.WaitCompletion()
}

// UpdateAll rewrites every document through the transform inside a single
// transaction. If the transform fails mid-stream, the transaction rolls
// back and no change becomes visible; the producer's error is returned. A
// successful update drops any existing index, since its entries no longer
// describe the documents.
func (c *Collection) UpdateAll(transform func(doc.Document) (doc.Document, error)) error {
	tx, err := c.f.Begin()
	if err != nil {
		return err
	}
	r, err := c.f.GetReader(true)
	if err != nil {
		return err
	}

	hdr, err := c.readHeader(r)
	if err != nil {
		r.Close()
		return err
	}

	pos := hdr.firstDataPage
	for pos != 0 {
		cp, err := c.pageDocs(r, pos)
		if err != nil {
			r.Close()
			return err
		}

		updated := make([]doc.Document, 0, len(cp.docs))
		for _, d := range cp.docs {
			nd, err := transform(d)
			if err != nil {
				r.Close()
				c.cache.Clear()
				if rbErr := c.f.Rollback(tx); rbErr != nil {
					return rbErr
				}
				return err
			}
			updated = append(updated, nd)
		}

		wb, err := r.WriteCopy(pos)
		if err != nil {
			r.Close()
			return err
		}
		resetRecords(wb.Body())
		for _, d := range updated {
			encoded := d.Encode(nil)
			if !appendRecord(wb.Body(), encoded) {
				r.Discard(wb)
				r.Close()
				c.cache.Clear()
				if rbErr := c.f.Rollback(tx); rbErr != nil {
					return rbErr
				}
				return ErrDocumentTooLarge
			}
		}
		wb.SetTxID(tx)
		if err := c.f.WriteAsync([]*page.Buffer{wb}); err != nil {
			r.Close()
			return err
		}

		pos = cp.next
	}

	// The header rewrite confirms the transaction and invalidates the
	// index.
	rootBuf, err := r.WriteCopy(RootPosition)
	if err != nil {
		r.Close()
		return err
	}
	hdr2, err := decodeHeader(rootBuf.Body())
	if err != nil {
		r.Discard(rootBuf)
		r.Close()
		return err
	}
	hdr2.indexRoot = 0
	hdr2.indexPages = 0
	hdr2.indexField = ""
	clear(rootBuf.Body()[hdrOffFieldName : hdrOffFieldName+maxFieldName])
	hdr2.encode(rootBuf.Body())
	rootBuf.SetTxID(tx)
	rootBuf.SetConfirmed(true)
	r.Close()

	if err := c.f.WriteAsync([]*page.Buffer{rootBuf}); err != nil {
		return err
	}
	if err := c.f.WaitCompletion(); err != nil {
		return err
	}
	c.cache.Clear()
	return nil
}

// readHeader fetches and decodes the collection header page.
func (c *Collection) readHeader(r *pagefile.Reader) (*header, error) {
	root, err := r.ReadPage(RootPosition)
	if err != nil {
		return nil, err
	}
	if root.Type() != page.TypeCollection {
		return nil, ErrInvalidRoot
	}
	return decodeHeader(root.Body())
}

// pageDocs returns the decoded documents and chain link of a data page,
// through the lookaside cache when possible.
func (c *Collection) pageDocs(r *pagefile.Reader, pos int64) (cachedPage, error) {
	if cp, ok := c.cache.Get(pos); ok {
		return cp, nil
	}

	buf, err := r.ReadPage(pos)
	if err != nil {
		return cachedPage{}, err
	}
	docs, err := decodeRecords(buf.Body())
	if err != nil {
		return cachedPage{}, err
	}
	cp := cachedPage{docs: docs, next: pageNext(buf.Body())}
	c.cache.Set(pos, cp, page.Size)
	return cp, nil
}
