// pkg/pagefile/recovery.go
package pagefile

import (
	"io"

	"loam/pkg/disk"
	"loam/pkg/page"
	"loam/pkg/wal"
)

// recover reconciles a non-empty log at open. The log header is validated
// first; a wrong magic number or version means the log belongs to another
// format and the whole log is discarded. Otherwise the log is scanned
// sequentially, rebuilding the pending map by transaction id and promoting
// on every confirmed page, exactly as during normal operation. The scan
// stops at the first torn or unwritten page. Everything confirmed is then
// checkpointed into the data file; anything still pending is the crashed
// transaction and leaves no trace.
//
// On a read-only file the index is rebuilt but the physical reconciliation
// is deferred: readers resolve confirmed pages out of the log directly.
func (f *File) recover() error {
	f.emit(Event{Kind: EventRecovery})

	rs, err := f.factory.GetStream(false, true)
	if err != nil {
		return err
	}
	defer rs.Close()

	logLen, err := rs.Length()
	if err != nil {
		return err
	}

	valid := false
	if logLen >= page.Size {
		raw := make([]byte, page.Size)
		if _, err := rs.ReadAt(raw, 0); err == nil || err == io.EOF {
			hb := page.Wrap(raw)
			if hb.Type() == page.TypeLogHeader && hb.VerifyChecksum() == nil {
				if hdr, err := wal.DecodeLogHeader(hb.Body()); err == nil {
					f.logHeader = hdr
					valid = true
				}
			}
		}
	}

	if valid {
		f.scanLog(rs, logLen)
	}

	if f.opts.ReadOnly {
		if !valid {
			f.index.Reset()
		}
		return nil
	}

	if f.index.ConfirmedLen() > 0 {
		f.emit(Event{Kind: EventCheckpoint})
		if err := f.applyConfirmed(rs); err != nil {
			return err
		}
	}

	// Discard the log: confirmed content is in the data file now and
	// pending content belongs to transactions that never committed.
	lws, err := f.factory.GetStream(true, true)
	if err != nil {
		return err
	}
	defer lws.Close()
	if err := lws.SetLength(0); err != nil {
		return err
	}
	if err := lws.Sync(); err != nil {
		return err
	}

	f.index.Reset()
	return nil
}

// scanLog walks appended pages in order, feeding the WAL index.
func (f *File) scanLog(rs disk.Stream, logLen int64) {
	raw := make([]byte, page.Size)
	pb := page.Wrap(raw)

	for off := int64(page.Size); off+page.Size <= logLen; off += page.Size {
		if _, err := rs.ReadAt(raw, off); err != nil && err != io.EOF {
			break
		}
		if pb.HeaderIsZero() {
			break
		}
		pb.SetOrigin(page.OriginLog)
		pb.SetPosition(off)
		if f.cipher != nil && encryptable(pb.Type()) {
			f.cipher.apply(off, pb.Body())
		}
		if pb.VerifyChecksum() != nil {
			// Torn tail: nothing past this point is trustworthy.
			break
		}

		f.index.Append(pb.TxID(), pb.LogicalPosition(), off)
		if pb.Confirmed() {
			f.index.Confirm(pb.TxID())
		}
	}
}

// applyConfirmed copies every confirmed log page into the data file at its
// logical position, then updates and syncs the data-file header.
func (f *File) applyConfirmed(rs disk.Stream) error {
	ws, err := f.ensureDataWriteStream()
	if err != nil {
		return err
	}

	raw := make([]byte, page.Size)
	out := make([]byte, page.Size)
	pb := page.Wrap(raw)

	maxEnd := f.length.Load()
	for _, e := range f.index.Snapshot() {
		if _, err := rs.ReadAt(raw, e.Offset); err != nil && err != io.EOF {
			return err
		}
		if f.cipher != nil && encryptable(pb.Type()) {
			f.cipher.apply(e.Offset, pb.Body())
		}
		pb.SetTxID(0)
		pb.SetConfirmed(false)
		pb.SetLogicalPosition(e.Position)
		pb.UpdateChecksum()

		copy(out, raw)
		if f.cipher != nil && encryptable(pb.Type()) {
			f.cipher.apply(e.Position, out[page.HeaderSize:])
		}
		if _, err := ws.WriteAt(out, e.Position); err != nil {
			return err
		}
		if end := e.Position + page.Size; end > maxEnd {
			maxEnd = end
		}
	}

	if maxEnd > f.length.Load() {
		f.length.Store(maxEnd)
	}
	f.header.ChangeCounter++
	f.header.Length = uint64(maxEnd)
	f.header.LastCkptTx = f.index.LastConfirmedTx()

	if err := writeHeaderPage(ws, f.header); err != nil {
		return err
	}
	return ws.Sync()
}
