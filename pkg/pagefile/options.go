// pkg/pagefile/options.go
package pagefile

// Mode selects how a paged file persists its content.
type Mode int

const (
	// ModeDataFile is the default: a random-access data file paired with an
	// append-only log, reconciled by checkpoints.
	ModeDataFile Mode = iota

	// ModeLogFile keeps writes in the append-only log until the file is
	// disposed: the log-size threshold never triggers a checkpoint. Memory
	// pressure and Rollback still run one.
	ModeLogFile

	// ModeTempFile keeps both files in memory and never touches disk.
	ModeTempFile
)

// DefaultCheckpointThresholdPages is the log size, in pages, at which an
// automatic checkpoint is requested.
const DefaultCheckpointThresholdPages = 1024

// Options configures a paged file.
type Options struct {
	// Mode selects the persistence strategy.
	Mode Mode

	// EncryptionKey enables AES encryption of page bodies when non-empty.
	// The key material may be any length; it is stretched to a cipher key.
	EncryptionKey []byte

	// CheckpointThresholdPages is the log size at which an automatic
	// checkpoint triggers (default DefaultCheckpointThresholdPages).
	CheckpointThresholdPages int

	// MaxMemoryBytes bounds the page buffer pool; zero means unbounded.
	MaxMemoryBytes int64

	// MaxPooledStreams bounds idle read streams kept per file.
	MaxPooledStreams int

	// DirectIO opens writable data-file streams with O_DIRECT.
	DirectIO bool

	// ReadOnly opens the file without write-side resources.
	ReadOnly bool

	// OnEvent receives diagnostic events. The callback runs synchronously
	// on the emitting goroutine and must not block.
	OnEvent func(Event)
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.CheckpointThresholdPages <= 0 {
		o.CheckpointThresholdPages = DefaultCheckpointThresholdPages
	}
	return o
}
