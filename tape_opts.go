package tape

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meigma/tape/internal/blockbuf"
	"github.com/meigma/tape/internal/stream"
)

// Default pipeline settings.
const (
	DefaultBufferBlocks = blockbuf.DefaultBlocks
	DefaultStartFill    = blockbuf.DefaultStartFill
	DefaultPollInterval = 500 * time.Millisecond
	DefaultChunkSize    = stream.DefaultChunkSize
)

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger for archive operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithHash selects the digest algorithm for file and archive hashes.
func WithHash(a HashAlgorithm) Option {
	return func(w *Writer) {
		w.hash = a
	}
}

// WithBufferBlocks sets the number of blocks in the ring buffer.
func WithBufferBlocks(n int) Option {
	return func(w *Writer) {
		w.bufferBlocks = n
	}
}

// WithStartFill sets the fill percentage the buffer must exceed before the
// device is written.
func WithStartFill(percent float64) Option {
	return func(w *Writer) {
		w.startFill = percent
	}
}

// WithPollInterval sets how often progress is sampled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Writer) {
		w.pollInterval = d
	}
}

// WithChunkSize sets the read size used when streaming file content.
func WithChunkSize(n int) Option {
	return func(w *Writer) {
		w.chunkSize = n
	}
}

// WithProgress sends snapshots to ch. Periodic snapshots are dropped when
// ch is full; the final snapshot is sent unless the context ends first.
func WithProgress(ch chan<- Progress) Option {
	return func(w *Writer) {
		w.progressCh = ch
	}
}

// WithProgressFunc calls fn with every snapshot.
func WithProgressFunc(fn ProgressFunc) Option {
	return func(w *Writer) {
		w.progressFn = fn
	}
}

// WithCapacityCheck enables or disables the pre-flight capacity check.
// It is enabled by default.
func WithCapacityCheck(enabled bool) Option {
	return func(w *Writer) {
		w.capacityCheck = enabled
	}
}

// WithCapacityPolicy sets the callback consulted when the archive is
// estimated not to fit. Without a policy the warning is logged and the
// run proceeds.
func WithCapacityPolicy(p CapacityPolicy) Option {
	return func(w *Writer) {
		w.capacityPolicy = p
	}
}

// WithReadErrorPolicy sets how unreadable files are handled.
func WithReadErrorPolicy(p ReadErrorPolicy) Option {
	return func(w *Writer) {
		w.readErrors = p
	}
}

// WithFilemark controls whether a filemark is written after the archive.
// It is enabled by default and forced on when an index record is written.
func WithFilemark(enabled bool) Option {
	return func(w *Writer) {
		w.filemark = enabled
	}
}

// WithIndexRecord appends an index record as its own tape file after the
// archive.
func WithIndexRecord(enabled bool) Option {
	return func(w *Writer) {
		w.indexRecord = enabled
	}
}

// WithClock sets the clock used for progress timing.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) {
		w.clock = c
	}
}
