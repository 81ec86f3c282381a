package tape

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/tape/internal/sizing"
)

// Result describes a completed archive.
type Result struct {
	// ArchiveDigest is the digest of every block written, padding
	// included.
	ArchiveDigest digest.Digest

	// Hash is the algorithm used for ArchiveDigest and file digests.
	Hash HashAlgorithm

	BlockSize int
	Blocks    int64

	// LogicalBytes is the tar stream length before block rounding.
	LogicalBytes int64

	// PhysicalBytes is Blocks × BlockSize.
	PhysicalBytes int64

	// MediaBytes is how much the media's remaining capacity dropped while
	// the archive was written. Zero when the device does not report
	// capacity.
	MediaBytes int64

	// StartBlock is the logical block address of the first archive block,
	// or -1 when the device could not report it.
	StartBlock int64

	// IndexBlocks is the size of the index record, 0 when none was written.
	IndexBlocks int64

	Files        int
	Dirs         int
	ContentBytes int64

	// Skipped lists files left out under ReadErrorSkip.
	Skipped []*EntryError

	Elapsed time.Duration
}

// CompressionRatio returns LogicalBytes / PhysicalBytes.
func (r *Result) CompressionRatio() float64 {
	return sizing.Ratio(r.LogicalBytes, r.PhysicalBytes)
}

// MediaRatio returns PhysicalBytes / MediaBytes, the effective hardware
// compression ratio. It is 0 when MediaBytes is unknown.
func (r *Result) MediaRatio() float64 {
	return sizing.Ratio(r.PhysicalBytes, r.MediaBytes)
}
