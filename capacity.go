package tape

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/sizing"
)

// endOfArchive is the two zero records that terminate a tar stream.
const endOfArchive = 2 * sizing.TarBlock

// CapacityWarning reports that an archive is estimated not to fit on the
// loaded media. It is advisory; the capacity policy decides whether the
// run proceeds.
type CapacityWarning struct {
	// Required is the estimated archive size in bytes.
	Required int64

	// Remaining is the media's remaining capacity in bytes.
	Remaining int64

	// Capacity is the media's total capacity in bytes.
	Capacity int64

	// RequiredRatio is Required / Capacity, the compression the drive
	// would need to hold the archive on the whole media.
	RequiredRatio float64

	// RemainingRatio is Required / Remaining, +Inf when the media is full.
	RemainingRatio float64
}

// Ratio returns RequiredRatio rounded to two decimals.
func (w *CapacityWarning) Ratio() float64 {
	return math.Round(w.RequiredRatio*100) / 100
}

func (w *CapacityWarning) String() string {
	return fmt.Sprintf("archive needs %s but media has %s remaining (%.2fx of capacity)",
		humanize.IBytes(uint64(max(w.Required, 0))),
		humanize.IBytes(uint64(max(w.Remaining, 0))),
		w.Ratio())
}

// CapacityPolicy decides whether a run continues after a capacity
// warning. Returning false aborts with ErrInsufficientCapacity.
type CapacityPolicy func(*CapacityWarning) bool

// EstimateSize returns the archive size for tree: content, one header per
// entry, content padding to the tar record size and the end-of-archive
// marker, rounded up to a whole number of blocks. Names long enough to
// need extended headers are not accounted for.
func EstimateSize(tree *Tree, blockSize int) int64 {
	var total int64
	ok := true
	add := func(n int64) {
		if ok {
			total, ok = sizing.AddInt64(total, n)
		}
	}

	_ = tree.Walk(func(s Source) error {
		add(sizing.TarBlock)
		if s.Kind() == KindFile && s.Size() > 0 {
			padded, pok := sizing.RoundUp(s.Size(), sizing.TarBlock)
			if !pok {
				ok = false
				return nil
			}
			add(padded)
		}
		return nil
	})
	add(endOfArchive)

	if !ok {
		return math.MaxInt64
	}
	if blockSize <= 0 {
		return total
	}
	rounded, rok := sizing.RoundUp(total, int64(blockSize))
	if !rok {
		return math.MaxInt64
	}
	return rounded
}

// CheckCapacity compares the estimate for tree with the media's remaining
// capacity. It returns nil when the archive fits or the media does not
// report a capacity.
func CheckCapacity(tree *Tree, media device.MediaInfo, blockSize int) *CapacityWarning {
	return checkEstimate(EstimateSize(tree, blockSize), media)
}

func checkEstimate(required int64, media device.MediaInfo) *CapacityWarning {
	if media.Capacity <= 0 || required <= media.Remaining {
		return nil
	}
	w := &CapacityWarning{
		Required:  required,
		Remaining: media.Remaining,
		Capacity:  media.Capacity,
	}
	w.RequiredRatio = sizing.Ratio(required, media.Capacity)
	if media.Remaining > 0 {
		w.RemainingRatio = sizing.Ratio(required, media.Remaining)
	} else {
		w.RemainingRatio = math.Inf(1)
	}
	return w
}
