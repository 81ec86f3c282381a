package tape

import (
	"math"
	"time"

	"github.com/meigma/tape/internal/blockbuf"
	"github.com/meigma/tape/internal/sizing"
)

// WorkerStatus is the state of one side of the pipeline.
type WorkerStatus uint8

const (
	// StatusIdle means the worker is waiting: the producer has not started
	// or the consumer is held back by the buffer.
	StatusIdle WorkerStatus = iota

	// StatusActive means the worker is moving data.
	StatusActive

	// StatusComplete means the worker has finished.
	StatusComplete
)

// String returns the string representation of the status.
func (s WorkerStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Progress is a snapshot of a running archive. Rates are in bytes per
// second.
type Progress struct {
	// Elapsed is the time since Write started.
	Elapsed time.Duration

	// TarBytes is the number of bytes the producer has handed to the
	// buffer, counted in whole blocks.
	TarBytes        int64
	TarRate         float64
	TarAverageRate  float64
	TarStatus       WorkerStatus
	TapeBytes       int64
	TapeRate        float64
	TapeAverageRate float64
	TapeStatus      WorkerStatus

	// Buffer state.
	FillPercent float64
	BlocksFull  int
	BufferBytes int64

	FilesDone  int
	FilesTotal int

	// EstimatedBytes is the estimated archive size, block rounded.
	EstimatedBytes int64

	// Final is set on the snapshot emitted after both workers stop.
	Final bool

	// Cancelled is set on the final snapshot of a cancelled run.
	Cancelled bool
}

// Percent returns tape-side progress against the estimated size, capped
// at 100.
func (p Progress) Percent() float64 {
	return math.Min(sizing.Percent(p.TapeBytes, p.EstimatedBytes), 100)
}

// ProgressFunc receives progress snapshots. It is called from the
// goroutine running Write.
type ProgressFunc func(Progress)

// rateTracker keeps the instantaneous and running-average rate for one
// side of the pipeline.
type rateTracker struct {
	lastBytes int64
	lastTime  time.Time
	samples   int
	current   float64
	average   float64
}

func newRateTracker(start time.Time) rateTracker {
	return rateTracker{lastTime: start}
}

// sample records the byte count at now. Non-finite rates are dropped.
func (r *rateTracker) sample(bytes int64, now time.Time) {
	dt := now.Sub(r.lastTime).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(bytes-r.lastBytes) / dt
	r.lastBytes = bytes
	r.lastTime = now
	if math.IsNaN(inst) || math.IsInf(inst, 0) {
		return
	}
	r.current = inst
	r.samples++
	r.average += (inst - r.average) / float64(r.samples)
}

// idle advances the baseline to now without recording a sample, so the
// next active tick measures only its own interval.
func (r *rateTracker) idle(bytes int64, now time.Time) {
	r.lastBytes = bytes
	r.lastTime = now
	r.current = 0
}

// progressState accumulates the samples taken by the poll loop.
type progressState struct {
	start      time.Time
	tar        rateTracker
	tape       rateTracker
	filesTotal int
	estimate   int64
}

func newProgressState(start time.Time, filesTotal int, estimate int64) *progressState {
	return &progressState{
		start:      start,
		tar:        newRateTracker(start),
		tape:       newRateTracker(start),
		filesTotal: filesTotal,
		estimate:   estimate,
	}
}

// update samples the buffer. The producer side is sampled while input is
// open, the consumer side while reads are enabled.
func (s *progressState) update(st blockbuf.Status, now time.Time) {
	if !st.InputComplete {
		s.tar.sample(st.BytesWritten, now)
	} else {
		s.tar.idle(st.BytesWritten, now)
	}
	if st.CanRead && !st.EndOfStream {
		s.tape.sample(st.BytesRead, now)
	} else {
		s.tape.idle(st.BytesRead, now)
	}
}

// final returns the closing snapshot. Both workers have stopped, so the
// instantaneous rates are zero.
func (s *progressState) final(st blockbuf.Status, filesDone int, now time.Time) Progress {
	p := s.snapshot(st, filesDone, now)
	p.TarRate = 0
	p.TapeRate = 0
	p.Final = true
	return p
}

func (s *progressState) snapshot(st blockbuf.Status, filesDone int, now time.Time) Progress {
	return Progress{
		Elapsed:         now.Sub(s.start),
		TarBytes:        st.BytesWritten,
		TarRate:         s.tar.current,
		TarAverageRate:  s.tar.average,
		TarStatus:       tarStatus(st),
		TapeBytes:       st.BytesRead,
		TapeRate:        s.tape.current,
		TapeAverageRate: s.tape.average,
		TapeStatus:      tapeStatus(st),
		FillPercent:     st.FillPercent,
		BlocksFull:      st.BlocksFull,
		BufferBytes:     st.CapacityBytes(),
		FilesDone:       filesDone,
		FilesTotal:      s.filesTotal,
		EstimatedBytes:  s.estimate,
	}
}

func tarStatus(st blockbuf.Status) WorkerStatus {
	switch {
	case st.InputComplete:
		return StatusComplete
	case st.BytesWritten > 0:
		return StatusActive
	default:
		return StatusIdle
	}
}

func tapeStatus(st blockbuf.Status) WorkerStatus {
	switch {
	case st.EndOfStream:
		return StatusComplete
	case st.CanRead:
		return StatusActive
	default:
		return StatusIdle
	}
}
