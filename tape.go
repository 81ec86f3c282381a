package tape

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/blockbuf"
)

// Writer archives file trees to a device.
//
// A Writer may be reused for several archives but not concurrently; each
// Write allocates its own buffer and workers.
type Writer struct {
	dev device.Device

	hash           HashAlgorithm
	bufferBlocks   int
	startFill      float64
	pollInterval   time.Duration
	chunkSize      int
	progressCh     chan<- Progress
	progressFn     ProgressFunc
	capacityCheck  bool
	capacityPolicy CapacityPolicy
	readErrors     ReadErrorPolicy
	filemark       bool
	indexRecord    bool
	clock          clock.Clock
	logger         *slog.Logger
}

// New creates a Writer for dev.
func New(dev device.Device, opts ...Option) *Writer {
	w := &Writer{
		dev:           dev,
		hash:          HashSHA256,
		bufferBlocks:  DefaultBufferBlocks,
		startFill:     DefaultStartFill,
		pollInterval:  DefaultPollInterval,
		chunkSize:     DefaultChunkSize,
		capacityCheck: true,
		filemark:      true,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.chunkSize <= 0 {
		w.chunkSize = DefaultChunkSize
	}
	return w
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Write streams tree to the device at its current position, followed by
// a filemark and, when enabled, an index record. Each File in tree has
// its Digest set once its content is archived.
//
// If ctx ends first, Write returns an error wrapping both ErrCancelled and
// the context error. Partially written media is not rolled back.
func (w *Writer) Write(ctx context.Context, tree *Tree) (*Result, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrInvalidEntry)
	}
	if _, err := w.hash.New(); err != nil {
		return nil, err
	}

	blockSize := w.dev.BlockSize()
	estimate := EstimateSize(tree, blockSize)
	files, dirs, content := tree.Stats()

	w.dev.InvalidateInfo()
	before, err := w.dev.MediaInfo()
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	if before.WriteProtected {
		return nil, &device.Error{Op: "write", Path: w.dev.Path(), Err: device.ErrWriteProtected}
	}
	if err := w.checkCapacity(estimate, before); err != nil {
		return nil, err
	}

	startBlock, err := w.dev.BlockPosition()
	if err != nil {
		w.log().Debug("block position unavailable", "error", err)
		startBlock = -1
	}

	buf, err := blockbuf.New(blockSize, w.bufferBlocks, blockbuf.WithStartFill(w.startFill))
	if err != nil {
		return nil, err
	}
	archiveHash, err := w.hash.New()
	if err != nil {
		return nil, err
	}

	prod := &producer{
		buf:        buf,
		tree:       tree,
		hash:       w.hash,
		readErrors: w.readErrors,
		chunk:      make([]byte, w.chunkSize),
		logger:     w.logger,
	}
	cons := &consumer{buf: buf, dev: w.dev, hasher: archiveHash}

	w.log().Info("writing archive",
		"device", w.dev.Path(),
		"files", files,
		"dirs", dirs,
		"estimated", humanize.IBytes(uint64(estimate)),
		"block_size", blockSize,
		"buffer", humanize.IBytes(uint64(blockSize)*uint64(w.bufferBlocks)))

	start := w.clock.Now()
	runErr := w.run(ctx, buf, prod, cons, newProgressState(start, files, estimate))
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			w.log().Warn("archive cancelled", "written", humanize.IBytes(uint64(buf.Status().BytesRead)))
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		return nil, runErr
	}

	res := &Result{
		ArchiveDigest: w.hash.Digest(archiveHash),
		Hash:          w.hash,
		BlockSize:     blockSize,
		Blocks:        cons.blocks.Load(),
		LogicalBytes:  prod.logical,
		StartBlock:    startBlock,
		Files:         files - len(prod.skipped),
		Dirs:          dirs,
		ContentBytes:  content - prod.skippedBytes,
		Skipped:       prod.skipped,
	}
	res.PhysicalBytes = res.Blocks * int64(blockSize)

	w.dev.InvalidateInfo()
	if after, err := w.dev.MediaInfo(); err == nil && before.Capacity > 0 {
		res.MediaBytes = max(before.Remaining-after.Remaining, 0)
	}

	if w.filemark || w.indexRecord {
		if err := w.dev.WriteFilemark(); err != nil {
			return nil, fmt.Errorf("write filemark: %w", err)
		}
	}
	if w.indexRecord {
		n, err := w.writeIndex(ctx, res, prod.entries, start)
		if err != nil {
			return nil, err
		}
		res.IndexBlocks = n
	}
	res.Elapsed = w.clock.Since(start)

	w.log().Info("archive complete",
		"digest", res.ArchiveDigest,
		"logical", humanize.IBytes(uint64(res.LogicalBytes)),
		"physical", humanize.IBytes(uint64(res.PhysicalBytes)),
		"media", humanize.IBytes(uint64(res.MediaBytes)),
		"skipped", len(res.Skipped),
		"elapsed", res.Elapsed)
	return res, nil
}

func (w *Writer) checkCapacity(estimate int64, media device.MediaInfo) error {
	if !w.capacityCheck {
		return nil
	}
	warn := checkEstimate(estimate, media)
	if warn == nil {
		return nil
	}
	w.log().Warn("archive may not fit on media",
		"required", humanize.IBytes(uint64(warn.Required)),
		"remaining", humanize.IBytes(uint64(max(warn.Remaining, 0))),
		"ratio", warn.Ratio(),
		"remaining_ratio", math.Round(warn.RemainingRatio*100)/100)
	if w.capacityPolicy != nil && !w.capacityPolicy(warn) {
		return fmt.Errorf("%w: %s", ErrInsufficientCapacity, warn)
	}
	return nil
}

// run starts both workers and samples progress until they finish. The
// first worker error is returned.
func (w *Writer) run(ctx context.Context, buf *blockbuf.Buffer, prod *producer, cons *consumer, state *progressState) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prod.run(gctx) })
	g.Go(func() error { return cons.run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	ticker := w.clock.Ticker(w.pollInterval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case err = <-done:
			break loop
		case <-ticker.C:
			now := w.clock.Now()
			st := buf.Status()
			state.update(st, now)
			w.emit(ctx, state.snapshot(st, int(prod.filesDone.Load()), now), false)
		}
	}

	now := w.clock.Now()
	final := state.final(buf.Status(), int(prod.filesDone.Load()), now)
	final.Cancelled = err != nil && ctx.Err() != nil
	w.emit(ctx, final, true)
	return err
}

// emit delivers a snapshot. Periodic snapshots never block; the final one
// waits for the receiver unless ctx has ended.
func (w *Writer) emit(ctx context.Context, p Progress, final bool) {
	if w.progressFn != nil {
		w.progressFn(p)
	}
	if w.progressCh == nil {
		return
	}
	if !final || ctx.Err() != nil {
		select {
		case w.progressCh <- p:
		default:
		}
		return
	}
	select {
	case w.progressCh <- p:
	case <-ctx.Done():
	}
}
