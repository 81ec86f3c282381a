package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/meigma/tape"
	"github.com/meigma/tape/device"
)

// subcommand is one tapearchive command. register binds its own flags;
// run receives the remaining arguments once flags are parsed.
type subcommand interface {
	register(fs *pflag.FlagSet)
	run(ctx context.Context, g *globals, args []string) error
}

// simpleCommand is a subcommand without flags of its own.
type simpleCommand func(ctx context.Context, g *globals, args []string) error

func (simpleCommand) register(*pflag.FlagSet) {}

func (c simpleCommand) run(ctx context.Context, g *globals, args []string) error {
	return c(ctx, g, args)
}

type writeCommand struct {
	appendData bool
	force      bool
	verify     bool
}

func (c *writeCommand) register(fs *pflag.FlagSet) {
	fs.BoolVar(&c.appendData, "append", false, "write after the last recorded data instead of at the current position")
	fs.BoolVar(&c.force, "force", false, "write even when the archive is estimated not to fit")
	fs.BoolVar(&c.verify, "verify", false, "re-read the archive and check its digest")
}

type verifyCommand struct {
	file int64
}

func (c *verifyCommand) register(fs *pflag.FlagSet) {
	fs.Int64Var(&c.file, "file", 0, "tape file number of the archive")
}

type indexCommand struct {
	file int64
}

func (c *indexCommand) register(fs *pflag.FlagSet) {
	fs.Int64Var(&c.file, "file", 1, "tape file number of the index record")
}

// withDevice opens the device, runs fn and applies the configured rewind
// or eject. Close errors are combined with fn's error.
func withDevice(g *globals, finish bool, fn func(dev *device.Drive) error) (err error) {
	dev, err := g.openDevice()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, dev.Close())
	}()

	if err = fn(dev); err != nil {
		return err
	}
	if !finish {
		return nil
	}
	switch {
	case g.cfg.EjectAfter:
		return dev.Eject()
	case g.cfg.RewindAfter:
		return dev.Rewind()
	}
	return nil
}

func (c *writeCommand) run(ctx context.Context, g *globals, args []string) error {
	if len(args) == 0 {
		return errors.New("write: at least one SOURCE is required")
	}
	tree, err := scan(g.logger, args)
	if err != nil {
		return err
	}
	files, dirs, size := tree.Stats()
	g.logger.Info("scanned sources", "files", files, "dirs", dirs, "size", humanize.IBytes(uint64(size)))

	opts, err := g.cfg.WriterOptions(g.logger)
	if err != nil {
		return err
	}

	return withDevice(g, true, func(dev *device.Drive) error {
		if c.appendData {
			if err := dev.SeekToEndOfData(); err != nil {
				return err
			}
		}

		progress := make(chan tape.Progress, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for p := range progress {
				logProgress(g, p)
			}
		}()

		opts = append(opts,
			tape.WithProgress(progress),
			tape.WithCapacityPolicy(func(w *tape.CapacityWarning) bool {
				if !c.force {
					g.logger.Error("archive does not fit; use --force to write anyway", "detail", w.String())
				}
				return c.force
			}))
		res, err := tape.New(dev, opts...).Write(ctx, tree)
		close(progress)
		<-done
		if err != nil {
			return err
		}
		printResult(res)

		if c.verify {
			file, err := archiveFileNumber(dev, res)
			if err != nil {
				return err
			}
			vr, err := tape.Verify(ctx, dev, file, res.ArchiveDigest)
			if err != nil {
				return err
			}
			fmt.Printf("verified %s (%d blocks)\n", vr.Digest, vr.Blocks)
		}
		return nil
	})
}

// archiveFileNumber finds the tape file holding the archive that started
// at res.StartBlock by counting filemarks before it.
func archiveFileNumber(dev device.Device, res *tape.Result) (int64, error) {
	if res.StartBlock < 0 {
		return 0, errors.New("verify: device did not report the archive position")
	}
	if err := dev.Rewind(); err != nil {
		return 0, err
	}
	var file int64
	block := make([]byte, dev.BlockSize())
	for {
		pos, err := dev.BlockPosition()
		if err != nil {
			return 0, err
		}
		if pos >= res.StartBlock {
			return file, nil
		}
		filemark, err := dev.Read(block)
		if err != nil {
			return 0, err
		}
		if filemark {
			file++
		}
	}
}

func logProgress(g *globals, p tape.Progress) {
	attrs := []any{
		"elapsed", p.Elapsed.Round(time.Second),
		"percent", fmt.Sprintf("%.1f", p.Percent()),
		"tape", humanize.IBytes(uint64(p.TapeBytes)),
		"tape_rate", humanize.IBytes(uint64(p.TapeRate)) + "/s",
		"tar_rate", humanize.IBytes(uint64(p.TarRate)) + "/s",
		"buffer", fmt.Sprintf("%.0f%%", p.FillPercent),
		"files", fmt.Sprintf("%d/%d", p.FilesDone, p.FilesTotal),
	}
	switch {
	case p.Cancelled:
		g.logger.Warn("cancelled", attrs...)
	case p.Final:
		g.logger.Info("finished", attrs...)
	default:
		g.logger.Info("progress", attrs...)
	}
}

func printResult(res *tape.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "digest\t%s\n", res.ArchiveDigest)
	fmt.Fprintf(w, "files\t%d (%d dirs, %s)\n", res.Files, res.Dirs, humanize.IBytes(uint64(res.ContentBytes)))
	fmt.Fprintf(w, "blocks\t%d x %s\n", res.Blocks, humanize.IBytes(uint64(res.BlockSize)))
	fmt.Fprintf(w, "logical\t%s\n", humanize.IBytes(uint64(res.LogicalBytes)))
	fmt.Fprintf(w, "physical\t%s\n", humanize.IBytes(uint64(res.PhysicalBytes)))
	if res.MediaBytes > 0 {
		fmt.Fprintf(w, "on media\t%s (%.2fx)\n", humanize.IBytes(uint64(res.MediaBytes)), res.MediaRatio())
	}
	if res.StartBlock >= 0 {
		fmt.Fprintf(w, "start block\t%d\n", res.StartBlock)
	}
	if res.IndexBlocks > 0 {
		fmt.Fprintf(w, "index\t%d blocks\n", res.IndexBlocks)
	}
	fmt.Fprintf(w, "elapsed\t%s\n", res.Elapsed.Round(time.Millisecond))
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "skipped\t%s: %v\n", s.Path, s.Err)
	}
	_ = w.Flush()
}

func (c *verifyCommand) run(ctx context.Context, g *globals, args []string) error {
	if len(args) > 1 {
		return errors.New("verify: at most one DIGEST")
	}
	return withDevice(g, true, func(dev *device.Drive) error {
		var want digest.Digest
		if len(args) == 1 {
			want = digest.Digest(args[0])
		} else {
			idx, err := tape.ReadIndex(ctx, dev, c.file+1)
			if err != nil {
				return fmt.Errorf("no digest given and no index record after file %d: %w", c.file, err)
			}
			want = idx.ArchiveDigest
		}
		res, err := tape.Verify(ctx, dev, c.file, want)
		if err != nil {
			return err
		}
		fmt.Printf("ok %s (%d blocks, %s)\n", res.Digest, res.Blocks, humanize.IBytes(uint64(res.Bytes)))
		return nil
	})
}

func (c *indexCommand) run(ctx context.Context, g *globals, _ []string) error {
	return withDevice(g, false, func(dev *device.Drive) error {
		idx, err := tape.ReadIndex(ctx, dev, c.file)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "archive\t%s\n", idx.ArchiveDigest)
		fmt.Fprintf(w, "created\t%s\n", idx.Created.Format(time.RFC3339))
		fmt.Fprintf(w, "size\t%s (%d entries)\n", humanize.IBytes(uint64(idx.PhysicalBytes)), len(idx.Entries))
		fmt.Fprintln(w)
		for _, e := range idx.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Kind, humanize.IBytes(uint64(e.Size)), e.ModTime.Format(time.RFC3339), e.Path)
		}
		return w.Flush()
	})
}

func runInfo(_ context.Context, g *globals, _ []string) error {
	return withDevice(g, false, func(dev *device.Drive) error {
		info, err := dev.Info()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "device\t%s\n", dev.Path())
		fmt.Fprintf(w, "block size\t%s (default %s, range %d-%d)\n",
			humanize.IBytes(uint64(dev.BlockSize())),
			humanize.IBytes(uint64(info.Drive.DefaultBlockSize)),
			info.Drive.MinBlockSize, info.Drive.MaxBlockSize)
		fmt.Fprintf(w, "compression\t%t\n", info.Drive.Compression)
		fmt.Fprintf(w, "ecc\t%t\n", info.Drive.ECC)
		if info.Media.Capacity > 0 {
			fmt.Fprintf(w, "capacity\t%s\n", humanize.IBytes(uint64(info.Media.Capacity)))
			fmt.Fprintf(w, "remaining\t%s\n", humanize.IBytes(uint64(info.Media.Remaining)))
		}
		fmt.Fprintf(w, "write protected\t%t\n", info.Media.WriteProtected)
		if pos, err := dev.BlockPosition(); err == nil {
			fmt.Fprintf(w, "position\t%d\n", pos)
		}
		return w.Flush()
	})
}

func runRewind(_ context.Context, g *globals, _ []string) error {
	return withDevice(g, false, func(dev *device.Drive) error {
		return dev.Rewind()
	})
}

func runEject(_ context.Context, g *globals, _ []string) error {
	return withDevice(g, false, func(dev *device.Drive) error {
		return dev.Eject()
	})
}
