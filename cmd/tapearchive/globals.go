package main

import (
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/config"
)

// globals holds the flags every command accepts and the configuration
// they resolve to.
type globals struct {
	configPath     string
	device         string
	image          string
	imageCapacity  string
	blockingFactor int
	bufferBlocks   int
	startFill      float64
	pollInterval   string
	hash           string
	compression    bool
	filemark       bool
	indexRecord    bool
	readErrors     string
	ejectAfter     bool
	rewindAfter    bool
	verbose        bool

	cfg    *config.Config
	logger *slog.Logger
}

func (g *globals) register(fs *pflag.FlagSet) {
	d := config.Default()
	fs.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&g.device, "device", "f", "", "tape device path or alias (tape0, auto)")
	fs.StringVar(&g.image, "image", "", "file-backed tape image instead of a drive")
	fs.StringVar(&g.imageCapacity, "image-capacity", d.Image.Capacity, "capacity of a new image")
	fs.IntVarP(&g.blockingFactor, "blocking-factor", "b", d.BlockingFactor, "block size in 512-byte records")
	fs.IntVar(&g.bufferBlocks, "buffer-blocks", d.BufferBlocks, "ring buffer size in blocks")
	fs.Float64Var(&g.startFill, "start-fill", d.StartFillPercent, "buffer fill percent before the first device write")
	fs.StringVar(&g.pollInterval, "poll-interval", d.PollInterval, "progress sampling period")
	fs.StringVar(&g.hash, "hash", d.Hash, "digest algorithm: sha256, sha512 or blake3")
	fs.BoolVar(&g.compression, "compression", d.Compression, "enable drive compression")
	fs.BoolVar(&g.filemark, "filemark", d.Filemark, "write a filemark after the archive")
	fs.BoolVar(&g.indexRecord, "index", d.IndexRecord, "write an index record after the archive")
	fs.StringVar(&g.readErrors, "read-errors", d.ReadErrors, "unreadable files: abort or skip")
	fs.BoolVar(&g.ejectAfter, "eject", d.EjectAfter, "eject the media when done")
	fs.BoolVar(&g.rewindAfter, "rewind", d.RewindAfter, "rewind the media when done")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
}

// load reads the config file, applies explicitly set flags over it and
// validates the result.
func (g *globals) load(fs *pflag.FlagSet) error {
	g.logger = newLogger(g.verbose)

	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(g.configPath); err != nil {
			return err
		}
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("device", func() { cfg.Device = g.device; cfg.Image.Path = "" })
	set("image", func() { cfg.Image.Path = g.image; cfg.Device = "" })
	set("image-capacity", func() { cfg.Image.Capacity = g.imageCapacity })
	set("blocking-factor", func() { cfg.BlockingFactor = g.blockingFactor })
	set("buffer-blocks", func() { cfg.BufferBlocks = g.bufferBlocks })
	set("start-fill", func() { cfg.StartFillPercent = g.startFill })
	set("poll-interval", func() { cfg.PollInterval = g.pollInterval })
	set("hash", func() { cfg.Hash = g.hash })
	set("compression", func() { cfg.Compression = g.compression })
	set("filemark", func() { cfg.Filemark = g.filemark })
	set("index", func() { cfg.IndexRecord = g.indexRecord })
	set("read-errors", func() { cfg.ReadErrors = g.readErrors })
	set("eject", func() { cfg.EjectAfter = g.ejectAfter })
	set("rewind", func() { cfg.RewindAfter = g.rewindAfter })

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	g.cfg = cfg
	return nil
}

// openDevice opens the configured drive or image.
func (g *globals) openDevice() (*device.Drive, error) {
	opts, err := g.cfg.DeviceOptions(g.logger)
	if err != nil {
		return nil, err
	}
	if g.cfg.Image.Path != "" {
		return device.OpenImage(g.cfg.Image.Path, g.cfg.BlockSize(), opts...)
	}
	return device.Open(resolveDevice(g.cfg.Device, runtime.GOOS), g.cfg.BlockSize(), opts...)
}

var tapeAlias = regexp.MustCompile(`(?i)^tape(\d+)$`)

// resolveDevice maps "tapeN" and "auto" to the platform device path.
// Anything else is returned unchanged.
func resolveDevice(name, goos string) string {
	if strings.EqualFold(name, "auto") {
		name = "tape0"
	}
	m := tapeAlias.FindStringSubmatch(name)
	if m == nil {
		return name
	}
	if goos == "windows" {
		return `\\.\TAPE` + m[1]
	}
	return "/dev/nst" + m[1]
}
