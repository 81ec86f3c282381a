// Package config loads tapearchive settings from a YAML file.
//
// Values not present in the file keep their defaults. Command-line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/meigma/tape"
	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/sizing"
)

// Tar record size; one blocking factor unit.
const recordSize = sizing.TarBlock

// Config is the tapearchive configuration.
type Config struct {
	// Device is a device path, a tapeN alias, or empty when an image is
	// used.
	Device string `yaml:"device"`

	// Image configures the file-backed virtual tape.
	Image ImageConfig `yaml:"image"`

	// BlockingFactor is the block size in 512-byte records.
	// Default: 128 (64 KiB)
	BlockingFactor int `yaml:"blocking_factor"`

	// BufferBlocks is the ring buffer size in blocks.
	// Default: 4096
	BufferBlocks int `yaml:"buffer_blocks"`

	// StartFillPercent is the fill level the buffer must exceed before
	// the first device write.
	// Default: 98
	StartFillPercent float64 `yaml:"start_fill_percent"`

	// PollInterval is the progress sampling period, e.g. "500ms".
	PollInterval string `yaml:"poll_interval"`

	// Hash is sha256, sha512 or blake3.
	Hash string `yaml:"hash"`

	Compression bool `yaml:"compression"`
	Filemark    bool `yaml:"filemark"`
	IndexRecord bool `yaml:"index_record"`

	// ReadErrors is abort or skip.
	ReadErrors string `yaml:"read_errors"`

	EjectAfter  bool `yaml:"eject_after"`
	RewindAfter bool `yaml:"rewind_after"`
}

// ImageConfig configures the image device.
type ImageConfig struct {
	Path string `yaml:"path"`

	// Capacity is a size such as "1 GiB" or "500MB".
	Capacity string `yaml:"capacity"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Image: ImageConfig{
			Capacity: humanize.IBytes(uint64(device.DefaultImageCapacity)),
		},
		BlockingFactor:   128,
		BufferBlocks:     tape.DefaultBufferBlocks,
		StartFillPercent: tape.DefaultStartFill,
		PollInterval:     tape.DefaultPollInterval.String(),
		Hash:             string(tape.HashSHA256),
		Compression:      true,
		Filemark:         true,
		IndexRecord:      true,
		ReadErrors:       tape.ReadErrorAbort.String(),
		RewindAfter:      true,
	}
}

// LoadFile loads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Device == "" && c.Image.Path == "" {
		errs = append(errs, errors.New("one of device or image.path is required"))
	}
	if c.Device != "" && c.Image.Path != "" {
		errs = append(errs, errors.New("device and image.path are mutually exclusive"))
	}
	if c.BlockingFactor <= 0 {
		errs = append(errs, fmt.Errorf("blocking_factor must be positive, got %d", c.BlockingFactor))
	}
	if c.BufferBlocks <= 0 {
		errs = append(errs, fmt.Errorf("buffer_blocks must be positive, got %d", c.BufferBlocks))
	}
	if c.StartFillPercent < 0 || c.StartFillPercent > 100 {
		errs = append(errs, fmt.Errorf("start_fill_percent must be within 0-100, got %g", c.StartFillPercent))
	}
	if d, err := time.ParseDuration(c.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("poll_interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", d))
	}
	if _, err := tape.ParseHashAlgorithm(c.Hash); err != nil {
		errs = append(errs, fmt.Errorf("hash: %w", err))
	}
	if _, err := tape.ParseReadErrorPolicy(c.ReadErrors); err != nil {
		errs = append(errs, fmt.Errorf("read_errors: %w", err))
	}
	if c.Image.Path != "" {
		if _, err := c.ImageCapacity(); err != nil {
			errs = append(errs, fmt.Errorf("image.capacity: %w", err))
		}
	}

	return errors.Join(errs...)
}

// BlockSize returns the block size in bytes.
func (c *Config) BlockSize() int {
	return c.BlockingFactor * recordSize
}

// ImageCapacity parses Image.Capacity.
func (c *Config) ImageCapacity() (int64, error) {
	if c.Image.Capacity == "" {
		return device.DefaultImageCapacity, nil
	}
	n, err := humanize.ParseBytes(c.Image.Capacity)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > uint64(1<<62) {
		return 0, fmt.Errorf("capacity %q out of range", c.Image.Capacity)
	}
	return int64(n), nil //nolint:gosec // bounded above
}

// DeviceOptions returns the options for opening the device.
func (c *Config) DeviceOptions(logger *slog.Logger) ([]device.Option, error) {
	opts := []device.Option{
		device.WithLogger(logger),
		device.WithCompression(c.Compression),
	}
	if c.Image.Path != "" {
		capacity, err := c.ImageCapacity()
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithImageCapacity(capacity))
	}
	return opts, nil
}

// WriterOptions returns the options for tape.New. Call Validate first.
func (c *Config) WriterOptions(logger *slog.Logger) ([]tape.Option, error) {
	alg, err := tape.ParseHashAlgorithm(c.Hash)
	if err != nil {
		return nil, err
	}
	policy, err := tape.ParseReadErrorPolicy(c.ReadErrors)
	if err != nil {
		return nil, err
	}
	poll, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return nil, err
	}
	return []tape.Option{
		tape.WithLogger(logger),
		tape.WithHash(alg),
		tape.WithBufferBlocks(c.BufferBlocks),
		tape.WithStartFill(c.StartFillPercent),
		tape.WithPollInterval(poll),
		tape.WithReadErrorPolicy(policy),
		tape.WithFilemark(c.Filemark),
		tape.WithIndexRecord(c.IndexRecord),
	}, nil
}
