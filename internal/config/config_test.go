package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tape/device"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tape.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, 65536, cfg.BlockSize())
	assert.Equal(t, 4096, cfg.BufferBlocks)
	assert.InDelta(t, 98.0, cfg.StartFillPercent, 1e-9)
	assert.Equal(t, "500ms", cfg.PollInterval)
	assert.Equal(t, "sha256", cfg.Hash)
	assert.True(t, cfg.Compression)
	assert.True(t, cfg.Filemark)
	assert.True(t, cfg.IndexRecord)
	assert.True(t, cfg.RewindAfter)
	assert.False(t, cfg.EjectAfter)

	capacity, err := cfg.ImageCapacity()
	require.NoError(t, err)
	assert.Equal(t, device.DefaultImageCapacity, capacity)

	// no device configured yet
	assert.Error(t, cfg.Validate())
	cfg.Device = "tape0"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
image:
  path: /var/tmp/tape.img
  capacity: 2 GiB
blocking_factor: 20
buffer_blocks: 64
start_fill_percent: 50
poll_interval: 1s
hash: blake3
compression: false
read_errors: skip
eject_after: true
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/tmp/tape.img", cfg.Image.Path)
	assert.Equal(t, 10240, cfg.BlockSize())
	assert.Equal(t, 64, cfg.BufferBlocks)
	assert.False(t, cfg.Compression)
	assert.True(t, cfg.Filemark, "unset keys keep defaults")
	assert.True(t, cfg.EjectAfter)

	capacity, err := cfg.ImageCapacity()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), capacity)

	wopts, err := cfg.WriterOptions(nil)
	require.NoError(t, err)
	assert.Len(t, wopts, 8)

	dopts, err := cfg.DeviceOptions(nil)
	require.NoError(t, err)
	assert.Len(t, dopts, 3)
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeConfig(t, "buffer_blocks: [1, 2]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"both targets", func(c *Config) { c.Image.Path = "x.img" }, "mutually exclusive"},
		{"blocking factor", func(c *Config) { c.BlockingFactor = 0 }, "blocking_factor"},
		{"buffer blocks", func(c *Config) { c.BufferBlocks = -1 }, "buffer_blocks"},
		{"start fill", func(c *Config) { c.StartFillPercent = 101 }, "start_fill_percent"},
		{"poll interval", func(c *Config) { c.PollInterval = "soon" }, "poll_interval"},
		{"zero poll interval", func(c *Config) { c.PollInterval = "0s" }, "poll_interval"},
		{"hash", func(c *Config) { c.Hash = "md5" }, "hash"},
		{"read errors", func(c *Config) { c.ReadErrors = "retry" }, "read_errors"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Device = "/dev/nst0"
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	cfg := Default()
	cfg.Image.Path = "x.img"
	cfg.Image.Capacity = "lots"
	assert.ErrorContains(t, cfg.Validate(), "image.capacity")
}
