package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestImage(t *testing.T, blockSize int, opts ...Option) (*Drive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tape.img")
	d, err := OpenImage(path, blockSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, path
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestImageWriteReadFilemarks(t *testing.T) {
	t.Parallel()

	d, _ := openTestImage(t, 512)

	require.NoError(t, d.Write(fill('a', 512)))
	require.NoError(t, d.Write(fill('b', 512)))
	require.NoError(t, d.WriteFilemark())
	require.NoError(t, d.Write(fill('c', 512)))
	require.NoError(t, d.WriteFilemark())

	pos, err := d.BlockPosition()
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	require.NoError(t, d.Rewind())
	buf := make([]byte, 512)

	fm, err := d.Read(buf)
	require.NoError(t, err)
	assert.False(t, fm)
	assert.Equal(t, fill('a', 512), buf)

	require.NoError(t, d.SetFilemarkPosition(1))
	fm, err = d.Read(buf)
	require.NoError(t, err)
	assert.False(t, fm)
	assert.Equal(t, fill('c', 512), buf)

	fm, err = d.Read(buf)
	require.NoError(t, err)
	assert.True(t, fm)

	_, err = d.Read(buf)
	require.ErrorIs(t, err, ErrEndOfData)

	require.ErrorIs(t, d.SetFilemarkPosition(3), ErrEndOfData)
}

func TestImageOverwriteTruncates(t *testing.T) {
	t.Parallel()

	d, _ := openTestImage(t, 512)
	for i := range 4 {
		require.NoError(t, d.Write(fill(byte('0'+i), 512)))
	}
	d.InvalidateInfo()
	before, err := d.MediaInfo()
	require.NoError(t, err)

	require.NoError(t, d.SetBlockPosition(1))
	require.NoError(t, d.Write(fill('x', 512)))

	require.NoError(t, d.SeekToEndOfData())
	pos, err := d.BlockPosition()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	d.InvalidateInfo()
	after, err := d.MediaInfo()
	require.NoError(t, err)
	assert.Greater(t, after.Remaining, before.Remaining)
}

func TestImageCapacityExhausted(t *testing.T) {
	t.Parallel()

	d, _ := openTestImage(t, 1024, WithImageCapacity(3000))
	require.NoError(t, d.Write(fill(1, 1024)))
	require.NoError(t, d.Write(fill(2, 1024)))
	require.ErrorIs(t, d.Write(fill(3, 1024)), ErrEndOfMedia)

	media, err := d.MediaInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(3000), media.Capacity)
}

func TestImageCompressionUsesLessMedia(t *testing.T) {
	t.Parallel()

	plain, _ := openTestImage(t, 64*1024)
	packed, _ := openTestImage(t, 64*1024, WithCompression(true))

	block := fill('z', 64*1024)
	for range 4 {
		require.NoError(t, plain.Write(block))
		require.NoError(t, packed.Write(block))
	}

	plain.InvalidateInfo()
	packed.InvalidateInfo()
	p, err := plain.MediaInfo()
	require.NoError(t, err)
	c, err := packed.MediaInfo()
	require.NoError(t, err)
	assert.Less(t, c.Used(), p.Used()/10)

	require.NoError(t, packed.Rewind())
	buf := make([]byte, 64*1024)
	fm, err := packed.Read(buf)
	require.NoError(t, err)
	assert.False(t, fm)
	assert.Equal(t, block, buf)

	drive, err := packed.DriveInfo()
	require.NoError(t, err)
	assert.True(t, drive.Compression)
}

func TestImageReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tape.img")
	d, err := OpenImage(path, 512, WithImageCapacity(1<<20))
	require.NoError(t, err)
	require.NoError(t, d.Write(fill('q', 512)))
	require.NoError(t, d.WriteFilemark())
	require.NoError(t, d.Close())

	d, err = OpenImage(path, 512, WithImageCapacity(1))
	require.NoError(t, err)
	defer d.Close()

	media, err := d.MediaInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), media.Capacity, "capacity comes from the header")

	require.NoError(t, d.SeekToEndOfData())
	pos, err := d.BlockPosition()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
}

func TestImageWriteProtect(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tape.img")
	d, err := OpenImage(path, 512)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = OpenImage(path, 512, WithWriteProtect(true))
	require.NoError(t, err)
	defer d.Close()

	media, err := d.MediaInfo()
	require.NoError(t, err)
	assert.True(t, media.WriteProtected)
	require.ErrorIs(t, d.Write(fill(0, 512)), ErrWriteProtected)
}

func TestImageEject(t *testing.T) {
	t.Parallel()

	d, _ := openTestImage(t, 512)
	require.NoError(t, d.Eject())

	_, err := d.MediaInfo()
	require.ErrorIs(t, err, ErrNoMedia)
	require.ErrorIs(t, d.Write(fill(0, 512)), ErrNoMedia)
}

func TestImageCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tape.img")
	require.NoError(t, os.WriteFile(path, []byte("not a tape image at all"), 0o644))

	_, err := OpenImage(path, 512)
	require.ErrorIs(t, err, ErrCorruptImage)
}

func TestImageDefaultBlockSize(t *testing.T) {
	t.Parallel()

	d, _ := openTestImage(t, 0)
	assert.Equal(t, 64*1024, d.BlockSize())
}
