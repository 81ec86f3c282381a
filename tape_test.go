package tape

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/testutil"
)

// progressLog collects snapshots delivered to a ProgressFunc.
type progressLog struct {
	mu    sync.Mutex
	snaps []Progress
}

func (l *progressLog) record(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, p)
}

func (l *progressLog) all() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.snaps...)
}

func newTestWriter(dev device.Device, log *progressLog, opts ...Option) *Writer {
	base := []Option{
		WithBufferBlocks(4),
		WithStartFill(75),
		WithClock(clock.NewMock()),
		WithChunkSize(256),
	}
	if log != nil {
		base = append(base, WithProgressFunc(log.record))
	}
	return New(dev, append(base, opts...)...)
}

func TestWriteEndToEnd(t *testing.T) {
	t.Parallel()

	dev := testutil.NewMemDevice(testBlockSize, 0)
	log := &progressLog{}
	tree := sampleTree()

	res, err := newTestWriter(dev, log).Write(context.Background(), tree)
	require.NoError(t, err)

	archive := dev.File(0)
	assert.Equal(t, digest.FromBytes(archive), res.ArchiveDigest)
	assert.Equal(t, HashSHA256, res.Hash)
	assert.Equal(t, int64(17), res.Blocks)
	assert.Equal(t, int64(17*testBlockSize), res.PhysicalBytes)
	assert.Equal(t, int64(17*testBlockSize), res.LogicalBytes)
	assert.InDelta(t, 1.0, res.CompressionRatio(), 1e-9)
	assert.Zero(t, res.MediaBytes)
	assert.Zero(t, res.MediaRatio())
	assert.Equal(t, int64(0), res.StartBlock)
	assert.Equal(t, 4, res.Files)
	assert.Equal(t, 2, res.Dirs)
	assert.Equal(t, int64(3017), res.ContentBytes)
	assert.Equal(t, 1, dev.Filemarks())

	assert.Equal(t, []string{
		"root.txt", "docs/", "docs/sub/", "docs/sub/c.txt", "docs/a.txt", "docs/b.txt",
	}, entryNames(readTar(t, archive)))
	for _, f := range tree.AllFiles() {
		assert.NotEmpty(t, f.Digest, f.Name)
	}

	snaps := log.all()
	require.Len(t, snaps, 1, "mock clock never ticks, so only the final snapshot is emitted")
	final := snaps[0]
	assert.True(t, final.Final)
	assert.False(t, final.Cancelled)
	assert.Equal(t, int64(17*testBlockSize), final.TapeBytes)
	assert.Equal(t, int64(17*testBlockSize), final.TarBytes)
	assert.Equal(t, 4, final.FilesDone)
	assert.Equal(t, 4, final.FilesTotal)
	assert.Equal(t, StatusComplete, final.TarStatus)
	assert.Equal(t, StatusComplete, final.TapeStatus)
	assert.InDelta(t, 100.0, final.Percent(), 1e-9)
}

func TestWriteProgressChannel(t *testing.T) {
	t.Parallel()

	ch := make(chan Progress, 8)
	dev := testutil.NewMemDevice(testBlockSize, 0)
	_, err := newTestWriter(dev, nil, WithProgress(ch)).Write(context.Background(), sampleTree())
	require.NoError(t, err)

	require.Len(t, ch, 1)
	assert.True(t, (<-ch).Final)
}

// gatedDevice holds every block write until release is closed.
type gatedDevice struct {
	*testutil.MemDevice
	release chan struct{}
}

func (d *gatedDevice) Write(p []byte) error {
	<-d.release
	return d.MemDevice.Write(p)
}

func TestWritePeriodicProgress(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	dev := &gatedDevice{MemDevice: testutil.NewMemDevice(testBlockSize, 0), release: make(chan struct{})}
	log := &progressLog{}
	w := newTestWriter(dev, log, WithClock(mock), WithPollInterval(time.Second))

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := w.Write(context.Background(), sampleTree())
		done <- outcome{res, err}
	}()

	// the consumer is parked on the device, so each tick yields one
	// periodic snapshot
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(log.all()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	periodic := log.all()
	for i, p := range periodic {
		assert.False(t, p.Final, "snapshot %d", i)
		assert.Equal(t, 4, p.FilesTotal)
		assert.Equal(t, int64(17*testBlockSize), p.EstimatedBytes)
		assert.GreaterOrEqual(t, p.Elapsed, time.Second)
		assert.Less(t, p.TapeBytes, int64(17*testBlockSize))
	}
	last := periodic[len(periodic)-1]
	assert.Equal(t, StatusActive, last.TarStatus)
	assert.Equal(t, StatusActive, last.TapeStatus)
	assert.Positive(t, last.TarBytes)

	close(dev.release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, int64(17), out.res.Blocks)

	snaps := log.all()
	require.Greater(t, len(snaps), len(periodic))
	final := snaps[len(snaps)-1]
	assert.True(t, final.Final)
	assert.Zero(t, final.TapeRate)
	assert.Equal(t, int64(17*testBlockSize), final.TapeBytes)
	for _, p := range snaps[:len(snaps)-1] {
		assert.False(t, p.Final)
	}
}

func TestWriteIndexAndVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := testutil.NewMemDevice(testBlockSize, 0)
	res, err := newTestWriter(dev, nil, WithIndexRecord(true), WithFilemark(false)).Write(ctx, sampleTree())
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Filemarks(), "an index forces the archive filemark")
	assert.Positive(t, res.IndexBlocks)

	idx, err := ReadIndex(ctx, dev, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(IndexVersion), idx.Version)
	assert.Equal(t, res.ArchiveDigest, idx.ArchiveDigest)
	assert.Equal(t, HashSHA256, idx.Hash)
	assert.Equal(t, testBlockSize, idx.BlockSize)
	assert.Equal(t, res.LogicalBytes, idx.LogicalBytes)
	assert.Equal(t, res.PhysicalBytes, idx.PhysicalBytes)
	assert.Len(t, idx.Entries, 6)
	assert.Equal(t, 4, idx.Files())

	a, ok := idx.Lookup("docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, digest.FromString("alpha"), a.Digest)
	assert.Equal(t, int64(5), a.Size)
	assert.True(t, a.ModTime.Equal(testTime))

	dir, ok := idx.Lookup("docs/")
	require.True(t, ok)
	assert.Equal(t, KindDirectory, dir.Kind)
	assert.Empty(t, dir.Digest)

	vr, err := Verify(ctx, dev, 0, res.ArchiveDigest)
	require.NoError(t, err)
	assert.Equal(t, res.Blocks, vr.Blocks)
	assert.Equal(t, res.PhysicalBytes, vr.Bytes)

	_, err = ReadIndex(ctx, dev, 0)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestVerifyMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := testutil.NewMemDevice(testBlockSize, 0)
	_, err := newTestWriter(dev, nil).Write(ctx, sampleTree())
	require.NoError(t, err)

	res, err := Verify(ctx, dev, 0, digest.FromString("something else"))
	require.ErrorIs(t, err, ErrDigestMismatch)
	require.NotNil(t, res)
	assert.Equal(t, int64(17), res.Blocks)

	_, err = Verify(ctx, dev, 0, digest.Digest("md5:abcd"))
	assert.ErrorIs(t, err, ErrUnknownHash)
}

func TestWriteAppendsSecondArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := testutil.NewMemDevice(testBlockSize, 0)
	w := newTestWriter(dev, nil)

	first, err := w.Write(ctx, sampleTree())
	require.NoError(t, err)
	second, err := w.Write(ctx, &Tree{Files: []*File{memFile("more.txt", "more")}})
	require.NoError(t, err)

	assert.Equal(t, int64(18), second.StartBlock)
	_, err = Verify(ctx, dev, 0, first.ArchiveDigest)
	require.NoError(t, err)
	_, err = Verify(ctx, dev, 1, second.ArchiveDigest)
	require.NoError(t, err)
}

func TestWriteBLAKE3(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := testutil.NewMemDevice(testBlockSize, 0)
	tree := sampleTree()
	res, err := newTestWriter(dev, nil, WithHash(HashBLAKE3)).Write(ctx, tree)
	require.NoError(t, err)

	assert.Equal(t, "blake3", res.ArchiveDigest.Algorithm().String())
	assert.Equal(t, "blake3", tree.Files[0].Digest.Algorithm().String())
	_, err = Verify(ctx, dev, 0, res.ArchiveDigest)
	require.NoError(t, err)
}

func TestWriteMediaBytes(t *testing.T) {
	t.Parallel()

	dev := testutil.NewMemDevice(testBlockSize, 1<<20)
	res, err := newTestWriter(dev, nil).Write(context.Background(), sampleTree())
	require.NoError(t, err)
	assert.Equal(t, res.PhysicalBytes, res.MediaBytes)
	assert.InDelta(t, 1.0, res.MediaRatio(), 1e-9)
}

func TestWriteCapacity(t *testing.T) {
	t.Parallel()

	t.Run("policy rejects", func(t *testing.T) {
		t.Parallel()
		dev := testutil.NewMemDevice(testBlockSize, 4096)
		var got *CapacityWarning
		w := newTestWriter(dev, nil, WithCapacityPolicy(func(cw *CapacityWarning) bool {
			got = cw
			return false
		}))
		_, err := w.Write(context.Background(), sampleTree())
		require.ErrorIs(t, err, ErrInsufficientCapacity)
		require.NotNil(t, got)
		assert.Equal(t, int64(17*testBlockSize), got.Required)
		assert.Equal(t, int64(4096), got.Remaining)
		assert.Zero(t, dev.Blocks())
	})

	t.Run("warning proceeds until media ends", func(t *testing.T) {
		t.Parallel()
		dev := testutil.NewMemDevice(testBlockSize, 4096)
		_, err := newTestWriter(dev, nil).Write(context.Background(), sampleTree())
		require.ErrorIs(t, err, device.ErrEndOfMedia)
		assert.NotErrorIs(t, err, ErrCancelled)
	})

	t.Run("check disabled", func(t *testing.T) {
		t.Parallel()
		dev := testutil.NewMemDevice(testBlockSize, 4096)
		called := false
		w := newTestWriter(dev, nil, WithCapacityCheck(false), WithCapacityPolicy(func(*CapacityWarning) bool {
			called = true
			return false
		}))
		_, err := w.Write(context.Background(), sampleTree())
		require.ErrorIs(t, err, device.ErrEndOfMedia)
		assert.False(t, called)
	})
}

func TestWriteRejectsBadInput(t *testing.T) {
	t.Parallel()

	dev := testutil.NewMemDevice(testBlockSize, 0)
	_, err := newTestWriter(dev, nil).Write(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = newTestWriter(dev, nil, WithHash("crc32")).Write(context.Background(), sampleTree())
	require.ErrorIs(t, err, ErrUnknownHash)

	dev.SetWriteProtected(true)
	_, err = newTestWriter(dev, nil).Write(context.Background(), sampleTree())
	require.ErrorIs(t, err, device.ErrWriteProtected)
}

// cancellingReader cancels the run on its first read and never ends.
type cancellingReader struct {
	cancel context.CancelFunc
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	r.cancel()
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestWriteCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endless := &File{
		Name:     "endless.bin",
		Modified: testTime,
		Length:   1 << 30,
		Opener: func() (io.ReadCloser, error) {
			return io.NopCloser(&cancellingReader{cancel: cancel}), nil
		},
	}
	log := &progressLog{}
	dev := testutil.NewMemDevice(testBlockSize, 0)
	_, err := newTestWriter(dev, log).Write(ctx, &Tree{Files: []*File{endless}})
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)

	snaps := log.all()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.True(t, last.Final)
	assert.True(t, last.Cancelled)
}

func TestWriteDeviceErrorPropagates(t *testing.T) {
	t.Parallel()

	dev := testutil.NewMemDevice(testBlockSize, 0)
	dev.WriteErr = testutil.ErrInjected
	dev.FailAt = 3

	log := &progressLog{}
	_, err := newTestWriter(dev, log).Write(context.Background(), sampleTree())
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.NotErrorIs(t, err, ErrCancelled)

	snaps := log.all()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Final)
	assert.False(t, snaps[0].Cancelled)
}

func TestWriteSkipsUnreadable(t *testing.T) {
	t.Parallel()

	bad := memFile("bad.txt", "secret")
	bad.Opener = func() (io.ReadCloser, error) { return nil, io.ErrUnexpectedEOF }
	tree := &Tree{Files: []*File{memFile("good.txt", "ok"), bad}}

	dev := testutil.NewMemDevice(testBlockSize, 0)
	res, err := newTestWriter(dev, nil, WithReadErrorPolicy(ReadErrorSkip)).Write(context.Background(), tree)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "bad.txt", res.Skipped[0].Path)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, int64(2), res.ContentBytes)
	assert.Empty(t, bad.Digest)
}

func TestWriteImageDevice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tape.img")
	dev, err := device.OpenImage(path, testBlockSize, device.WithImageCapacity(1<<20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	tree := &Tree{Files: []*File{memFile("big.txt", strings.Repeat("tape ", 4000))}}
	res, err := newTestWriter(dev, nil, WithIndexRecord(true)).Write(ctx, tree)
	require.NoError(t, err)
	assert.Positive(t, res.MediaBytes)
	assert.GreaterOrEqual(t, res.MediaBytes, res.PhysicalBytes)

	_, err = Verify(ctx, dev, 0, res.ArchiveDigest)
	require.NoError(t, err)

	idx, err := ReadIndex(ctx, dev, 1)
	require.NoError(t, err)
	entry, ok := idx.Lookup("big.txt")
	require.True(t, ok)
	assert.Equal(t, tree.Files[0].Digest, entry.Digest)
}
