package tape

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tape/internal/blockbuf"
	"github.com/meigma/tape/internal/testutil"
)

func filledBuffer(t *testing.T, blocks int) (*blockbuf.Buffer, []byte) {
	t.Helper()
	buf, err := blockbuf.New(testBlockSize, blocks, blockbuf.WithStartFill(50))
	require.NoError(t, err)

	var all []byte
	for i := range blocks {
		block := bytes.Repeat([]byte{byte(i + 1)}, testBlockSize)
		require.NoError(t, buf.WriteBlock(context.Background(), block))
		all = append(all, block...)
	}
	buf.MarkInputComplete()
	return buf, all
}

func TestConsumerWritesAndHashes(t *testing.T) {
	t.Parallel()

	buf, want := filledBuffer(t, 5)
	dev := testutil.NewMemDevice(testBlockSize, 0)
	c := &consumer{buf: buf, dev: dev, hasher: sha256.New()}

	require.NoError(t, c.run(context.Background()))
	assert.Equal(t, int64(5), c.blocks.Load())
	assert.Equal(t, want, dev.File(0))

	sum := sha256.Sum256(want)
	assert.Equal(t, sum[:], c.hasher.Sum(nil))
	assert.True(t, buf.Status().EndOfStream)
}

func TestConsumerDeviceError(t *testing.T) {
	t.Parallel()

	buf, _ := filledBuffer(t, 5)
	dev := testutil.NewMemDevice(testBlockSize, 0)
	dev.WriteErr = testutil.ErrInjected
	dev.FailAt = 2
	c := &consumer{buf: buf, dev: dev, hasher: sha256.New()}

	err := c.run(context.Background())
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Contains(t, err.Error(), "write block 2")
	assert.Equal(t, int64(2), c.blocks.Load())
}

func TestConsumerCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	buf, err := blockbuf.New(testBlockSize, 4)
	require.NoError(t, err)
	c := &consumer{buf: buf, dev: testutil.NewMemDevice(testBlockSize, 0), hasher: sha256.New()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.run(ctx), context.Canceled)
}
