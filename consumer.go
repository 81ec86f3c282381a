package tape

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync/atomic"

	"github.com/meigma/tape/device"
	"github.com/meigma/tape/internal/blockbuf"
)

// consumer drains the buffer to the device and hashes every block exactly
// as written.
type consumer struct {
	buf    *blockbuf.Buffer
	dev    device.Device
	hasher hash.Hash

	blocks atomic.Int64
}

func (c *consumer) run(ctx context.Context) error {
	block := make([]byte, c.buf.BlockSize())
	for {
		err := c.buf.ReadBlock(ctx, block)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.dev.Write(block); err != nil {
			return fmt.Errorf("write block %d: %w", c.blocks.Load(), err)
		}
		c.hasher.Write(block)
		c.blocks.Add(1)
	}
}
