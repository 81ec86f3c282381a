// Package stream provides context-aware copy and byte-counting helpers used
// when streaming file content into the archive.
package stream

import (
	"context"
	"errors"
	"io"
)

// DefaultChunkSize is the read size used when streaming file content.
const DefaultChunkSize = 1 << 20

// ErrOverflow indicates a byte counter exceeded its maximum value.
var ErrOverflow = errors.New("stream: counter overflow")

// CopyWithContext copies from src to dst in len(buf) chunks until EOF or
// error. The context is checked before every read so a cancelled run stops
// at the next chunk boundary.
//
//nolint:gocognit // mirrors io.Copy; the branches are the I/O contract
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultChunkSize)
	}
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw < 0 || nw > nr {
				return written, io.ErrShortWrite
			}
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				return written, nil
			}
			return written, er
		}
	}
}
