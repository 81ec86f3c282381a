package stream

import (
	"io"
	"sync/atomic"
)

// CountingReader wraps a reader and counts bytes read.
type CountingReader struct {
	R io.Reader
	N uint64
}

// Read implements io.Reader.
func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	if n > 0 {
		//nolint:gosec // n is non-negative by the io.Reader contract
		if cr.N > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		cr.N += uint64(n) //nolint:gosec // overflow checked above
	}
	return n, err
}

// CountingWriter wraps a writer and counts bytes written. The count is
// atomic so a poller may read it while another goroutine writes.
type CountingWriter struct {
	W io.Writer
	n atomic.Int64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		cw.n.Add(int64(n))
	}
	return n, err
}

// Count returns the number of bytes written so far.
func (cw *CountingWriter) Count() int64 {
	return cw.n.Load()
}
