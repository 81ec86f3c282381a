// Package blockbuf implements the bounded block buffer that sits between
// the tar producer and the tape consumer.
//
// The buffer holds a fixed number of pre-allocated, fixed-size blocks. The
// consumer is held back until the buffer has filled past a start threshold
// so the drive streams continuously instead of stopping and restarting on
// every producer stall (shoe-shining). Once reads open they stay open until
// the buffer drains empty.
package blockbuf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// DefaultBlockSize is the default tape block size (64 KiB).
	DefaultBlockSize = 64 * 1024

	// DefaultBlocks is the default number of buffered blocks (256 MiB at
	// the default block size).
	DefaultBlocks = 4096

	// DefaultStartFill is the default fill percentage that must be
	// exceeded before reads are allowed.
	DefaultStartFill = 98.0
)

var (
	// ErrBlockSize is returned when a block of the wrong length is written,
	// or when the read destination is shorter than one block.
	ErrBlockSize = errors.New("blockbuf: block size mismatch")

	// ErrInputComplete is returned by WriteBlock after MarkInputComplete.
	ErrInputComplete = errors.New("blockbuf: input already marked complete")

	// ErrReadAfterEOF is returned by ReadBlock once end of stream has
	// already been reported.
	ErrReadAfterEOF = errors.New("blockbuf: read after end of stream")

	// ErrInvalidConfig is returned by New for unusable sizes or thresholds.
	ErrInvalidConfig = errors.New("blockbuf: invalid configuration")
)

// State describes where the buffer is in its fill/drain cycle.
type State uint8

const (
	// StateEmpty means no blocks are pending and reads are closed.
	StateEmpty State = iota

	// StateFilling means blocks are pending but the start threshold has
	// not been crossed.
	StateFilling

	// StateReady means reads just opened and nothing has been read yet.
	StateReady

	// StateDraining means the consumer is reading.
	StateDraining

	// StateComplete means input is complete and the consumer has seen end
	// of stream.
	StateComplete
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Status is a consistent snapshot of the buffer taken under its lock.
type Status struct {
	State         State
	BytesWritten  int64
	BytesRead     int64
	BlocksFull    int
	Capacity      int
	BlockSize     int
	FillPercent   float64
	InputComplete bool
	EndOfStream   bool
	CanRead       bool
	CanWrite      bool
}

// CapacityBytes returns the total buffer size in bytes.
func (s Status) CapacityBytes() int64 {
	return int64(s.Capacity) * int64(s.BlockSize)
}

// FilledBytes returns the number of pending bytes.
func (s Status) FilledBytes() int64 {
	return int64(s.BlocksFull) * int64(s.BlockSize)
}

// Option configures a Buffer.
type Option func(*config)

type config struct {
	startFill float64
}

// WithStartFill sets the fill percentage (0-100) that must be exceeded
// before the consumer may read. A full buffer always opens reads, so 100
// means "wait until full".
func WithStartFill(percent float64) Option {
	return func(c *config) {
		c.startFill = percent
	}
}

// Buffer is a single-producer, single-consumer ring of fixed-size blocks.
//
// WriteBlock and ReadBlock park on channel-backed gates and honour context
// cancellation. All storage and counters are guarded by one mutex.
type Buffer struct {
	mu        sync.Mutex
	blocks    [][]byte
	blockSize int
	startFill float64

	readPos  int
	writePos int
	count    int

	bytesWritten int64
	bytesRead    int64

	inputComplete  bool
	endOfStream    bool
	readsSinceOpen int64

	readGate  gate
	writeGate gate
}

// New allocates a buffer of blocks × blockSize bytes.
func New(blockSize, blocks int, opts ...Option) (*Buffer, error) {
	cfg := config{startFill: DefaultStartFill}
	for _, opt := range opts {
		opt(&cfg)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidConfig, blockSize)
	}
	if blocks <= 0 {
		return nil, fmt.Errorf("%w: block count %d", ErrInvalidConfig, blocks)
	}
	if cfg.startFill < 0 || cfg.startFill > 100 {
		return nil, fmt.Errorf("%w: start fill %.2f%%", ErrInvalidConfig, cfg.startFill)
	}

	storage := make([]byte, blockSize*blocks)
	b := &Buffer{
		blocks:    make([][]byte, blocks),
		blockSize: blockSize,
		startFill: cfg.startFill,
		readGate:  newGate(false),
		writeGate: newGate(true),
	}
	for i := range b.blocks {
		b.blocks[i] = storage[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
	}
	return b, nil
}

// BlockSize returns the size of one block in bytes.
func (b *Buffer) BlockSize() int {
	return b.blockSize
}

// Capacity returns the number of blocks the buffer holds.
func (b *Buffer) Capacity() int {
	return len(b.blocks)
}

// WriteBlock copies block into the next free slot, parking while the
// buffer is full. block must be exactly BlockSize bytes.
func (b *Buffer) WriteBlock(ctx context.Context, block []byte) error {
	if len(block) != b.blockSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBlockSize, len(block), b.blockSize)
	}

	b.mu.Lock()
	for {
		if b.inputComplete {
			b.mu.Unlock()
			return ErrInputComplete
		}
		if b.count < len(b.blocks) {
			break
		}
		b.writeGate.reset()
		ready := b.writeGate.wait()
		b.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	copy(b.blocks[b.writePos], block)
	b.writePos = (b.writePos + 1) % len(b.blocks)
	b.count++
	b.bytesWritten += int64(b.blockSize)

	switch {
	case b.count == len(b.blocks):
		b.writeGate.reset()
		b.openReads()
	case !b.readGate.open && b.fillPercent() > b.startFill:
		b.openReads()
	}
	return nil
}

// ReadBlock copies the oldest pending block into out, parking while reads
// are closed. It returns io.EOF exactly once, after input is complete and
// every block has been read; later calls return ErrReadAfterEOF.
func (b *Buffer) ReadBlock(ctx context.Context, out []byte) error {
	if len(out) < b.blockSize {
		return fmt.Errorf("%w: destination holds %d bytes, want %d", ErrBlockSize, len(out), b.blockSize)
	}

	b.mu.Lock()
	for {
		if b.endOfStream {
			b.mu.Unlock()
			return ErrReadAfterEOF
		}
		if b.readGate.open {
			if b.count > 0 {
				break
			}
			if b.inputComplete {
				b.endOfStream = true
				b.mu.Unlock()
				return io.EOF
			}
			b.readGate.reset()
		}
		ready := b.readGate.wait()
		b.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	copy(out, b.blocks[b.readPos])
	b.readPos = (b.readPos + 1) % len(b.blocks)
	b.count--
	b.bytesRead += int64(b.blockSize)
	b.readsSinceOpen++
	b.writeGate.set()

	if b.count == 0 && !b.inputComplete {
		b.readGate.reset()
	}
	return nil
}

// MarkInputComplete records that the producer is done and opens reads so
// the consumer can drain a partially filled buffer. It is idempotent.
func (b *Buffer) MarkInputComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputComplete {
		return
	}
	b.inputComplete = true
	b.openReads()
}

// Status returns a snapshot of the buffer counters.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:         b.state(),
		BytesWritten:  b.bytesWritten,
		BytesRead:     b.bytesRead,
		BlocksFull:    b.count,
		Capacity:      len(b.blocks),
		BlockSize:     b.blockSize,
		FillPercent:   b.fillPercent(),
		InputComplete: b.inputComplete,
		EndOfStream:   b.endOfStream,
		CanRead:       b.readGate.open,
		CanWrite:      !b.inputComplete && b.count < len(b.blocks),
	}
}

// openReads opens the read gate. Caller holds mu.
func (b *Buffer) openReads() {
	if b.readGate.open {
		return
	}
	b.readsSinceOpen = 0
	b.readGate.set()
}

// fillPercent returns the pending share of capacity. Caller holds mu.
func (b *Buffer) fillPercent() float64 {
	return float64(b.count) / float64(len(b.blocks)) * 100.0
}

// state derives the cycle state. Caller holds mu.
func (b *Buffer) state() State {
	switch {
	case b.endOfStream:
		return StateComplete
	case b.readGate.open && b.readsSinceOpen == 0:
		return StateReady
	case b.readGate.open:
		return StateDraining
	case b.count == 0:
		return StateEmpty
	default:
		return StateFilling
	}
}
