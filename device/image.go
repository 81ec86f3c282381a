package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// Image file layout: a fixed header followed by records. Each record is a
// kind byte, a little-endian uint32 payload length and the payload.
// Logical block addresses are record indexes, so filemarks occupy an
// address as they do on real media.
const (
	imageMagic        = "TAPEIMG\x01"
	imageHeaderSize   = 16
	recordHeaderSize  = 5
	imageMaxBlockSize = 8 << 20

	recordData     byte = 'D'
	recordZstd     byte = 'Z'
	recordFilemark byte = 'F'
)

// ErrCorruptImage is returned when an image file cannot be parsed.
var ErrCorruptImage = errors.New("device: corrupt tape image")

type imageRecord struct {
	kind byte
	off  int64 // offset of the record header
	n    uint32
}

// imageBackend is a virtual tape stored in a regular file. When
// compression is enabled each block is stored zstd-compressed if that
// makes it smaller, so remaining capacity drops by the compressed size.
type imageBackend struct {
	mu sync.Mutex

	f        *os.File
	path     string
	capacity int64
	records  []imageRecord
	end      int64
	pos      int

	blockSize      int
	compression    bool
	writeProtected bool
	loaded         bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenImage opens a file-backed virtual tape, creating it when it does not
// exist. A blockSize of 0 selects 64 KiB.
func OpenImage(path string, blockSize int, opts ...Option) (*Drive, error) {
	o := applyOptions(opts)
	be, err := openImage(path, o)
	if err != nil {
		return nil, err
	}
	return newDrive(be, path, blockSize, o)
}

func openImage(path string, o *options) (*imageBackend, error) {
	flag := os.O_RDWR | os.O_CREATE
	if o.writeProtected {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		f.Close()
		return nil, &Error{Op: "open", Path: path, Err: err}
	}

	b := &imageBackend{
		f:              f,
		path:           path,
		writeProtected: o.writeProtected,
		loaded:         true,
		enc:            enc,
		dec:            dec,
	}
	if err := b.loadFile(o.imageCapacity); err != nil {
		_ = b.close()
		return nil, err
	}
	return b, nil
}

func (b *imageBackend) loadFile(capacity int64) error {
	fi, err := b.f.Stat()
	if err != nil {
		return &Error{Op: "open", Path: b.path, Err: err}
	}

	if fi.Size() == 0 {
		if b.writeProtected {
			return &Error{Op: "open", Path: b.path, Err: ErrCorruptImage}
		}
		if capacity <= 0 {
			return &Error{Op: "open", Path: b.path, Err: fmt.Errorf("invalid image capacity %d", capacity)}
		}
		hdr := make([]byte, imageHeaderSize)
		copy(hdr, imageMagic)
		binary.LittleEndian.PutUint64(hdr[8:], uint64(capacity))
		if _, err := b.f.WriteAt(hdr, 0); err != nil {
			return &Error{Op: "open", Path: b.path, Err: err}
		}
		b.capacity = capacity
		b.end = imageHeaderSize
		return nil
	}

	hdr := make([]byte, imageHeaderSize)
	if _, err := b.f.ReadAt(hdr, 0); err != nil {
		return &Error{Op: "open", Path: b.path, Err: fmt.Errorf("%w: %v", ErrCorruptImage, err)}
	}
	if string(hdr[:8]) != imageMagic {
		return &Error{Op: "open", Path: b.path, Err: fmt.Errorf("%w: bad magic", ErrCorruptImage)}
	}
	b.capacity = int64(binary.LittleEndian.Uint64(hdr[8:]))

	rh := make([]byte, recordHeaderSize)
	off := int64(imageHeaderSize)
	for off < fi.Size() {
		if _, err := b.f.ReadAt(rh, off); err != nil {
			return &Error{Op: "open", Path: b.path, Err: fmt.Errorf("%w: record at %d: %v", ErrCorruptImage, off, err)}
		}
		rec := imageRecord{kind: rh[0], off: off, n: binary.LittleEndian.Uint32(rh[1:])}
		switch rec.kind {
		case recordData, recordZstd, recordFilemark:
		default:
			return &Error{Op: "open", Path: b.path, Err: fmt.Errorf("%w: record kind 0x%02x at %d", ErrCorruptImage, rec.kind, off)}
		}
		next := off + recordHeaderSize + int64(rec.n)
		if next > fi.Size() {
			return &Error{Op: "open", Path: b.path, Err: fmt.Errorf("%w: truncated record at %d", ErrCorruptImage, off)}
		}
		b.records = append(b.records, rec)
		off = next
	}
	b.end = off
	return nil
}

func (b *imageBackend) fail(op string, err error) *Error {
	return &Error{Op: op, Path: b.path, Err: err}
}

// ready reports ErrNoMedia while the image is unloaded. Caller holds mu.
func (b *imageBackend) ready(op string) error {
	if !b.loaded {
		return b.fail(op, ErrNoMedia)
	}
	return nil
}

func (b *imageBackend) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("read"); err != nil {
		return 0, err
	}
	if b.pos >= len(b.records) {
		return 0, b.fail("read", ErrEndOfData)
	}
	rec := b.records[b.pos]
	b.pos++

	switch rec.kind {
	case recordFilemark:
		return 0, nil
	case recordData:
		if int(rec.n) > len(p) {
			return 0, b.fail("read", fmt.Errorf("%w: record holds %d bytes", ErrBlockSize, rec.n))
		}
		if _, err := b.f.ReadAt(p[:rec.n], rec.off+recordHeaderSize); err != nil {
			return 0, b.fail("read", err)
		}
		return int(rec.n), nil
	default:
		raw := make([]byte, rec.n)
		if _, err := b.f.ReadAt(raw, rec.off+recordHeaderSize); err != nil {
			return 0, b.fail("read", err)
		}
		out, err := b.dec.DecodeAll(raw, nil)
		if err != nil {
			return 0, b.fail("read", fmt.Errorf("%w: %v", ErrCorruptImage, err))
		}
		if len(out) > len(p) {
			return 0, b.fail("read", fmt.Errorf("%w: record holds %d bytes", ErrBlockSize, len(out)))
		}
		return copy(p, out), nil
	}
}

// append writes a record at the current position, discarding everything
// after it as a drive does. Caller holds mu.
func (b *imageBackend) append(op string, kind byte, payload []byte) error {
	if err := b.ready(op); err != nil {
		return err
	}
	if b.writeProtected {
		return b.fail(op, ErrWriteProtected)
	}

	off := b.end
	if b.pos < len(b.records) {
		off = b.records[b.pos].off
	}
	next := off + recordHeaderSize + int64(len(payload))
	if next-imageHeaderSize > b.capacity {
		return b.fail(op, ErrEndOfMedia)
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	buf[0] = kind
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)
	if _, err := b.f.WriteAt(buf, off); err != nil {
		return b.fail(op, err)
	}
	if b.pos < len(b.records) {
		if err := b.f.Truncate(next); err != nil {
			return b.fail(op, err)
		}
	}

	b.records = append(b.records[:b.pos], imageRecord{kind: kind, off: off, n: uint32(len(payload))})
	b.pos++
	b.end = next
	return nil
}

func (b *imageBackend) write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.compression {
		if z := b.enc.EncodeAll(p, nil); len(z) < len(p) {
			return b.append("write", recordZstd, z)
		}
	}
	return b.append("write", recordData, p)
}

func (b *imageBackend) writeFilemarks(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for range n {
		if err := b.append("write filemark", recordFilemark, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *imageBackend) locate(block int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("set position"); err != nil {
		return err
	}
	if block < 0 || block > int64(len(b.records)) {
		return b.fail("set position", ErrEndOfData)
	}
	b.pos = int(block)
	return nil
}

func (b *imageBackend) rewind() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("rewind"); err != nil {
		return err
	}
	b.pos = 0
	return nil
}

func (b *imageBackend) spaceFilemarks(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("space filemarks"); err != nil {
		return err
	}
	for n > 0 {
		if b.pos >= len(b.records) {
			return b.fail("space filemarks", ErrEndOfData)
		}
		if b.records[b.pos].kind == recordFilemark {
			n--
		}
		b.pos++
	}
	return nil
}

func (b *imageBackend) position() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("get position"); err != nil {
		return 0, err
	}
	return int64(b.pos), nil
}

func (b *imageBackend) seekEOD() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("seek end of data"); err != nil {
		return err
	}
	b.pos = len(b.records)
	return nil
}

func (b *imageBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = true
	b.pos = 0
	return nil
}

func (b *imageBackend) unload() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	b.pos = 0
	return nil
}

func (b *imageBackend) driveParams() (DriveInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DriveInfo{
		DefaultBlockSize:  64 * 1024,
		MinBlockSize:      1,
		MaxBlockSize:      imageMaxBlockSize,
		ECC:               true,
		Compression:       b.compression,
		MaxPartitionCount: 1,
	}, nil
}

func (b *imageBackend) mediaParams() (MediaInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready("get media parameters"); err != nil {
		return MediaInfo{}, err
	}
	return MediaInfo{
		Capacity:       b.capacity,
		Remaining:      max(b.capacity-(b.end-imageHeaderSize), 0),
		BlockSize:      b.blockSize,
		PartitionCount: 1,
		WriteProtected: b.writeProtected,
	}, nil
}

func (b *imageBackend) setBlockSize(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockSize = n
	return nil
}

func (b *imageBackend) setDriveParams(info DriveInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compression = info.Compression
	return nil
}

func (b *imageBackend) close() error {
	b.dec.Close()
	err := multierr.Combine(b.enc.Close(), b.f.Close())
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return b.fail("close", err)
	}
	return nil
}
