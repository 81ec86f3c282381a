// Package testutil provides an in-memory tape device and filesystem
// helpers for tests.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meigma/tape/device"
)

// MemDevice is an in-memory device.Device. Each Write appends one block
// record and each WriteFilemark one filemark record; writing anywhere but
// the end discards the records after the position, as a tape drive does.
type MemDevice struct {
	// WriteErr, when set, is returned by the write that would store block
	// number FailAt (0-based, counting data blocks written through this
	// device).
	WriteErr error
	FailAt   int64

	mu             sync.Mutex
	blockSize      int
	capacity       int64
	records        [][]byte // nil is a filemark
	pos            int
	writes         int64
	compression    bool
	writeProtected bool
	ejected        bool
	closed         bool
}

// NewMemDevice returns an empty device. A capacity of 0 reports unknown
// capacity and never fills up.
func NewMemDevice(blockSize int, capacity int64) *MemDevice {
	return &MemDevice{blockSize: blockSize, capacity: capacity, FailAt: -1}
}

// SetWriteProtected marks the media read-only.
func (d *MemDevice) SetWriteProtected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeProtected = v
}

func (d *MemDevice) check() error {
	switch {
	case d.closed:
		return device.ErrClosed
	case d.ejected:
		return device.ErrNoMedia
	}
	return nil
}

func (d *MemDevice) usedLocked() int64 {
	var n int64
	for _, r := range d.records {
		n += int64(len(r))
	}
	return n
}

func (d *MemDevice) Read(p []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return false, err
	}
	if len(p) < d.blockSize {
		return false, device.ErrBlockSize
	}
	if d.pos >= len(d.records) {
		return false, device.ErrEndOfData
	}
	r := d.records[d.pos]
	d.pos++
	if r == nil {
		return true, nil
	}
	copy(p, r)
	return false, nil
}

func (d *MemDevice) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if d.writeProtected {
		return device.ErrWriteProtected
	}
	if len(p) != d.blockSize {
		return device.ErrBlockSize
	}
	if d.WriteErr != nil && d.writes == d.FailAt {
		return d.WriteErr
	}
	d.records = d.records[:d.pos]
	if d.capacity > 0 && d.usedLocked()+int64(len(p)) > d.capacity {
		return device.ErrEndOfMedia
	}
	d.records = append(d.records, append([]byte(nil), p...))
	d.pos++
	d.writes++
	return nil
}

func (d *MemDevice) WriteFilemark() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if d.writeProtected {
		return device.ErrWriteProtected
	}
	d.records = append(d.records[:d.pos], nil)
	d.pos++
	return nil
}

func (d *MemDevice) SetBlockPosition(block int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if block < 0 || block > int64(len(d.records)) {
		return device.ErrEndOfData
	}
	d.pos = int(block)
	return nil
}

func (d *MemDevice) SetFilemarkPosition(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.pos = 0
	for n > 0 {
		if d.pos >= len(d.records) {
			return device.ErrEndOfData
		}
		if d.records[d.pos] == nil {
			n--
		}
		d.pos++
	}
	return nil
}

func (d *MemDevice) BlockPosition() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	return int64(d.pos), nil
}

func (d *MemDevice) SeekToEndOfData() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.pos = len(d.records)
	return nil
}

func (d *MemDevice) Rewind() error {
	return d.SetBlockPosition(0)
}

func (d *MemDevice) Eject() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.ejected = true
	return nil
}

func (d *MemDevice) DriveInfo() (device.DriveInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.DriveInfo{}, device.ErrClosed
	}
	return device.DriveInfo{
		DefaultBlockSize: d.blockSize,
		MinBlockSize:     1,
		MaxBlockSize:     1 << 23,
		Compression:      d.compression,
	}, nil
}

func (d *MemDevice) MediaInfo() (device.MediaInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return device.MediaInfo{}, err
	}
	m := device.MediaInfo{
		BlockSize:      d.blockSize,
		PartitionCount: 1,
		WriteProtected: d.writeProtected,
	}
	if d.capacity > 0 {
		m.Capacity = d.capacity
		m.Remaining = d.capacity - d.usedLocked()
	}
	return m, nil
}

func (d *MemDevice) Info() (device.Info, error) {
	drive, err := d.DriveInfo()
	if err != nil {
		return device.Info{}, err
	}
	media, err := d.MediaInfo()
	if err != nil {
		return device.Info{}, err
	}
	return device.Info{Drive: drive, Media: media}, nil
}

func (d *MemDevice) InvalidateInfo() {}

func (d *MemDevice) EnableCompression() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compression = true
	return nil
}

func (d *MemDevice) BlockSize() int { return d.blockSize }

func (d *MemDevice) Path() string { return "mem" }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// File returns the data blocks of tape file n concatenated.
func (d *MemDevice) File(n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, r := range d.records {
		if r == nil {
			if n == 0 {
				return out
			}
			n--
			continue
		}
		if n == 0 {
			out = append(out, r...)
		}
	}
	return out
}

// Blocks returns the number of data blocks stored.
func (d *MemDevice) Blocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocksLocked()
}

// Filemarks returns the number of filemarks stored.
func (d *MemDevice) Filemarks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records) - d.blocksLocked()
}

func (d *MemDevice) blocksLocked() int {
	n := 0
	for _, r := range d.records {
		if r != nil {
			n++
		}
	}
	return n
}

// CreateFiles writes files (slash-separated relative path to content)
// under dir and sets every modification time to mtime.
func CreateFiles(tb testing.TB, dir string, files map[string]string, mtime time.Time) {
	tb.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			tb.Fatalf("mkdir %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			tb.Fatalf("chtimes %s: %v", name, err)
		}
	}
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("testutil: injected failure")
