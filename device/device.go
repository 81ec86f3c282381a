// Package device provides block-level access to sequential tape devices.
//
// A [Device] is opened for exclusive use with a fixed block size. Every
// Write stores exactly one block; Read returns one block or reports that a
// filemark was crossed. Drive and media parameters are queried lazily and
// cached until [Device.InvalidateInfo] is called or the drive reports that
// the media changed.
//
// Native access is available on Linux (st/nst character devices) and
// Windows (\\.\TAPEn). [OpenImage] provides a file-backed virtual tape on
// every platform.
package device

import (
	"errors"
	"fmt"
)

// Sentinel errors. Backends wrap them in [*Error] so callers can test with
// errors.Is while still seeing the native status code.
var (
	// ErrMediaChanged is reported when the drive signals that the loaded
	// media differs from the one it last reported.
	ErrMediaChanged = errors.New("device: media changed")

	// ErrNoMedia is reported when no media is loaded.
	ErrNoMedia = errors.New("device: no media in drive")

	// ErrBlockSize is returned when a buffer does not match the block size.
	ErrBlockSize = errors.New("device: block size mismatch")

	// ErrBlockSizeRange is returned when the requested block size is
	// outside the drive's limits.
	ErrBlockSizeRange = errors.New("device: block size out of range")

	// ErrEndOfData is returned by Read when there is no more recorded data.
	ErrEndOfData = errors.New("device: end of recorded data")

	// ErrEndOfMedia is returned by Write when the media is full.
	ErrEndOfMedia = errors.New("device: end of media")

	// ErrWriteProtected is returned when writing to protected media.
	ErrWriteProtected = errors.New("device: media is write protected")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("device: closed")

	// ErrUnsupportedPlatform is returned by Open on platforms without a
	// native tape backend.
	ErrUnsupportedPlatform = errors.New("device: native tape access not supported on this platform")
)

// Error describes a failed device operation.
type Error struct {
	// Op is the operation that failed, such as "write" or "set position".
	Op string

	// Path is the device path.
	Path string

	// Code is the native status code (errno or Win32 error), 0 if none.
	Code int

	// Err is the underlying error. It is one of the package sentinels when
	// the status maps to one.
	Err error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("device: %s %s: %v (code %d)", e.Op, e.Path, e.Err, e.Code)
	}
	return fmt.Sprintf("device: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DriveInfo holds drive parameters.
type DriveInfo struct {
	DefaultBlockSize int
	MinBlockSize     int
	MaxBlockSize     int

	ECC                bool
	Compression        bool
	DataPadding        bool
	ReportSetmarks     bool
	EOTWarningZoneSize uint32

	MaxPartitionCount int
}

// MediaInfo holds parameters of the loaded media.
type MediaInfo struct {
	// Capacity and Remaining are in bytes; zero when the drive cannot
	// report them.
	Capacity  int64
	Remaining int64

	BlockSize      int
	PartitionCount int
	WriteProtected bool
}

// Used returns Capacity minus Remaining.
func (m MediaInfo) Used() int64 {
	return m.Capacity - m.Remaining
}

// Info combines drive and media parameters.
type Info struct {
	Drive DriveInfo
	Media MediaInfo
}

// Device is an open tape device.
//
// Implementations are not safe for concurrent use except for the info
// accessors, which may be called from any goroutine.
type Device interface {
	// Read reads one block into p, which must hold at least BlockSize
	// bytes. It returns filemark=true with a nil error, leaving p
	// untouched, when it crosses a filemark. It returns ErrEndOfData at
	// the end of recorded data.
	Read(p []byte) (filemark bool, err error)

	// Write writes exactly one block. len(p) must equal BlockSize.
	Write(p []byte) error

	// WriteFilemark writes one filemark at the current position.
	WriteFilemark() error

	// SetBlockPosition moves to a logical block address.
	SetBlockPosition(block int64) error

	// SetFilemarkPosition rewinds and spaces forward over n filemarks,
	// leaving the head at the start of tape file n.
	SetFilemarkPosition(n int64) error

	// BlockPosition returns the current logical block address.
	BlockPosition() (int64, error)

	// SeekToEndOfData moves to the end of recorded data.
	SeekToEndOfData() error

	// Rewind moves to the beginning of tape.
	Rewind() error

	// Eject unloads the media.
	Eject() error

	DriveInfo() (DriveInfo, error)
	MediaInfo() (MediaInfo, error)
	Info() (Info, error)

	// InvalidateInfo drops cached drive and media parameters.
	InvalidateInfo()

	// EnableCompression turns on hardware compression, preserving the
	// other drive settings.
	EnableCompression() error

	// BlockSize returns the block size in bytes.
	BlockSize() int

	// Path returns the device path.
	Path() string

	Close() error
}
