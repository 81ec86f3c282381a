package device

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Tape API constants from winbase.h / winnt.h.
const (
	getTapeMediaInformation = 0
	getTapeDriveInformation = 1
	setTapeMediaInformation = 0
	setTapeDriveInformation = 1

	tapeLoad   = 0
	tapeUnload = 1

	tapeRewind          = 0
	tapeLogicalBlock    = 2
	tapeSpaceEndOfData  = 4
	tapeSpaceFilemarks  = 6
	tapeFilemarks       = 1
	tapeLogicalPosition = 1
)

// Win32 status codes returned by the tape API.
const (
	errorEndOfMedia       = syscall.Errno(1100)
	errorFilemarkDetected = syscall.Errno(1101)
	errorNoDataDetected   = syscall.Errno(1104)
	errorMediaChanged     = syscall.Errno(1110)
	errorNoMediaInDrive   = syscall.Errno(1112)
	errorWriteProtect     = syscall.Errno(19)
	errorInvalidBlockLen  = syscall.Errno(1106)
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGetTapeParameters = modkernel32.NewProc("GetTapeParameters")
	procSetTapeParameters = modkernel32.NewProc("SetTapeParameters")
	procGetTapePosition   = modkernel32.NewProc("GetTapePosition")
	procSetTapePosition   = modkernel32.NewProc("SetTapePosition")
	procPrepareTape       = modkernel32.NewProc("PrepareTape")
	procWriteTapemark     = modkernel32.NewProc("WriteTapemark")
)

// tapeGetDriveParameters mirrors TAPE_GET_DRIVE_PARAMETERS.
type tapeGetDriveParameters struct {
	ecc                   uint8
	compression           uint8
	dataPadding           uint8
	reportSetmarks        uint8
	defaultBlockSize      uint32
	maximumBlockSize      uint32
	minimumBlockSize      uint32
	maximumPartitionCount uint32
	featuresLow           uint32
	featuresHigh          uint32
	eotWarningZoneSize    uint32
}

// tapeGetMediaParameters mirrors TAPE_GET_MEDIA_PARAMETERS.
type tapeGetMediaParameters struct {
	capacity       int64
	remaining      int64
	blockSize      uint32
	partitionCount uint32
	writeProtected uint8
	_              [7]byte
}

// tapeSetDriveParameters mirrors TAPE_SET_DRIVE_PARAMETERS.
type tapeSetDriveParameters struct {
	ecc                uint8
	compression        uint8
	dataPadding        uint8
	reportSetmarks     uint8
	eotWarningZoneSize uint32
}

// tapeSetMediaParameters mirrors TAPE_SET_MEDIA_PARAMETERS.
type tapeSetMediaParameters struct {
	blockSize uint32
}

type windowsBackend struct {
	h    windows.Handle
	path string
}

func openNative(path string, _ *options) (backend, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	// Share mode 0 gives exclusive access.
	h, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, win32Error("open", path, err)
	}
	return &windowsBackend{h: h, path: path}, nil
}

func win32Error(op, path string, err error) *Error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &Error{Op: op, Path: path, Err: err}
	}
	e := &Error{Op: op, Path: path, Code: int(errno), Err: errno}
	switch errno {
	case errorMediaChanged:
		e.Err = ErrMediaChanged
	case errorNoMediaInDrive:
		e.Err = ErrNoMedia
	case errorEndOfMedia:
		e.Err = ErrEndOfMedia
	case errorNoDataDetected:
		e.Err = ErrEndOfData
	case errorWriteProtect:
		e.Err = ErrWriteProtected
	case errorInvalidBlockLen:
		e.Err = ErrBlockSize
	}
	return e
}

// call invokes a tape API procedure that returns a Win32 status code.
func (b *windowsBackend) call(op string, proc *windows.LazyProc, args ...uintptr) error {
	r1, _, _ := proc.Call(args...)
	if r1 != 0 {
		return win32Error(op, b.path, syscall.Errno(r1))
	}
	return nil
}

func (b *windowsBackend) read(p []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(b.h, p, &n, nil)
	if errors.Is(err, errorFilemarkDetected) {
		return 0, nil
	}
	if err != nil {
		return 0, win32Error("read", b.path, err)
	}
	if n == 0 {
		return 0, &Error{Op: "read", Path: b.path, Err: ErrEndOfData}
	}
	return int(n), nil
}

func (b *windowsBackend) write(p []byte) error {
	var n uint32
	if err := windows.WriteFile(b.h, p, &n, nil); err != nil {
		return win32Error("write", b.path, err)
	}
	if int(n) != len(p) {
		return &Error{Op: "write", Path: b.path, Err: ErrEndOfMedia}
	}
	return nil
}

func (b *windowsBackend) writeFilemarks(n int) error {
	return b.call("write filemark", procWriteTapemark, uintptr(b.h), tapeFilemarks, uintptr(n), 0)
}

func (b *windowsBackend) setPosition(op string, method uint32, offset int64) error {
	return b.call(op, procSetTapePosition,
		uintptr(b.h), uintptr(method), 0,
		uintptr(uint32(offset)), uintptr(uint32(offset>>32)), 0)
}

func (b *windowsBackend) locate(block int64) error {
	return b.setPosition("set position", tapeLogicalBlock, block)
}

func (b *windowsBackend) rewind() error {
	return b.setPosition("rewind", tapeRewind, 0)
}

func (b *windowsBackend) spaceFilemarks(n int64) error {
	return b.setPosition("space filemarks", tapeSpaceFilemarks, n)
}

func (b *windowsBackend) seekEOD() error {
	return b.setPosition("seek end of data", tapeSpaceEndOfData, 0)
}

func (b *windowsBackend) position() (int64, error) {
	var partition, low, high uint32
	err := b.call("get position", procGetTapePosition,
		uintptr(b.h), tapeLogicalPosition,
		uintptr(unsafe.Pointer(&partition)),
		uintptr(unsafe.Pointer(&low)),
		uintptr(unsafe.Pointer(&high)))
	if err != nil {
		return 0, err
	}
	return int64(high)<<32 | int64(low), nil
}

func (b *windowsBackend) load() error {
	return b.call("load", procPrepareTape, uintptr(b.h), tapeLoad, 0)
}

func (b *windowsBackend) unload() error {
	return b.call("unload", procPrepareTape, uintptr(b.h), tapeUnload, 0)
}

func (b *windowsBackend) driveParams() (DriveInfo, error) {
	var p tapeGetDriveParameters
	size := uint32(unsafe.Sizeof(p))
	err := b.call("get drive parameters", procGetTapeParameters,
		uintptr(b.h), getTapeDriveInformation,
		uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&p)))
	if err != nil {
		return DriveInfo{}, err
	}
	return DriveInfo{
		DefaultBlockSize:   int(p.defaultBlockSize),
		MinBlockSize:       int(p.minimumBlockSize),
		MaxBlockSize:       int(p.maximumBlockSize),
		ECC:                p.ecc != 0,
		Compression:        p.compression != 0,
		DataPadding:        p.dataPadding != 0,
		ReportSetmarks:     p.reportSetmarks != 0,
		EOTWarningZoneSize: p.eotWarningZoneSize,
		MaxPartitionCount:  int(p.maximumPartitionCount),
	}, nil
}

func (b *windowsBackend) mediaParams() (MediaInfo, error) {
	var p tapeGetMediaParameters
	size := uint32(unsafe.Sizeof(p))
	err := b.call("get media parameters", procGetTapeParameters,
		uintptr(b.h), getTapeMediaInformation,
		uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&p)))
	if err != nil {
		return MediaInfo{}, err
	}
	return MediaInfo{
		Capacity:       p.capacity,
		Remaining:      p.remaining,
		BlockSize:      int(p.blockSize),
		PartitionCount: int(p.partitionCount),
		WriteProtected: p.writeProtected != 0,
	}, nil
}

func (b *windowsBackend) setBlockSize(n int) error {
	p := tapeSetMediaParameters{blockSize: uint32(n)}
	return b.call("set block size", procSetTapeParameters,
		uintptr(b.h), setTapeMediaInformation, uintptr(unsafe.Pointer(&p)))
}

func (b *windowsBackend) setDriveParams(info DriveInfo) error {
	p := tapeSetDriveParameters{
		ecc:                boolByte(info.ECC),
		compression:        boolByte(info.Compression),
		dataPadding:        boolByte(info.DataPadding),
		reportSetmarks:     boolByte(info.ReportSetmarks),
		eotWarningZoneSize: info.EOTWarningZoneSize,
	}
	return b.call("set drive parameters", procSetTapeParameters,
		uintptr(b.h), setTapeDriveInformation, uintptr(unsafe.Pointer(&p)))
}

func (b *windowsBackend) close() error {
	if err := windows.CloseHandle(b.h); err != nil {
		return win32Error("close", b.path, err)
	}
	return nil
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
