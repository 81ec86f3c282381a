package device

import (
	"errors"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Magnetic tape ioctls from <linux/mtio.h>.
const (
	mtFSF         = 1
	mtWEOF        = 5
	mtREW         = 6
	mtOFFL        = 7
	mtEOM         = 12
	mtSETBLK      = 20
	mtSEEK        = 22
	mtLOAD        = 30
	mtCOMPRESSION = 32

	gmtEOD    = 0x08000000
	gmtWrProt = 0x04000000
	gmtDrOpen = 0x00040000

	mtBlockSizeMask = 0xffffff
)

// mtop mirrors struct mtop.
type mtop struct {
	op    int16
	_     [2]byte
	count int32
}

// mtget mirrors struct mtget. The long fields are word sized.
type mtget struct {
	typ    int
	resid  int
	dsreg  int
	gstat  int
	erreg  int
	fileno int32
	blkno  int32
}

// mtpos mirrors struct mtpos.
type mtpos struct {
	blkno int
}

// ioc builds an ioctl request number using the generic encoding.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

const (
	iocWrite = 1
	iocRead  = 2
)

var (
	mtiocTop = ioc(iocWrite, 'm', 1, unsafe.Sizeof(mtop{}))
	mtiocGet = ioc(iocRead, 'm', 2, unsafe.Sizeof(mtget{}))
	mtiocPos = ioc(iocRead, 'm', 3, unsafe.Sizeof(mtpos{}))
)

// linuxBackend drives an st/nst character device.
type linuxBackend struct {
	fd       int
	path     string
	readOnly bool
	opts     *options
}

func openNative(path string, o *options) (backend, error) {
	// st allows a single open; a second open fails with EBUSY.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	readOnly := false
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EROFS) {
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		readOnly = true
	}
	if err != nil {
		return nil, errnoError("open", path, err)
	}
	return &linuxBackend{fd: fd, path: path, readOnly: readOnly, opts: o}, nil
}

func errnoError(op, path string, err error) *Error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return &Error{Op: op, Path: path, Err: err}
	}
	e := &Error{Op: op, Path: path, Code: int(errno), Err: errno}
	switch errno {
	case unix.ENOMEDIUM:
		e.Err = ErrNoMedia
	case unix.ENOSPC:
		e.Err = ErrEndOfMedia
	case unix.EROFS:
		e.Err = ErrWriteProtected
	case unix.EINVAL:
		if op == "write" || op == "read" {
			e.Err = ErrBlockSize
		}
	}
	return e
}

func (b *linuxBackend) op(name string, code int16, count int32) error {
	arg := mtop{op: code, count: count}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), mtiocTop, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return errnoError(name, b.path, errno)
	}
	return nil
}

func (b *linuxBackend) status() (mtget, error) {
	var st mtget
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), mtiocGet, uintptr(unsafe.Pointer(&st)))
	if errno != 0 {
		return st, errnoError("get status", b.path, errno)
	}
	return st, nil
}

func (b *linuxBackend) read(p []byte) (int, error) {
	n, err := unix.Read(b.fd, p)
	if err == nil {
		return n, nil
	}
	// st reports blank media past the last record as EIO.
	if errors.Is(err, unix.EIO) {
		if st, serr := b.status(); serr == nil && st.gstat&gmtEOD != 0 {
			return 0, &Error{Op: "read", Path: b.path, Code: int(unix.EIO), Err: ErrEndOfData}
		}
	}
	return 0, errnoError("read", b.path, err)
}

func (b *linuxBackend) write(p []byte) error {
	if b.readOnly {
		return &Error{Op: "write", Path: b.path, Err: ErrWriteProtected}
	}
	n, err := unix.Write(b.fd, p)
	if err != nil {
		return errnoError("write", b.path, err)
	}
	if n != len(p) {
		return &Error{Op: "write", Path: b.path, Err: ErrEndOfMedia}
	}
	return nil
}

func (b *linuxBackend) writeFilemarks(n int) error {
	return b.op("write filemark", mtWEOF, int32(n))
}

func (b *linuxBackend) locate(block int64) error {
	return b.op("set position", mtSEEK, int32(block))
}

func (b *linuxBackend) rewind() error {
	return b.op("rewind", mtREW, 1)
}

func (b *linuxBackend) spaceFilemarks(n int64) error {
	return b.op("space filemarks", mtFSF, int32(n))
}

func (b *linuxBackend) position() (int64, error) {
	var pos mtpos
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), mtiocPos, uintptr(unsafe.Pointer(&pos)))
	if errno != 0 {
		return 0, errnoError("get position", b.path, errno)
	}
	return int64(pos.blkno), nil
}

func (b *linuxBackend) seekEOD() error {
	return b.op("seek end of data", mtEOM, 1)
}

func (b *linuxBackend) load() error {
	return b.op("load", mtLOAD, 1)
}

func (b *linuxBackend) unload() error {
	return b.op("unload", mtOFFL, 1)
}

func (b *linuxBackend) driveParams() (DriveInfo, error) {
	st, err := b.status()
	if err != nil {
		return DriveInfo{}, err
	}
	info := DriveInfo{
		DefaultBlockSize:  st.dsreg & mtBlockSizeMask,
		MaxPartitionCount: 1,
	}
	if info.DefaultBlockSize == 0 {
		info.DefaultBlockSize = 64 * 1024
	}
	if limits, err := readBlockLimits(b.fd); err == nil {
		info.MinBlockSize = limits.min
		info.MaxBlockSize = limits.max
	} else {
		b.log().Debug("read block limits unavailable", "path", b.path, "error", err)
	}
	if dce, err := modeSenseCompression(b.fd); err == nil {
		info.Compression = dce
	}
	return info, nil
}

func (b *linuxBackend) mediaParams() (MediaInfo, error) {
	st, err := b.status()
	if err != nil {
		return MediaInfo{}, err
	}
	if st.gstat&gmtDrOpen != 0 {
		return MediaInfo{}, &Error{Op: "get media parameters", Path: b.path, Err: ErrNoMedia}
	}
	info := MediaInfo{
		BlockSize:      st.dsreg & mtBlockSizeMask,
		PartitionCount: 1,
		WriteProtected: b.readOnly || st.gstat&gmtWrProt != 0,
	}
	capacity, err := logSenseCapacity(b.fd)
	switch {
	case errors.Is(err, ErrMediaChanged):
		return MediaInfo{}, &Error{Op: "get media parameters", Path: b.path, Err: err}
	case err != nil:
		b.log().Debug("capacity log page unavailable", "path", b.path, "error", err)
	default:
		info.Capacity = capacity.max
		info.Remaining = capacity.remaining
	}
	return info, nil
}

func (b *linuxBackend) setBlockSize(n int) error {
	return b.op("set block size", mtSETBLK, int32(n))
}

func (b *linuxBackend) setDriveParams(info DriveInfo) error {
	// st exposes only compression; the remaining parameters are fixed by
	// the driver.
	var on int32
	if info.Compression {
		on = 1
	}
	return b.op("set compression", mtCOMPRESSION, on)
}

func (b *linuxBackend) close() error {
	if err := unix.Close(b.fd); err != nil {
		return errnoError("close", b.path, err)
	}
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (b *linuxBackend) log() *slog.Logger {
	if b.opts.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.opts.logger
}
