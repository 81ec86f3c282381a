package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// backend is the platform-specific half of a Drive. Methods report
// failures as *Error. read returns (0, nil) on a filemark.
type backend interface {
	read(p []byte) (int, error)
	write(p []byte) error
	writeFilemarks(n int) error
	locate(block int64) error
	rewind() error
	spaceFilemarks(n int64) error
	position() (int64, error)
	seekEOD() error
	load() error
	unload() error
	driveParams() (DriveInfo, error)
	mediaParams() (MediaInfo, error)
	setBlockSize(n int) error
	setDriveParams(info DriveInfo) error
	close() error
}

// Drive is an open tape device. It implements [Device].
type Drive struct {
	be        backend
	path      string
	blockSize int
	logger    *slog.Logger

	mu     sync.Mutex
	drive  *DriveInfo
	media  *MediaInfo
	closed bool
	group  singleflight.Group
}

var _ Device = (*Drive)(nil)

// Open opens a native tape device for exclusive use. A blockSize of 0
// selects the drive's default block size.
func Open(path string, blockSize int, opts ...Option) (*Drive, error) {
	o := applyOptions(opts)
	be, err := openNative(path, o)
	if err != nil {
		return nil, err
	}
	return newDrive(be, path, blockSize, o)
}

func newDrive(be backend, path string, blockSize int, o *options) (*Drive, error) {
	d := &Drive{be: be, path: path, logger: o.logger}
	if err := d.init(blockSize, o.compression); err != nil {
		_ = be.close()
		return nil, err
	}
	return d, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Drive) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

func (d *Drive) init(blockSize int, compression bool) error {
	media, err := d.MediaInfo()
	if errors.Is(err, ErrMediaChanged) {
		// A second change after loading is fatal.
		d.log().Info("media changed, loading", "path", d.path)
		if err := d.be.load(); err != nil {
			return err
		}
		d.InvalidateInfo()
		media, err = d.MediaInfo()
	}
	if err != nil {
		return err
	}

	drive, err := d.DriveInfo()
	if err != nil {
		return err
	}
	if blockSize == 0 {
		blockSize = drive.DefaultBlockSize
	}
	if err := checkBlockSize(blockSize, drive); err != nil {
		return &Error{Op: "open", Path: d.path, Err: err}
	}
	if media.BlockSize != blockSize {
		if err := d.be.setBlockSize(blockSize); err != nil {
			return err
		}
		d.InvalidateInfo()
	}
	d.blockSize = blockSize

	if compression {
		if err := d.EnableCompression(); err != nil {
			return err
		}
	}

	d.log().Debug("opened tape device",
		"path", d.path,
		"block_size", blockSize,
		"capacity", humanize.IBytes(uint64(max(media.Capacity, 0))),
		"remaining", humanize.IBytes(uint64(max(media.Remaining, 0))),
		"write_protected", media.WriteProtected)
	return nil
}

func checkBlockSize(n int, info DriveInfo) error {
	switch {
	case n <= 0:
		return fmt.Errorf("%w: %d", ErrBlockSizeRange, n)
	case info.MinBlockSize > 0 && n < info.MinBlockSize:
		return fmt.Errorf("%w: %d below minimum %d", ErrBlockSizeRange, n, info.MinBlockSize)
	case info.MaxBlockSize > 0 && n > info.MaxBlockSize:
		return fmt.Errorf("%w: %d above maximum %d", ErrBlockSizeRange, n, info.MaxBlockSize)
	}
	return nil
}

// check drops cached parameters when err reports a media change.
func (d *Drive) check(err error) error {
	if errors.Is(err, ErrMediaChanged) {
		d.InvalidateInfo()
	}
	return err
}

func (d *Drive) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Path returns the device path.
func (d *Drive) Path() string {
	return d.path
}

// BlockSize returns the block size in bytes.
func (d *Drive) BlockSize() int {
	return d.blockSize
}

// Read reads one block into p.
func (d *Drive) Read(p []byte) (bool, error) {
	if d.isClosed() {
		return false, ErrClosed
	}
	if len(p) < d.blockSize {
		return false, fmt.Errorf("%w: buffer holds %d bytes, want %d", ErrBlockSize, len(p), d.blockSize)
	}
	n, err := d.be.read(p[:d.blockSize])
	if err != nil {
		return false, d.check(err)
	}
	return n == 0, nil
}

// Write writes one block.
func (d *Drive) Write(p []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	if len(p) != d.blockSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBlockSize, len(p), d.blockSize)
	}
	return d.check(d.be.write(p))
}

// WriteFilemark writes one filemark.
func (d *Drive) WriteFilemark() error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.check(d.be.writeFilemarks(1))
}

// SetBlockPosition moves to a logical block address.
func (d *Drive) SetBlockPosition(block int64) error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.check(d.be.locate(block))
}

// SetFilemarkPosition moves to the start of tape file n.
func (d *Drive) SetFilemarkPosition(n int64) error {
	if d.isClosed() {
		return ErrClosed
	}
	if err := d.be.rewind(); err != nil {
		return d.check(err)
	}
	if n == 0 {
		return nil
	}
	return d.check(d.be.spaceFilemarks(n))
}

// BlockPosition returns the current logical block address.
func (d *Drive) BlockPosition() (int64, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}
	pos, err := d.be.position()
	return pos, d.check(err)
}

// SeekToEndOfData moves to the end of recorded data.
func (d *Drive) SeekToEndOfData() error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.check(d.be.seekEOD())
}

// Rewind moves to the beginning of tape.
func (d *Drive) Rewind() error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.check(d.be.rewind())
}

// Eject unloads the media and drops cached media parameters.
func (d *Drive) Eject() error {
	if d.isClosed() {
		return ErrClosed
	}
	err := d.be.unload()
	d.InvalidateInfo()
	return err
}

// DriveInfo returns the drive parameters, querying the drive on first use.
func (d *Drive) DriveInfo() (DriveInfo, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return DriveInfo{}, ErrClosed
	}
	if d.drive != nil {
		info := *d.drive
		d.mu.Unlock()
		return info, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do("drive", func() (any, error) {
		info, err := d.be.driveParams()
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.drive = &info
		d.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return DriveInfo{}, d.check(err)
	}
	return v.(DriveInfo), nil
}

// MediaInfo returns the media parameters, querying the drive on first use.
func (d *Drive) MediaInfo() (MediaInfo, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return MediaInfo{}, ErrClosed
	}
	if d.media != nil {
		info := *d.media
		d.mu.Unlock()
		return info, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do("media", func() (any, error) {
		info, err := d.be.mediaParams()
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.media = &info
		d.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return MediaInfo{}, d.check(err)
	}
	return v.(MediaInfo), nil
}

// Info returns drive and media parameters.
func (d *Drive) Info() (Info, error) {
	drive, err := d.DriveInfo()
	if err != nil {
		return Info{}, err
	}
	media, err := d.MediaInfo()
	if err != nil {
		return Info{}, err
	}
	return Info{Drive: drive, Media: media}, nil
}

// InvalidateInfo drops cached drive and media parameters.
func (d *Drive) InvalidateInfo() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drive = nil
	d.media = nil
}

// EnableCompression turns on hardware compression. ECC, data padding,
// setmark reporting and the EOT warning zone are submitted unchanged.
func (d *Drive) EnableCompression() error {
	info, err := d.DriveInfo()
	if err != nil {
		return err
	}
	if info.Compression {
		return nil
	}
	info.Compression = true
	if err := d.be.setDriveParams(info); err != nil {
		return d.check(err)
	}
	d.InvalidateInfo()
	d.log().Debug("enabled hardware compression", "path", d.path)
	return nil
}

// Close releases the device. It is safe to call more than once.
func (d *Drive) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.drive = nil
	d.media = nil
	d.mu.Unlock()
	return d.be.close()
}
