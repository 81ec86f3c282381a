package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SCSI generic pass-through from <scsi/sg.h>.
const (
	sgIO            = 0x2285
	sgDxferFromDev  = -3
	sgInterfaceID   = 'S'
	sgTimeoutMillis = 60_000

	senseLen = 32

	opReadBlockLimits = 0x05
	opModeSense6      = 0x1A
	opLogSense        = 0x4D

	// Tape capacity log page and its parameters, in MiB.
	pageTapeCapacity   = 0x31
	paramMainRemaining = 0x0001
	paramMainMax       = 0x0003

	pageDataCompression = 0x0F

	senseUnitAttention      = 0x06
	ascMediumMayHaveChanged = 0x28
)

// sgIOHdr mirrors struct sg_io_hdr.
type sgIOHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         *byte
	cmdp           *byte
	sbp            *byte
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

var errCheckCondition = errors.New("device: scsi check condition")

// scsiRead issues a data-in command and returns the bytes transferred.
func scsiRead(fd int, cdb []byte, size int) ([]byte, error) {
	data := make([]byte, size)
	sense := make([]byte, senseLen)
	hdr := sgIOHdr{
		interfaceID:    sgInterfaceID,
		dxferDirection: sgDxferFromDev,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        senseLen,
		dxferLen:       uint32(size),
		dxferp:         &data[0],
		cmdp:           &cdb[0],
		sbp:            &sense[0],
		timeout:        sgTimeoutMillis,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), sgIO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(data)
	runtime.KeepAlive(cdb)
	runtime.KeepAlive(sense)
	if errno != 0 {
		return nil, errno
	}
	if hdr.status != 0 || hdr.hostStatus != 0 || hdr.driverStatus&0x0f != 0 {
		return nil, senseError(sense[:hdr.sbLenWr], hdr.status)
	}
	n := size - int(hdr.resid)
	if n < 0 || n > size {
		n = size
	}
	return data[:n], nil
}

// senseError decodes fixed or descriptor format sense data.
func senseError(sense []byte, status uint8) error {
	var key, asc byte
	switch {
	case len(sense) >= 14 && sense[0]&0x7f <= 0x71:
		key, asc = sense[2]&0x0f, sense[12]
	case len(sense) >= 4:
		key, asc = sense[1]&0x0f, sense[2]
	default:
		return fmt.Errorf("%w: status 0x%02x", errCheckCondition, status)
	}
	if key == senseUnitAttention && asc == ascMediumMayHaveChanged {
		return ErrMediaChanged
	}
	return fmt.Errorf("%w: sense key 0x%x asc 0x%02x", errCheckCondition, key, asc)
}

type blockLimits struct {
	min int
	max int
}

func readBlockLimits(fd int) (blockLimits, error) {
	cdb := []byte{opReadBlockLimits, 0, 0, 0, 0, 0}
	data, err := scsiRead(fd, cdb, 6)
	if err != nil {
		return blockLimits{}, err
	}
	if len(data) < 6 {
		return blockLimits{}, fmt.Errorf("%w: short block limits", errCheckCondition)
	}
	return blockLimits{
		max: int(data[1])<<16 | int(data[2])<<8 | int(data[3]),
		min: int(binary.BigEndian.Uint16(data[4:6])),
	}, nil
}

type tapeCapacity struct {
	remaining int64
	max       int64
}

func logSenseCapacity(fd int) (tapeCapacity, error) {
	const alloc = 64
	// PC=01b selects current cumulative values.
	cdb := []byte{opLogSense, 0, 0x40 | pageTapeCapacity, 0, 0, 0, 0, 0, alloc, 0}
	data, err := scsiRead(fd, cdb, alloc)
	if err != nil {
		return tapeCapacity{}, err
	}
	if len(data) < 4 || data[0]&0x3f != pageTapeCapacity {
		return tapeCapacity{}, fmt.Errorf("%w: unexpected log page", errCheckCondition)
	}
	end := min(4+int(binary.BigEndian.Uint16(data[2:4])), len(data))

	var capacity tapeCapacity
	for off := 4; off+4 <= end; {
		code := binary.BigEndian.Uint16(data[off : off+2])
		n := int(data[off+3])
		if off+4+n > end {
			break
		}
		var v int64
		for _, b := range data[off+4 : off+4+n] {
			v = v<<8 | int64(b)
		}
		switch code {
		case paramMainRemaining:
			capacity.remaining = v << 20
		case paramMainMax:
			capacity.max = v << 20
		}
		off += 4 + n
	}
	return capacity, nil
}

// modeSenseCompression reports the DCE bit of the data compression page.
func modeSenseCompression(fd int) (bool, error) {
	const alloc = 32
	// DBD suppresses block descriptors.
	cdb := []byte{opModeSense6, 0x08, pageDataCompression, 0, alloc, 0}
	data, err := scsiRead(fd, cdb, alloc)
	if err != nil {
		return false, err
	}
	if len(data) < 4 {
		return false, fmt.Errorf("%w: short mode header", errCheckCondition)
	}
	page := 4 + int(data[3])
	if len(data) < page+3 || data[page]&0x3f != pageDataCompression {
		return false, fmt.Errorf("%w: compression page missing", errCheckCondition)
	}
	return data[page+2]&0x80 != 0, nil
}
