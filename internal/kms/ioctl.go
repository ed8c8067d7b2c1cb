// Package kms drives a DRM card through the atomic mode-setting ioctls.
package kms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	drmIoctlBase = 'd'

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }

var (
	ioctlGemClose         = iow(0x09, unsafe.Sizeof(gemClose{}))
	ioctlSetClientCap     = iow(0x0d, unsafe.Sizeof(setClientCap{}))
	ioctlPrimeHandleToFD  = iowr(0x2d, unsafe.Sizeof(primeHandle{}))
	ioctlModeGetResources = iowr(0xa0, unsafe.Sizeof(cardRes{}))
	ioctlModeGetCrtc      = iowr(0xa1, unsafe.Sizeof(modeCrtc{}))
	ioctlModeSetCrtc      = iowr(0xa2, unsafe.Sizeof(modeCrtc{}))
	ioctlModeGetEncoder   = iowr(0xa6, unsafe.Sizeof(modeEncoder{}))
	ioctlModeGetConnector = iowr(0xa7, unsafe.Sizeof(modeConnector{}))
	ioctlModeGetProperty  = iowr(0xaa, unsafe.Sizeof(modeProperty{}))
	ioctlModeGetFB        = iowr(0xad, unsafe.Sizeof(modeFBCmd{}))
	ioctlModeRmFB         = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModeCreateDumb   = iowr(0xb2, unsafe.Sizeof(createDumb{}))
	ioctlModeMapDumb      = iowr(0xb3, unsafe.Sizeof(mapDumb{}))
	ioctlModeDestroyDumb  = iowr(0xb4, unsafe.Sizeof(destroyDumb{}))
	ioctlModeGetPlaneRes  = iowr(0xb5, unsafe.Sizeof(planeRes{}))
	ioctlModeGetPlane     = iowr(0xb6, unsafe.Sizeof(modePlane{}))
	ioctlModeAddFB2       = iowr(0xb8, unsafe.Sizeof(modeFBCmd2{}))
	ioctlModeObjGetProps  = iowr(0xb9, unsafe.Sizeof(objGetProperties{}))
	ioctlModeAtomic       = iowr(0xbc, unsafe.Sizeof(modeAtomic{}))
)

const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3

	objectCrtc      = 0xcccccccc
	objectConnector = 0xc0c0c0c0
	objectPlane     = 0xeeeeeeee

	connectorConnected = 1

	pageFlipEvent        = 0x01
	atomicNonblock       = 0x0200
	atomicAllowModeset   = 0x0400
	eventVblank          = 0x01
	eventFlipComplete    = 0x02
	eventHeaderSize      = 8
	eventVblankSize      = 32
	primeFlagsReadWrite  = unix.O_CLOEXEC | unix.O_RDWR
	displayModeNameBytes = 32
	propertyNameBytes    = 32
)

type gemClose struct {
	Handle uint32
	_      uint32
}

type setClientCap struct {
	Capability uint64
	Value      uint64
}

type primeHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
}

type cardRes struct {
	FBIDPtr        uint64
	CrtcIDPtr      uint64
	ConnectorIDPtr uint64
	EncoderIDPtr   uint64
	CountFBs       uint32
	CountCrtcs     uint32
	CountConns     uint32
	CountEncoders  uint32
	MinWidth       uint32
	MaxWidth       uint32
	MinHeight      uint32
	MaxHeight      uint32
}

// ModeInfo is a display timing as the kernel reports it.
type ModeInfo struct {
	Clock      uint32                     `yaml:"clock"`
	HDisplay   uint16                     `yaml:"hdisplay"`
	HSyncStart uint16                     `yaml:"hsync_start"`
	HSyncEnd   uint16                     `yaml:"hsync_end"`
	HTotal     uint16                     `yaml:"htotal"`
	HSkew      uint16                     `yaml:"hskew"`
	VDisplay   uint16                     `yaml:"vdisplay"`
	VSyncStart uint16                     `yaml:"vsync_start"`
	VSyncEnd   uint16                     `yaml:"vsync_end"`
	VTotal     uint16                     `yaml:"vtotal"`
	VScan      uint16                     `yaml:"vscan"`
	VRefresh   uint32                     `yaml:"vrefresh"`
	Flags      uint32                     `yaml:"flags"`
	Type       uint32                     `yaml:"type"`
	Name       [displayModeNameBytes]byte `yaml:"-"`
}

// String returns the mode name, e.g. "1920x1080".
func (m ModeInfo) String() string {
	return cString(m.Name[:])
}

type modeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FBID             uint32
	X                uint32
	Y                uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             ModeInfo
}

type modeEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

type modeConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MMWidth         uint32
	MMHeight        uint32
	Subpixel        uint32
	_               uint32
}

type modeProperty struct {
	ValuesPtr      uint64
	EnumBlobPtr    uint64
	PropID         uint32
	Flags          uint32
	Name           [propertyNameBytes]byte
	CountValues    uint32
	CountEnumBlobs uint32
}

type modeFBCmd struct {
	FBID   uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint32
	Depth  uint32
	Handle uint32
}

type modeFBCmd2 struct {
	FBID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	_           uint32
	Modifier    [4]uint64
}

type createDumb struct {
	Height uint32
	Width  uint32
	BPP    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

type mapDumb struct {
	Handle uint32
	_      uint32
	Offset uint64
}

type destroyDumb struct {
	Handle uint32
}

type planeRes struct {
	PlaneIDPtr  uint64
	CountPlanes uint32
	_           uint32
}

type modePlane struct {
	PlaneID          uint32
	CrtcID           uint32
	FBID             uint32
	PossibleCrtcs    uint32
	GammaSize        uint32
	CountFormatTypes uint32
	FormatTypePtr    uint64
}

type objGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
	_             uint32
}

type modeAtomic struct {
	Flags         uint32
	CountObjs     uint32
	ObjsPtr       uint64
	CountPropsPtr uint64
	PropsPtr      uint64
	PropValuesPtr uint64
	Reserved      uint64
	UserData      uint64
}

// ioctl issues a DRM request, retrying on EINTR and EAGAIN.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func slicePtr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Event is a DRM event read from the card descriptor.
type Event struct {
	Type     uint32
	UserData uint64
	Sequence uint32
	CrtcID   uint32
}

var errShortEvent = errors.New("truncated drm event")

// parseEvents decodes the events packed into one read of the card fd.
// Events other than vblank and flip completion are skipped.
func parseEvents(buf []byte) ([]Event, error) {
	var events []Event
	for len(buf) > 0 {
		if len(buf) < eventHeaderSize {
			return events, errShortEvent
		}
		typ := binary.NativeEndian.Uint32(buf[0:4])
		length := int(binary.NativeEndian.Uint32(buf[4:8]))
		if length < eventHeaderSize || length > len(buf) {
			return events, fmt.Errorf("%w: length %d of %d", errShortEvent, length, len(buf))
		}
		if (typ == eventFlipComplete || typ == eventVblank) && length >= eventVblankSize {
			events = append(events, Event{
				Type:     typ,
				UserData: binary.NativeEndian.Uint64(buf[8:16]),
				Sequence: binary.NativeEndian.Uint32(buf[24:28]),
				CrtcID:   binary.NativeEndian.Uint32(buf[28:32]),
			})
		}
		buf = buf[length:]
	}
	return events, nil
}
