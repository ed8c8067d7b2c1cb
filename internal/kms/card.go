package kms

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevice is the card opened when none is configured.
const DefaultDevice = "/dev/dri/card0"

var (
	// ErrNoOutput is returned when no connected connector drives a CRTC.
	ErrNoOutput = errors.New("no connected output")
	// ErrNoPlane is returned when no plane is bound to the output's CRTC.
	ErrNoPlane = errors.New("no plane bound to crtc")
	// ErrNoProperty is returned when an object lacks a required property.
	ErrNoProperty = errors.New("property not found")
)

// Card is an open DRM device node.
type Card struct {
	fd   int
	path string
}

// OpenCard opens path read-write and non-blocking.
func OpenCard(path string) (*Card, error) {
	if path == "" {
		path = DefaultDevice
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Card{fd: fd, path: path}, nil
}

func (c *Card) Fd() int        { return c.fd }
func (c *Card) Path() string   { return c.path }
func (c *Card) String() string { return c.path }

func (c *Card) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// Resources lists the mode-setting object ids of the card.
type Resources struct {
	Framebuffers []uint32
	Crtcs        []uint32
	Connectors   []uint32
	Encoders     []uint32
}

func (c *Card) Resources() (*Resources, error) {
	var res cardRes
	if err := ioctl(c.fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}
	out := &Resources{
		Framebuffers: make([]uint32, res.CountFBs),
		Crtcs:        make([]uint32, res.CountCrtcs),
		Connectors:   make([]uint32, res.CountConns),
		Encoders:     make([]uint32, res.CountEncoders),
	}
	res.FBIDPtr = slicePtr(out.Framebuffers)
	res.CrtcIDPtr = slicePtr(out.Crtcs)
	res.ConnectorIDPtr = slicePtr(out.Connectors)
	res.EncoderIDPtr = slicePtr(out.Encoders)
	if err := ioctl(c.fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}
	// Hotplug between the two calls can shrink the lists.
	out.Framebuffers = out.Framebuffers[:min(len(out.Framebuffers), int(res.CountFBs))]
	out.Crtcs = out.Crtcs[:min(len(out.Crtcs), int(res.CountCrtcs))]
	out.Connectors = out.Connectors[:min(len(out.Connectors), int(res.CountConns))]
	out.Encoders = out.Encoders[:min(len(out.Encoders), int(res.CountEncoders))]
	return out, nil
}

// Connector describes a display sink.
type Connector struct {
	ID        uint32
	EncoderID uint32
	Connected bool
	Modes     []ModeInfo
	Encoders  []uint32
}

func (c *Card) Connector(id uint32) (*Connector, error) {
	conn := modeConnector{ConnectorID: id}
	if err := ioctl(c.fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	out := &Connector{
		ID:       id,
		Modes:    make([]ModeInfo, conn.CountModes),
		Encoders: make([]uint32, conn.CountEncoders),
	}
	conn.ModesPtr = slicePtr(out.Modes)
	conn.EncodersPtr = slicePtr(out.Encoders)
	conn.CountProps = 0
	if err := ioctl(c.fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	out.Modes = out.Modes[:min(len(out.Modes), int(conn.CountModes))]
	out.Encoders = out.Encoders[:min(len(out.Encoders), int(conn.CountEncoders))]
	out.EncoderID = conn.EncoderID
	out.Connected = conn.Connection == connectorConnected
	return out, nil
}

// EncoderCrtc returns the CRTC an encoder currently feeds.
func (c *Card) EncoderCrtc(id uint32) (uint32, error) {
	enc := modeEncoder{EncoderID: id}
	if err := ioctl(c.fd, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return 0, fmt.Errorf("get encoder %d: %w", id, err)
	}
	return enc.CrtcID, nil
}

// Crtc is the scanout state of a CRTC.
type Crtc struct {
	ID        uint32
	FB        uint32
	X, Y      uint32
	ModeValid bool
	Mode      ModeInfo
}

func (c *Card) Crtc(id uint32) (*Crtc, error) {
	crtc := modeCrtc{CrtcID: id}
	if err := ioctl(c.fd, ioctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return nil, fmt.Errorf("get crtc %d: %w", id, err)
	}
	return &Crtc{
		ID:        id,
		FB:        crtc.FBID,
		X:         crtc.X,
		Y:         crtc.Y,
		ModeValid: crtc.ModeValid != 0,
		Mode:      crtc.Mode,
	}, nil
}

// SetCrtc programs crtc with a legacy modeset.
func (c *Card) SetCrtc(crtcID, fb uint32, connectors []uint32, mode *ModeInfo) error {
	req := modeCrtc{
		SetConnectorsPtr: slicePtr(connectors),
		CountConnectors:  uint32(len(connectors)),
		CrtcID:           crtcID,
		FBID:             fb,
	}
	if mode != nil {
		req.ModeValid = 1
		req.Mode = *mode
	}
	err := ioctl(c.fd, ioctlModeSetCrtc, unsafe.Pointer(&req))
	runtime.KeepAlive(connectors)
	if err != nil {
		return fmt.Errorf("set crtc %d: %w", crtcID, err)
	}
	return nil
}

// FramebufferInfo is the geometry of an existing framebuffer.
type FramebufferInfo struct {
	ID     uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint32
	Depth  uint32
}

func (c *Card) Framebuffer(id uint32) (FramebufferInfo, error) {
	fb := modeFBCmd{FBID: id}
	if err := ioctl(c.fd, ioctlModeGetFB, unsafe.Pointer(&fb)); err != nil {
		return FramebufferInfo{}, fmt.Errorf("get framebuffer %d: %w", id, err)
	}
	// GETFB hands out a GEM handle for the buffer; it is not needed.
	if fb.Handle != 0 {
		c.closeHandle(fb.Handle)
	}
	return FramebufferInfo{
		ID:     id,
		Width:  fb.Width,
		Height: fb.Height,
		Pitch:  fb.Pitch,
		BPP:    fb.BPP,
		Depth:  fb.Depth,
	}, nil
}

// AddFramebuffer wraps a GEM handle in a single-plane framebuffer.
func (c *Card) AddFramebuffer(handle, width, height, pitch, format uint32) (uint32, error) {
	cmd := modeFBCmd2{
		Width:       width,
		Height:      height,
		PixelFormat: format,
	}
	cmd.Handles[0] = handle
	cmd.Pitches[0] = pitch
	if err := ioctl(c.fd, ioctlModeAddFB2, unsafe.Pointer(&cmd)); err != nil {
		return 0, fmt.Errorf("add framebuffer: %w", err)
	}
	return cmd.FBID, nil
}

func (c *Card) RemoveFramebuffer(id uint32) error {
	if err := ioctl(c.fd, ioctlModeRmFB, unsafe.Pointer(&id)); err != nil {
		return fmt.Errorf("remove framebuffer %d: %w", id, err)
	}
	return nil
}

func (c *Card) SetClientCap(capability, value uint64) error {
	req := setClientCap{Capability: capability, Value: value}
	if err := ioctl(c.fd, ioctlSetClientCap, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("set client cap %d: %w", capability, err)
	}
	return nil
}

// Plane is a scanout plane and the CRTC it is bound to.
type Plane struct {
	ID            uint32
	CrtcID        uint32
	FB            uint32
	PossibleCrtcs uint32
}

func (c *Card) Planes() ([]Plane, error) {
	var res planeRes
	if err := ioctl(c.fd, ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	ids := make([]uint32, res.CountPlanes)
	res.PlaneIDPtr = slicePtr(ids)
	if err := ioctl(c.fd, ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	ids = ids[:min(len(ids), int(res.CountPlanes))]

	planes := make([]Plane, 0, len(ids))
	for _, id := range ids {
		p := modePlane{PlaneID: id}
		if err := ioctl(c.fd, ioctlModeGetPlane, unsafe.Pointer(&p)); err != nil {
			return nil, fmt.Errorf("get plane %d: %w", id, err)
		}
		planes = append(planes, Plane{
			ID:            id,
			CrtcID:        p.CrtcID,
			FB:            p.FBID,
			PossibleCrtcs: p.PossibleCrtcs,
		})
	}
	return planes, nil
}

// PropertyID looks up the id of the named property on an object.
func (c *Card) PropertyID(objID, objType uint32, name string) (uint32, error) {
	req := objGetProperties{ObjID: objID, ObjType: objType}
	if err := ioctl(c.fd, ioctlModeObjGetProps, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("get properties of %d: %w", objID, err)
	}
	props := make([]uint32, req.CountProps)
	values := make([]uint64, req.CountProps)
	req.PropsPtr = slicePtr(props)
	req.PropValuesPtr = slicePtr(values)
	if err := ioctl(c.fd, ioctlModeObjGetProps, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("get properties of %d: %w", objID, err)
	}
	props = props[:min(len(props), int(req.CountProps))]

	for _, id := range props {
		p := modeProperty{PropID: id}
		if err := ioctl(c.fd, ioctlModeGetProperty, unsafe.Pointer(&p)); err != nil {
			return 0, fmt.Errorf("get property %d: %w", id, err)
		}
		if cString(p.Name[:]) == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s on object %d", ErrNoProperty, name, objID)
}

func (c *Card) closeHandle(handle uint32) {
	req := gemClose{Handle: handle}
	_ = ioctl(c.fd, ioctlGemClose, unsafe.Pointer(&req))
}

// Output is the connector, CRTC and primary plane chosen for scanout,
// together with what the CRTC showed before the session.
type Output struct {
	ConnectorID uint32
	CrtcID      uint32
	PlaneID     uint32
	Mode        ModeInfo
	OriginalFB  FramebufferInfo
}

// Width and Height are those of the framebuffer scanned out before the
// session; new framebuffers use the same size.
func (o *Output) Width() uint32  { return o.OriginalFB.Width }
func (o *Output) Height() uint32 { return o.OriginalFB.Height }

// FindOutput picks the first connected connector with an active encoder and
// records the framebuffer its CRTC scans out.
func (c *Card) FindOutput() (*Output, error) {
	res, err := c.Resources()
	if err != nil {
		return nil, err
	}
	for _, id := range res.Connectors {
		conn, err := c.Connector(id)
		if err != nil {
			return nil, err
		}
		if !conn.Connected || conn.EncoderID == 0 {
			continue
		}
		crtcID, err := c.EncoderCrtc(conn.EncoderID)
		if err != nil {
			return nil, err
		}
		if crtcID == 0 {
			continue
		}
		crtc, err := c.Crtc(crtcID)
		if err != nil {
			return nil, err
		}
		if crtc.FB == 0 || !crtc.ModeValid {
			continue
		}
		fb, err := c.Framebuffer(crtc.FB)
		if err != nil {
			return nil, err
		}
		return &Output{
			ConnectorID: conn.ID,
			CrtcID:      crtc.ID,
			Mode:        crtc.Mode,
			OriginalFB:  fb,
		}, nil
	}
	return nil, ErrNoOutput
}

// FindPlane returns the plane currently bound to crtcID. Atomic mode
// setting must be enabled first so primary planes are listed.
func (c *Card) FindPlane(crtcID uint32) (uint32, error) {
	planes, err := c.Planes()
	if err != nil {
		return 0, err
	}
	for _, p := range planes {
		if p.CrtcID == crtcID {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("%w %d", ErrNoPlane, crtcID)
}
