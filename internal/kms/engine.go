package kms

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// EngineConfig configures the atomic DRM engine.
type EngineConfig struct {
	// Device is the card node; empty means DefaultDevice.
	Device string
	// OutFence requests an OUT_FENCE_PTR fence with every commit.
	OutFence bool
	// StatePath, when set, receives the pre-session configuration so
	// `scanout restore` can recover after a crash.
	StatePath string
	// FenceTimeout bounds the wait on an in-fence the kernel cannot take.
	FenceTimeout time.Duration
	Logger       *slog.Logger
}

type properties struct {
	fbID        uint32
	inFenceFD   uint32
	outFencePtr uint32
}

// commitRequest holds the arrays an atomic commit points the kernel at.
// It lives inside the heap-allocated Engine.
type commitRequest struct {
	objs     [2]uint32
	counts   [2]uint32
	props    [3]uint32
	values   [3]uint64
	outFence int32
}

// Engine scans out registered dumb buffers on the primary plane of the
// first connected output using atomic commits.
type Engine struct {
	card      *Card
	out       *Output
	props     properties
	outFence  bool
	statePath string
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	fbs     map[display.FramebufferID]*DumbBuffer
	pending display.FramebufferID
	events  []Event
	req     commitRequest
	readBuf [1024]byte
}

var _ display.Engine = (*Engine)(nil)

// NewEngine opens the card, picks the output and resolves the plane and
// CRTC properties needed for fenced atomic page flips.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	card, err := OpenCard(cfg.Device)
	if err != nil {
		return nil, err
	}
	e, err := newEngine(card, cfg, logger)
	if err != nil {
		card.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(card *Card, cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	out, err := card.FindOutput()
	if err != nil {
		return nil, err
	}
	if err := card.SetClientCap(clientCapAtomic, 1); err != nil {
		return nil, fmt.Errorf("atomic mode setting unsupported: %w", err)
	}
	plane, err := card.FindPlane(out.CrtcID)
	if err != nil {
		return nil, err
	}
	out.PlaneID = plane

	var props properties
	if props.fbID, err = card.PropertyID(plane, objectPlane, "FB_ID"); err != nil {
		return nil, err
	}
	if props.inFenceFD, err = card.PropertyID(plane, objectPlane, "IN_FENCE_FD"); err != nil {
		return nil, err
	}
	if cfg.OutFence {
		if props.outFencePtr, err = card.PropertyID(out.CrtcID, objectCrtc, "OUT_FENCE_PTR"); err != nil {
			return nil, err
		}
	}

	if cfg.StatePath != "" {
		if err := SaveState(cfg.StatePath, StateOf(card, out)); err != nil {
			return nil, err
		}
	}

	timeout := cfg.FenceTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	logger.Info("kms output selected",
		"device", card.Path(),
		"connector", out.ConnectorID,
		"crtc", out.CrtcID,
		"plane", plane,
		"mode", out.Mode.String(),
		"width", out.Width(),
		"height", out.Height(),
		"original_fb", out.OriginalFB.ID)

	return &Engine{
		card:      card,
		out:       out,
		props:     props,
		outFence:  cfg.OutFence,
		statePath: cfg.StatePath,
		timeout:   timeout,
		logger:    logger,
		fbs:       make(map[display.FramebufferID]*DumbBuffer),
	}, nil
}

// Output returns the connector, CRTC and plane in use.
func (e *Engine) Output() *Output { return e.out }

// NewSurface allocates the screen surface at the size of the framebuffer
// shown before the session.
func (e *Engine) NewSurface(maxBuffers int) (*DumbSurface, error) {
	return NewDumbSurface(e.card, e.out.Width(), e.out.Height(), maxBuffers)
}

func (e *Engine) Fd() int { return e.card.Fd() }

// Register adds a framebuffer for a dumb buffer allocated on this card.
func (e *Engine) Register(bo surface.BufferObject) (display.FramebufferID, error) {
	b, ok := bo.(*DumbBuffer)
	if !ok || b.card != e.card {
		return 0, fmt.Errorf("kms engine cannot scan out %T", bo)
	}
	id, err := e.card.AddFramebuffer(b.handle, b.width, b.height, b.stride, b.Format())
	if err != nil {
		return 0, err
	}
	fb := display.FramebufferID(id)
	e.mu.Lock()
	e.fbs[fb] = b
	e.mu.Unlock()
	return fb, nil
}

// Commit flips fb onto the plane once in signals. The flip event carries
// fb as user data.
func (e *Engine) Commit(fb display.FramebufferID, in *fence.Fence) (*fence.Fence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != 0 {
		return nil, display.ErrBusy
	}
	if _, ok := e.fbs[fb]; !ok {
		return nil, fmt.Errorf("%w: unknown framebuffer %d", display.ErrCommit, fb)
	}

	inFD, err := kernelInFence(in, e.timeout)
	if err != nil {
		return nil, fmt.Errorf("framebuffer %d: %w", fb, err)
	}
	r := &e.req
	r.objs[0] = e.out.PlaneID
	r.counts[0] = 2
	r.props[0], r.values[0] = e.props.fbID, uint64(fb)
	r.props[1], r.values[1] = e.props.inFenceFD, uint64(inFD)
	nobjs := 1
	if e.outFence {
		r.outFence = -1
		r.objs[1] = e.out.CrtcID
		r.counts[1] = 1
		r.props[2] = e.props.outFencePtr
		r.values[2] = uint64(uintptr(unsafe.Pointer(&r.outFence)))
		nobjs = 2
	}

	req := modeAtomic{
		Flags:         pageFlipEvent | atomicNonblock,
		CountObjs:     uint32(nobjs),
		ObjsPtr:       uint64(uintptr(unsafe.Pointer(&r.objs[0]))),
		CountPropsPtr: uint64(uintptr(unsafe.Pointer(&r.counts[0]))),
		PropsPtr:      uint64(uintptr(unsafe.Pointer(&r.props[0]))),
		PropValuesPtr: uint64(uintptr(unsafe.Pointer(&r.values[0]))),
		UserData:      uint64(fb),
	}
	if err := ioctl(e.card.fd, ioctlModeAtomic, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("%w: atomic commit of fb %d: %w", display.ErrCommit, fb, err)
	}
	e.pending = fb

	if !e.outFence || r.outFence < 0 {
		return nil, nil
	}
	return fence.FromFD(int(r.outFence)), nil
}

// kernelInFence returns the IN_FENCE_FD value for in. The kernel accepts
// only sync_files there; a software fence is waited on here and the commit
// goes out unfenced.
func kernelInFence(in *fence.Fence, timeout time.Duration) (int64, error) {
	if !in.Valid() {
		return -1, nil
	}
	if in.IsSyncFile() {
		return int64(in.FD()), nil
	}
	if err := in.Wait(timeout); err != nil {
		return -1, fmt.Errorf("wait in-fence: %w", err)
	}
	return -1, nil
}

// ReadEvent returns the next flip completion from the card.
func (e *Engine) ReadEvent() (display.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.events) == 0 {
		n, err := unix.Read(e.card.fd, e.readBuf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return display.Event{}, display.ErrNoEvent
			}
			return display.Event{}, fmt.Errorf("read drm events: %w", err)
		}
		if n == 0 {
			return display.Event{}, display.ErrNoEvent
		}
		events, err := parseEvents(e.readBuf[:n])
		if err != nil {
			return display.Event{}, err
		}
		for _, ev := range events {
			if ev.Type == eventFlipComplete {
				e.events = append(e.events, ev)
			}
		}
	}

	ev := e.events[0]
	e.events = e.events[1:]
	fb := display.FramebufferID(ev.UserData)
	if fb == e.pending {
		e.pending = 0
	}
	return display.Event{Framebuffer: fb, Sequence: ev.Sequence}, nil
}

// ActiveFramebuffer asks the kernel what the CRTC scans out.
func (e *Engine) ActiveFramebuffer() (display.FramebufferID, error) {
	crtc, err := e.card.Crtc(e.out.CrtcID)
	if err != nil {
		return 0, err
	}
	return display.FramebufferID(crtc.FB), nil
}

// Restore puts the pre-session framebuffer and mode back with a legacy
// modeset and drops the session state file.
func (e *Engine) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.card.SetCrtc(e.out.CrtcID, e.out.OriginalFB.ID, []uint32{e.out.ConnectorID}, &e.out.Mode)
	if err != nil {
		return fmt.Errorf("restore crtc: %w", err)
	}
	e.pending = 0
	e.events = nil
	if e.statePath != "" {
		if err := ClearState(e.statePath); err != nil {
			return err
		}
	}
	e.logger.Info("kms output restored", "crtc", e.out.CrtcID, "fb", e.out.OriginalFB.ID)
	return nil
}

// Close removes the session's framebuffers and closes the card. Dumb
// buffers belong to the surface and must be freed before.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for id := range e.fbs {
		errs = append(errs, e.card.RemoveFramebuffer(uint32(id)))
		delete(e.fbs, id)
	}
	errs = append(errs, e.card.Close())
	return errors.Join(errs...)
}
