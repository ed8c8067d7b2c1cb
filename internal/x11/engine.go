package x11

import (
	"encoding/binary"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/surface"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/xgraphics"
	"github.com/BurntSushi/xgbutil/xwindow"
	"golang.org/x/sys/unix"
)

// EngineConfig configures the nested X11 engine.
type EngineConfig struct {
	Display string
	Width   int
	Height  int
	Title   string
	// OutFence makes Commit return a fence that signals once painted.
	OutFence bool
	// FenceTimeout bounds the wait on a commit's in-fence.
	FenceTimeout time.Duration
	Logger       *slog.Logger
}

type framebuffer struct {
	bo  surface.BufferObject
	img *xgraphics.Image
}

// Engine shows committed framebuffers in an X11 window. A commit is painted
// on a worker goroutine once its in-fence signals; completion is posted on
// an eventfd so it can sit in the same epoll set as a DRM card.
type Engine struct {
	conn     *Connection
	win      *xwindow.Window
	efd      int
	timeout  time.Duration
	outFence bool
	logger   *slog.Logger

	mu      sync.Mutex
	fbs     map[display.FramebufferID]*framebuffer
	next    display.FramebufferID
	active  display.FramebufferID
	pending bool
	events  []display.Event
	failure error
	seq     uint32
	wg      sync.WaitGroup
}

var _ display.Engine = (*Engine)(nil)

// NewEngine opens a window of the configured size, centered on the first
// monitor.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	conn, err := NewConnection(cfg.Display)
	if err != nil {
		return nil, err
	}

	monitors, err := conn.GetMonitors()
	if err != nil || len(monitors) == 0 {
		if root, rerr := conn.rootSize(); rerr == nil {
			monitors = []Monitor{root}
		}
	}
	at := Placement(monitors, cfg.Width, cfg.Height)

	win, err := xwindow.Generate(conn.XUtil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate window id: %w", err)
	}
	err = win.CreateChecked(conn.Root, at.Min.X, at.Min.Y, at.Dx(), at.Dy(),
		xproto.CwBackPixel, 0x262626)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create window: %w", err)
	}
	title := cfg.Title
	if title == "" {
		title = "scanout"
	}
	if err := ewmh.WmNameSet(conn.XUtil, win.Id, title); err != nil {
		win.Destroy()
		conn.Close()
		return nil, fmt.Errorf("set window title: %w", err)
	}
	if err := conn.fixSize(win.Id, at.Dx(), at.Dy()); err != nil {
		win.Destroy()
		conn.Close()
		return nil, err
	}
	win.Map()

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		win.Destroy()
		conn.Close()
		return nil, fmt.Errorf("create event descriptor: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.FenceTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := conn.raise(win, at.Min.X, at.Min.Y, at.Dx(), at.Dy()); err != nil {
		logger.Warn("raise window", "window", win.Id, "error", err)
	}
	logger.Info("x11 window mapped", "window", win.Id, "x", at.Min.X, "y", at.Min.Y,
		"width", at.Dx(), "height", at.Dy())

	return &Engine{
		conn:     conn,
		win:      win,
		efd:      efd,
		timeout:  timeout,
		outFence: cfg.OutFence,
		logger:   logger,
		fbs:      make(map[display.FramebufferID]*framebuffer),
		next:     1,
	}, nil
}

func (e *Engine) Fd() int { return e.efd }

// Register binds bo to a server-side pixmap of the same size.
func (e *Engine) Register(bo surface.BufferObject) (display.FramebufferID, error) {
	if bo.Pixels() == nil {
		return 0, fmt.Errorf("x11 engine needs CPU mapped buffers")
	}
	img := xgraphics.New(e.conn.XUtil, image.Rect(0, 0, int(bo.Width()), int(bo.Height())))
	if err := img.XSurfaceSet(e.win.Id); err != nil {
		img.Destroy()
		return 0, fmt.Errorf("create pixmap: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.fbs[id] = &framebuffer{bo: bo, img: img}
	return id, nil
}

func (e *Engine) Commit(fb display.FramebufferID, in *fence.Fence) (*fence.Fence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending {
		return nil, display.ErrBusy
	}
	target, ok := e.fbs[fb]
	if !ok {
		return nil, fmt.Errorf("%w: unknown framebuffer %d", display.ErrCommit, fb)
	}

	var wait *fence.Fence
	if in.Valid() {
		dup, err := in.Dup()
		if err != nil {
			return nil, fmt.Errorf("%w: in-fence: %w", display.ErrCommit, err)
		}
		wait = dup
	}
	var out *fence.Fence
	var sig *fence.Signal
	if e.outFence {
		f, s, err := fence.New()
		if err != nil {
			wait.Close()
			return nil, fmt.Errorf("%w: out-fence: %w", display.ErrCommit, err)
		}
		out, sig = f, s
	}

	e.pending = true
	e.wg.Add(1)
	go e.paint(fb, target, wait, sig)
	return out, nil
}

func (e *Engine) paint(fb display.FramebufferID, target *framebuffer, wait *fence.Fence, sig *fence.Signal) {
	defer e.wg.Done()
	defer sig.Close()

	if wait.Valid() {
		err := wait.Wait(e.timeout)
		wait.Close()
		if err != nil {
			e.finish(fb, fmt.Errorf("%w: in-fence: %w", display.ErrCommit, err))
			return
		}
	}

	copyToImage(target.img, target.bo)
	target.img.XDraw()
	target.img.XPaint(e.win.Id)
	e.conn.XUtil.Sync()

	sig.Signal()
	e.finish(fb, nil)
}

func (e *Engine) finish(fb display.FramebufferID, err error) {
	e.mu.Lock()
	e.pending = false
	if err != nil {
		if e.failure == nil {
			e.failure = err
		}
	} else {
		e.active = fb
		e.seq++
		e.events = append(e.events, display.Event{Framebuffer: fb, Sequence: e.seq})
	}
	e.mu.Unlock()

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, werr := unix.Write(e.efd, buf[:]); werr != nil {
		e.logger.Error("post completion failed", "error", werr)
	}
}

func (e *Engine) ReadEvent() (display.Event, error) {
	var buf [8]byte
	if _, err := unix.Read(e.efd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return display.Event{}, display.ErrNoEvent
		}
		return display.Event{}, fmt.Errorf("read completion: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure != nil {
		return display.Event{}, e.failure
	}
	if len(e.events) == 0 {
		return display.Event{}, display.ErrNoEvent
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, nil
}

// ActiveFramebuffer reports the framebuffer painted last, 0 before the
// first paint.
func (e *Engine) ActiveFramebuffer() (display.FramebufferID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

// Restore unmaps the window, leaving the desktop as it was.
func (e *Engine) Restore() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = 0
	if e.win != nil {
		e.win.Unmap()
	}
	return nil
}

func (e *Engine) Close() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, fb := range e.fbs {
		fb.img.Destroy()
		delete(e.fbs, id)
	}
	if e.win != nil {
		e.win.Destroy()
		e.win = nil
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.efd >= 0 {
		unix.Close(e.efd)
		e.efd = -1
	}
	return nil
}

// copyToImage copies BGRA rows from bo into img, which uses the same byte
// order.
func copyToImage(img *xgraphics.Image, bo surface.BufferObject) {
	copyRows(img.Pix, img.Stride, bo.Pixels(), int(bo.Stride()), int(bo.Width())*4, int(bo.Height()))
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride, rowBytes, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}
