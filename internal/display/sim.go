package display

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// SimConfig configures a SimEngine.
type SimConfig struct {
	// InitialFramebuffer is what the display shows before the session.
	InitialFramebuffer FramebufferID
	// OutFence makes Commit return a fence that signals on flip.
	OutFence bool
	// Vblank flips automatically at this interval. Zero means tests call
	// Vblank themselves.
	Vblank time.Duration
	Logger *slog.Logger
}

type simCommit struct {
	fb  FramebufferID
	in  *fence.Fence
	out *fence.Signal
}

// SimEngine is an in-process display engine. It honors the same contract as
// the hardware engines: one outstanding commit, in-fence gating, and
// completion events delivered through a pollable descriptor.
type SimEngine struct {
	mu         sync.Mutex
	efd        int
	initial    FramebufferID
	active     FramebufferID
	nextID     FramebufferID
	registered map[FramebufferID]surface.BufferObject
	pending    *simCommit
	events     []Event
	seq        uint32
	commits    int
	outFence   bool
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

var _ Engine = (*SimEngine)(nil)

// NewSimEngine creates a simulated display.
func NewSimEngine(cfg SimConfig) (*SimEngine, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("create event descriptor: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	initial := cfg.InitialFramebuffer
	if initial == 0 {
		initial = 1
	}

	e := &SimEngine{
		efd:        efd,
		initial:    initial,
		active:     initial,
		nextID:     initial + 1,
		registered: make(map[FramebufferID]surface.BufferObject),
		outFence:   cfg.OutFence,
		logger:     logger,
	}

	if cfg.Vblank > 0 {
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.vblankLoop(cfg.Vblank)
	}
	return e, nil
}

func (e *SimEngine) vblankLoop(interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if _, err := e.Vblank(); err != nil {
				e.logger.Error("sim vblank failed", "error", err)
			}
		}
	}
}

func (e *SimEngine) Fd() int { return e.efd }

func (e *SimEngine) Register(bo surface.BufferObject) (FramebufferID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.registered[id] = bo
	e.logger.Debug("framebuffer registered", "fb", id, "width", bo.Width(), "height", bo.Height())
	return id, nil
}

func (e *SimEngine) Commit(fb FramebufferID, in *fence.Fence) (*fence.Fence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		return nil, ErrBusy
	}
	if _, ok := e.registered[fb]; !ok {
		return nil, fmt.Errorf("%w: unknown framebuffer %d", ErrCommit, fb)
	}

	c := &simCommit{fb: fb}
	if in.Valid() {
		dup, err := in.Dup()
		if err != nil {
			return nil, fmt.Errorf("%w: in-fence: %w", ErrCommit, err)
		}
		c.in = dup
	}

	var out *fence.Fence
	if e.outFence {
		f, sig, err := fence.New()
		if err != nil {
			c.in.Close()
			return nil, fmt.Errorf("%w: out-fence: %w", ErrCommit, err)
		}
		out, c.out = f, sig
	}

	e.pending = c
	e.commits++
	return out, nil
}

// Vblank flips the pending commit if its in-fence has signaled. It reports
// whether a flip happened.
func (e *SimEngine) Vblank() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.pending
	if c == nil {
		return false, nil
	}
	if c.in.Valid() {
		ok, err := c.in.Signaled()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	e.pending = nil
	e.active = c.fb
	e.seq++
	e.events = append(e.events, Event{Framebuffer: c.fb, Sequence: e.seq})
	c.in.Close()
	if c.out != nil {
		if err := c.out.Signal(); err != nil {
			return true, err
		}
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(e.efd, buf[:]); err != nil {
		return true, fmt.Errorf("post completion: %w", err)
	}
	return true, nil
}

func (e *SimEngine) ReadEvent() (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var buf [8]byte
	if _, err := unix.Read(e.efd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return Event{}, ErrNoEvent
		}
		return Event{}, fmt.Errorf("read completion: %w", err)
	}
	if len(e.events) == 0 {
		return Event{}, ErrNoEvent
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, nil
}

func (e *SimEngine) ActiveFramebuffer() (FramebufferID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

func (e *SimEngine) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropPending()
	e.active = e.initial
	e.logger.Info("display restored", "fb", e.initial)
	return nil
}

// Pending reports whether a commit is outstanding.
func (e *SimEngine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Commits returns the number of commits accepted so far.
func (e *SimEngine) Commits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commits
}

// Registered returns the number of framebuffers registered.
func (e *SimEngine) Registered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.registered)
}

func (e *SimEngine) Close() error {
	if e.stop != nil {
		close(e.stop)
		<-e.done
		e.stop = nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropPending()
	if e.efd < 0 {
		return nil
	}
	fd := e.efd
	e.efd = -1
	return unix.Close(fd)
}

func (e *SimEngine) dropPending() {
	if e.pending == nil {
		return
	}
	e.pending.in.Close()
	e.pending.out.Close()
	e.pending = nil
}
