package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/ipc"
	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// SyncMode selects how the client paces buffer reuse.
type SyncMode string

const (
	// SyncExplicit waits on release fences before reusing a buffer.
	SyncExplicit SyncMode = "explicit"
	// SyncImplicit sleeps a fixed delay per frame and ignores release
	// fences. The server may still be reading a buffer when it is redrawn.
	SyncImplicit SyncMode = "implicit"
)

const (
	pollInterval = 100 * time.Millisecond
	drainTimeout = 2 * time.Second
)

// Config configures a Presenter.
type Config struct {
	Channel  *ipc.Channel
	Surface  surface.Renderable
	Renderer Renderer
	Sync     SyncMode
	// FrameDelay paces SyncImplicit.
	FrameDelay time.Duration
	// X and Y place the frame on the server's screen.
	X, Y   uint32
	Logger *slog.Logger
}

// Stats counts presenter activity over a session.
type Stats struct {
	Frames         uint64
	Notices        uint64
	BlockingWaits  uint64
	FencesSent     uint64
	ReleaseFences  uint64
	DrainedNotices uint64
}

// Presenter runs the client present loop.
type Presenter struct {
	ch       *ipc.Channel
	surf     surface.Renderable
	renderer Renderer
	pool     *Pool
	sync     SyncMode
	delay    time.Duration
	x, y     uint32
	logger   *slog.Logger

	next  uint64
	stats Stats
}

// NewPresenter creates a presenter with one pool slot per surface buffer.
func NewPresenter(cfg Config) (*Presenter, error) {
	if cfg.Channel == nil || cfg.Surface == nil || cfg.Renderer == nil {
		return nil, fmt.Errorf("presenter needs a channel, a surface and a renderer")
	}
	pool, err := NewPool(cfg.Surface.MaxBuffers())
	if err != nil {
		return nil, err
	}
	mode := cfg.Sync
	switch mode {
	case "":
		mode = SyncExplicit
	case SyncExplicit, SyncImplicit:
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Presenter{
		ch:       cfg.Channel,
		surf:     cfg.Surface,
		renderer: cfg.Renderer,
		pool:     pool,
		sync:     mode,
		delay:    cfg.FrameDelay,
		x:        cfg.X,
		y:        cfg.Y,
		logger:   logger,
	}, nil
}

// Run presents frames until frames have been sent (0 means no limit) or ctx
// is done, then drains outstanding notices.
func (p *Presenter) Run(ctx context.Context, frames uint64) error {
	if p.sync == SyncImplicit {
		p.logger.Warn("implicit sync: buffers are reused after a fixed delay, not a release fence",
			"frame_delay", p.delay)
	}
	p.logger.Info("presenting",
		"sync", p.sync,
		"slots", p.pool.Size(),
		"width", p.surf.Width(),
		"height", p.surf.Height())

	err := p.loop(ctx, frames)
	if derr := p.drain(); derr != nil && err == nil {
		err = derr
	}

	p.logger.Info("presenter stopped",
		"frames", p.stats.Frames,
		"notices", p.stats.Notices,
		"blocking_waits", p.stats.BlockingWaits,
		"fences_sent", p.stats.FencesSent)
	return err
}

func (p *Presenter) loop(ctx context.Context, frames uint64) error {
	for frames == 0 || p.next < frames {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.Frame(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if p.sync == SyncImplicit && p.delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.delay):
			}
		}
	}
	return nil
}

// Frame presents exactly one frame.
func (p *Presenter) Frame(ctx context.Context) error {
	index := p.next

	wait, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	back, err := p.surf.BackBuffer()
	if err != nil {
		wait.Close()
		return fmt.Errorf("frame %d: back buffer: %w", index, err)
	}
	done, err := p.renderer.Render(ctx, index, back, wait)
	if err != nil {
		return fmt.Errorf("frame %d: render: %w", index, err)
	}
	if err := p.surf.SwapBuffers(); err != nil {
		done.Close()
		return fmt.Errorf("frame %d: swap: %w", index, err)
	}
	if p.sync == SyncImplicit {
		done.Close()
		done = nil
	}

	return p.present(index, done)
}

// acquire blocks on completion notices until the surface has a free buffer.
// It returns the release fence guarding the buffer that was freed last.
func (p *Presenter) acquire(ctx context.Context) (*fence.Fence, error) {
	var wait *fence.Fence
	for !p.surf.HasFreeBuffer() {
		p.stats.BlockingWaits++
		release, err := p.receive(ctx)
		if err != nil {
			wait.Close()
			return nil, err
		}
		if p.sync == SyncImplicit {
			release.Close()
			continue
		}
		wait.Close()
		wait = release
	}
	return wait, nil
}

func (p *Presenter) receive(ctx context.Context) (*fence.Fence, error) {
	if err := waitReadable(ctx, p.ch.Fd()); err != nil {
		return nil, err
	}
	notice, release, err := p.ch.ReceiveNotice()
	if err != nil {
		return nil, err
	}
	p.stats.Notices++
	if release.Valid() {
		p.stats.ReleaseFences++
	}

	bo, err := p.pool.Complete(notice.Index)
	if err != nil {
		release.Close()
		return nil, err
	}
	p.surf.ReleaseBuffer(bo)
	return release, nil
}

func (p *Presenter) present(index uint64, done *fence.Fence) error {
	bo, err := p.surf.LockFrontBuffer()
	if err != nil {
		done.Close()
		return fmt.Errorf("frame %d: lock front buffer: %w", index, err)
	}
	if err := p.pool.Occupy(index, bo); err != nil {
		p.surf.ReleaseBuffer(bo)
		done.Close()
		return err
	}
	handle, err := bo.Export()
	if err != nil {
		done.Close()
		return fmt.Errorf("frame %d: %w", index, err)
	}

	desc := ipc.FrameDescriptor{
		X:      p.x,
		Y:      p.y,
		Width:  bo.Width(),
		Height: bo.Height(),
		Stride: bo.Stride(),
		Format: bo.Format(),
		Index:  index,
	}
	if done.Valid() {
		p.stats.FencesSent++
	}
	if err := p.ch.SendFrame(desc, handle, done); err != nil {
		return fmt.Errorf("frame %d: %w", index, err)
	}
	p.next++
	p.stats.Frames++
	return nil
}

// drain collects the notices of frames still in flight so every received
// handle gets closed. A peer that already went away ends the drain.
func (p *Presenter) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for p.pool.InFlight() > 0 {
		release, err := p.receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
				p.logger.Debug("drain stopped", "in_flight", p.pool.InFlight(), "error", err)
				return nil
			}
			return err
		}
		release.Close()
		p.stats.DrainedNotices++
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (p *Presenter) Stats() Stats { return p.stats }

// Pool exposes the slot pool.
func (p *Presenter) Pool() *Pool { return p.pool }

// waitReadable polls fd until it is readable or ctx is done.
func waitReadable(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: poll: %w", ipc.ErrTransport, err)
		}
		if n > 0 {
			return nil
		}
	}
}
