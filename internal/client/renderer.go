package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/surface"
)

// Renderer draws one frame into the surface's back buffer.
//
// wait, when non-nil, guards the buffer: nothing may be written to back
// before it signals. Render owns wait. The returned fence signals once the
// frame is complete; nil means it already is.
type Renderer interface {
	Render(ctx context.Context, index uint64, back surface.BufferObject, wait *fence.Fence) (*fence.Fence, error)
	Close() error
}

// Painter produces the pixels of a frame.
type Painter interface {
	Draw(index uint64, bo surface.BufferObject) error
}

type job struct {
	index  uint64
	bo     surface.BufferObject
	wait   *fence.Fence
	signal *fence.Signal
}

// AsyncRenderer paints on a worker goroutine and returns a fence for every
// frame, the way a GPU queue would. Frames are painted in submission order.
type AsyncRenderer struct {
	painter     Painter
	waitTimeout time.Duration
	logger      *slog.Logger

	jobs chan job
	done chan struct{}

	mu  sync.Mutex
	err error
}

var _ Renderer = (*AsyncRenderer)(nil)

// NewAsyncRenderer starts the worker. waitTimeout bounds each release-fence
// wait.
func NewAsyncRenderer(p Painter, waitTimeout time.Duration, logger *slog.Logger) *AsyncRenderer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &AsyncRenderer{
		painter:     p,
		waitTimeout: waitTimeout,
		logger:      logger,
		jobs:        make(chan job, surface.MaxBuffers),
		done:        make(chan struct{}),
	}
	go r.worker()
	return r
}

func (r *AsyncRenderer) Render(ctx context.Context, index uint64, back surface.BufferObject, wait *fence.Fence) (*fence.Fence, error) {
	wait = wait.Take()
	if err := r.failed(); err != nil {
		wait.Close()
		return nil, err
	}
	f, sig, err := fence.New()
	if err != nil {
		wait.Close()
		return nil, err
	}
	select {
	case r.jobs <- job{index: index, bo: back, wait: wait, signal: sig}:
		return f, nil
	case <-ctx.Done():
		wait.Close()
		sig.Close()
		f.Close()
		return nil, ctx.Err()
	}
}

func (r *AsyncRenderer) worker() {
	defer close(r.done)
	for j := range r.jobs {
		if err := r.paint(j); err != nil {
			r.logger.Error("frame render failed", "index", j.index, "error", err)
			r.fail(err)
			j.signal.Close()
			continue
		}
		if err := j.signal.Signal(); err != nil {
			r.fail(err)
		}
	}
}

func (r *AsyncRenderer) paint(j job) error {
	if j.wait.Valid() {
		err := j.wait.Wait(r.waitTimeout)
		j.wait.Close()
		if err != nil {
			return fmt.Errorf("release fence for frame %d: %w", j.index, err)
		}
	}
	if err := r.failed(); err != nil {
		return err
	}
	return r.painter.Draw(j.index, j.bo)
}

func (r *AsyncRenderer) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *AsyncRenderer) failed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close waits for queued frames to finish.
func (r *AsyncRenderer) Close() error {
	close(r.jobs)
	<-r.done
	return r.failed()
}

// InlineRenderer paints synchronously and produces no fence. It backs the
// implicit-sync mode.
type InlineRenderer struct {
	Painter     Painter
	WaitTimeout time.Duration
}

var _ Renderer = InlineRenderer{}

func (r InlineRenderer) Render(_ context.Context, index uint64, back surface.BufferObject, wait *fence.Fence) (*fence.Fence, error) {
	if wait.Valid() {
		err := wait.Wait(r.WaitTimeout)
		wait.Close()
		if err != nil {
			return nil, fmt.Errorf("release fence for frame %d: %w", index, err)
		}
	}
	return nil, r.Painter.Draw(index, back)
}

func (InlineRenderer) Close() error { return nil }
