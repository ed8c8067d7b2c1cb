package present

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/surface"
)

// ErrUnexpectedEvent is returned for a completion with no commit outstanding,
// or one naming a framebuffer other than the committed one.
var ErrUnexpectedEvent = errors.New("unexpected completion event")

type entry struct {
	fb   display.FramebufferID
	bo   surface.BufferObject
	wait *fence.Fence
}

// Stats counts queue activity over a session.
type Stats struct {
	Enqueued      int
	Commits       int
	Completions   int
	MaxDepth      int
	Registrations int
}

// Config configures a Queue.
type Config struct {
	Engine  display.Engine
	Surface surface.Surface
	Logger  *slog.Logger
}

// Queue is a strict FIFO of frames awaiting scanout plus the frame currently
// showing. The FIFO head is always the entry whose commit is outstanding.
type Queue struct {
	engine   display.Engine
	surface  surface.Surface
	registry *Registry
	logger   *slog.Logger

	ring    []entry
	head    int
	count   int
	showing surface.BufferObject
	stats   Stats
}

// NewQueue creates a queue for frames drawn into cfg.Surface.
func NewQueue(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		engine:   cfg.Engine,
		surface:  cfg.Surface,
		registry: NewRegistry(cfg.Engine, cfg.Surface),
		logger:   logger,
		ring:     make([]entry, cfg.Surface.MaxBuffers()),
	}
}

// Enqueue appends bo, taking ownership of wait. If nothing was pending the
// commit is issued immediately and its out-fence, if the engine produced
// one, is returned to the caller.
func (q *Queue) Enqueue(bo surface.BufferObject, wait *fence.Fence) (*fence.Fence, error) {
	wait = wait.Take()

	fb, err := q.registry.Lookup(bo)
	if err != nil {
		wait.Close()
		return nil, err
	}
	q.stats.Registrations = q.registry.Len()

	if q.count == len(q.ring) {
		wait.Close()
		return nil, fmt.Errorf("presentation queue full (%d entries)", q.count)
	}

	q.ring[(q.head+q.count)%len(q.ring)] = entry{fb: fb, bo: bo, wait: wait}
	q.count++
	q.stats.Enqueued++
	if q.count > q.stats.MaxDepth {
		q.stats.MaxDepth = q.count
	}

	if q.count > 1 {
		q.logger.Debug("frame queued", "fb", fb, "depth", q.count)
		return nil, nil
	}
	return q.commitHead()
}

// Complete handles one completion event: the committed frame becomes the
// showing one, the previously showing buffer goes back to the surface and
// the next queued frame, if any, is committed.
func (q *Queue) Complete(ev display.Event) (*fence.Fence, error) {
	if q.count == 0 {
		return nil, fmt.Errorf("%w: no commit outstanding (fb %d)", ErrUnexpectedEvent, ev.Framebuffer)
	}
	done := q.ring[q.head]
	if ev.Framebuffer != 0 && ev.Framebuffer != done.fb {
		return nil, fmt.Errorf("%w: got fb %d, committed fb %d", ErrUnexpectedEvent, ev.Framebuffer, done.fb)
	}

	q.ring[q.head] = entry{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.stats.Completions++

	if q.showing != nil {
		q.surface.ReleaseBuffer(q.showing)
	}
	q.showing = done.bo

	if q.count == 0 {
		return nil, nil
	}
	return q.commitHead()
}

func (q *Queue) commitHead() (*fence.Fence, error) {
	e := &q.ring[q.head]
	out, err := q.engine.Commit(e.fb, e.wait)
	e.wait.Close()
	if err != nil {
		return nil, fmt.Errorf("commit fb %d: %w", e.fb, err)
	}
	q.stats.Commits++
	q.logger.Debug("commit issued", "fb", e.fb, "out_fence", out.Valid())
	return out, nil
}

// Pending reports how many frames wait for or are in their commit.
func (q *Queue) Pending() int { return q.count }

// Showing returns the buffer object on screen, or nil.
func (q *Queue) Showing() surface.BufferObject { return q.showing }

// Registry exposes the registration cache.
func (q *Queue) Registry() *Registry { return q.registry }

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats { return q.stats }

// Close drops the wait fences still queued. Buffers stay locked; the
// surface is torn down after the queue.
func (q *Queue) Close() {
	for i := 0; i < q.count; i++ {
		e := &q.ring[(q.head+i)%len(q.ring)]
		e.wait.Close()
	}
}
