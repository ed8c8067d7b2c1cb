package present

import (
	"errors"
	"testing"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/shm"
	"github.com/1broseidon/scanout/internal/surface"
)

type fixture struct {
	engine  *display.SimEngine
	surface *shm.Surface
	queue   *Queue
}

func newFixture(t *testing.T, maxBuffers int) *fixture {
	t.Helper()
	engine, err := display.NewSimEngine(display.SimConfig{})
	if err != nil {
		t.Fatalf("NewSimEngine: %v", err)
	}
	surf, err := shm.NewSurface(8, 8, surface.FormatXRGB8888, maxBuffers)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	q := NewQueue(Config{Engine: engine, Surface: surf})
	t.Cleanup(func() {
		q.Close()
		engine.Close()
		surf.Close()
	})
	return &fixture{engine: engine, surface: surf, queue: q}
}

// frame draws nothing and returns the next locked front buffer.
func (f *fixture) frame(t *testing.T) surface.BufferObject {
	t.Helper()
	if _, err := f.surface.BackBuffer(); err != nil {
		t.Fatalf("BackBuffer: %v", err)
	}
	if err := f.surface.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers: %v", err)
	}
	bo, err := f.surface.LockFrontBuffer()
	if err != nil {
		t.Fatalf("LockFrontBuffer: %v", err)
	}
	return bo
}

// flip scans out the pending commit and feeds its event to the queue.
func (f *fixture) flip(t *testing.T) {
	t.Helper()
	flipped, err := f.engine.Vblank()
	if err != nil || !flipped {
		t.Fatalf("Vblank: flipped=%v err=%v", flipped, err)
	}
	ev, err := f.engine.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	out, err := f.queue.Complete(ev)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	out.Close()
}

func TestQueue_CommitsInSubmissionOrder(t *testing.T) {
	f := newFixture(t, 3)

	var bos []surface.BufferObject
	for i := 0; i < 3; i++ {
		bo := f.frame(t)
		bos = append(bos, bo)
		if _, err := f.queue.Enqueue(bo, nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if f.engine.Commits() != 1 {
		t.Fatalf("commits = %d, want exactly one outstanding", f.engine.Commits())
	}
	if f.queue.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", f.queue.Pending())
	}

	for i := 0; i < 3; i++ {
		f.flip(t)
		if f.queue.Showing() != bos[i] {
			t.Fatalf("after flip %d showing the wrong buffer", i)
		}
		active, _ := f.engine.ActiveFramebuffer()
		want, _ := f.queue.Registry().Lookup(bos[i])
		if active != want {
			t.Fatalf("after flip %d active fb = %d, want %d", i, active, want)
		}
	}
	if f.engine.Commits() != 3 {
		t.Fatalf("commits = %d, want 3", f.engine.Commits())
	}
	// Two frames were retired from the screen; the third is still showing.
	if f.surface.Locked() != 1 {
		t.Fatalf("locked = %d, want 1", f.surface.Locked())
	}
	st := f.queue.Stats()
	if st.Completions != 3 || st.MaxDepth != 3 || st.Registrations != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestQueue_ConsumesWaitFence(t *testing.T) {
	f := newFixture(t, 2)

	first, sig1, err := fence.New()
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer sig1.Close()
	second, sig2, err := fence.New()
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer sig2.Close()

	if _, err := f.queue.Enqueue(f.frame(t), first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.Valid() {
		t.Fatalf("queue must take the wait fence")
	}
	if _, err := f.queue.Enqueue(f.frame(t), second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The display must not flip until the in-fence signals.
	if flipped, _ := f.engine.Vblank(); flipped {
		t.Fatalf("flipped before in-fence signaled")
	}
	sig1.Signal()
	f.flip(t)

	sig2.Signal()
	f.flip(t)
	if f.queue.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", f.queue.Pending())
	}
}

func TestQueue_CompleteWithoutCommit(t *testing.T) {
	f := newFixture(t, 2)
	if _, err := f.queue.Complete(display.Event{Framebuffer: 5}); !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("expected ErrUnexpectedEvent, got %v", err)
	}
}

func TestQueue_CompleteWrongFramebuffer(t *testing.T) {
	f := newFixture(t, 2)
	if _, err := f.queue.Enqueue(f.frame(t), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := f.queue.Complete(display.Event{Framebuffer: 9999}); !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("expected ErrUnexpectedEvent, got %v", err)
	}
}

func TestQueue_ReturnsOutFenceForImmediateCommit(t *testing.T) {
	engine, err := display.NewSimEngine(display.SimConfig{OutFence: true})
	if err != nil {
		t.Fatalf("NewSimEngine: %v", err)
	}
	defer engine.Close()
	surf, err := shm.NewSurface(8, 8, surface.FormatXRGB8888, 2)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	defer surf.Close()
	f := &fixture{engine: engine, surface: surf, queue: NewQueue(Config{Engine: engine, Surface: surf})}
	defer f.queue.Close()

	out, err := f.queue.Enqueue(f.frame(t), nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !out.Valid() {
		t.Fatalf("expected out-fence for immediate commit")
	}
	defer out.Close()

	queued, err := f.queue.Enqueue(f.frame(t), nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if queued != nil {
		t.Fatalf("queued entry must not get an out-fence")
	}

	f.flip(t)
	if ok, _ := out.Signaled(); !ok {
		t.Fatalf("out-fence not signaled after flip")
	}
}
