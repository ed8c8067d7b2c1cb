package display

import (
	"errors"
	"testing"
	"time"

	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/shm"
	"github.com/1broseidon/scanout/internal/surface"
)

func newSim(t *testing.T, cfg SimConfig) *SimEngine {
	t.Helper()
	e, err := NewSimEngine(cfg)
	if err != nil {
		t.Fatalf("NewSimEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func frontBuffer(t *testing.T) surface.BufferObject {
	t.Helper()
	s, err := shm.NewSurface(4, 4, surface.FormatXRGB8888, 2)
	if err != nil {
		t.Fatalf("NewSurface: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.BackBuffer(); err != nil {
		t.Fatalf("BackBuffer: %v", err)
	}
	if err := s.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers: %v", err)
	}
	bo, err := s.LockFrontBuffer()
	if err != nil {
		t.Fatalf("LockFrontBuffer: %v", err)
	}
	return bo
}

func TestSimEngine_CommitWaitsForInFence(t *testing.T) {
	e := newSim(t, SimConfig{InitialFramebuffer: 7})
	fb, err := e.Register(frontBuffer(t))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	in, sig, err := fence.New()
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer in.Close()

	if _, err := e.Commit(fb, in); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !in.Valid() {
		t.Fatalf("Commit must borrow the in-fence, not take it")
	}

	flipped, err := e.Vblank()
	if err != nil || flipped {
		t.Fatalf("flipped before in-fence signaled: %v %v", flipped, err)
	}
	if _, err := e.ReadEvent(); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("expected ErrNoEvent, got %v", err)
	}

	if err := sig.Signal(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	flipped, err = e.Vblank()
	if err != nil || !flipped {
		t.Fatalf("expected flip after signal: %v %v", flipped, err)
	}

	ev, err := e.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Framebuffer != fb || ev.Sequence != 1 {
		t.Fatalf("event = %+v", ev)
	}
	if active, _ := e.ActiveFramebuffer(); active != fb {
		t.Fatalf("active = %d, want %d", active, fb)
	}
}

func TestSimEngine_OneOutstandingCommit(t *testing.T) {
	e := newSim(t, SimConfig{})
	fb, _ := e.Register(frontBuffer(t))

	if _, err := e.Commit(fb, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := e.Commit(fb, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := e.Vblank(); err != nil {
		t.Fatalf("Vblank: %v", err)
	}
	if _, err := e.Commit(fb, nil); err != nil {
		t.Fatalf("Commit after flip: %v", err)
	}
	if e.Commits() != 2 {
		t.Fatalf("commits = %d, want 2", e.Commits())
	}
}

func TestSimEngine_UnknownFramebufferRejected(t *testing.T) {
	e := newSim(t, SimConfig{})
	if _, err := e.Commit(99, nil); !errors.Is(err, ErrCommit) {
		t.Fatalf("expected ErrCommit, got %v", err)
	}
}

func TestSimEngine_OutFenceSignalsOnFlip(t *testing.T) {
	e := newSim(t, SimConfig{OutFence: true})
	fb, _ := e.Register(frontBuffer(t))

	out, err := e.Commit(fb, nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	defer out.Close()
	if ok, _ := out.Signaled(); ok {
		t.Fatalf("out-fence signaled before flip")
	}
	if _, err := e.Vblank(); err != nil {
		t.Fatalf("Vblank: %v", err)
	}
	if err := out.Wait(time.Second); err != nil {
		t.Fatalf("out-fence after flip: %v", err)
	}
}

func TestSimEngine_RestoreReturnsInitialFramebuffer(t *testing.T) {
	e := newSim(t, SimConfig{InitialFramebuffer: 3})
	fb, _ := e.Register(frontBuffer(t))
	if _, err := e.Commit(fb, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	e.Vblank()
	if _, err := e.Commit(fb, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if active, _ := e.ActiveFramebuffer(); active != 3 {
		t.Fatalf("active = %d, want 3", active)
	}
	if e.Pending() {
		t.Fatalf("Restore must drop the outstanding commit")
	}
}

func TestSimEngine_AutoVblank(t *testing.T) {
	e := newSim(t, SimConfig{Vblank: time.Millisecond})
	fb, _ := e.Register(frontBuffer(t))
	if _, err := e.Commit(fb, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.Pending() {
		if time.Now().After(deadline) {
			t.Fatalf("auto vblank never flipped")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := e.ReadEvent(); err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
}
