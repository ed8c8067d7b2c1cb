package present

import (
	"errors"
	"testing"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/surface"
)

type countingRegistrar struct {
	calls int
}

func (r *countingRegistrar) Register(surface.BufferObject) (display.FramebufferID, error) {
	r.calls++
	return display.FramebufferID(100 + r.calls), nil
}

type stubBuffer struct{ id surface.Identity }

func (stubBuffer) Width() uint32 { return 1 }
func (stubBuffer) Height() uint32 { return 1 }
func (stubBuffer) Stride() uint32 { return 4 }
func (stubBuffer) Format() uint32 { return surface.FormatXRGB8888 }
func (stubBuffer) Export() (int, error) { return -1, errors.New("not exportable") }
func (stubBuffer) Pixels() []byte { return nil }

type stubSurface struct{ max int }

func (stubSurface) HasFreeBuffer() bool { return true }
func (stubSurface) LockFrontBuffer() (surface.BufferObject, error) { return nil, surface.ErrNoFrontBuffer }
func (stubSurface) ReleaseBuffer(surface.BufferObject) {}
func (stubSurface) IdentityOf(bo surface.BufferObject) surface.Identity { return bo.(stubBuffer).id }
func (s stubSurface) MaxBuffers() int { return s.max }

func TestRegistry_Idempotent(t *testing.T) {
	reg := &countingRegistrar{}
	r := NewRegistry(reg, stubSurface{max: 4})

	first, err := r.Lookup(stubBuffer{id: 7})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	again, err := r.Lookup(stubBuffer{id: 7})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if first != again {
		t.Fatalf("same identity registered as %d and %d", first, again)
	}
	if reg.calls != 1 || r.Len() != 1 {
		t.Fatalf("calls = %d, len = %d, want 1/1", reg.calls, r.Len())
	}
}

func TestRegistry_Bounded(t *testing.T) {
	reg := &countingRegistrar{}
	r := NewRegistry(reg, stubSurface{max: 3})

	for id := surface.Identity(1); id <= 3; id++ {
		if _, err := r.Lookup(stubBuffer{id: id}); err != nil {
			t.Fatalf("Lookup %d: %v", id, err)
		}
	}
	if _, err := r.Lookup(stubBuffer{id: 4}); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
	// Known identities still resolve once full.
	if _, err := r.Lookup(stubBuffer{id: 2}); err != nil {
		t.Fatalf("Lookup known identity: %v", err)
	}
	if r.Len() > r.Capacity() {
		t.Fatalf("len %d exceeds capacity %d", r.Len(), r.Capacity())
	}
}

func TestRegistry_RejectsForeignBuffer(t *testing.T) {
	r := NewRegistry(&countingRegistrar{}, stubSurface{max: 2})
	if _, err := r.Lookup(stubBuffer{id: 0}); err == nil {
		t.Fatalf("expected error for a buffer without identity")
	}
}
