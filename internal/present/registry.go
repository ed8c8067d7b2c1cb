// Package present sequences frames onto the display: it caches framebuffer
// registrations and keeps exactly one atomic commit outstanding.
package present

import (
	"errors"
	"fmt"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/surface"
)

// ErrRegistryFull is returned when more distinct buffer objects show up than
// the surface can ever hold.
var ErrRegistryFull = errors.New("framebuffer registry full")

// Registrar is the part of a display engine the registry needs.
type Registrar interface {
	Register(bo surface.BufferObject) (display.FramebufferID, error)
}

// Registry maps buffer-object identities to framebuffer ids. Entries are
// created on first sight and never evicted; the bound is the surface's
// buffer count.
type Registry struct {
	engine   Registrar
	surface  surface.Surface
	capacity int
	entries  map[surface.Identity]display.FramebufferID
}

// NewRegistry creates a registry sized for surf.
func NewRegistry(engine Registrar, surf surface.Surface) *Registry {
	return &Registry{
		engine:   engine,
		surface:  surf,
		capacity: surf.MaxBuffers(),
		entries:  make(map[surface.Identity]display.FramebufferID, surf.MaxBuffers()),
	}
}

// Lookup returns the framebuffer id for bo, registering it the first time.
func (r *Registry) Lookup(bo surface.BufferObject) (display.FramebufferID, error) {
	id := r.surface.IdentityOf(bo)
	if id == 0 {
		return 0, fmt.Errorf("buffer object does not belong to the surface")
	}
	if fb, ok := r.entries[id]; ok {
		return fb, nil
	}
	if len(r.entries) >= r.capacity {
		return 0, fmt.Errorf("%w: %d entries", ErrRegistryFull, r.capacity)
	}
	fb, err := r.engine.Register(bo)
	if err != nil {
		return 0, fmt.Errorf("register framebuffer: %w", err)
	}
	r.entries[id] = fb
	return fb, nil
}

// Len returns the number of cached registrations.
func (r *Registry) Len() int { return len(r.entries) }

// Capacity returns the registry bound.
func (r *Registry) Capacity() int { return r.capacity }
