// Package display abstracts the scanout hardware behind Engine.
package display

import (
	"errors"

	"github.com/1broseidon/scanout/internal/fence"
	"github.com/1broseidon/scanout/internal/surface"
)

// FramebufferID is a display-engine registration of a buffer object.
type FramebufferID uint32

var (
	// ErrCommit marks a rejected atomic commit. It is fatal to the session.
	ErrCommit = errors.New("display commit rejected")
	// ErrBusy is returned when a commit is issued while one is outstanding.
	ErrBusy = errors.New("display commit already outstanding")
	// ErrNoEvent is returned by ReadEvent when no completion is pending.
	ErrNoEvent = errors.New("no completion event pending")
)

// Event reports that a commit reached the screen.
type Event struct {
	Framebuffer FramebufferID
	Sequence    uint32
}

// Engine abstracts the display hardware. Commits are non-blocking and at
// most one may be outstanding; its completion is signaled by readiness on
// Fd and consumed with ReadEvent.
type Engine interface {
	// Fd becomes readable when a completion event is pending.
	Fd() int
	// Register makes bo scannable and returns its framebuffer id.
	Register(bo surface.BufferObject) (FramebufferID, error)
	// Commit schedules fb for scanout after in signals. in is borrowed.
	// The returned fence, if any, signals once fb is on screen.
	Commit(fb FramebufferID, in *fence.Fence) (*fence.Fence, error)
	// ReadEvent consumes exactly one completion event.
	ReadEvent() (Event, error)
	// ActiveFramebuffer reports what the display currently scans out.
	ActiveFramebuffer() (FramebufferID, error)
	// Restore reapplies the configuration active before the session.
	Restore() error
	Close() error
}
