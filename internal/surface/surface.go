// Package surface defines the rendering-surface contract shared by the client
// (producer) and the server (scanout) sides.
package surface

import "errors"

// MaxBuffers is the upper bound on buffer objects any surface may recycle.
const MaxBuffers = 32

// DRM fourcc pixel formats used on the wire.
const (
	FormatARGB8888 uint32 = 0x34325241 // 'AR24'
	FormatXRGB8888 uint32 = 0x34325258 // 'XR24'
)

var (
	// ErrNoFreeBuffer is returned when every buffer object is locked.
	ErrNoFreeBuffer = errors.New("no free buffer")
	// ErrNoFrontBuffer is returned by LockFrontBuffer before a swap.
	ErrNoFrontBuffer = errors.New("no front buffer to lock")
)

// Identity is the stable key of a buffer object. Per-frame handles change;
// the identity does not.
type Identity uint64

// BufferObject is GPU/CPU accessible memory with a fixed geometry.
type BufferObject interface {
	Width() uint32
	Height() uint32
	Stride() uint32
	Format() uint32
	// Export returns a new handle for the buffer. The caller owns it.
	Export() (int, error)
	// Pixels returns the mapped contents, or nil when not CPU mapped.
	Pixels() []byte
}

// Surface is the part of a rendering surface the presentation protocol uses.
type Surface interface {
	HasFreeBuffer() bool
	LockFrontBuffer() (BufferObject, error)
	ReleaseBuffer(bo BufferObject)
	IdentityOf(bo BufferObject) Identity
	MaxBuffers() int
}

// Renderable is a Surface that can also be drawn into.
type Renderable interface {
	Surface
	// BackBuffer returns the buffer the next frame is drawn into.
	BackBuffer() (BufferObject, error)
	// SwapBuffers makes the back buffer the front buffer.
	SwapBuffers() error
	Width() uint32
	Height() uint32
}

// FormatName returns a printable name for a fourcc.
func FormatName(format uint32) string {
	b := []byte{byte(format), byte(format >> 8), byte(format >> 16), byte(format >> 24)}
	return string(b)
}
