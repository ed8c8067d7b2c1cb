package kms

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// DumbBuffer is a CPU-mapped scanout buffer allocated by the card.
type DumbBuffer struct {
	card   *Card
	handle uint32
	data   []byte
	width  uint32
	height uint32
	stride uint32
}

var _ surface.BufferObject = (*DumbBuffer)(nil)

func (b *DumbBuffer) Width() uint32  { return b.width }
func (b *DumbBuffer) Height() uint32 { return b.height }
func (b *DumbBuffer) Stride() uint32 { return b.stride }
func (b *DumbBuffer) Format() uint32 { return surface.FormatXRGB8888 }
func (b *DumbBuffer) Pixels() []byte { return b.data }

// Handle returns the GEM handle on the owning card.
func (b *DumbBuffer) Handle() uint32 { return b.handle }

// Export returns a PRIME descriptor for the buffer.
func (b *DumbBuffer) Export() (int, error) {
	req := primeHandle{Handle: b.handle, Flags: primeFlagsReadWrite, FD: -1}
	if err := ioctl(b.card.fd, ioctlPrimeHandleToFD, unsafe.Pointer(&req)); err != nil {
		return -1, fmt.Errorf("export dumb buffer: %w", err)
	}
	return int(req.FD), nil
}

// DumbSurface is the server's screen surface on a DRM card.
type DumbSurface struct {
	*surface.Chain
}

var _ surface.Renderable = (*DumbSurface)(nil)

// NewDumbSurface creates a chain of XRGB8888 dumb buffers on card.
func NewDumbSurface(card *Card, width, height uint32, maxBuffers int) (*DumbSurface, error) {
	chain, err := surface.NewChain(width, height, maxBuffers, dumbAllocator{card: card})
	if err != nil {
		return nil, err
	}
	return &DumbSurface{Chain: chain}, nil
}

type dumbAllocator struct {
	card *Card
}

func (a dumbAllocator) Allocate(width, height uint32) (surface.BufferObject, error) {
	create := createDumb{Width: width, Height: height, BPP: 32}
	if err := ioctl(a.card.fd, ioctlModeCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("create dumb buffer: %w", err)
	}
	b := &DumbBuffer{
		card:   a.card,
		handle: create.Handle,
		width:  width,
		height: height,
		stride: create.Pitch,
	}

	m := mapDumb{Handle: create.Handle}
	if err := ioctl(a.card.fd, ioctlModeMapDumb, unsafe.Pointer(&m)); err != nil {
		a.destroy(b)
		return nil, fmt.Errorf("map dumb buffer: %w", err)
	}
	data, err := unix.Mmap(a.card.fd, int64(m.Offset), int(create.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		a.destroy(b)
		return nil, fmt.Errorf("mmap dumb buffer: %w", err)
	}
	b.data = data
	return b, nil
}

func (a dumbAllocator) Free(bo surface.BufferObject) error {
	b, ok := bo.(*DumbBuffer)
	if !ok {
		return fmt.Errorf("free foreign buffer %T", bo)
	}
	var errs []error
	if b.data != nil {
		errs = append(errs, unix.Munmap(b.data))
		b.data = nil
	}
	errs = append(errs, a.destroy(b))
	return errors.Join(errs...)
}

func (a dumbAllocator) destroy(b *DumbBuffer) error {
	req := destroyDumb{Handle: b.handle}
	if err := ioctl(a.card.fd, ioctlModeDestroyDumb, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("destroy dumb buffer %d: %w", b.handle, err)
	}
	return nil
}
