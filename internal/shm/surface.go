// Package shm implements rendering surfaces backed by memfd shared memory.
// Buffer objects are exported as memfd handles, so a peer process can map
// them without copying.
package shm

import (
	"errors"
	"fmt"

	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// Buffer is a memfd-backed buffer object owned by a Surface.
type Buffer struct {
	fd     int
	data   []byte
	width  uint32
	height uint32
	stride uint32
	format uint32
}

var _ surface.BufferObject = (*Buffer)(nil)

func (b *Buffer) Width() uint32  { return b.width }
func (b *Buffer) Height() uint32 { return b.height }
func (b *Buffer) Stride() uint32 { return b.stride }
func (b *Buffer) Format() uint32 { return b.format }
func (b *Buffer) Pixels() []byte { return b.data }

// Export duplicates the memfd. The caller owns the returned handle.
func (b *Buffer) Export() (int, error) {
	fd, err := unix.FcntlInt(uintptr(b.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("export buffer: %w", err)
	}
	return fd, nil
}

// Surface is a bounded chain of shared-memory buffer objects.
type Surface struct {
	*surface.Chain
}

var _ surface.Renderable = (*Surface)(nil)

// NewSurface creates a surface that recycles at most maxBuffers buffers.
// Buffers are allocated on first use.
func NewSurface(width, height, format uint32, maxBuffers int) (*Surface, error) {
	chain, err := surface.NewChain(width, height, maxBuffers, memfdAllocator{format: format})
	if err != nil {
		return nil, err
	}
	return &Surface{Chain: chain}, nil
}

type memfdAllocator struct {
	format uint32
}

func (a memfdAllocator) Allocate(width, height uint32) (surface.BufferObject, error) {
	stride := width * 4
	size := int(stride) * int(height)

	fd, err := unix.MemfdCreate("scanout-buffer", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("size buffer: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map buffer: %w", err)
	}
	return &Buffer{
		fd:     fd,
		data:   data,
		width:  width,
		height: height,
		stride: stride,
		format: a.format,
	}, nil
}

func (memfdAllocator) Free(bo surface.BufferObject) error {
	b, ok := bo.(*Buffer)
	if !ok {
		return fmt.Errorf("free foreign buffer %T", bo)
	}
	return errors.Join(unix.Munmap(b.data), unix.Close(b.fd))
}
