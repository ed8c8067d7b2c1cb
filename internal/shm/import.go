package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapping is a read-only view of a buffer handle received from a peer.
type Mapping struct {
	data   []byte
	Width  uint32
	Height uint32
	Stride uint32
	Format uint32
}

// Import maps fd read-only. fd is borrowed; the mapping stays valid after
// the caller closes it.
func Import(fd int, width, height, stride, format uint32) (*Mapping, error) {
	if width == 0 || height == 0 || stride < width*4 {
		return nil, fmt.Errorf("invalid buffer geometry %dx%d stride %d", width, height, stride)
	}
	size := int(stride) * int(height)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat buffer handle: %w", err)
	}
	if st.Size < int64(size) {
		return nil, fmt.Errorf("buffer handle holds %d bytes, geometry needs %d", st.Size, size)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map buffer handle: %w", err)
	}
	return &Mapping{data: data, Width: width, Height: height, Stride: stride, Format: format}, nil
}

// Pixels returns the mapped bytes.
func (m *Mapping) Pixels() []byte { return m.data }

// Close unmaps the buffer.
func (m *Mapping) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
