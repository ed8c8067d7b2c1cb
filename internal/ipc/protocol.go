package ipc

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes. Messages have a fixed layout and no version field.
const (
	FrameDescriptorSize  = 32
	CompletionNoticeSize = 8

	// MaxHandles is the most handles any message carries.
	MaxHandles = 2
)

// FrameDescriptor is sent client to server with handles
// [0]=buffer (required) and [1]=wait-fence (optional).
type FrameDescriptor struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
	Stride uint32
	Format uint32
	Index  uint64
}

// CompletionNotice is sent server to client with handle
// [0]=release-fence (optional).
type CompletionNotice struct {
	Index uint64
}

// Marshal encodes the descriptor in its little-endian wire layout.
func (d FrameDescriptor) Marshal() []byte {
	b := make([]byte, FrameDescriptorSize)
	binary.LittleEndian.PutUint32(b[0:], d.X)
	binary.LittleEndian.PutUint32(b[4:], d.Y)
	binary.LittleEndian.PutUint32(b[8:], d.Width)
	binary.LittleEndian.PutUint32(b[12:], d.Height)
	binary.LittleEndian.PutUint32(b[16:], d.Stride)
	binary.LittleEndian.PutUint32(b[20:], d.Format)
	binary.LittleEndian.PutUint64(b[24:], d.Index)
	return b
}

// ParseFrameDescriptor decodes a descriptor from its wire layout.
func ParseFrameDescriptor(b []byte) (FrameDescriptor, error) {
	if len(b) != FrameDescriptorSize {
		return FrameDescriptor{}, fmt.Errorf("frame descriptor is %d bytes, want %d", len(b), FrameDescriptorSize)
	}
	return FrameDescriptor{
		X:      binary.LittleEndian.Uint32(b[0:]),
		Y:      binary.LittleEndian.Uint32(b[4:]),
		Width:  binary.LittleEndian.Uint32(b[8:]),
		Height: binary.LittleEndian.Uint32(b[12:]),
		Stride: binary.LittleEndian.Uint32(b[16:]),
		Format: binary.LittleEndian.Uint32(b[20:]),
		Index:  binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

// Marshal encodes the notice in its little-endian wire layout.
func (n CompletionNotice) Marshal() []byte {
	b := make([]byte, CompletionNoticeSize)
	binary.LittleEndian.PutUint64(b, n.Index)
	return b
}

// ParseCompletionNotice decodes a notice from its wire layout.
func ParseCompletionNotice(b []byte) (CompletionNotice, error) {
	if len(b) != CompletionNoticeSize {
		return CompletionNotice{}, fmt.Errorf("completion notice is %d bytes, want %d", len(b), CompletionNoticeSize)
	}
	return CompletionNotice{Index: binary.LittleEndian.Uint64(b)}, nil
}
