package fence

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Signal is the producer side of a software fence. Software fences are
// eventfds: they become readable once signaled and stay readable, which is
// the same poll contract a sync_file offers.
type Signal struct {
	fd int
}

// New creates an unsignaled software fence and the Signal that completes it.
// The caller owns both and must Close the Signal if it never fires.
func New() (*Fence, *Signal, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, nil, fmt.Errorf("create fence: %w", err)
	}
	f := FromFD(efd)
	dup, err := f.Dup()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, &Signal{fd: dup.Release()}, nil
}

// NewSignaled returns a fence that is already signaled.
func NewSignaled() (*Fence, error) {
	efd, err := unix.Eventfd(1, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	return FromFD(efd), nil
}

// Signal completes the fence and releases the producer handle.
func (s *Signal) Signal() error {
	if s == nil || s.fd < 0 {
		return ErrInvalid
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, werr := unix.Write(s.fd, buf[:])
	cerr := s.Close()
	if werr != nil {
		return fmt.Errorf("signal fence: %w", werr)
	}
	return cerr
}

// Close drops the producer handle without signaling.
func (s *Signal) Close() error {
	if s == nil || s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}
