// Package fence wraps kernel synchronization handles (sync_file fds, or
// eventfds standing in for them in the software pipeline).
//
// A Fence has exactly one owner. Ownership moves with Take or Release and the
// owner closes the handle exactly once with Close.
package fence

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWaitTimeout is returned when a fence did not signal in time.
	ErrWaitTimeout = errors.New("fence wait timed out")
	// ErrInvalid is returned for closed, empty or otherwise unusable fences.
	ErrInvalid = errors.New("invalid fence")
)

// Fence is a single-owner fence handle. The zero value and nil are empty.
type Fence struct {
	fd    int
	owned bool
}

// FromFD takes ownership of fd. A negative fd yields nil.
func FromFD(fd int) *Fence {
	if fd < 0 {
		return nil
	}
	return &Fence{fd: fd, owned: true}
}

// FD returns the underlying descriptor without transferring ownership, or -1.
func (f *Fence) FD() int {
	if f == nil || !f.owned {
		return -1
	}
	return f.fd
}

// Valid reports whether f still owns a handle.
func (f *Fence) Valid() bool {
	return f.FD() >= 0
}

// Take moves ownership into a new Fence and leaves f empty.
func (f *Fence) Take() *Fence {
	fd := f.Release()
	return FromFD(fd)
}

// Release hands the raw descriptor to the caller, who becomes its owner.
func (f *Fence) Release() int {
	fd := f.FD()
	if f != nil {
		f.fd, f.owned = -1, false
	}
	return fd
}

// Dup returns a second, independently owned handle to the same fence.
func (f *Fence) Dup() (*Fence, error) {
	fd := f.FD()
	if fd < 0 {
		return nil, ErrInvalid
	}
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup fence: %w", err)
	}
	return &Fence{fd: nfd, owned: true}, nil
}

// Signaled polls the fence without blocking.
func (f *Fence) Signaled() (bool, error) {
	err := f.Wait(0)
	if errors.Is(err, ErrWaitTimeout) {
		return false, nil
	}
	return err == nil, err
}

// Wait blocks until the fence signals or timeout elapses. A negative
// timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) error {
	fd := f.FD()
	if fd < 0 {
		return ErrInvalid
	}

	deadline := time.Now().Add(timeout)
	for {
		ms := -1
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll fence %d: %w", fd, err)
		}
		if n == 0 {
			return ErrWaitTimeout
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return ErrInvalid
		}
		if fds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0 {
			return nil
		}
	}
}

// Close releases the handle. Closing an empty fence is a no-op.
func (f *Fence) Close() error {
	fd := f.Release()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
