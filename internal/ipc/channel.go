// Package ipc implements the duplex channel between the client and server
// roles: fixed-size messages that carry auxiliary handles atomically.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/1broseidon/scanout/internal/fence"
	"golang.org/x/sys/unix"
)

// ErrTransport marks every send/receive failure. It is fatal to the session.
var ErrTransport = errors.New("transport error")

// Channel is one end of a connected SOCK_SEQPACKET pair. Each datagram holds
// exactly one message and its SCM_RIGHTS handles, so the receiver always
// observes both together.
type Channel struct {
	fd int
}

// Pair creates a connected channel pair. One end is usually handed to a
// child process.
func Pair() (*Channel, *Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: socketpair: %w", ErrTransport, err)
	}
	return &Channel{fd: fds[0]}, &Channel{fd: fds[1]}, nil
}

// NewChannel wraps an inherited, already connected socket.
func NewChannel(fd int) (*Channel, error) {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("%w: fd %d is not a socket: %w", ErrTransport, fd, err)
	}
	if typ != unix.SOCK_SEQPACKET {
		return nil, fmt.Errorf("%w: fd %d has socket type %d, want SOCK_SEQPACKET", ErrTransport, fd, typ)
	}
	unix.CloseOnExec(fd)
	return &Channel{fd: fd}, nil
}

// Fd returns the socket for readiness polling.
func (c *Channel) Fd() int { return c.fd }

// Detach hands the socket to an *os.File (for exec.Cmd.ExtraFiles) and
// leaves the Channel closed.
func (c *Channel) Detach(name string) *os.File {
	fd := c.fd
	c.fd = -1
	return os.NewFile(uintptr(fd), name)
}

// Close closes the socket.
func (c *Channel) Close() error {
	if c == nil || c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// Send transmits msg together with up to MaxHandles handles. Handles are
// borrowed; the caller closes them after a successful send.
func (c *Channel) Send(msg []byte, handles ...int) (int, error) {
	if len(handles) > MaxHandles {
		return 0, fmt.Errorf("%w: %d handles exceeds limit %d", ErrTransport, len(handles), MaxHandles)
	}
	var oob []byte
	if len(handles) > 0 {
		oob = unix.UnixRights(handles...)
	}
	for {
		n, err := unix.SendmsgN(c.fd, msg, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: send: %w", ErrTransport, err)
		}
		if n != len(msg) {
			return n, fmt.Errorf("%w: short send %d/%d", ErrTransport, n, len(msg))
		}
		return n, nil
	}
}

// Receive reads one message into buf and returns up to maxHandles handles,
// which the caller owns. io.EOF (wrapped) means the peer closed the channel.
func (c *Channel) Receive(buf []byte, maxHandles int) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(MaxHandles*4))
	if maxHandles < MaxHandles {
		oob = oob[:unix.CmsgSpace(maxHandles*4)]
	}

	var (
		n, oobn, flags int
		err            error
	)
	for {
		n, oobn, flags, _, err = unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, nil, fmt.Errorf("%w: receive: %w", ErrTransport, err)
	}

	handles, perr := parseRights(oob[:oobn])
	if perr != nil {
		closeAll(handles)
		return 0, nil, fmt.Errorf("%w: %w", ErrTransport, perr)
	}
	if flags&unix.MSG_CTRUNC != 0 || len(handles) > maxHandles {
		closeAll(handles)
		return 0, nil, fmt.Errorf("%w: handles truncated (limit %d)", ErrTransport, maxHandles)
	}
	if flags&unix.MSG_TRUNC != 0 {
		closeAll(handles)
		return 0, nil, fmt.Errorf("%w: message larger than %d bytes", ErrTransport, len(buf))
	}
	if n == 0 && len(handles) == 0 {
		return 0, nil, fmt.Errorf("%w: %w", ErrTransport, io.EOF)
	}
	return n, handles, nil
}

// SendFrame sends a descriptor with its buffer handle and optional wait
// fence. Both local copies are closed once the message is out, and on
// failure as well.
func (c *Channel) SendFrame(d FrameDescriptor, buffer int, wait *fence.Fence) error {
	defer unix.Close(buffer)
	defer wait.Close()

	handles := []int{buffer}
	if wait.Valid() {
		handles = append(handles, wait.FD())
	}
	_, err := c.Send(d.Marshal(), handles...)
	return err
}

// ReceiveFrame reads one descriptor. The caller owns the returned buffer
// handle and wait fence.
func (c *Channel) ReceiveFrame() (FrameDescriptor, int, *fence.Fence, error) {
	buf := make([]byte, FrameDescriptorSize+1)
	n, handles, err := c.Receive(buf, MaxHandles)
	if err != nil {
		return FrameDescriptor{}, -1, nil, err
	}
	d, err := ParseFrameDescriptor(buf[:n])
	if err != nil {
		closeAll(handles)
		return FrameDescriptor{}, -1, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if len(handles) == 0 {
		return FrameDescriptor{}, -1, nil, fmt.Errorf("%w: frame %d arrived without a buffer handle", ErrTransport, d.Index)
	}
	var wait *fence.Fence
	if len(handles) > 1 {
		wait = fence.FromFD(handles[1])
	}
	return d, handles[0], wait, nil
}

// SendNotice sends a completion notice with an optional release fence,
// closing the local fence copy afterwards.
func (c *Channel) SendNotice(n CompletionNotice, release *fence.Fence) error {
	defer release.Close()

	var handles []int
	if release.Valid() {
		handles = append(handles, release.FD())
	}
	_, err := c.Send(n.Marshal(), handles...)
	return err
}

// ReceiveNotice reads one completion notice. The caller owns the fence.
func (c *Channel) ReceiveNotice() (CompletionNotice, *fence.Fence, error) {
	buf := make([]byte, CompletionNoticeSize+1)
	n, handles, err := c.Receive(buf, 1)
	if err != nil {
		return CompletionNotice{}, nil, err
	}
	notice, err := ParseCompletionNotice(buf[:n])
	if err != nil {
		closeAll(handles)
		return CompletionNotice{}, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	var release *fence.Fence
	if len(handles) == 1 {
		release = fence.FromFD(handles[0])
	}
	return notice, release, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
