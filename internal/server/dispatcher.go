package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/1broseidon/scanout/internal/display"
	"github.com/1broseidon/scanout/internal/ipc"
	"github.com/1broseidon/scanout/internal/present"
	"github.com/1broseidon/scanout/internal/surface"
	"golang.org/x/sys/unix"
)

// errPeerClosed ends the loop without an error.
var errPeerClosed = errors.New("peer closed the channel")

// DispatchStats counts dispatcher activity over a session.
type DispatchStats struct {
	Iterations    uint64
	Frames        uint64
	Completions   uint64
	Backpressured uint64
}

// dispatcher multiplexes the display engine's completion descriptor and the
// channel on one epoll set. A private eventfd wakes the wait on cancel.
type dispatcher struct {
	engine   display.Engine
	ch       *ipc.Channel
	composer *Composer
	queue    *present.Queue
	surface  surface.Surface
	logger   *slog.Logger

	epfd   int
	armed  bool
	// hungUp is set once the client is gone; queued frames still drain.
	hungUp bool
	stats  DispatchStats

	mu   sync.Mutex
	wake int
}

func newDispatcher(engine display.Engine, ch *ipc.Channel, composer *Composer, queue *present.Queue, surf surface.Surface, logger *slog.Logger) (*dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create: %w", err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("create wake descriptor: %w", err)
	}
	d := &dispatcher{
		engine:   engine,
		ch:       ch,
		composer: composer,
		queue:    queue,
		surface:  surf,
		logger:   logger,
		epfd:     epfd,
		wake:     wake,
	}
	for _, fd := range []int{engine.Fd(), wake} {
		if err := d.add(fd); err != nil {
			d.close()
			return nil, err
		}
	}
	if err := d.arm(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *dispatcher) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

func (d *dispatcher) arm() error {
	if err := d.add(d.ch.Fd()); err != nil {
		return err
	}
	d.armed = true
	return nil
}

func (d *dispatcher) disarm() error {
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, d.ch.Fd(), nil); err != nil {
		return fmt.Errorf("epoll del channel: %w", err)
	}
	d.armed = false
	return nil
}

// run blocks until ctx is done, the peer hangs up and every queued frame
// has been committed and completed, or an error occurs.
func (d *dispatcher) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, d.interrupt)
	defer stop()

	events := make([]unix.EpollEvent, 3)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		d.stats.Iterations++

		for _, ev := range events[:n] {
			err := d.handle(ev)
			if errors.Is(err, errPeerClosed) {
				d.logger.Info("client disconnected", "pending", d.queue.Pending())
				err = d.hangUp()
			}
			if err != nil {
				return err
			}
			if d.hungUp {
				if d.queue.Pending() == 0 {
					return nil
				}
				continue
			}
			if err := d.flowControl(); err != nil {
				return err
			}
		}
	}
}

// hangUp stops watching the channel. Completions keep being handled until
// the queue is empty.
func (d *dispatcher) hangUp() error {
	d.hungUp = true
	if !d.armed {
		return nil
	}
	return d.disarm()
}

func (d *dispatcher) handle(ev unix.EpollEvent) error {
	switch int(ev.Fd) {
	case d.wake:
		return nil
	case d.engine.Fd():
		return d.completion()
	case d.ch.Fd():
		// flowControl may have disarmed the channel earlier in this batch.
		if !d.armed {
			return nil
		}
		if ev.Events&unix.EPOLLIN != 0 {
			return d.frame()
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			return errPeerClosed
		}
	}
	return nil
}

// completion consumes exactly one display event.
func (d *dispatcher) completion() error {
	ev, err := d.engine.ReadEvent()
	if errors.Is(err, display.ErrNoEvent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read display event: %w", err)
	}
	out, err := d.queue.Complete(ev)
	if err != nil {
		return err
	}
	// The frame this commit carries already got its notice.
	out.Close()
	d.stats.Completions++
	return nil
}

// frame runs one composition pass and one enqueue, then answers the client.
func (d *dispatcher) frame() error {
	c, err := d.composer.Compose(d.ch)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errPeerClosed
		}
		return err
	}

	release, err := c.Done.Dup()
	if err != nil {
		c.Done.Close()
		return err
	}
	out, err := d.queue.Enqueue(c.Buffer, c.Done)
	if err != nil {
		release.Close()
		return err
	}
	if out.Valid() {
		release.Close()
		release = out
	}

	if err := d.ch.SendNotice(ipc.CompletionNotice{Index: c.Index}, release); err != nil {
		return err
	}
	d.stats.Frames++
	return nil
}

// flowControl stops reading frames while the screen surface has no free
// buffer and resumes once a completion frees one.
func (d *dispatcher) flowControl() error {
	free := d.surface.HasFreeBuffer()
	switch {
	case !free && d.armed:
		d.stats.Backpressured++
		d.logger.Debug("backpressure: channel paused", "pending", d.queue.Pending())
		return d.disarm()
	case free && !d.armed:
		d.logger.Debug("backpressure: channel resumed")
		return d.arm()
	}
	return nil
}

func (d *dispatcher) interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wake < 0 {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(d.wake, buf[:])
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wake >= 0 {
		unix.Close(d.wake)
		d.wake = -1
	}
	if d.epfd >= 0 {
		unix.Close(d.epfd)
		d.epfd = -1
	}
}
