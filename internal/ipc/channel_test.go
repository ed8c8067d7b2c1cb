package ipc

import (
	"errors"
	"io"
	"testing"

	"github.com/1broseidon/scanout/internal/fence"
	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b, err := Pair()
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func memfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.MemfdCreate("ipc-test", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd: %v", err)
	}
	return fd
}

func TestFrameDescriptor_WireLayout(t *testing.T) {
	d := FrameDescriptor{X: 1, Y: 2, Width: 3, Height: 4, Stride: 5, Format: 6, Index: 1 << 40}
	b := d.Marshal()
	if len(b) != FrameDescriptorSize {
		t.Fatalf("len = %d, want %d", len(b), FrameDescriptorSize)
	}
	if b[0] != 1 || b[4] != 2 || b[20] != 6 || b[29] != 1 {
		t.Fatalf("unexpected layout: % x", b)
	}
	got, err := ParseFrameDescriptor(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != d {
		t.Fatalf("got %+v, want %+v", got, d)
	}
	if _, err := ParseFrameDescriptor(b[:31]); err == nil {
		t.Fatalf("expected short descriptor to fail")
	}
	if _, err := ParseCompletionNotice([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected short notice to fail")
	}
}

func TestSendFrame_DeliversMessageAndHandles(t *testing.T) {
	client, server := newPair(t)

	buffer := memfd(t)
	wait, sig, err := fence.New()
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer sig.Close()

	desc := FrameDescriptor{X: 128, Y: 128, Width: 256, Height: 256, Stride: 1024, Format: 0x34325241, Index: 7}
	if err := client.SendFrame(desc, buffer, wait); err != nil {
		t.Fatalf("send: %v", err)
	}
	if wait.Valid() {
		t.Fatalf("sender must give up the wait fence after sending")
	}
	if _, err := unix.FcntlInt(uintptr(buffer), unix.F_GETFD, 0); err == nil {
		t.Fatalf("sender must close its buffer handle after sending")
	}

	got, bufFD, gotWait, err := server.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	defer unix.Close(bufFD)
	defer gotWait.Close()

	if got != desc {
		t.Fatalf("descriptor = %+v, want %+v", got, desc)
	}
	if bufFD < 0 || !gotWait.Valid() {
		t.Fatalf("expected buffer and wait fence, got %d / %v", bufFD, gotWait.Valid())
	}

	if err := sig.Signal(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := gotWait.Wait(0); err != nil {
		t.Fatalf("received fence does not observe the sender's signal: %v", err)
	}
}

func TestSendFrame_WithoutWaitFence(t *testing.T) {
	client, server := newPair(t)
	if err := client.SendFrame(FrameDescriptor{Index: 1}, memfd(t), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, bufFD, wait, err := server.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	defer unix.Close(bufFD)
	if wait != nil {
		t.Fatalf("expected no wait fence")
	}
}

func TestReceiveFrame_RequiresBufferHandle(t *testing.T) {
	client, server := newPair(t)
	if _, err := client.Send(FrameDescriptor{Index: 3}.Marshal()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, _, _, err := server.ReceiveFrame(); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestNotice_RoundTrip(t *testing.T) {
	client, server := newPair(t)

	release, err := fence.NewSignaled()
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	if err := server.SendNotice(CompletionNotice{Index: 42}, release); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := server.SendNotice(CompletionNotice{Index: 43}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	n, f, err := client.ReceiveNotice()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if n.Index != 42 || !f.Valid() {
		t.Fatalf("got index %d fence %v", n.Index, f.Valid())
	}
	f.Close()

	n, f, err = client.ReceiveNotice()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if n.Index != 43 || f != nil {
		t.Fatalf("got index %d fence %v, want 43 without fence", n.Index, f)
	}
}

func TestReceive_TooManyHandlesIsTransportError(t *testing.T) {
	client, server := newPair(t)
	a, b := memfd(t), memfd(t)
	defer unix.Close(a)
	defer unix.Close(b)

	if _, err := server.Send(CompletionNotice{Index: 1}.Marshal(), a, b); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, _, err := client.ReceiveNotice(); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestReceive_PeerClosed(t *testing.T) {
	client, server := newPair(t)
	client.Close()
	_, _, _, err := server.ReceiveFrame()
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected transport EOF, got %v", err)
	}
}

func TestSend_RejectsExtraHandles(t *testing.T) {
	client, _ := newPair(t)
	if _, err := client.Send([]byte{0}, 1, 2, 3); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
