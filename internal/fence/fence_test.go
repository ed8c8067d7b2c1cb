package fence

import (
	"errors"
	"testing"
	"time"
)

func TestWait_TimesOutUntilSignaled(t *testing.T) {
	f, sig, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer f.Close()

	if err := f.Wait(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected timeout before signal, got %v", err)
	}
	if ok, err := f.Signaled(); err != nil || ok {
		t.Fatalf("expected unsignaled, got ok=%v err=%v", ok, err)
	}

	if err := sig.Signal(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := f.Wait(time.Second); err != nil {
		t.Fatalf("wait after signal: %v", err)
	}
	// Stays signaled.
	if ok, err := f.Signaled(); err != nil || !ok {
		t.Fatalf("expected signaled, got ok=%v err=%v", ok, err)
	}
}

func TestWait_SignalFromOtherGoroutine(t *testing.T) {
	f, sig, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer f.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = sig.Signal()
	}()
	if err := f.Wait(2 * time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestNewSignaled(t *testing.T) {
	f, err := NewSignaled()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer f.Close()
	if err := f.Wait(0); err != nil {
		t.Fatalf("expected signaled fence, got %v", err)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	f, err := NewSignaled()
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	moved := f.Take()
	if f.Valid() {
		t.Fatalf("source should be empty after Take")
	}
	if !moved.Valid() {
		t.Fatalf("destination should own the handle")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing an empty fence should be a no-op, got %v", err)
	}
	if err := f.Wait(0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid on empty fence, got %v", err)
	}

	dup, err := moved.Dup()
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	if dup.FD() == moved.FD() {
		t.Fatalf("dup must be a distinct descriptor")
	}
	if err := moved.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := moved.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if err := dup.Wait(0); err != nil {
		t.Fatalf("dup should remain usable after original close: %v", err)
	}
	dup.Close()
}

func TestNilFence(t *testing.T) {
	var f *Fence
	if f.Valid() {
		t.Fatalf("nil fence must not be valid")
	}
	if f.FD() != -1 {
		t.Fatalf("nil fence FD = %d, want -1", f.FD())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if FromFD(-1) != nil {
		t.Fatalf("FromFD(-1) should be nil")
	}
}

func TestIsSyncFile_SoftwareFences(t *testing.T) {
	if ioctlSyncFileInfo != 0xc0383e04 {
		t.Fatalf("SYNC_IOC_FILE_INFO = %#x, want 0xc0383e04", ioctlSyncFileInfo)
	}

	signaled, err := NewSignaled()
	if err != nil {
		t.Fatalf("new signaled: %v", err)
	}
	defer signaled.Close()
	pending, sig, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer pending.Close()
	defer sig.Close()

	var empty *Fence
	for name, f := range map[string]*Fence{"signaled": signaled, "pending": pending, "nil": empty} {
		if f.IsSyncFile() {
			t.Errorf("%s software fence classified as a sync_file", name)
		}
	}
}
