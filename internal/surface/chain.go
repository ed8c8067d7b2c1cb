package surface

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Allocator creates and destroys the buffer objects of a Chain.
type Allocator interface {
	Allocate(width, height uint32) (BufferObject, error)
	Free(bo BufferObject) error
}

type bufferState int

const (
	stateFree bufferState = iota
	stateBack
	stateFront
	stateLocked
)

type entry struct {
	bo    BufferObject
	id    Identity
	state bufferState
}

var chainSerial atomic.Uint64

// Chain is a bounded set of buffer objects cycling through
// free -> back -> front -> locked -> free. Buffers are allocated on first
// use and kept until Close.
type Chain struct {
	mu      sync.Mutex
	alloc   Allocator
	width   uint32
	height  uint32
	serial  uint64
	max     int
	entries []*entry
	back    *entry
	front   *entry
}

var _ Renderable = (*Chain)(nil)

// NewChain creates a chain that holds at most maxBuffers buffers.
func NewChain(width, height uint32, maxBuffers int, alloc Allocator) (*Chain, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	if maxBuffers < 1 || maxBuffers > MaxBuffers {
		return nil, fmt.Errorf("max buffers %d out of range 1..%d", maxBuffers, MaxBuffers)
	}
	return &Chain{
		alloc:  alloc,
		width:  width,
		height: height,
		serial: chainSerial.Add(1),
		max:    maxBuffers,
	}, nil
}

func (c *Chain) Width() uint32   { return c.width }
func (c *Chain) Height() uint32  { return c.height }
func (c *Chain) MaxBuffers() int { return c.max }

// HasFreeBuffer reports whether a buffer can be drawn into without waiting.
func (c *Chain) HasFreeBuffer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back != nil || len(c.entries) < c.max {
		return true
	}
	for _, e := range c.entries {
		if e.state == stateFree {
			return true
		}
	}
	return false
}

// BackBuffer returns the current back buffer, picking a free one if needed.
func (c *Chain) BackBuffer() (BufferObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back != nil {
		return c.back.bo, nil
	}
	for _, e := range c.entries {
		if e.state == stateFree {
			e.state = stateBack
			c.back = e
			return e.bo, nil
		}
	}
	if len(c.entries) >= c.max {
		return nil, ErrNoFreeBuffer
	}
	bo, err := c.alloc.Allocate(c.width, c.height)
	if err != nil {
		return nil, err
	}
	e := &entry{
		bo:    bo,
		id:    Identity(c.serial<<8 | uint64(len(c.entries)+1)),
		state: stateBack,
	}
	c.entries = append(c.entries, e)
	c.back = e
	return bo, nil
}

// SwapBuffers promotes the back buffer to front.
func (c *Chain) SwapBuffers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.back == nil {
		return errors.New("swap without a back buffer")
	}
	if c.front != nil {
		return errors.New("swap while previous front buffer is unlocked")
	}
	c.back.state = stateFront
	c.front, c.back = c.back, nil
	return nil
}

// LockFrontBuffer takes the front buffer out of circulation until released.
func (c *Chain) LockFrontBuffer() (BufferObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.front == nil {
		return nil, ErrNoFrontBuffer
	}
	e := c.front
	e.state = stateLocked
	c.front = nil
	return e.bo, nil
}

// ReleaseBuffer returns a locked buffer to the free pool.
func (c *Chain) ReleaseBuffer(bo BufferObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookup(bo); e != nil && e.state == stateLocked {
		e.state = stateFree
	}
}

// IdentityOf returns the stable identity of bo, or 0 for a foreign buffer.
func (c *Chain) IdentityOf(bo BufferObject) Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookup(bo); e != nil {
		return e.id
	}
	return 0
}

// Locked returns the number of buffers currently locked.
func (c *Chain) Locked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.state == stateLocked {
			n++
		}
	}
	return n
}

// Close frees every buffer.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, e := range c.entries {
		if err := c.alloc.Free(e.bo); err != nil {
			errs = append(errs, err)
		}
	}
	c.entries, c.back, c.front = nil, nil, nil
	return errors.Join(errs...)
}

func (c *Chain) lookup(bo BufferObject) *entry {
	for _, e := range c.entries {
		if e.bo == bo {
			return e
		}
	}
	return nil
}
