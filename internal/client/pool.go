// Package client implements the producer role: it renders frames into a
// shared-memory surface, hands them to the server and recycles buffers as
// completion notices come back.
package client

import (
	"errors"
	"fmt"

	"github.com/1broseidon/scanout/internal/surface"
)

var (
	// ErrSlotBusy is returned when a slot is reused before its completion
	// notice arrived.
	ErrSlotBusy = errors.New("buffer slot still in flight")
	// ErrUnknownIndex is returned for a notice naming no in-flight frame.
	ErrUnknownIndex = errors.New("completion for unknown frame index")
)

// SlotState is the state of one pool slot.
type SlotState int

const (
	SlotFree SlotState = iota
	SlotInFlight
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotInFlight:
		return "in-flight"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

type slot struct {
	state SlotState
	index uint64
	bo    surface.BufferObject
}

// Pool tracks which frames the server still holds. Frame i lives in slot
// i mod N.
type Pool struct {
	slots    []slot
	inFlight int
}

// NewPool creates a pool of n slots.
func NewPool(n int) (*Pool, error) {
	if n < 1 || n > surface.MaxBuffers {
		return nil, fmt.Errorf("pool size %d out of range 1..%d", n, surface.MaxBuffers)
	}
	return &Pool{slots: make([]slot, n)}, nil
}

// Occupy marks frame index in flight with its locked buffer object.
func (p *Pool) Occupy(index uint64, bo surface.BufferObject) error {
	s := &p.slots[index%uint64(len(p.slots))]
	if s.state != SlotFree {
		return fmt.Errorf("%w: slot %d holds frame %d, wanted for frame %d",
			ErrSlotBusy, index%uint64(len(p.slots)), s.index, index)
	}
	*s = slot{state: SlotInFlight, index: index, bo: bo}
	p.inFlight++
	return nil
}

// Complete frees the slot of frame index and returns its buffer object.
func (p *Pool) Complete(index uint64) (surface.BufferObject, error) {
	s := &p.slots[index%uint64(len(p.slots))]
	if s.state != SlotInFlight || s.index != index {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	bo := s.bo
	*s = slot{}
	p.inFlight--
	return bo, nil
}

// State returns the state of the slot frame index maps to.
func (p *Pool) State(index uint64) SlotState {
	return p.slots[index%uint64(len(p.slots))].state
}

// InFlight returns the number of occupied slots.
func (p *Pool) InFlight() int { return p.inFlight }

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }
