package sse

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StatePending State = iota
	StateOpening
	StateOpened
	StateRetrying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateRetrying:
		return "retrying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists every legal move. Anything may move to closed.
var transitions = map[State][]State{
	StatePending:  {StateOpening},
	StateOpening:  {StateOpening, StateOpened},
	StateOpened:   {StateRetrying, StateClosing},
	StateRetrying: {StateOpening},
	StateClosing:  {},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateBox lets State() be read from any goroutine while only Run writes.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) move(to State) (State, error) {
	from := b.load()
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	b.v.Store(int32(to))
	return from, nil
}
