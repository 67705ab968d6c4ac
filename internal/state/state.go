// Package state implements the lifecycle of a worker. Transitions are
// guarded by a condition variable, so peers can wait for a worker to
// reach a state.
package state

import (
	"context"
	"sync"

	"github.com/dudk/pulsefold/fault"
)

// State of a worker. States are ordered: a worker never moves back.
type State int

const (
	// Idle worker is not prepared yet.
	Idle State = iota
	// Prepared worker has configured its stages.
	Prepared
	// Running worker processes windows.
	Running
	// Finished worker has released its resources.
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "state.Idle"
	case Prepared:
		return "state.Prepared"
	case Running:
		return "state.Running"
	case Finished:
		return "state.Finished"
	default:
		return "state.Unknown"
	}
}

// Machine holds the state of one worker.
type Machine struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
}

// New returns an Idle machine.
func New() *Machine {
	m := &Machine{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Get returns the current state.
func (m *Machine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Signal moves the machine to s and wakes every waiter. Allowed
// transitions are Idle to Prepared, Prepared to Running, and Prepared or
// Running to Finished. Signalling the current state is a no-op.
func (m *Machine) Signal(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.state {
		return nil
	}
	if !allowed(m.state, s) {
		return fault.InvalidState("state.Signal", "%v to %v", m.state, s)
	}
	m.state = s
	m.cond.Broadcast()
	return nil
}

func allowed(from, to State) bool {
	switch from {
	case Idle:
		return to == Prepared
	case Prepared:
		return to == Running || to == Finished
	case Running:
		return to == Finished
	}
	return false
}

// Wait blocks until the machine has reached s or any later state.
func (m *Machine) Wait(ctx context.Context, s State) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cond.Broadcast()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state < s {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}
	return nil
}
