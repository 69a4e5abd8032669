package node

import (
	"sync/atomic"
)

// State captures the state of a Dispersy node: Idle, Running or Shutdown
type State uint32

const (
	//Idle is the state of an initialised node that is not running yet.
	Idle State = iota
	//Running is the state of a node whose scheduler and transport are live.
	Running
	//Shutdown is the state of a node that stopped. It cannot run again.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// compareAndSwap moves from old to s and reports whether it did.
func (b *state) compareAndSwap(old, s State) bool {
	stateAddr := (*uint32)(&b.state)
	return atomic.CompareAndSwapUint32(stateAddr, uint32(old), uint32(s))
}
