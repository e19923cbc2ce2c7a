package actor

import "go.uber.org/atomic"

// State is an actor's lifecycle phase.
type State int32

const (
	// StateCreated means the runner exists but Start has not been called.
	StateCreated State = iota

	// StateStarting means the pre-start hook is running.
	StateStarting

	// StateRunning means the loop is delivering envelopes.
	StateRunning

	// StateStopping means the loop is shutting down.
	StateStopping

	// StateRestarting means a fresh instance is about to be started.
	StateRestarting

	// StateStopped means the loop has exited and the mailbox is gone.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// machine holds the current state. Transitions that race with each
// other (start vs stop, stop vs error exit) go through compare and
// swap; the loop's own sequential transitions use store.
type machine struct {
	v *atomic.Int32
}

func newMachine() *machine {
	return &machine{v: atomic.NewInt32(int32(StateCreated))}
}

func (m *machine) load() State {
	return State(m.v.Load())
}

func (m *machine) store(s State) {
	m.v.Store(int32(s))
}

func (m *machine) cas(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}
