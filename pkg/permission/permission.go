// Package permission decides whether the agent may read the device location.
package permission

import "context"

// State is the outcome of a permission check.
type State int

const (
	Denied State = iota
	Granted
)

func (s State) String() string {
	if s == Granted {
		return "granted"
	}
	return "denied"
}

// ResultHandler receives the answer to a Request, keyed by the caller's request code.
type ResultHandler func(requestCode int, granted bool)

// Gate checks and requests location permission.
type Gate interface {
	// Check reports the current state without prompting.
	Check() State
	// Request asks for permission. The result is always delivered asynchronously.
	Request(ctx context.Context, requestCode int, handler ResultHandler)
}

// StaticGate answers with a fixed state.
type StaticGate struct {
	state State
}

// NewStaticGate returns a gate that always reports state.
func NewStaticGate(state State) *StaticGate {
	return &StaticGate{state: state}
}

func (g *StaticGate) Check() State { return g.state }

func (g *StaticGate) Request(_ context.Context, requestCode int, handler ResultHandler) {
	go handler(requestCode, g.state == Granted)
}
