package engine

import (
	"fmt"
	"time"
)

// State is the engine's position in the connection cycle.
type State int

const (
	// StateResolving means the engine is locating the agent listener.
	StateResolving State = iota

	// StateConnecting means the TCP connection is being opened.
	StateConnecting

	// StateNegotiating means protocols are being tried over the connection.
	StateNegotiating

	// StateConnected means a channel is established.
	StateConnected

	// StateDisconnected means the channel closed and the engine is deciding
	// whether to reconnect.
	StateDisconnected

	// StateExited means the engine has stopped (terminal state).
	StateExited
)

// String is the lower-case state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the engine has stopped for good.
func (s State) IsTerminal() bool {
	return s == StateExited
}

// IsActive reports whether a channel is usable.
func (s State) IsActive() bool {
	return s == StateConnected
}

// CanTransitionTo reports whether the cycle may move from s to target.
// Every non-terminal state may exit.
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}
	if target == StateExited {
		return true
	}

	switch s {
	case StateResolving:
		return target == StateConnecting

	case StateConnecting:
		// Connected socket, or an exhausted connect budget restarting the cycle
		return target == StateNegotiating || target == StateResolving

	case StateNegotiating:
		// Channel up, or every protocol refused
		return target == StateConnected || target == StateResolving

	case StateConnected:
		return target == StateDisconnected

	case StateDisconnected:
		return target == StateResolving

	default:
		return false
	}
}

// StateTransitionError reports a transition the cycle does not allow.
type StateTransitionError struct {
	From  State
	To    State
	Agent string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for agent %s: %s -> %s", e.Agent, e.From, e.To)
}

// Transition is one step of the connection cycle.
type Transition struct {
	// Agent is the name of the agent whose engine changed state.
	Agent string

	From State
	To   State

	Timestamp time.Time

	Reason string
	Error  error // set when a failure caused the step
}

// Observer is told about every transition, synchronously on the engine
// goroutine. Implementations must not block.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// MultiObserver fans transitions out to several observers in order.
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// Add appends o. It is not safe to call concurrently with OnTransition.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

// clone returns a copy unaffected by later calls to Add.
func (m *MultiObserver) clone() *MultiObserver {
	return &MultiObserver{observers: append([]Observer(nil), m.observers...)}
}

func (m *MultiObserver) OnTransition(t Transition) {
	for _, obs := range m.observers {
		obs.OnTransition(t)
	}
}
