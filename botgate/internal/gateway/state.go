package gateway

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a gateway session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Ready
	Resuming
	Degraded
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Handshaking:  "handshaking",
	Ready:        "ready",
	Resuming:     "resuming",
	Degraded:     "degraded",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Trigger is a connection lifecycle event that may move the state machine.
type Trigger int

const (
	TriggerStart Trigger = iota + 1
	TriggerConnected
	TriggerHandshakeAck
	TriggerHeartbeatMissed
	TriggerConnectionLost
	TriggerResume
	TriggerResumeAck
	TriggerRejected
	TriggerFailed
	TriggerStop
)

var triggerNames = map[Trigger]string{
	TriggerStart:           "start",
	TriggerConnected:       "connected",
	TriggerHandshakeAck:    "handshake_ack",
	TriggerHeartbeatMissed: "heartbeat_missed",
	TriggerConnectionLost:  "connection_lost",
	TriggerResume:          "resume",
	TriggerResumeAck:       "resume_ack",
	TriggerRejected:        "rejected",
	TriggerFailed:          "failed",
	TriggerStop:            "stop",
}

func (t Trigger) String() string {
	if name, ok := triggerNames[t]; ok {
		return name
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// ErrInvalidTransition is returned for a trigger the current state does not accept.
var ErrInvalidTransition = errors.New("invalid session state transition")

var transitions = map[State]map[Trigger]State{
	Disconnected: {
		TriggerStart: Connecting,
	},
	Connecting: {
		TriggerConnected: Handshaking,
		TriggerFailed:    Disconnected,
	},
	Handshaking: {
		TriggerHandshakeAck: Ready,
		TriggerFailed:       Disconnected,
	},
	Ready: {
		TriggerHeartbeatMissed: Degraded,
		TriggerConnectionLost:  Degraded,
		TriggerRejected:        Disconnected,
	},
	Degraded: {
		TriggerResume: Resuming,
		TriggerFailed: Disconnected,
	},
	Resuming: {
		TriggerResumeAck:      Ready,
		TriggerConnectionLost: Degraded,
		TriggerRejected:       Disconnected,
	},
}

// Next returns the state reached from s on t. Stop is accepted everywhere.
// Any other pair not in the table yields ErrInvalidTransition and s.
func Next(s State, t Trigger) (State, error) {
	if t == TriggerStop {
		return Disconnected, nil
	}
	if to, ok := transitions[s][t]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}

// Machine holds the current state and reports transitions to an observer.
// It is not safe for concurrent use; the session loop owns it.
type Machine struct {
	state    State
	observer func(from, to State, t Trigger)
}

func NewMachine(observer func(from, to State, t Trigger)) *Machine {
	return &Machine{state: Disconnected, observer: observer}
}

func (m *Machine) State() State {
	return m.state
}

// Fire applies t. The observer is not called for self-transitions.
func (m *Machine) Fire(t Trigger) error {
	to, err := Next(m.state, t)
	if err != nil {
		return err
	}
	from := m.state
	m.state = to
	if from != to && m.observer != nil {
		m.observer(from, to, t)
	}
	return nil
}
