// Package liveness implements the per-session heartbeat state machine
// shared by the edge server's sweep and the agent's watchdog.
package liveness

import "time"

// State is a point in the per-session liveness lifecycle.
type State int

const (
	// Connecting: transport open, register not yet confirmed.
	Connecting State = iota
	// Registered: register_confirm exchanged, no heartbeat yet.
	Registered
	// Healthy: at least one heartbeat/message has been seen recently.
	Healthy
	// Probing: activity has gone quiet past heartbeat_timeout; a ping
	// has been (or is about to be) sent and a grace window is running.
	Probing
	// Dead: transport error, decode failure on the framing layer, or
	// grace-window expiry with no response.
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	case Healthy:
		return "healthy"
	case Probing:
		return "probing"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Defaults mirror spec.md §4.3.
const (
	DefaultHeartbeatTimeout  = 180 * time.Second
	ExtendedHeartbeatTimeout = 600 * time.Second
	DefaultGraceWindow       = 2 * time.Second
	DefaultSweepInterval     = 60 * time.Second
	AgentHeartbeatInterval   = 20 * time.Second
	AgentWatchdogTimeout     = 60 * time.Second
)

// Machine tracks one session's liveness state and the timestamps driving
// its transitions. It is not safe for concurrent use without external
// locking; callers that share a Machine across goroutines (the sweep and
// the session's reader) must serialize access the way
// internal/tunserver's session does, by taking the session's own mutex
// around every call into the Machine.
type Machine struct {
	state        State
	lastActivity time.Time
	probeSentAt  time.Time
}

// NewMachine creates a Machine in the Connecting state.
func NewMachine(now time.Time) *Machine {
	return &Machine{state: Connecting, lastActivity: now}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// LastActivity returns the last time any message was observed.
func (m *Machine) LastActivity() time.Time { return m.lastActivity }

// OnRegisterConfirmed transitions Connecting -> Registered.
func (m *Machine) OnRegisterConfirmed(now time.Time) {
	if m.state == Connecting {
		m.state = Registered
	}
	m.lastActivity = now
}

// OnMessage records activity from any inbound message. If the session
// was Probing, any inbound message before the grace window elapses
// brings it back to Healthy. Registered sessions become Healthy on
// their first heartbeat-class exchange (callers pass isHeartbeatClass
// for heartbeat/heartbeat_response/ping/pong; for other message kinds
// pass false and the state only leaves Registered once such an exchange
// has happened).
func (m *Machine) OnMessage(now time.Time, isHeartbeatClass bool) {
	m.lastActivity = now
	switch m.state {
	case Registered:
		if isHeartbeatClass {
			m.state = Healthy
		}
	case Probing:
		m.state = Healthy
	}
}

// CheckTimeout evaluates whether the session should move to Probing
// (activity has gone quiet past timeout) or Dead (already Probing and
// the grace window has elapsed since the probe was sent). Returns the
// resulting state.
func (m *Machine) CheckTimeout(now time.Time, timeout, grace time.Duration) State {
	switch m.state {
	case Healthy:
		if now.Sub(m.lastActivity) > timeout {
			m.state = Probing
			m.probeSentAt = now
		}
	case Probing:
		if now.Sub(m.probeSentAt) > grace {
			m.state = Dead
		}
	}
	return m.state
}

// MarkDead forces the Dead state, used on transport or decode errors
// that are fatal regardless of timers.
func (m *Machine) MarkDead() {
	m.state = Dead
}
