package liveness

import (
	"testing"
	"time"
)

func TestConnectingToRegisteredToHealthy(t *testing.T) {
	base := time.Now()
	m := NewMachine(base)
	if m.State() != Connecting {
		t.Fatalf("expected Connecting, got %s", m.State())
	}

	m.OnRegisterConfirmed(base)
	if m.State() != Registered {
		t.Fatalf("expected Registered, got %s", m.State())
	}

	m.OnMessage(base, true)
	if m.State() != Healthy {
		t.Fatalf("expected Healthy after heartbeat-class message, got %s", m.State())
	}
}

func TestRegisteredStaysUntilHeartbeatClassMessage(t *testing.T) {
	base := time.Now()
	m := NewMachine(base)
	m.OnRegisterConfirmed(base)

	m.OnMessage(base, false)
	if m.State() != Registered {
		t.Fatalf("expected Registered to persist on non-heartbeat message, got %s", m.State())
	}
}

func TestHealthyToProbingOnTimeout(t *testing.T) {
	base := time.Now()
	m := NewMachine(base)
	m.OnRegisterConfirmed(base)
	m.OnMessage(base, true)

	later := base.Add(200 * time.Second)
	state := m.CheckTimeout(later, DefaultHeartbeatTimeout, DefaultGraceWindow)
	if state != Probing {
		t.Fatalf("expected Probing, got %s", state)
	}
}

func TestProbingRecoversOnInboundMessage(t *testing.T) {
	base := time.Now()
	m := NewMachine(base)
	m.OnRegisterConfirmed(base)
	m.OnMessage(base, true)

	probeTime := base.Add(200 * time.Second)
	m.CheckTimeout(probeTime, DefaultHeartbeatTimeout, DefaultGraceWindow)
	if m.State() != Probing {
		t.Fatalf("expected Probing before recovery, got %s", m.State())
	}

	recoverTime := probeTime.Add(500 * time.Millisecond)
	m.OnMessage(recoverTime, false)
	if m.State() != Healthy {
		t.Fatalf("expected Healthy after recovery message, got %s", m.State())
	}
}

func TestProbingExpiresToDeadAfterGrace(t *testing.T) {
	base := time.Now()
	m := NewMachine(base)
	m.OnRegisterConfirmed(base)
	m.OnMessage(base, true)

	probeTime := base.Add(200 * time.Second)
	m.CheckTimeout(probeTime, DefaultHeartbeatTimeout, DefaultGraceWindow)

	expireTime := probeTime.Add(3 * time.Second)
	state := m.CheckTimeout(expireTime, DefaultHeartbeatTimeout, DefaultGraceWindow)
	if state != Dead {
		t.Fatalf("expected Dead after grace window expiry, got %s", state)
	}
}

func TestMarkDeadIsUnconditional(t *testing.T) {
	m := NewMachine(time.Now())
	m.MarkDead()
	if m.State() != Dead {
		t.Fatalf("expected Dead, got %s", m.State())
	}
}
