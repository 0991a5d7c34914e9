// Package agent implements the outbound-initiated half of the tunnel:
// the reconnect loop, heartbeat sender, and per-request executor
// running inside the private network.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/windless/rtun/internal/liveness"
	"github.com/windless/rtun/internal/wire"
)

// livenessGuard serializes access to a liveness.Machine shared between
// the heartbeat sender and the control-channel reader goroutines.
type livenessGuard struct {
	mu sync.Mutex
	m  *liveness.Machine
}

func newLivenessGuard(now time.Time) *livenessGuard {
	return &livenessGuard{m: liveness.NewMachine(now)}
}

func (g *livenessGuard) onRegisterConfirmed(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m.OnRegisterConfirmed(now)
}

func (g *livenessGuard) onMessage(now time.Time, isHeartbeatClass bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m.OnMessage(now, isHeartbeatClass)
}

func (g *livenessGuard) lastActivity() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.LastActivity()
}

// Config describes one tunnel the agent maintains.
type Config struct {
	ServerAddr         string
	LocalAddr          string
	TunnelID           string
	Subdomain          string
	Token              string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Agent owns the reconnect state machine for a single tunnel.
type Agent struct {
	cfg      Config
	executor *Executor
}

// New creates an Agent ready to Run.
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, executor: NewExecutor(cfg.LocalAddr)}
}

// Run drives the Idle -> Dialing -> Registered -> Running -> Failing ->
// Backoff -> Idle loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	backoff := NewBackoff()
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tunnelID := a.tunnelIDForAttempt(attempt)
		err := a.runOnce(ctx, tunnelID, backoff)
		attempt++

		if err == nil || err == ErrShutdown {
			return nil
		}
		if isPermanentError(err) {
			log.Error("permanent failure, not retrying", "error", err)
			return err
		}

		delay := backoff.NextDelay(time.Now())
		if isTransientError(err) {
			log.Debug("transient network error, reconnecting", "error", err, "delay", delay, "attempt", backoff.Attempt())
		} else {
			log.Warn("tunnel session ended, reconnecting", "error", err, "delay", delay, "attempt", backoff.Attempt())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// tunnelIDForAttempt returns the configured id on the first attempt and
// mints a fresh one on every subsequent attempt, per spec §4.5.
func (a *Agent) tunnelIDForAttempt(attempt int) string {
	if attempt == 0 && a.cfg.TunnelID != "" {
		return a.cfg.TunnelID
	}
	base := a.cfg.Subdomain
	if base == "" {
		base = a.cfg.TunnelID
	}
	if base == "" {
		base = "tunnel"
	}
	return fmt.Sprintf("%s_%d", base, time.Now().Unix())
}

// runOnce dials, registers, and runs the control session until the
// transport fails or ctx is cancelled. The heartbeat sender is started
// before the read loop begins — spec.md's corrected ordering, since
// several source variants started it only after the read loop, which
// meant heartbeats never fired until the loop exited.
func (a *Agent) runOnce(ctx context.Context, tunnelID string, backoff *Backoff) error {
	conn, err := a.dial()
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	framer := wire.NewFramer(conn)
	defer framer.Close()

	if err := framer.WriteMessage(wire.NewRegisterMessage(tunnelID, a.cfg.Subdomain, a.cfg.Token)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	line, err := framer.ReadLine()
	if err != nil {
		return fmt.Errorf("read register_confirm: %w", err)
	}
	msg, err := wire.Decode(line)
	if err != nil {
		return fmt.Errorf("decode register_confirm: %w", err)
	}
	switch m := msg.(type) {
	case *wire.RegisterConfirmMessage:
		log.Info("tunnel registered", "tunnel_id", m.TunnelID, "status", m.Status)
		backoff.MarkSuccess(time.Now())
	case *wire.ErrorMessage:
		return fmt.Errorf("%w: %s", ErrPermanentFailure, m.Error)
	default:
		return fmt.Errorf("unexpected first reply from server: %T", msg)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	guard := newLivenessGuard(time.Now())
	guard.onRegisterConfirmed(time.Now())

	go a.sendHeartbeats(sessionCtx, framer, guard)

	return a.readLoop(sessionCtx, framer, guard)
}

func (a *Agent) dial() (net.Conn, error) {
	if !a.cfg.UseTLS {
		return net.DialTimeout("tcp", a.cfg.ServerAddr, 30*time.Second)
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	return tls.DialWithDialer(dialer, "tcp", a.cfg.ServerAddr, &tls.Config{
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
	})
}

// readLoop dispatches inbound messages and spawns a fresh worker per
// request so a slow local backend never stalls heartbeat processing.
func (a *Agent) readLoop(ctx context.Context, framer *wire.Framer, guard *livenessGuard) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			framer.Close()
		case <-done:
		}
	}()

	for {
		line, err := framer.ReadLine()
		if err != nil {
			return fmt.Errorf("control channel read: %w", err)
		}

		msg, err := wire.Decode(line)
		if err != nil {
			log.Warn("dropping malformed control message", "error", err)
			continue
		}

		now := time.Now()
		switch m := msg.(type) {
		case *wire.RequestMessage:
			payload, err := wire.DecodeRequestPayload(m.Data)
			if err != nil {
				_ = framer.WriteMessage(wire.NewErrorMessage(m.RequestID, fmt.Sprintf("undecodable request: %v", err)))
				continue
			}
			go a.executor.Execute(m.RequestID, payload, framer.WriteMessage)
		case *wire.HeartbeatResponseMessage:
			guard.onMessage(now, true)
		case *wire.PingMessage:
			guard.onMessage(now, true)
			_ = framer.WriteMessage(wire.NewPongMessage(now.Unix(), m.Timestamp))
		case *wire.PongMessage:
			guard.onMessage(now, true)
		case *wire.ErrorMessage:
			guard.onMessage(now, false)
			log.Warn("connection-level error from server", "error", m.Error)
		default:
			guard.onMessage(now, false)
			log.Debug("unexpected message kind on control session", "kind", fmt.Sprintf("%T", msg))
		}
	}
}

// sendHeartbeats emits a heartbeat on a fixed interval and watches for
// the server going silent past the agent's own (shorter) watchdog
// timeout, closing the framer to unwind readLoop if so.
func (a *Agent) sendHeartbeats(ctx context.Context, framer *wire.Framer, guard *livenessGuard) {
	ticker := time.NewTicker(liveness.AgentHeartbeatInterval)
	defer ticker.Stop()

	var count int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			count++
			if err := framer.WriteMessage(wire.NewHeartbeatMessage(now.Unix(), count)); err != nil {
				return
			}
			if now.Sub(guard.lastActivity()) > liveness.AgentWatchdogTimeout {
				log.Warn("server heartbeat watchdog expired, forcing reconnect")
				framer.Close()
				return
			}
		}
	}
}
