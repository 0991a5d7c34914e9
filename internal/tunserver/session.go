package tunserver

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/windless/rtun/internal/correlator"
	"github.com/windless/rtun/internal/liveness"
	"github.com/windless/rtun/internal/stats"
	"github.com/windless/rtun/internal/wire"
)

// session is one agent's live control connection. It implements
// routing.Session.
type session struct {
	id         string
	remoteAddr string
	framer     *wire.Framer
	registry   *correlator.Registry
	observer   stats.Observer

	mu       sync.Mutex
	subdom   string
	machine  *liveness.Machine
	pending  map[string]struct{}
	closed   bool
}

func newSession(id, subdomain, remoteAddr string, framer *wire.Framer, registry *correlator.Registry, observer stats.Observer) *session {
	return &session{
		id:         id,
		subdom:     subdomain,
		remoteAddr: remoteAddr,
		framer:     framer,
		registry:   registry,
		observer:   observer,
		machine:    liveness.NewMachine(time.Now()),
		pending:    make(map[string]struct{}),
	}
}

// ID implements routing.Session.
func (s *session) ID() string { return s.id }

// Close implements routing.Session. It tears down the transport, marks
// the liveness machine Dead, and fails every request still in flight on
// this session so their blocked HTTP handlers resolve to 502 instead of
// hanging until the correlator's own deadline.
func (s *session) Close() error {
	return s.closeWithCause(errSessionClosed)
}

// closeReplaced is Close, but fails in-flight requests with
// ErrSessionReplaced instead of the generic closed-session error, for the
// re-registration eviction path where the distinction matters for logging.
func (s *session) closeReplaced() error {
	return s.closeWithCause(ErrSessionReplaced)
}

func (s *session) closeWithCause(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.machine.MarkDead()
	inFlight := make([]string, 0, len(s.pending))
	for id := range s.pending {
		inFlight = append(inFlight, id)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range inFlight {
		_ = s.registry.Fail(id, cause)
	}
	return s.framer.Close()
}

func (s *session) send(v any) error {
	if err := s.framer.WriteMessage(v); err != nil {
		log.Debug("session write failed, closing", "tunnel_id", s.id, "error", err)
		s.Close()
		return err
	}
	return nil
}

func (s *session) trackRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = struct{}{}
}

func (s *session) forgetRequest(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *session) confirmRegistered(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.OnRegisterConfirmed(now)
}

func (s *session) touch(now time.Time, isHeartbeatClass bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.OnMessage(now, isHeartbeatClass)
}

// sweep evaluates the liveness state machine against now and returns
// true if the session should be torn down. It sends a ping itself on
// the Healthy->Probing transition, per spec.md §4.3.
func (s *session) sweep(now time.Time) bool {
	s.mu.Lock()
	wasProbing := s.machine.State() == liveness.Probing
	timeout := liveness.DefaultHeartbeatTimeout
	if len(s.pending) > 0 {
		timeout = liveness.ExtendedHeartbeatTimeout
	}
	state := s.machine.CheckTimeout(now, timeout, liveness.DefaultGraceWindow)
	s.mu.Unlock()

	switch state {
	case liveness.Probing:
		if !wasProbing {
			_ = s.send(wire.NewPingMessage(now.Unix()))
		}
		return false
	case liveness.Dead:
		return true
	default:
		return false
	}
}

func (s *session) subdomain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subdom
}
