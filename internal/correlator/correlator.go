// Package correlator bridges a synchronous public HTTP handler to the
// asynchronous control channel: it mints request-ids, tracks the
// handlers blocked on them, and completes them when a matching
// response/error arrives or the deadline expires.
package correlator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/windless/rtun/internal/wire"
)

// ErrUnknownRequest is returned when a response/error references a
// request-id the registry has no record of (already completed, timed
// out, or never issued on this session).
var ErrUnknownRequest = errors.New("correlator: unknown request id")

// Result is what a PendingRequest resolves to: either a decoded
// ResponsePayload, or an error (backend failure or deadline).
type Result struct {
	Response *wire.ResponsePayload
	Err      error
}

// ErrTimeout marks a Result produced by deadline expiry rather than a
// message from the agent.
var ErrTimeout = errors.New("correlator: request timed out")

// PendingRequest pairs a minted request-id with the blocked handler
// awaiting its result. It is completed at most once.
type PendingRequest struct {
	ID       string
	deadline time.Time
	done     chan Result
	once     sync.Once
}

// Wait blocks until the request completes, either through Complete/Fail
// or through deadline expiry (an ErrTimeout result). It never returns
// both a result and a timeout.
func (p *PendingRequest) Wait() Result {
	return <-p.done
}

func (p *PendingRequest) complete(r Result) {
	p.once.Do(func() {
		p.done <- r
	})
}

// Registry is the server-wide PendingRequest table, keyed by request-id.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pending: make(map[string]*PendingRequest)}
}

// Begin mints a fresh request-id, registers a PendingRequest with the
// given deadline, and returns it for the caller to send and then wait
// on. The deadline is enforced by an internal timer; Wait() returns an
// ErrTimeout result if nothing completes it first.
func (r *Registry) Begin(deadline time.Duration) *PendingRequest {
	p := &PendingRequest{
		ID:       uuid.NewString(),
		deadline: time.Now().Add(deadline),
		done:     make(chan Result, 1),
	}

	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()

	time.AfterFunc(deadline, func() {
		r.timeout(p.ID)
	})

	return p
}

func (r *Registry) timeout(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		p.complete(Result{Err: ErrTimeout})
	}
}

// Complete resolves the pending request for id with a successful
// response. Returns ErrUnknownRequest if id is not outstanding (already
// completed, timed out, or unknown) — the caller should log and drop.
func (r *Registry) Complete(id string, resp wire.ResponsePayload) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	p.complete(Result{Response: &resp})
	return nil
}

// Fail resolves the pending request for id with a backend error.
// Returns ErrUnknownRequest if id is not outstanding.
func (r *Registry) Fail(id string, cause error) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	p.complete(Result{Err: cause})
	return nil
}

// Has reports whether id is still outstanding, used to associate
// progress messages with a live PendingRequest without completing it.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Cancel removes id from the registry without completing it, used when
// the owning session goes away and in-flight requests should resolve
// through a different path (e.g. the caller fails them explicitly).
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Len reports the number of outstanding requests across all sessions.
// The liveness sweep does not use it; each session tracks its own
// in-flight request-ids to pick its heartbeat timeout.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
