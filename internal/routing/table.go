// Package routing implements the server-side mapping from tunnel
// identifiers and subdomains to live control sessions.
package routing

import (
	"strings"
	"sync"
	"time"
)

// Session is the minimal view the routing table needs of a live tunnel
// session. Concrete sessions (internal/tunserver) implement this.
type Session interface {
	// ID is the tunnel-id this session is registered under.
	ID() string
	// Close tears down the session's transport.
	Close() error
}

// Entry describes one routing table row for observers (Snapshot).
type Entry struct {
	TunnelID     string
	Subdomain    string
	LastActivity time.Time
}

// row tracks activity per tunnel-id independent of the Session interface
// so observers can snapshot it without reaching into session internals.
type row struct {
	session      Session
	subdomain    string
	lastActivity time.Time
}

// Table is the process-wide tunnel-id/subdomain routing table. All
// mutations take a single lock; lookups return the live Session handle
// directly rather than a copy, since a handle whose session later closes
// simply fails to send, which callers already tolerate.
type Table struct {
	mu         sync.Mutex
	byID       map[string]*row
	idBySubdom map[string]string
}

// New creates an empty routing table.
func New() *Table {
	return &Table{
		byID:       make(map[string]*row),
		idBySubdom: make(map[string]string),
	}
}

// Register installs session under id, optionally binding subdomain to it.
// Any existing session already registered under id is evicted first and
// returned so the caller can close it; eviction and installation happen
// in the same critical section, so no request is ever dispatched on the
// evicted session after Register returns. A subdomain already bound to a
// different id is rebound to this one; binding to the same id is a no-op.
func (t *Table) Register(session Session, id, subdomain string) (evicted Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byID[id]; ok {
		evicted = existing.session
		t.unlockedRemoveByID(id)
	}

	r := &row{session: session, subdomain: subdomain, lastActivity: time.Now()}
	t.byID[id] = r

	if subdomain != "" {
		if prevID, ok := t.idBySubdom[subdomain]; ok && prevID != id {
			if prevRow, ok := t.byID[prevID]; ok {
				prevRow.subdomain = ""
			}
		}
		t.idBySubdom[subdomain] = id
	}

	return evicted
}

// LookupByID returns the live session registered under id, if any.
func (t *Table) LookupByID(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return r.session, true
}

// LookupBySubdomain returns the live session bound to subdomain, if any.
func (t *Table) LookupBySubdomain(subdomain string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.idBySubdom[subdomain]
	if !ok {
		return nil, false
	}
	r, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return r.session, true
}

// Touch updates id's last-activity timestamp. Called on receipt of any
// control-channel message, not only heartbeats.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byID[id]; ok {
		r.lastActivity = time.Now()
	}
}

// Remove deletes id's routing entry (and any subdomain binding that
// points at it) only if sess is still the session registered under id.
// This matters on the re-registration path: a session evicted by
// Register must not be able to remove the replacement that took its
// place by racing its own cleanup against the new registration.
func (t *Table) Remove(id string, sess Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[id]
	if !ok || r.session != sess {
		return
	}
	t.unlockedRemoveByID(id)
}

func (t *Table) unlockedRemoveByID(id string) {
	r, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if r.subdomain != "" {
		if boundID, ok := t.idBySubdom[r.subdomain]; ok && boundID == id {
			delete(t.idBySubdom, r.subdomain)
		}
	}
}

// Snapshot returns a consistent list of routing entries for observers
// (diagnostics page, liveness sweep).
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.byID))
	for id, r := range t.byID {
		out = append(out, Entry{TunnelID: id, Subdomain: r.subdomain, LastActivity: r.lastActivity})
	}
	return out
}

// Len returns the number of live sessions, used for the session cap.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// SubdomainOf reports the first dot-separated label of an HTTP Host
// header, which is how subdomains are derived from incoming requests.
func SubdomainOf(host string) string {
	if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	parts := strings.SplitN(host, ".", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
