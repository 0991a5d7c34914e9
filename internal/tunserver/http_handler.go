package tunserver

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/windless/rtun/internal/correlator"
	"github.com/windless/rtun/internal/routing"
	"github.com/windless/rtun/internal/version"
	"github.com/windless/rtun/internal/wire"
)

// headersDroppedOnForward must not be copied into the payload sent to
// the agent; the agent recomputes them for the request it actually
// issues against the local service.
var headersDroppedOnForward = map[string]bool{
	"Host":           true,
	"Connection":     true,
	"Content-Length": true,
}

// ServeHTTP implements http.Handler, routing public traffic across the
// matching control session per spec §4.4.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, path, ok := s.resolveTunnel(r)
	if !ok {
		// An IP-literal Host has dots but presents no subdomain.
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		if r.URL.Path == "/" && (routing.SubdomainOf(r.Host) == "" || net.ParseIP(host) != nil) {
			s.serveDiagnostics(w)
			return
		}
		log.Debug("no route for request", "host", r.Host, "path", r.URL.Path, "error", ErrUnknownTunnel)
		http.Error(w, "no tunnel found for this request", http.StatusNotFound)
		return
	}

	ts, ok := sess.(*session)
	if !ok {
		http.Error(w, "no tunnel found for this request", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}
	if len(body) > MaxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if headersDroppedOnForward[http.CanonicalHeaderKey(name)] {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}

	payload := wire.RequestPayload{
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	}
	data, err := wire.EncodeRequestPayload(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pending := s.registry.Begin(RequestDeadline)
	ts.trackRequest(pending.ID)
	s.observer.RequestStarted(ts.id, pending.ID, r.Method, path)
	start := time.Now()

	if err := ts.send(wire.NewRequestMessage(pending.ID, data)); err != nil {
		ts.forgetRequest(pending.ID)
		s.registry.Cancel(pending.ID)
		s.observer.RequestCompleted(ts.id, pending.ID, http.StatusBadGateway, time.Since(start), err)
		http.Error(w, "failed to reach tunnel", http.StatusBadGateway)
		return
	}

	result := pending.Wait()
	ts.forgetRequest(pending.ID)

	if result.Err != nil {
		status := http.StatusBadGateway
		s.observer.RequestCompleted(ts.id, pending.ID, status, time.Since(start), result.Err)
		if result.Err == correlator.ErrTimeout {
			http.Error(w, "gateway timeout waiting for tunnel response", status)
			return
		}
		http.Error(w, "tunnel backend error", status)
		return
	}

	s.writeResponse(w, result.Response)
	s.observer.RequestCompleted(ts.id, pending.ID, result.Response.Status, time.Since(start), nil)
}

// resolveTunnel implements the two-step lookup order from spec §4.4
// step 1: subdomain first, then path-prefix fallback with the prefix
// stripped to "/" (not "") when nothing follows it.
func (s *Server) resolveTunnel(r *http.Request) (routing.Session, string, bool) {
	if subdomain := routing.SubdomainOf(r.Host); subdomain != "" {
		if sess, ok := s.table.LookupBySubdomain(subdomain); ok {
			return sess, r.URL.Path, true
		}
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if segments[0] == "" {
		return nil, "", false
	}
	sess, ok := s.table.LookupByID(segments[0])
	if !ok {
		return nil, "", false
	}
	path := "/"
	if len(segments) > 1 && segments[1] != "" {
		path = "/" + segments[1]
	}
	return sess, path, true
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *wire.ResponsePayload) {
	header := w.Header()
	for name, value := range resp.Headers {
		header.Set(name, normalizeContentType(name, value))
	}

	var body []byte
	if resp.IsBinary {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			log.Warn("undecodable binary response body", "error", err)
			http.Error(w, "tunnel backend returned an undecodable body", http.StatusBadGateway)
			return
		}
		body = decoded
	} else {
		body = []byte(resp.Body)
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// normalizeContentType adds charset=utf-8 to text/html and text/plain
// Content-Type values that lack one, per spec §4.4's charset rule.
func normalizeContentType(name, value string) string {
	if http.CanonicalHeaderKey(name) != "Content-Type" {
		return value
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "charset=") {
		return value
	}
	if strings.HasPrefix(lower, "text/html") || strings.HasPrefix(lower, "text/plain") {
		return value + "; charset=utf-8"
	}
	return value
}

// serveDiagnostics returns the operator-facing status page shown at the
// bare root when no subdomain was presented.
func (s *Server) serveDiagnostics(w http.ResponseWriter) {
	entries := s.table.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].TunnelID < entries[j].TunnelID })

	var b strings.Builder
	fmt.Fprintf(&b, "rtund %s\n", version.Full())
	fmt.Fprintf(&b, "active tunnels: %d\n\n", len(entries))
	for _, e := range entries {
		subdomain := e.Subdomain
		if subdomain == "" {
			subdomain = "-"
		}
		fmt.Fprintf(&b, "  %-24s subdomain=%-16s last_activity=%s\n",
			e.TunnelID, subdomain, e.LastActivity.Format(time.RFC3339))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}
