// Package tunserver implements the edge half of the tunnel: the control
// port accept loop, per-session message dispatch, the public HTTP
// surface, and the liveness sweeper.
package tunserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/windless/rtun/internal/correlator"
	"github.com/windless/rtun/internal/liveness"
	"github.com/windless/rtun/internal/routing"
	"github.com/windless/rtun/internal/stats"
	"github.com/windless/rtun/internal/version"
	"github.com/windless/rtun/internal/wire"
	"golang.org/x/crypto/acme/autocert"
)

var errSessionClosed = errors.New("tunserver: session closed")

// ErrSessionReplaced is returned to any request still in flight on a
// session that was evicted by a same-tunnel-id re-registration.
var ErrSessionReplaced = errors.New("tunserver: session replaced by re-registration")

// ErrUnknownTunnel marks an incoming HTTP request whose subdomain or
// path-prefix tunnel-id has no registered session; the public handler
// logs it alongside the 404 it serves.
var ErrUnknownTunnel = errors.New("tunserver: unknown tunnel")

// MaxSessions is the default soft cap on concurrent control sessions.
// Connections beyond the cap are deferred (the accept loop pauses and
// rechecks) rather than rejected.
const MaxSessions = 100

// MaxRequestBody bounds how much of a public request body the server
// will buffer before forwarding it. There is no cap named in the wire
// format itself; this is sized against the 8 MiB wire.MaxFrameSize
// minus headroom for JSON/base64 encoding overhead (5 MiB encodes to
// about 6.7 MiB of base64).
const MaxRequestBody = 5 * 1024 * 1024

// RequestDeadline is how long a public HTTP handler waits for a
// response to arrive over the control channel before failing with 502.
const RequestDeadline = 300 * time.Second

// Config configures a Server.
type Config struct {
	ControlAddr string
	HTTPAddr    string
	HTTPSAddr   string
	Domain      string
	CertDir     string
	CertFile    string
	KeyFile     string
	APIKeys     []string
	Observer    stats.Observer
	MaxSessions int
}

// Server is the edge tunnel server: it accepts agent control
// connections, maintains the routing table, and serves public HTTP
// traffic by forwarding it across the matching session.
type Server struct {
	cfg      Config
	table    *routing.Table
	registry *correlator.Registry
	observer stats.Observer

	controlListener net.Listener
	shutdown        chan struct{}
}

// New creates a Server ready to Run.
func New(cfg Config) *Server {
	if cfg.Observer == nil {
		cfg.Observer = stats.NoopObserver{}
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = MaxSessions
	}
	return &Server{
		cfg:      cfg,
		table:    routing.New(),
		registry: correlator.New(),
		observer: cfg.Observer,
		shutdown: make(chan struct{}),
	}
}

// Run starts the control listener and the public HTTP surface, blocking
// until the public HTTP server returns an error. Shutdown does not stop
// the public HTTP server, so Run keeps blocking after Shutdown.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("tunserver: listen control port %s: %w", s.cfg.ControlAddr, err)
	}
	s.controlListener = listener
	defer listener.Close()
	log.Info("control listener started", "addr", listener.Addr(), "version", version.Full())

	go s.acceptLoop()
	go s.sweepLoop()

	if s.cfg.Domain == "" && s.cfg.CertFile == "" {
		return s.runHTTPOnly()
	}
	if s.cfg.CertFile != "" {
		return s.runWithStaticCert()
	}
	return s.runWithAutocert()
}

// Shutdown signals the accept and sweep loops to stop and closes the
// control listener. The public HTTP server keeps serving.
func (s *Server) Shutdown() {
	close(s.shutdown)
	if s.controlListener != nil {
		s.controlListener.Close()
	}
}

func (s *Server) runHTTPOnly() error {
	log.Info("running in HTTP-only mode", "addr", s.cfg.HTTPAddr)
	srv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s}
	return srv.ListenAndServe()
}

func (s *Server) runWithStaticCert() error {
	srv := &http.Server{
		Addr:    s.cfg.HTTPSAddr,
		Handler: s,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"http/1.1"},
		},
	}
	log.Info("HTTPS server started with static cert", "addr", s.cfg.HTTPSAddr)
	return srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
}

func (s *Server) runWithAutocert() error {
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(s.cfg.CertDir),
		HostPolicy: s.hostPolicy,
	}

	httpsServer := &http.Server{
		Addr:    s.cfg.HTTPSAddr,
		Handler: s,
		TLSConfig: &tls.Config{
			GetCertificate: manager.GetCertificate,
			NextProtos:     []string{"http/1.1"},
		},
	}
	httpServer := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: manager.HTTPHandler(http.HandlerFunc(s.redirectToHTTPS)),
	}

	go func() {
		log.Info("HTTP server started (ACME challenges + redirect)", "addr", s.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	log.Info("HTTPS server started", "addr", s.cfg.HTTPSAddr, "domain", "*."+s.cfg.Domain)
	return httpsServer.ListenAndServeTLS("", "")
}

// hostPolicy only issues certificates for hosts whose subdomain has an
// active tunnel, preventing arbitrary-domain cert requests.
func (s *Server) hostPolicy(_ context.Context, host string) error {
	subdomain := routing.SubdomainOf(host)
	if subdomain == "" {
		return fmt.Errorf("tunserver: invalid host %q", host)
	}
	if _, ok := s.table.LookupBySubdomain(subdomain); !ok {
		return fmt.Errorf("tunserver: no tunnel registered for subdomain %q", subdomain)
	}
	return nil
}

func (s *Server) redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if s.table.Len() >= s.cfg.MaxSessions {
			time.Sleep(time.Second)
			continue
		}

		if tl, ok := s.controlListener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := s.controlListener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				log.Error("accept failed", "error", err)
				continue
			}
		}

		go s.handleConn(conn)
	}
}

// connWithBufferedReader lets the accept path peek bytes off the
// connection (to detect a misdirected HTTP greeting) and still hand the
// full stream, unconsumed, to the framer.
type connWithBufferedReader struct {
	net.Conn
	reader *bufio.Reader
}

func (c *connWithBufferedReader) Read(b []byte) (int, error) { return c.reader.Read(b) }

func (s *Server) handleConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(60 * time.Second)
	}

	br := bufio.NewReader(conn)
	peek, err := br.Peek(8)
	if err != nil && len(peek) == 0 {
		conn.Close()
		return
	}
	if wire.LooksLikeHTTPGreeting(peek) {
		log.Debug("rejecting misdirected HTTP request on control port", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	wrapped := &connWithBufferedReader{Conn: conn, reader: br}
	framer := wire.NewFramer(wrapped)
	s.handshake(framer, conn.RemoteAddr().String())
}

func (s *Server) handshake(framer *wire.Framer, remoteAddr string) {
	line, err := framer.ReadLine()
	if err != nil {
		framer.Close()
		return
	}
	msg, err := wire.Decode(line)
	if err != nil {
		framer.Close()
		return
	}
	reg, ok := msg.(*wire.RegisterMessage)
	if !ok || reg.TunnelID == "" {
		_ = framer.WriteMessage(wire.NewErrorMessage("", "first message must be register with a tunnel_id"))
		framer.Close()
		return
	}

	if len(s.cfg.APIKeys) > 0 && !keyValid(s.cfg.APIKeys, reg.Token) {
		_ = framer.WriteMessage(wire.NewErrorMessage("", "invalid or missing API key"))
		framer.Close()
		return
	}

	subdomain := reg.Subdomain
	if subdomain == "" {
		subdomain = generateSubdomain()
	}

	sess := newSession(reg.TunnelID, subdomain, remoteAddr, framer, s.registry, s.observer)
	sess.confirmRegistered(time.Now())

	if evicted := s.table.Register(sess, reg.TunnelID, subdomain); evicted != nil {
		log.Info("evicting prior session on re-registration", "tunnel_id", reg.TunnelID)
		if old, ok := evicted.(*session); ok {
			old.closeReplaced()
		} else {
			evicted.Close()
		}
	}
	s.observer.SessionRegistered(reg.TunnelID, subdomain)
	log.Info("tunnel registered", "tunnel_id", reg.TunnelID, "subdomain", subdomain, "remote", remoteAddr)

	if err := sess.send(wire.NewRegisterConfirmMessage(reg.TunnelID, "ok")); err != nil {
		s.table.Remove(reg.TunnelID, sess)
		s.observer.SessionRemoved(reg.TunnelID)
		return
	}

	s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer func() {
		sess.Close()
		// Identity-checked: if sess was itself evicted by a concurrent
		// re-registration, table.byID[sess.id] now holds the replacement
		// session, and this must not delete that row out from under it.
		s.table.Remove(sess.id, sess)
		s.observer.SessionRemoved(sess.id)
		log.Info("tunnel session closed", "tunnel_id", sess.id)
	}()

	for {
		line, err := sess.framer.ReadLine()
		if err != nil {
			return
		}
		msg, err := wire.Decode(line)
		if err != nil {
			log.Warn("dropping malformed control message", "tunnel_id", sess.id, "error", err)
			continue
		}
		s.dispatch(sess, msg)
		s.table.Touch(sess.id)
	}
}

func (s *Server) dispatch(sess *session, msg any) {
	now := time.Now()
	switch m := msg.(type) {
	case *wire.HeartbeatMessage:
		sess.touch(now, true)
		_ = sess.send(wire.NewHeartbeatResponseMessage(now.Unix(), m.Timestamp, now.Unix()))
	case *wire.HeartbeatResponseMessage:
		sess.touch(now, true)
	case *wire.PingMessage:
		sess.touch(now, true)
		_ = sess.send(wire.NewPongMessage(now.Unix(), m.Timestamp))
	case *wire.PongMessage:
		sess.touch(now, true)
		if m.OriginalTimestamp > 0 {
			rtt := now.Sub(time.Unix(m.OriginalTimestamp, 0))
			s.observer.HeartbeatReceived(sess.id, rtt)
		}
	case *wire.ResponseMessage:
		sess.touch(now, false)
		sess.forgetRequest(m.RequestID)
		payload, err := wire.DecodeResponsePayload(m.Data)
		if err != nil {
			log.Warn("undecodable response payload", "tunnel_id", sess.id, "request_id", m.RequestID, "error", err)
			_ = s.registry.Fail(m.RequestID, err)
			return
		}
		if err := s.registry.Complete(m.RequestID, payload); err != nil {
			log.Warn("response for unknown/expired request", "tunnel_id", sess.id, "request_id", m.RequestID)
		}
	case *wire.ErrorMessage:
		sess.touch(now, false)
		if m.RequestID != "" {
			sess.forgetRequest(m.RequestID)
			if err := s.registry.Fail(m.RequestID, errors.New(m.Error)); err != nil {
				log.Warn("error for unknown/expired request", "tunnel_id", sess.id, "request_id", m.RequestID)
			}
		} else {
			log.Warn("connection-level error from agent", "tunnel_id", sess.id, "error", m.Error)
		}
	case *wire.ProgressMessage:
		sess.touch(now, false)
		if s.registry.Has(m.RequestID) {
			log.Debug("request in progress", "tunnel_id", sess.id, "request_id", m.RequestID, "message", m.Message)
		}
	case *wire.RegisterMessage:
		log.Warn("unexpected register on established session", "tunnel_id", sess.id)
	default:
		sess.touch(now, false)
		log.Warn("unexpected message kind on control session", "tunnel_id", sess.id, "kind", fmt.Sprintf("%T", msg))
	}
}

func keyValid(keys []string, token string) bool {
	for _, k := range keys {
		if k == token {
			return true
		}
	}
	return false
}

func generateSubdomain() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tun%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// sweepLoop runs the liveness monitor described in spec §4.3: any
// session quiet past its timeout gets a ping and a grace window before
// being torn down.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(liveness.DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Server) sweepOnce(now time.Time) {
	for _, entry := range s.table.Snapshot() {
		sess, ok := s.table.LookupByID(entry.TunnelID)
		if !ok {
			continue
		}
		ts, ok := sess.(*session)
		if !ok {
			continue
		}
		if ts.sweep(now) {
			log.Info("session declared dead by liveness sweep", "tunnel_id", entry.TunnelID)
			ts.Close()
			s.table.Remove(entry.TunnelID, ts)
			s.observer.SessionRemoved(entry.TunnelID)
		}
	}
}
