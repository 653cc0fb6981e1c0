// Package engine is the server side of the relay: it accepts control
// and data connections on one TCP listener (spec.md §4.5, §4.7), routes
// each new connection by the type of its first frame, and owns the
// registry, the per-tenant request listeners, and every live Session.
//
// The accept-loop-plus-dispatch shape is carried over from the
// teacher's internal/tunnel/server.go Run/handleNewConn split, with its
// sync.Map replaced by mutex-guarded maps and its newline-terminated
// AUTH/DATA text protocol replaced by the framed
// hello/open/accept/close messages this relay speaks.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/subwayhq/subway/internal/metrics"
	"github.com/subwayhq/subway/internal/protocol"
	"github.com/subwayhq/subway/internal/registry"
	"github.com/subwayhq/subway/internal/relayerr"
)

// Config configures the Engine's policy knobs (spec.md §5 hardening
// knobs, zero-valued = unlimited).
type Config struct {
	Domain             string
	Scheme             string
	MaxParkedPerTenant int
	MaxTenants         int
}

// Engine is the top-level server object: one control listener, one
// Registry, and the live set of Sessions it spawned.
type Engine struct {
	cfg      Config
	listener net.Listener
	registry *registry.Registry
	metrics  *metrics.Collectors
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // subdomain -> session
	idIndex  map[string]*Session // parked request id -> owning session

	closeOnce sync.Once
}

// New constructs an Engine bound to addr. It does not hook into the
// registry's cleanup sweep itself: the caller wires EvictSubdomain as the
// registry's OnEvict so an expired subdomain evicts its owning session.
func New(cfg Config, addr string, reg *registry.Registry, m *metrics.Collectors, log zerolog.Logger) (*Engine, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, relayerr.Transport("failed to listen on control address", err)
	}

	e := &Engine{
		cfg:      cfg,
		listener: l,
		registry: reg,
		metrics:  m,
		log:      log,
		sessions: make(map[string]*Session),
		idIndex:  make(map[string]*Session),
	}
	return e, nil
}

// Addr returns the bound control listener address.
func (e *Engine) Addr() net.Addr { return e.listener.Addr() }

// Run accepts control/data connections until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.listener.Close()
	}()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				e.log.Warn().Err(err).Msg("control listener accept error")
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		go e.handleConn(ctx, conn)
	}
}

// Close tears down every live session and the control listener.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.listener.Close()
		e.mu.Lock()
		sessions := make([]*Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()
		for _, s := range sessions {
			s.teardown("engine shutdown")
		}
	})
}

// handleConn reads the first frame off a freshly accepted connection
// and dispatches by type: hello starts a new Session, accept delivers
// the data channel for an already-parked request. Any other outcome
// (bad frame, unknown id, EOF) just closes the socket — spec.md §4.5
// says to drop unrecognized frames, not tear anything down.
func (e *Engine) handleConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	fr := protocol.NewFrameReader(conn)
	msg, err := fr.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		e.log.Debug().Err(err).Msg("dropping connection with no valid first frame")
		conn.Close()
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		e.handleHello(ctx, conn, *msg)
	case protocol.TypeAccept:
		e.handleAccept(conn, *msg)
	default:
		e.log.Debug().Str("type", string(msg.Type)).Msg("unexpected first frame, dropping connection")
		conn.Close()
	}
}

func (e *Engine) handleHello(ctx context.Context, conn net.Conn, hello protocol.Message) {
	e.mu.Lock()
	if e.cfg.MaxTenants > 0 && len(e.sessions) >= e.cfg.MaxTenants {
		e.mu.Unlock()
		e.log.Warn().Msg("rejecting hello: max tenants reached")
		protocol.NewFrameWriter(conn).WriteFrame(protocol.Close())
		conn.Close()
		return
	}
	e.mu.Unlock()

	session, err := newSession(ctx, e, conn, hello.Subdomain)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to establish session")
		conn.Close()
		return
	}

	e.mu.Lock()
	e.sessions[session.subdomain] = session
	e.mu.Unlock()

	e.log.Info().Str("subdomain", session.subdomain).Str("remote", conn.RemoteAddr().String()).Msg("session established")
	go session.serve()
}

func (e *Engine) handleAccept(conn net.Conn, msg protocol.Message) {
	e.mu.Lock()
	session, ok := e.idIndex[msg.ID]
	if ok {
		delete(e.idIndex, msg.ID)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Debug().Str("id", msg.ID).Msg("accept for unknown or already-consumed id")
		conn.Close()
		return
	}
	session.resolveAccept(msg.ID, conn)
}

// registerIndex records that id belongs to session, so a later accept{id}
// on a brand new connection can be routed back to it.
func (e *Engine) registerIndex(id string, s *Session) {
	e.mu.Lock()
	e.idIndex[id] = s
	e.mu.Unlock()
}

// forgetIndex removes id from the routing table without resolving it,
// used when a parked request is abandoned by session teardown.
func (e *Engine) forgetIndex(id string) {
	e.mu.Lock()
	delete(e.idIndex, id)
	e.mu.Unlock()
}

// dropSession removes s from the live set. Called once, from teardown.
func (e *Engine) dropSession(s *Session) {
	e.mu.Lock()
	if cur, ok := e.sessions[s.subdomain]; ok && cur == s {
		delete(e.sessions, s.subdomain)
	}
	e.mu.Unlock()
}

// Endpoint formats the public URL a subdomain is reachable at.
func (e *Engine) Endpoint(subdomain string) string {
	return fmt.Sprintf("%s://%s.%s", e.cfg.Scheme, subdomain, e.cfg.Domain)
}

// EvictSubdomain tears down the session owning subdomain, if still
// live. Wired as the registry's OnEvict callback so an expiry sweep
// cascades into closing the client's control socket (spec.md §4.3/§5:
// dropping the control socket must make C4 see a closed upstream).
func (e *Engine) EvictSubdomain(subdomain string) {
	e.mu.Lock()
	s, ok := e.sessions[subdomain]
	e.mu.Unlock()
	if !ok {
		return
	}
	s.teardown("registry eviction")
}
