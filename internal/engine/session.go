package engine

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/subwayhq/subway/internal/bridge"
	"github.com/subwayhq/subway/internal/protocol"
)

// state is the per-session lifecycle spec.md §4.5 names: INIT is
// implicit (the connection hasn't produced a Session yet), so it is not
// modeled here. teardown moves a Session from stateActive straight to
// stateDead; stateClosing is declared but never entered.
type state int

const (
	stateActive state = iota
	stateClosing
	stateDead
)

// Session is one connected client: its control socket, its allocated
// subdomain, its request listener, and the parked requests it has
// announced but not yet had claimed by an accept{id}.
type Session struct {
	engine    *Engine
	subdomain string
	ctrl      net.Conn
	writeMu   sync.Mutex

	listener net.Listener

	mu     sync.Mutex
	state  state
	parked map[string]net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// newSession registers subdomain (or allocates one), spawns the
// request listener, and replies hello{endpoint} on ctrl. The Session is
// ACTIVE the moment this returns; call serve to run its lifetime.
func newSession(parent context.Context, e *Engine, ctrl net.Conn, requestedSubdomain string) (*Session, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	subdomain, endpoint, err := e.registry.Register(parent, requestedSubdomain, e.cfg.Scheme, e.cfg.Domain, port)
	if err != nil {
		listener.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)

	s := &Session{
		engine:    e,
		subdomain: subdomain,
		ctrl:      ctrl,
		listener:  listener,
		parked:    make(map[string]net.Conn),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
	}

	if err := s.writeFrame(protocol.Hello(subdomain, endpoint)); err != nil {
		cancel()
		listener.Close()
		e.registry.Remove(subdomain)
		return nil, err
	}

	return s, nil
}

// serve runs the session's request listener and blocks until the
// session is torn down, either by the control socket closing or by
// external eviction.
func (s *Session) serve() {
	s.group.Go(func() error {
		s.acceptLoop()
		return nil
	})

	// The control socket is only written to after hello (each open{id})
	// and is otherwise idle; a one-byte Read loop detects the client
	// closing it and cancels the session so it is torn down promptly.
	s.group.Go(func() error {
		buf := make([]byte, 1)
		for {
			if _, err := s.ctrl.Read(buf); err != nil {
				s.cancel()
				return nil
			}
		}
	})

	<-s.ctx.Done()
	s.teardown("control connection closed")
	s.group.Wait()
}

func (s *Session) acceptLoop() {
	go func() {
		<-s.ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		if s.engine.cfg.MaxParkedPerTenant > 0 && s.parkedCount() >= s.engine.cfg.MaxParkedPerTenant {
			s.engine.log.Warn().Str("subdomain", s.subdomain).Msg("dropping request: parked limit reached")
			if s.engine.metrics != nil {
				s.engine.metrics.ProxyErrors.WithLabelValues("parked_limit").Inc()
			}
			conn.Close()
			continue
		}

		id := uuid.NewString()
		s.park(id, conn)
		s.engine.registerIndex(id, s)

		if err := s.writeFrame(protocol.Open(id)); err != nil {
			// Control channel is dead; the read-loop goroutine will
			// notice and tear the session down shortly.
			s.unpark(id)
			s.engine.forgetIndex(id)
			conn.Close()
			return
		}
	}
}

func (s *Session) park(id string, conn net.Conn) {
	s.mu.Lock()
	s.parked[id] = conn
	s.mu.Unlock()
	if s.engine.metrics != nil {
		s.engine.metrics.ParkedRequests.Inc()
	}
}

func (s *Session) unpark(id string) (net.Conn, bool) {
	s.mu.Lock()
	conn, ok := s.parked[id]
	if ok {
		delete(s.parked, id)
	}
	s.mu.Unlock()
	if ok && s.engine.metrics != nil {
		s.engine.metrics.ParkedRequests.Dec()
	}
	return conn, ok
}

func (s *Session) parkedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parked)
}

// resolveAccept pops the parked socket for id and bridges it to dataConn,
// which is the transport that just delivered accept{id} — per spec.md
// §4.5/§9 this connection is now the data channel and must never be
// re-read as a control byte stream.
func (s *Session) resolveAccept(id string, dataConn net.Conn) {
	parked, ok := s.unpark(id)
	if !ok {
		dataConn.Close()
		return
	}

	s.group.Go(func() error {
		bridge.Run(s.ctx, parked, dataConn, bridge.Options{
			Logger:  &s.engine.log,
			Metrics: s.engine.metrics,
		})
		return nil
	})
}

func (s *Session) writeFrame(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.NewFrameWriter(s.ctrl).WriteFrame(msg)
}

// teardown cancels the session's task group, evicts its registry entry,
// closes every still-parked socket, and removes it from the engine.
// Safe to call more than once and from more than one goroutine.
func (s *Session) teardown(reason string) {
	s.mu.Lock()
	if s.state == stateDead {
		s.mu.Unlock()
		return
	}
	s.state = stateDead
	parked := s.parked
	s.parked = make(map[string]net.Conn)
	s.mu.Unlock()

	s.engine.log.Info().Str("subdomain", s.subdomain).Str("reason", reason).Msg("tearing down session")

	s.cancel()
	_ = s.writeFrame(protocol.Close()) // best effort, control socket may already be dead
	s.ctrl.Close()
	s.listener.Close()

	for id, conn := range parked {
		s.engine.forgetIndex(id)
		conn.Close()
	}

	s.engine.registry.Remove(s.subdomain)
	s.engine.dropSession(s)
}
