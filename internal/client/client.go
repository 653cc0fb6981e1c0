// Package client is the tunnel agent (spec.md §4.6): it dials the
// control port, announces a hello, and for every open{id} the server
// sends, dials a fresh data connection back plus a connection to the
// local service, then bridges the two.
//
// The dial/loop/dial-per-open shape mirrors the teacher's client-side
// intent (cmd/server/main.go's counterpart never shipped one — the
// teacher is a server-only fork of a hosted product — so this follows
// original_source/src/client.py's Client.listen() instead, expressed as
// goroutines and channels rather than an asyncio event loop).
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/subwayhq/subway/internal/bridge"
	"github.com/subwayhq/subway/internal/protocol"
	"github.com/subwayhq/subway/internal/relayerr"
)

// Config configures one Agent run.
type Config struct {
	ServerAddr string
	LocalAddr  string
	Subdomain  string

	// Retry, when true, retries the initial dial with bounded
	// exponential backoff instead of giving up immediately
	// (SUBWAY_RECONNECT in spec.md §9's terms). It never applies once a
	// session is established: the server does not resurrect a dropped
	// control socket, and neither does this client.
	Retry      bool
	RetryDelay time.Duration
	MaxRetries int

	Logger zerolog.Logger
}

// Agent is one running tunnel client.
type Agent struct {
	cfg Config
}

// New constructs an Agent.
func New(cfg Config) *Agent {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Agent{cfg: cfg}
}

// Run dials the control connection, completes the hello handshake, and
// serves opens until ctx is canceled or the control socket is lost.
func (a *Agent) Run(ctx context.Context) error {
	ctrl, err := a.dialControl(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	fw := protocol.NewFrameWriter(ctrl)
	if err := fw.WriteFrame(protocol.Hello(a.cfg.Subdomain, "")); err != nil {
		return relayerr.Transport("failed to send hello", err)
	}

	fr := protocol.NewFrameReader(ctrl)
	reply, err := fr.ReadFrame()
	if err != nil {
		return relayerr.Transport("failed to read hello reply", err)
	}
	if reply.Type != protocol.TypeHello {
		return relayerr.Transport(fmt.Sprintf("expected hello reply, got %q", reply.Type), nil)
	}
	a.cfg.Logger.Info().Str("endpoint", reply.Endpoint).Msg("tunnel established")

	go func() {
		<-ctx.Done()
		ctrl.Close()
	}()

	for {
		msg, err := fr.ReadFrame()
		if err != nil {
			a.cfg.Logger.Info().Err(err).Msg("control connection closed")
			return nil
		}

		switch msg.Type {
		case protocol.TypeOpen:
			go a.serveOpen(ctx, msg.ID)
		case protocol.TypeClose:
			a.cfg.Logger.Info().Msg("server closed the tunnel")
			return nil
		default:
			a.cfg.Logger.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected frame")
		}
	}
}

// dialControl dials the control address, retrying the very first
// attempt with backoff when Retry is set.
func (a *Agent) dialControl(ctx context.Context) (net.Conn, error) {
	var lastErr error
	delay := a.cfg.RetryDelay
	attempts := 1
	if a.cfg.Retry {
		attempts = a.cfg.MaxRetries
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			a.cfg.Logger.Warn().Err(lastErr).Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying initial connection")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", a.cfg.ServerAddr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, relayerr.Transport("failed to dial control address", lastErr)
}

// serveOpen handles one open{id}: dial a fresh data connection and a
// fresh local connection, announce accept{id}, then bridge them. A
// dial failure here is logged and does not affect the control session
// (spec.md §4.6 leaves this asymmetry in place rather than inventing
// new teardown semantics).
func (a *Agent) serveOpen(ctx context.Context, id string) {
	dataConn, err := net.Dial("tcp", a.cfg.ServerAddr)
	if err != nil {
		a.cfg.Logger.Warn().Err(err).Str("id", id).Msg("failed to dial data connection")
		return
	}

	if err := protocol.NewFrameWriter(dataConn).WriteFrame(protocol.Accept(id)); err != nil {
		a.cfg.Logger.Warn().Err(err).Str("id", id).Msg("failed to send accept")
		dataConn.Close()
		return
	}

	localConn, err := net.Dial("tcp", a.cfg.LocalAddr)
	if err != nil {
		a.cfg.Logger.Warn().Err(err).Str("id", id).Msg("failed to dial local service")
		dataConn.Close()
		return
	}

	bridge.Run(ctx, dataConn, localConn, bridge.Options{Logger: &a.cfg.Logger})
}
