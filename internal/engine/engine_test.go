package engine

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/subwayhq/subway/internal/protocol"
	"github.com/subwayhq/subway/internal/registry"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *registry.Registry) {
	t.Helper()

	// The registry's OnEvict is wired at construction time but needs to
	// call back into the Engine, which in turn needs the registry —
	// resolve the cycle with a forwarding closure bound after New.
	var onEvict registry.OnEvict = func(string) {}
	reg := registry.New(registry.Config{
		TTL:             time.Minute,
		CleanupInterval: 50 * time.Millisecond,
		OnEvict:         func(subdomain string) { onEvict(subdomain) },
	})

	e, err := New(cfg, "127.0.0.1:0", reg, nil, zerolog.Nop())
	require.NoError(t, err)
	onEvict = e.EvictSubdomain

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
		reg.Stop()
	})
	return e, reg
}

// dialHello opens a control connection and completes the handshake,
// returning the connection, the frame reader/writer pair, and the
// subdomain the server assigned.
func dialHello(t *testing.T, addr net.Addr, subdomain string) (net.Conn, *protocol.FrameReader, *protocol.FrameWriter, string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	fw := protocol.NewFrameWriter(conn)
	require.NoError(t, fw.WriteFrame(protocol.Hello(subdomain, "")))

	fr := protocol.NewFrameReader(conn)
	reply, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHello, reply.Type)
	require.NotEmpty(t, reply.Endpoint)

	return conn, fr, fw, reply.Subdomain
}

func TestHappyPathRequestIsBridgedToLocalService(t *testing.T) {
	e, _ := newTestEngine(t, Config{Domain: "example.com", Scheme: "https"})

	ctrl, fr, _, subdomain := dialHello(t, e.Addr(), "")
	defer ctrl.Close()

	upstream, ok := e.registry.Lookup(subdomain)
	require.True(t, ok)

	// Simulate the public-side accept: dial the request listener
	// directly, as C4's reverse proxy would after a registry lookup.
	publicConn, err := net.Dial("tcp", upstream.Addr())
	require.NoError(t, err)
	defer publicConn.Close()

	open, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeOpen, open.Type)
	require.NotEmpty(t, open.ID)

	dataConn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer dataConn.Close()
	require.NoError(t, protocol.NewFrameWriter(dataConn).WriteFrame(protocol.Accept(open.ID)))

	go func() { dataConn.Write([]byte("ping")) }()

	buf := make([]byte, 4)
	_, err = io.ReadFull(publicConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	publicConn.Write([]byte("pong"))
	buf2 := make([]byte, 4)
	_, err = io.ReadFull(dataConn, buf2)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf2))
}

func TestAcceptForUnknownIDIsDropped(t *testing.T) {
	e, _ := newTestEngine(t, Config{Domain: "example.com", Scheme: "https"})

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	require.NoError(t, protocol.NewFrameWriter(conn).WriteFrame(protocol.Accept("no-such-id")))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err, "server should close the connection for an unrecognized accept id")
}

func TestSessionTeardownClosesParkedSockets(t *testing.T) {
	e, reg := newTestEngine(t, Config{Domain: "example.com", Scheme: "https"})

	ctrl, fr, _, subdomain := dialHello(t, e.Addr(), "")

	upstream, ok := reg.Lookup(subdomain)
	require.True(t, ok)

	publicConn, err := net.Dial("tcp", upstream.Addr())
	require.NoError(t, err)
	defer publicConn.Close()

	open, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeOpen, open.Type)

	ctrl.Close() // drop the control socket without ever sending accept

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(subdomain)
		return !ok
	}, time.Second, 10*time.Millisecond, "registry entry should be removed on teardown")

	publicConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = publicConn.Read(buf)
	require.Error(t, err, "parked public socket should be closed on session teardown")
}

// TestEvictionSendsCloseFrame exercises the scenario-5 shape from
// spec.md §8: a registry eviction (cleanup sweep or server shutdown)
// must write a best-effort close frame on the still-live control
// socket before tearing the session down, so the client can observe
// why its tunnel went away rather than just seeing the socket drop.
func TestEvictionSendsCloseFrame(t *testing.T) {
	var onEvict registry.OnEvict = func(string) {}
	reg := registry.New(registry.Config{
		TTL:             20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		OnEvict:         func(subdomain string) { onEvict(subdomain) },
	})

	e, err := New(Config{Domain: "example.com", Scheme: "https"}, "127.0.0.1:0", reg, nil, zerolog.Nop())
	require.NoError(t, err)
	onEvict = e.EvictSubdomain

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		e.Close()
		reg.Stop()
	})

	ctrl, fr, _, _ := dialHello(t, e.Addr(), "")
	defer ctrl.Close()

	ctrl.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := fr.ReadFrame()
	require.NoError(t, err, "client should receive a frame before the control socket is closed")
	require.Equal(t, protocol.TypeClose, msg.Type, "eviction should send a close frame, not just drop the socket")
}

func TestRequestedSubdomainFallsBackOnCollision(t *testing.T) {
	e, _ := newTestEngine(t, Config{Domain: "example.com", Scheme: "https"})

	first, _, _, sub1 := dialHello(t, e.Addr(), "happy-cat")
	defer first.Close()
	require.Equal(t, "happy-cat", sub1)

	second, _, _, sub2 := dialHello(t, e.Addr(), "happy-cat")
	defer second.Close()
	require.NotEqual(t, "happy-cat", sub2)
	require.Regexp(t, `^[a-z0-9-]{12}$`, sub2, "auto-generated subdomain should be 12 lowercase-alphanumeric-with-hyphen characters")
}
