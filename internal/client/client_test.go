package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/subwayhq/subway/internal/protocol"
)

// fakeServer plays the role of the engine for the purposes of exercising
// Agent.Run: it accepts the control connection, completes hello, then
// pushes one open{id} and expects a second connection carrying accept{id}.
type fakeServer struct {
	listener net.Listener
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeServer{listener: l}
}

func (f *fakeServer) addr() string { return f.listener.Addr().String() }

func TestAgentBridgesOpenToLocalService(t *testing.T) {
	local := newFakeServer(t)
	go func() {
		conn, err := local.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write(buf)
	}()

	srv := newFakeServer(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)

		ctrl, err := srv.listener.Accept()
		require.NoError(t, err)
		defer ctrl.Close()

		fr := protocol.NewFrameReader(ctrl)
		hello, err := fr.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, protocol.TypeHello, hello.Type)

		fw := protocol.NewFrameWriter(ctrl)
		require.NoError(t, fw.WriteFrame(protocol.Hello("happy-cat", "https://happy-cat.example.com")))
		require.NoError(t, fw.WriteFrame(protocol.Open("req-1")))

		dataConn, err := srv.listener.Accept()
		require.NoError(t, err)
		defer dataConn.Close()

		dfr := protocol.NewFrameReader(dataConn)
		accept, err := dfr.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, protocol.TypeAccept, accept.Type)
		require.Equal(t, "req-1", accept.ID)

		dataConn.Write([]byte("hello"))
		buf := make([]byte, 5)
		io.ReadFull(dataConn, buf)
		require.Equal(t, "hello", string(buf))
	}()

	agent := New(Config{
		ServerAddr: srv.addr(),
		LocalAddr:  local.addr(),
		Subdomain:  "happy-cat",
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go agent.Run(ctx)

	select {
	case <-serverDone:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the fake server to complete its exchange")
	}
}

// TestAgentExitsOnCloseFrame covers spec.md §8 scenario 5: once the
// server sends a close frame on the control socket (eviction, shutdown,
// or max-tenants rejection), Run must stop serving rather than keep
// blocking on the next frame.
func TestAgentExitsOnCloseFrame(t *testing.T) {
	srv := newFakeServer(t)

	go func() {
		ctrl, err := srv.listener.Accept()
		if err != nil {
			return
		}
		defer ctrl.Close()

		fr := protocol.NewFrameReader(ctrl)
		if _, err := fr.ReadFrame(); err != nil {
			return
		}

		fw := protocol.NewFrameWriter(ctrl)
		fw.WriteFrame(protocol.Hello("happy-cat", "https://happy-cat.example.com"))
		fw.WriteFrame(protocol.Close())
	}()

	agent := New(Config{
		ServerAddr: srv.addr(),
		LocalAddr:  "127.0.0.1:1", // never dialed, no open{id} arrives
		Subdomain:  "happy-cat",
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err, "Run should return cleanly once it sees a close frame")
	case <-ctx.Done():
		t.Fatal("Run did not return after the server sent a close frame")
	}
}
