package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// net.Pipe's two ends are plain net.Conns, so they are passed to Run directly.

func TestBridgeTransparency(t *testing.T) {
	aLeft, aRight := net.Pipe()
	bLeft, bRight := net.Pipe()

	done := make(chan struct{})
	go func() {
		_ = Run(context.Background(), aRight, bRight, Options{})
		close(done)
	}()

	payloadAB := []byte("hello from a")
	payloadBA := []byte("hello from b")

	go func() {
		aLeft.Write(payloadAB)
	}()

	gotAB := make([]byte, len(payloadAB))
	_, err := io.ReadFull(bLeft, gotAB)
	require.NoError(t, err)
	require.True(t, bytes.Equal(gotAB, payloadAB))

	go func() {
		bLeft.Write(payloadBA)
	}()

	gotBA := make([]byte, len(payloadBA))
	_, err = io.ReadFull(aLeft, gotBA)
	require.NoError(t, err)
	require.True(t, bytes.Equal(gotBA, payloadBA))

	aLeft.Close()
	bLeft.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not terminate after both sides closed")
	}
}

func TestBridgeClosesBothOnHalfClose(t *testing.T) {
	aLeft, aRight := net.Pipe()
	bLeft, bRight := net.Pipe()

	done := make(chan struct{})
	go func() {
		_ = Run(context.Background(), aRight, bRight, Options{})
		close(done)
	}()

	aLeft.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not terminate on half-close")
	}

	_, err := bLeft.Write([]byte("x"))
	require.Error(t, err, "far side of the other pipe should be closed too")
}
