// Package bridge splices two byte streams full-duplex until either side
// observes EOF or a transport error, following the half-close-closes-both
// semantics the relay engine requires (spec.md §4.2, §9).
package bridge

import (
	"context"
	"io"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBufferSize is the read buffer used when Run is called without
// an explicit size; it sits in the middle of the 4-64 KiB range the
// relay engine allows.
const DefaultBufferSize = 32 * 1024

// Counter receives byte counts as they cross the bridge, one call per
// direction once that direction's copy loop terminates. Nil is a valid
// Counter and simply observes nothing.
type Counter interface {
	AddBytes(direction string, n int64)
}

// Options configures a single Run call.
type Options struct {
	// BufferSize is the per-direction read buffer. Zero uses DefaultBufferSize.
	BufferSize int
	// Logger receives a debug-level event for any non-EOF copy error.
	// A nil logger is valid and simply discards them.
	Logger *zerolog.Logger
	// Metrics, if non-nil, is notified of bytes transferred per direction.
	Metrics Counter
}

// Run splices a and b in both directions and blocks until either
// direction terminates, at which point both sides are closed and the
// other direction is allowed to drain. Run always returns nil: per
// spec.md §4.2 and §7, bridge errors are transport-termination signals,
// not failures to propagate.
func Run(ctx context.Context, a, b net.Conn, opts Options) error {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		copyDirection(ctx, "a->b", b, a, bufSize, opts)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		copyDirection(ctx, "b->a", a, b, bufSize, opts)
		return nil
	})

	go func() {
		<-ctx.Done()
		a.Close()
		b.Close()
	}()

	_ = g.Wait()
	return nil
}

func copyDirection(ctx context.Context, label string, dst, src net.Conn, bufSize int, opts Options) {
	buf := make([]byte, bufSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if opts.Metrics != nil {
		opts.Metrics.AddBytes(label, n)
	}
	if err != nil && err != io.EOF && opts.Logger != nil {
		opts.Logger.Debug().Err(err).Str("direction", label).Msg("bridge copy ended")
	}
}
