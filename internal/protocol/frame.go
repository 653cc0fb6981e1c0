package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/subwayhq/subway/internal/relayerr"
)

// MaxFrame is the largest payload a single frame may carry. A header
// claiming more than this is rejected before the payload is read.
const MaxFrame = 1 << 20 // 1 MiB

const headerLen = 10

// FrameReader reads length-prefixed Message frames off a stream. It is
// not safe for concurrent use by multiple goroutines — the engine keeps
// control and data planes on separate net.Conns so each stream only
// ever has one reader.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame reads the next frame. It returns io.EOF (unwrapped) when the
// stream ends cleanly before a new header, and a *relayerr.Error of kind
// KindFrame for any malformed header, oversize length, short payload
// read, or unparseable/unrecognized-type JSON body.
func (f *FrameReader) ReadFrame() (*Message, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f.r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, relayerr.Frame("short read on frame header", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(header)))
	if err != nil {
		return nil, relayerr.Frame(fmt.Sprintf("header %q is not an integer", header), err)
	}
	if n < 0 || n > MaxFrame {
		return nil, relayerr.Frame(fmt.Sprintf("frame length %d out of bounds", n), nil)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, relayerr.Frame("short read on frame payload", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, relayerr.Frame("payload is not valid JSON", err)
	}
	if !msg.Type.valid() {
		return nil, relayerr.Frame(fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}

	return &msg, nil
}

// FrameWriter writes length-prefixed Message frames to a stream.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for frame-at-a-time writing.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame serializes msg and writes the header+payload as a single
// logical send. It returns a *relayerr.Error of kind KindTransport if
// the underlying writer refuses the write (closed socket, broken pipe).
func (f *FrameWriter) WriteFrame(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return relayerr.Frame("failed to marshal message", err)
	}
	if len(body) > MaxFrame {
		return relayerr.Frame(fmt.Sprintf("outgoing frame of %d bytes exceeds MAX_FRAME", len(body)), nil)
	}

	header := fmt.Sprintf("%10d", len(body))
	buf := make([]byte, 0, headerLen+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)

	if _, err := f.w.Write(buf); err != nil {
		return relayerr.Transport("failed to write frame", err)
	}
	return nil
}
