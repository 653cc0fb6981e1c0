// Package relayerr defines the error taxonomy shared by every relay
// component: malformed frames, transport termination, upstream failures,
// unknown routes, and fatal configuration problems.
package relayerr

import "fmt"

// Kind classifies a relay error for callers that need to branch on it
// (for example, the proxy mapping a NotFound to 404 and an Upstream
// failure to 502).
type Kind string

const (
	KindFrame      Kind = "frame"
	KindTransport  Kind = "transport"
	KindUpstream   Kind = "upstream"
	KindNotFound   Kind = "not_found"
	KindConfig     Kind = "config"
)

// Error is the relay engine's error type. It always carries a Kind so
// callers can classify without string matching, and optionally wraps an
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Frame(message string, err error) *Error     { return newErr(KindFrame, message, err) }
func Transport(message string, err error) *Error { return newErr(KindTransport, message, err) }
func Upstream(message string, err error) *Error  { return newErr(KindUpstream, message, err) }
func NotFound(message string) *Error             { return newErr(KindNotFound, message, nil) }
func Config(message string, err error) *Error    { return newErr(KindConfig, message, err) }

// Is reports whether err (or anything it wraps) is a relay Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if re, ok := err.(*Error); ok {
			e = re
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return e != nil && e.Kind == k
}
