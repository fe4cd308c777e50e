package hq

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCapacity is returned by NewTransaction when the session cannot
	// open another stream.
	ErrNoCapacity = errors.New("hq: no capacity for a new transaction")
	// ErrDetached is returned for operations on a detached transaction.
	ErrDetached = errors.New("hq: transaction detached")
	// ErrHeadersSent is returned when headers are sent twice.
	ErrHeadersSent = errors.New("hq: headers already sent")
	// ErrEgressComplete is returned when sending after end of message.
	ErrEgressComplete = errors.New("hq: message already complete")
	// ErrNoHeaders is returned when sending body before headers.
	ErrNoHeaders = errors.New("hq: headers not sent")
)

// Kind classifies a transaction error.
type Kind int

// Error kinds
const (
	// KindConnection is a transport failure fatal to the connection.
	KindConnection Kind = iota + 1
	// KindConnect is a failure to establish the connection.
	KindConnect
	// KindEarlyDataFailed means the peer rejected 0-RTT data.
	KindEarlyDataFailed
	// KindProtocol is a connection-level protocol violation.
	KindProtocol
	// KindDropped means the application dropped the connection.
	KindDropped
	// KindStreamAbort is a peer reset of the transaction's stream.
	KindStreamAbort
	// KindParse is a malformed message on the transaction's stream.
	KindParse
	// KindHeaderDecode is a header block that could not be decoded.
	KindHeaderDecode
	// KindHeaderDecodeTimeout means a blocked header block waited too long
	// for dynamic table state.
	KindHeaderDecodeTimeout
	// KindStreamUnacknowledged means the peer never processed the stream and
	// the request can be retried.
	KindStreamUnacknowledged
	// KindIngressOverflow means too much ingress was buffered while paused.
	KindIngressOverflow
	// KindEOF means the connection ended before the transaction did.
	KindEOF
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "Connection"
	case KindConnect:
		return "Connect"
	case KindEarlyDataFailed:
		return "EarlyDataFailed"
	case KindProtocol:
		return "Protocol"
	case KindDropped:
		return "Dropped"
	case KindStreamAbort:
		return "StreamAbort"
	case KindParse:
		return "Parse"
	case KindHeaderDecode:
		return "HeaderDecode"
	case KindHeaderDecodeTimeout:
		return "HeaderDecodeTimeout"
	case KindStreamUnacknowledged:
		return "StreamUnacknowledged"
	case KindIngressOverflow:
		return "IngressOverflow"
	case KindEOF:
		return "EOF"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is delivered to handlers and connect callbacks.
type Error struct {
	Kind     Kind
	Code     ErrorCode
	StreamID uint64
	msg      string
	cause    error
}

func newError(kind Kind, code ErrorCode, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the peer is known not to have processed the
// request.
func (e *Error) Retryable() bool {
	return e.Kind == KindStreamUnacknowledged || e.Kind == KindEarlyDataFailed
}

// forStream returns a copy of e bound to one stream.
func (e *Error) forStream(id uint64) *Error {
	c := *e
	c.StreamID = id
	return &c
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == kind
}
