// Package codec provides the per-stream HTTP codecs used by the session:
// HTTP/1.x framing for the h1q variants, HTTP/3 framing with QPACK for h3,
// and the control stream codec.
package codec

import (
	"errors"

	"github.com/albertbausili/hqsession/internal/message"
)

var (
	// ErrWrongStream is returned for a frame type that may not appear on the
	// stream it arrived on. It is fatal to the connection.
	ErrWrongStream = errors.New("codec: frame not permitted on this stream")
	// ErrUnexpectedFrame is returned for a permitted frame type arriving in
	// the wrong state. It is fatal to the connection.
	ErrUnexpectedFrame = errors.New("codec: unexpected frame")
	// ErrMalformed is returned for a message that cannot be parsed. It is
	// scoped to the stream.
	ErrMalformed = errors.New("codec: malformed message")
	// ErrIncomplete is returned when a stream ends before the message does.
	ErrIncomplete = errors.New("codec: stream ended before end of message")
)

// EventKind identifies an ingress event.
type EventKind int

// Ingress events
const (
	EventNone EventKind = iota
	EventHeaders
	EventBody
	EventTrailers
	EventEOM
	// EventBlocked reports a header block waiting for dynamic table state.
	// Parsing stops until Unblock is called.
	EventBlocked
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventHeaders:
		return "headers"
	case EventBody:
		return "body"
	case EventTrailers:
		return "trailers"
	case EventEOM:
		return "eom"
	case EventBlocked:
		return "blocked"
	}
	return "unknown"
}

// Event is a single ingress result.
type Event struct {
	Kind     EventKind
	Msg      *message.Message
	Data     []byte
	Trailers message.Header

	// Block and RequiredInsertCount are set for EventBlocked.
	Block               []byte
	RequiredInsertCount uint64
}

// StreamCodec frames one request/response exchange on one stream.
// Generate methods return the bytes to write; the caller decides on FIN.
type StreamCodec interface {
	GenerateHeader(msg *message.Message, eom bool) ([]byte, error)
	GenerateBody(data []byte, eom bool) ([]byte, error)
	GenerateTrailers(trailers message.Header) ([]byte, error)
	GenerateEOM() ([]byte, error)

	// Feed appends ingress bytes; FeedEOF marks the stream FIN.
	Feed(data []byte)
	FeedEOF()
	// Next returns the next ingress event, EventNone when more input is
	// needed or the stream is blocked.
	Next() (Event, error)
	// Buffered returns the number of ingress bytes not yet parsed.
	Buffered() int
	// IngressComplete reports whether EOM was produced.
	IngressComplete() bool
}

// Unblocker is implemented by codecs whose header blocks can block on a
// dynamic table.
type Unblocker interface {
	// Unblock decodes a header block previously reported by EventBlocked.
	Unblock(block []byte) (Event, error)
}
