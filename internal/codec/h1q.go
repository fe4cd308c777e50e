package codec

import (
	"errors"
	"fmt"

	"github.com/albertbausili/hqsession/internal/h1"
	"github.com/albertbausili/hqsession/internal/message"
)

// H1QStream is the HTTP/1.x codec used by the h1q variants: one HTTP/1.1
// request/response exchange per stream, no header compression.
type H1QStream struct {
	id       uint64
	parser   *h1.Parser
	writer   *h1.Writer
	complete bool
}

// NewH1QStream creates an HTTP/1.x stream codec for the client side.
func NewH1QStream(id uint64) *H1QStream {
	return &H1QStream{
		id:     id,
		parser: h1.NewParser(),
		writer: h1.NewWriter(),
	}
}

// GenerateHeader serializes the request line and headers.
func (s *H1QStream) GenerateHeader(msg *message.Message, eom bool) ([]byte, error) {
	if msg.IsRequest() {
		s.parser.SetRequestMethod(msg.Method)
	}
	return s.writer.AppendHeader(nil, msg, eom)
}

// GenerateBody serializes body bytes.
func (s *H1QStream) GenerateBody(data []byte, eom bool) ([]byte, error) {
	out, err := s.writer.AppendBody(nil, data)
	if err != nil {
		return nil, err
	}
	if eom {
		out = s.writer.AppendEOM(out)
	}
	return out, nil
}

// GenerateTrailers serializes trailers, ending the message. Trailers on a
// message without chunked framing are dropped.
func (s *H1QStream) GenerateTrailers(trailers message.Header) ([]byte, error) {
	out := s.writer.AppendTrailers(nil, trailers)
	return s.writer.AppendEOM(out), nil
}

// GenerateEOM terminates the message body.
func (s *H1QStream) GenerateEOM() ([]byte, error) {
	return s.writer.AppendEOM(nil), nil
}

// Feed appends ingress bytes.
func (s *H1QStream) Feed(data []byte) { s.parser.Feed(data) }

// FeedEOF marks the stream FIN.
func (s *H1QStream) FeedEOF() { s.parser.FeedEOF() }

// Buffered returns unparsed ingress bytes.
func (s *H1QStream) Buffered() int { return s.parser.Buffered() }

// IngressComplete reports whether EOM was produced.
func (s *H1QStream) IngressComplete() bool { return s.complete }

// Next returns the next ingress event.
func (s *H1QStream) Next() (Event, error) {
	ev, err := s.parser.Next()
	if err != nil {
		if errors.Is(err, h1.ErrUnexpectedEOF) {
			return Event{}, fmt.Errorf("%w: %v", ErrIncomplete, err)
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch ev.Kind {
	case h1.EventHeaders:
		return Event{Kind: EventHeaders, Msg: ev.Msg}, nil
	case h1.EventBody:
		return Event{Kind: EventBody, Data: ev.Data}, nil
	case h1.EventTrailers:
		return Event{Kind: EventTrailers, Trailers: ev.Trailers}, nil
	case h1.EventEOM:
		s.complete = true
		return Event{Kind: EventEOM}, nil
	}
	return Event{}, nil
}
