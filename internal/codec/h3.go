package codec

import (
	"errors"
	"fmt"

	"github.com/albertbausili/hqsession/internal/h3/frame"
	"github.com/albertbausili/hqsession/internal/message"
	"github.com/albertbausili/hqsession/internal/qpack"
)

// Role selects which side of the exchange a stream codec parses.
type Role int

// Codec roles
const (
	// RoleClient sends requests and parses responses.
	RoleClient Role = iota
	// RoleServer sends responses and parses requests.
	RoleServer
)

type h3State int

const (
	h3AwaitHeaders h3State = iota
	h3Body
	h3AfterTrailers
	h3Done
)

// H3Stream is the HTTP/3 codec for one request stream. The QPACK encoder and
// decoder are shared by all streams of a connection.
type H3Stream struct {
	id      uint64
	role    Role
	encoder *qpack.Encoder
	decoder *qpack.Decoder
	parser  *frame.Parser

	state    h3State
	blocked  bool
	eof      bool
	method   string
	msg      *message.Message
	bodyLen  int64
	egressOK bool
}

// NewH3Stream creates an HTTP/3 stream codec.
func NewH3Stream(id uint64, role Role, enc *qpack.Encoder, dec *qpack.Decoder) *H3Stream {
	return &H3Stream{
		id:      id,
		role:    role,
		encoder: enc,
		decoder: dec,
		parser:  frame.NewParser(),
	}
}

// GenerateHeader encodes msg into a HEADERS frame.
func (s *H3Stream) GenerateHeader(msg *message.Message, eom bool) ([]byte, error) {
	if s.egressOK {
		return nil, fmt.Errorf("h3: headers already sent on stream %d", s.id)
	}
	if msg.IsRequest() {
		s.method = msg.Method
	}
	if !msg.IsInformational() {
		s.egressOK = true
	}
	block := s.encoder.Encode(fieldsFromMessage(msg))
	return frame.AppendHeaders(nil, block), nil
}

// GenerateBody encodes data into a DATA frame.
func (s *H3Stream) GenerateBody(data []byte, eom bool) ([]byte, error) {
	if !s.egressOK {
		return nil, fmt.Errorf("h3: body before headers on stream %d", s.id)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return frame.AppendData(nil, data), nil
}

// GenerateTrailers encodes trailers into a HEADERS frame.
func (s *H3Stream) GenerateTrailers(trailers message.Header) ([]byte, error) {
	if !s.egressOK {
		return nil, fmt.Errorf("h3: trailers before headers on stream %d", s.id)
	}
	block := s.encoder.Encode(fieldsFromHeader(trailers))
	return frame.AppendHeaders(nil, block), nil
}

// GenerateEOM returns nothing; the message ends with the stream FIN.
func (s *H3Stream) GenerateEOM() ([]byte, error) { return nil, nil }

// Feed appends ingress bytes.
func (s *H3Stream) Feed(data []byte) { s.parser.Feed(data) }

// FeedEOF marks the stream FIN.
func (s *H3Stream) FeedEOF() { s.eof = true }

// Buffered returns unparsed ingress bytes.
func (s *H3Stream) Buffered() int { return s.parser.Buffered() }

// IngressComplete reports whether EOM was produced.
func (s *H3Stream) IngressComplete() bool { return s.state == h3Done }

// Next returns the next ingress event.
func (s *H3Stream) Next() (Event, error) {
	if s.blocked || s.state == h3Done {
		return Event{}, nil
	}
	for {
		f, err := s.parser.Next()
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if f == nil {
			if !s.eof {
				return Event{}, nil
			}
			return s.finish()
		}

		switch f.Type {
		case frame.TypeHeaders:
			if s.state == h3AfterTrailers {
				return Event{}, fmt.Errorf("%w: HEADERS after trailers on stream %d", ErrUnexpectedFrame, s.id)
			}
			return s.decodeBlock(f.Payload)
		case frame.TypeData:
			if s.state != h3Body {
				return Event{}, fmt.Errorf("%w: DATA in state %d on stream %d", ErrUnexpectedFrame, s.state, s.id)
			}
			if len(f.Payload) == 0 {
				continue
			}
			s.bodyLen += int64(len(f.Payload))
			return Event{Kind: EventBody, Data: f.Payload}, nil
		case frame.TypeSettings, frame.TypeGoAway, frame.TypeCancelPush, frame.TypeMaxPushID:
			return Event{}, fmt.Errorf("%w: %s on request stream %d", ErrWrongStream, f.Type, s.id)
		case frame.TypePushPromise:
			return Event{}, fmt.Errorf("%w: PUSH_PROMISE without MAX_PUSH_ID", ErrUnexpectedFrame)
		default:
			// Reserved and unknown frame types are ignored.
		}
	}
}

// finish handles the stream FIN once all complete frames are consumed.
func (s *H3Stream) finish() (Event, error) {
	if s.parser.Buffered() > 0 {
		return Event{}, fmt.Errorf("%w: truncated frame on stream %d", ErrIncomplete, s.id)
	}
	if s.state == h3AwaitHeaders {
		return Event{}, fmt.Errorf("%w: no final headers on stream %d", ErrIncomplete, s.id)
	}
	if s.expectsLength() {
		if err := validateContentLength(s.msg.Header, s.bodyLen); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	s.state = h3Done
	return Event{Kind: EventEOM}, nil
}

func (s *H3Stream) expectsLength() bool {
	if s.msg == nil || s.method == "HEAD" {
		return false
	}
	return s.msg.Status != 204 && s.msg.Status != 304
}

func (s *H3Stream) decodeBlock(block []byte) (Event, error) {
	fields, err := s.decoder.Decode(s.id, block)
	if errors.Is(err, qpack.ErrBlocked) {
		ric, _ := s.decoder.RequiredInsertCount(block)
		s.blocked = true
		return Event{Kind: EventBlocked, Block: block, RequiredInsertCount: ric}, nil
	}
	if err != nil {
		return Event{}, err
	}
	return s.fieldsEvent(fields)
}

// Unblock decodes a previously blocked header block and resumes parsing.
func (s *H3Stream) Unblock(block []byte) (Event, error) {
	s.blocked = false
	return s.decodeBlock(block)
}

func (s *H3Stream) fieldsEvent(fields []qpack.Field) (Event, error) {
	if s.state == h3Body {
		h, err := headerFromFields(fields)
		if err != nil {
			return Event{}, err
		}
		s.state = h3AfterTrailers
		return Event{Kind: EventTrailers, Trailers: h}, nil
	}

	var (
		msg *message.Message
		err error
	)
	if s.role == RoleClient {
		msg, err = responseFromFields(fields)
	} else {
		msg, err = requestFromFields(fields)
	}
	if err != nil {
		return Event{}, err
	}
	if s.role == RoleClient && msg.IsInformational() {
		return Event{Kind: EventHeaders, Msg: msg}, nil
	}
	s.msg = msg
	s.state = h3Body
	return Event{Kind: EventHeaders, Msg: msg}, nil
}
