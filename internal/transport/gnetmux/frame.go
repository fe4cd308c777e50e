// Package gnetmux carries QUIC-style streams over a single TCP connection
// driven by gnet.
package gnetmux

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType identifies a mux frame.
type FrameType uint8

// Mux frame types
const (
	FrameStream          FrameType = 0x0
	FrameStreamFin       FrameType = 0x1
	FrameResetStream     FrameType = 0x2
	FrameStopSending     FrameType = 0x3
	FrameConnectionClose FrameType = 0x4
	FrameHandshakeDone   FrameType = 0x5
)

func (t FrameType) String() string {
	switch t {
	case FrameStream:
		return "STREAM"
	case FrameStreamFin:
		return "STREAM_FIN"
	case FrameResetStream:
		return "RESET_STREAM"
	case FrameStopSending:
		return "STOP_SENDING"
	case FrameConnectionClose:
		return "CONNECTION_CLOSE"
	case FrameHandshakeDone:
		return "HANDSHAKE_DONE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint8(t))
	}
}

// MaxPayload bounds a single frame payload.
const MaxPayload = 1 << 20

var (
	// ErrFrameTooLarge is returned for frames above MaxPayload.
	ErrFrameTooLarge = errors.New("gnetmux: frame too large")
	// ErrUnknownFrame is returned for an unknown frame type.
	ErrUnknownFrame = errors.New("gnetmux: unknown frame type")
	// ErrMalformedFrame is returned when a control payload cannot be parsed.
	ErrMalformedFrame = errors.New("gnetmux: malformed frame")
)

// Frame is one decoded mux frame.
type Frame struct {
	Type     FrameType
	StreamID uint64
	Payload  []byte
}

// Code returns the error code carried by RESET_STREAM, STOP_SENDING and
// CONNECTION_CLOSE frames.
func (f *Frame) Code() (uint64, error) {
	code, _, err := quicvarint.Parse(f.Payload)
	if err != nil {
		return 0, ErrMalformedFrame
	}
	return code, nil
}

// Reason returns the CONNECTION_CLOSE reason phrase.
func (f *Frame) Reason() string {
	_, n, err := quicvarint.Parse(f.Payload)
	if err != nil {
		return ""
	}
	return string(f.Payload[n:])
}

// AppendFrame appends a frame to b.
func AppendFrame(b []byte, t FrameType, streamID uint64, payload []byte) []byte {
	b = append(b, byte(t))
	b = quicvarint.Append(b, streamID)
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// AppendStream appends STREAM or STREAM_FIN.
func AppendStream(b []byte, streamID uint64, data []byte, fin bool) []byte {
	t := FrameStream
	if fin {
		t = FrameStreamFin
	}
	return AppendFrame(b, t, streamID, data)
}

// AppendCode appends a frame whose payload is a single error code.
func AppendCode(b []byte, t FrameType, streamID uint64, code uint64) []byte {
	return AppendFrame(b, t, streamID, quicvarint.Append(nil, code))
}

// AppendConnectionClose appends CONNECTION_CLOSE.
func AppendConnectionClose(b []byte, code uint64, reason string) []byte {
	payload := quicvarint.Append(nil, code)
	payload = append(payload, reason...)
	return AppendFrame(b, FrameConnectionClose, 0, payload)
}

// Parser splits a byte stream into frames.
type Parser struct {
	buf []byte
}

// Feed appends received bytes.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of unparsed bytes.
func (p *Parser) Buffered() int { return len(p.buf) }

// Next returns the next complete frame, or nil when more bytes are needed.
// The payload is a copy.
func (p *Parser) Next() (*Frame, error) {
	if len(p.buf) == 0 {
		return nil, nil
	}
	t := FrameType(p.buf[0])
	if t > FrameHandshakeDone {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownFrame, p.buf[0])
	}
	rest := p.buf[1:]
	id, n, err := quicvarint.Parse(rest)
	if err != nil {
		return nil, nil
	}
	rest = rest[n:]
	length, n, err := quicvarint.Parse(rest)
	if err != nil {
		return nil, nil
	}
	if length > MaxPayload {
		return nil, ErrFrameTooLarge
	}
	rest = rest[n:]
	if uint64(len(rest)) < length {
		return nil, nil
	}
	f := &Frame{Type: t, StreamID: id, Payload: append([]byte(nil), rest[:length]...)}
	p.buf = rest[length:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return f, nil
}
