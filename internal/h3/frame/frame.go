// Package frame provides HTTP/3 frame and unidirectional stream type
// definitions, an incremental frame parser and frame writers.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
)

// Type represents an HTTP/3 frame type
type Type uint64

// HTTP/3 frame type constants
const (
	TypeData        Type = 0x0
	TypeHeaders     Type = 0x1
	TypeCancelPush  Type = 0x3
	TypeSettings    Type = 0x4
	TypePushPromise Type = 0x5
	TypeGoAway      Type = 0x7
	TypeMaxPushID   Type = 0xd
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeaders:
		return "HEADERS"
	case TypeCancelPush:
		return "CANCEL_PUSH"
	case TypeSettings:
		return "SETTINGS"
	case TypePushPromise:
		return "PUSH_PROMISE"
	case TypeGoAway:
		return "GOAWAY"
	case TypeMaxPushID:
		return "MAX_PUSH_ID"
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint64(t))
}

// StreamType is the leading varint of a unidirectional stream.
type StreamType uint64

// Unidirectional stream types
const (
	StreamControl      StreamType = 0x00
	StreamPush         StreamType = 0x01
	StreamQPACKEncoder StreamType = 0x02
	StreamQPACKDecoder StreamType = 0x03
	// StreamH1QControl is the control stream of the h1q-fb-v2 variant.
	StreamH1QControl StreamType = 0xf0
)

func (t StreamType) String() string {
	switch t {
	case StreamControl:
		return "control"
	case StreamPush:
		return "push"
	case StreamQPACKEncoder:
		return "qpack-encoder"
	case StreamQPACKDecoder:
		return "qpack-decoder"
	case StreamH1QControl:
		return "h1q-control"
	}
	return fmt.Sprintf("unknown-stream-type-%d", uint64(t))
}

// SettingID identifies an HTTP/3 setting.
type SettingID uint64

// HTTP/3 setting identifiers
const (
	SettingQPACKMaxTableCapacity SettingID = 0x1
	SettingMaxFieldSectionSize   SettingID = 0x6
	SettingQPACKBlockedStreams   SettingID = 0x7
)

// isReservedHTTP2Setting reports ids that only exist in HTTP/2 and must not
// appear in an HTTP/3 SETTINGS frame.
func isReservedHTTP2Setting(id SettingID) bool {
	return id == 0x2 || id == 0x3 || id == 0x4 || id == 0x5
}

// Setting is a single SETTINGS parameter
type Setting struct {
	ID  SettingID
	Val uint64
}

// MaxStreamID is the largest encodable stream id, used as the "accepting
// everything so far" GOAWAY sentinel.
const MaxStreamID = quicvarint.Max

// DefaultMaxFrameSize bounds the payload the parser will buffer for one frame.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is returned when a frame exceeds the parser limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMalformedSettings is returned for undecodable or illegal SETTINGS.
	ErrMalformedSettings = errors.New("malformed SETTINGS frame")
	// ErrMalformedGoAway is returned for undecodable GOAWAY payloads.
	ErrMalformedGoAway = errors.New("malformed GOAWAY frame")
)

// Frame represents a generic HTTP/3 frame
type Frame struct {
	Type    Type
	Payload []byte
}

// ParseVarint decodes one QUIC variable-length integer from the front of b.
// ok is false when b does not yet hold the whole integer.
func ParseVarint(b []byte) (v uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	n = 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, 0, false
	}
	v, err := quicvarint.Read(bytes.NewReader(b[:n]))
	if err != nil {
		return 0, 0, false
	}
	return v, n, true
}

// Parser handles incremental HTTP/3 frame parsing. Bytes are fed as they
// arrive on a stream and complete frames are returned in order.
type Parser struct {
	buf          []byte
	maxFrameSize uint64
}

// NewParser creates a new frame parser
func NewParser() *Parser {
	return &Parser{maxFrameSize: DefaultMaxFrameSize}
}

// SetMaxFrameSize changes the largest payload accepted by Next.
func (p *Parser) SetMaxFrameSize(n uint64) { p.maxFrameSize = n }

// Feed appends stream bytes to the parse buffer.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of unparsed bytes.
func (p *Parser) Buffered() int { return len(p.buf) }

// Next returns the next complete frame, or (nil, nil) when more data is
// needed. The returned payload is a copy and stays valid after later calls.
func (p *Parser) Next() (*Frame, error) {
	t, n1, ok := ParseVarint(p.buf)
	if !ok {
		return nil, nil
	}
	length, n2, ok := ParseVarint(p.buf[n1:])
	if !ok {
		return nil, nil
	}
	if length > p.maxFrameSize {
		return nil, fmt.Errorf("%w: %s length %d > %d", ErrFrameTooLarge, Type(t), length, p.maxFrameSize)
	}
	hdr := n1 + n2
	if uint64(len(p.buf)-hdr) < length {
		return nil, nil
	}
	end := hdr + int(length)
	payload := make([]byte, length)
	copy(payload, p.buf[hdr:end])
	p.buf = p.buf[end:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return &Frame{Type: Type(t), Payload: payload}, nil
}

// TakeStreamType consumes the leading stream type varint of a
// unidirectional stream. ok is false while the varint is incomplete.
func (p *Parser) TakeStreamType() (StreamType, bool) {
	v, n, ok := ParseVarint(p.buf)
	if !ok {
		return 0, false
	}
	p.buf = p.buf[n:]
	return StreamType(v), true
}

// TakeRemaining returns and clears all buffered bytes.
func (p *Parser) TakeRemaining() []byte {
	b := p.buf
	p.buf = nil
	return b
}

// AppendFrame appends a frame with the given type and payload to b.
func AppendFrame(b []byte, t Type, payload []byte) []byte {
	b = quicvarint.Append(b, uint64(t))
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// AppendStreamType appends a unidirectional stream preface.
func AppendStreamType(b []byte, t StreamType) []byte {
	return quicvarint.Append(b, uint64(t))
}

// AppendData appends a DATA frame.
func AppendData(b []byte, data []byte) []byte {
	return AppendFrame(b, TypeData, data)
}

// AppendHeaders appends a HEADERS frame carrying an encoded field section.
func AppendHeaders(b []byte, block []byte) []byte {
	return AppendFrame(b, TypeHeaders, block)
}

// AppendSettings appends a SETTINGS frame.
func AppendSettings(b []byte, settings ...Setting) []byte {
	var payload []byte
	for _, s := range settings {
		payload = quicvarint.Append(payload, uint64(s.ID))
		payload = quicvarint.Append(payload, s.Val)
	}
	return AppendFrame(b, TypeSettings, payload)
}

// AppendGoAway appends a GOAWAY frame.
func AppendGoAway(b []byte, lastStreamID uint64) []byte {
	return AppendFrame(b, TypeGoAway, quicvarint.Append(nil, lastStreamID))
}

// ParseSettings decodes a SETTINGS payload. Duplicate identifiers and HTTP/2
// only identifiers are rejected.
func ParseSettings(payload []byte) ([]Setting, error) {
	var out []Setting
	seen := make(map[SettingID]bool)
	for len(payload) > 0 {
		id, n, ok := ParseVarint(payload)
		if !ok {
			return nil, ErrMalformedSettings
		}
		payload = payload[n:]
		val, n, ok := ParseVarint(payload)
		if !ok {
			return nil, ErrMalformedSettings
		}
		payload = payload[n:]
		sid := SettingID(id)
		if isReservedHTTP2Setting(sid) {
			return nil, fmt.Errorf("%w: reserved HTTP/2 setting 0x%x", ErrMalformedSettings, id)
		}
		if seen[sid] {
			return nil, fmt.Errorf("%w: duplicate setting 0x%x", ErrMalformedSettings, id)
		}
		seen[sid] = true
		out = append(out, Setting{ID: sid, Val: val})
	}
	return out, nil
}

// ParseGoAway decodes a GOAWAY payload.
func ParseGoAway(payload []byte) (uint64, error) {
	id, n, ok := ParseVarint(payload)
	if !ok || n != len(payload) {
		return 0, ErrMalformedGoAway
	}
	return id, nil
}

// Writer handles HTTP/3 frame writing
type Writer struct {
	writer  io.Writer
	mu      sync.Mutex
	scratch []byte
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

func (w *Writer) write(fn func([]byte) []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scratch = fn(w.scratch[:0])
	_, err := w.writer.Write(w.scratch)
	return err
}

// WriteStreamType writes a unidirectional stream preface
func (w *Writer) WriteStreamType(t StreamType) error {
	return w.write(func(b []byte) []byte { return AppendStreamType(b, t) })
}

// WriteSettings writes a SETTINGS frame
func (w *Writer) WriteSettings(settings ...Setting) error {
	return w.write(func(b []byte) []byte { return AppendSettings(b, settings...) })
}

// WriteGoAway writes a GOAWAY frame
func (w *Writer) WriteGoAway(lastStreamID uint64) error {
	return w.write(func(b []byte) []byte { return AppendGoAway(b, lastStreamID) })
}

// WriteHeaders writes a HEADERS frame
func (w *Writer) WriteHeaders(block []byte) error {
	return w.write(func(b []byte) []byte { return AppendHeaders(b, block) })
}

// WriteData writes a DATA frame
func (w *Writer) WriteData(data []byte) error {
	// Zero-length DATA frames carry nothing; the stream FIN ends the message.
	if len(data) == 0 {
		return nil
	}
	return w.write(func(b []byte) []byte { return AppendData(b, data) })
}
