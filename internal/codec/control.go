package codec

import (
	"fmt"

	"github.com/albertbausili/hqsession/internal/h3/frame"
)

// ControlEventKind identifies a control stream event.
type ControlEventKind int

// Control stream events
const (
	ControlNone ControlEventKind = iota
	ControlSettings
	ControlGoaway
	// ControlOther is a known connection-level frame the session may reject
	// (CANCEL_PUSH, MAX_PUSH_ID) or an unknown frame type.
	ControlOther
)

// ControlEvent is one parsed control stream frame.
type ControlEvent struct {
	Kind         ControlEventKind
	FrameType    frame.Type
	Settings     []frame.Setting
	LastStreamID uint64
}

// ControlCodec parses the frames of a peer control stream (after its stream
// type) and generates frames for the local one.
type ControlCodec struct {
	parser *frame.Parser
	eof    bool
}

// NewControlCodec creates a control stream codec.
func NewControlCodec() *ControlCodec {
	p := frame.NewParser()
	p.SetMaxFrameSize(16 << 10)
	return &ControlCodec{parser: p}
}

// Feed appends ingress bytes.
func (c *ControlCodec) Feed(data []byte) { c.parser.Feed(data) }

// FeedEOF marks the stream FIN.
func (c *ControlCodec) FeedEOF() { c.eof = true }

// EOF reports whether the stream FIN was seen.
func (c *ControlCodec) EOF() bool { return c.eof }

// Next returns the next control event.
func (c *ControlCodec) Next() (ControlEvent, error) {
	f, err := c.parser.Next()
	if err != nil {
		return ControlEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f == nil {
		return ControlEvent{}, nil
	}
	switch f.Type {
	case frame.TypeSettings:
		settings, err := frame.ParseSettings(f.Payload)
		if err != nil {
			return ControlEvent{}, err
		}
		return ControlEvent{Kind: ControlSettings, FrameType: f.Type, Settings: settings}, nil
	case frame.TypeGoAway:
		id, err := frame.ParseGoAway(f.Payload)
		if err != nil {
			return ControlEvent{}, err
		}
		return ControlEvent{Kind: ControlGoaway, FrameType: f.Type, LastStreamID: id}, nil
	case frame.TypeData, frame.TypeHeaders, frame.TypePushPromise:
		return ControlEvent{}, fmt.Errorf("%w: %s on control stream", ErrWrongStream, f.Type)
	}
	return ControlEvent{Kind: ControlOther, FrameType: f.Type}, nil
}

// GenerateSettings returns a SETTINGS frame.
func (c *ControlCodec) GenerateSettings(settings ...frame.Setting) []byte {
	return frame.AppendSettings(nil, settings...)
}

// GenerateGoaway returns a GOAWAY frame.
func (c *ControlCodec) GenerateGoaway(lastStreamID uint64) []byte {
	return frame.AppendGoAway(nil, lastStreamID)
}
