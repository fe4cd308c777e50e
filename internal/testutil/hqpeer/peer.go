// Package hqpeer scripts the server side of an HQ connection on top of a
// quicdriver.Driver: control streams, QPACK encoder output and responses.
package hqpeer

import (
	"sort"
	"strings"
	"time"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/h1"
	"github.com/albertbausili/hqsession/internal/h3/frame"
	"github.com/albertbausili/hqsession/internal/message"
	"github.com/albertbausili/hqsession/internal/qpack"
	"github.com/albertbausili/hqsession/internal/testutil/quicdriver"
)

// Mode is the wire variant the peer speaks.
type Mode int

// Peer modes
const (
	ModeH1QV1 Mode = iota
	ModeH1QV2
	ModeH3
)

// Server unidirectional stream ids.
const (
	ControlStreamID uint64 = 3
	EncoderStreamID uint64 = 7
	DecoderStreamID uint64 = 11
)

// TableCapacity is the dynamic table capacity the peer encoder uses.
const TableCapacity = 4096

type stream struct {
	h3  *codec.H3Stream
	h1  *h1.Writer
	buf []byte
	eof bool
}

// Peer is a scripted server.
type Peer struct {
	d       *quicdriver.Driver
	mode    Mode
	enc     *qpack.Encoder
	ctrl    *codec.ControlCodec
	indexed map[string]bool
	encData []byte
	streams map[uint64]*stream
}

// New creates a peer that injects its bytes through d.
func New(d *quicdriver.Driver, mode Mode) *Peer {
	p := &Peer{
		d:       d,
		mode:    mode,
		enc:     qpack.NewEncoder(TableCapacity),
		ctrl:    codec.NewControlCodec(),
		indexed: make(map[string]bool),
		streams: make(map[uint64]*stream),
	}
	p.enc.SetIndexPolicy(func(f qpack.Field) bool { return p.indexed[f.Name] })
	return p
}

// IndexHeaders makes the encoder insert the named fields into the dynamic
// table, so responses carrying them depend on encoder stream data.
func (p *Peer) IndexHeaders(names ...string) {
	for _, n := range names {
		p.indexed[strings.ToLower(n)] = true
	}
}

// CreateControlStreams opens the server's unidirectional streams. In h3 the
// control stream carries SETTINGS when sendSettings is set.
func (p *Peer) CreateControlStreams(sendSettings bool) {
	switch p.mode {
	case ModeH1QV2:
		p.d.AddReadEvent(ControlStreamID, frame.AppendStreamType(nil, frame.StreamH1QControl), 0)
	case ModeH3:
		b := frame.AppendStreamType(nil, frame.StreamControl)
		if sendSettings {
			b = append(b, p.settings()...)
		}
		p.d.AddReadEvent(ControlStreamID, b, 0)
		p.d.AddReadEvent(EncoderStreamID, frame.AppendStreamType(nil, frame.StreamQPACKEncoder), 0)
		p.d.AddReadEvent(DecoderStreamID, frame.AppendStreamType(nil, frame.StreamQPACKDecoder), 0)
	}
}

func (p *Peer) settings() []byte {
	return p.ctrl.GenerateSettings(
		frame.Setting{ID: frame.SettingQPACKMaxTableCapacity, Val: TableCapacity},
		frame.Setting{ID: frame.SettingQPACKBlockedStreams, Val: 100},
	)
}

// SendSettings sends a SETTINGS frame on the control stream after delay.
func (p *Peer) SendSettings(delay time.Duration) {
	p.SendControlFrame(p.settings(), delay)
}

// SendGoaway sends GOAWAY(lastStreamID) on the control stream after delay.
func (p *Peer) SendGoaway(lastStreamID uint64, delay time.Duration) {
	p.SendControlFrame(p.ctrl.GenerateGoaway(lastStreamID), delay)
}

// SendControlFrame writes raw bytes on the control stream after delay.
func (p *Peer) SendControlFrame(b []byte, delay time.Duration) {
	p.d.AddReadEvent(ControlStreamID, b, delay)
}

func (p *Peer) stream(id uint64) *stream {
	st, ok := p.streams[id]
	if !ok {
		st = &stream{}
		if p.mode == ModeH3 {
			st.h3 = codec.NewH3Stream(id, codec.RoleServer, p.enc, qpack.NewDecoder(0))
		} else {
			st.h1 = h1.NewWriter()
		}
		p.streams[id] = st
	}
	return st
}

// SendResponse buffers resp and body on stream id. Nothing reaches the
// session until Flush.
func (p *Peer) SendResponse(id uint64, resp *message.Message, body []byte, eom bool) error {
	st := p.stream(id)
	headerEOM := eom && len(body) == 0
	var err error
	if st.h3 != nil {
		var b []byte
		if b, err = st.h3.GenerateHeader(resp, headerEOM); err != nil {
			return err
		}
		st.buf = append(st.buf, b...)
		if len(body) > 0 {
			if b, err = st.h3.GenerateBody(body, eom); err != nil {
				return err
			}
			st.buf = append(st.buf, b...)
		}
		p.encData = append(p.encData, p.enc.TakeEncoderStream()...)
	} else {
		if st.buf, err = st.h1.AppendHeader(st.buf, resp, headerEOM); err != nil {
			return err
		}
		if len(body) > 0 {
			if st.buf, err = st.h1.AppendBody(st.buf, body); err != nil {
				return err
			}
		}
		if eom && !resp.IsInformational() {
			st.buf = st.h1.AppendEOM(st.buf)
		}
	}
	if eom && !resp.IsInformational() {
		st.eof = true
	}
	return nil
}

// SendBody buffers more body bytes on stream id.
func (p *Peer) SendBody(id uint64, body []byte, eom bool) error {
	st := p.stream(id)
	if st.h3 != nil {
		b, err := st.h3.GenerateBody(body, eom)
		if err != nil {
			return err
		}
		st.buf = append(st.buf, b...)
	} else {
		var err error
		if st.buf, err = st.h1.AppendBody(st.buf, body); err != nil {
			return err
		}
		if eom {
			st.buf = st.h1.AppendEOM(st.buf)
		}
	}
	if eom {
		st.eof = true
	}
	return nil
}

// SendTrailers buffers trailers on stream id and ends the response.
func (p *Peer) SendTrailers(id uint64, trailers message.Header) error {
	st := p.stream(id)
	if st.h3 != nil {
		b, err := st.h3.GenerateTrailers(trailers)
		if err != nil {
			return err
		}
		st.buf = append(st.buf, b...)
		p.encData = append(p.encData, p.enc.TakeEncoderStream()...)
	} else {
		st.buf = st.h1.AppendTrailers(st.buf, trailers)
		st.buf = st.h1.AppendEOM(st.buf)
	}
	st.eof = true
	return nil
}

// SendRaw buffers raw frame bytes on stream id.
func (p *Peer) SendRaw(id uint64, b []byte) {
	st := p.stream(id)
	st.buf = append(st.buf, b...)
}

// TakeEncoderData returns and clears pending encoder stream bytes.
func (p *Peer) TakeEncoderData() []byte {
	b := p.encData
	p.encData = nil
	return b
}

// AppendEncoderData puts encoder stream bytes back in front of the next
// Flush.
func (p *Peer) AppendEncoderData(b []byte) {
	p.encData = append(p.encData, b...)
}

// TakeStream returns and clears the buffered bytes and FIN of stream id.
func (p *Peer) TakeStream(id uint64) ([]byte, bool) {
	st := p.stream(id)
	b, eof := st.buf, st.eof
	st.buf = nil
	st.eof = false
	return b, eof
}

// Flush queues pending encoder data immediately, then every stream's bytes
// after initialDelay and its FIN after eofDelay, in stream id order.
func (p *Peer) Flush(initialDelay, eofDelay time.Duration) {
	if len(p.encData) > 0 {
		p.d.AddReadEvent(EncoderStreamID, p.TakeEncoderData(), 0)
	}
	ids := make([]uint64, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b, eof := p.TakeStream(id)
		if len(b) > 0 {
			p.d.AddReadEvent(id, b, initialDelay)
		}
		if eof {
			p.d.AddReadEOF(id, eofDelay)
		}
	}
}
