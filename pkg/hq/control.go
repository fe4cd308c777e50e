package hq

import (
	"errors"
	"fmt"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/h3/frame"
)

// peerStream is a unidirectional stream opened by the peer. Its type is
// read from the first bytes before it is bound to a role.
type peerStream struct {
	id      uint64
	typ     frame.StreamType
	typed   bool
	ignored bool
	pending []byte
	ctrl    *codec.ControlCodec
}

func (s *Session) peerStream(id uint64) *peerStream {
	ps, ok := s.peerStreams[id]
	if !ok {
		ps = &peerStream{id: id}
		s.peerStreams[id] = ps
	}
	return ps
}

func (s *Session) isCritical(ps *peerStream) bool {
	return ps == s.peerControl || ps == s.peerEncoder || ps == s.peerDecoder
}

// SendSettings writes the local SETTINGS. It is called when the transport
// becomes ready and panics if called again.
func (s *Session) SendSettings() {
	if s.settingsSent {
		panic("hq: settings already sent")
	}
	s.settingsSent = true
	if !s.ops.exchangesSettings() {
		return
	}
	settings := []frame.Setting{
		{ID: frame.SettingQPACKMaxTableCapacity, Val: s.cfg.QPACKTableCapacity},
		{ID: frame.SettingQPACKBlockedStreams, Val: uint64(s.cfg.QPACKBlockedStreams)},
	}
	if s.cfg.MaxFieldSectionSize > 0 {
		settings = append(settings, frame.Setting{ID: frame.SettingMaxFieldSectionSize, Val: s.cfg.MaxFieldSectionSize})
	}
	s.write(s.localControl, s.ctrl.GenerateSettings(settings...), false)
}

func (s *Session) onPeerStreamRead(id uint64, data []byte, eof bool) {
	ps := s.peerStream(id)
	if ps.ignored {
		return
	}
	if !ps.typed {
		ps.pending = append(ps.pending, data...)
		t, n, ok := frame.ParseVarint(ps.pending)
		if !ok {
			if eof {
				delete(s.peerStreams, id)
			}
			return
		}
		data = ps.pending[n:]
		ps.pending = nil
		ps.typ = frame.StreamType(t)
		ps.typed = true
		if !s.bindPeerStream(ps) {
			return
		}
	}

	switch ps {
	case s.peerControl:
		s.readControl(ps, data)
	case s.peerEncoder:
		s.qpack.onEncoderStream(data)
	}
	// Peer decoder stream instructions acknowledge our header blocks, which
	// never reference the dynamic table.

	if eof && s.state != StateClosed {
		s.connectionError(ErrClosedCriticalStream, fmt.Sprintf("%s stream closed", ps.typ))
	}
}

// bindPeerStream assigns ps its role. Streams of unknown or refused types
// are stopped; a duplicate critical stream fails the connection.
func (s *Session) bindPeerStream(ps *peerStream) bool {
	var slot **peerStream
	if t, ok := s.ops.controlStreamType(); ok && ps.typ == t {
		slot = &s.peerControl
	} else if s.ops.usesQPACK() {
		switch ps.typ {
		case frame.StreamQPACKEncoder:
			slot = &s.peerEncoder
		case frame.StreamQPACKDecoder:
			slot = &s.peerDecoder
		}
	}

	if slot == nil {
		code := ErrUnknownStreamType
		if ps.typ == frame.StreamPush && s.ops.usesQPACK() {
			code = ErrPushRefused
		}
		s.logger.Debug().Uint64("stream", ps.id).Stringer("type", ps.typ).Msg("refusing peer stream")
		ps.ignored = true
		_ = s.tr.StopSending(ps.id, uint64(code))
		return false
	}
	if *slot != nil {
		s.connectionError(ErrWrongStreamCount, fmt.Sprintf("second %s stream", ps.typ))
		return false
	}
	*slot = ps
	if slot == &s.peerControl {
		ps.ctrl = codec.NewControlCodec()
	}
	return true
}

func (s *Session) onPeerStreamReset(id uint64, code uint64) {
	ps, ok := s.peerStreams[id]
	if !ok {
		return
	}
	if s.isCritical(ps) {
		s.connectionError(ErrClosedCriticalStream, fmt.Sprintf("%s stream reset with 0x%x", ps.typ, code))
		return
	}
	delete(s.peerStreams, id)
}

func (s *Session) readControl(ps *peerStream, data []byte) {
	ps.ctrl.Feed(data)
	for s.state != StateClosed {
		ev, err := ps.ctrl.Next()
		if err != nil {
			s.connectionError(controlErrorCode(err), err.Error())
			return
		}
		if ev.Kind == codec.ControlNone {
			return
		}
		s.onControlEvent(ev)
	}
}

func controlErrorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, codec.ErrWrongStream):
		return ErrWrongStream
	case errors.Is(err, frame.ErrMalformedSettings):
		return ErrMalformedFrameSettings
	case errors.Is(err, frame.ErrMalformedGoAway):
		return ErrMalformedFrameGoaway
	}
	return ErrMalformedFrame
}

func (s *Session) onControlEvent(ev codec.ControlEvent) {
	if s.ops.exchangesSettings() && !s.settingsReceived && ev.Kind != codec.ControlSettings {
		s.connectionError(ErrMissingSettings, fmt.Sprintf("%s before SETTINGS", ev.FrameType))
		return
	}

	switch ev.Kind {
	case codec.ControlSettings:
		if !s.ops.exchangesSettings() || s.settingsReceived {
			s.connectionError(ErrUnexpectedFrame, "unexpected SETTINGS frame")
			return
		}
		s.onSettings(ev.Settings)
	case codec.ControlGoaway:
		s.onGoaway(ev.LastStreamID)
	case codec.ControlOther:
		if ev.FrameType == frame.TypeMaxPushID {
			s.connectionError(ErrUnexpectedFrame, "MAX_PUSH_ID received by client")
		}
		// CANCEL_PUSH refers to pushes we never allowed, and unknown frame
		// types are ignored.
	}
}

func (s *Session) onSettings(settings []frame.Setting) {
	s.settingsReceived = true
	s.peerSettings = settings
	for _, st := range settings {
		s.logger.Debug().Uint64("id", uint64(st.ID)).Uint64("value", st.Val).Msg("peer setting")
	}
	s.connectSuccess()
}

// onGoaway applies a peer GOAWAY. Thresholds may only decrease; every
// attached transaction is told, and those above the threshold fail as
// unacknowledged so the application can retry them elsewhere.
func (s *Session) onGoaway(lastStreamID uint64) {
	goawaysReceived.Inc()
	if s.goawayReceived && lastStreamID > s.goawayID {
		s.logger.Warn().
			Uint64("last_stream_id", lastStreamID).
			Uint64("previous", s.goawayID).
			Msg("ignoring GOAWAY with increased stream id")
		return
	}
	s.goawayReceived = true
	s.goawayID = lastStreamID
	s.peerDrained = true
	if s.state != StateClosed {
		s.state = StateDraining
	}
	s.logger.Debug().Uint64("last_stream_id", lastStreamID).Msg("received GOAWAY")

	for _, t := range s.txns.Snapshot() {
		if t.detached {
			continue
		}
		t.invoke(func(h Handler) { h.OnGoaway(lastStreamID) })
		if t.id > lastStreamID {
			t.unacknowledged()
		}
	}
	s.maybeClose()
}
