package hq

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/h3/frame"
	"github.com/albertbausili/hqsession/internal/qpack"
	"github.com/albertbausili/hqsession/internal/registry"
	"github.com/albertbausili/hqsession/internal/replaysafe"
	"github.com/albertbausili/hqsession/internal/transport"
)

// State is the lifecycle state of a session.
type State int

// Session states
const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CloseReason records why a session closed.
type CloseReason int

// Close reasons
const (
	CloseReasonUnset CloseReason = iota
	// CloseReasonShutdown means the transport failed or ended.
	CloseReasonShutdown
	// CloseReasonProtocolError means the session detected a peer violation.
	CloseReasonProtocolError
	// CloseReasonDropped means DropConnection was called.
	CloseReasonDropped
	// CloseReasonIdle means the session closed after CloseWhenIdle.
	CloseReasonIdle
	// CloseReasonGoaway means the peer drained the session.
	CloseReasonGoaway
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonUnset:
		return "unset"
	case CloseReasonShutdown:
		return "shutdown"
	case CloseReasonProtocolError:
		return "protocol_error"
	case CloseReasonDropped:
		return "dropped"
	case CloseReasonIdle:
		return "idle"
	case CloseReasonGoaway:
		return "goaway"
	}
	return fmt.Sprintf("CloseReason(%d)", int(r))
}

// Session multiplexes client transactions over one transport connection.
// Except for construction, every method must be called on the session's
// event loop.
type Session struct {
	id     string
	cfg    Config
	ops    variantOps
	tr     transport.Transport
	loop   eventloop.Loop
	logger zerolog.Logger

	txns      *registry.Registry[*Transaction]
	replay    *replaysafe.Registry
	connectCb ConnectCallback

	enc   *qpack.Encoder
	dec   *qpack.Decoder
	qpack *qpackCoordinator
	ctrl  *codec.ControlCodec

	localControl uint64
	localEncoder uint64
	localDecoder uint64
	hasControl   bool
	peerStreams  map[uint64]*peerStream
	peerControl  *peerStream
	peerEncoder  *peerStream
	peerDecoder  *peerStream

	state            State
	closeReason      CloseReason
	settingsSent     bool
	settingsReceived bool
	peerSettings     []frame.Setting
	connected        bool
	drainStarted     bool
	drainV1          bool
	peerDrained      bool
	closingWhenIdle  bool
	fatal            bool
	fanningOut       bool
	goawayReceived   bool
	goawayID         uint64
	drainTimer       eventloop.Timer

	localAddr net.Addr
	peerAddr  net.Addr
}

// NewSession creates a client session on tr and registers it as the
// transport's callback. Events are expected on loop.
func NewSession(tr transport.Transport, loop eventloop.Loop, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ops, err := newVariantOps(cfg.Variant)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		ops:         ops,
		tr:          tr,
		loop:        loop,
		txns:        registry.New[*Transaction](),
		replay:      replaysafe.New(tr.ReplaySafe()),
		ctrl:        codec.NewControlCodec(),
		peerStreams: make(map[uint64]*peerStream),
		localAddr:   tr.LocalAddr(),
		peerAddr:    tr.PeerAddr(),
	}
	s.logger = cfg.Logger.With().
		Str("session", s.id).
		Str("variant", ops.variant().String()).
		Logger()

	if ops.usesQPACK() {
		// Header blocks are sent as literals; only the peer's encoder
		// uses a dynamic table.
		s.enc = qpack.NewEncoder(0)
		s.dec = qpack.NewDecoder(cfg.QPACKTableCapacity)
		s.dec.SetMaxFieldSectionSize(cfg.MaxFieldSectionSize)
		s.qpack = newQPACKCoordinator(s, cfg.QPACKBlockedStreams, cfg.QPACKBlockTimeout)
	}

	tr.SetCallback(s)
	return s, nil
}

// ID returns the session's unique id, used to correlate logs and traces.
func (s *Session) ID() string { return s.id }

// Variant returns the protocol spoken by the session.
func (s *Session) Variant() Variant { return s.ops.variant() }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// CloseReason returns why the session closed, or CloseReasonUnset.
func (s *Session) CloseReason() CloseReason { return s.closeReason }

// NumTransactions returns the number of attached transactions.
func (s *Session) NumTransactions() int { return s.txns.Len() }

// PeerSettings returns the SETTINGS received from the peer.
func (s *Session) PeerSettings() []frame.Setting { return s.peerSettings }

// LocalAddr returns the local address. It stays available after the
// transport is closed.
func (s *Session) LocalAddr() net.Addr {
	if s.state != StateClosed {
		if a := s.tr.LocalAddr(); a != nil {
			s.localAddr = a
		}
	}
	return s.localAddr
}

// PeerAddr returns the peer address. It stays available after the
// transport is closed.
func (s *Session) PeerAddr() net.Addr {
	if s.state != StateClosed {
		if a := s.tr.PeerAddr(); a != nil {
			s.peerAddr = a
		}
	}
	return s.peerAddr
}

// SetConnectCallback registers cb, replacing any previous callback.
func (s *Session) SetConnectCallback(cb ConnectCallback) { s.connectCb = cb }

// NewTransaction opens a request stream bound to h. It fails with
// ErrNoCapacity once the session stops accepting new requests.
func (s *Session) NewTransaction(h Handler) (*Transaction, error) {
	if !s.acceptingTransactions() {
		return nil, ErrNoCapacity
	}
	id, err := s.tr.CreateBidirectionalStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCapacity, err)
	}

	t := newTransaction(s, id, h)
	if err := s.txns.Insert(id, t); err != nil {
		_ = s.tr.ResetStream(id, uint64(ErrInternalError))
		return nil, err
	}
	transactionsTotal.WithLabelValues(s.ops.variant().String()).Inc()
	transactionsActive.Inc()
	t.logger.Debug().Msg("transaction opened")

	t.invoke(func(h Handler) { h.SetTransaction(t) })
	return t, nil
}

func (s *Session) acceptingTransactions() bool {
	return s.state != StateClosed &&
		!s.fatal &&
		!s.peerDrained &&
		!s.closingWhenIdle &&
		s.tr.IsGood()
}

// OnTransportReady implements transport.Callback. It opens the local
// control streams and, for variants without a SETTINGS exchange, completes
// the connection.
func (s *Session) OnTransportReady() {
	if s.state == StateClosed {
		return
	}
	if !s.openControlStreams() {
		return
	}
	if s.hasControl {
		s.SendSettings()
	}
	if s.drainStarted && s.ops.drainsWithGoaway() {
		s.startGoawayDrain()
	}
	if s.ops.readyOnTransport() {
		s.connectSuccess()
	}
}

func (s *Session) openControlStreams() bool {
	typ, ok := s.ops.controlStreamType()
	if !ok {
		return true
	}
	id, ok := s.openUniStream(typ)
	if !ok {
		return false
	}
	s.localControl = id
	s.hasControl = true

	if !s.ops.usesQPACK() {
		return true
	}
	if s.localEncoder, ok = s.openUniStream(frame.StreamQPACKEncoder); !ok {
		return false
	}
	s.localDecoder, ok = s.openUniStream(frame.StreamQPACKDecoder)
	return ok
}

func (s *Session) openUniStream(typ frame.StreamType) (uint64, bool) {
	id, err := s.tr.CreateUnidirectionalStream()
	if err == nil {
		err = s.tr.Write(id, frame.AppendStreamType(nil, typ), false)
	}
	if err != nil {
		s.connectionError(ErrInternalError, fmt.Sprintf("open %s stream: %v", typ, err))
		return 0, false
	}
	return id, true
}

// connectSuccess moves the session out of Connecting and notifies the
// connect callback.
func (s *Session) connectSuccess() {
	if s.connected {
		return
	}
	s.connected = true
	if s.state == StateConnecting {
		s.state = StateActive
	}
	s.logger.Debug().Msg("connected")
	if cb := s.connectCb; cb != nil {
		cb.ConnectSuccess()
	}
}

func (s *Session) notifyConnectError(err *Error) {
	cb := s.connectCb
	if cb == nil {
		return
	}
	s.connectCb = nil
	cb.ConnectError(err)
}

// OnReplaySafe implements transport.Callback.
func (s *Session) OnReplaySafe() {
	if s.state == StateClosed {
		return
	}
	s.replay.MarkSafe()
	if cb := s.connectCb; cb != nil {
		s.connectCb = nil
		cb.OnReplaySafe()
	}
	for _, t := range s.txns.Snapshot() {
		if t.detached {
			continue
		}
		t.invoke(func(h Handler) { h.OnReplaySafe() })
	}
}

// OnNewBidirectionalStream implements transport.Callback. A server may not
// open request streams towards a client.
func (s *Session) OnNewBidirectionalStream(id uint64) {
	if s.state == StateClosed {
		return
	}
	s.logger.Debug().Uint64("stream", id).Msg("rejecting peer bidirectional stream")
	_ = s.tr.ResetStream(id, uint64(ErrWrongStream))
	_ = s.tr.StopSending(id, uint64(ErrWrongStream))
}

// OnNewUnidirectionalStream implements transport.Callback.
func (s *Session) OnNewUnidirectionalStream(id uint64) {
	if s.state == StateClosed {
		return
	}
	s.peerStream(id)
}

// OnRead implements transport.Callback.
func (s *Session) OnRead(id uint64, data []byte, eof bool) {
	if s.state == StateClosed {
		return
	}
	if transport.IsUnidirectional(id) {
		if !transport.IsClientInitiated(id) {
			s.onPeerStreamRead(id, data, eof)
		}
	} else if t, ok := s.txns.Get(id); ok && !t.detached {
		t.onRead(data, eof)
	}
	if s.qpack != nil && s.state != StateClosed {
		s.qpack.flushDecoder()
	}
}

// OnStreamReset implements transport.Callback.
func (s *Session) OnStreamReset(id uint64, code uint64) {
	if s.state == StateClosed {
		return
	}
	if transport.IsUnidirectional(id) {
		s.onPeerStreamReset(id, code)
		return
	}
	if t, ok := s.txns.Get(id); ok && !t.detached {
		t.onReset(ErrorCode(code))
	}
	if s.qpack != nil && s.state != StateClosed {
		s.qpack.flushDecoder()
	}
}

// OnConnectionError implements transport.Callback. Every attached
// transaction receives the error.
func (s *Session) OnConnectionError(err transport.ConnectionError) {
	if s.state == StateClosed {
		return
	}
	code := ErrorCode(err.Code)
	kind := KindConnection
	if code == ErrGiveupZeroRTT {
		kind = KindEarlyDataFailed
	}
	he := &Error{Kind: kind, Code: code, msg: err.Message, cause: err}
	s.logger.Warn().Err(err).Msg("connection error")
	s.shutdown(he, CloseReasonShutdown)
}

// OnConnectionEnd implements transport.Callback.
func (s *Session) OnConnectionEnd() {
	if s.state == StateClosed {
		return
	}
	s.logger.Debug().Msg("connection ended by peer")
	s.shutdown(newError(KindEOF, ErrNoError, "Connection closed by peer"), CloseReasonShutdown)
}

// onDetached runs after t is removed from the registry.
func (s *Session) onDetached(t *Transaction) {
	s.maybeClose()
}

func (s *Session) write(id uint64, data []byte, fin bool) {
	if err := s.tr.Write(id, data, fin); err != nil {
		s.logger.Debug().Err(err).Uint64("stream", id).Msg("write failed")
	}
}

// setClosed records the final state. The transport is closed by the caller.
func (s *Session) setClosed(reason CloseReason) {
	if s.state == StateClosed {
		return
	}
	if s.closeReason == CloseReasonUnset {
		s.closeReason = reason
	}
	s.state = StateClosed
	s.stopDrainTimer()
	if s.qpack != nil {
		s.qpack.stop()
	}
	sessionsClosed.WithLabelValues(s.closeReason.String()).Inc()
	s.logger.Debug().Str("reason", s.closeReason.String()).Msg("session closed")
}
