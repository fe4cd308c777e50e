package hq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/qpack"
)

// heldError is a stream error waiting for ingress to resume.
type heldError struct {
	err  *Error
	code ErrorCode
}

// Transaction is one request/response exchange on a bidirectional stream.
// Its methods must be called on the session's event loop.
type Transaction struct {
	id      uint64
	s       *Session
	handler Handler
	codec   codec.StreamCodec
	logger  zerolog.Logger
	ctx     context.Context

	// sendHooks may rewrite outgoing headers.
	sendHooks []func(msg *Message)

	headersSent bool
	egressDone  bool
	egressReset bool
	ingressDone bool
	peerReset   bool

	paused          bool
	resumeScheduled bool
	held            []codec.Event
	heldErr         *heldError

	blocked        bool
	qpackCancelled bool

	// closed is set once the transaction failed or was aborted; only the
	// detach remains.
	closed        bool
	detached      bool
	detachPending bool
	inCallback    int
}

func newTransaction(s *Session, id uint64, h Handler) *Transaction {
	return &Transaction{
		id:      id,
		s:       s,
		handler: h,
		codec:   s.ops.newStreamCodec(id, s.enc, s.dec),
		logger:  s.logger.With().Uint64("stream", id).Logger(),
		ctx:     context.Background(),
	}
}

// ID returns the stream id.
func (t *Transaction) ID() uint64 { return t.id }

// Session returns the owning session.
func (t *Transaction) Session() *Session { return t.s }

// Context returns the transaction's context. Middlewares use it to carry
// values such as the active trace span.
func (t *Transaction) Context() context.Context { return t.ctx }

// SetContext replaces the transaction's context.
func (t *Transaction) SetContext(ctx context.Context) { t.ctx = ctx }

// IsDetached reports whether the transaction has left the session.
func (t *Transaction) IsDetached() bool { return t.detached }

// IsIngressPaused reports whether ingress delivery is paused.
func (t *Transaction) IsIngressPaused() bool { return t.paused }

// ReplaySafe reports whether the connection is confirmed replay safe.
func (t *Transaction) ReplaySafe() bool { return t.s.tr.ReplaySafe() }

// AddWaitingForReplaySafety registers cb to run once the connection is
// replay safe. It runs immediately if it already is.
func (t *Transaction) AddWaitingForReplaySafety(cb ReplaySafetyCallback) {
	if t.ReplaySafe() {
		cb.OnReplaySafe()
		return
	}
	t.s.replay.Add(cb)
}

// RemoveWaitingForReplaySafety unregisters cb if it has not run yet.
func (t *Transaction) RemoveWaitingForReplaySafety(cb ReplaySafetyCallback) {
	t.s.replay.Remove(cb)
}

func (t *Transaction) addSendHook(fn func(msg *Message)) {
	t.sendHooks = append(t.sendHooks, fn)
}

// SendHeaders sends the request headers.
func (t *Transaction) SendHeaders(msg *Message) error {
	return t.sendHeaders(msg, false)
}

// SendHeadersWithEOM sends the request headers and ends the request.
func (t *Transaction) SendHeadersWithEOM(msg *Message) error {
	return t.sendHeaders(msg, true)
}

func (t *Transaction) sendHeaders(msg *Message, eom bool) error {
	if err := t.checkEgress(); err != nil {
		return err
	}
	if t.headersSent {
		return ErrHeadersSent
	}

	msg = msg.Clone()
	if t.s.drainV1 {
		msg.Header.Set("connection", "close")
	}
	if name := t.s.cfg.RequestIDHeader; name != "" && !msg.Header.Has(name) {
		msg.Header.Add(name, uuid.NewString())
	}
	for _, fn := range t.sendHooks {
		fn(msg)
	}

	b, err := t.codec.GenerateHeader(msg, eom)
	if err != nil {
		return fmt.Errorf("hq: generate headers: %w", err)
	}
	t.headersSent = true
	return t.send(b, eom)
}

// SendBody sends request body bytes.
func (t *Transaction) SendBody(data []byte) error {
	if err := t.checkEgress(); err != nil {
		return err
	}
	if !t.headersSent {
		return ErrNoHeaders
	}
	b, err := t.codec.GenerateBody(data, false)
	if err != nil {
		return fmt.Errorf("hq: generate body: %w", err)
	}
	return t.send(b, false)
}

// SendEOM ends the request.
func (t *Transaction) SendEOM() error {
	if err := t.checkEgress(); err != nil {
		return err
	}
	if !t.headersSent {
		return ErrNoHeaders
	}
	b, err := t.codec.GenerateEOM()
	if err != nil {
		return fmt.Errorf("hq: generate eom: %w", err)
	}
	return t.send(b, true)
}

// SendTrailers sends request trailers and ends the request.
func (t *Transaction) SendTrailers(trailers Header) error {
	if err := t.checkEgress(); err != nil {
		return err
	}
	if !t.headersSent {
		return ErrNoHeaders
	}
	b, err := t.codec.GenerateTrailers(trailers)
	if err != nil {
		return fmt.Errorf("hq: generate trailers: %w", err)
	}
	return t.send(b, true)
}

func (t *Transaction) checkEgress() error {
	if t.detached || t.closed {
		return ErrDetached
	}
	if t.egressDone {
		return ErrEgressComplete
	}
	return nil
}

func (t *Transaction) send(b []byte, eom bool) error {
	if eom {
		t.egressDone = true
	}
	if err := t.s.tr.Write(t.id, b, eom); err != nil {
		return fmt.Errorf("hq: write stream %d: %w", t.id, err)
	}
	if eom {
		t.maybeDetach()
	}
	return nil
}

// SendAbort resets the stream in both directions and detaches without
// calling OnError.
func (t *Transaction) SendAbort() {
	if t.detached || t.closed {
		return
	}
	t.logger.Debug().Msg("aborting transaction")
	t.closed = true
	t.held = nil
	t.heldErr = nil
	if !t.peerReset {
		t.egressReset = true
		_ = t.s.tr.ResetStream(t.id, uint64(ErrRequestCancelled))
	}
	t.stopIngress(ErrRequestCancelled)
	t.requestDetach()
}

// PauseIngress stops delivery of ingress events until ResumeIngress.
func (t *Transaction) PauseIngress() {
	t.paused = true
}

// ResumeIngress restarts delivery on the next loop iteration, first
// replaying events and errors that arrived while paused.
func (t *Transaction) ResumeIngress() {
	if !t.paused {
		return
	}
	t.paused = false
	if t.resumeScheduled {
		return
	}
	t.resumeScheduled = true
	t.s.loop.RunInLoop(func() {
		t.resumeScheduled = false
		t.processIngress()
		if t.s.qpack != nil && t.s.state != StateClosed {
			t.s.qpack.flushDecoder()
		}
	})
}

func (t *Transaction) ingressComplete() bool {
	return t.ingressDone || t.codec.IngressComplete()
}

func (t *Transaction) onRead(data []byte, eof bool) {
	if t.closed {
		return
	}
	if len(data) > 0 {
		t.codec.Feed(data)
	}
	if eof {
		t.codec.FeedEOF()
	}
	if t.paused && t.codec.Buffered() > t.s.cfg.IngressBufferLimit {
		err := newError(KindIngressOverflow, ErrExcessiveLoad,
			fmt.Sprintf("Ingress buffer limit exceeded on transaction id: %d", t.id))
		t.streamError(err, ErrExcessiveLoad, true)
		return
	}
	t.processIngress()
}

func (t *Transaction) onReset(code ErrorCode) {
	if t.closed {
		return
	}
	t.peerReset = true
	var err *Error
	if code == ErrRequestRejected {
		err = newError(KindStreamUnacknowledged, code,
			fmt.Sprintf("Stream rejected on transaction id: %d", t.id))
	} else {
		err = newError(KindStreamAbort, code,
			fmt.Sprintf("Stream reset with %s on transaction id: %d", code, t.id))
	}
	t.streamError(err, ErrRequestCancelled, false)
}

// unacknowledged fails a transaction the peer's GOAWAY declared
// unprocessed. Buffered ingress is discarded.
func (t *Transaction) unacknowledged() {
	if t.closed || t.detached {
		return
	}
	err := newError(KindStreamUnacknowledged, ErrRequestRejected,
		fmt.Sprintf("StreamUnacknowledged on transaction id: %d", t.id))
	t.streamError(err, ErrRequestCancelled, true)
}

// processIngress delivers parsed events until ingress pauses, blocks or the
// buffered bytes run out.
func (t *Transaction) processIngress() {
	for !t.paused && !t.closed && !t.detached {
		if len(t.held) > 0 {
			ev := t.held[0]
			t.held = t.held[1:]
			t.deliver(ev)
			continue
		}

		var ev codec.Event
		if !t.blocked {
			var err error
			if ev, err = t.codec.Next(); err != nil {
				t.onCodecError(err)
				return
			}
		}
		if ev.Kind == codec.EventNone {
			if h := t.heldErr; h != nil {
				t.heldErr = nil
				t.streamError(h.err, h.code, true)
			}
			return
		}
		t.deliver(ev)
	}
}

func (t *Transaction) deliver(ev codec.Event) {
	switch ev.Kind {
	case codec.EventHeaders:
		if !ev.Msg.IsInformational() && t.s.ops.peerDrainsWithClose() && ev.Msg.WantsClose() {
			t.s.onPeerDrainResponse()
		}
		t.invoke(func(h Handler) { h.OnHeadersComplete(ev.Msg) })
	case codec.EventBody:
		t.invoke(func(h Handler) { h.OnBody(ev.Data) })
	case codec.EventTrailers:
		t.invoke(func(h Handler) { h.OnTrailers(ev.Trailers) })
	case codec.EventEOM:
		t.ingressDone = true
		t.invoke(func(h Handler) { h.OnEOM() })
		t.maybeDetach()
	case codec.EventBlocked:
		t.blocked = true
		t.s.qpack.block(t, ev)
	}
}

// unblock decodes a released header block and resumes parsing.
func (t *Transaction) unblock(block []byte) {
	ub, ok := t.codec.(codec.Unblocker)
	if !ok {
		return
	}
	t.blocked = false
	ev, err := ub.Unblock(block)
	if err != nil {
		t.onCodecError(err)
		return
	}
	if t.paused {
		t.held = append(t.held, ev)
		return
	}
	t.deliver(ev)
	t.processIngress()
}

func (t *Transaction) onCodecError(err error) {
	t.logger.Debug().Err(err).Msg("ingress error")
	switch {
	case errors.Is(err, codec.ErrWrongStream):
		t.s.connectionError(ErrWrongStream, err.Error())
	case errors.Is(err, codec.ErrUnexpectedFrame):
		t.s.connectionError(ErrUnexpectedFrame, err.Error())
	case errors.Is(err, qpack.ErrDecompression):
		t.s.connectionError(ErrQPACKDecompressionFailed, err.Error())
	case errors.Is(err, qpack.ErrFieldSectionTooLarge):
		he := &Error{Kind: KindHeaderDecode, Code: ErrExcessiveLoad, msg: err.Error(), cause: err}
		t.streamError(he, ErrExcessiveLoad, true)
	default:
		he := &Error{Kind: KindParse, Code: ErrGeneralProtocolError, msg: err.Error(), cause: err}
		t.streamError(he, ErrGeneralProtocolError, true)
	}
}

// streamError fails the transaction alone. Unless immediate is set the
// error waits behind buffered ingress while the transaction is paused.
func (t *Transaction) streamError(err *Error, code ErrorCode, immediate bool) {
	if t.closed || t.detached {
		return
	}
	err.StreamID = t.id
	if t.paused && !immediate {
		t.heldErr = &heldError{err: err, code: code}
		return
	}
	if !t.egressDone && !t.egressReset && !t.peerReset {
		t.egressReset = true
		_ = t.s.tr.ResetStream(t.id, uint64(code))
	}
	t.stopIngress(code)
	t.fail(err)
}

// stopIngress asks the peer to stop sending and cancels the stream's
// header blocks when the response is incomplete.
func (t *Transaction) stopIngress(code ErrorCode) {
	if t.ingressComplete() {
		return
	}
	if !t.peerReset {
		_ = t.s.tr.StopSending(t.id, uint64(code))
	}
	if t.s.qpack != nil {
		t.s.qpack.cancel(t)
	}
}

// connectionFailed delivers a connection-wide error.
func (t *Transaction) connectionFailed(err *Error) {
	if t.closed || t.detached {
		return
	}
	t.fail(err)
}

func (t *Transaction) fail(err *Error) {
	t.closed = true
	t.held = nil
	t.heldErr = nil
	transactionErrors.WithLabelValues(err.Kind.String()).Inc()
	t.logger.Debug().Stringer("kind", err.Kind).Str("error", err.Error()).Msg("transaction error")
	t.invoke(func(h Handler) { h.OnError(err) })
	t.requestDetach()
}

// invoke runs a handler callback. A detach requested while the callback
// runs is deferred until it returns.
func (t *Transaction) invoke(fn func(h Handler)) {
	t.inCallback++
	fn(t.handler)
	t.inCallback--
	if t.inCallback == 0 && t.detachPending {
		t.detach()
	}
}

func (t *Transaction) maybeDetach() {
	if t.ingressDone && t.egressDone {
		t.requestDetach()
	}
}

func (t *Transaction) requestDetach() {
	if t.detached {
		return
	}
	if t.inCallback > 0 {
		t.detachPending = true
		return
	}
	t.detach()
}

func (t *Transaction) detach() {
	if t.detached {
		return
	}
	t.detached = true
	t.detachPending = false
	if t.s.qpack != nil {
		t.s.qpack.forget(t.id)
	}
	t.s.txns.Remove(t.id)
	transactionsActive.Dec()
	t.logger.Debug().Msg("transaction detached")
	t.handler.OnDetachTransaction()
	t.s.onDetached(t)
}
