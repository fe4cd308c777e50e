package hq

// fanOut delivers err to every transaction attached when the call starts,
// in stream id order. Transactions detached by an earlier delivery are
// skipped, and paused ingress does not delay delivery.
func (s *Session) fanOut(err *Error) {
	s.fanningOut = true
	defer func() { s.fanningOut = false }()
	for _, t := range s.txns.Snapshot() {
		if t.detached {
			continue
		}
		t.connectionFailed(err.forStream(t.id))
	}
}

// shutdown handles a transport that failed or ended underneath the session.
func (s *Session) shutdown(err *Error, reason CloseReason) {
	s.fatal = true
	s.closeReason = reason
	s.notifyConnectError(err)
	if s.state == StateClosed {
		// The connect callback dropped the connection.
		return
	}
	s.fanOut(err)
	s.setClosed(reason)
}

// connectionError closes the connection after a local protocol violation
// was detected, then fails every attached transaction.
func (s *Session) connectionError(code ErrorCode, msg string) {
	if s.fatal || s.state == StateClosed {
		return
	}
	s.fatal = true
	s.closeReason = CloseReasonProtocolError
	s.logger.Warn().Stringer("code", code).Str("reason", msg).Msg("closing connection on protocol error")

	s.stopDrainTimer()
	s.tr.Close(uint64(code), msg)

	err := newError(KindProtocol, code, msg)
	if !s.connected {
		s.notifyConnectError(err)
		if s.state == StateClosed {
			return
		}
	}
	s.fanOut(err)
	s.setClosed(CloseReasonProtocolError)
}

// DropConnection aborts every attached transaction and closes the
// transport. It is idempotent and safe to call from any callback. Called
// while a connection error is being delivered it does nothing: the
// transport is already gone and every transaction gets that error.
func (s *Session) DropConnection() {
	if s.state == StateClosed || s.closeReason == CloseReasonDropped {
		return
	}
	if s.fatal && s.fanningOut {
		return
	}
	s.fatal = true
	s.closeReason = CloseReasonDropped
	s.logger.Debug().Int("transactions", s.txns.Len()).Msg("dropping connection")

	s.fanOut(newError(KindDropped, ErrNoError, "Dropped connection"))
	s.stopDrainTimer()
	s.tr.Close(uint64(ErrNoError), "")
	s.setClosed(CloseReasonDropped)
}
