package hq

import (
	"github.com/albertbausili/hqsession/internal/h3/frame"
)

// Drain starts a graceful shutdown. Variants with a control stream send a
// GOAWAY accepting everything so far, then a second GOAWAY naming the last
// peer stream processed once Config.DrainGoawayDelay has passed. h1q-fb marks
// later requests with "Connection: close" instead. New transactions may
// still be opened; a client GOAWAY only limits the peer.
func (s *Session) Drain() {
	if s.state == StateClosed || s.drainStarted {
		return
	}
	s.drainStarted = true
	s.state = StateDraining
	s.logger.Debug().Msg("draining")

	if !s.ops.drainsWithGoaway() {
		s.drainV1 = true
		return
	}
	if s.hasControl {
		s.startGoawayDrain()
	}
}

func (s *Session) startGoawayDrain() {
	s.sendGoaway(frame.MaxStreamID)
	s.drainTimer = s.loop.RunAfter(s.cfg.DrainGoawayDelay, func() {
		s.drainTimer = nil
		if s.state == StateClosed {
			return
		}
		// A client never processes peer-initiated request streams.
		s.sendGoaway(0)
	})
}

func (s *Session) sendGoaway(lastStreamID uint64) {
	s.write(s.localControl, s.ctrl.GenerateGoaway(lastStreamID), false)
	goawaysSent.Inc()
	s.logger.Debug().Uint64("last_stream_id", lastStreamID).Msg("sent GOAWAY")
}

func (s *Session) stopDrainTimer() {
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
}

// CloseWhenIdle drains the session, refuses new transactions and closes the
// connection once the last transaction detaches.
func (s *Session) CloseWhenIdle() {
	if s.state == StateClosed {
		return
	}
	s.Drain()
	s.closingWhenIdle = true
	s.maybeClose()
}

// onPeerDrainResponse handles an h1q-fb response carrying
// "Connection: close".
func (s *Session) onPeerDrainResponse() {
	if s.peerDrained {
		return
	}
	s.logger.Debug().Msg("peer requested connection close")
	s.peerDrained = true
	if s.state == StateActive {
		s.state = StateDraining
	}
}

// maybeClose closes an idle session that is draining towards shutdown.
func (s *Session) maybeClose() {
	if s.state == StateClosed || s.fatal || s.txns.Len() > 0 {
		return
	}
	switch {
	case s.closingWhenIdle:
		s.closeNow(CloseReasonIdle)
	case s.peerDrained:
		s.closeNow(CloseReasonGoaway)
	}
}

func (s *Session) closeNow(reason CloseReason) {
	s.stopDrainTimer()
	s.tr.Close(uint64(ErrNoError), "")
	s.setClosed(reason)
}
