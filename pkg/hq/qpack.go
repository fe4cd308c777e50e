package hq

import (
	"fmt"
	"time"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/qpack"
)

// qpackCoordinator parks header blocks that reference dynamic table entries
// the peer's encoder stream has not delivered yet, and releases them in
// arrival order once the table catches up.
type qpackCoordinator struct {
	s          *Session
	dec        *qpack.Decoder
	queue      *qpack.BlockedQueue
	timers     map[uint64]eventloop.Timer
	maxBlocked int
	timeout    time.Duration
}

func newQPACKCoordinator(s *Session, maxBlocked int, timeout time.Duration) *qpackCoordinator {
	return &qpackCoordinator{
		s:          s,
		dec:        s.dec,
		queue:      qpack.NewBlockedQueue(),
		timers:     make(map[uint64]eventloop.Timer),
		maxBlocked: maxBlocked,
		timeout:    timeout,
	}
}

// block parks the header block reported by ev for t.
func (c *qpackCoordinator) block(t *Transaction, ev codec.Event) {
	if c.queue.Len() >= c.maxBlocked {
		c.s.connectionError(ErrQPACKDecompressionFailed,
			fmt.Sprintf("more than %d blocked streams", c.maxBlocked))
		return
	}
	if err := c.queue.Add(t.id, ev.Block, ev.RequiredInsertCount); err != nil {
		c.s.connectionError(ErrQPACKDecompressionFailed, err.Error())
		return
	}
	id := t.id
	c.timers[id] = c.s.loop.RunAfter(c.timeout, func() { c.onTimeout(id) })
	qpackBlockedTotal.Inc()
	qpackBlocked.Inc()
	t.logger.Debug().Uint64("required_insert_count", ev.RequiredInsertCount).Msg("header block blocked")
}

// onEncoderStream applies peer encoder stream data and releases every block
// it satisfies.
func (c *qpackCoordinator) onEncoderStream(data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := c.dec.OnEncoderStream(data); err != nil {
		c.s.connectionError(ErrQPACKEncoderStreamError, err.Error())
		return
	}
	c.release()
}

func (c *qpackCoordinator) release() {
	for _, id := range c.queue.Ready(c.dec.InsertCount()) {
		if c.s.state == StateClosed {
			return
		}
		p, ok := c.queue.Remove(id)
		if !ok {
			// Detached by an earlier delivery in this pass.
			continue
		}
		c.stopTimer(id)
		qpackBlocked.Dec()
		t, ok := c.s.txns.Get(id)
		if !ok || t.detached {
			continue
		}
		t.unblock(p.Block)
	}
	c.flushDecoder()
}

func (c *qpackCoordinator) onTimeout(id uint64) {
	delete(c.timers, id)
	if _, ok := c.queue.Remove(id); !ok {
		return
	}
	qpackBlocked.Dec()
	t, ok := c.s.txns.Get(id)
	if !ok || t.detached {
		return
	}
	t.logger.Debug().Dur("timeout", c.timeout).Msg("header block timed out")
	err := newError(KindHeaderDecodeTimeout, ErrQPACKDecompressionFailed,
		fmt.Sprintf("Timeout decoding headers on transaction id: %d", id))
	t.streamError(err, ErrRequestCancelled, true)
	c.flushDecoder()
}

// cancel emits one Stream Cancellation for t.
func (c *qpackCoordinator) cancel(t *Transaction) {
	if t.qpackCancelled {
		return
	}
	t.qpackCancelled = true
	c.dec.CancelStream(t.id)
	c.flushDecoder()
}

// forget drops any block parked for id.
func (c *qpackCoordinator) forget(id uint64) {
	if _, ok := c.queue.Remove(id); ok {
		qpackBlocked.Dec()
	}
	c.stopTimer(id)
}

func (c *qpackCoordinator) stopTimer(id uint64) {
	if tm, ok := c.timers[id]; ok {
		tm.Stop()
		delete(c.timers, id)
	}
}

// stop drops every parked block.
func (c *qpackCoordinator) stop() {
	for id := range c.timers {
		c.forget(id)
	}
}

// flushDecoder writes pending decoder stream instructions.
func (c *qpackCoordinator) flushDecoder() {
	if !c.s.hasControl {
		return
	}
	if b := c.dec.TakeDecoderStream(); len(b) > 0 {
		c.s.write(c.s.localDecoder, b, false)
	}
}
