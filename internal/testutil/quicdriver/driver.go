// Package quicdriver provides a scripted transport.Transport for session
// tests. Peer events are queued on a manual event loop with optional
// delays; everything the session writes is recorded per stream.
package quicdriver

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/transport"
)

// Stream records the client side of one stream.
type Stream struct {
	ID uint64
	// Written holds everything the session wrote.
	Written []byte
	FIN     bool

	Reset       bool
	ResetCode   uint64
	Stopped     bool
	StopCode    uint64
	PeerOpened  bool
	PeerEOF     bool
	localOrigin bool
}

// ReadEvent is one batch entry for AddReadEvents.
type ReadEvent struct {
	ID   uint64
	Data []byte
	EOF  bool
}

// Driver is a fake client connection.
type Driver struct {
	loop    *eventloop.Manual
	cb      transport.Callback
	ids     transport.StreamIDs
	streams map[uint64]*Stream

	good       bool
	replaySafe bool
	closed     bool
	closeCode  uint64
	closeMsg   string
	local      net.Addr
	peer       net.Addr
	maxStreams int
	opened     int
}

// New creates a connected driver on loop.
func New(loop *eventloop.Manual) *Driver {
	return &Driver{
		loop:    loop,
		ids:     transport.NewStreamIDs(false),
		streams: make(map[uint64]*Stream),
		good:    true,
		local:   &net.UDPAddr{IP: net.IPv4zero, Port: 0},
		peer:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 0), Port: 443},
	}
}

// SetCallback implements transport.Transport.
func (d *Driver) SetCallback(cb transport.Callback) { d.cb = cb }

// CreateBidirectionalStream implements transport.Transport.
func (d *Driver) CreateBidirectionalStream() (uint64, error) {
	if d.closed {
		return 0, transport.ErrClosed
	}
	if d.maxStreams > 0 && d.opened >= d.maxStreams {
		return 0, transport.ErrStreamLimit
	}
	d.opened++
	id := d.ids.NextBidi()
	d.streams[id] = &Stream{ID: id, localOrigin: true}
	return id, nil
}

// CreateUnidirectionalStream implements transport.Transport.
func (d *Driver) CreateUnidirectionalStream() (uint64, error) {
	if d.closed {
		return 0, transport.ErrClosed
	}
	id := d.ids.NextUni()
	d.streams[id] = &Stream{ID: id, localOrigin: true}
	return id, nil
}

// Write implements transport.Transport.
func (d *Driver) Write(id uint64, data []byte, fin bool) error {
	if d.closed {
		return transport.ErrClosed
	}
	s, ok := d.streams[id]
	if !ok {
		return fmt.Errorf("%w: %d", transport.ErrUnknownStream, id)
	}
	if s.FIN || s.Reset {
		return fmt.Errorf("quicdriver: write on finished stream %d", id)
	}
	s.Written = append(s.Written, data...)
	s.FIN = fin
	return nil
}

// ResetStream implements transport.Transport.
func (d *Driver) ResetStream(id uint64, code uint64) error {
	if d.closed {
		return transport.ErrClosed
	}
	s := d.stream(id)
	s.Reset = true
	s.ResetCode = code
	return nil
}

// StopSending implements transport.Transport.
func (d *Driver) StopSending(id uint64, code uint64) error {
	if d.closed {
		return transport.ErrClosed
	}
	s := d.stream(id)
	s.Stopped = true
	s.StopCode = code
	return nil
}

// Close implements transport.Transport.
func (d *Driver) Close(code uint64, reason string) {
	if d.closed {
		return
	}
	d.closed = true
	d.good = false
	d.closeCode = code
	d.closeMsg = reason
}

// IsGood implements transport.Transport.
func (d *Driver) IsGood() bool { return d.good && !d.closed }

// ReplaySafe implements transport.Transport.
func (d *Driver) ReplaySafe() bool { return d.replaySafe }

// LocalAddr implements transport.Transport.
func (d *Driver) LocalAddr() net.Addr {
	if d.closed {
		return nil
	}
	return d.local
}

// PeerAddr implements transport.Transport.
func (d *Driver) PeerAddr() net.Addr {
	if d.closed {
		return nil
	}
	return d.peer
}

// SetSockGood controls IsGood.
func (d *Driver) SetSockGood(good bool) { d.good = good }

// SetReplaySafe controls ReplaySafe.
func (d *Driver) SetReplaySafe(safe bool) { d.replaySafe = safe }

// SetAddresses replaces the reported addresses.
func (d *Driver) SetAddresses(local, peer net.Addr) {
	d.local = local
	d.peer = peer
}

// SetMaxStreams limits the number of bidirectional streams the client may
// open. Zero means unlimited.
func (d *Driver) SetMaxStreams(n int) { d.maxStreams = n }

// IsClosed reports whether the session closed the connection.
func (d *Driver) IsClosed() bool { return d.closed }

// CloseCode returns the application error code passed to Close.
func (d *Driver) CloseCode() uint64 { return d.closeCode }

// CloseReason returns the reason passed to Close.
func (d *Driver) CloseReason() string { return d.closeMsg }

// Stream returns the record for id, creating an empty one if needed.
func (d *Driver) Stream(id uint64) *Stream { return d.stream(id) }

// StreamIDs returns the ids of every known stream in ascending order.
func (d *Driver) StreamIDs() []uint64 {
	ids := make([]uint64, 0, len(d.streams))
	for id := range d.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Driver) stream(id uint64) *Stream {
	s, ok := d.streams[id]
	if !ok {
		s = &Stream{ID: id}
		d.streams[id] = s
	}
	return s
}

// AddReadEvent delivers data on stream id after delay.
func (d *Driver) AddReadEvent(id uint64, data []byte, delay time.Duration) {
	d.AddReadEventsAfter([]ReadEvent{{ID: id, Data: data}}, delay)
}

// AddReadEOF delivers the peer FIN on stream id after delay.
func (d *Driver) AddReadEOF(id uint64, delay time.Duration) {
	d.AddReadEventsAfter([]ReadEvent{{ID: id, EOF: true}}, delay)
}

// AddReadEvents delivers events back to back in one loop callback.
func (d *Driver) AddReadEvents(events []ReadEvent) {
	d.AddReadEventsAfter(events, 0)
}

// AddReadEventsAfter delivers events in one loop callback after delay.
func (d *Driver) AddReadEventsAfter(events []ReadEvent, delay time.Duration) {
	d.loop.RunAfter(delay, func() {
		for _, ev := range events {
			d.deliver(ev)
		}
	})
}

// AddStreamReset delivers a peer RESET_STREAM after delay.
func (d *Driver) AddStreamReset(id uint64, code uint64, delay time.Duration) {
	d.loop.RunAfter(delay, func() {
		if d.closed || d.cb == nil {
			return
		}
		d.cb.OnStreamReset(id, code)
	})
}

// AddNewBidirectionalStream announces a peer-initiated request stream after
// delay.
func (d *Driver) AddNewBidirectionalStream(id uint64, delay time.Duration) {
	d.loop.RunAfter(delay, func() {
		if d.closed || d.cb == nil {
			return
		}
		d.stream(id).PeerOpened = true
		d.cb.OnNewBidirectionalStream(id)
	})
}

// AddOnConnectionEndEvent ends the connection cleanly after delay.
func (d *Driver) AddOnConnectionEndEvent(delay time.Duration) {
	d.loop.RunAfter(delay, func() {
		if d.closed || d.cb == nil {
			return
		}
		d.closed = true
		d.good = false
		d.cb.OnConnectionEnd()
	})
}

// AddConnectionError fails the connection after delay.
func (d *Driver) AddConnectionError(code uint64, msg string, delay time.Duration) {
	d.loop.RunAfter(delay, func() { d.DeliverConnectionError(code, msg) })
}

// DeliverConnectionError fails the connection immediately.
func (d *Driver) DeliverConnectionError(code uint64, msg string) {
	if d.closed || d.cb == nil {
		return
	}
	d.closed = true
	d.good = false
	d.cb.OnConnectionError(transport.ConnectionError{Code: code, Message: msg})
}

// ReplaySafeNow marks the connection replay safe and notifies the session.
func (d *Driver) ReplaySafeNow() {
	d.replaySafe = true
	if d.cb != nil {
		d.cb.OnReplaySafe()
	}
}

func (d *Driver) deliver(ev ReadEvent) {
	if d.closed || d.cb == nil {
		return
	}
	s := d.stream(ev.ID)
	if !transport.IsClientInitiated(ev.ID) && !s.PeerOpened {
		s.PeerOpened = true
		if transport.IsUnidirectional(ev.ID) {
			d.cb.OnNewUnidirectionalStream(ev.ID)
		} else {
			d.cb.OnNewBidirectionalStream(ev.ID)
		}
		if d.closed {
			return
		}
	}
	if ev.EOF {
		s.PeerEOF = true
	}
	d.cb.OnRead(ev.ID, ev.Data, ev.EOF)
}
