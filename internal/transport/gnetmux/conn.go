package gnetmux

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/transport"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
)

// Connection close codes used by the mux itself.
const (
	CodeNoError       uint64 = 0x0
	CodeInternalError uint64 = 0x1
	CodeProtocolError uint64 = 0xa
)

type streamState struct {
	sendClosed bool
	recvClosed bool
}

// Conn is one side of a mux connection. Transport methods must be called
// on the connection's event loop; callbacks are delivered there too.
type Conn struct {
	loop   eventloop.Loop
	logger zerolog.Logger
	server bool

	mu      sync.Mutex
	gc      gnet.Conn
	local   net.Addr
	peer    net.Addr
	cb      transport.Callback
	backlog []func(transport.Callback)

	// owned by the gnet event loop
	parser Parser

	// owned by the session event loop
	ids      transport.StreamIDs
	peerIDs  transport.StreamIDs
	streams  map[uint64]*streamState
	finished bool

	good       atomic.Bool
	replaySafe atomic.Bool
	closed     atomic.Bool

	onFinished func()
}

var _ transport.Transport = (*Conn)(nil)

func newConn(loop eventloop.Loop, server bool, logger zerolog.Logger) *Conn {
	c := &Conn{
		loop:    loop,
		logger:  logger,
		server:  server,
		ids:     transport.NewStreamIDs(server),
		peerIDs: transport.NewStreamIDs(!server),
		streams: make(map[uint64]*streamState),
	}
	if server {
		c.replaySafe.Store(true)
	}
	return c
}

func (c *Conn) attach(gc gnet.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gc != nil {
		return
	}
	c.gc = gc
	c.local = gc.LocalAddr()
	c.peer = gc.RemoteAddr()
	c.logger = c.logger.With().Str("peer", c.peer.String()).Logger()
}

func (c *Conn) conn() gnet.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gc
}

// SetCallback installs cb. Events that arrived earlier are replayed on the
// event loop in order.
func (c *Conn) SetCallback(cb transport.Callback) {
	c.mu.Lock()
	c.cb = cb
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	for _, ev := range backlog {
		c.loop.RunInLoop(func() { ev(cb) })
	}
}

// post runs ev on the event loop against the installed callback.
func (c *Conn) post(ev func(transport.Callback)) {
	c.loop.RunInLoop(func() {
		c.mu.Lock()
		cb := c.cb
		if cb == nil {
			c.backlog = append(c.backlog, ev)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		ev(cb)
	})
}

// CreateBidirectionalStream opens a locally initiated request stream.
func (c *Conn) CreateBidirectionalStream() (uint64, error) {
	if !c.IsGood() {
		return 0, transport.ErrClosed
	}
	id := c.ids.NextBidi()
	c.streams[id] = &streamState{}
	return id, nil
}

// CreateUnidirectionalStream opens a locally initiated send-only stream.
func (c *Conn) CreateUnidirectionalStream() (uint64, error) {
	if !c.IsGood() {
		return 0, transport.ErrClosed
	}
	id := c.ids.NextUni()
	c.streams[id] = &streamState{recvClosed: true}
	return id, nil
}

// Write sends data on id, closing the send side when fin is set.
func (c *Conn) Write(id uint64, data []byte, fin bool) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	st, ok := c.streams[id]
	if !ok || st.sendClosed {
		return fmt.Errorf("%w: %d", transport.ErrUnknownStream, id)
	}
	if fin {
		st.sendClosed = true
		c.reap(id, st)
	}
	return c.send(AppendStream(nil, id, data, fin))
}

// ResetStream abandons the send side of id.
func (c *Conn) ResetStream(id uint64, code uint64) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	st, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("%w: %d", transport.ErrUnknownStream, id)
	}
	st.sendClosed = true
	c.reap(id, st)
	return c.send(AppendCode(nil, FrameResetStream, id, code))
}

// StopSending asks the peer to stop sending on id and discards further data.
func (c *Conn) StopSending(id uint64, code uint64) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	st, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("%w: %d", transport.ErrUnknownStream, id)
	}
	st.recvClosed = true
	c.reap(id, st)
	return c.send(AppendCode(nil, FrameStopSending, id, code))
}

// Close sends CONNECTION_CLOSE and closes the socket. No further callbacks
// are delivered.
func (c *Conn) Close(code uint64, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.good.Store(false)
	c.finished = true
	gc := c.conn()
	if gc == nil {
		return
	}
	err := gc.AsyncWrite(AppendConnectionClose(nil, code, reason), func(gc gnet.Conn, _ error) error {
		return gc.Close()
	})
	if err != nil {
		_ = gc.Close()
	}
}

// IsGood reports whether new streams can be opened.
func (c *Conn) IsGood() bool { return c.good.Load() && !c.closed.Load() }

// ReplaySafe reports whether the peer confirmed the handshake.
func (c *Conn) ReplaySafe() bool { return c.replaySafe.Load() }

// LocalAddr returns the local socket address.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// PeerAddr returns the remote socket address.
func (c *Conn) PeerAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Conn) send(b []byte) error {
	gc := c.conn()
	if gc == nil {
		return transport.ErrClosed
	}
	return gc.AsyncWrite(b, nil)
}

func (c *Conn) reap(id uint64, st *streamState) {
	if st.sendClosed && st.recvClosed {
		delete(c.streams, id)
	}
}

// opened runs on the gnet event loop once the socket is connected.
func (c *Conn) opened(gc gnet.Conn) {
	c.attach(gc)
	c.good.Store(true)
	if c.server {
		_ = gc.AsyncWrite(AppendFrame(nil, FrameHandshakeDone, 0, nil), nil)
	}
	c.post(func(cb transport.Callback) {
		if c.finished {
			return
		}
		cb.OnTransportReady()
	})
}

// traffic runs on the gnet event loop.
func (c *Conn) traffic(gc gnet.Conn) gnet.Action {
	buf, err := gc.Next(-1)
	if err != nil {
		c.logger.Error().Err(err).Msg("read failed")
		return gnet.Close
	}
	c.parser.Feed(buf)
	for {
		f, err := c.parser.Next()
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad mux frame")
			c.post(func(cb transport.Callback) {
				c.fail(cb, transport.ConnectionError{Code: CodeProtocolError, Message: err.Error()})
			})
			_ = gc.AsyncWrite(AppendConnectionClose(nil, CodeProtocolError, err.Error()), func(gc gnet.Conn, _ error) error {
				return gc.Close()
			})
			return gnet.None
		}
		if f == nil {
			return gnet.None
		}
		c.post(func(cb transport.Callback) { c.dispatch(cb, f) })
	}
}

// closedBy runs on the gnet event loop when the socket goes away.
func (c *Conn) closedBy(err error) {
	c.good.Store(false)
	c.post(func(cb transport.Callback) {
		if c.finished {
			c.done()
			return
		}
		c.finished = true
		c.closed.Store(true)
		if err != nil {
			cb.OnConnectionError(transport.ConnectionError{Code: CodeInternalError, Message: err.Error()})
		} else {
			cb.OnConnectionEnd()
		}
		c.done()
	})
}

func (c *Conn) done() {
	if c.onFinished != nil {
		c.onFinished()
		c.onFinished = nil
	}
}

func (c *Conn) fail(cb transport.Callback, err transport.ConnectionError) {
	if c.finished {
		return
	}
	c.finished = true
	c.closed.Store(true)
	c.good.Store(false)
	cb.OnConnectionError(err)
}

func (c *Conn) dispatch(cb transport.Callback, f *Frame) {
	if c.finished {
		return
	}
	switch f.Type {
	case FrameHandshakeDone:
		if !c.server && c.replaySafe.CompareAndSwap(false, true) {
			cb.OnReplaySafe()
		}
	case FrameConnectionClose:
		code, err := f.Code()
		if err != nil {
			c.fail(cb, transport.ConnectionError{Code: CodeProtocolError, Message: err.Error()})
			return
		}
		if code == CodeNoError {
			c.finished = true
			c.closed.Store(true)
			c.good.Store(false)
			cb.OnConnectionEnd()
			return
		}
		c.fail(cb, transport.ConnectionError{Code: code, Message: f.Reason()})
	case FrameStream, FrameStreamFin:
		st := c.receiving(cb, f.StreamID)
		if st == nil {
			return
		}
		eof := f.Type == FrameStreamFin
		if eof {
			st.recvClosed = true
			c.reap(f.StreamID, st)
		}
		cb.OnRead(f.StreamID, f.Payload, eof)
	case FrameResetStream:
		code, err := f.Code()
		if err != nil {
			c.fail(cb, transport.ConnectionError{Code: CodeProtocolError, Message: err.Error()})
			return
		}
		st := c.receiving(cb, f.StreamID)
		if st == nil {
			return
		}
		st.recvClosed = true
		c.reap(f.StreamID, st)
		cb.OnStreamReset(f.StreamID, code)
	case FrameStopSending:
		code, err := f.Code()
		if err != nil {
			c.fail(cb, transport.ConnectionError{Code: CodeProtocolError, Message: err.Error()})
			return
		}
		st, ok := c.streams[f.StreamID]
		if !ok || st.sendClosed {
			return
		}
		st.sendClosed = true
		c.reap(f.StreamID, st)
		_ = c.send(AppendCode(nil, FrameResetStream, f.StreamID, code))
		cb.OnStreamReset(f.StreamID, code)
	}
}

// receiving returns the receive state for id, opening peer streams on
// first use. It returns nil when data for id must be discarded.
func (c *Conn) receiving(cb transport.Callback, id uint64) *streamState {
	if st, ok := c.streams[id]; ok {
		if st.recvClosed {
			return nil
		}
		return st
	}
	local := transport.IsClientInitiated(id) != c.server
	if local {
		return nil
	}
	st := &streamState{}
	if transport.IsUnidirectional(id) {
		if !c.peerIDs.Open(id, true) {
			return nil
		}
		st.sendClosed = true
		c.streams[id] = st
		cb.OnNewUnidirectionalStream(id)
	} else {
		if !c.peerIDs.Open(id, false) {
			return nil
		}
		c.streams[id] = st
		cb.OnNewBidirectionalStream(id)
	}
	if c.finished || st.recvClosed {
		return nil
	}
	return st
}
