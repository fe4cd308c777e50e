// Package transport defines the multiplexed connection a session runs on.
package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrUnknownStream is returned for operations on a stream that is not open.
	ErrUnknownStream = errors.New("transport: unknown stream")
	// ErrStreamLimit is returned when no more streams can be opened.
	ErrStreamLimit = errors.New("transport: stream limit reached")
)

// Transport is a connection carrying independent byte streams. All methods
// are called from the session's event loop.
type Transport interface {
	SetCallback(cb Callback)
	CreateBidirectionalStream() (uint64, error)
	CreateUnidirectionalStream() (uint64, error)
	Write(id uint64, data []byte, fin bool) error
	ResetStream(id uint64, code uint64) error
	StopSending(id uint64, code uint64) error
	Close(code uint64, reason string)
	IsGood() bool
	ReplaySafe() bool
	LocalAddr() net.Addr
	PeerAddr() net.Addr
}

// Callback receives connection events on the session's event loop.
type Callback interface {
	OnTransportReady()
	OnReplaySafe()
	OnNewBidirectionalStream(id uint64)
	OnNewUnidirectionalStream(id uint64)
	OnRead(id uint64, data []byte, eof bool)
	OnStreamReset(id uint64, code uint64)
	OnConnectionError(err ConnectionError)
	OnConnectionEnd()
}

// ConnectionError describes why a connection failed.
type ConnectionError struct {
	Code    uint64
	Message string
}

func (e ConnectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: connection error 0x%x", e.Code)
	}
	return fmt.Sprintf("transport: connection error 0x%x: %s", e.Code, e.Message)
}

// Stream id helpers follow QUIC numbering: the low bit is the initiator
// (0 client, 1 server) and the second bit the direction (0 bidi, 1 uni).

// IsClientInitiated reports whether id was opened by the client.
func IsClientInitiated(id uint64) bool { return id&0x1 == 0 }

// IsUnidirectional reports whether id is a unidirectional stream.
func IsUnidirectional(id uint64) bool { return id&0x2 != 0 }

// StreamIDs allocates stream ids for one side of a connection.
type StreamIDs struct {
	nextBidi uint64
	nextUni  uint64
}

// NewStreamIDs returns the allocator for the client or server side.
func NewStreamIDs(server bool) StreamIDs {
	var base uint64
	if server {
		base = 1
	}
	return StreamIDs{nextBidi: base, nextUni: base | 0x2}
}

// NextBidi returns the next bidirectional id.
func (s *StreamIDs) NextBidi() uint64 {
	id := s.nextBidi
	s.nextBidi += 4
	return id
}

// NextUni returns the next unidirectional id.
func (s *StreamIDs) NextUni() uint64 {
	id := s.nextUni
	s.nextUni += 4
	return id
}

// Open records a peer-initiated id and reports whether it is new. Ids below
// the highest one seen belong to streams that already closed.
func (s *StreamIDs) Open(id uint64, uni bool) bool {
	next := &s.nextBidi
	if uni {
		next = &s.nextUni
	}
	if id < *next {
		return false
	}
	*next = id + 4
	return true
}
