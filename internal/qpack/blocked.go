package qpack

import (
	"errors"
	"sort"
)

// ErrAlreadyBlocked is returned when a stream already has a queued block.
var ErrAlreadyBlocked = errors.New("qpack: stream already has a blocked header block")

// Pending is a header block waiting for dynamic table entries.
type Pending struct {
	StreamID            uint64
	Block               []byte
	RequiredInsertCount uint64
	seq                 uint64
}

// BlockedQueue holds at most one pending block per stream, indexed by
// stream id, and releases them in the order they were queued.
type BlockedQueue struct {
	entries map[uint64]Pending
	seq     uint64
}

// NewBlockedQueue creates an empty queue.
func NewBlockedQueue() *BlockedQueue {
	return &BlockedQueue{entries: make(map[uint64]Pending)}
}

// Add queues block for streamID.
func (q *BlockedQueue) Add(streamID uint64, block []byte, ric uint64) error {
	if _, ok := q.entries[streamID]; ok {
		return ErrAlreadyBlocked
	}
	q.seq++
	q.entries[streamID] = Pending{
		StreamID:            streamID,
		Block:               block,
		RequiredInsertCount: ric,
		seq:                 q.seq,
	}
	return nil
}

// Remove drops and returns the block queued for streamID.
func (q *BlockedQueue) Remove(streamID uint64) (Pending, bool) {
	p, ok := q.entries[streamID]
	if ok {
		delete(q.entries, streamID)
	}
	return p, ok
}

// Has reports whether streamID has a queued block.
func (q *BlockedQueue) Has(streamID uint64) bool {
	_, ok := q.entries[streamID]
	return ok
}

// Len returns the number of blocked streams.
func (q *BlockedQueue) Len() int { return len(q.entries) }

// Ready returns, in queue order, the streams whose blocks can be decoded with
// insertCount entries. Entries stay queued until removed.
func (q *BlockedQueue) Ready(insertCount uint64) []uint64 {
	var ready []Pending
	for _, p := range q.entries {
		if p.RequiredInsertCount <= insertCount {
			ready = append(ready, p)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	ids := make([]uint64, len(ready))
	for i, p := range ready {
		ids[i] = p.StreamID
	}
	return ids
}
