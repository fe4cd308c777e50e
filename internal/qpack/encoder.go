package qpack

import (
	"bytes"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/net/http2/hpack"
)

// Encoder stream instruction types.
const (
	instInsert      byte = 0x01
	instSetCapacity byte = 0x02
)

// Field line representations inside a header block.
const (
	repDynamic byte = 0x00
	repLiteral byte = 0x01
)

// Encoder produces header blocks and the encoder stream instructions they
// depend on.
type Encoder struct {
	table       *Table
	maxCapacity uint64
	shouldIndex func(Field) bool
	stream      []byte
}

// NewEncoder creates an encoder for a peer decoder that accepts up to
// maxTableCapacity bytes of dynamic table. With a zero capacity every field
// is sent as a literal.
func NewEncoder(maxTableCapacity uint64) *Encoder {
	return &Encoder{
		table:       NewTable(maxTableCapacity),
		maxCapacity: maxTableCapacity,
	}
}

// SetIndexPolicy installs a predicate choosing which fields are inserted into
// the dynamic table. By default nothing is inserted.
func (e *Encoder) SetIndexPolicy(fn func(Field) bool) {
	e.shouldIndex = fn
}

// InsertCount returns the number of entries inserted so far.
func (e *Encoder) InsertCount() uint64 { return e.table.InsertCount() }

// Encode returns the header block for fields. Any table inserts it needs are
// appended to the pending encoder stream data.
func (e *Encoder) Encode(fields []Field) []byte {
	var (
		reps []byte
		ric  uint64
		lit  bytes.Buffer
	)
	henc := hpack.NewEncoder(&lit)
	henc.SetMaxDynamicTableSizeLimit(0)

	for _, f := range fields {
		idx, found := e.table.find(f)
		if !found && e.shouldIndex != nil && e.shouldIndex(f) {
			idx, found = e.insert(f)
		}
		if found {
			reps = append(reps, repDynamic)
			reps = quicvarint.Append(reps, idx)
			if idx+1 > ric {
				ric = idx + 1
			}
			continue
		}
		lit.Reset()
		_ = henc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value})
		reps = append(reps, repLiteral)
		reps = quicvarint.Append(reps, uint64(lit.Len()))
		reps = append(reps, lit.Bytes()...)
	}

	block := quicvarint.Append(make([]byte, 0, len(reps)+8), ric)
	return append(block, reps...)
}

func (e *Encoder) insert(f Field) (uint64, bool) {
	if e.table.Capacity() == 0 {
		if e.maxCapacity == 0 {
			return 0, false
		}
		_ = e.table.SetCapacity(e.maxCapacity)
		e.stream = append(e.stream, instSetCapacity)
		e.stream = quicvarint.Append(e.stream, e.maxCapacity)
	}
	if err := e.table.Insert(f); err != nil {
		return 0, false
	}
	e.stream = append(e.stream, instInsert)
	e.stream = quicvarint.Append(e.stream, uint64(len(f.Name)))
	e.stream = append(e.stream, f.Name...)
	e.stream = quicvarint.Append(e.stream, uint64(len(f.Value)))
	e.stream = append(e.stream, f.Value...)
	return e.table.InsertCount() - 1, true
}

// TakeEncoderStream returns and clears the pending encoder stream data.
func (e *Encoder) TakeEncoderStream() []byte {
	b := e.stream
	e.stream = nil
	return b
}
