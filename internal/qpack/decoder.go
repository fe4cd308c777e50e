package qpack

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/net/http2/hpack"
)

var (
	// ErrBlocked is returned by Decode when the block references table
	// entries that have not arrived yet.
	ErrBlocked = errors.New("qpack: header block blocked on dynamic table")
	// ErrDecompression is returned for undecodable header blocks.
	ErrDecompression = errors.New("qpack: decompression failed")
	// ErrEncoderStream is returned for malformed encoder stream data.
	ErrEncoderStream = errors.New("qpack: encoder stream error")
	// ErrFieldSectionTooLarge is returned when a decoded field section
	// exceeds the advertised limit.
	ErrFieldSectionTooLarge = errors.New("qpack: field section too large")
)

// Decoder stream instruction prefixes.
const (
	decSectionAck byte = 0x80
	decCancel     byte = 0x40
	decIncrement  byte = 0x00
)

// Decoder decodes header blocks against a dynamic table fed by the peer's
// encoder stream, and accumulates decoder stream instructions.
type Decoder struct {
	table               *Table
	maxFieldSectionSize uint64
	encBuf              []byte
	out                 []byte
}

// NewDecoder creates a decoder that allows the peer a dynamic table of up to
// maxTableCapacity bytes.
func NewDecoder(maxTableCapacity uint64) *Decoder {
	return &Decoder{table: NewTable(maxTableCapacity)}
}

// SetMaxFieldSectionSize bounds the decoded size of a single block. Zero
// means unlimited.
func (d *Decoder) SetMaxFieldSectionSize(n uint64) { d.maxFieldSectionSize = n }

// InsertCount returns the number of entries received on the encoder stream.
func (d *Decoder) InsertCount() uint64 { return d.table.InsertCount() }

// OnEncoderStream applies encoder stream bytes. Partial instructions are
// kept until the rest arrives. It returns the number of entries inserted.
func (d *Decoder) OnEncoderStream(b []byte) (int, error) {
	d.encBuf = append(d.encBuf, b...)
	inserted := 0
	for len(d.encBuf) > 0 {
		n, ins, err := d.applyInstruction(d.encBuf)
		if err != nil {
			return inserted, fmt.Errorf("%w: %v", ErrEncoderStream, err)
		}
		if n == 0 {
			break
		}
		d.encBuf = d.encBuf[n:]
		if ins {
			inserted++
		}
	}
	if len(d.encBuf) == 0 {
		d.encBuf = nil
	}
	return inserted, nil
}

func (d *Decoder) applyInstruction(b []byte) (int, bool, error) {
	switch b[0] {
	case instSetCapacity:
		c, n, ok := readVarint(b[1:])
		if !ok {
			return 0, false, nil
		}
		return 1 + n, false, d.table.SetCapacity(c)
	case instInsert:
		off := 1
		name, n, ok := readString(b[off:])
		if !ok {
			return 0, false, nil
		}
		off += n
		value, n, ok := readString(b[off:])
		if !ok {
			return 0, false, nil
		}
		off += n
		if err := d.table.Insert(Field{Name: name, Value: value}); err != nil {
			return 0, false, err
		}
		return off, true, nil
	}
	return 0, false, fmt.Errorf("unknown instruction 0x%02x", b[0])
}

// RequiredInsertCount returns the insert count a block needs before it can
// be decoded.
func (d *Decoder) RequiredInsertCount(block []byte) (uint64, error) {
	ric, _, ok := readVarint(block)
	if !ok {
		return 0, fmt.Errorf("%w: truncated block prefix", ErrDecompression)
	}
	return ric, nil
}

// Decode decodes the header block received on streamID. ErrBlocked means
// the block must be retried after more encoder stream data arrives. A
// successfully decoded block with dynamic references queues a Section
// Acknowledgement.
func (d *Decoder) Decode(streamID uint64, block []byte) ([]Field, error) {
	ric, n, ok := readVarint(block)
	if !ok {
		return nil, fmt.Errorf("%w: truncated block prefix", ErrDecompression)
	}
	if ric > d.table.InsertCount() {
		return nil, ErrBlocked
	}

	var (
		out  []Field
		size uint64
	)
	hdec := hpack.NewDecoder(0, func(hf hpack.HeaderField) {
		out = append(out, Field{Name: hf.Name, Value: hf.Value})
	})
	p := block[n:]
	for len(p) > 0 {
		tag := p[0]
		p = p[1:]
		switch tag {
		case repDynamic:
			idx, n, ok := readVarint(p)
			if !ok || idx >= ric {
				return nil, fmt.Errorf("%w: bad dynamic reference", ErrDecompression)
			}
			f, _ := d.table.Get(idx)
			out = append(out, f)
			p = p[n:]
		case repLiteral:
			l, n, ok := readVarint(p)
			if !ok || uint64(len(p)-n) < l {
				return nil, fmt.Errorf("%w: truncated literal", ErrDecompression)
			}
			if _, err := hdec.Write(p[n : n+int(l)]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
			}
			p = p[n+int(l):]
		default:
			return nil, fmt.Errorf("%w: unknown representation 0x%02x", ErrDecompression, tag)
		}
	}
	if err := hdec.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	for _, f := range out {
		size += f.Size()
	}
	if d.maxFieldSectionSize > 0 && size > d.maxFieldSectionSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFieldSectionTooLarge, size, d.maxFieldSectionSize)
	}
	if ric > 0 {
		d.out = appendPrefixedInt(d.out, decSectionAck, 7, streamID)
	}
	return out, nil
}

// CancelStream queues a Stream Cancellation for streamID.
func (d *Decoder) CancelStream(streamID uint64) {
	d.out = appendPrefixedInt(d.out, decCancel, 6, streamID)
}

// IncrementInsertCount queues an Insert Count Increment.
func (d *Decoder) IncrementInsertCount(inc uint64) {
	d.out = appendPrefixedInt(d.out, decIncrement, 6, inc)
}

// TakeDecoderStream returns and clears the pending decoder stream data.
func (d *Decoder) TakeDecoderStream() []byte {
	b := d.out
	d.out = nil
	return b
}

// DecoderInstructionType identifies a decoder stream instruction.
type DecoderInstructionType int

// Decoder stream instruction types
const (
	SectionAcknowledgement DecoderInstructionType = iota
	StreamCancellation
	InsertCountIncrement
)

func (t DecoderInstructionType) String() string {
	switch t {
	case SectionAcknowledgement:
		return "section-ack"
	case StreamCancellation:
		return "stream-cancel"
	case InsertCountIncrement:
		return "insert-count-increment"
	}
	return "unknown"
}

// DecoderInstruction is one parsed decoder stream instruction. Value is the
// stream id for acknowledgements and cancellations, the increment otherwise.
type DecoderInstruction struct {
	Type  DecoderInstructionType
	Value uint64
}

// ParseDecoderInstructions parses complete decoder stream data.
func ParseDecoderInstructions(b []byte) ([]DecoderInstruction, error) {
	var out []DecoderInstruction
	for len(b) > 0 {
		var (
			in DecoderInstruction
			n  uint8
		)
		switch {
		case b[0]&decSectionAck != 0:
			in.Type, n = SectionAcknowledgement, 7
		case b[0]&decCancel != 0:
			in.Type, n = StreamCancellation, 6
		default:
			in.Type, n = InsertCountIncrement, 6
		}
		v, used, ok, err := readPrefixedInt(b, n)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, fmt.Errorf("qpack: truncated decoder instruction")
		}
		in.Value = v
		out = append(out, in)
		b = b[used:]
	}
	return out, nil
}

func readVarint(b []byte) (uint64, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	n := 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, 0, false
	}
	v, err := quicvarint.Read(bytes.NewReader(b[:n]))
	if err != nil {
		return 0, 0, false
	}
	return v, n, true
}

func readString(b []byte) (string, int, bool) {
	l, n, ok := readVarint(b)
	if !ok || uint64(len(b)-n) < l {
		return "", 0, false
	}
	return string(b[n : n+int(l)]), n + int(l), true
}
