// Package qpack implements a reduced QPACK header compression scheme: a
// dynamic table fed through an encoder stream, header blocks that reference
// it by absolute index, and decoder stream acknowledgements. Literal fields
// are carried as HPACK representations with a zero-size HPACK table.
package qpack

import (
	"errors"
	"fmt"
)

// entryOverhead is the per-entry accounting overhead of the dynamic table.
const entryOverhead = 32

var (
	// ErrTableFull is returned when an insert does not fit the capacity.
	ErrTableFull = errors.New("qpack: dynamic table full")
	// ErrCapacityExceeded is returned when a capacity above the maximum is set.
	ErrCapacityExceeded = errors.New("qpack: capacity exceeds maximum")
)

// Field is a single header field.
type Field struct {
	Name  string
	Value string
}

// Size returns the dynamic table size of the field.
func (f Field) Size() uint64 {
	return uint64(len(f.Name)+len(f.Value)) + entryOverhead
}

// Table is a dynamic table. Entries are never evicted; inserts that exceed
// the capacity fail.
type Table struct {
	entries     []Field
	size        uint64
	capacity    uint64
	maxCapacity uint64
}

// NewTable creates a table whose capacity may be raised up to maxCapacity.
func NewTable(maxCapacity uint64) *Table {
	return &Table{maxCapacity: maxCapacity}
}

// InsertCount returns the number of entries ever inserted.
func (t *Table) InsertCount() uint64 { return uint64(len(t.entries)) }

// Capacity returns the current capacity.
func (t *Table) Capacity() uint64 { return t.capacity }

// Size returns the bytes used by all entries.
func (t *Table) Size() uint64 { return t.size }

// SetCapacity sets the table capacity.
func (t *Table) SetCapacity(c uint64) error {
	if c > t.maxCapacity {
		return fmt.Errorf("%w: %d > %d", ErrCapacityExceeded, c, t.maxCapacity)
	}
	if c < t.size {
		return fmt.Errorf("%w: capacity %d below used size %d", ErrTableFull, c, t.size)
	}
	t.capacity = c
	return nil
}

// Insert appends f to the table.
func (t *Table) Insert(f Field) error {
	if t.size+f.Size() > t.capacity {
		return ErrTableFull
	}
	t.entries = append(t.entries, f)
	t.size += f.Size()
	return nil
}

// Get returns the entry at absolute index abs.
func (t *Table) Get(abs uint64) (Field, bool) {
	if abs >= uint64(len(t.entries)) {
		return Field{}, false
	}
	return t.entries[abs], true
}

func (t *Table) find(f Field) (uint64, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i] == f {
			return uint64(i), true
		}
	}
	return 0, false
}
