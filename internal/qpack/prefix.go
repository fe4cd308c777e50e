package qpack

import "errors"

var errPrefixOverflow = errors.New("qpack: prefixed integer overflow")

// appendPrefixedInt appends v as an integer with an n-bit prefix; the high
// bits of the first byte are taken from flags.
func appendPrefixedInt(b []byte, flags byte, n uint8, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(b, flags|byte(v))
	}
	b = append(b, flags|byte(limit))
	v -= limit
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// readPrefixedInt decodes an integer with an n-bit prefix from the front of
// b. ok is false when more bytes are needed.
func readPrefixedInt(b []byte, n uint8) (v uint64, consumed int, ok bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, nil
	}
	limit := uint64(1)<<n - 1
	v = uint64(b[0]) & limit
	if v < limit {
		return v, 1, true, nil
	}
	var shift uint
	for i := 1; i < len(b); i++ {
		c := b[i]
		if shift >= 63 {
			return 0, 0, false, errPrefixOverflow
		}
		v += uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, true, nil
		}
		shift += 7
	}
	return 0, 0, false, nil
}
