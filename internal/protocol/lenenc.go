package protocol

import "bytes"

// PutLengthEncodedInt encodes n as a MariaDB length-encoded integer:
// <0xFB literal, 0xFC+2 bytes, 0xFD+3 bytes, 0xFE+8 bytes.
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n < 0xfb:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		return []byte{
			0xfe,
			byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56),
		}
	}
}

// PutLengthEncodedString encodes s as a length-encoded string: a
// length-encoded int prefix followed by that many raw bytes.
func PutLengthEncodedString(s []byte) []byte {
	out := PutLengthEncodedInt(uint64(len(s)))
	return append(out, s...)
}

// ReadLengthEncodedInt reads a length-encoded integer from b.
// Returns the value, whether it was the NULL marker (0xfb), and the
// number of bytes consumed (0 if b is too short to decode).
func ReadLengthEncodedInt(b []byte) (value uint64, isNull bool, n int) {
	if len(b) == 0 {
		return 0, false, 0
	}
	switch b[0] {
	case 0xfb:
		return 0, true, 1
	case 0xfc:
		if len(b) < 3 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8, false, 3
	case 0xfd:
		if len(b) < 4 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, false, 4
	case 0xfe:
		if len(b) < 9 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24 |
			uint64(b[5])<<32 | uint64(b[6])<<40 | uint64(b[7])<<48 | uint64(b[8])<<56, false, 9
	default:
		return uint64(b[0]), false, 1
	}
}

// ReadLengthEncodedString reads a length-encoded string from b.
// Returns the string bytes and the number of input bytes consumed
// (including the length prefix); n is 0 if b does not hold a
// complete length-encoded string.
func ReadLengthEncodedString(b []byte) (value []byte, isNull bool, n int) {
	strLen, isNull, prefixLen := ReadLengthEncodedInt(b)
	if prefixLen == 0 {
		return nil, false, 0
	}
	if isNull {
		return nil, true, prefixLen
	}
	total := prefixLen + int(strLen)
	if len(b) < total {
		return nil, false, 0
	}
	return b[prefixLen:total], false, total
}

// ReadNullTerminatedString reads bytes up to and including a 0x00
// terminator. Returns the string without the terminator and the
// number of bytes consumed (0 if no terminator was found).
func ReadNullTerminatedString(b []byte) (value []byte, n int) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return nil, 0
	}
	return b[:idx], idx + 1
}

// ZigZagDecode decodes a zig-zag encoded signed integer, as used by
// the varint encoding in record formats such as Avro:
// (n>>1) ^ -(n&1).
func ZigZagDecode(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}

// ReadVarint reads a variable-length integer terminated by a byte
// whose high bit is zero (the encoding used by Avro-style record
// readers). Returns the raw unsigned value and bytes consumed.
func ReadVarint(b []byte) (value uint64, n int) {
	var shift uint
	for i, c := range b {
		value |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return value, i + 1
		}
		shift += 7
		if shift >= 64 {
			return 0, 0
		}
	}
	return 0, 0
}
