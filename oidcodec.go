package odb

import (
	"encoding/binary"
	"math/bits"
)

// OID identifies a stored object. OIDs are allocated monotonically by the
// owning database; 0 means the object has not been assigned one yet.
type OID uint64

// DictID identifies a persistent dictionary owned by an object.
type DictID uint64

// InlineSentinel is returned by Tx.StoreIfNotInlined to tell the caller to
// write the object inline instead of by reference.
const InlineSentinel = OID(1<<64 - 1)

const maxVarUintLen = 9

// varUintSize returns the minimal encoded length of v, 1 to 9 bytes.
// An encoding of length L < 9 carries (8-L) + 8*(L-1) bits of value; length
// 9 is a 0xFF marker byte followed by all 64 bits.
func varUintSize(v uint64) int {
	switch {
	case v < 1<<7:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<21:
		return 3
	case v < 1<<28:
		return 4
	case v < 1<<35:
		return 5
	case v < 1<<42:
		return 6
	case v < 1<<49:
		return 7
	case v < 1<<56:
		return 8
	default:
		return 9
	}
}

// appendVarUint encodes v as a length-prefixed big-endian varuint. The high
// bits of the first byte encode the length, so lexicographic byte order of
// encodings matches numeric order.
func appendVarUint(buf []byte, v uint64) []byte {
	n := varUintSize(v)
	off, buf := grow(buf, n)
	b := buf[off:]
	if n == 9 {
		b[0] = 0xFF
		binary.BigEndian.PutUint64(b[1:], v)
		return buf
	}
	for i := n - 1; i >= 1; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	b[0] = (^byte(0) << (9 - n)) | byte(v)
	return buf
}

// varUintLen infers the full encoded length from the first byte.
func varUintLen(first byte) int {
	return bits.LeadingZeros8(^first) + 1
}

// cutVarUint decodes a varuint from the front of data and returns the rest.
func cutVarUint(data []byte) (uint64, []byte, error) {
	if len(data) == 0 {
		return 0, nil, dataErrf(data, 0, nil, "truncated varuint")
	}
	n := varUintLen(data[0])
	if len(data) < n {
		return 0, nil, dataErrf(data, 0, nil, "truncated varuint: %d bytes present, %d wanted", len(data), n)
	}
	var v uint64
	if n < 9 {
		v = uint64(data[0] & (0xFF >> n))
	}
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(data[i])
	}
	return v, data[n:], nil
}

func appendOid(buf []byte, oid OID) []byte {
	return appendVarUint(buf, uint64(oid))
}

// oidKey builds prefix||Encode(oid) in a fresh slice.
func oidKey(prefix []byte, oid OID) []byte {
	buf := make([]byte, 0, len(prefix)+maxVarUintLen)
	buf = append(buf, prefix...)
	return appendOid(buf, oid)
}

// oidFromKey decodes the OID from a full key under prefix.
func oidFromKey(prefix, key []byte) (OID, error) {
	v, rest, err := cutVarUint(key[len(prefix):])
	if err != nil {
		return 0, err
	}
	if len(rest) != 0 {
		return 0, dataErrf(key, len(key)-len(rest), nil, "trailing bytes after OID")
	}
	return OID(v), nil
}
