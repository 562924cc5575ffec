// Package hashutil provides the single canonical hashing primitive used by
// every other component: a fixed keccak-256 digest over a documented,
// byte-stable tuple encoding. No call site hashes anything by hand.
package hashutil

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Size is the length in bytes of every digest produced by this package.
const Size = 32

// Digest is a fixed-width keccak-256 output.
type Digest [Size]byte

// Bytes returns the digest as a slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Hex renders the digest as lowercase hex with a 0x prefix, per §6.
func (d Digest) Hex() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 2+2*Size)
	out[0], out[1] = '0', 'x'
	for i, b := range d {
		out[2+i*2] = hexDigits[b>>4]
		out[3+i*2] = hexDigits[b&0x0f]
	}
	return string(out)
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Sum hashes the concatenation of parts with keccak-256.
func Sum(parts ...[]byte) Digest {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// String length-prefixes s with a 4-byte big-endian length. This is the
// only permitted encoding for variable-length strings feeding a hash; it
// removes the ambiguity of plain concatenation (e.g. "ab"+"c" vs "a"+"bc").
func String(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

// Bytes encodes an arbitrary byte slice with the same 4-byte length prefix
// as String.
func Bytes(b []byte) []byte {
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(b)))
	copy(buf[4:], b)
	return buf
}

// Uint64 encodes n as 8 bytes big-endian, per §4.1.
func Uint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// Int64 encodes a unix-seconds timestamp the same way as Uint64.
func Int64(n int64) []byte {
	return Uint64(uint64(n))
}
