// Package checksum computes the CRC32C (Castagnoli) checksum used to guard
// WAL entries and HCC columns against silent corruption.
//
// hash/crc32 already dispatches to SSE4.2 / ARM64 CRC32 instructions on
// supported platforms internally, so a single Sum function gets hardware
// acceleration when available and a correct table-driven fallback
// otherwise, without any platform-detection code of our own.
package checksum

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Sum returns the CRC32C checksum of b.
func Sum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

// Verify reports whether want matches the CRC32C of b.
func Verify(b []byte, want uint32) bool {
	return Sum(b) == want
}

// New returns a streaming CRC32C hash.Hash32, for callers assembling a
// checksum across multiple buffers (e.g. a vectored flush) without
// concatenating them first.
func New() hasher {
	return hasher{h: crc32.New(castagnoliTable)}
}

type hasher struct {
	h interface {
		Write([]byte) (int, error)
		Sum32() uint32
		Reset()
	}
}

// Write feeds b into the running checksum.
func (c hasher) Write(b []byte) { _, _ = c.h.Write(b) }

// Sum32 returns the checksum accumulated so far.
func (c hasher) Sum32() uint32 { return c.h.Sum32() }
