package wal

import (
	"encoding/binary"
	"io"

	"github.com/cuemby/dbcore/internal/dbcore/checksum"
	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/cuemby/dbcore/internal/dbcore/walrecord"
)

// Entry is the WAL entry wrapper from spec.md §3: an LSN, the previous LSN
// in this transaction's undo chain's allocation order, the record itself,
// and a CRC32C covering the serialized record.
type Entry struct {
	LSN     uint64
	PrevLSN uint64
	Record  walrecord.Record
	CRC32C  uint32
}

// encode produces the on-disk form from spec.md §6:
// [u32 total_size][u64 lsn][u64 prev_lsn_or_0][u8 variant_tag][payload…][u32 crc32c]
// little-endian. total_size covers everything after itself, so a reader
// can skip a damaged entry without re-deriving its length from the payload.
func encodeEntry(lsn, prevLSN uint64, rec walrecord.Record) []byte {
	payload := rec.Marshal()
	tag := byte(rec.Tag())

	body := make([]byte, 8+8+1+len(payload))
	binary.LittleEndian.PutUint64(body[0:8], lsn)
	binary.LittleEndian.PutUint64(body[8:16], prevLSN)
	body[16] = tag
	copy(body[17:], payload)

	crc := checksum.Sum(append([]byte{tag}, payload...))

	out := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)+4))
	copy(out[4:4+len(body)], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], crc)
	return out
}

// sentinelEntry is the zero-sized record that seals a segment, per
// spec.md §6 ("sealed by a zero-sized sentinel entry").
func sentinelEntry() []byte {
	return []byte{0, 0, 0, 0}
}

// readEntry reads one entry (or the sentinel) from r. ok is false, err is
// nil at a clean sentinel/EOF boundary, signaling "no more entries in this
// segment."
func readEntry(r io.Reader) (e Entry, ok bool, err error) {
	var totalSizeBuf [4]byte
	if _, err := io.ReadFull(r, totalSizeBuf[:]); err != nil {
		if err == io.EOF {
			return Entry{}, false, nil
		}
		return Entry{}, false, dbcoreerr.IOf("reading entry size: %v", err)
	}

	totalSize := binary.LittleEndian.Uint32(totalSizeBuf[:])
	if totalSize == 0 {
		return Entry{}, false, nil // sentinel
	}
	if totalSize < 8+8+1+4 {
		return Entry{}, false, dbcoreerr.Corruptionf("entry total_size %d too small", totalSize)
	}

	body := make([]byte, totalSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, false, dbcoreerr.IOf("reading entry body: %v", err)
	}

	lsn := binary.LittleEndian.Uint64(body[0:8])
	prevLSN := binary.LittleEndian.Uint64(body[8:16])
	tag := walrecord.Tag(body[16])
	payload := body[17 : len(body)-4]
	storedCRC := binary.LittleEndian.Uint32(body[len(body)-4:])

	gotCRC := checksum.Sum(body[16 : len(body)-4])
	if gotCRC != storedCRC {
		return Entry{}, false, dbcoreerr.Corruptionf("crc mismatch at lsn %d", lsn)
	}

	rec, derr := walrecord.Decode(tag, payload)
	if derr != nil {
		return Entry{}, false, derr
	}

	return Entry{LSN: lsn, PrevLSN: prevLSN, Record: rec, CRC32C: storedCRC}, true, nil
}
