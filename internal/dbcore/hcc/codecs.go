package hcc

import (
	"bytes"
	"encoding/binary"

	"github.com/cuemby/dbcore/internal/dbcore/checksum"
	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/klauspost/compress/zstd"
)

// encodeColumn picks a codec for col per spec.md §4.G's policy and returns
// the column's metadata plus its one-byte codec marker followed by
// codec-specific bytes.
func encodeColumn(col Column, zstdLevel int) (ColumnMetadata, []byte, error) {
	switch col.Type {
	case TypeInt32, TypeInt64:
		return encodeIntColumn(col, zstdLevel)
	case TypeTimestamp:
		return encodeDeltaColumn(col, zstdLevel)
	case TypeBool:
		return encodeBoolColumn(col)
	case TypeVarchar, TypeBinary:
		return encodeBytesColumn(col, zstdLevel)
	default:
		return encodeGenericLZColumn(col, zstdLevel)
	}
}

func decodeColumn(meta ColumnMetadata, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, dbcoreerr.InvalidInputf("hcc: empty column payload")
	}
	marker := Codec(raw[0])
	payload := raw[1:]

	switch marker {
	case CodecDeltaBitPack:
		return decodeIntColumn(payload)
	case CodecDelta:
		return decodeDeltaColumn(payload)
	case CodecRunLength:
		return decodeBoolColumn(payload)
	case CodecDictionary:
		return decodeDictionaryColumn(payload)
	case CodecGenericLZ:
		return decodeZstd(payload)
	default:
		return nil, dbcoreerr.UnsupportedAlgorithmf("hcc: unknown codec marker %d", marker)
	}
}

func intsToBytes(vals []int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

func bytesToInts(data []byte) []int64 {
	vals := make([]int64, len(data)/8)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return vals
}

func minMax(vals []int64) (int64, int64) {
	if len(vals) == 0 {
		return 0, 0
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// encodeIntColumn applies delta-of-delta encoding followed by bit-packing
// to the second-difference stream, falling back to generic LZ when the
// deltas don't compress well (the "odd sizes" case from spec.md §4.G).
func encodeIntColumn(col Column, zstdLevel int) (ColumnMetadata, []byte, error) {
	original := intsToBytes(col.Ints)
	lo, hi := minMax(col.Ints)

	dod := deltaOfDelta(col.Ints)
	packed := bitPack(dod)

	payload := packed
	codec := CodecDeltaBitPack
	if len(payload) >= len(original) && len(original) > 0 {
		// Bit-packing didn't help; fall back to generic LZ.
		z, err := compressZstd(original, zstdLevel)
		if err != nil {
			return ColumnMetadata{}, nil, err
		}
		payload = z
		codec = CodecGenericLZ
	}

	out := append([]byte{byte(codec)}, payload...)
	return ColumnMetadata{
		Type:             col.Type,
		UncompressedSize: len(original),
		CompressedSize:   len(out),
		Codec:            codec,
		Min:              lo,
		Max:              hi,
		NullCount:        countTrue(col.Nulls),
		DistinctEstimate: distinctEstimateInts(col.Ints),
		CRC32:            checksum.Sum(out),
	}, out, nil
}

func decodeIntColumn(payload []byte) ([]byte, error) {
	dod, err := bitUnpack(payload)
	if err != nil {
		return nil, err
	}
	vals := undeltaOfDelta(dod)
	return intsToBytes(vals), nil
}

// encodeDeltaColumn is the Date/Timestamp codec. Its plain delta encoding
// stores one 8-byte delta per value, so with the marker byte it is never
// smaller than the original; every non-empty column therefore falls back
// to generic LZ over the original values, and CodecDelta is emitted only
// for an empty column.
func encodeDeltaColumn(col Column, zstdLevel int) (ColumnMetadata, []byte, error) {
	original := intsToBytes(col.Ints)
	lo, hi := minMax(col.Ints)

	deltas := delta(col.Ints)
	payload := intsToBytes(deltas)
	codec := CodecDelta

	out := append([]byte{byte(codec)}, payload...)
	if len(out) >= len(original) && len(original) > 0 {
		z, err := compressZstd(original, zstdLevel)
		if err != nil {
			return ColumnMetadata{}, nil, err
		}
		out = append([]byte{byte(CodecGenericLZ)}, z...)
		codec = CodecGenericLZ
	}

	return ColumnMetadata{
		Type:             col.Type,
		UncompressedSize: len(original),
		CompressedSize:   len(out),
		Codec:            codec,
		Min:              lo,
		Max:              hi,
		NullCount:        countTrue(col.Nulls),
		DistinctEstimate: distinctEstimateInts(col.Ints),
		CRC32:            checksum.Sum(out),
	}, out, nil
}

func decodeDeltaColumn(payload []byte) ([]byte, error) {
	deltas := bytesToInts(payload)
	vals := undelta(deltas)
	return intsToBytes(vals), nil
}

// encodeBoolColumn run-length encodes a boolean column.
func encodeBoolColumn(col Column) (ColumnMetadata, []byte, error) {
	original := boolsToBytes(col.Bools)
	payload := runLengthEncode(col.Bools)
	out := append([]byte{byte(CodecRunLength)}, payload...)

	var lo, hi int64
	if len(col.Bools) > 0 {
		hi = 1
	}

	return ColumnMetadata{
		Type:             TypeBool,
		UncompressedSize: len(original),
		CompressedSize:   len(out),
		Codec:            CodecRunLength,
		Min:              lo,
		Max:              hi,
		NullCount:        countTrue(col.Nulls),
		DistinctEstimate: distinctEstimateBools(col.Bools),
		CRC32:            checksum.Sum(out),
	}, out, nil
}

func decodeBoolColumn(payload []byte) ([]byte, error) {
	bools, err := runLengthDecode(payload)
	if err != nil {
		return nil, err
	}
	return boolsToBytes(bools), nil
}

// encodeBytesColumn dictionary-encodes a Varchar/Binary column when
// estimated distinct values are low, else falls back to generic LZ.
func encodeBytesColumn(col Column, zstdLevel int) (ColumnMetadata, []byte, error) {
	original := joinBytes(col.Bytes)
	distinct := distinctEstimate(col.Bytes)

	if len(col.Bytes) > 0 && distinct < len(col.Bytes)/3 {
		payload := dictionaryEncode(col.Bytes)
		out := append([]byte{byte(CodecDictionary)}, payload...)
		return ColumnMetadata{
			Type:             col.Type,
			UncompressedSize: len(original),
			CompressedSize:   len(out),
			Codec:            CodecDictionary,
			NullCount:        countTrue(col.Nulls),
			DistinctEstimate: distinct,
			CRC32:            checksum.Sum(out),
		}, out, nil
	}

	z, err := compressZstd(original, zstdLevel)
	if err != nil {
		return ColumnMetadata{}, nil, err
	}
	out := append([]byte{byte(CodecGenericLZ)}, z...)
	return ColumnMetadata{
		Type:             col.Type,
		UncompressedSize: len(original),
		CompressedSize:   len(out),
		Codec:            CodecGenericLZ,
		NullCount:        countTrue(col.Nulls),
		DistinctEstimate: distinct,
		CRC32:            checksum.Sum(out),
	}, out, nil
}

func decodeDictionaryColumn(payload []byte) ([]byte, error) {
	values, err := dictionaryDecode(payload)
	if err != nil {
		return nil, err
	}
	return joinBytes(values), nil
}

// encodeGenericLZColumn is the fallback codec for any column type with no
// more specific handling.
func encodeGenericLZColumn(col Column, zstdLevel int) (ColumnMetadata, []byte, error) {
	original := intsToBytes(col.Ints)
	z, err := compressZstd(original, zstdLevel)
	if err != nil {
		return ColumnMetadata{}, nil, err
	}
	out := append([]byte{byte(CodecGenericLZ)}, z...)
	return ColumnMetadata{
		Type:             col.Type,
		UncompressedSize: len(original),
		CompressedSize:   len(out),
		Codec:            CodecGenericLZ,
		NullCount:        countTrue(col.Nulls),
		CRC32:            checksum.Sum(out),
	}, out, nil
}

func decodeZstd(payload []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, dbcoreerr.IOf("hcc: open zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, dbcoreerr.CorruptedDataf("hcc: zstd decode failed: %w", err)
	}
	return out, nil
}

func compressZstd(data []byte, level int) ([]byte, error) {
	zlevel := zstd.SpeedDefault
	if level >= 19 {
		zlevel = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zlevel))
	if err != nil {
		return nil, dbcoreerr.IOf("hcc: open zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

func delta(vals []int64) []int64 {
	out := make([]int64, len(vals))
	var prev int64
	for i, v := range vals {
		out[i] = v - prev
		prev = v
	}
	return out
}

func undelta(deltas []int64) []int64 {
	out := make([]int64, len(deltas))
	var acc int64
	for i, d := range deltas {
		acc += d
		out[i] = acc
	}
	return out
}

func deltaOfDelta(vals []int64) []int64 {
	return delta(delta(vals))
}

func undeltaOfDelta(dod []int64) []int64 {
	return undelta(undelta(dod))
}

// bitPack packs a signed integer stream into a minimal fixed-width
// representation: a header (count, bit width) followed by tightly packed
// bits using zig-zag encoding to handle negative deltas.
func bitPack(vals []int64) []byte {
	width := bitsNeeded(vals)

	var buf bytes.Buffer
	var header [9]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(vals)))
	header[8] = byte(width)
	buf.Write(header[:])

	var acc uint64
	var accBits uint

	for _, v := range vals {
		zz := zigzag(v)
		acc |= zz << accBits
		accBits += uint(width)
		for accBits >= 8 {
			buf.WriteByte(byte(acc))
			acc >>= 8
			accBits -= 8
		}
	}
	if accBits > 0 {
		buf.WriteByte(byte(acc))
	}
	return buf.Bytes()
}

func bitUnpack(payload []byte) ([]int64, error) {
	if len(payload) < 9 {
		return nil, dbcoreerr.CorruptedDataf("hcc: bit-packed column header truncated")
	}
	count := int(binary.LittleEndian.Uint64(payload[:8]))
	width := uint(payload[8])
	body := payload[9:]

	out := make([]int64, count)
	if width == 0 {
		return out, nil
	}

	var acc uint64
	var accBits uint
	pos := 0

	for i := 0; i < count; i++ {
		for accBits < width {
			if pos >= len(body) {
				return nil, dbcoreerr.CorruptedDataf("hcc: bit-packed column body truncated")
			}
			acc |= uint64(body[pos]) << accBits
			pos++
			accBits += 8
		}
		mask := uint64(1)<<width - 1
		zz := acc & mask
		acc >>= width
		accBits -= width
		out[i] = unzigzag(zz)
	}
	return out, nil
}

func bitsNeeded(vals []int64) int {
	var maxZZ uint64
	for _, v := range vals {
		zz := zigzag(v)
		if zz > maxZZ {
			maxZZ = zz
		}
	}
	if maxZZ == 0 {
		return 1
	}
	width := 0
	for maxZZ > 0 {
		width++
		maxZZ >>= 1
	}
	return width
}

func zigzag(v int64) uint64   { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag(z uint64) int64 { return int64(z>>1) ^ -int64(z&1) }

func boolsToBytes(bs []bool) []byte {
	out := make([]byte, len(bs))
	for i, b := range bs {
		if b {
			out[i] = 1
		}
	}
	return out
}

// runLengthEncode stores a header (count) followed by (value, run length)
// pairs.
func runLengthEncode(bs []bool) []byte {
	var buf bytes.Buffer
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(bs)))
	buf.Write(countBuf[:])

	i := 0
	for i < len(bs) {
		v := bs[i]
		run := 1
		for i+run < len(bs) && bs[i+run] == v {
			run++
		}
		var runBuf [8]byte
		binary.LittleEndian.PutUint64(runBuf[:], uint64(run))
		val := byte(0)
		if v {
			val = 1
		}
		buf.WriteByte(val)
		buf.Write(runBuf[:])
		i += run
	}
	return buf.Bytes()
}

func runLengthDecode(payload []byte) ([]bool, error) {
	if len(payload) < 8 {
		return nil, dbcoreerr.CorruptedDataf("hcc: run-length column header truncated")
	}
	total := int(binary.LittleEndian.Uint64(payload[:8]))
	out := make([]bool, 0, total)
	pos := 8
	for len(out) < total {
		if pos+9 > len(payload) {
			return nil, dbcoreerr.CorruptedDataf("hcc: run-length column body truncated")
		}
		v := payload[pos] == 1
		run := int(binary.LittleEndian.Uint64(payload[pos+1 : pos+9]))
		pos += 9
		for i := 0; i < run; i++ {
			out = append(out, v)
		}
	}
	return out, nil
}

func joinBytes(vals [][]byte) []byte {
	var buf bytes.Buffer
	for _, v := range vals {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return buf.Bytes()
}

// dictionaryEncode stores a header (count), the distinct dictionary
// entries, then a per-row index into the dictionary.
func dictionaryEncode(vals [][]byte) []byte {
	dict := make(map[string]uint32)
	var order []string

	for _, v := range vals {
		s := string(v)
		if _, ok := dict[s]; !ok {
			dict[s] = uint32(len(order))
			order = append(order, s)
		}
	}

	var buf bytes.Buffer
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(vals)))
	buf.Write(countBuf[:])

	var dictCountBuf [4]byte
	binary.LittleEndian.PutUint32(dictCountBuf[:], uint32(len(order)))
	buf.Write(dictCountBuf[:])
	for _, s := range order {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf.Write(lenBuf[:])
		buf.WriteString(s)
	}

	for _, v := range vals {
		var idxBuf [4]byte
		binary.LittleEndian.PutUint32(idxBuf[:], dict[string(v)])
		buf.Write(idxBuf[:])
	}
	return buf.Bytes()
}

func dictionaryDecode(payload []byte) ([][]byte, error) {
	if len(payload) < 12 {
		return nil, dbcoreerr.CorruptedDataf("hcc: dictionary column header truncated")
	}
	count := int(binary.LittleEndian.Uint64(payload[:8]))
	dictCount := int(binary.LittleEndian.Uint32(payload[8:12]))
	pos := 12

	dict := make([][]byte, dictCount)
	for i := 0; i < dictCount; i++ {
		if pos+4 > len(payload) {
			return nil, dbcoreerr.CorruptedDataf("hcc: dictionary entry header truncated")
		}
		strLen := int(binary.LittleEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		if pos+strLen > len(payload) {
			return nil, dbcoreerr.CorruptedDataf("hcc: dictionary entry body truncated")
		}
		dict[i] = append([]byte(nil), payload[pos:pos+strLen]...)
		pos += strLen
	}

	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(payload) {
			return nil, dbcoreerr.CorruptedDataf("hcc: dictionary index truncated")
		}
		idx := int(binary.LittleEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		if idx < 0 || idx >= len(dict) {
			return nil, dbcoreerr.CorruptedDataf("hcc: dictionary index %d out of range", idx)
		}
		out[i] = dict[idx]
	}
	return out, nil
}

func distinctEstimate(vals [][]byte) int {
	seen := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		seen[string(v)] = struct{}{}
	}
	return len(seen)
}

func distinctEstimateInts(vals []int64) int {
	seen := make(map[int64]struct{}, len(vals))
	for _, v := range vals {
		seen[v] = struct{}{}
	}
	return len(seen)
}

func distinctEstimateBools(vals []bool) int {
	var hasTrue, hasFalse bool
	for _, v := range vals {
		if v {
			hasTrue = true
		} else {
			hasFalse = true
		}
	}
	n := 0
	if hasTrue {
		n++
	}
	if hasFalse {
		n++
	}
	return n
}
