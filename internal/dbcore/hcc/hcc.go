// Package hcc implements the Hybrid Columnar Compression engine: it takes
// a batch already laid out as columns, picks a per-column codec, and
// assembles immutable Compression Units that support column-selective
// decompression. It does not pivot row-major data itself.
package hcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dbcore/internal/dbcore/checksum"
	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/cuemby/dbcore/pkg/metrics"
)

// DataType is the declared type of one column in a row batch.
type DataType int

const (
	TypeInt32 DataType = iota
	TypeInt64
	TypeTimestamp
	TypeBool
	TypeVarchar
	TypeBinary
)

// Codec identifies the compression strategy applied to one column.
type Codec byte

const (
	CodecDeltaBitPack Codec = iota + 1
	CodecDelta
	CodecRunLength
	CodecDictionary
	CodecGenericLZ
)

// ColumnMetadata describes one compressed column within a CU.
type ColumnMetadata struct {
	Type             DataType
	UncompressedSize int
	CompressedSize   int
	Codec            Codec
	Min              int64
	Max              int64
	NullCount        int
	DistinctEstimate int
	CRC32            uint32
}

// CU is an immutable Compression Unit: a columnar block spanning NumRows
// rows, each column independently codec-selected and independently
// decodable.
type CU struct {
	ID               uint64
	NumRows          int
	CreatedAt        time.Time
	ColumnMetadata   []ColumnMetadata
	CompressedColumns [][]byte
}

// Strategy is one of the four presets controlling CU row count and codec
// aggressiveness.
type Strategy int

const (
	QueryLow Strategy = iota
	QueryHigh
	ArchiveLow
	ArchiveHigh
)

// strategyRowCount returns the target row count for a sealed CU under a
// strategy, within the spec's 32K..256K band.
func strategyRowCount(s Strategy) int {
	switch s {
	case QueryLow:
		return 32 * 1024
	case QueryHigh:
		return 64 * 1024
	case ArchiveLow:
		return 128 * 1024
	case ArchiveHigh:
		return 256 * 1024
	default:
		return 64 * 1024
	}
}

// level controls how hard the generic-LZ fallback (zstd) tries; Archive*
// presets prefer a higher, slower compression level.
func strategyLevel(s Strategy) int {
	switch s {
	case ArchiveLow, ArchiveHigh:
		return 19 // zstd.SpeedBestCompression-equivalent level
	default:
		return 3 // zstd.SpeedDefault-equivalent level
	}
}

// Engine assembles and caches Compression Units.
type Engine struct {
	defaultStrategy Strategy

	nextCUID atomic.Uint64

	mu    sync.RWMutex
	cache map[uint64]*CU
}

// New builds an Engine with the given default strategy preset.
func New(defaultStrategy Strategy) *Engine {
	return &Engine{defaultStrategy: defaultStrategy, cache: make(map[uint64]*CU)}
}

// ParseStrategy maps a config string onto a Strategy, defaulting to
// QueryHigh for anything unrecognized.
func ParseStrategy(name string) Strategy {
	switch name {
	case "QueryLow":
		return QueryLow
	case "QueryHigh":
		return QueryHigh
	case "ArchiveLow":
		return ArchiveLow
	case "ArchiveHigh":
		return ArchiveHigh
	default:
		return QueryHigh
	}
}

// Column is one column's uncompressed values for CreateCU, pre-pivoted
// from row-major storage by the caller; nulls are represented as a
// parallel boolean slice so the codec can track null_count without
// special-casing the value slice's element type.
type Column struct {
	Type   DataType
	Nulls  []bool
	Ints   []int64     // populated for TypeInt32/TypeInt64/TypeTimestamp
	Bools  []bool      // populated for TypeBool
	Bytes  [][]byte    // populated for TypeVarchar/TypeBinary
}

// CreateCU assembles a batch of caller-supplied columns into a CU (no
// row-to-column pivot happens here), selecting a codec per column by the
// policy in spec.md §4.G and assembling per-column
// statistics (CRC32, min/max, null count, distinct estimate).
func (e *Engine) CreateCU(columns []Column, strategy Strategy) (*CU, error) {
	if len(columns) == 0 {
		return nil, dbcoreerr.InvalidInputf("hcc: create_cu requires at least one column")
	}

	numRows := columnLen(columns[0])
	for _, c := range columns {
		if columnLen(c) != numRows {
			return nil, dbcoreerr.InvalidInputf("hcc: all columns in a CU must share the same row count")
		}
	}
	if numRows == 0 {
		return nil, dbcoreerr.InvalidInputf("hcc: create_cu requires at least one row")
	}

	start := time.Now()
	level := strategyLevel(strategy)

	metas := make([]ColumnMetadata, len(columns))
	compressed := make([][]byte, len(columns))

	for i, col := range columns {
		meta, data, err := encodeColumn(col, level)
		if err != nil {
			return nil, err
		}
		metas[i] = meta
		compressed[i] = data
	}

	cu := &CU{
		ID:                e.nextCUID.Add(1),
		NumRows:           numRows,
		CreatedAt:         time.Now(),
		ColumnMetadata:    metas,
		CompressedColumns: compressed,
	}

	e.mu.Lock()
	e.cache[cu.ID] = cu
	e.mu.Unlock()

	metrics.HCCCUsCreatedTotal.Inc()
	metrics.HCCCreateCUDuration.Observe(time.Since(start).Seconds())
	if ratio := compressionRatio(cu); ratio > 0 {
		metrics.HCCCompressionRatio.Observe(ratio)
	}

	return cu, nil
}

func columnLen(c Column) int {
	switch c.Type {
	case TypeBool:
		return len(c.Bools)
	case TypeVarchar, TypeBinary:
		return len(c.Bytes)
	default:
		return len(c.Ints)
	}
}

// Decompress decodes every column of cu back to its original per-column
// bytes.
func (e *Engine) Decompress(cu *CU) ([][]byte, error) {
	indices := make([]int, len(cu.ColumnMetadata))
	for i := range indices {
		indices[i] = i
	}
	return e.DecompressColumns(cu, indices)
}

// DecompressColumns decodes only the named column indices, never touching
// any other column's compressed bytes.
func (e *Engine) DecompressColumns(cu *CU, indices []int) ([][]byte, error) {
	out := make([][]byte, len(indices))
	for outIdx, colIdx := range indices {
		if colIdx < 0 || colIdx >= len(cu.ColumnMetadata) {
			return nil, dbcoreerr.InvalidInputf("hcc: column index %d out of range", colIdx)
		}
		meta := cu.ColumnMetadata[colIdx]
		raw := cu.CompressedColumns[colIdx]

		if checksum.Sum(raw) != meta.CRC32 {
			return nil, dbcoreerr.CorruptedDataf("hcc: CRC mismatch decoding column %d", colIdx)
		}

		decoded, err := decodeColumn(meta, raw)
		if err != nil {
			return nil, err
		}
		out[outIdx] = decoded
	}
	return out, nil
}

// CompressionRatio reports the ratio of uncompressed to compressed bytes
// across every column of the CU with the given id.
func (e *Engine) CompressionRatio(cuID uint64) (float64, bool) {
	e.mu.RLock()
	cu, ok := e.cache[cuID]
	e.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return compressionRatio(cu), true
}

func compressionRatio(cu *CU) float64 {
	var uncompressed, compressed int
	for _, m := range cu.ColumnMetadata {
		uncompressed += m.UncompressedSize
		compressed += m.CompressedSize
	}
	if compressed == 0 {
		return 0
	}
	return float64(uncompressed) / float64(compressed)
}

// Advise samples a column batch and recommends a strategy: small datasets
// prefer QueryLow, highly compressible data prefers Archive*.
func Advise(columns []Column) Strategy {
	if len(columns) == 0 {
		return QueryHigh
	}
	rows := columnLen(columns[0])
	if rows < 8*1024 {
		return QueryLow
	}

	estimate := estimateCompressibility(columns)
	switch {
	case estimate >= 0.75:
		return ArchiveHigh
	case estimate >= 0.5:
		return ArchiveLow
	default:
		return QueryHigh
	}
}

// estimateCompressibility returns a 0..1 score: higher means the batch is
// expected to compress well (low cardinality, repetitive, or monotonic
// data), sampled cheaply without running a real codec.
func estimateCompressibility(columns []Column) float64 {
	var total, lowCardinality int
	for _, c := range columns {
		total++
		switch c.Type {
		case TypeBool:
			lowCardinality++
		case TypeVarchar, TypeBinary:
			if distinctEstimate(c.Bytes) < len(c.Bytes)/3 {
				lowCardinality++
			}
		case TypeInt32, TypeInt64, TypeTimestamp:
			if isSortedOrSlowlyVarying(c.Ints) {
				lowCardinality++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(lowCardinality) / float64(total)
}

func isSortedOrSlowlyVarying(vals []int64) bool {
	if len(vals) < 2 {
		return true
	}
	ascending := true
	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[i-1] {
			ascending = false
			break
		}
	}
	return ascending
}
