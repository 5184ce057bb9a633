package hcc

import (
	"errors"
	"testing"

	"github.com/cuemby/dbcore/internal/dbcore/dbcoreerr"
	"github.com/stretchr/testify/require"
)

func sortedIntColumn(n int, start int64) Column {
	vals := make([]int64, n)
	nulls := make([]bool, n)
	for i := 0; i < n; i++ {
		vals[i] = start + int64(i)
	}
	return Column{Type: TypeInt32, Ints: vals, Nulls: nulls}
}

func TestCreateCURejectsEmptyInput(t *testing.T) {
	e := New(QueryHigh)
	_, err := e.CreateCU(nil, QueryHigh)
	require.Error(t, err)
	require.True(t, errors.Is(err, dbcoreerr.ErrInvalidInput))
}

func TestCreateCURejectsMismatchedRowCounts(t *testing.T) {
	e := New(QueryHigh)
	_, err := e.CreateCU([]Column{
		sortedIntColumn(5, 0),
		sortedIntColumn(3, 0),
	}, QueryHigh)
	require.Error(t, err)
}

func TestSortedIntColumnCompressesAndRoundTrips(t *testing.T) {
	e := New(QueryHigh)
	col := sortedIntColumn(1000, 1000)

	cu, err := e.CreateCU([]Column{col}, QueryHigh)
	require.NoError(t, err)
	require.Equal(t, 1000, cu.NumRows)

	ratio, ok := e.CompressionRatio(cu.ID)
	require.True(t, ok)
	require.GreaterOrEqual(t, ratio, 3.0)

	decoded, err := e.DecompressColumns(cu, []int{0})
	require.NoError(t, err)
	require.Equal(t, intsToBytes(col.Ints), decoded[0])
}

func TestBoolColumnRunLengthRoundTrips(t *testing.T) {
	e := New(QueryHigh)
	bools := make([]bool, 100)
	for i := range bools {
		bools[i] = i < 50
	}
	col := Column{Type: TypeBool, Bools: bools, Nulls: make([]bool, 100)}

	cu, err := e.CreateCU([]Column{col}, QueryHigh)
	require.NoError(t, err)

	decoded, err := e.Decompress(cu)
	require.NoError(t, err)
	require.Equal(t, boolsToBytes(bools), decoded[0])
}

func TestLowCardinalityStringColumnUsesDictionary(t *testing.T) {
	e := New(QueryHigh)
	values := make([][]byte, 300)
	for i := range values {
		switch i % 3 {
		case 0:
			values[i] = []byte("alpha")
		case 1:
			values[i] = []byte("beta")
		default:
			values[i] = []byte("gamma")
		}
	}
	col := Column{Type: TypeVarchar, Bytes: values, Nulls: make([]bool, 300)}

	cu, err := e.CreateCU([]Column{col}, QueryHigh)
	require.NoError(t, err)
	require.Equal(t, CodecDictionary, cu.ColumnMetadata[0].Codec)

	decoded, err := e.Decompress(cu)
	require.NoError(t, err)
	require.Equal(t, joinBytes(values), decoded[0])
}

func TestDecompressColumnsOnlyTouchesRequestedColumn(t *testing.T) {
	e := New(QueryHigh)
	colA := sortedIntColumn(100, 0)
	colB := Column{Type: TypeBool, Bools: make([]bool, 100), Nulls: make([]bool, 100)}

	cu, err := e.CreateCU([]Column{colA, colB}, QueryHigh)
	require.NoError(t, err)

	decoded, err := e.DecompressColumns(cu, []int{1})
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, boolsToBytes(colB.Bools), decoded[0])
}

func TestCorruptedColumnCRCFailsDecode(t *testing.T) {
	e := New(QueryHigh)
	col := sortedIntColumn(50, 0)

	cu, err := e.CreateCU([]Column{col}, QueryHigh)
	require.NoError(t, err)

	cu.CompressedColumns[0][len(cu.CompressedColumns[0])-1] ^= 0xFF

	_, err = e.Decompress(cu)
	require.Error(t, err)
	require.True(t, errors.Is(err, dbcoreerr.ErrCorruptedData))
}

func TestUnknownCodecMarkerIsUnsupported(t *testing.T) {
	_, err := decodeColumn(ColumnMetadata{}, []byte{0xFF, 1, 2, 3})
	require.Error(t, err)
	require.True(t, errors.Is(err, dbcoreerr.ErrUnsupportedAlgorithm))
}

func TestStrategyPresetsControlRowCountBand(t *testing.T) {
	require.Equal(t, 32*1024, strategyRowCount(QueryLow))
	require.Equal(t, 256*1024, strategyRowCount(ArchiveHigh))
}

func TestAdviseRecommendsQueryLowForSmallDatasets(t *testing.T) {
	col := sortedIntColumn(100, 0)
	require.Equal(t, QueryLow, Advise([]Column{col}))
}

func TestAdviseRecommendsArchiveForHighlyCompressibleData(t *testing.T) {
	col := sortedIntColumn(16*1024, 0)
	require.Equal(t, ArchiveHigh, Advise([]Column{col}))
}
