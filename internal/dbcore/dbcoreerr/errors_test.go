package dbcoreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappedErrorsMatchSentinel(t *testing.T) {
	err := Corruptionf("segment %s checksum mismatch", "0000000000000001.wal")
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Contains(t, err.Error(), "0000000000000001.wal")
}

func TestDistinctSentinelsDoNotMatch(t *testing.T) {
	err := IOf("flush failed")
	assert.False(t, errors.Is(err, ErrSerialization))
}
