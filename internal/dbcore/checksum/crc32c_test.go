package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumIsDeterministic(t *testing.T) {
	b := []byte("dbcore wal entry payload")
	assert.Equal(t, Sum(b), Sum(b))
}

func TestVerifyDetectsMutation(t *testing.T) {
	b := []byte("original payload")
	want := Sum(b)
	assert.True(t, Verify(b, want))

	mutated := append([]byte(nil), b...)
	mutated[0] ^= 0xFF
	assert.False(t, Verify(mutated, want))
}

func TestStreamingMatchesOneShot(t *testing.T) {
	part1 := []byte("hello, ")
	part2 := []byte("wal")

	h := New()
	h.Write(part1)
	h.Write(part2)

	assert.Equal(t, Sum(append(append([]byte(nil), part1...), part2...)), h.Sum32())
}
