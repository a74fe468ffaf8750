package recording

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorDisjointPairs(t *testing.T) {
	a := NewPortAllocator(50000, 50010)

	a1, v1, err := a.AllocatePair()
	require.NoError(t, err)
	a2, v2, err := a.AllocatePair()
	require.NoError(t, err)

	seen := map[int]bool{a1: true, v1: true, a2: true, v2: true}
	assert.Len(t, seen, 4, "pairs must not overlap")
	for p := range seen {
		assert.GreaterOrEqual(t, p, 50000)
		assert.LessOrEqual(t, p, 50010)
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := NewPortAllocator(50000, 50002)

	_, _, err := a.AllocatePair()
	require.NoError(t, err)
	_, _, err = a.AllocatePair()
	assert.ErrorIs(t, err, ErrPortsExhausted)
}

func TestPortAllocatorReleaseReuses(t *testing.T) {
	a := NewPortAllocator(50000, 50002)

	audio, video, err := a.AllocatePair()
	require.NoError(t, err)
	a.Release(audio, video)

	audio2, video2, err := a.AllocatePair()
	require.NoError(t, err)
	assert.Equal(t, audio, audio2)
	assert.Equal(t, video, video2)
}
