package coverage

import (
	"testing"

	"github.com/relaxwide/pcfuzz/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketMonotoneAndStable(t *testing.T) {
	counts := []uint64{0, 1, 2, 3, 4, 7, 8, 15, 16, 31, 32, 127, 128, 999}
	prev := uint64(0)
	for _, c := range counts {
		b := Bucket(c)
		assert.GreaterOrEqual(t, b, prev)
		prev = b
	}
	// stable under repeated calls summing to the same total
	assert.Equal(t, Bucket(7), Bucket(3+4))
}

func TestConfirmationFiltersOneShotEdges(t *testing.T) {
	// Scenario 1 from §8: edge_confirm_threshold = 2.
	s := NewStore(2)
	e1 := seed.Edge{Prev: 0x100, Cur: 0x104}
	e2 := seed.Edge{Prev: 0x104, Cur: 0x108}

	runA := map[seed.Edge]struct{}{e1: {}, e2: {}}
	resA := s.Evaluate("cmd", runA, map[seed.Edge]uint64{e1: 1, e2: 1}, nil, nil)
	assert.False(t, resA.IsInteresting)
	assert.Empty(t, s.ConfirmedEdges)
	assert.Equal(t, 1, s.PendingEdges[e1])
	assert.Equal(t, 1, s.PendingEdges[e2])

	runB := map[seed.Edge]struct{}{e1: {}}
	resB := s.Evaluate("cmd", runB, map[seed.Edge]uint64{e1: 1}, nil, nil)
	assert.True(t, resB.IsInteresting)
	_, confirmed := s.ConfirmedEdges[e1]
	assert.True(t, confirmed)
	_, stillConfirmed := s.ConfirmedEdges[e2]
	assert.False(t, stillConfirmed)
	assert.Equal(t, 1, s.PendingEdges[e2])
}

func TestBucketTriggersInterestingness(t *testing.T) {
	// Scenario 2 from §8: edge_confirm_threshold = 1.
	s := NewStore(1)
	e := seed.Edge{Prev: 0x200, Cur: 0x204}

	res := s.Evaluate("cmd", map[seed.Edge]struct{}{e: {}}, map[seed.Edge]uint64{e: 1}, nil, nil)
	assert.True(t, res.IsInteresting)
	assert.EqualValues(t, 1, s.EdgeBuckets[e])

	res = s.Evaluate("cmd", map[seed.Edge]struct{}{e: {}}, map[seed.Edge]uint64{e: 1}, nil, nil)
	assert.True(t, res.IsInteresting)
	assert.EqualValues(t, 2, s.EdgeBuckets[e])

	res = s.Evaluate("cmd", map[seed.Edge]struct{}{e: {}}, map[seed.Edge]uint64{e: 1}, nil, nil)
	assert.True(t, res.IsInteresting)
	assert.EqualValues(t, 4, s.EdgeBuckets[e])

	res = s.Evaluate("cmd", map[seed.Edge]struct{}{e: {}}, map[seed.Edge]uint64{e: 1}, nil, nil)
	assert.True(t, res.IsInteresting)
	assert.EqualValues(t, 8, s.EdgeBuckets[e])

	res = s.Evaluate("cmd", map[seed.Edge]struct{}{e: {}}, map[seed.Edge]uint64{e: 3}, nil, nil)
	assert.False(t, res.IsInteresting)
	assert.EqualValues(t, 8, s.EdgeBuckets[e])
}

func TestPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(1)
	e1 := seed.Edge{Prev: 0x10, Cur: 0x14}
	e2 := seed.Edge{Prev: 0x14, Cur: 0x18}
	s.Evaluate("cmd", map[seed.Edge]struct{}{e1: {}, e2: {}}, map[seed.Edge]uint64{e1: 5, e2: 3}, map[uint32]struct{}{0x10: {}, 0x14: {}, 0x18: {}}, nil)

	require.NoError(t, s.Persist(dir))

	loaded, err := Load(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, s.ConfirmedEdges, loaded.ConfirmedEdges)
	assert.Equal(t, s.PCs, loaded.PCs)
	assert.Equal(t, s.EdgeCounts, loaded.EdgeCounts)
}

func TestLoadMissingFilesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, 2)
	require.NoError(t, err)
	assert.Empty(t, s.ConfirmedEdges)
	assert.Empty(t, s.PCs)
}
