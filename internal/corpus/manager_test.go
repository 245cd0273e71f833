package corpus

import (
	"math/rand"
	"testing"

	"github.com/relaxwide/pcfuzz/internal/nvme"
	"github.com/relaxwide/pcfuzz/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSeed(t *testing.T, payload []byte, foundAt uint64) *seed.Seed {
	t.Helper()
	tmpl, err := nvme.Lookup("Identify")
	require.NoError(t, err)
	return &seed.Seed{
		Template:     tmpl,
		Payload:      payload,
		FoundAt:      foundAt,
		CoveredEdges: make(map[seed.Edge]struct{}),
		StableEdges:  make(map[seed.Edge]struct{}),
	}
}

func TestAddAssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	m := NewFileManager(dir)
	require.NoError(t, m.Initialize())

	s := newTestSeed(t, []byte("hello"), 0)
	require.NoError(t, m.Add(s))

	assert.EqualValues(t, 1, s.Meta.ID)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestRecoverReloadsSeeds(t *testing.T) {
	dir := t.TempDir()
	m1 := NewFileManager(dir)
	require.NoError(t, m1.Initialize())
	require.NoError(t, m1.Add(newTestSeed(t, []byte("a"), 0)))
	require.NoError(t, m1.Add(newTestSeed(t, []byte("bb"), 0)))
	require.NoError(t, m1.Save())

	m2 := NewFileManager(dir)
	require.NoError(t, m2.Recover())
	assert.Equal(t, 2, m2.Len())
}

func TestSelectWeightsTowardLowExecCount(t *testing.T) {
	dir := t.TempDir()
	m := NewFileManager(dir)
	require.NoError(t, m.Initialize())

	fresh := newTestSeed(t, []byte("fresh"), 0)
	require.NoError(t, m.Add(fresh))

	rng := rand.New(rand.NewSource(1))
	s, ok := m.Select(rng)
	require.True(t, ok)
	assert.Equal(t, fresh.Meta.ID, s.Meta.ID)
}

func TestCullRespectsFavoredAndInitialProtection(t *testing.T) {
	// Mirrors §8 scenario 5: three initial seeds A, B, C (found_at=0) and
	// five discovered seeds D..H with exec_count=5. Only A covers e1 and
	// D covers e2; nothing else covers any edge. After culling: A, B, C,
	// and D remain; E..H are removed.
	dir := t.TempDir()
	m := NewFileManager(dir)
	require.NoError(t, m.Initialize())

	e1 := seed.Edge{Prev: 1, Cur: 2}
	e2 := seed.Edge{Prev: 3, Cur: 4}

	a := newTestSeed(t, []byte("A"), 0)
	a.CoveredEdges[e1] = struct{}{}
	b := newTestSeed(t, []byte("B"), 0)
	c := newTestSeed(t, []byte("C"), 0)

	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))
	require.NoError(t, m.Add(c))

	var discovered []*seed.Seed
	for _, name := range []string{"D", "E", "F", "G", "H"} {
		s := newTestSeed(t, []byte(name), 100)
		s.ExecCount = 5
		require.NoError(t, m.Add(s))
		discovered = append(discovered, s)
	}
	discovered[0].CoveredEdges[e2] = struct{}{}

	stats := m.Cull(0)

	assert.Equal(t, 2, stats.FavoredCount) // A covers e1, D covers e2
	assert.Equal(t, 4, stats.RemovedCount) // E, F, G, H
	assert.Equal(t, 4, stats.Remaining)    // A, B, C, D

	_, aOK := m.Get(a.Meta.ID)
	_, dOK := m.Get(discovered[0].Meta.ID)
	_, eOK := m.Get(discovered[1].Meta.ID)
	assert.True(t, aOK)
	assert.True(t, dOK)
	assert.False(t, eOK)
}

func TestEnergyNewSeedGetsMax(t *testing.T) {
	s := newTestSeed(t, []byte("x"), 0)
	assert.Equal(t, 32.0, energy(s, 10000, 32))
}

func TestEnergyDecaysWithExecCount(t *testing.T) {
	s := newTestSeed(t, []byte("x"), 0)
	s.ExecCount = 1000
	e := energy(s, 1000, 32)
	assert.Equal(t, 1.0, e)
}
