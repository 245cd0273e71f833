package mutate

import (
	"math/rand"
	"testing"

	"github.com/relaxwide/pcfuzz/internal/nvme"
	"github.com/relaxwide/pcfuzz/internal/seed"
	"github.com/stretchr/testify/assert"
)

func TestHavocNeverExceedsMaxLen(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	maxLen := 16
	for i := 0; i < 500; i++ {
		out := Havoc(rng, payload, maxLen, [][]byte{{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}})
		if len(out) > maxLen {
			t.Fatalf("havoc produced payload of length %d > maxLen %d", len(out), maxLen)
		}
	}
}

func TestDeterministicCursorWalksCDW10(t *testing.T) {
	s := &seed.Seed{Template: nvme.Template{Name: "Write", Opcode: 0x01}}
	s.Dwords.CDW10 = 0x00000005

	cursor := NewCursor(s, 10)

	var bitFlipFirst *seed.Seed
	count := 0
	for {
		candidate, ok := cursor.Next()
		if !ok {
			break
		}
		count++
		if bitFlipFirst == nil {
			bitFlipFirst = candidate
		}
	}
	assert.Greater(t, count, 0)
	assert.Equal(t, s.Dwords.CDW10^1, bitFlipFirst.Dwords.CDW10)
	assert.True(t, cursor.Done())
}

func TestMOptSwitchesModes(t *testing.T) {
	m := NewMOpt(4, 4)
	assert.Equal(t, "pilot", m.Mode())
	for i := 0; i < 4; i++ {
		m.RecordRun([]Operator{OpBitFlip}, i%2 == 0)
	}
	assert.Equal(t, "core", m.Mode())
	for i := 0; i < 4; i++ {
		m.RecordRun([]Operator{OpBitFlip}, false)
	}
	assert.Equal(t, "pilot", m.Mode())
}

func TestCDWMutationChangesDwords(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	d := seed.Dwords{}
	MutateDwords(rng, &d)
	// at least one field should differ from the zero value with high
	// probability across repeated applications
	changed := false
	for i := 0; i < 20; i++ {
		before := d
		MutateDwords(rng, &d)
		if d != before {
			changed = true
			break
		}
	}
	assert.True(t, changed)
}
