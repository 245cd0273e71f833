package nvme

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaxwide/pcfuzz/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestResolvesOverridesInPriorityOrder(t *testing.T) {
	tmpl, err := Lookup("Write")
	require.NoError(t, err)

	s := &seed.Seed{
		Template: tmpl,
		Payload:  make([]byte, 128),
	}
	cfg := Config{DefaultNSID: 1, TimeoutsMS: DefaultTimeoutsMS()}

	req := BuildRequest(cfg, s)
	assert.Equal(t, tmpl.Opcode, req.Opcode)
	assert.EqualValues(t, 1, req.NSID)
	assert.Equal(t, IO, req.ClassOf)
}

func TestBuildRequestDataLenForIOReadUsesNLB(t *testing.T) {
	tmpl, err := Lookup("Read")
	require.NoError(t, err)
	s := &seed.Seed{Template: tmpl}
	s.Dwords.CDW12 = 7 // NLB = 7 -> 8 blocks

	cfg := Config{TimeoutsMS: DefaultTimeoutsMS()}
	req := BuildRequest(cfg, s)
	assert.Equal(t, 8*512, req.DataLen)
}

func TestBuildRequestOverrideWins(t *testing.T) {
	tmpl, err := Lookup("Identify")
	require.NoError(t, err)
	s := &seed.Seed{Template: tmpl}
	dl := 777
	s.Overrides.DataLenOverride = &dl

	cfg := Config{TimeoutsMS: DefaultTimeoutsMS()}
	req := BuildRequest(cfg, s)
	assert.Equal(t, 777, req.DataLen)
}

func TestDispatchTimeoutClassification(t *testing.T) {
	if os.Getenv("PCFUZZ_SKIP_SLOW_TESTS") != "" {
		t.Skip("slow subprocess test disabled")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "nvme")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0755))

	cfg := Config{
		Device:     "/dev/null",
		TimeoutsMS: map[TimeoutGroup]int{GroupCommand: 50},
		ScratchDir: dir,
		CLIPath:    script,
	}
	tmpl, err := Lookup("Identify")
	require.NoError(t, err)
	s := &seed.Seed{Template: tmpl}
	req := BuildRequest(cfg, s)

	start := time.Now()
	res := Dispatch(context.Background(), cfg, req, nil)
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Less(t, elapsed, 15*time.Second)
}
