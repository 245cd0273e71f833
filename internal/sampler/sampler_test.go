package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaxwide/pcfuzz/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedAdapter struct {
	pcs []uint32
	i   int
	mem []uint32
}

func (f *scriptedAdapter) Halt(ctx context.Context) error  { return nil }
func (f *scriptedAdapter) Resume(ctx context.Context) error { return nil }
func (f *scriptedAdapter) ReadPC(ctx context.Context) (uint32, error) {
	if f.i >= len(f.pcs) {
		// hold the loop open past the scripted samples so Stop's
		// stopCh signal is what ends the run, not exhaustion.
		return f.pcs[len(f.pcs)-1], nil
	}
	pc := f.pcs[f.i]
	f.i++
	return pc, nil
}
func (f *scriptedAdapter) ReadMemory32(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	return f.mem, nil
}
func (f *scriptedAdapter) PCRegisterIndex(ctx context.Context) (int, error) { return 15, nil }
func (f *scriptedAdapter) Close() error                                    { return nil }

type faultyAdapter struct {
	ok  int
	pc  uint32
}

func (f *faultyAdapter) Halt(ctx context.Context) error  { return nil }
func (f *faultyAdapter) Resume(ctx context.Context) error { return nil }
func (f *faultyAdapter) ReadPC(ctx context.Context) (uint32, error) {
	if f.ok <= 0 {
		return 0, errors.New("probe fault")
	}
	f.ok--
	return f.pc, nil
}
func (f *faultyAdapter) ReadMemory32(ctx context.Context, addr uint32, n int) ([]uint32, error) {
	return nil, nil
}
func (f *faultyAdapter) PCRegisterIndex(ctx context.Context) (int, error) { return 15, nil }
func (f *faultyAdapter) Close() error                                    { return nil }

func TestStartStopProducesEdgesWithinRange(t *testing.T) {
	adapter := &scriptedAdapter{pcs: []uint32{0x100, 0x200, 0x300, 0x100, 0x200}}
	s := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x300, MaxSamplesPerRun: 5})

	s.Start(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	result := s.Stop(time.Second)

	assert.Equal(t, StopMaxSamples, result.StopReason)
	assert.Equal(t, 5, result.Samples)
	assert.Contains(t, result.Edges, seed.Edge{Prev: 0x100, Cur: 0x200})
	assert.Contains(t, result.Edges, seed.Edge{Prev: 0x200, Cur: 0x300})
	assert.EqualValues(t, 2, result.EdgeCounts[seed.Edge{Prev: 0x100, Cur: 0x200}])
}

func TestOutOfRangeSamplesAreCountedNotEdged(t *testing.T) {
	adapter := &scriptedAdapter{pcs: []uint32{0x100, 0x900, 0x200}}
	s := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x200, MaxSamplesPerRun: 3})

	s.Start(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	result := s.Stop(time.Second)

	assert.Equal(t, 1, result.OutOfRange)
	assert.Empty(t, result.Edges)
}

func TestStopSignalsExternalStopReason(t *testing.T) {
	adapter := &scriptedAdapter{pcs: []uint32{0x100}}
	s := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x200, SampleIntervalUs: 1000})

	s.Start(context.Background(), nil)
	time.Sleep(5 * time.Millisecond)
	result := s.Stop(time.Second)

	assert.Equal(t, StopExternal, result.StopReason)
}

func TestProbeFaultStopsTheRun(t *testing.T) {
	adapter := &faultyAdapter{ok: 2, pc: 0x100}
	s := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x200, MaxSamplesPerRun: 50})

	s.Start(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	result := s.Stop(time.Second)

	assert.Equal(t, StopProbeFault, result.StopReason)
}

func TestGlobalSaturationStopsWhenOnlyAlreadyConfirmedEdgesSeen(t *testing.T) {
	confirmed := map[seed.Edge]struct{}{
		{Prev: 0x100, Cur: 0x200}: {},
		{Prev: 0x200, Cur: 0x100}: {},
	}
	adapter := &scriptedAdapter{pcs: []uint32{0x100, 0x200, 0x100, 0x200, 0x100, 0x200}}
	s := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x200, MaxSamplesPerRun: 50, GlobalSaturationLimit: 2})

	s.Start(context.Background(), confirmed)
	time.Sleep(10 * time.Millisecond)
	result := s.Stop(time.Second)

	assert.Equal(t, StopGlobalSaturated, result.StopReason)
}

func TestGlobalSaturationResetsOnNovelEdge(t *testing.T) {
	confirmed := map[seed.Edge]struct{}{
		{Prev: 0x100, Cur: 0x200}: {},
	}
	// Sequence keeps producing the already-confirmed (0x100,0x200) edge,
	// but a novel (0x200,0x300) edge resets the counter before the
	// GlobalSaturationLimit of 2 is reached, so the run should exhaust
	// MaxSamplesPerRun instead of stopping early.
	adapter := &scriptedAdapter{pcs: []uint32{0x100, 0x200, 0x300, 0x200, 0x100, 0x200}}
	s := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x300, MaxSamplesPerRun: 6, GlobalSaturationLimit: 2})

	s.Start(context.Background(), confirmed)
	time.Sleep(10 * time.Millisecond)
	result := s.Stop(time.Second)

	assert.Equal(t, StopMaxSamples, result.StopReason)
}

func TestDiagnoseFindsDominantIdlePC(t *testing.T) {
	pcs := make([]uint32, 10)
	for i := range pcs {
		pcs[i] = 0x100
	}
	adapter := &scriptedAdapter{pcs: pcs}
	s := New(adapter, Config{})

	found, err := s.Diagnose(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDiagnoseNoDominantPCBelowThreshold(t *testing.T) {
	adapter := &scriptedAdapter{pcs: []uint32{0x100, 0x200, 0x300, 0x400, 0x500}}
	s := New(adapter, Config{})

	found, err := s.Diagnose(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDiagnoseErrorsWhenAllProbesFail(t *testing.T) {
	adapter := &faultyAdapter{ok: 0}
	s := New(adapter, Config{})

	_, err := s.Diagnose(context.Background(), 3)
	require.Error(t, err)
}

func TestIdleSaturationUsesDiagnosedIdlePC(t *testing.T) {
	idlePCs := make([]uint32, 10)
	for i := range idlePCs {
		idlePCs[i] = 0x100
	}
	s := New(&scriptedAdapter{pcs: idlePCs}, Config{})
	found, err := s.Diagnose(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, found)

	adapter := &scriptedAdapter{pcs: []uint32{0x200, 0x100, 0x100, 0x100}}
	s2 := New(adapter, Config{AddrRangeStart: 0x100, AddrRangeEnd: 0x200, MaxSamplesPerRun: 50, SaturationLimit: 2})
	s2.idlePC = s.idlePC

	s2.Start(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	result := s2.Stop(time.Second)

	assert.Equal(t, StopIdleSaturated, result.StopReason)
}

func TestStopOnIdleSamplerIsNoop(t *testing.T) {
	s := New(&scriptedAdapter{}, Config{})
	result := s.Stop(time.Second)
	assert.Equal(t, RunResult{}, result)
}
