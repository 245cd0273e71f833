// Package fuzz implements the orchestrator (§2 Fuzz Loop / Orchestrator):
// calibration, the deterministic-queue-before-havoc main loop, corpus
// culling triggers, timeout-crash handling, and cancellation (§5).
package fuzz

import (
	"context"
	"crypto/rand"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/relaxwide/pcfuzz/internal/corpus"
	"github.com/relaxwide/pcfuzz/internal/coverage"
	"github.com/relaxwide/pcfuzz/internal/crash"
	pcfuzzexec "github.com/relaxwide/pcfuzz/internal/exec"
	"github.com/relaxwide/pcfuzz/internal/logger"
	"github.com/relaxwide/pcfuzz/internal/metrics"
	"github.com/relaxwide/pcfuzz/internal/mutate"
	"github.com/relaxwide/pcfuzz/internal/nvme"
	"github.com/relaxwide/pcfuzz/internal/probe"
	"github.com/relaxwide/pcfuzz/internal/sampler"
	"github.com/relaxwide/pcfuzz/internal/seed"
)

// Config holds every dependency and parameter the orchestrator needs,
// following the teacher's Fuzzer/Engine dependency-injection constructor
// pattern (fuzzer.go's NewFuzzer, engine.go's NewEngine).
type Config struct {
	Probe    probe.Adapter
	Sampler  *sampler.Sampler
	Corpus   corpus.Manager
	Coverage *coverage.Store
	NVMe     nvme.Config
	Exec     pcfuzzexec.Executor
	Metrics  *metrics.Metrics // nil disables metrics updates

	OutputDir        string
	EnabledTemplates []nvme.Template

	MaxInputLen    int
	RandomGenRatio float64

	ExcludedOpcodes map[uint8]struct{}
	OverrideProbs   mutate.OverrideProbabilities

	CalibrationRuns       int
	DeterministicEnabled  bool
	DeterministicArithMax int
	MOptEnabled           bool
	MOptPilotPeriod       int
	MOptCorePeriod        int

	MaxCorpusHardLimit int
	TotalRuntimeSec    int
	PostCmdDelayMS     int
	SamplerStopTimeout time.Duration
}

// Stats summarizes one run for the final report and the /metrics gauges.
type Stats struct {
	TotalExecs   uint64
	CrashesFound uint64
	TimeoutsHit  uint64
	ErrorsHit    uint64
	ReturnCodes  map[string]map[int]uint64
}

// Engine drives the fuzz loop described by data flow in §2: seed-select,
// mutate, build request, start sampler, dispatch, stop sampler, evaluate
// coverage, classify, persist, update schedules.
type Engine struct {
	cfg Config
	rng *mrand.Rand
	mopt *mutate.MOpt

	mu      sync.Mutex
	cursors map[uint64]*mutate.Cursor

	stats     Stats
	startTime time.Time
	halted    bool // true after a timeout-crash stops the loop (§4.8 step 4)
}

// NewEngine constructs an Engine. The RNG is seeded from crypto/rand so
// distinct processes (and distinct test runs invoking NewEngine back to
// back) don't collide on math/rand's default seed.
func NewEngine(cfg Config) *Engine {
	if cfg.SamplerStopTimeout <= 0 {
		cfg.SamplerStopTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		rng:     mrand.New(mrand.NewSource(seedFromCrypto())),
		mopt:    mutate.NewMOpt(cfg.MOptPilotPeriod, cfg.MOptCorePeriod),
		cursors: make(map[uint64]*mutate.Cursor),
		stats:   Stats{ReturnCodes: make(map[string]map[int]uint64)},
	}
}

func seedFromCrypto() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	var v int64
	for _, b := range buf {
		v = v<<8 | int64(b)
	}
	if v < 0 {
		v = -v
	}
	return v
}

// Run executes calibration followed by the main loop until ctx is
// cancelled, the runtime budget expires, or a timeout crash halts the run
// (§4.8 step 4: the loop stops so the failing state is preserved).
func (e *Engine) Run(ctx context.Context) error {
	e.startTime = time.Now()

	if err := e.calibrate(ctx); err != nil {
		return err
	}

	for {
		if e.halted {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if e.cfg.TotalRuntimeSec > 0 && time.Since(e.startTime) >= time.Duration(e.cfg.TotalRuntimeSec)*time.Second {
			logger.Info("reached total_runtime_sec budget, stopping")
			return nil
		}

		e.runIteration(ctx)
	}
}

// calibrate implements §4.5: run every initial seed calibration_runs times,
// mark stable_edges (strictly more than half the runs), and push the union
// of observed edges straight into the confirmed set.
func (e *Engine) calibrate(ctx context.Context) error {
	runs := e.cfg.CalibrationRuns
	if runs <= 0 {
		runs = 3
	}

	for _, s := range e.cfg.Corpus.All() {
		if !s.IsInitial() {
			continue
		}

		counts := make(map[seed.Edge]int)
		union := make(map[seed.Edge]struct{})

		for i := 0; i < runs; i++ {
			if ctx.Err() != nil {
				return nil
			}
			result, dispatchResult := e.execute(ctx, s, s.Payload)
			if dispatchResult.Outcome == nvme.OutcomeTimeout {
				e.handleTimeoutCrash(ctx, s)
				return errCalibrationAborted("timeout")
			}
			if dispatchResult.Outcome == nvme.OutcomeError {
				logger.Error("calibration: internal error on seed %d, aborting run", s.Meta.ID)
				return errCalibrationAborted("internal error")
			}

			for edge := range result.Edges {
				counts[edge]++
				union[edge] = struct{}{}
			}
		}

		stable := make(map[seed.Edge]struct{})
		for edge, c := range counts {
			if c*2 > runs {
				stable[edge] = struct{}{}
			}
		}

		s.IsCalibrated = true
		s.StableEdges = stable
		e.cfg.Coverage.ConfirmDirect(union)
		logger.Info("calibrated seed %d: %d/%d edges stable", s.Meta.ID, len(stable), len(union))
	}

	e.cfg.Corpus.GetStateManager().UpdateCoverage(e.stats.TotalExecs, uint64(len(e.cfg.Coverage.ConfirmedEdges)))
	return nil
}

type calibrationAbortedError struct{ reason string }

func (e calibrationAbortedError) Error() string { return "fuzz: calibration aborted: " + e.reason }

func errCalibrationAborted(reason string) error { return calibrationAbortedError{reason: reason} }

// runIteration performs one pass of the data flow in §2: seed-select,
// mutate, dispatch, evaluate, persist, update schedules.
func (e *Engine) runIteration(ctx context.Context) {
	if e.rng.Float64() < e.cfg.RandomGenRatio {
		e.runRandomIteration(ctx)
		return
	}

	base, ok := e.cfg.Corpus.Select(e.rng)
	if !ok {
		e.runRandomIteration(ctx)
		return
	}

	if e.cfg.DeterministicEnabled && !base.DetDone {
		if candidate, advanced := e.nextDeterministic(base); advanced {
			e.tryCandidate(ctx, base, candidate, nil, true)
			return
		}
	}

	candidate := base.Clone()
	usedOps := e.mutatePayloadAndFields(candidate, base.Payload)
	e.tryCandidate(ctx, base, candidate, usedOps, false)
}

// runRandomIteration implements the random_gen_ratio branch of §4.6: skip
// the corpus, generate a fully random payload with a random template.
func (e *Engine) runRandomIteration(ctx context.Context) {
	if len(e.cfg.EnabledTemplates) == 0 {
		return
	}
	tmpl := e.cfg.EnabledTemplates[e.rng.Intn(len(e.cfg.EnabledTemplates))]
	length := 64 + e.rng.Intn(512-64+1)
	payload := make([]byte, length)
	e.rng.Read(payload)

	candidate := &seed.Seed{
		Template:     tmpl,
		Payload:      payload,
		CoveredEdges: make(map[seed.Edge]struct{}),
		StableEdges:  make(map[seed.Edge]struct{}),
	}
	e.tryCandidate(ctx, nil, candidate, nil, false)
}

func (e *Engine) nextDeterministic(base *seed.Seed) (*seed.Seed, bool) {
	e.mu.Lock()
	cursor, ok := e.cursors[base.Meta.ID]
	if !ok {
		arithMax := e.cfg.DeterministicArithMax
		if arithMax <= 0 {
			arithMax = mutate.ArithMax
		}
		cursor = mutate.NewCursor(base, arithMax)
		e.cursors[base.Meta.ID] = cursor
	}
	e.mu.Unlock()

	candidate, advanced := cursor.Next()
	if !advanced {
		base.DetDone = true
		e.mu.Lock()
		delete(e.cursors, base.Meta.ID)
		e.mu.Unlock()
		return nil, false
	}
	return candidate, true
}

// splicePoolSize bounds how many corpus payloads havoc's own splice
// operator (#12 in the §4.4 table) may draw from, so building the pool
// doesn't scale with corpus size.
const splicePoolSize = 16

// splicePool samples up to splicePoolSize payloads from the corpus for
// havoc operator #12 to splice from, distinct from the pre-havoc
// whole-payload SpliceProb splice in mutatePayloadAndFields.
func (e *Engine) splicePool() [][]byte {
	all := e.cfg.Corpus.All()
	if len(all) == 0 {
		return nil
	}
	n := splicePoolSize
	if n > len(all) {
		n = len(all)
	}
	pool := make([][]byte, n)
	for i := 0; i < n; i++ {
		pool[i] = all[e.rng.Intn(len(all))].Payload
	}
	return pool
}

// mutatePayloadAndFields applies splice, havoc (MOpt-scheduled if enabled),
// structured overrides, and CDW mutation to candidate, per §4.4.
func (e *Engine) mutatePayloadAndFields(candidate *seed.Seed, basePayload []byte) []mutate.Operator {
	payload := basePayload
	if e.rng.Float64() < e.cfg.OverrideProbs.SpliceProb {
		if other, ok := e.cfg.Corpus.Select(e.rng); ok && other.Meta.ID != candidate.Meta.ID {
			payload = mutate.Splice(e.rng, payload, other.Payload, e.cfg.MaxInputLen)
		}
	}

	pool := e.splicePool()

	var usedOps []mutate.Operator
	if e.cfg.MOptEnabled {
		stacked := 1 << uint(1+e.rng.Intn(mutate.MaxStackExp))
		for i := 0; i < stacked; i++ {
			op := e.mopt.Choose(e.rng)
			usedOps = append(usedOps, op)
			payload = mutate.ApplyNamedOperator(e.rng, op, payload, e.cfg.MaxInputLen, pool)
		}
	} else {
		payload = mutate.Havoc(e.rng, payload, e.cfg.MaxInputLen, pool)
	}
	candidate.Payload = payload

	if e.rng.Float64() < mutate.CDWMutationProbability {
		mutate.MutateDwords(e.rng, &candidate.Dwords)
	}
	mutate.ApplyStructuredOverrides(e.rng, e.cfg.OverrideProbs, e.cfg.ExcludedOpcodes, candidate)

	return usedOps
}

// tryCandidate dispatches candidate, evaluates its coverage contribution,
// persists it if interesting, and updates scheduling bookkeeping. base is
// the corpus seed candidate was derived from (nil for a random-gen
// candidate); usedOps records the havoc operators MOpt must score.
// isDeterministic marks a candidate produced by the deterministic-stage
// cursor, whose exec_count/energy bookkeeping (§4.6) attributes to base
// rather than the one-shot candidate itself.
func (e *Engine) tryCandidate(ctx context.Context, base, candidate *seed.Seed, usedOps []mutate.Operator, isDeterministic bool) {
	result, dispatchResult := e.execute(ctx, candidate, candidate.Payload)

	switch dispatchResult.Outcome {
	case nvme.OutcomeTimeout:
		e.handleTimeoutCrash(ctx, candidate)
		return
	case nvme.OutcomeError:
		e.stats.ErrorsHit++
		logger.Warn("internal error dispatching seed (base=%v): continuing", seedID(base))
		return
	}

	evalResult := e.cfg.Coverage.Evaluate(candidate.Template.Name, result.Edges, result.EdgeCounts, result.PCs, result.RawTrace)

	for edge := range result.Edges {
		if _, confirmed := e.cfg.Coverage.ConfirmedEdges[edge]; confirmed {
			candidate.CoveredEdges[edge] = struct{}{}
		}
	}

	if e.cfg.MOptEnabled {
		e.mopt.RecordRun(usedOps, evalResult.IsInteresting)
	}

	execTarget := candidate
	if isDeterministic && base != nil {
		// Deterministic candidates still count toward the base seed's
		// exec_count/energy bookkeeping, per §4.6's power schedule.
		execTarget = base
	}
	totalExecs, shouldCull := e.cfg.Corpus.RecordExecution(execTarget)
	e.stats.TotalExecs = totalExecs
	e.cfg.Corpus.GetStateManager().UpdateCoverage(totalExecs, uint64(len(e.cfg.Coverage.ConfirmedEdges)))

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Executions.Inc()
		e.cfg.Metrics.EdgesConfirmed.Set(float64(len(e.cfg.Coverage.ConfirmedEdges)))
		e.cfg.Metrics.ReturnCodeTotal.WithLabelValues(candidate.Template.Name, itoa(dispatchResult.ExitCode)).Inc()
	}
	e.recordReturnCode(candidate.Template.Name, dispatchResult.ExitCode)

	if evalResult.IsInteresting {
		candidate.FoundAt = totalExecs
		candidate.NewEdges = evalResult.NewEdges
		if err := e.cfg.Corpus.Add(candidate); err != nil {
			logger.Warn("failed to add interesting seed to corpus: %v", err)
		} else if e.cfg.Metrics != nil {
			e.cfg.Metrics.CorpusSize.Set(float64(e.cfg.Corpus.Len()))
		}
	}

	if shouldCull {
		stats := e.cfg.Corpus.Cull(e.cfg.MaxCorpusHardLimit)
		logger.Info("culled corpus: favored=%d removed=%d remaining=%d", stats.FavoredCount, stats.RemovedCount, stats.Remaining)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.CorpusSize.Set(float64(stats.Remaining))
		}
	}
}

func seedID(s *seed.Seed) uint64 {
	if s == nil {
		return 0
	}
	return s.Meta.ID
}

func (e *Engine) recordReturnCode(command string, code int) {
	byCode, ok := e.stats.ReturnCodes[command]
	if !ok {
		byCode = make(map[int]uint64)
		e.stats.ReturnCodes[command] = byCode
	}
	byCode[code]++
}

// execute runs one dispatched command under the sampler, per §4.7's "start
// sampling, then launch the external CLI subprocess" ordering and the
// post_cmd_delay_ms tail of a successful return.
func (e *Engine) execute(ctx context.Context, s *seed.Seed, payload []byte) (sampler.RunResult, nvme.Result) {
	req := nvme.BuildRequest(e.cfg.NVMe, s)

	e.cfg.Sampler.Start(ctx, e.cfg.Coverage.ConfirmedEdges)
	dispatchResult := nvme.Dispatch(ctx, e.cfg.NVMe, req, payload)

	if dispatchResult.Outcome != nvme.OutcomeTimeout && e.cfg.PostCmdDelayMS > 0 {
		time.Sleep(time.Duration(e.cfg.PostCmdDelayMS) * time.Millisecond)
	}
	runResult := e.cfg.Sampler.Stop(e.cfg.SamplerStopTimeout)

	return runResult, dispatchResult
}

// handleTimeoutCrash implements §4.8: stuck-PC forensics, kernel log
// capture, crash artifact persistence, and stopping the loop without
// touching the probe or the device.
func (e *Engine) handleTimeoutCrash(ctx context.Context, s *seed.Seed) {
	e.stats.TimeoutsHit++
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.Timeouts.Inc()
	}
	logger.Error("subprocess timeout on command %s, preserving crash state", s.Template.Name)

	stuck, err := crash.SampleStuckPCs(ctx, e.cfg.Probe)
	if err != nil {
		logger.Error("stuck-pc sampling failed: %v", err)
	}
	kernelLog := ""
	if e.cfg.Exec != nil {
		kernelLog = crash.CaptureKernelLog(ctx, e.cfg.Exec, 200)
	}

	opcode := req0pcode(e.cfg.NVMe, s)
	base, err := crash.Persist(e.cfg.OutputDir+"/crashes", s, opcode, stuck, kernelLog)
	if err != nil {
		logger.Error("failed to persist crash artifact: %v", err)
	} else {
		e.stats.CrashesFound++
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.Crashes.Inc()
		}
		logger.Error("crash artifact written: %s", base)
	}

	e.halted = true
}

func req0pcode(cfg nvme.Config, s *seed.Seed) uint8 {
	return nvme.BuildRequest(cfg, s).Opcode
}

// Finalize saves the coverage store and corpus state, called after Run
// returns (whether by cancellation, runtime budget, or crash halt).
func (e *Engine) Finalize() error {
	if err := e.cfg.Coverage.Persist(e.cfg.OutputDir); err != nil {
		return err
	}
	if err := e.cfg.Corpus.Save(); err != nil {
		return err
	}
	return e.cfg.Corpus.Finalize()
}

// Stats returns a snapshot of the run's statistics for the final summary.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Halted reports whether the loop stopped because of a timeout crash
// rather than cancellation or the runtime budget.
func (e *Engine) Halted() bool {
	return e.halted
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
