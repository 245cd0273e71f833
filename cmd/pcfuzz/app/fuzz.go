package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/relaxwide/pcfuzz/internal/config"
	"github.com/relaxwide/pcfuzz/internal/corpus"
	"github.com/relaxwide/pcfuzz/internal/coverage"
	pcfuzzexec "github.com/relaxwide/pcfuzz/internal/exec"
	"github.com/relaxwide/pcfuzz/internal/fuzz"
	"github.com/relaxwide/pcfuzz/internal/logger"
	"github.com/relaxwide/pcfuzz/internal/metrics"
	"github.com/relaxwide/pcfuzz/internal/mutate"
	"github.com/relaxwide/pcfuzz/internal/nvme"
	"github.com/relaxwide/pcfuzz/internal/probe"
	"github.com/relaxwide/pcfuzz/internal/sampler"
	"github.com/relaxwide/pcfuzz/internal/seed"
)

// components bundles everything buildComponents assembles, so run/resume can
// share setup while differing only in whether initial seeds get loaded.
type components struct {
	engine    *fuzz.Engine
	metrics   *metrics.Metrics
	cfg       *config.Config
	corpus    corpus.Manager
	templates []nvme.Template
	sampler   *sampler.Sampler
}

// buildComponents wires the probe adapter, sampler, corpus, coverage store,
// dispatcher config, crash-forensics executor, and metrics around a fresh
// fuzz.Engine, following cmd/defuzz/app/fuzz.go's numbered-step dependency
// assembly.
func buildComponents(outputDir string) (*components, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.InitWithFile(logLevel, filepath.Join(outputDir, "logs")); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	cmdExecutor := pcfuzzexec.NewCommandExecutor()

	driver := probe.NewJLinkDriver(cmdExecutor, cfg.Probe.DeviceName, cfg.Probe.Interface, cfg.Probe.JTAGSpeed, filepath.Join(outputDir, "probe_scratch"))
	adapter := probe.NewSerializingAdapter(driver)

	samp := sampler.New(adapter, sampler.Config{
		AddrRangeStart:        cfg.Sampling.AddrRangeStart,
		AddrRangeEnd:          cfg.Sampling.AddrRangeEnd,
		SampleIntervalUs:      cfg.Sampling.SampleIntervalUs,
		MaxSamplesPerRun:      cfg.Sampling.MaxSamplesPerRun,
		SaturationLimit:       cfg.Sampling.SaturationLimit,
		GlobalSaturationLimit: cfg.Sampling.GlobalSaturationLimit,
		PostCmdDelayMS:        cfg.Sampling.PostCmdDelayMS,
	})

	corpusManager := corpus.NewFileManager(outputDir)
	if cfg.Fuzz.MaxEnergy > 0 {
		corpusManager.SetMaxEnergy(cfg.Fuzz.MaxEnergy)
	}
	if err := corpusManager.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize corpus: %w", err)
	}

	var covStore *coverage.Store
	if cfg.Fuzz.ResumeCoverage {
		covStore, err = coverage.Load(outputDir, cfg.Fuzz.EdgeConfirmThreshold)
		if err != nil {
			return nil, fmt.Errorf("failed to load coverage: %w", err)
		}
	} else {
		covStore = coverage.NewStore(cfg.Fuzz.EdgeConfirmThreshold)
	}

	excludedOpcodes := make(map[uint8]struct{}, len(cfg.Fuzz.ExcludedOpcodes))
	for _, op := range cfg.Fuzz.ExcludedOpcodes {
		excludedOpcodes[uint8(op)] = struct{}{}
	}

	overrideProbs := mutate.DefaultOverrideProbabilities()
	if cfg.Fuzz.OpcodeMutProb > 0 {
		overrideProbs.OpcodeMutProb = cfg.Fuzz.OpcodeMutProb
	}
	if cfg.Fuzz.NSIDMutProb > 0 {
		overrideProbs.NSIDMutProb = cfg.Fuzz.NSIDMutProb
	}
	if cfg.Fuzz.AdminSwapProb > 0 {
		overrideProbs.AdminSwapProb = cfg.Fuzz.AdminSwapProb
	}
	if cfg.Fuzz.DataLenMutProb > 0 {
		overrideProbs.DataLenMutProb = cfg.Fuzz.DataLenMutProb
	}

	m := metrics.New()

	engine := fuzz.NewEngine(fuzz.Config{
		Probe:    adapter,
		Sampler:  samp,
		Corpus:   corpusManager,
		Coverage: covStore,
		NVMe: nvme.Config{
			Device:         cfg.NVMe.Device,
			DefaultNSID:    cfg.NVMe.Namespace,
			TimeoutsMS:     resolveTimeouts(cfg.NVMe.Timeouts),
			ScratchDir:     filepath.Join(outputDir, "scratch"),
			PostCmdDelayMS: cfg.Sampling.PostCmdDelayMS,
		},
		Exec:                 cmdExecutor,
		Metrics:              m,
		OutputDir:            outputDir,
		EnabledTemplates:     nvme.ResolveEnabledTemplates(cfg.NVMe.EnabledCommands, cfg.NVMe.AllCommands),
		MaxInputLen:          cfg.Fuzz.MaxInputLen,
		RandomGenRatio:       cfg.Fuzz.RandomGenRatio,
		ExcludedOpcodes:      excludedOpcodes,
		OverrideProbs:        overrideProbs,
		CalibrationRuns:      cfg.Fuzz.CalibrationRuns,
		DeterministicEnabled: cfg.Fuzz.DeterministicEnabled,
		DeterministicArithMax: cfg.Fuzz.DeterministicArithMax,
		MOptEnabled:           cfg.Fuzz.MOptEnabled,
		MOptPilotPeriod:       cfg.Fuzz.MOptPilotPeriod,
		MOptCorePeriod:        cfg.Fuzz.MOptCorePeriod,
		MaxCorpusHardLimit:    cfg.Fuzz.MaxCorpusHardLimit,
		TotalRuntimeSec:       cfg.Fuzz.TotalRuntimeSec,
		PostCmdDelayMS:        cfg.Sampling.PostCmdDelayMS,
	})

	return &components{
		engine:    engine,
		metrics:   m,
		cfg:       cfg,
		corpus:    corpusManager,
		templates: nvme.ResolveEnabledTemplates(cfg.NVMe.EnabledCommands, cfg.NVMe.AllCommands),
		sampler:   samp,
	}, nil
}

// resolveTimeouts overlays non-zero overrides from the config file on top
// of the §6 default per-group timeout table.
func resolveTimeouts(t config.TimeoutsConfig) map[nvme.TimeoutGroup]int {
	out := nvme.DefaultTimeoutsMS()
	overlay := map[nvme.TimeoutGroup]int{
		nvme.GroupCommand:   t.Command,
		nvme.GroupFormat:    t.Format,
		nvme.GroupSanitize:  t.Sanitize,
		nvme.GroupFWCommit:  t.FWCommit,
		nvme.GroupTelemetry: t.Telemetry,
		nvme.GroupDSM:       t.DSM,
		nvme.GroupFlush:     t.Flush,
	}
	for group, ms := range overlay {
		if ms > 0 {
			out[group] = ms
		}
	}
	return out
}

// loadInitialSeeds reads every regular file under seedDir as a raw payload
// and adds one seed per enabled template against it — an initial corpus
// input is tried against every active command family rather than being
// pre-bound to one, since the raw seed corpus carries no command framing
// of its own.
func loadInitialSeeds(corpusManager corpus.Manager, seedDir string, templates []nvme.Template) error {
	names, err := seed.ListBaseNames(seedDir)
	if err != nil {
		return fmt.Errorf("failed to list initial seeds in %s: %w", seedDir, err)
	}
	if len(names) == 0 {
		return fmt.Errorf("no initial seeds found in %s", seedDir)
	}

	loaded := 0
	for _, name := range names {
		payload, err := os.ReadFile(filepath.Join(seedDir, name))
		if err != nil {
			logger.Warn("failed to load initial seed %s: %v", name, err)
			continue
		}
		for _, tmpl := range templates {
			s := &seed.Seed{
				Template:     tmpl,
				Payload:      payload,
				CoveredEdges: make(map[seed.Edge]struct{}),
				StableEdges:  make(map[seed.Edge]struct{}),
			}
			if err := corpusManager.Add(s); err != nil {
				return fmt.Errorf("failed to add initial seed %s/%s to corpus: %w", name, tmpl.Name, err)
			}
			loaded++
		}
	}
	logger.Info("loaded %d initial seed/template combinations from %s", loaded, seedDir)
	return nil
}

// runWithCancellation starts the metrics HTTP server and the fuzz loop
// together, cancelling both on SIGINT/SIGTERM or either one's failure
// (§5 Cancellation), then persists final state regardless of outcome.
func runWithCancellation(c *components) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.metrics.Serve(metricsCtx, c.cfg.MetricsAddr)
	})
	g.Go(func() error {
		defer stopMetrics()
		return c.engine.Run(gctx)
	})

	runErr := g.Wait()

	if err := c.engine.Finalize(); err != nil {
		logger.Error("failed to finalize run: %v", err)
	}

	stats := c.engine.Stats()
	logger.Info("run complete: execs=%d crashes=%d timeouts=%d errors=%d", stats.TotalExecs, stats.CrashesFound, stats.TimeoutsHit, stats.ErrorsHit)

	if c.engine.Halted() {
		return fmt.Errorf("run halted by crash/timeout after %d executions", stats.TotalExecs)
	}
	return runErr
}
