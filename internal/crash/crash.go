// Package crash implements the timeout-crash forensics path of §4.8:
// stuck-PC sampling and classification, kernel log capture, and crash
// artifact persistence.
package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	pcfuzzexec "github.com/relaxwide/pcfuzz/internal/exec"
	"github.com/relaxwide/pcfuzz/internal/probe"
	"github.com/relaxwide/pcfuzz/internal/seed"
)

// StuckPCSampleCount is the number of halt-read-resume probes used to
// localize the firmware hang (§4.8: "~20 times").
const StuckPCSampleCount = 20

// Classification names the stuck-PC distribution shape (§4.8).
type Classification string

const (
	ClassHangDeadlock    Classification = "hang/deadlock"
	ClassSmallErrorLoop  Classification = "small error loop"
	ClassWalkingRecovery Classification = "walking recovery path"
)

// Frequency is one entry of the top-five stuck-PC frequency table.
type Frequency struct {
	PC    uint32 `json:"pc"`
	Count int    `json:"count"`
}

// StuckPCReport is the forensic summary of the stuck-PC sampling pass.
type StuckPCReport struct {
	Samples        []uint32        `json:"samples"`
	TopFrequencies []Frequency     `json:"top_frequencies"`
	Classification Classification  `json:"classification"`
}

// SampleStuckPCs reads StuckPCSampleCount PCs via halt-read-resume,
// without otherwise interfering with the running (hung) firmware, and
// classifies the result (§4.8 step 1). Individual failed reads are
// skipped; only a run with zero successful samples fails outright.
func SampleStuckPCs(ctx context.Context, adapter probe.Adapter) (*StuckPCReport, error) {
	var samples []uint32
	counts := make(map[uint32]int)

	for i := 0; i < StuckPCSampleCount; i++ {
		if err := adapter.Halt(ctx); err != nil {
			continue
		}
		pc, err := adapter.ReadPC(ctx)
		if err != nil {
			continue
		}
		if err := adapter.Resume(ctx); err != nil {
			continue
		}
		samples = append(samples, pc)
		counts[pc]++
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("crash: all stuck-PC probes failed")
	}

	top := topFrequencies(counts, 5)
	return &StuckPCReport{
		Samples:        samples,
		TopFrequencies: top,
		Classification: classify(counts),
	}, nil
}

func classify(counts map[uint32]int) Classification {
	switch {
	case len(counts) == 1:
		return ClassHangDeadlock
	case len(counts) <= 3:
		return ClassSmallErrorLoop
	default:
		return ClassWalkingRecovery
	}
}

func topFrequencies(counts map[uint32]int, n int) []Frequency {
	freqs := make([]Frequency, 0, len(counts))
	for pc, c := range counts {
		freqs = append(freqs, Frequency{PC: pc, Count: c})
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].Count != freqs[j].Count {
			return freqs[i].Count > freqs[j].Count
		}
		return freqs[i].PC < freqs[j].PC
	})
	if len(freqs) > n {
		freqs = freqs[:n]
	}
	return freqs
}

// CaptureKernelLog captures the most recent kernel log lines via dmesg
// (§4.8 step 2) through the shared exec.Executor, so callers can swap in
// a fake in tests. ISO timestamps are requested where the host's dmesg
// supports them; failures return an empty string rather than an error,
// since kernel log capture is best-effort forensics.
func CaptureKernelLog(ctx context.Context, executor pcfuzzexec.Executor, lines int) string {
	result, err := executor.Run(ctx, "dmesg", "--time-format", "iso", "--ctime")
	if err != nil || result.ExitCode != 0 {
		return ""
	}
	return tailLines(result.Stdout, lines)
}

func tailLines(text string, n int) string {
	start := len(text)
	count := 0
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] == '\n' {
			count++
			if count > n {
				start = i + 1
				break
			}
			start = i + 1
		}
	}
	return text[start:]
}

// Metadata is the persisted crash artifact's structured side (§4.8 step 3).
type Metadata struct {
	CommandName   string            `json:"command_name"`
	EffectiveOpcode uint8           `json:"effective_opcode"`
	Dwords        seed.Dwords       `json:"dwords"`
	Overrides     overridesSnapshot `json:"overrides"`
	StuckPCs      *StuckPCReport    `json:"stuck_pcs"`
	KernelLog     string            `json:"kernel_log"`
	CreatedAt     time.Time         `json:"created_at"`
}

type overridesSnapshot struct {
	OpcodeOverride  *uint8 `json:"opcode_override,omitempty"`
	NSIDOverride    *uint32 `json:"nsid_override,omitempty"`
	ForceAdmin      *bool  `json:"force_admin,omitempty"`
	DataLenOverride *int   `json:"data_len_override,omitempty"`
}

// Persist writes the payload and a sibling ".json" metadata file under
// crashesDir using the "crash_<cmd>_<opcode>_<hash>" base name, plus a
// ".dmesg.txt" kernel log snapshot (§6 output layout).
func Persist(crashesDir string, s *seed.Seed, effectiveOpcode uint8, stuck *StuckPCReport, kernelLog string) (string, error) {
	if err := os.MkdirAll(crashesDir, 0755); err != nil {
		return "", fmt.Errorf("crash: failed to create directory %s: %w", crashesDir, err)
	}

	base := seed.BaseName("crash", s.Template.Name, effectiveOpcode, s.Payload)
	payloadPath := filepath.Join(crashesDir, base)
	if err := os.WriteFile(payloadPath, s.Payload, 0644); err != nil {
		return "", fmt.Errorf("crash: failed to write payload %s: %w", payloadPath, err)
	}

	meta := Metadata{
		CommandName:     s.Template.Name,
		EffectiveOpcode: effectiveOpcode,
		Dwords:          s.Dwords,
		Overrides: overridesSnapshot{
			OpcodeOverride:  s.Overrides.OpcodeOverride,
			NSIDOverride:    s.Overrides.NSIDOverride,
			ForceAdmin:      s.Overrides.ForceAdmin,
			DataLenOverride: s.Overrides.DataLenOverride,
		},
		StuckPCs:  stuck,
		KernelLog: kernelLog,
		CreatedAt: time.Now(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("crash: failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(payloadPath+".json", metaBytes, 0644); err != nil {
		return "", fmt.Errorf("crash: failed to write metadata %s: %w", payloadPath, err)
	}

	if kernelLog != "" {
		if err := os.WriteFile(payloadPath+".dmesg.txt", []byte(kernelLog), 0644); err != nil {
			return "", fmt.Errorf("crash: failed to write kernel log %s: %w", payloadPath, err)
		}
	}

	return base, nil
}
