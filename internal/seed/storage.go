package seed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Save writes a seed's payload and metadata into dir using the
// "input_<cmd>_<opcode>_<hash>" base name and a sibling ".json" metadata
// file (§6 output layout). It returns the base name used.
func Save(dir string, s *Seed) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("seed: failed to create directory %s: %w", dir, err)
	}

	base := BaseName("input", s.Template.Name, effectiveOpcode(s), s.Payload)
	s.Meta.ContentHash = GenerateContentHash(s.Payload)
	s.Meta.CommandName = s.Template.Name
	s.Meta.Opcode = effectiveOpcode(s)
	s.Meta.FilePath = base
	s.Meta.FileSize = int64(len(s.Payload))
	s.Meta.ExecCount = s.ExecCount
	s.Meta.FoundAt = s.FoundAt
	s.Meta.NewEdges = s.NewEdges
	s.Meta.Stability = s.Stability
	s.Meta.IsFavored = s.IsFavored
	s.Meta.IsCalibrated = s.IsCalibrated

	payloadPath := filepath.Join(dir, base)
	if err := os.WriteFile(payloadPath, s.Payload, 0644); err != nil {
		return "", fmt.Errorf("seed: failed to write payload %s: %w", payloadPath, err)
	}

	metaBytes, err := json.MarshalIndent(s.Meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("seed: failed to marshal metadata: %w", err)
	}
	metaPath := payloadPath + ".json"
	if err := os.WriteFile(metaPath, metaBytes, 0644); err != nil {
		return "", fmt.Errorf("seed: failed to write metadata %s: %w", metaPath, err)
	}

	return base, nil
}

func effectiveOpcode(s *Seed) uint8 {
	if s.Overrides.OpcodeOverride != nil {
		return *s.Overrides.OpcodeOverride
	}
	return s.Template.Opcode
}

// Load reads one payload+metadata pair back from dir given its base name.
// The template must be resolved by the caller (templates are not persisted
// in full, only by name, per the metadata schema).
func Load(dir, base string, resolveTemplate func(name string) error) (*Seed, *Metadata, error) {
	payloadPath := filepath.Join(dir, base)
	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return nil, nil, fmt.Errorf("seed: failed to read payload %s: %w", payloadPath, err)
	}

	metaBytes, err := os.ReadFile(payloadPath + ".json")
	if err != nil {
		return nil, nil, fmt.Errorf("seed: failed to read metadata for %s: %w", base, err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("seed: failed to unmarshal metadata for %s: %w", base, err)
	}

	s := &Seed{
		Meta:         meta,
		Payload:      payload,
		ExecCount:    meta.ExecCount,
		FoundAt:      meta.FoundAt,
		NewEdges:     meta.NewEdges,
		Stability:    meta.Stability,
		IsFavored:    meta.IsFavored,
		IsCalibrated: meta.IsCalibrated,
		CoveredEdges: make(map[Edge]struct{}),
		StableEdges:  make(map[Edge]struct{}),
	}
	return s, &meta, nil
}

// ListBaseNames scans dir for corpus payload files (skipping ".json"
// metadata siblings) and returns their base names.
func ListBaseNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("seed: failed to read directory %s: %w", dir, err)
	}

	var bases []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".dmesg.txt") {
			continue
		}
		bases = append(bases, name)
	}
	return bases, nil
}
