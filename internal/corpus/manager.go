// Package corpus holds the in-memory seed population, the AFLfast
// "explore" power schedule, weighted-random selection, and the periodic
// culling pass of §4.6.
package corpus

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/relaxwide/pcfuzz/internal/logger"
	"github.com/relaxwide/pcfuzz/internal/nvme"
	"github.com/relaxwide/pcfuzz/internal/seed"
	"github.com/relaxwide/pcfuzz/internal/state"
)

const (
	// CorpusDir is the subdirectory for seed payload + metadata files.
	CorpusDir = "corpus"
	// StateDir is the subdirectory for global run state.
	StateDir = "state"
	// CullInterval is the execution-count period of §4.6's culling pass.
	CullInterval = 1000
)

// Manager owns the corpus population: lookup by ID, weighted selection
// for the main fuzz loop, bookkeeping updates after each execution, and
// the periodic power-schedule/culling maintenance pass.
type Manager interface {
	Initialize() error
	Recover() error

	// Add assigns an ID (if unset) and persists a newly discovered or
	// initial seed, adding it to the live population.
	Add(s *seed.Seed) error

	AllocateID() uint64
	Get(id uint64) (*seed.Seed, bool)
	Len() int

	// Select performs weighted-random seed selection over corpus energy,
	// per the AFLfast "explore" schedule. Returns false if the corpus is
	// empty.
	Select(rng *rand.Rand) (*seed.Seed, bool)

	// RecordExecution updates exec_count/energy bookkeeping for s after
	// one fuzz-loop iteration and increments the global exec counter
	// that the power schedule and cull trigger are both keyed on.
	RecordExecution(s *seed.Seed) (totalExecs uint64, shouldCull bool)

	// All returns every seed currently in the live population, in
	// insertion order. Used by calibration (§4.5), which must visit every
	// initial seed once before the main loop starts.
	All() []*seed.Seed

	// Cull runs the §4.6 maintenance pass: favored-seed marking,
	// removal of unfavored non-initial seeds with exec_count>=2, and
	// optional hard-limit enforcement.
	Cull(maxCorpusHardLimit int) CullStats

	Save() error
	Finalize() error
	GetStateManager() *state.FileManager
	GetCorpusDir() string
}

// CullStats summarizes one culling pass for logging/statistics.
type CullStats struct {
	FavoredCount int
	RemovedCount int
	Remaining    int
}

// FileManager is a file-backed implementation of Manager.
type FileManager struct {
	mu           sync.Mutex
	baseDir      string
	corpusDir    string
	stateDir     string
	stateManager *state.FileManager

	seeds      map[uint64]*seed.Seed
	order      []uint64 // insertion order, for the deterministic favored-seed tie-break
	maxEnergy  float64
	totalExecs uint64
}

// NewFileManager creates a new corpus FileManager rooted at baseDir.
func NewFileManager(baseDir string) *FileManager {
	stateDir := filepath.Join(baseDir, StateDir)
	return &FileManager{
		baseDir:      baseDir,
		corpusDir:    filepath.Join(baseDir, CorpusDir),
		stateDir:     stateDir,
		stateManager: state.NewFileManager(stateDir),
		seeds:        make(map[uint64]*seed.Seed),
		maxEnergy:    32,
	}
}

// SetMaxEnergy overrides the default power-schedule energy cap.
func (m *FileManager) SetMaxEnergy(e float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxEnergy = e
}

func (m *FileManager) Initialize() error {
	for _, dir := range []string{m.corpusDir, m.stateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("corpus: failed to create directory %s: %w", dir, err)
		}
	}
	if err := m.stateManager.Load(); err != nil {
		return fmt.Errorf("corpus: failed to load state: %w", err)
	}
	return nil
}

// Recover loads every saved seed in the corpus directory back into memory.
func (m *FileManager) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stateManager.Load(); err != nil {
		return fmt.Errorf("corpus: failed to load state: %w", err)
	}

	bases, err := seed.ListBaseNames(m.corpusDir)
	if err != nil {
		return fmt.Errorf("corpus: failed to list seeds: %w", err)
	}

	m.seeds = make(map[uint64]*seed.Seed, len(bases))
	m.order = m.order[:0]

	for _, base := range bases {
		s, _, err := seed.Load(m.corpusDir, base, func(name string) error {
			_, lookupErr := nvme.Lookup(name)
			return lookupErr
		})
		if err != nil {
			logger.Warn("corpus: failed to load seed %s: %v", base, err)
			continue
		}
		tmpl, lookupErr := nvme.Lookup(s.Meta.CommandName)
		if lookupErr != nil {
			logger.Warn("corpus: unknown command template %q for seed %s, skipping", s.Meta.CommandName, base)
			continue
		}
		s.Template = tmpl
		m.seeds[s.Meta.ID] = s
		m.order = append(m.order, s.Meta.ID)
	}

	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
	m.stateManager.UpdatePoolSize(len(m.seeds))

	if len(m.seeds) == 0 {
		logger.Info("[FRESH START] no seeds found in corpus, starting fresh")
	} else {
		logger.Info("[RESUME] recovered %d seeds from %s", len(m.seeds), m.corpusDir)
	}
	return nil
}

func (m *FileManager) Add(s *seed.Seed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Meta.ID == 0 {
		s.Meta.ID = m.stateManager.NextID()
	}
	if s.Meta.ContentHash == "" {
		s.Meta.ContentHash = seed.GenerateContentHash(s.Payload)
	}
	if s.Meta.CommandName == "" {
		s.Meta.CommandName = s.Template.Name
	}

	if _, err := seed.Save(m.corpusDir, s); err != nil {
		return fmt.Errorf("corpus: failed to save seed %d: %w", s.Meta.ID, err)
	}

	m.seeds[s.Meta.ID] = s
	m.order = append(m.order, s.Meta.ID)
	m.stateManager.UpdatePoolSize(len(m.seeds))

	return nil
}

func (m *FileManager) AllocateID() uint64 {
	return m.stateManager.NextID()
}

func (m *FileManager) Get(id uint64) (*seed.Seed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seeds[id]
	return s, ok
}

func (m *FileManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seeds)
}

// energy implements §4.6's AFLfast "explore" power schedule: new seeds
// (exec_count == 0) get max_energy; otherwise
// min(max_energy, 2^floor(log2(total_execs / exec_count))).
func energy(s *seed.Seed, totalExecs uint64, maxEnergy float64) float64 {
	if s.ExecCount == 0 || totalExecs == 0 {
		return maxEnergy
	}
	ratio := float64(totalExecs) / float64(s.ExecCount)
	if ratio < 1 {
		ratio = 1
	}
	e := math.Pow(2, math.Floor(math.Log2(ratio)))
	if e > maxEnergy {
		e = maxEnergy
	}
	return e
}

// Select performs weighted-random selection over corpus energy via a
// single-pass prefix-sum draw.
func (m *FileManager) Select(rng *rand.Rand) (*seed.Seed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return nil, false
	}

	total := 0.0
	weights := make([]float64, len(m.order))
	for i, id := range m.order {
		s := m.seeds[id]
		s.Energy = energy(s, m.totalExecs, m.maxEnergy)
		weights[i] = s.Energy
		total += s.Energy
	}
	if total <= 0 {
		id := m.order[rng.Intn(len(m.order))]
		return m.seeds[id], true
	}

	pick := rng.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if pick <= cum {
			return m.seeds[m.order[i]], true
		}
	}
	return m.seeds[m.order[len(m.order)-1]], true
}

// RecordExecution only tracks exec-count bookkeeping; the global confirmed-
// edge count lives in the coverage store, which the orchestrator owns, so
// the caller is responsible for also calling GetStateManager().UpdateCoverage
// with that count after evaluating the run.
func (m *FileManager) RecordExecution(s *seed.Seed) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ExecCount++
	m.totalExecs++

	return m.totalExecs, m.totalExecs%CullInterval == 0
}

// All returns every seed in the live population, sorted by insertion order.
func (m *FileManager) All() []*seed.Seed {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*seed.Seed, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.seeds[id])
	}
	return out
}

// Cull implements §4.6 steps 1-3.
func (m *FileManager) Cull(maxCorpusHardLimit int) CullStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	edgeOwner := make(map[seed.Edge]uint64) // edge -> favored seed ID
	edgeOwnerLen := make(map[seed.Edge]int)

	for _, id := range m.order {
		s := m.seeds[id]
		s.IsFavored = false
		for e := range s.CoveredEdges {
			curLen, ok := edgeOwnerLen[e]
			if !ok || len(s.Payload) < curLen || (len(s.Payload) == curLen && earlier(s, m.seeds[edgeOwner[e]])) {
				edgeOwner[e] = id
				edgeOwnerLen[e] = len(s.Payload)
			}
		}
	}
	favored := make(map[uint64]struct{}, len(edgeOwner))
	for _, id := range edgeOwner {
		favored[id] = struct{}{}
		m.seeds[id].IsFavored = true
	}

	var keep []uint64
	var removed int
	protectedSet := make(map[uint64]struct{})
	for _, id := range m.order {
		s := m.seeds[id]
		_, isFavored := favored[id]
		isInitial := s.IsInitial()
		if !isFavored && !isInitial && s.ExecCount >= 2 {
			removed++
			delete(m.seeds, id)
			continue
		}
		if isFavored || isInitial {
			protectedSet[id] = struct{}{}
		}
		keep = append(keep, id)
	}

	if maxCorpusHardLimit > 0 && len(keep) > maxCorpusHardLimit {
		sort.SliceStable(keep, func(i, j int) bool {
			si, sj := m.seeds[keep[i]], m.seeds[keep[j]]
			_, pi := protectedSet[keep[i]]
			_, pj := protectedSet[keep[j]]
			if pi != pj {
				return pi // protected seeds sort first
			}
			return si.ExecCount < sj.ExecCount
		})
		var kept []uint64
		for i, id := range keep {
			if _, ok := protectedSet[id]; ok || i < maxCorpusHardLimit {
				kept = append(kept, id)
				continue
			}
			delete(m.seeds, id)
			removed++
		}
		keep = kept
	}

	sort.Slice(keep, func(i, j int) bool { return keep[i] < keep[j] })
	m.order = keep
	m.stateManager.UpdatePoolSize(len(m.seeds))

	return CullStats{FavoredCount: len(favored), RemovedCount: removed, Remaining: len(m.seeds)}
}

// earlier breaks a favored-seed tie by earliest found_at, then by
// insertion order (lower ID), per SPEC_FULL.md's Open Question decision.
func earlier(a, b *seed.Seed) bool {
	if a.FoundAt != b.FoundAt {
		return a.FoundAt < b.FoundAt
	}
	return a.Meta.ID < b.Meta.ID
}

func (m *FileManager) Save() error {
	return m.stateManager.Save()
}

func (m *FileManager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateManager.UpdateCurrentID(0)
	return m.stateManager.Save()
}

func (m *FileManager) GetStateManager() *state.FileManager {
	return m.stateManager
}

func (m *FileManager) GetCorpusDir() string {
	return m.corpusDir
}
