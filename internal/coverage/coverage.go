// Package coverage implements the PC-edge coverage model of §3/§4.3:
// a confirmed-edge set, a pending-edge confirmation filter, cumulative
// hit-count buckets, and per-command coverage slices, with a text-file
// persistence round-trip.
package coverage

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/relaxwide/pcfuzz/internal/seed"
)

// Bucket maps a cumulative hit count to its AFL++-style logarithmic class
// (§4.3): 1,2,3,4-7,8-15,16-31,32-127,128+ -> 1,2,4,8,16,32,64,128.
func Bucket(count uint64) uint64 {
	switch {
	case count == 0:
		return 0
	case count == 1:
		return 1
	case count == 2:
		return 2
	case count == 3:
		return 4
	case count <= 7:
		return 8
	case count <= 15:
		return 16
	case count <= 31:
		return 32
	case count <= 127:
		return 64
	default:
		return 128
	}
}

// PerCommand tracks the lower-signal, per-template coverage slice (§3).
type PerCommand struct {
	Edges       map[seed.Edge]struct{}
	PCs         map[uint32]struct{}
	RecentTrace [][]uint32 // bounded deque of recent raw PC traces, for graphs
}

const maxRecentTraces = 32

func newPerCommand() *PerCommand {
	return &PerCommand{
		Edges: make(map[seed.Edge]struct{}),
		PCs:   make(map[uint32]struct{}),
	}
}

func (p *PerCommand) recordTrace(trace []uint32) {
	if len(trace) == 0 {
		return
	}
	p.RecentTrace = append(p.RecentTrace, trace)
	if len(p.RecentTrace) > maxRecentTraces {
		p.RecentTrace = p.RecentTrace[len(p.RecentTrace)-maxRecentTraces:]
	}
}

// Store is the global coverage state (§3 Coverage state).
type Store struct {
	EdgeConfirmThreshold int

	ConfirmedEdges map[seed.Edge]struct{}
	PendingEdges   map[seed.Edge]int
	EdgeCounts     map[seed.Edge]uint64
	EdgeBuckets    map[seed.Edge]uint64
	PCs            map[uint32]struct{}
	PerCommand     map[string]*PerCommand
}

// NewStore constructs an empty coverage store with the given confirmation
// threshold (edge_confirm_threshold, §6).
func NewStore(edgeConfirmThreshold int) *Store {
	return &Store{
		EdgeConfirmThreshold: edgeConfirmThreshold,
		ConfirmedEdges:       make(map[seed.Edge]struct{}),
		PendingEdges:         make(map[seed.Edge]int),
		EdgeCounts:           make(map[seed.Edge]uint64),
		EdgeBuckets:          make(map[seed.Edge]uint64),
		PCs:                  make(map[uint32]struct{}),
		PerCommand:           make(map[string]*PerCommand),
	}
}

// Result is the outcome of evaluating one run's per-run coverage.
type Result struct {
	IsInteresting bool
	NewEdges      int
	BucketChanges int
}

// Evaluate applies one run's observations to the global store (§4.3). It
// must be called strictly after the sampler worker producing currentEdges
// has been joined (§5 ordering guarantees) — Evaluate itself does no
// synchronization.
func (s *Store) Evaluate(commandName string, currentEdges map[seed.Edge]struct{}, currentEdgeCounts map[seed.Edge]uint64, currentPCs map[uint32]struct{}, rawTrace []uint32) Result {
	var res Result

	pc := s.perCommand(commandName)

	for pc32 := range currentPCs {
		s.PCs[pc32] = struct{}{}
		pc.PCs[pc32] = struct{}{}
	}
	pc.recordTrace(rawTrace)

	for e := range currentEdges {
		if _, confirmed := s.ConfirmedEdges[e]; confirmed {
			continue
		}
		s.PendingEdges[e]++
		if s.PendingEdges[e] >= s.EdgeConfirmThreshold {
			delete(s.PendingEdges, e)
			s.ConfirmedEdges[e] = struct{}{}
			pc.Edges[e] = struct{}{}
			res.NewEdges++
			res.IsInteresting = true
		}
	}

	for e, c := range currentEdgeCounts {
		if _, confirmed := s.ConfirmedEdges[e]; !confirmed {
			// Pending edges do not contribute bucket changes (§4.3).
			continue
		}
		before := s.EdgeBuckets[e]
		s.EdgeCounts[e] += c
		after := Bucket(s.EdgeCounts[e])
		s.EdgeBuckets[e] = after
		if after != before {
			res.BucketChanges++
			res.IsInteresting = true
		}
	}

	return res
}

func (s *Store) perCommand(name string) *PerCommand {
	pc, ok := s.PerCommand[name]
	if !ok {
		pc = newPerCommand()
		s.PerCommand[name] = pc
	}
	return pc
}

// ConfirmDirect promotes a set of edges straight into the confirmed set,
// bypassing the pending filter. Used only by calibration (§4.5), which is
// explicitly exempt from the confirmation filter because the initial seed
// set is curated.
func (s *Store) ConfirmDirect(edges map[seed.Edge]struct{}) {
	for e := range edges {
		delete(s.PendingEdges, e)
		s.ConfirmedEdges[e] = struct{}{}
	}
}

// Persist writes the three coverage files described in §4.3/§6:
// coverage.txt (sorted PCs), coverage_edges.txt (sorted confirmed edges),
// coverage_edge_counts.txt (edge, count). outDir is the run's output_dir.
func (s *Store) Persist(outDir string) error {
	if err := writeLines(pcFile(outDir), s.pcLines()); err != nil {
		return err
	}
	if err := writeLines(edgeFile(outDir), s.edgeLines()); err != nil {
		return err
	}
	if err := writeLines(edgeCountFile(outDir), s.edgeCountLines()); err != nil {
		return err
	}
	return nil
}

// Load reads the three coverage files back into a fresh store (resume,
// §6, §8 round-trip law). Missing files are treated as empty.
func Load(outDir string, edgeConfirmThreshold int) (*Store, error) {
	s := NewStore(edgeConfirmThreshold)

	pcs, err := readLines(pcFile(outDir))
	if err != nil {
		return nil, err
	}
	for _, line := range pcs {
		var v uint32
		if _, err := fmt.Sscanf(line, "%x", &v); err != nil {
			return nil, fmt.Errorf("coverage: malformed pc line %q: %w", line, err)
		}
		s.PCs[v] = struct{}{}
	}

	edges, err := readLines(edgeFile(outDir))
	if err != nil {
		return nil, err
	}
	for _, line := range edges {
		var prev, cur uint32
		if _, err := fmt.Sscanf(line, "%x, %x", &prev, &cur); err != nil {
			return nil, fmt.Errorf("coverage: malformed edge line %q: %w", line, err)
		}
		s.ConfirmedEdges[seed.Edge{Prev: prev, Cur: cur}] = struct{}{}
	}

	counts, err := readLines(edgeCountFile(outDir))
	if err != nil {
		return nil, err
	}
	for _, line := range counts {
		var prev, cur uint32
		var count uint64
		if _, err := fmt.Sscanf(line, "%x, %x, %d", &prev, &cur, &count); err != nil {
			return nil, fmt.Errorf("coverage: malformed edge-count line %q: %w", line, err)
		}
		e := seed.Edge{Prev: prev, Cur: cur}
		s.EdgeCounts[e] = count
		s.EdgeBuckets[e] = Bucket(count)
	}

	return s, nil
}

func pcFile(outDir string) string        { return outDir + "/coverage.txt" }
func edgeFile(outDir string) string      { return outDir + "/coverage_edges.txt" }
func edgeCountFile(outDir string) string { return outDir + "/coverage_edge_counts.txt" }

func (s *Store) pcLines() []string {
	pcs := make([]uint32, 0, len(s.PCs))
	for pc := range s.PCs {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	lines := make([]string, 0, len(pcs))
	for _, pc := range pcs {
		lines = append(lines, fmt.Sprintf("%x", pc))
	}
	return lines
}

func (s *Store) edgeLines() []string {
	edges := make([]seed.Edge, 0, len(s.ConfirmedEdges))
	for e := range s.ConfirmedEdges {
		edges = append(edges, e)
	}
	sortEdges(edges)
	lines := make([]string, 0, len(edges))
	for _, e := range edges {
		lines = append(lines, fmt.Sprintf("%x, %x", e.Prev, e.Cur))
	}
	return lines
}

func (s *Store) edgeCountLines() []string {
	edges := make([]seed.Edge, 0, len(s.EdgeCounts))
	for e := range s.EdgeCounts {
		edges = append(edges, e)
	}
	sortEdges(edges)
	lines := make([]string, 0, len(edges))
	for _, e := range edges {
		lines = append(lines, fmt.Sprintf("%x, %x, %d", e.Prev, e.Cur, s.EdgeCounts[e]))
	}
	return lines
}

func sortEdges(edges []seed.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Prev != edges[j].Prev {
			return edges[i].Prev < edges[j].Prev
		}
		return edges[i].Cur < edges[j].Cur
	})
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("coverage: failed to create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("coverage: failed to write %s: %w", path, err)
		}
	}
	return w.Flush()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("coverage: failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("coverage: failed to read %s: %w", path, err)
	}
	return lines, nil
}
