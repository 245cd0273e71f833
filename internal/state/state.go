package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// StateFileName is the name of the global state file.
	StateFileName = "global_state.json"
)

// QueueStats holds simple statistics about the fuzzing queue.
type QueueStats struct {
	PoolSize       int `json:"pool_size"`
	ProcessedCount int `json:"processed_count"`
}

// GlobalState represents the persistent state of a fuzzing run, written to
// disk so a killed or Ctrl-C'd run can resume (§5 Cancellation).
type GlobalState struct {
	LastAllocatedID    uint64     `json:"last_allocated_id"`    // next seed ID will be this + 1
	CurrentFuzzingID   uint64     `json:"current_fuzzing_id"`   // ID of the seed currently being executed
	TotalExecs         uint64     `json:"total_execs"`          // total commands dispatched this run
	ConfirmedEdgeCount uint64     `json:"confirmed_edge_count"` // len(global_confirmed_edges)
	Stats              QueueStats `json:"queue_stats"`
}

// Manager handles the persistence and modification of the global state.
type Manager interface {
	// Load reads the state from disk.
	Load() error

	// Save writes the state to disk.
	Save() error

	// NextID increments and returns the next unique seed ID.
	NextID() uint64

	// UpdateCurrentID sets the ID currently being fuzzed.
	UpdateCurrentID(id uint64)

	// UpdateCoverage records the current total execs and confirmed edge count.
	UpdateCoverage(totalExecs, confirmedEdges uint64)

	// IncrementProcessed increments the processed count.
	IncrementProcessed()

	// UpdatePoolSize sets the current pool size.
	UpdatePoolSize(size int)

	// GetState returns a copy of the current state.
	GetState() GlobalState
}

// FileManager is a file-backed implementation of the Manager interface.
type FileManager struct {
	mu       sync.Mutex
	filePath string
	state    GlobalState
}

// NewFileManager creates a new FileManager for the given directory.
// The state file will be stored at dir/global_state.json.
func NewFileManager(dir string) *FileManager {
	return &FileManager{
		filePath: filepath.Join(dir, StateFileName),
		state:    GlobalState{},
	}
}

// Load reads the state from disk.
// If the file doesn't exist, it initializes with default values.
func (m *FileManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Initialize with default state
			m.state = GlobalState{
				Stats: QueueStats{
					PoolSize:       0,
					ProcessedCount: 0,
				},
			}
			return nil
		}
		return fmt.Errorf("failed to read state file %s: %w", m.filePath, err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", m.filePath, err)
	}

	return nil
}

// Save writes the state to disk.
func (m *FileManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Ensure directory exists
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.filePath, err)
	}

	return nil
}

// NextID increments and returns the next unique seed ID.
// IDs start from 1.
func (m *FileManager) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LastAllocatedID++
	return m.state.LastAllocatedID
}

// UpdateCurrentID sets the ID currently being fuzzed.
func (m *FileManager) UpdateCurrentID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.CurrentFuzzingID = id
}

// UpdateCoverage records the current total execs and confirmed edge count.
func (m *FileManager) UpdateCoverage(totalExecs, confirmedEdges uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.TotalExecs = totalExecs
	m.state.ConfirmedEdgeCount = confirmedEdges
}

// IncrementProcessed increments the processed count.
func (m *FileManager) IncrementProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Stats.ProcessedCount++
}

// UpdatePoolSize sets the current pool size.
func (m *FileManager) UpdatePoolSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Stats.PoolSize = size
}

// GetState returns a copy of the current state.
func (m *FileManager) GetState() GlobalState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// GetFilePath returns the path to the state file.
func (m *FileManager) GetFilePath() string {
	return m.filePath
}
