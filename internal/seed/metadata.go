package seed

import "time"

// Metadata carries lineage and persistence bookkeeping for a Seed, kept
// separate from the mutable fuzzing state in Seed itself so it can be
// marshaled independently (§6 output layout: "<input>[+.json]").
type Metadata struct {
	ID          uint64    `json:"id"`
	ParentID    uint64    `json:"parent_id"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`

	CommandName string `json:"command_name"`
	Opcode      uint8   `json:"opcode"`

	ExecCount   uint64 `json:"exec_count"`
	FoundAt     uint64 `json:"found_at"`
	NewEdges    int    `json:"new_edges"`
	Stability   float64 `json:"stability"`
	IsFavored   bool   `json:"is_favored"`
	IsCalibrated bool  `json:"is_calibrated"`
}

// NewMetadata creates metadata for a freshly discovered seed.
func NewMetadata(id, parentID uint64, commandName string, opcode uint8) *Metadata {
	return &Metadata{
		ID:          id,
		ParentID:    parentID,
		CreatedAt:   time.Now(),
		CommandName: commandName,
		Opcode:      opcode,
	}
}
