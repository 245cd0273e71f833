// Package seed defines the typed fuzz input record and its lifecycle
// metadata (§3 of the specification).
package seed

import (
	"github.com/relaxwide/pcfuzz/internal/nvme"
)

// Dwords holds the eight 32-bit command-dword fields carried by every NVMe
// passthru submission.
type Dwords struct {
	CDW2  uint32
	CDW3  uint32
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Field returns the dword at the given index (0..7, matching the spec's
// "eight command dwords" ordering cdw2,cdw3,cdw10..cdw15) by reference,
// so mutation helpers can read and write fields generically.
func (d *Dwords) Field(i int) *uint32 {
	switch i {
	case 0:
		return &d.CDW2
	case 1:
		return &d.CDW3
	case 2:
		return &d.CDW10
	case 3:
		return &d.CDW11
	case 4:
		return &d.CDW12
	case 5:
		return &d.CDW13
	case 6:
		return &d.CDW14
	case 7:
		return &d.CDW15
	default:
		panic("seed: dword index out of range")
	}
}

// NumFields is the number of mutable command-dword fields on a Dwords.
const NumFields = 8

// Overrides holds the optional structured overrides a mutation may apply
// on top of a seed's template (§4.4, §4.7). A nil pointer field means "not
// overridden, use the template/effective default".
type Overrides struct {
	OpcodeOverride  *uint8
	NSIDOverride    *uint32
	ForceAdmin      *bool
	DataLenOverride *int
}

// Clone returns a deep copy of the overrides.
func (o Overrides) Clone() Overrides {
	clone := Overrides{}
	if o.OpcodeOverride != nil {
		v := *o.OpcodeOverride
		clone.OpcodeOverride = &v
	}
	if o.NSIDOverride != nil {
		v := *o.NSIDOverride
		clone.NSIDOverride = &v
	}
	if o.ForceAdmin != nil {
		v := *o.ForceAdmin
		clone.ForceAdmin = &v
	}
	if o.DataLenOverride != nil {
		v := *o.DataLenOverride
		clone.DataLenOverride = &v
	}
	return clone
}

// Edge is an ordered pair of consecutive in-range sampled program counters.
type Edge struct {
	Prev uint32
	Cur  uint32
}

// Seed is one scheduled fuzz input (§3).
type Seed struct {
	Meta Metadata

	// Payload is the immutable byte buffer sent on the write path (or used
	// to size the read path). len(Payload) <= max_input_len.
	Payload []byte

	// Template is the NVMe command template this seed was created against.
	// Fixed for the seed's lifetime per the §3 invariant.
	Template nvme.Template

	Dwords    Dwords
	Overrides Overrides

	// Runtime metadata (§3).
	ExecCount     uint64
	FoundAt       uint64 // execution number at discovery; 0 for initial seeds
	NewEdges      int    // edges attributed at discovery
	Energy        float64
	CoveredEdges  map[Edge]struct{}
	IsFavored     bool
	IsCalibrated  bool
	Stability     float64
	StableEdges   map[Edge]struct{}
	DetDone       bool
}

// Clone returns a deep copy suitable for mutation, preserving the template
// reference but giving the payload its own backing array and resetting
// identity and coverage bookkeeping: a clone is an as-yet-unplaced
// candidate, not a copy of the parent's corpus entry, so Meta.ID is reset
// to 0 (with ParentID recording the lineage) and CoveredEdges/StableEdges
// start empty rather than nil.
func (s *Seed) Clone() *Seed {
	payload := make([]byte, len(s.Payload))
	copy(payload, s.Payload)
	meta := s.Meta
	meta.ID = 0
	meta.ParentID = s.Meta.ID
	clone := &Seed{
		Meta:         meta,
		Payload:      payload,
		Template:     s.Template,
		Dwords:       s.Dwords,
		Overrides:    s.Overrides.Clone(),
		CoveredEdges: make(map[Edge]struct{}),
		StableEdges:  make(map[Edge]struct{}),
	}
	return clone
}

// IsInitial reports whether this seed was present at load time rather than
// discovered during fuzzing.
func (s *Seed) IsInitial() bool {
	return s.FoundAt == 0
}
