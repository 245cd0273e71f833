package mutate

import (
	"math/rand"

	"github.com/relaxwide/pcfuzz/internal/nvme"
	"github.com/relaxwide/pcfuzz/internal/seed"
)

// OverrideProbabilities holds the configurable probabilities for each
// structured override (§4.4, §6), defaulting to the values in the spec.
type OverrideProbabilities struct {
	OpcodeMutProb   float64
	NSIDMutProb     float64
	AdminSwapProb   float64
	DataLenMutProb  float64
	SpliceProb      float64
}

// DefaultOverrideProbabilities returns the §4.4/§6 defaults.
func DefaultOverrideProbabilities() OverrideProbabilities {
	return OverrideProbabilities{
		OpcodeMutProb:  0.10,
		NSIDMutProb:    0.10,
		AdminSwapProb:  0.05,
		DataLenMutProb: 0.08,
		SpliceProb:     0.15,
	}
}

// ApplyStructuredOverrides independently rolls each override described in
// §4.4 and writes the result into s.Overrides and, for GetLogPage's NUMDL
// special case, s.Dwords.CDW10.
func ApplyStructuredOverrides(rng *rand.Rand, probs OverrideProbabilities, excludedOpcodes map[uint8]struct{}, s *seed.Seed) {
	if rng.Float64() < probs.OpcodeMutProb {
		if op, ok := drawOpcodeOverride(rng, s.Template); ok {
			if _, excluded := excludedOpcodes[op]; !excluded {
				s.Overrides.OpcodeOverride = &op
			}
		}
	}

	if rng.Float64() < probs.NSIDMutProb {
		nsid := drawNSIDOverride(rng)
		s.Overrides.NSIDOverride = &nsid
	}

	if rng.Float64() < probs.AdminSwapProb {
		forceAdmin := s.Template.ClassOf != nvme.Admin
		s.Overrides.ForceAdmin = &forceAdmin
	}

	if rng.Float64() < probs.DataLenMutProb {
		dataLen := drawDataLenOverride(rng)
		s.Overrides.DataLenOverride = &dataLen
	}

	if s.Template.Name == "GetLogPage" && rng.Float64() < 0.15 {
		numdl := uint32(0xFFFF)
		s.Dwords.CDW10 = (s.Dwords.CDW10 &^ 0xFFFF0000) | (numdl << 16)
		aligned := int((numdl + 1) * 4)
		s.Overrides.DataLenOverride = &aligned
	}
}

func drawOpcodeOverride(rng *rand.Rand, tmpl nvme.Template) (uint8, bool) {
	switch rng.Intn(4) {
	case 0:
		if tmpl.ClassOf == nvme.Admin {
			return uint8(0xC0 + rng.Intn(0x100-0xC0)), true
		}
		return uint8(0x80 + rng.Intn(0x100-0x80)), true
	case 1:
		return uint8(rng.Intn(256)), true
	case 2:
		bit := uint(rng.Intn(8))
		return tmpl.Opcode ^ (1 << bit), true
	default:
		all := nvme.DefaultTemplates()
		other := all[rng.Intn(len(all))]
		return other.Opcode, true
	}
}

func drawNSIDOverride(rng *rand.Rand) uint32 {
	choices := []uint32{0, 0xFFFFFFFF, 2, 0xFFFFFFFE}
	switch rng.Intn(6) {
	case 0, 1, 2, 3:
		return choices[rng.Intn(4)]
	case 4:
		return uint32(rng.Intn(16))
	default:
		return rng.Uint32()
	}
}

func drawDataLenOverride(rng *rand.Rand) int {
	fixed := []int{0, 4, 64, 512, 4096, 8192, 65536}
	if rng.Intn(len(fixed)+1) < len(fixed) {
		return fixed[rng.Intn(len(fixed))]
	}
	return 1 + rng.Intn(2*1024*1024)
}

// Splice joins two payloads at a random split point (§4.4). It is applied
// before havoc, with probability SpliceProb.
func Splice(rng *rand.Rand, a, b []byte, maxLen int) []byte {
	splitA := rng.Intn(len(a) + 1)
	splitB := rng.Intn(len(b) + 1)
	out := append([]byte(nil), a[:splitA]...)
	out = append(out, b[splitB:]...)
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}
