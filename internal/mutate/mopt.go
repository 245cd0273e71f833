package mutate

import "math/rand"

// floorWeight ensures no operator weight ever collapses to zero in core
// mode (§4.4: "a small floor per operator so none is ever zero").
const floorWeight = 0.05

// mode is MOpt's pilot/core switch (§4.4).
type mode int

const (
	modePilot mode = iota
	modeCore
)

// MOpt implements the two-mode operator scheduler of §4.4: pilot mode
// samples operators uniformly while recording per-operator uses/finds,
// core mode samples by weighted find/use ratio, then resets to pilot.
type MOpt struct {
	pilotPeriod int
	corePeriod  int

	m            mode
	sinceReset   int
	uses         [NumOperators]uint64
	finds        [NumOperators]uint64
	coreWeights  [NumOperators]float64
}

// NewMOpt constructs a scheduler with the configured pilot/core period
// lengths (mopt_pilot_period, mopt_core_period, §6).
func NewMOpt(pilotPeriod, corePeriod int) *MOpt {
	return &MOpt{pilotPeriod: pilotPeriod, corePeriod: corePeriod, m: modePilot}
}

// Choose returns the next operator to apply.
func (m *MOpt) Choose(rng *rand.Rand) Operator {
	if m.m == modePilot {
		return Operator(rng.Intn(int(NumOperators)))
	}
	return m.weightedChoose(rng)
}

func (m *MOpt) weightedChoose(rng *rand.Rand) Operator {
	total := 0.0
	for _, w := range m.coreWeights {
		total += w
	}
	if total <= 0 {
		return Operator(rng.Intn(int(NumOperators)))
	}
	pick := rng.Float64() * total
	cum := 0.0
	for i, w := range m.coreWeights {
		cum += w
		if pick <= cum {
			return Operator(i)
		}
	}
	return Operator(len(m.coreWeights) - 1)
}

// RecordRun registers that usedOps were applied during one fuzz iteration
// and whether that run was interesting (a "find").
func (m *MOpt) RecordRun(usedOps []Operator, interesting bool) {
	seen := make(map[Operator]struct{}, len(usedOps))
	for _, op := range usedOps {
		if _, dup := seen[op]; dup {
			continue
		}
		seen[op] = struct{}{}
		m.uses[op]++
		if interesting {
			m.finds[op]++
		}
	}

	m.sinceReset++
	switch m.m {
	case modePilot:
		if m.sinceReset >= m.pilotPeriod {
			m.computeCoreWeights()
			m.m = modeCore
			m.sinceReset = 0
		}
	case modeCore:
		if m.sinceReset >= m.corePeriod {
			m.m = modePilot
			m.sinceReset = 0
			m.uses = [NumOperators]uint64{}
			m.finds = [NumOperators]uint64{}
		}
	}
}

func (m *MOpt) computeCoreWeights() {
	var raw [NumOperators]float64
	var total float64
	for i := range raw {
		if m.uses[i] > 0 {
			raw[i] = float64(m.finds[i]) / float64(m.uses[i])
		}
		raw[i] += floorWeight
		total += raw[i]
	}
	for i := range raw {
		m.coreWeights[i] = raw[i] / total
	}
}

// Mode reports whether the scheduler is currently in pilot or core mode,
// for diagnostics/tests.
func (m *MOpt) Mode() string {
	if m.m == modePilot {
		return "pilot"
	}
	return "core"
}
