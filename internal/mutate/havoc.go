// Package mutate implements the havoc stack, CDW mutation, splice,
// structured overrides, deterministic stage, and MOpt scheduler of §4.4.
package mutate

import (
	"encoding/binary"
	"math/rand"
)

// Operator identifies one of the sixteen havoc operators (§4.4 table).
type Operator int

const (
	OpBitFlip Operator = iota
	OpInteresting8
	OpInteresting16
	OpInteresting32
	OpArith8
	OpArith16
	OpArith32
	OpRandomByte
	OpByteSwap
	OpDelete
	OpInsert
	OpOverwrite
	OpSplice
	OpShuffle
	OpBlockFill
	OpASCIIInt

	NumOperators = OpASCIIInt + 1
)

// MaxStackExp bounds the havoc stack exponent s (2^s stacked operators,
// s in [1,7]).
const MaxStackExp = 7

// Havoc runs the stacked-operator loop of §4.4 on a copy of payload,
// keeping the result within maxLen at every step. splicePool optionally
// supplies other corpus payloads for the splice operator (nil disables
// splice — the caller selects it via operator weighting anyway).
func Havoc(rng *rand.Rand, payload []byte, maxLen int, splicePool [][]byte) []byte {
	out := append([]byte(nil), payload...)
	s := 1 + rng.Intn(MaxStackExp)
	stacked := 1 << uint(s)

	for i := 0; i < stacked; i++ {
		op := Operator(rng.Intn(int(NumOperators)))
		out = applyOperator(rng, op, out, maxLen, splicePool)
		if len(out) > maxLen {
			out = out[:maxLen]
		}
	}
	return out
}

// ApplyNamedOperator exposes a single operator application for MOpt's
// weighted per-operator selection and for tests.
func ApplyNamedOperator(rng *rand.Rand, op Operator, payload []byte, maxLen int, splicePool [][]byte) []byte {
	out := applyOperator(rng, op, payload, maxLen, splicePool)
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

func applyOperator(rng *rand.Rand, op Operator, in []byte, maxLen int, splicePool [][]byte) []byte {
	if len(in) == 0 {
		in = []byte{0}
	}
	switch op {
	case OpBitFlip:
		out := append([]byte(nil), in...)
		pos := rng.Intn(len(out))
		bit := uint(rng.Intn(8))
		out[pos] ^= 1 << bit
		return out
	case OpInteresting8:
		out := append([]byte(nil), in...)
		pos := rng.Intn(len(out))
		out[pos] = byte(Interesting8[rng.Intn(len(Interesting8))])
		return out
	case OpInteresting16:
		return writeInteresting16(rng, in)
	case OpInteresting32:
		return writeInteresting32(rng, in)
	case OpArith8:
		out := append([]byte(nil), in...)
		pos := rng.Intn(len(out))
		delta := arithDelta(rng)
		out[pos] = byte(int(out[pos]) + delta)
		return out
	case OpArith16:
		return arithN(rng, in, 2)
	case OpArith32:
		return arithN(rng, in, 4)
	case OpRandomByte:
		out := append([]byte(nil), in...)
		pos := rng.Intn(len(out))
		out[pos] = byte(rng.Intn(256))
		return out
	case OpByteSwap:
		out := append([]byte(nil), in...)
		if len(out) < 2 {
			return out
		}
		i, j := rng.Intn(len(out)), rng.Intn(len(out))
		out[i], out[j] = out[j], out[i]
		return out
	case OpDelete:
		if len(in) <= 1 {
			return append([]byte(nil), in...)
		}
		runLen := 1 + rng.Intn(max1(len(in)/4))
		start := rng.Intn(len(in))
		end := start + runLen
		if end > len(in) {
			end = len(in)
		}
		out := append([]byte(nil), in[:start]...)
		out = append(out, in[end:]...)
		return out
	case OpInsert:
		insLen := 1 + rng.Intn(max1(min(128, max1(len(in)/4))))
		var ins []byte
		if rng.Intn(2) == 0 && len(in) > 0 {
			start := rng.Intn(len(in))
			end := min(len(in), start+insLen)
			ins = append(ins, in[start:end]...)
			for len(ins) < insLen {
				ins = append(ins, in[rng.Intn(len(in))])
			}
		} else {
			ins = make([]byte, insLen)
			rng.Read(ins)
		}
		pos := rng.Intn(len(in) + 1)
		out := append([]byte(nil), in[:pos]...)
		out = append(out, ins...)
		out = append(out, in[pos:]...)
		if len(out) > maxLen {
			out = out[:maxLen]
		}
		return out
	case OpOverwrite:
		out := append([]byte(nil), in...)
		runLen := 1 + rng.Intn(max1(min(128, len(out))))
		start := rng.Intn(max1(len(out) - runLen + 1))
		var src []byte
		if rng.Intn(2) == 0 {
			srcStart := rng.Intn(max1(len(out) - runLen + 1))
			src = out[srcStart : srcStart+runLen]
		} else {
			src = make([]byte, runLen)
			rng.Read(src)
		}
		copy(out[start:start+runLen], src)
		return out
	case OpSplice:
		if len(splicePool) == 0 {
			return append([]byte(nil), in...)
		}
		other := splicePool[rng.Intn(len(splicePool))]
		if len(other) == 0 {
			return append([]byte(nil), in...)
		}
		split := rng.Intn(len(in) + 1)
		otherSplit := rng.Intn(len(other) + 1)
		out := append([]byte(nil), in[:split]...)
		out = append(out, other[otherSplit:]...)
		if len(out) > maxLen {
			out = out[:maxLen]
		}
		return out
	case OpShuffle:
		out := append([]byte(nil), in...)
		if len(out) < 2 {
			return out
		}
		runLen := 2 + rng.Intn(max1(min(16, len(out)-1)))
		start := rng.Intn(len(out) - runLen + 1)
		segment := out[start : start+runLen]
		rng.Shuffle(len(segment), func(i, j int) { segment[i], segment[j] = segment[j], segment[i] })
		return out
	case OpBlockFill:
		out := append([]byte(nil), in...)
		values := []byte{0x00, 0xFF, 0x41, 0x20, byte(rng.Intn(256))}
		v := values[rng.Intn(len(values))]
		runLen := 1 + rng.Intn(max1(min(32, len(out))))
		start := rng.Intn(max1(len(out) - runLen + 1))
		for i := start; i < start+runLen; i++ {
			out[i] = v
		}
		return out
	case OpASCIIInt:
		extremes := []int64{-2147483648, -1, 0, 1, 2147483647, 4294967295}
		text := []byte(itoa(extremes[rng.Intn(len(extremes))]))
		out := append([]byte(nil), in...)
		runLen := min(len(text), max1(len(out)))
		start := rng.Intn(max1(len(out) - runLen + 1))
		copy(out[start:start+runLen], text[:runLen])
		return out
	default:
		return append([]byte(nil), in...)
	}
}

func writeInteresting16(rng *rand.Rand, in []byte) []byte {
	out := append([]byte(nil), in...)
	if len(out) < 2 {
		out = append(out, 0)
	}
	pos := rng.Intn(len(out) - 1)
	v := uint16(Interesting16[rng.Intn(len(Interesting16))])
	if rng.Intn(2) == 0 {
		binary.LittleEndian.PutUint16(out[pos:], v)
	} else {
		binary.BigEndian.PutUint16(out[pos:], v)
	}
	return out
}

func writeInteresting32(rng *rand.Rand, in []byte) []byte {
	out := append([]byte(nil), in...)
	for len(out) < 4 {
		out = append(out, 0)
	}
	pos := rng.Intn(len(out) - 3)
	v := uint32(Interesting32[rng.Intn(len(Interesting32))])
	if rng.Intn(2) == 0 {
		binary.LittleEndian.PutUint32(out[pos:], v)
	} else {
		binary.BigEndian.PutUint32(out[pos:], v)
	}
	return out
}

func arithN(rng *rand.Rand, in []byte, width int) []byte {
	out := append([]byte(nil), in...)
	for len(out) < width {
		out = append(out, 0)
	}
	pos := rng.Intn(len(out) - width + 1)
	delta := arithDelta(rng)
	le := rng.Intn(2) == 0

	switch width {
	case 2:
		var v uint16
		if le {
			v = binary.LittleEndian.Uint16(out[pos:])
		} else {
			v = binary.BigEndian.Uint16(out[pos:])
		}
		v = uint16(int32(v) + int32(delta))
		if le {
			binary.LittleEndian.PutUint16(out[pos:], v)
		} else {
			binary.BigEndian.PutUint16(out[pos:], v)
		}
	case 4:
		var v uint32
		if le {
			v = binary.LittleEndian.Uint32(out[pos:])
		} else {
			v = binary.BigEndian.Uint32(out[pos:])
		}
		v = uint32(int64(v) + int64(delta))
		if le {
			binary.LittleEndian.PutUint32(out[pos:], v)
		} else {
			binary.BigEndian.PutUint32(out[pos:], v)
		}
	}
	return out
}

func arithDelta(rng *rand.Rand) int {
	delta := 1 + rng.Intn(ArithMax)
	if rng.Intn(2) == 0 {
		return -delta
	}
	return delta
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [24]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
