package mutate

// Interesting-value tables from §6.
var (
	Interesting8 = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}

	Interesting16 = append(widen8to16(Interesting8), []int16{
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
	}...)

	Interesting32 = append(widen8to32(Interesting8, Interesting16), []int32{
		-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647,
	}...)

	// ArithMax is the maximum arithmetic delta applied by arith-N operators
	// and the deterministic stage's additive/subtractive walk.
	ArithMax = 35
)

func widen8to16(in []int8) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		out[i] = int16(v)
	}
	return out
}

func widen8to32(in8 []int8, in16 []int16) []int32 {
	out := make([]int32, 0, len(in8)+len(in16))
	for _, v := range in8 {
		out = append(out, int32(v))
	}
	for _, v := range in16 {
		out = append(out, int32(v))
	}
	return out
}
