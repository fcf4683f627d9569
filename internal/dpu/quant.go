package dpu

import "math"

// quantize converts a real value to the accelerator's int8 fixed point:
// round half away from zero, then saturate.
func quantize(v, scale float32) int8 {
	q := math.Round(float64(v) * float64(scale))
	if q > math.MaxInt8 {
		return math.MaxInt8
	}
	if q < math.MinInt8 {
		return math.MinInt8
	}
	if math.IsNaN(q) {
		return 0
	}
	return int8(q)
}

func dequantize(q int8, scale float32) float32 {
	return float32(q) / scale
}

// channelMean returns the mean subtracted from channel c. Only the first
// three channels carry a mean.
func channelMean(mean [3]int, c int) float32 {
	if c < len(mean) {
		return float32(mean[c])
	}
	return 0
}

// hwcIndex maps a CHW linear index to its HWC position.
func hwcIndex(i, h, w, c int) int {
	ch := i / (h * w)
	rem := i % (h * w)
	return rem*c + ch
}
