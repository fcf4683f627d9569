package dpu

import "math"

// RunSoftmax converts batchSize rows of numClasses fixed-point values to
// probabilities. Each value is dequantized as fixed/scale and the row max is
// subtracted before exponentiation.
func RunSoftmax(input []int8, output []float32, numClasses, batchSize int, scale float32) error {
	const op = "run softmax"
	if numClasses <= 0 || batchSize <= 0 {
		return newError(KindSizeMismatch, op, "invalid shape %d classes x %d batch", numClasses, batchSize)
	}
	if !(scale > 0) || math.IsInf(float64(scale), 0) {
		return newError(KindSizeMismatch, op, "scale must be positive, got %v", scale)
	}
	n := numClasses * batchSize
	if len(input) < n || len(output) < n {
		return newError(KindSizeMismatch, op, "need %d elements, input has %d and output %d", n, len(input), len(output))
	}

	for b := 0; b < batchSize; b++ {
		row := input[b*numClasses : (b+1)*numClasses]
		dst := output[b*numClasses : (b+1)*numClasses]
		maxq := row[0]
		for _, q := range row[1:] {
			if q > maxq {
				maxq = q
			}
		}
		maxv := float64(maxq) / float64(scale)
		var sum float64
		for i, q := range row {
			v := math.Exp(float64(q)/float64(scale) - maxv)
			dst[i] = float32(v)
			sum += v
		}
		inv := 1 / sum
		for i := range dst {
			dst[i] = float32(float64(dst[i]) * inv)
		}
	}
	return nil
}
