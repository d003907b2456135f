package tensor

import (
	"math"
)

// Softmax computes a numerically stable softmax over a flat vector.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxVal := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// ArgMax returns the index of the largest value; ties resolve to the lowest
// index.
func ArgMax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// HasNonFinite reports whether any element is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
