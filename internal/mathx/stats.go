package mathx

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// WhitenEps stabilizes whitening against zero variance.
const WhitenEps = 1e-8

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(widen(x), nil)
}

// MeanVar returns the mean and the population variance of x.
func MeanVar(x []float32) (mean, variance float64) {
	if len(x) == 0 {
		return 0, 0
	}
	w := widen(x)
	mean = stat.Mean(w, nil)
	for _, v := range w {
		d := v - mean
		variance += d * d
	}
	return mean, variance / float64(len(w))
}

// MeanStd returns the mean and the unbiased standard deviation. A single
// observation has zero spread rather than NaN.
func MeanStd(x []float64) (mean, std float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

// Whiten normalizes values to zero mean and unit variance using population
// statistics over the whole slice. With shiftMean false the mean is added back.
func Whiten(values []float32, shiftMean bool) []float32 {
	out := make([]float32, len(values))
	if len(values) == 0 {
		return out
	}
	mean, variance := MeanVar(values)
	inv := 1 / math.Sqrt(variance+WhitenEps)
	for i, v := range values {
		w := (float64(v) - mean) * inv
		if !shiftMean {
			w += mean
		}
		out[i] = float32(w)
	}
	return out
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClipByValue clamps x[i] into [lo[i], hi[i]] elementwise.
func ClipByValue(x, lo, hi []float32) ([]float32, error) {
	if len(lo) != len(x) || len(hi) != len(x) {
		return nil, fmt.Errorf("clip bounds length (%d, %d) do not match input length %d", len(lo), len(hi), len(x))
	}
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = Clamp(v, lo[i], hi[i])
	}
	return out, nil
}

// AllFinite reports whether every element is neither NaN nor Inf.
func AllFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func widen(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
