package mathx

import (
	"fmt"
	"math"
)

// LogSumExp returns log(sum(exp(x))) computed around the row maximum.
func LogSumExp(x []float32) float64 {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	if math.IsInf(float64(max), -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - max))
	}
	return float64(max) + math.Log(sum)
}

// Softmax writes the softmax of x into dst and returns it. dst may alias x.
func Softmax(dst, x []float32) []float32 {
	if dst == nil {
		dst = make([]float32, len(x))
	}
	lse := LogSumExp(x)
	for i, v := range x {
		dst[i] = float32(math.Exp(float64(v) - lse))
	}
	return dst
}

// ArgMax returns the index of the largest element
func ArgMax(v []float32) int {
	max, maxi := v[0], 0
	for i, x := range v {
		if x > max {
			max, maxi = x, i
		}
	}
	return maxi
}

// LogprobsFromLogits gathers log-softmax(logits[t])[labels[t]] for every row.
// logits is row-major [len(labels), vocab]; the caller aligns logits at t with
// the token at t+1.
func LogprobsFromLogits(logits []float32, vocab int, labels []int) ([]float32, error) {
	if err := checkLogits(logits, vocab, len(labels)); err != nil {
		return nil, err
	}
	out := make([]float32, len(labels))
	for t, y := range labels {
		if y < 0 || y >= vocab {
			return nil, fmt.Errorf("label %d at position %d outside vocab %d", y, t, vocab)
		}
		row := logits[t*vocab : (t+1)*vocab]
		out[t] = float32(float64(row[y]) - LogSumExp(row))
	}
	return out, nil
}

// LogprobsFromLogitsGrad accumulates into dst the gradient of
// sum_t upstream[t]*logprob[t] with respect to logits:
// dst[t,j] += upstream[t] * (1[j==labels[t]] - softmax(logits[t])[j]).
func LogprobsFromLogitsGrad(dst, logits []float32, vocab int, labels []int, upstream []float32) error {
	if err := checkLogits(logits, vocab, len(labels)); err != nil {
		return err
	}
	if len(upstream) != len(labels) || len(dst) != len(logits) {
		return fmt.Errorf("gradient buffers do not match logits: upstream %d, labels %d, dst %d, logits %d",
			len(upstream), len(labels), len(dst), len(logits))
	}
	for t, y := range labels {
		g := upstream[t]
		if g == 0 {
			continue
		}
		row := logits[t*vocab : (t+1)*vocab]
		drow := dst[t*vocab : (t+1)*vocab]
		lse := LogSumExp(row)
		for j, v := range row {
			drow[j] -= g * float32(math.Exp(float64(v)-lse))
		}
		drow[y] += g
	}
	return nil
}

// EntropyFromLogits returns the Shannon entropy of softmax(logits[t]) per row.
func EntropyFromLogits(logits []float32, vocab int) ([]float32, error) {
	if vocab <= 0 || len(logits)%vocab != 0 {
		return nil, fmt.Errorf("logits length %d is not a multiple of vocab %d", len(logits), vocab)
	}
	rows := len(logits) / vocab
	out := make([]float32, rows)
	for t := 0; t < rows; t++ {
		row := logits[t*vocab : (t+1)*vocab]
		lse := LogSumExp(row)
		var expected float64
		for _, v := range row {
			p := math.Exp(float64(v) - lse)
			expected += p * float64(v)
		}
		out[t] = float32(lse - expected)
	}
	return out, nil
}

func checkLogits(logits []float32, vocab, rows int) error {
	if vocab <= 0 {
		return fmt.Errorf("vocab must be positive, got %d", vocab)
	}
	if len(logits) != rows*vocab {
		return fmt.Errorf("logits length %d does not match %d rows of vocab %d", len(logits), rows, vocab)
	}
	return nil
}
