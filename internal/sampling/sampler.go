// Package sampling turns next-token logits into token choices.
package sampling

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/internal/tensor"
)

// Params holds sampling parameters
type Params struct {
	Temperature float32
	// TopK of 0 disables top-k filtering.
	TopK int
	// TopP of 1 (or 0) disables nucleus filtering.
	TopP float32
	// DoSample false selects the argmax token.
	DoSample bool
	// RepetitionPenalty divides positive and multiplies negative logits of
	// tokens already in the sequence; 1 disables it.
	RepetitionPenalty float32
	// PresencePenalty is subtracted once from every seen token.
	PresencePenalty float32
	// FrequencyPenalty is subtracted once per occurrence.
	FrequencyPenalty float32
}

// DefaultParams samples from the full distribution at temperature 1
func DefaultParams() Params {
	return Params{Temperature: 1, TopK: 0, TopP: 1, DoSample: true, RepetitionPenalty: 1}
}

// Sampler represents a token sampler with its own random source
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a new sampler. Runs are reproducible for a given rng seed.
func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{rng: rng}
}

// Sample picks one token from logits. prev holds the tokens already in the
// sequence for the penalties; banned token ids get zero probability.
func (s *Sampler) Sample(logits []float32, prev []int, p Params, banned ...int) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("empty logits")
	}
	// Work on a copy to avoid mutating upstream values
	logitSlice := make([]float32, len(logits))
	copy(logitSlice, logits)

	negInf := float32(math.Inf(-1))
	for _, id := range banned {
		if id >= 0 && id < len(logitSlice) {
			logitSlice[id] = negInf
		}
	}
	applyPenalties(logitSlice, prev, p)

	if !p.DoSample {
		tok := mathx.ArgMax(logitSlice)
		if math.IsInf(float64(logitSlice[tok]), -1) {
			return 0, fmt.Errorf("every token is banned")
		}
		return tok, nil
	}

	// Apply temperature
	if p.Temperature > 0 && p.Temperature != 1 {
		for j := range logitSlice {
			logitSlice[j] /= p.Temperature
		}
	}
	// Top-k filter
	if p.TopK > 0 {
		topKFilter(logitSlice, p.TopK)
	}
	probs := mathx.Softmax(nil, logitSlice)
	// Top-p filter (nucleus)
	if p.TopP > 0 && p.TopP < 1 {
		probs = topPFilter(probs, p.TopP)
	}
	for _, v := range probs {
		if math.IsNaN(float64(v)) {
			return 0, fmt.Errorf("sampling distribution is not finite")
		}
	}
	return s.sampleFromProbs(probs), nil
}

// SampleBatch samples one token per row of a [B, V] logits tensor
func (s *Sampler) SampleBatch(logits *tensor.Tensor, prev [][]int, params []Params, banned [][]int) ([]int, error) {
	shape := logits.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D tensor")
	}
	batchSize := shape[0]
	if len(params) != batchSize {
		return nil, fmt.Errorf("got %d sampling params for %d rows", len(params), batchSize)
	}

	tokens := make([]int, batchSize)
	for i := 0; i < batchSize; i++ {
		var p []int
		if prev != nil {
			p = prev[i]
		}
		var b []int
		if banned != nil {
			b = banned[i]
		}
		tok, err := s.Sample(logits.Row(i), p, params[i], b...)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func topKFilter(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	// Find kth largest threshold
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return logits[idx[i]] > logits[idx[j]] })
	thresh := logits[idx[k-1]]
	negInf := float32(math.Inf(-1))
	for i := range logits {
		if logits[i] < thresh {
			logits[i] = negInf
		}
	}
}

func topPFilter(probs []float32, p float32) []float32 {
	// Sort indices by prob desc
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })
	var cum float32
	cutoff := len(probs)
	for i, id := range idx {
		cum += probs[id]
		if cum >= p {
			cutoff = i + 1
			break
		}
	}
	// Zero out tail and renormalize
	var sum float32
	for i, id := range idx {
		if i >= cutoff {
			probs[id] = 0
		} else {
			sum += probs[id]
		}
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range probs {
			probs[i] *= inv
		}
	}
	return probs
}

func applyPenalties(logits []float32, prev []int, p Params) {
	if len(prev) == 0 {
		return
	}
	// Count frequencies
	counts := make(map[int]int)
	for _, id := range prev {
		counts[id]++
	}
	for id, c := range counts {
		if id < 0 || id >= len(logits) {
			continue
		}
		// repetition penalty: divide or multiply logits
		if p.RepetitionPenalty != 0 && p.RepetitionPenalty != 1.0 {
			if logits[id] > 0 {
				logits[id] /= p.RepetitionPenalty
			} else {
				logits[id] *= p.RepetitionPenalty
			}
		}
		// presence penalty shifts logits down if token present
		if p.PresencePenalty != 0 {
			logits[id] -= p.PresencePenalty
		}
		// frequency penalty scales by count
		if p.FrequencyPenalty != 0 {
			logits[id] -= p.FrequencyPenalty * float32(c)
		}
	}
}

// sampleFromProbs samples from probability distribution
func (s *Sampler) sampleFromProbs(probs []float32) int {
	r := s.rng.Float32()

	var cumSum float32
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cumSum += p
		last = i
		if r < cumSum {
			return i
		}
	}
	// rounding left r above the total; fall back to the last token with mass
	return last
}
