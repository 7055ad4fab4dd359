package ppo

import (
	"context"

	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/pkg/errors"
)

// span is the response part of one forward row. Position p of the row's
// logits predicts token p+1, so response token t is scored at
// queryLen-1+t, and its value estimate is read at the same position.
type span struct {
	start    int
	logits   []float32 // [T*V], rows start..start+T-1
	values   []float32 // [T]
	logprobs []float32 // [T]
}

func responseSpan(out *models.Output, b, queryLen int, response []int) (span, error) {
	T := len(response)
	if queryLen < 1 {
		return span{}, errors.New(errors.ErrShape, "query must hold at least one token")
	}
	if out.Lengths[b] != queryLen+T {
		return span{}, errors.Newf(errors.ErrLengthMismatch,
			"row %d has %d positions, want %d", b, out.Lengths[b], queryLen+T)
	}
	V := out.Vocab()
	start := queryLen - 1
	logits := out.LogitsRow(b)[start*V : (start+T)*V]
	logprobs, err := mathx.LogprobsFromLogits(logits, V, response)
	if err != nil {
		return span{}, errors.Wrap(err, errors.ErrShape, "response logprobs")
	}
	return span{
		start:    start,
		logits:   logits,
		values:   out.ValuesRow(b)[start : start+T],
		logprobs: logprobs,
	}, nil
}

func concat(query, response []int) []int {
	ids := make([]int, 0, len(query)+len(response))
	ids = append(ids, query...)
	return append(ids, response...)
}

// evaluation is the inference-mode result for a set of trajectories
type evaluation struct {
	logprobs    [][]float32
	refLogprobs [][]float32
	values      [][]float32
	entropy     float64 // mean over response tokens
}

// evaluate runs policy and reference over query+response in sub-batches of
// forwardBatchSize without gradients
func evaluate(ctx context.Context, policy, ref models.LanguageModel, queries, responses [][]int, forwardBatchSize int) (*evaluation, error) {
	ctx = models.NoGrad(ctx)
	n := len(queries)
	ev := &evaluation{
		logprobs:    make([][]float32, 0, n),
		refLogprobs: make([][]float32, 0, n),
		values:      make([][]float32, 0, n),
	}
	var entropySum float64
	tokens := 0
	for lo := 0; lo < n; lo += forwardBatchSize {
		hi := lo + forwardBatchSize
		if hi > n {
			hi = n
		}
		ids := make([][]int, 0, hi-lo)
		for i := lo; i < hi; i++ {
			ids = append(ids, concat(queries[i], responses[i]))
		}
		out, err := policy.Forward(ctx, ids)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrModelForward, "policy evaluation")
		}
		refOut, err := ref.Forward(ctx, ids)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrModelForward, "reference evaluation")
		}
		for j := range ids {
			i := lo + j
			s, err := responseSpan(out, j, len(queries[i]), responses[i])
			if err != nil {
				return nil, err
			}
			rs, err := responseSpan(refOut, j, len(queries[i]), responses[i])
			if err != nil {
				return nil, err
			}
			values := make([]float32, len(s.values))
			copy(values, s.values)
			ev.logprobs = append(ev.logprobs, s.logprobs)
			ev.refLogprobs = append(ev.refLogprobs, rs.logprobs)
			ev.values = append(ev.values, values)

			ent, err := mathx.EntropyFromLogits(s.logits, out.Vocab())
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrShape, "response entropy")
			}
			for _, e := range ent {
				entropySum += float64(e)
			}
			tokens += len(ent)
		}
	}
	if tokens > 0 {
		ev.entropy = entropySum / float64(tokens)
	}
	return ev, nil
}
