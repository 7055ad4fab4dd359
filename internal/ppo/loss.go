package ppo

import (
	"math"

	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/pkg/errors"
)

// LossConfig holds the clipping ranges and the value loss weight
type LossConfig struct {
	Cliprange      float64
	CliprangeValue float64
	VFCoef         float64
}

// LossStats are the loss terms of one sample
type LossStats struct {
	Loss           float64
	PolicyLoss     float64
	ValueLoss      float64
	PolicyClipfrac float64
	ValueClipfrac  float64
}

// LossGrads are the gradients of the total loss with respect to the new
// logprobs and value predictions of the response tokens
type LossGrads struct {
	Logprobs []float32
	Values   []float32
}

// Loss computes the clipped PPO loss of one trajectory:
//
//	vf_loss = 0.5*mean(max((v-R)^2, (clip(v, v_old±cv)-R)^2))
//	pg_loss = mean(max(-A*r, -A*clip(r, 1±c)))  with r = exp(lp - lp_old)
//	loss    = pg_loss + vf_coef*vf_loss
//
// together with its gradient. Where both branches of a max are equal the
// unclipped branch carries the gradient.
func Loss(cfg LossConfig, logprobs, values []float32, tr *Trajectory) (LossStats, LossGrads, error) {
	T := len(tr.Response)
	if T == 0 {
		return LossStats{}, LossGrads{}, errors.New(errors.ErrEmptyResponse, "")
	}
	for _, c := range []struct {
		name string
		n    int
	}{
		{"logprobs", len(logprobs)}, {"values", len(values)},
		{"old logprobs", len(tr.Logprobs)}, {"old values", len(tr.Values)},
		{"advantages", len(tr.Advantages)}, {"returns", len(tr.Returns)},
	} {
		if c.n != T {
			return LossStats{}, LossGrads{}, errors.Newf(errors.ErrLengthMismatch,
				"%s has %d entries for a response of %d tokens", c.name, c.n, T)
		}
	}

	var stats LossStats
	grads := LossGrads{Logprobs: make([]float32, T), Values: make([]float32, T)}
	invT := 1 / float64(T)
	cv := cfg.CliprangeValue
	lo, hi := 1-cfg.Cliprange, 1+cfg.Cliprange

	for t := 0; t < T; t++ {
		// value
		v := float64(values[t])
		old := float64(tr.Values[t])
		ret := float64(tr.Returns[t])
		vc := float64(mathx.Clamp(values[t], float32(old-cv), float32(old+cv)))
		l1 := (v - ret) * (v - ret)
		l2 := (vc - ret) * (vc - ret)
		if l2 > l1 {
			stats.ValueLoss += l2
			stats.ValueClipfrac++
			if v >= old-cv && v <= old+cv {
				grads.Values[t] = float32(cfg.VFCoef * (vc - ret) * invT)
			}
		} else {
			stats.ValueLoss += l1
			grads.Values[t] = float32(cfg.VFCoef * (v - ret) * invT)
		}

		// policy
		adv := float64(tr.Advantages[t])
		ratio := math.Exp(float64(logprobs[t]) - float64(tr.Logprobs[t]))
		clipped := math.Min(math.Max(ratio, lo), hi)
		p1 := -adv * ratio
		p2 := -adv * clipped
		if p2 > p1 {
			stats.PolicyLoss += p2
			stats.PolicyClipfrac++
			if ratio >= lo && ratio <= hi {
				grads.Logprobs[t] = float32(-adv * ratio * invT)
			}
		} else {
			stats.PolicyLoss += p1
			grads.Logprobs[t] = float32(-adv * ratio * invT)
		}
	}

	stats.ValueLoss *= 0.5 * invT
	stats.ValueClipfrac *= invT
	stats.PolicyLoss *= invT
	stats.PolicyClipfrac *= invT
	stats.Loss = stats.PolicyLoss + cfg.VFCoef*stats.ValueLoss
	if math.IsNaN(stats.Loss) || math.IsInf(stats.Loss, 0) {
		return stats, grads, errors.Newf(errors.ErrNonFinite, "loss is %v", stats.Loss)
	}
	return stats, grads, nil
}
