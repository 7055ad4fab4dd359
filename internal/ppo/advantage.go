// Package ppo implements the PPO update loop: rollouts from the policy,
// scoring, KL-penalized rewards with GAE advantages, and clipped
// policy/value updates over several shuffled passes.
package ppo

import (
	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/pkg/errors"
)

// Trajectory is one query/response pair with everything derived from it in
// a single iteration. All slices except Query have the response length.
type Trajectory struct {
	Query    []int
	Response []int
	Score    float64

	Logprobs    []float32
	RefLogprobs []float32
	Values      []float32

	Rewards         []float32
	NonScoreRewards []float32
	Advantages      []float32 // whitened
	Returns         []float32
}

// KLController supplies the KL penalty coefficient
type KLController interface {
	Value() float64
	Update(currentKL float64, nSteps int)
}

// FixedKLController keeps the coefficient constant
type FixedKLController struct {
	Coef float64
}

func (c *FixedKLController) Value() float64 { return c.Coef }

func (c *FixedKLController) Update(float64, int) {}

// ComputeRewards returns the per-token rewards and their KL part:
// non_score[t] = -klCoef*(logprob[t]-ref[t]), with score added at the last
// token of rewards.
func ComputeRewards(score float64, logprobs, refLogprobs []float32, klCoef float64) (rewards, nonScore []float32, err error) {
	if len(logprobs) != len(refLogprobs) {
		return nil, nil, errors.Newf(errors.ErrLengthMismatch,
			"%d logprobs but %d reference logprobs", len(logprobs), len(refLogprobs))
	}
	if len(logprobs) == 0 {
		return nil, nil, errors.New(errors.ErrEmptyResponse, "")
	}
	nonScore = make([]float32, len(logprobs))
	for t := range logprobs {
		kl := float64(logprobs[t]) - float64(refLogprobs[t])
		nonScore[t] = float32(-klCoef * kl)
	}
	rewards = make([]float32, len(nonScore))
	copy(rewards, nonScore)
	rewards[len(rewards)-1] += float32(score)
	return rewards, nonScore, nil
}

// GAE runs the generalized advantage recursion backward from the last
// token with value[T] = advantage[T] = 0, and returns the raw advantages
// and returns = advantages + values.
func GAE(rewards, values []float32, gamma, lam float64) (advantages, returns []float32, err error) {
	if len(rewards) != len(values) {
		return nil, nil, errors.Newf(errors.ErrLengthMismatch,
			"%d rewards but %d values", len(rewards), len(values))
	}
	T := len(rewards)
	advantages = make([]float32, T)
	returns = make([]float32, T)
	var lastGAELam float64
	for t := T - 1; t >= 0; t-- {
		var next float64
		if t < T-1 {
			next = float64(values[t+1])
		}
		delta := float64(rewards[t]) + gamma*next - float64(values[t])
		lastGAELam = delta + gamma*lam*lastGAELam
		advantages[t] = float32(lastGAELam)
	}
	for t := range advantages {
		returns[t] = advantages[t] + values[t]
	}
	return advantages, returns, nil
}

// ComputeAdvantages fills the reward, advantage and return slices of tr
// from its logprobs, reference logprobs and values
func (tr *Trajectory) ComputeAdvantages(klCoef, gamma, lam float64) error {
	T := len(tr.Response)
	if len(tr.Logprobs) != T || len(tr.Values) != T {
		return errors.Newf(errors.ErrLengthMismatch,
			"response has %d tokens, logprobs %d, values %d", T, len(tr.Logprobs), len(tr.Values))
	}
	rewards, nonScore, err := ComputeRewards(tr.Score, tr.Logprobs, tr.RefLogprobs, klCoef)
	if err != nil {
		return err
	}
	adv, returns, err := GAE(rewards, tr.Values, gamma, lam)
	if err != nil {
		return err
	}
	tr.Rewards = rewards
	tr.NonScoreRewards = nonScore
	tr.Advantages = mathx.Whiten(adv, true)
	tr.Returns = returns
	return nil
}

// SequenceKL is the per-token KL of tr summed over the response
func (tr *Trajectory) SequenceKL() float64 {
	var kl float64
	for t := range tr.Logprobs {
		kl += float64(tr.Logprobs[t]) - float64(tr.RefLogprobs[t])
	}
	return kl
}
