// Package reward scores generated text. A Model returns, per text, one
// score per class; an Extractor turns that into the scalar reward the
// trainer uses.
package reward

import (
	"context"
	"math"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/pkg/errors"
)

// Class labels of the sentiment scorers
const (
	LabelNegative = "NEGATIVE"
	LabelPositive = "POSITIVE"
)

// ClassScore is the score of one class for one text
type ClassScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Model scores a batch of texts. Implementations return exactly one
// []ClassScore per text, in input order.
type Model interface {
	Score(ctx context.Context, texts []string) ([][]ClassScore, error)
}

// Extractor picks the score of a fixed class as the reward
type Extractor struct {
	ClassIndex int
}

// Extract returns one reward per text
func (e Extractor) Extract(scores [][]ClassScore) ([]float64, error) {
	out := make([]float64, len(scores))
	for i, s := range scores {
		if e.ClassIndex < 0 || e.ClassIndex >= len(s) {
			return nil, errors.Newf(errors.ErrRewardClass,
				"class index %d out of range for %d classes at item %d", e.ClassIndex, len(s), i)
		}
		v := s[e.ClassIndex].Score
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Newf(errors.ErrNonFinite, "reward for item %d is %v", i, v)
		}
		out[i] = v
	}
	return out, nil
}

// ScoreTexts runs m and extracts the configured class. Any scorer failure
// or malformed output fails the whole batch.
func ScoreTexts(ctx context.Context, m Model, e Extractor, texts []string) ([]float64, error) {
	scores, err := m.Score(ctx, texts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRewardScoring, "reward model failed")
	}
	if len(scores) != len(texts) {
		return nil, errors.Newf(errors.ErrRewardScoring,
			"reward model returned %d results for %d texts", len(scores), len(texts))
	}
	return e.Extract(scores)
}

// New builds the scorer selected by cfg
func New(cfg config.SentimentConfig, logger logging.Logger) (Model, error) {
	switch cfg.Provider {
	case "", "lexicon":
		return NewLexiconScorer(cfg.BatchSize, cfg.FunctionToApply), nil
	case "http":
		return NewHTTPScorer(cfg, logger), nil
	default:
		return nil, errors.Newf(errors.ErrConfigInvalid, "unknown sentiment provider %q", cfg.Provider)
	}
}

// applyFunction maps raw class logits through the configured function
func applyFunction(logits []float64, fn string) []float64 {
	out := make([]float64, len(logits))
	switch fn {
	case "softmax":
		max := logits[0]
		for _, v := range logits {
			max = math.Max(max, v)
		}
		var sum float64
		for i, v := range logits {
			out[i] = math.Exp(v - max)
			sum += out[i]
		}
		for i := range out {
			out[i] /= sum
		}
	case "sigmoid":
		for i, v := range logits {
			out[i] = 1 / (1 + math.Exp(-v))
		}
	default:
		copy(out, logits)
	}
	return out
}
