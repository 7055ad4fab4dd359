// Package rollout generates responses to queries with a language model.
// Generation always runs without gradients: the responses it returns are
// fixed inputs to scoring and to the update loop.
package rollout

import (
	"context"
	"math/rand"
	"time"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/sampling"
	"github.com/zswitten/trlx/pkg/errors"
)

// GenParams are the per-call generation settings
type GenParams struct {
	MaxNewTokens int
	MinNewTokens int
	Sampling     sampling.Params
}

// ParamsFromConfig derives new-token limits from total-length generate
// kwargs for queries of queryLen tokens, capped at genSize new tokens.
func ParamsFromConfig(gc config.GenerationConfig, genSize, queryLen int) GenParams {
	maxNew := gc.MaxLength - queryLen
	if genSize > 0 && maxNew > genSize {
		maxNew = genSize
	}
	if maxNew < 0 {
		maxNew = 0
	}
	minNew := gc.MinLength - queryLen
	if minNew < 0 {
		minNew = 0
	}
	if minNew > maxNew {
		minNew = maxNew
	}
	return GenParams{
		MaxNewTokens: maxNew,
		MinNewTokens: minNew,
		Sampling: sampling.Params{
			Temperature:       float32(gc.Temperature),
			TopK:              gc.TopK,
			TopP:              float32(gc.TopP),
			DoSample:          gc.DoSample,
			RepetitionPenalty: float32(gc.RepetitionPenalty),
			PresencePenalty:   float32(gc.PresencePenalty),
			FrequencyPenalty:  float32(gc.FrequencyPenalty),
		},
	}
}

// Generator produces one response per query
type Generator struct {
	eosTokenID int
	runner     *ModelRunner
	logger     logging.Logger

	maxNumSeqs          int
	maxNumBatchedTokens int
	blockSize           int
}

// Option configures a Generator
type Option func(*Generator)

// WithMaxNumSeqs caps how many sequences decode together
func WithMaxNumSeqs(n int) Option {
	return func(g *Generator) { g.maxNumSeqs = n }
}

// WithTokenBudget caps the tokens held by running sequences
func WithTokenBudget(tokens, blockSize int) Option {
	return func(g *Generator) {
		g.maxNumBatchedTokens = tokens
		g.blockSize = blockSize
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator creates a generator over model. rng drives sampling.
func NewGenerator(model models.LanguageModel, eosTokenID int, rng *rand.Rand, opts ...Option) *Generator {
	g := &Generator{
		eosTokenID: eosTokenID,
		runner:     NewModelRunner(model, sampling.NewSampler(rng), eosTokenID),
		logger:     logging.NewNop(),
		maxNumSeqs: 8,
		blockSize:  16,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the response tokens for each query, in query order. A
// response stops at max new tokens or after an EOS token, which it keeps.
func (g *Generator) Generate(ctx context.Context, queries [][]int, p GenParams) ([][]int, error) {
	start := time.Now()
	longest := 0
	for i, q := range queries {
		if len(q) == 0 {
			return nil, errors.Newf(errors.ErrShape, "query %d is empty", i)
		}
		if len(q) > longest {
			longest = len(q)
		}
	}

	budget := g.maxNumBatchedTokens
	if budget <= 0 {
		budget = g.maxNumSeqs * (longest + p.MaxNewTokens + 1)
	}
	bm := NewBlockManager((budget+g.blockSize-1)/g.blockSize, g.blockSize)
	if !bm.Fits(longest + p.MaxNewTokens) {
		return nil, errors.Newf(errors.ErrGeneration,
			"token budget %d cannot hold a sequence of %d tokens", budget, longest+p.MaxNewTokens)
	}
	sched := NewScheduler(g.maxNumSeqs, g.eosTokenID, bm)

	seqs := make([]*Sequence, len(queries))
	for i, q := range queries {
		seqs[i] = NewSequence(i, q, p)
		if p.MaxNewTokens <= 0 {
			seqs[i].Status = SequenceStatusFinished
			continue
		}
		sched.Add(seqs[i])
	}

	steps := 0
	for !sched.IsFinished() {
		batch := sched.Schedule()
		if len(batch) == 0 {
			return nil, errors.New(errors.ErrGeneration, "scheduler made no progress")
		}
		tokens, err := g.runner.Run(ctx, batch)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrGeneration, "generation step failed")
		}
		sched.PostProcess(batch, tokens)
		steps++
	}

	responses := make([][]int, len(seqs))
	for i, seq := range seqs {
		responses[i] = make([]int, seq.NumCompletionTokens())
		copy(responses[i], seq.CompletionTokenIDs())
	}
	g.logger.Debug("generated responses",
		logging.Int("queries", len(queries)),
		logging.Int("steps", steps),
		logging.Duration("duration", time.Since(start)))
	return responses, nil
}
