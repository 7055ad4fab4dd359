package ilql

import (
	"context"
	"fmt"
	"time"

	"github.com/zswitten/trlx/internal/distributed"
	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

// Builder turns scored dialogues into RolloutStorage
type Builder struct {
	tok     tokenizer.Tokenizer
	logger  logging.Logger
	metrics *metrics.MetricsCollector
	isMain  func() bool
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithLogger sets the logger used for diagnostics
func WithLogger(logger logging.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

// WithMetrics counts processed samples
func WithMetrics(m *metrics.MetricsCollector) BuilderOption {
	return func(b *Builder) { b.metrics = m }
}

// WithMainProcess overrides the rank check that gates diagnostics
func WithMainProcess(isMain func() bool) BuilderOption {
	return func(b *Builder) { b.isMain = isMain }
}

// NewBuilder creates a Builder. tok may be nil, in which case every sample
// must carry pre-tokenized turns.
func NewBuilder(tok tokenizer.Tokenizer, opts ...BuilderOption) *Builder {
	b := &Builder{
		tok:    tok,
		logger: logging.NewNop(),
		isMain: distributed.MainProcessFromEnv,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MakeExperience tokenizes samples, derives state and action indices, and
// attaches normalized returns to the last action of each sample.
//
// Turns alternate prompt and output starting with a prompt. Each output
// token at absolute position p contributes action index p-1; the state
// indices are the actions plus one final index.
func (b *Builder) MakeExperience(ctx context.Context, samples []Dialogue, rewards []float64, maxLength int) (*RolloutStorage, error) {
	if len(samples) != len(rewards) {
		return nil, errors.Newf(errors.ErrLengthMismatch,
			"%d samples for %d rewards", len(samples), len(rewards))
	}
	if len(samples) == 0 {
		return nil, errors.New(errors.ErrShape, "no samples")
	}
	start := time.Now()

	elements := make([]Element, len(samples))
	var promptLens, outputLens, sampleLens []int
	for i, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		turns, err := b.tokenize(s, maxLength)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrTokenizer, "sample %d", i)
		}

		var inputIDs, actions []int
		outputLen := 0
		for j, turn := range turns {
			length := len(inputIDs)
			inputIDs = append(inputIDs, turn...)
			if j%2 == 1 {
				for p := length - 1; p < length+len(turn)-1; p++ {
					actions = append(actions, p)
				}
				outputLen += len(turn)
			}
		}
		if len(actions) == 0 {
			return nil, errors.Newf(errors.ErrEmptyResponse, "sample %d has no output tokens", i)
		}
		if actions[0] < 0 {
			return nil, errors.Newf(errors.ErrShape, "sample %d starts with an output turn and no prompt", i)
		}

		states := append(append([]int(nil), actions...), len(inputIDs)-1)
		dones := make([]int, len(states))
		for k := 0; k < len(dones)-1; k++ {
			dones[k] = 1
		}
		mask := make([]int, len(inputIDs))
		for k := range mask {
			mask[k] = 1
		}
		elements[i] = Element{
			InputIDs:      inputIDs,
			AttentionMask: mask,
			Rewards:       make([]float32, len(actions)),
			StatesIxs:     states,
			ActionsIxs:    actions,
			Dones:         dones,
		}
		sampleLens = append(sampleLens, len(inputIDs))
		outputLens = append(outputLens, outputLen)
		promptLens = append(promptLens, len(inputIDs)-outputLen)
	}

	mean, std := mathx.MeanStd(rewards)
	returns := make([]float64, len(rewards))
	for i, r := range rewards {
		returns[i] = (r - mean) / (std + 1e-30)
		e := &elements[i]
		e.Rewards[len(e.Rewards)-1] = float32(returns[i])
	}

	if b.isMain() {
		b.logDiagnostics(elements, rewards, promptLens, outputLens, sampleLens)
	}
	if b.metrics != nil {
		b.metrics.RecordExperienceSamples(len(samples))
		b.metrics.ObserveDuration("ilql_experience_duration_seconds", start, nil)
	}
	return NewRolloutStorage(elements)
}

func (b *Builder) tokenize(s Dialogue, maxLength int) ([][]int, error) {
	if s.Tokens != nil {
		return s.Tokens, nil
	}
	if b.tok == nil {
		return nil, errors.New(errors.ErrTokenizer, "text sample without a tokenizer")
	}
	return TokenizeDialogue(s, b.tok, maxLength, b.tok.TruncationSide())
}

func (b *Builder) logDiagnostics(elements []Element, rewards []float64, promptLens, outputLens, sampleLens []int) {
	if b.tok != nil {
		e := elements[0]
		split := e.ActionsIxs[0] + 1
		prompt, perr := b.tok.Decode(e.InputIDs[:split])
		response, rerr := b.tok.Decode(e.InputIDs[split:])
		if perr == nil && rerr == nil {
			b.logger.Info("experience example",
				logging.String("prompt", prompt),
				logging.String("response", response),
				logging.Float64("reward", rewards[0]))
		}
	}
	b.logger.Info("experience lengths",
		logging.Int("samples", len(elements)),
		logging.String("prompt_length", lengthStats(promptLens)),
		logging.String("output_length", lengthStats(outputLens)),
		logging.String("sample_length", lengthStats(sampleLens)))
}

func lengthStats(xs []int) string {
	lo, hi, sum := xs[0], xs[0], 0
	for _, x := range xs {
		sum += x
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return fmt.Sprintf("%.2f ∈ [%d, %d]", float64(sum)/float64(len(xs)), lo, hi)
}
