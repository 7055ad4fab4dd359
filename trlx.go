// Package trlx wires the PPO trainer and the offline ILQL experience
// builder to their collaborators from a single configuration.
package trlx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/data"
	"github.com/zswitten/trlx/internal/distributed"
	"github.com/zswitten/trlx/internal/ilql"
	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/internal/observability/trace"
	"github.com/zswitten/trlx/internal/ppo"
	"github.com/zswitten/trlx/internal/reward"
	"github.com/zswitten/trlx/internal/tensor"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

// Version is reported by the CLI
const Version = "0.1.0"

// Collaborators carries the optional observability hooks shared by runs
type Collaborators struct {
	Logger  logging.Logger
	Tracer  trace.Tracer
	Metrics *metrics.MetricsCollector
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = trace.NewNop()
	}
	return c
}

// PPO is a configured PPO run
type PPO struct {
	cfg     config.Config
	trainer *ppo.Trainer
	loader  *data.Loader
	policy  *models.ValueHeadLM
}

// LoadTokenizer builds the tokenizer named by the model section. Queries
// keep their leading characters, so truncation defaults to the right.
func LoadTokenizer(mc config.ModelConfig, opts ...tokenizer.Option) (tokenizer.Tokenizer, error) {
	tok, err := tokenizer.Load(mc.Tokenizer, mc.Alphabet, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "load tokenizer")
	}
	return tok, nil
}

// NewPPO builds the tokenizer, policy, reference, scorer, accelerator and
// prompt loader described by cfg
func NewPPO(cfg config.Config, c Collaborators) (*PPO, error) {
	c = c.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigInvalid, "device")
	}
	if dev != tensor.CPU {
		return nil, errors.Newf(errors.ErrConfigInvalid, "device %s: tensors can only be allocated on cpu", dev)
	}
	tok, err := LoadTokenizer(cfg.Model, tokenizer.WithTruncationSide(tokenizer.Right))
	if err != nil {
		return nil, err
	}

	// The reference starts from the same weights as the policy.
	policy, err := models.New(cfg.Model, tok.VocabSize(), cfg.Seed, models.OnDevice(dev))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCheckpoint, "build policy")
	}
	ref, err := models.New(cfg.Model, tok.VocabSize(), cfg.Seed, models.OnDevice(dev))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCheckpoint, "build reference")
	}

	scorer, err := reward.New(cfg.Sentiment, c.Logger)
	if err != nil {
		return nil, err
	}

	acc := distributed.NewLocal(
		distributed.WithDevice(dev),
		distributed.WithLogger(c.Logger),
		distributed.WithMetrics(c.Metrics))

	prompts, err := data.LoadPrompts(cfg.Data)
	if err != nil {
		return nil, err
	}
	var rng *rand.Rand
	if cfg.Data.Shuffle {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	loader, err := data.NewLoader(prompts, tok, cfg.BatchSize, cfg.InputSize, rng)
	if err != nil {
		return nil, err
	}

	trainer, err := ppo.NewTrainer(cfg, policy, ref, scorer, tok, acc,
		ppo.WithLogger(c.Logger),
		ppo.WithTracer(c.Tracer),
		ppo.WithMetrics(c.Metrics))
	if err != nil {
		return nil, err
	}
	return &PPO{cfg: cfg, trainer: trainer, loader: loader, policy: policy}, nil
}

// Train runs the configured number of PPO iterations
func (p *PPO) Train(ctx context.Context) ([]*ppo.IterationStats, error) {
	return p.trainer.Run(ctx, p.loader)
}

// SaveCheckpoint writes the policy weights as safetensors
func (p *PPO) SaveCheckpoint(path string) error {
	if err := models.SaveCheckpoint(path, p.policy); err != nil {
		return errors.Wrap(err, errors.ErrCheckpoint, "save policy")
	}
	return nil
}

// Config returns the validated configuration of the run
func (p *PPO) Config() config.Config { return p.cfg }

// Trainer exposes the underlying trainer
func (p *PPO) Trainer() *ppo.Trainer { return p.trainer }

// Scored is one offline sample with its scalar reward
type Scored struct {
	Dialogue ilql.Dialogue `json:"dialogue"`
	Reward   float64       `json:"reward"`
}

// MakeILQLExperience tokenizes and indexes scored dialogues. tok may be
// nil when every dialogue is pre-tokenized.
func MakeILQLExperience(ctx context.Context, tok tokenizer.Tokenizer, samples []Scored, maxLength int, c Collaborators) (*ilql.RolloutStorage, error) {
	c = c.withDefaults()
	ctx, span := c.Tracer.Start(ctx, "ilql.make_experience")
	defer span.End()
	trace.SetSpanAttributes(ctx, trace.IntAttr("ilql.samples", len(samples)))

	dialogues := make([]ilql.Dialogue, len(samples))
	rewards := make([]float64, len(samples))
	for i, s := range samples {
		dialogues[i] = s.Dialogue
		rewards[i] = s.Reward
	}
	b := ilql.NewBuilder(tok,
		ilql.WithLogger(c.Logger),
		ilql.WithMetrics(c.Metrics))
	storage, err := b.MakeExperience(ctx, dialogues, rewards, maxLength)
	if err != nil {
		trace.RecordSpanError(ctx, err)
		return nil, err
	}
	return storage, nil
}

// ReadScored reads one Scored sample per JSONL line
func ReadScored(r io.Reader) ([]Scored, error) {
	var out []Scored
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		var sc Scored
		if err := json.Unmarshal(line, &sc); err != nil {
			return nil, errors.Wrapf(err, errors.ErrShape, "line %d", lineNo)
		}
		out = append(out, sc)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "read samples")
	}
	return out, nil
}
