package ppo

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/data"
	"github.com/zswitten/trlx/internal/distributed"
	"github.com/zswitten/trlx/internal/mathx"
	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/internal/observability/trace"
	"github.com/zswitten/trlx/internal/reward"
	"github.com/zswitten/trlx/internal/rollout"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

// Iteration states
const (
	StateRollout   = "rollout"
	StateScore     = "score"
	StateEvaluate  = "evaluate"
	StateAdvantage = "advantage"
	StateOptimize  = "optimize"
)

// IterationStats summarizes one outer iteration
type IterationStats struct {
	Step               int
	MeanScore          float64
	MeanKL             float64
	MeanNonScoreReward float64
	MeanResponseLength float64
	Entropy            float64
	PolicyLoss         float64
	ValueLoss          float64
	PolicyClipfrac     float64
	ValueClipfrac      float64
	OptimizerSteps     int
	Durations          map[string]time.Duration
}

// Scalars flattens the stats for the accelerator's scalar sink
func (s *IterationStats) Scalars() map[string]float64 {
	out := map[string]float64{
		metrics.ScalarMeanScore:      s.MeanScore,
		metrics.ScalarKL:             s.MeanKL,
		metrics.ScalarNonScoreReward: s.MeanNonScoreReward,
		metrics.ScalarPolicyLoss:     s.PolicyLoss,
		metrics.ScalarValueLoss:      s.ValueLoss,
		metrics.ScalarPolicyClipfrac: s.PolicyClipfrac,
		metrics.ScalarValueClipfrac:  s.ValueClipfrac,
		metrics.ScalarEntropy:        s.Entropy,
		"response_length":            s.MeanResponseLength,
		"optimizer_steps":            float64(s.OptimizerSteps),
	}
	for state, d := range s.Durations {
		out["time/"+state] = d.Seconds()
	}
	return out
}

// Trainer runs PPO iterations against a policy and a frozen reference
type Trainer struct {
	cfg config.Config

	policy    models.TrainableModel
	ref       models.LanguageModel
	opt       models.Optimizer
	acc       distributed.Accelerator
	generator *rollout.Generator
	tok       tokenizer.Tokenizer
	scorer    reward.Model
	extractor reward.Extractor
	kl        KLController
	lossCfg   LossConfig

	rng     *rand.Rand
	logger  logging.Logger
	tracer  trace.Tracer
	metrics *metrics.MetricsCollector

	iteration int
}

// Option configures a Trainer
type Option func(*Trainer)

// WithOptimizer replaces the default Adam optimizer
func WithOptimizer(opt models.Optimizer) Option {
	return func(t *Trainer) { t.opt = opt }
}

// WithKLController replaces the fixed KL controller
func WithKLController(kl KLController) Option {
	return func(t *Trainer) { t.kl = kl }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithTracer sets the tracer
func WithTracer(tr trace.Tracer) Option {
	return func(t *Trainer) { t.tracer = tr }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.MetricsCollector) Option {
	return func(t *Trainer) { t.metrics = m }
}

// NewTrainer wires a trainer. The reference model is frozen here; the
// policy, optimizer and accelerator are used as given.
func NewTrainer(cfg config.Config, policy models.TrainableModel, ref models.LanguageModel, scorer reward.Model,
	tok tokenizer.Tokenizer, acc distributed.Accelerator, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:       cfg,
		ref:       models.Freeze(ref),
		acc:       acc,
		tok:       tok,
		scorer:    scorer,
		extractor: reward.Extractor{ClassIndex: cfg.Sentiment.ClassIndex},
		kl:        &FixedKLController{Coef: cfg.KLCoef()},
		lossCfg: LossConfig{
			Cliprange:      cfg.Cliprange,
			CliprangeValue: cfg.CliprangeValue,
			VFCoef:         cfg.VFCoef,
		},
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logging.NewNop(),
		tracer: trace.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.opt == nil {
		params := models.TrainableParameters(policy.Parameters(), cfg.Model.NumLayers, cfg.Model.TrainableLayers)
		t.opt = models.NewAdam(params, models.DefaultAdamConfig(cfg.LR))
	}
	t.policy, t.opt, _ = acc.Prepare(policy, t.opt, nil)

	genRNG := rand.New(rand.NewSource(cfg.Seed + 1))
	t.generator = rollout.NewGenerator(acc.UnwrapModel(t.policy), tok.GetEOS(), genRNG,
		rollout.WithMaxNumSeqs(cfg.ForwardBatchSize),
		rollout.WithLogger(t.logger))
	return t, nil
}

// Run performs ceil(steps/batch_size) iterations, or fewer when the loader
// runs out. Cancellation is checked between iterations.
func (t *Trainer) Run(ctx context.Context, loader *data.Loader) ([]*IterationStats, error) {
	_, _, loader = t.acc.Prepare(t.policy, t.opt, loader)
	total := t.cfg.TotalPPOEpochs()
	if t.acc.IsMainProcess() {
		t.logger.Info("starting ppo",
			logging.Int("iterations", total),
			logging.Int("batches_available", loader.Len()))
	}

	var all []*IterationStats
	for epoch := 0; epoch < total; epoch++ {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		batch, ok, err := loader.Next()
		if err != nil {
			return all, err
		}
		if !ok {
			break
		}
		stats, err := t.Step(ctx, batch)
		if err != nil {
			return all, err
		}
		all = append(all, stats)
	}
	return all, nil
}

// Step runs one outer iteration on batch. A failure in any state leaves the
// policy weights, the optimizer state and the KL controller as they were
// before the call.
func (t *Trainer) Step(ctx context.Context, batch data.Batch) (stats *IterationStats, err error) {
	step := t.iteration
	ctx, span := t.tracer.Start(ctx, "ppo.iteration")
	defer span.End()
	trace.SetSpanAttributes(ctx, trace.IntAttr("ppo.step", step))
	if id := logging.GetRunID(ctx); id != "" {
		trace.SetSpanAttributes(ctx, trace.StringAttr("run.id", id))
	}
	defer func() {
		if t.metrics != nil {
			t.metrics.RecordIteration(err)
		}
		if err != nil {
			trace.RecordSpanError(ctx, err)
			t.logger.Error("ppo iteration failed", logging.Int("step", step), logging.Error(err))
		}
	}()

	queries := batch.Queries
	if len(queries) != t.cfg.BatchSize {
		return nil, errors.Newf(errors.ErrBatchSize,
			"batch size (%d) does not match number of examples (%d)", t.cfg.BatchSize, len(queries))
	}
	stats = &IterationStats{Step: step, Durations: make(map[string]time.Duration)}

	// STATE 0
	var responses [][]int
	err = t.state(ctx, StateRollout, stats, func(ctx context.Context) error {
		longest := 0
		for _, q := range queries {
			if len(q) > longest {
				longest = len(q)
			}
		}
		p := rollout.ParamsFromConfig(t.cfg.Generation, t.cfg.GenSize, longest)
		var err error
		responses, err = t.generator.Generate(ctx, queries, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(responses) != len(queries) {
		return nil, errors.Newf(errors.ErrLengthMismatch, "%d responses for %d queries", len(responses), len(queries))
	}

	// STATE 1
	var scores []float64
	err = t.state(ctx, StateScore, stats, func(ctx context.Context) error {
		texts, err := t.texts(queries, responses)
		if err != nil {
			return err
		}
		scores, err = reward.ScoreTexts(ctx, t.scorer, t.extractor, texts)
		return err
	})
	if err != nil {
		return nil, err
	}

	// STATE 2
	var ev *evaluation
	err = t.state(ctx, StateEvaluate, stats, func(ctx context.Context) error {
		var err error
		ev, err = evaluate(ctx, t.policy, t.ref, queries, responses, t.cfg.ForwardBatchSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	// STATE 3
	trajectories := make([]*Trajectory, len(queries))
	err = t.state(ctx, StateAdvantage, stats, func(context.Context) error {
		for i := range queries {
			tr := &Trajectory{
				Query:       queries[i],
				Response:    responses[i],
				Score:       scores[i],
				Logprobs:    ev.logprobs[i],
				RefLogprobs: ev.refLogprobs[i],
				Values:      ev.values[i],
			}
			if err := tr.ComputeAdvantages(t.kl.Value(), t.cfg.Gamma, t.cfg.Lam); err != nil {
				return errors.Wrapf(err, errors.ErrShape, "trajectory %d", i)
			}
			trajectories[i] = tr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// STATE 4
	restore := t.checkpoint()
	err = t.state(ctx, StateOptimize, stats, func(ctx context.Context) error {
		return t.optimize(ctx, trajectories, stats)
	})
	if err != nil {
		restore()
		t.logger.Warn("rolled back optimizer steps", logging.Int("step", step), logging.Int("steps", stats.OptimizerSteps))
		return nil, err
	}
	if t.metrics != nil {
		t.metrics.RecordOptimizerSteps(stats.OptimizerSteps)
	}

	t.summarize(stats, trajectories, ev)
	trace.SetSpanAttributes(ctx,
		trace.Float64Attr("ppo.mean_score", stats.MeanScore),
		trace.Float64Attr("ppo.kl", stats.MeanKL))
	t.kl.Update(stats.MeanKL, t.cfg.BatchSize)
	t.acc.Log(step, stats.Scalars())
	t.iteration++
	return stats, nil
}

// checkpoint captures the policy weights and, when supported, the optimizer
// state. The returned func restores both and clears gradients.
func (t *Trainer) checkpoint() func() {
	params := t.policy.Parameters()
	restoreParams := models.SnapshotParameters(params)
	restoreOpt := func() {}
	if c, ok := t.opt.(models.Checkpointer); ok {
		restoreOpt = c.Checkpoint()
	}
	return func() {
		restoreParams()
		restoreOpt()
		for _, p := range params {
			p.ZeroGrad()
		}
	}
}

// state runs fn inside a span and records its duration
func (t *Trainer) state(ctx context.Context, name string, stats *IterationStats, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "ppo."+name)
	defer span.End()

	err := fn(ctx)
	d := time.Since(start)
	stats.Durations[name] = d
	if t.metrics != nil {
		t.metrics.RecordState(name, d)
	}
	if err != nil {
		trace.RecordSpanError(ctx, err)
	}
	return err
}

// texts decodes query+response for the scorer
func (t *Trainer) texts(queries, responses [][]int) ([]string, error) {
	texts := make([]string, len(queries))
	for i := range queries {
		q, err := t.tok.Decode(queries[i])
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrTokenizer, "decode query %d", i)
		}
		r, err := t.tok.Decode(responses[i])
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrTokenizer, "decode response %d", i)
		}
		var sb strings.Builder
		sb.WriteString(q)
		sb.WriteString(r)
		texts[i] = sb.String()
	}
	return texts, nil
}

// optimize makes ppo_epochs shuffled passes, one optimizer step per
// trajectory
func (t *Trainer) optimize(ctx context.Context, trajectories []*Trajectory, stats *IterationStats) error {
	idxs := make([]int, len(trajectories))
	for i := range idxs {
		idxs[i] = i
	}
	var sum LossStats
	for epoch := 0; epoch < t.cfg.PPOEpochs; epoch++ {
		t.rng.Shuffle(len(idxs), func(i, j int) { idxs[i], idxs[j] = idxs[j], idxs[i] })
		for _, idx := range idxs {
			ls, err := t.trainSample(ctx, trajectories[idx])
			if err != nil {
				return errors.Wrapf(err, errors.ErrModelBackward, "ppo epoch %d, trajectory %d", epoch, idx)
			}
			stats.OptimizerSteps++
			sum.PolicyLoss += ls.PolicyLoss
			sum.ValueLoss += ls.ValueLoss
			sum.PolicyClipfrac += ls.PolicyClipfrac
			sum.ValueClipfrac += ls.ValueClipfrac
		}
	}
	if n := float64(stats.OptimizerSteps); n > 0 {
		stats.PolicyLoss = sum.PolicyLoss / n
		stats.ValueLoss = sum.ValueLoss / n
		stats.PolicyClipfrac = sum.PolicyClipfrac / n
		stats.ValueClipfrac = sum.ValueClipfrac / n
	}
	return nil
}

// trainSample recomputes one trajectory with gradients, backpropagates the
// clipped loss and steps the optimizer
func (t *Trainer) trainSample(ctx context.Context, tr *Trajectory) (LossStats, error) {
	out, err := t.policy.Forward(ctx, [][]int{concat(tr.Query, tr.Response)})
	if err != nil {
		return LossStats{}, err
	}
	s, err := responseSpan(out, 0, len(tr.Query), tr.Response)
	if err != nil {
		return LossStats{}, err
	}
	ls, g, err := Loss(t.lossCfg, s.logprobs, s.values, tr)
	if err != nil {
		return ls, err
	}

	V, n, T := out.Vocab(), out.Lengths[0], len(tr.Response)
	dLogits := make([]float32, n*V)
	if err := mathx.LogprobsFromLogitsGrad(dLogits[s.start*V:(s.start+T)*V], s.logits, V, tr.Response, g.Logprobs); err != nil {
		return ls, err
	}
	dValues := make([]float32, n)
	copy(dValues[s.start:], g.Values)

	grads := models.OutputGrads{Logits: [][]float32{dLogits}, Values: [][]float32{dValues}}
	if err := t.acc.Backward(ctx, t.policy, out, grads); err != nil {
		return ls, err
	}
	t.acc.WaitForEveryone()
	if err := t.opt.Step(); err != nil {
		return ls, err
	}
	t.opt.ZeroGrad()
	return ls, nil
}

func (t *Trainer) summarize(stats *IterationStats, trajectories []*Trajectory, ev *evaluation) {
	n := float64(len(trajectories))
	for _, tr := range trajectories {
		stats.MeanScore += tr.Score
		stats.MeanKL += tr.SequenceKL()
		var nonScore float64
		for _, r := range tr.NonScoreRewards {
			nonScore += float64(r)
		}
		stats.MeanNonScoreReward += nonScore
		stats.MeanResponseLength += float64(len(tr.Response))
	}
	stats.MeanScore /= n
	stats.MeanKL /= n
	stats.MeanNonScoreReward /= n
	stats.MeanResponseLength /= n
	stats.Entropy = ev.entropy

	if t.acc.IsMainProcess() {
		t.logger.Info("ppo iteration",
			logging.Int("step", stats.Step),
			logging.Float64("mean_score", stats.MeanScore),
			logging.Float64("kl", stats.MeanKL),
			logging.Float64("policy_loss", stats.PolicyLoss),
			logging.Float64("value_loss", stats.ValueLoss),
			logging.Int("optimizer_steps", stats.OptimizerSteps))
	}
}

// Iteration returns the number of completed iterations
func (t *Trainer) Iteration() int { return t.iteration }

// Policy returns the unwrapped policy model
func (t *Trainer) Policy() models.TrainableModel { return t.acc.UnwrapModel(t.policy) }
