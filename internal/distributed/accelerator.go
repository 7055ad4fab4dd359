// Package distributed provides the runtime the trainer uses to prepare its
// model, synchronize workers before optimizer steps and log step-indexed
// scalars. The Local accelerator runs every rank in one process.
package distributed

import (
	"context"
	"os"
	"sort"
	"strconv"

	"github.com/zswitten/trlx/internal/data"
	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/internal/tensor"
)

// Accelerator is the multi-worker runtime contract
type Accelerator interface {
	// Prepare wraps the model, optimizer and loader for this worker
	Prepare(model models.TrainableModel, opt models.Optimizer, loader *data.Loader) (models.TrainableModel, models.Optimizer, *data.Loader)

	// Backward accumulates gradients of a loss expressed as output gradients
	Backward(ctx context.Context, model models.TrainableModel, out *models.Output, grads models.OutputGrads) error

	// WaitForEveryone blocks until every worker reaches the same point
	WaitForEveryone()

	// UnwrapModel returns the model passed to Prepare
	UnwrapModel(model models.TrainableModel) models.TrainableModel

	IsMainProcess() bool
	IsLocalMainProcess() bool
	Device() tensor.Device

	// Log records step-indexed scalars. Only the main process writes.
	Log(step int, scalars map[string]float64)
}

// Local is an in-process Accelerator
type Local struct {
	rank      int
	localRank int
	worldSize int
	device    tensor.Device

	barrier *Barrier
	metrics *metrics.MetricsCollector
	logger  logging.Logger
}

// Option configures a Local accelerator
type Option func(*Local)

// WithRank overrides the rank settings read from the environment
func WithRank(rank, localRank, worldSize int) Option {
	return func(l *Local) {
		l.rank = rank
		l.localRank = localRank
		l.worldSize = worldSize
	}
}

// WithDevice sets the device models run on
func WithDevice(d tensor.Device) Option {
	return func(l *Local) { l.device = d }
}

// WithBarrier shares a barrier between in-process ranks. Without it the
// barrier has a single party, since no other process can reach it.
func WithBarrier(b *Barrier) Option {
	return func(l *Local) { l.barrier = b }
}

// WithMetrics sets the scalar sink
func WithMetrics(m *metrics.MetricsCollector) Option {
	return func(l *Local) { l.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(l *Local) { l.logger = logger }
}

// NewLocal creates a Local accelerator. Rank, local rank and world size
// default to the RANK, LOCAL_RANK and WORLD_SIZE environment variables.
func NewLocal(opts ...Option) *Local {
	l := &Local{
		rank:      getenvInt("RANK", 0),
		localRank: getenvInt("LOCAL_RANK", 0),
		worldSize: getenvInt("WORLD_SIZE", 1),
		device:    tensor.CPU,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.worldSize < 1 {
		l.worldSize = 1
	}
	if l.barrier == nil {
		l.barrier = NewBarrier(1)
	}
	l.logger = l.logger.With(logging.Int("rank", l.rank))
	return l
}

// preparedModel marks a model that went through Prepare
type preparedModel struct {
	models.TrainableModel
}

func (l *Local) Prepare(model models.TrainableModel, opt models.Optimizer, loader *data.Loader) (models.TrainableModel, models.Optimizer, *data.Loader) {
	if _, ok := model.(*preparedModel); !ok {
		model = &preparedModel{TrainableModel: model}
	}
	l.logger.Debug("prepared training objects",
		logging.Int("world_size", l.worldSize),
		logging.String("device", l.device.String()))
	return model, opt, loader
}

func (l *Local) Backward(ctx context.Context, model models.TrainableModel, out *models.Output, grads models.OutputGrads) error {
	return model.Backward(ctx, out, grads)
}

func (l *Local) WaitForEveryone() { l.barrier.Wait() }

func (l *Local) UnwrapModel(model models.TrainableModel) models.TrainableModel {
	if p, ok := model.(*preparedModel); ok {
		return p.TrainableModel
	}
	return model
}

func (l *Local) IsMainProcess() bool      { return l.rank == 0 }
func (l *Local) IsLocalMainProcess() bool { return l.localRank == 0 }
func (l *Local) Device() tensor.Device    { return l.device }

// Rank returns the global rank
func (l *Local) Rank() int { return l.rank }

// WorldSize returns the number of workers
func (l *Local) WorldSize() int { return l.worldSize }

func (l *Local) Log(step int, scalars map[string]float64) {
	if !l.IsMainProcess() {
		return
	}
	if l.metrics != nil {
		l.metrics.RecordScalars(step, scalars)
	}
	names := make([]string, 0, len(scalars))
	for name := range scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]logging.Field, 0, len(names)+1)
	fields = append(fields, logging.Int("step", step))
	for _, name := range names {
		fields = append(fields, logging.Float64(name, scalars[name]))
	}
	l.logger.Info("train step", fields...)
}

// MainProcessFromEnv reports whether this process is rank 0, treating an
// unset RANK as a single-process run
func MainProcessFromEnv() bool {
	rank := os.Getenv("RANK")
	return rank == "" || rank == "0"
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
