// Package metrics provides Prometheus collection for training runs.
// The collector doubles as the step-indexed scalar sink behind the
// accelerator's Log call.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scalar names logged by the PPO trainer. Keys outside this set land in the
// generic train_scalar gauge under a "name" label.
const (
	ScalarMeanScore      = "mean_score"
	ScalarKL             = "kl"
	ScalarNonScoreReward = "non_score_reward"
	ScalarPolicyLoss     = "policy_loss"
	ScalarValueLoss      = "value_loss"
	ScalarPolicyClipfrac = "policy_clipfrac"
	ScalarValueClipfrac  = "value_clipfrac"
	ScalarEntropy        = "entropy"
)

var scalarGauges = map[string]string{
	ScalarMeanScore:      "ppo_mean_score",
	ScalarKL:             "ppo_kl",
	ScalarNonScoreReward: "ppo_non_score_reward",
	ScalarPolicyLoss:     "ppo_policy_loss",
	ScalarValueLoss:      "ppo_value_loss",
	ScalarPolicyClipfrac: "ppo_policy_clipfrac",
	ScalarValueClipfrac:  "ppo_value_clipfrac",
	ScalarEntropy:        "ppo_entropy",
}

// MetricsCollector manages Prometheus metrics collection
type MetricsCollector struct {
	registry *prometheus.Registry

	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// last step seen by RecordScalars
	step int

	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Subsystem for metrics grouping
	Subsystem string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg CollectorConfig) *MetricsCollector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}

	collector := &MetricsCollector{
		registry:   registry,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	collector.registerCoreMetrics()

	return collector
}

func (c *MetricsCollector) registerCoreMetrics() {
	// PPO
	c.RegisterGauge("ppo_mean_score", "Mean reward-model score of the last batch", nil)
	c.RegisterGauge("ppo_kl", "Mean policy/reference KL of the last batch", nil)
	c.RegisterGauge("ppo_non_score_reward", "Mean KL penalty reward of the last batch", nil)
	c.RegisterGauge("ppo_policy_loss", "Mean clipped policy loss of the last iteration", nil)
	c.RegisterGauge("ppo_value_loss", "Mean clipped value loss of the last iteration", nil)
	c.RegisterGauge("ppo_policy_clipfrac", "Fraction of clipped policy ratios", nil)
	c.RegisterGauge("ppo_value_clipfrac", "Fraction of clipped value predictions", nil)
	c.RegisterGauge("ppo_entropy", "Mean policy entropy over response tokens", nil)
	c.RegisterGauge("ppo_step", "Index of the last logged training step", nil)
	c.RegisterCounter("ppo_optimizer_steps_total", "Total optimizer steps taken", nil)
	c.RegisterCounter("ppo_iterations_total", "Total outer iterations by outcome", []string{"status"})
	c.RegisterHistogram("ppo_state_duration_seconds", "Duration of each PPO iteration state", []string{"state"}, prometheus.DefBuckets)

	// Offline experience
	c.RegisterCounter("ilql_samples_total", "Total dialogues turned into offline experience", nil)
	c.RegisterHistogram("ilql_experience_duration_seconds", "Duration of one offline experience build", nil, prometheus.DefBuckets)

	c.RegisterGauge("train_scalar", "Other step-indexed training scalars", []string{"name"})
}

// RegisterCounter registers a new counter metric
func (c *MetricsCollector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	c.counters[name] = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// IncrementCounter increments a counter by 1
func (c *MetricsCollector) IncrementCounter(name string, labels prometheus.Labels) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *MetricsCollector) AddCounter(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	counter.With(labels).Add(value)
}

// RegisterGauge registers a new gauge metric
func (c *MetricsCollector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	c.gauges[name] = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// SetGauge sets a gauge value
func (c *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Set(value)
}

// RegisterHistogram registers a new histogram metric
func (c *MetricsCollector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	c.histograms[name] = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// ObserveHistogram records a value in a histogram
func (c *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	histogram.With(labels).Observe(value)
}

// ObserveDuration records the duration since start
func (c *MetricsCollector) ObserveDuration(name string, start time.Time, labels prometheus.Labels) {
	c.ObserveHistogram(name, time.Since(start).Seconds(), labels)
}

// Handler returns HTTP handler for metrics exposition
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry for gathering in tests and tools
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordScalars stores a step-indexed batch of scalars. Known PPO scalars
// update their dedicated gauge; anything else goes to train_scalar.
func (c *MetricsCollector) RecordScalars(step int, scalars map[string]float64) {
	c.mu.Lock()
	if step > c.step {
		c.step = step
	}
	c.mu.Unlock()
	c.SetGauge("ppo_step", float64(step), nil)

	names := make([]string, 0, len(scalars))
	for name := range scalars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := scalars[name]
		if gauge, ok := scalarGauges[name]; ok {
			c.SetGauge(gauge, value, nil)
			continue
		}
		c.SetGauge("train_scalar", value, prometheus.Labels{"name": name})
	}
}

// LastStep returns the largest step passed to RecordScalars
func (c *MetricsCollector) LastStep() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

// RecordOptimizerSteps counts optimizer steps taken in one iteration
func (c *MetricsCollector) RecordOptimizerSteps(n int) {
	c.AddCounter("ppo_optimizer_steps_total", float64(n), nil)
}

// RecordIteration counts a finished outer iteration
func (c *MetricsCollector) RecordIteration(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.IncrementCounter("ppo_iterations_total", prometheus.Labels{"status": status})
}

// RecordState observes the duration of one iteration state
func (c *MetricsCollector) RecordState(state string, d time.Duration) {
	c.ObserveHistogram("ppo_state_duration_seconds", d.Seconds(), prometheus.Labels{"state": state})
}

// RecordExperienceSamples counts dialogues processed by the offline builder
func (c *MetricsCollector) RecordExperienceSamples(n int) {
	c.AddCounter("ilql_samples_total", float64(n), nil)
}
