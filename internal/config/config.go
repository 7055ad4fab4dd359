// Package config holds the immutable training configuration. A Config is
// built once, either from options or from a YAML file, validated at
// construction and then passed by value to every component.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/trace"
	"github.com/zswitten/trlx/pkg/errors"
)

// EnvPrefix is the environment prefix for overrides, e.g. TRLX_BATCH_SIZE.
const EnvPrefix = "TRLX"

// Config holds the PPO hyperparameters and the collaborator settings
type Config struct {
	Steps            int     `mapstructure:"steps" yaml:"steps" validate:"gt=0"`
	BatchSize        int     `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	ForwardBatchSize int     `mapstructure:"forward_batch_size" yaml:"forward_batch_size" validate:"gt=0"`
	PPOEpochs        int     `mapstructure:"ppo_epochs" yaml:"ppo_epochs" validate:"gt=0"`
	InputSize        int     `mapstructure:"input_size" yaml:"input_size" validate:"gt=0"`
	GenSize          int     `mapstructure:"gen_size" yaml:"gen_size" validate:"gt=0"`
	LR               float64 `mapstructure:"lr" yaml:"lr" validate:"gt=0"`
	InitKLCoef       float64 `mapstructure:"init_kl_coef" yaml:"init_kl_coef" validate:"gte=0"`
	// Target and Horizon parameterize an adaptive KL controller. They are
	// validated but the coefficient stays at InitKLCoef.
	Target         float64 `mapstructure:"target" yaml:"target" validate:"gte=0"`
	Horizon        int     `mapstructure:"horizon" yaml:"horizon" validate:"gt=0"`
	Gamma          float64 `mapstructure:"gamma" yaml:"gamma" validate:"gte=0,lte=1"`
	Lam            float64 `mapstructure:"lam" yaml:"lam" validate:"gte=0,lte=1"`
	Cliprange      float64 `mapstructure:"cliprange" yaml:"cliprange" validate:"gt=0"`
	CliprangeValue float64 `mapstructure:"cliprange_value" yaml:"cliprange_value" validate:"gt=0"`
	VFCoef         float64 `mapstructure:"vf_coef" yaml:"vf_coef" validate:"gte=0"`

	Seed   int64  `mapstructure:"seed" yaml:"seed"`
	Device string `mapstructure:"device" yaml:"device" validate:"omitempty,oneof=cpu gpu cuda"`

	Generation GenerationConfig   `mapstructure:"gen_kwargs" yaml:"gen_kwargs"`
	Sentiment  SentimentConfig    `mapstructure:"sent_kwargs" yaml:"sent_kwargs"`
	Model      ModelConfig        `mapstructure:"model" yaml:"model"`
	Data       DataConfig         `mapstructure:"data" yaml:"data"`
	Logging    logging.LogConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Tracing    trace.TracerConfig `mapstructure:"tracing" yaml:"tracing"`
}

// GenerationConfig mirrors the generate kwargs. MaxLength and MinLength are
// total lengths, query included.
type GenerationConfig struct {
	MaxLength   int     `mapstructure:"max_length" yaml:"max_length" validate:"gt=0"`
	MinLength   int     `mapstructure:"min_length" yaml:"min_length" validate:"gte=0,ltefield=MaxLength"`
	TopK        int     `mapstructure:"top_k" yaml:"top_k" validate:"gte=0"`
	TopP        float64 `mapstructure:"top_p" yaml:"top_p" validate:"gt=0,lte=1"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature" validate:"gt=0"`
	DoSample    bool    `mapstructure:"do_sample" yaml:"do_sample"`
	// RepetitionPenalty of 1 leaves logits of seen tokens unchanged.
	RepetitionPenalty float64 `mapstructure:"repetition_penalty" yaml:"repetition_penalty" validate:"gt=0"`
	PresencePenalty   float64 `mapstructure:"presence_penalty" yaml:"presence_penalty"`
	FrequencyPenalty  float64 `mapstructure:"frequency_penalty" yaml:"frequency_penalty"`
	// PadTokenID of -1 means the tokenizer's EOS id.
	PadTokenID int `mapstructure:"pad_token_id" yaml:"pad_token_id" validate:"gte=-1"`
}

// SentimentConfig configures the reward scorer
type SentimentConfig struct {
	// Provider selects the scorer: lexicon (in-process) or http.
	Provider string `mapstructure:"provider" yaml:"provider" validate:"oneof=lexicon http"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Provider http"`
	// ClassIndex selects which class score becomes the scalar reward.
	ClassIndex      int           `mapstructure:"class_index" yaml:"class_index" validate:"gte=0"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`
	ReturnAllScores bool          `mapstructure:"return_all_scores" yaml:"return_all_scores"`
	FunctionToApply string        `mapstructure:"function_to_apply" yaml:"function_to_apply" validate:"oneof=none softmax sigmoid"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ModelConfig describes the reference value-head model
type ModelConfig struct {
	// Checkpoint is a safetensors file to load weights from; empty means random init.
	Checkpoint string `mapstructure:"checkpoint" yaml:"checkpoint"`
	// Tokenizer is "char" or a path to a tokenizer.json.
	Tokenizer string `mapstructure:"tokenizer" yaml:"tokenizer" validate:"required"`
	// Alphabet seeds the char tokenizer.
	Alphabet         string  `mapstructure:"alphabet" yaml:"alphabet"`
	HiddenSize       int     `mapstructure:"hidden_size" yaml:"hidden_size" validate:"gt=0"`
	IntermediateSize int     `mapstructure:"intermediate_size" yaml:"intermediate_size" validate:"gt=0"`
	NumLayers        int     `mapstructure:"num_layers" yaml:"num_layers" validate:"gt=0"`
	NumHeads         int     `mapstructure:"num_heads" yaml:"num_heads" validate:"gt=0"`
	NumKVHeads       int     `mapstructure:"num_kv_heads" yaml:"num_kv_heads" validate:"gt=0,ltefield=NumHeads"`
	MaxPosition      int     `mapstructure:"max_position" yaml:"max_position" validate:"gt=0"`
	RMSNormEps       float64 `mapstructure:"rms_norm_eps" yaml:"rms_norm_eps" validate:"gt=0"`
	InitStd          float64 `mapstructure:"init_std" yaml:"init_std" validate:"gt=0"`
	// TrainableLayers limits optimization to the last N transformer blocks
	// plus embeddings and heads; 0 trains every block.
	TrainableLayers int `mapstructure:"trainable_layers" yaml:"trainable_layers" validate:"gte=0,ltefield=NumLayers"`
}

// DataConfig describes the prompt dataset
type DataConfig struct {
	Prompts string `mapstructure:"prompts" yaml:"prompts"`
	// Field is the JSON key holding the prompt text.
	Field string `mapstructure:"field" yaml:"field"`
	// MinChars drops prompts shorter than this many characters.
	MinChars int  `mapstructure:"min_chars" yaml:"min_chars" validate:"gte=0"`
	Shuffle  bool `mapstructure:"shuffle" yaml:"shuffle"`
}

// MetricsConfig configures Prometheus exposition
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr" validate:"required_if=Enabled true"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// requiredKeys must be present in a loaded file or the environment.
var requiredKeys = []string{
	"steps", "batch_size", "forward_batch_size", "ppo_epochs", "input_size",
	"gen_size", "lr", "init_kl_coef", "target", "horizon", "gamma", "lam",
	"cliprange", "cliprange_value", "vf_coef",
}

// DefaultConfig returns the hyperparameters of the reference IMDB sentiment run
func DefaultConfig() Config {
	return Config{
		Steps:            20000,
		BatchSize:        8,
		ForwardBatchSize: 8,
		PPOEpochs:        4,
		InputSize:        12,
		GenSize:          24,
		LR:               5e-6,
		InitKLCoef:       0.2,
		Target:           6,
		Horizon:          10000,
		Gamma:            1,
		Lam:              0.95,
		Cliprange:        0.2,
		CliprangeValue:   0.2,
		VFCoef:           0.2,
		Seed:             0,
		Device:           "cpu",
		Generation: GenerationConfig{
			MaxLength:   64,
			MinLength:   20,
			TopK:        0,
			TopP:        1.0,
			Temperature: 1.0,
			DoSample:    true,
			PadTokenID:  -1,

			RepetitionPenalty: 1,
		},
		Sentiment: SentimentConfig{
			Provider:        "lexicon",
			ClassIndex:      1,
			BatchSize:       0,
			ReturnAllScores: true,
			FunctionToApply: "none",
			Timeout:         30 * time.Second,
		},
		Model: ModelConfig{
			Tokenizer:        "char",
			Alphabet:         DefaultAlphabet,
			HiddenSize:       32,
			IntermediateSize: 64,
			NumLayers:        1,
			NumHeads:         4,
			NumKVHeads:       2,
			MaxPosition:      256,
			RMSNormEps:       1e-6,
			InitStd:          0.02,
		},
		Data: DataConfig{
			Field:    "review",
			MinChars: 200,
		},
		Logging: logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Namespace: "trlx",
		},
		Tracing: trace.TracerConfig{
			ServiceName:  "trlx",
			Provider:     "none",
			SamplingRate: 1.0,
		},
	}
}

// DefaultAlphabet covers lower-case English text for the char tokenizer
const DefaultAlphabet = " abcdefghijklmnopqrstuvwxyz0123456789.,!?'\"-:;()\n"

// Option is a function that modifies the config
type Option func(*Config)

// New builds a validated Config from the defaults and the given options
func New(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads a YAML file, applies TRLX_ environment overrides and options,
// and validates the result. PPO hyperparameters have no file defaults: each
// of them must be set in the file or the environment.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setAmbientDefaults(v)
	for _, key := range requiredKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, errors.Wrap(err, errors.ErrConfigLoad, "failed to bind environment")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(err, errors.ErrConfigLoad, "failed to read config file %s", path)
	}

	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, errors.New(errors.ErrConfigInvalid,
			fmt.Sprintf("missing required keys: %s", strings.Join(missing, ", "))).
			WithDetails("missing", missing)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrConfigLoad, "failed to unmarshal config")
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setAmbientDefaults registers defaults for every non-PPO section
func setAmbientDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("seed", def.Seed)
	v.SetDefault("device", def.Device)

	v.SetDefault("gen_kwargs.max_length", def.Generation.MaxLength)
	v.SetDefault("gen_kwargs.min_length", def.Generation.MinLength)
	v.SetDefault("gen_kwargs.top_k", def.Generation.TopK)
	v.SetDefault("gen_kwargs.top_p", def.Generation.TopP)
	v.SetDefault("gen_kwargs.temperature", def.Generation.Temperature)
	v.SetDefault("gen_kwargs.do_sample", def.Generation.DoSample)
	v.SetDefault("gen_kwargs.repetition_penalty", def.Generation.RepetitionPenalty)
	v.SetDefault("gen_kwargs.presence_penalty", def.Generation.PresencePenalty)
	v.SetDefault("gen_kwargs.frequency_penalty", def.Generation.FrequencyPenalty)
	v.SetDefault("gen_kwargs.pad_token_id", def.Generation.PadTokenID)

	v.SetDefault("sent_kwargs.provider", def.Sentiment.Provider)
	v.SetDefault("sent_kwargs.class_index", def.Sentiment.ClassIndex)
	v.SetDefault("sent_kwargs.return_all_scores", def.Sentiment.ReturnAllScores)
	v.SetDefault("sent_kwargs.function_to_apply", def.Sentiment.FunctionToApply)
	v.SetDefault("sent_kwargs.timeout", def.Sentiment.Timeout)

	v.SetDefault("model.tokenizer", def.Model.Tokenizer)
	v.SetDefault("model.alphabet", def.Model.Alphabet)
	v.SetDefault("model.hidden_size", def.Model.HiddenSize)
	v.SetDefault("model.intermediate_size", def.Model.IntermediateSize)
	v.SetDefault("model.num_layers", def.Model.NumLayers)
	v.SetDefault("model.num_heads", def.Model.NumHeads)
	v.SetDefault("model.num_kv_heads", def.Model.NumKVHeads)
	v.SetDefault("model.max_position", def.Model.MaxPosition)
	v.SetDefault("model.rms_norm_eps", def.Model.RMSNormEps)
	v.SetDefault("model.init_std", def.Model.InitStd)
	v.SetDefault("model.trainable_layers", def.Model.TrainableLayers)

	v.SetDefault("data.field", def.Data.Field)
	v.SetDefault("data.min_chars", def.Data.MinChars)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)

	v.SetDefault("metrics.addr", def.Metrics.Addr)
	v.SetDefault("metrics.namespace", def.Metrics.Namespace)

	v.SetDefault("tracing.service_name", def.Tracing.ServiceName)
	v.SetDefault("tracing.provider", def.Tracing.Provider)
	v.SetDefault("tracing.sampling_rate", def.Tracing.SamplingRate)
}

// normalize fills values derived from other keys
func (c *Config) normalize() {
	// the scorer runs with the forward batch size unless told otherwise
	if c.Sentiment.BatchSize == 0 {
		c.Sentiment.BatchSize = c.ForwardBatchSize
	}
}

// Validate checks field constraints and cross-field invariants
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return errors.Wrap(err, errors.ErrConfigInvalid, formatValidationError(err))
	}
	if c.BatchSize%c.ForwardBatchSize != 0 {
		return errors.Newf(errors.ErrConfigInvalid,
			"batch_size (%d) must be a multiple of forward_batch_size (%d)", c.BatchSize, c.ForwardBatchSize)
	}
	if c.Model.HiddenSize%c.Model.NumHeads != 0 || c.Model.NumHeads%c.Model.NumKVHeads != 0 {
		return errors.Newf(errors.ErrConfigInvalid,
			"model.hidden_size (%d), num_heads (%d) and num_kv_heads (%d) must divide evenly",
			c.Model.HiddenSize, c.Model.NumHeads, c.Model.NumKVHeads)
	}
	if c.Tracing.Provider != "" && c.Tracing.Provider != "none" && c.Tracing.Endpoint == "" {
		return errors.Newf(errors.ErrConfigInvalid, "tracing provider %q needs an endpoint", c.Tracing.Provider)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return errors.New(errors.ErrConfigInvalid, "logging output file needs file_path")
	}
	return nil
}

func formatValidationError(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// TotalPPOEpochs is the number of outer iterations, ceil(steps / batch_size)
func (c Config) TotalPPOEpochs() int {
	return int(math.Ceil(float64(c.Steps) / float64(c.BatchSize)))
}

// KLCoef returns the static KL penalty coefficient
func (c Config) KLCoef() float64 {
	return c.InitKLCoef
}

// Save writes the effective configuration as YAML
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigLoad, "failed to marshal config")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrConfigLoad, "failed to create config directory")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, errors.ErrConfigLoad, "failed to write %s", path)
	}
	return nil
}

// WithSteps sets the total number of training samples
func WithSteps(v int) Option {
	return func(c *Config) { c.Steps = v }
}

// WithBatchSize sets the number of trajectories per outer iteration
func WithBatchSize(v int) Option {
	return func(c *Config) { c.BatchSize = v }
}

// WithForwardBatchSize sets the evaluation sub-batch size
func WithForwardBatchSize(v int) Option {
	return func(c *Config) { c.ForwardBatchSize = v }
}

// WithPPOEpochs sets the number of inner optimization passes
func WithPPOEpochs(v int) Option {
	return func(c *Config) { c.PPOEpochs = v }
}

// WithInputSize sets the padded query length
func WithInputSize(v int) Option {
	return func(c *Config) { c.InputSize = v }
}

// WithGenSize sets the response length cap
func WithGenSize(v int) Option {
	return func(c *Config) { c.GenSize = v }
}

// WithLR sets the optimizer learning rate
func WithLR(v float64) Option {
	return func(c *Config) { c.LR = v }
}

// WithInitKLCoef sets the KL penalty coefficient
func WithInitKLCoef(v float64) Option {
	return func(c *Config) { c.InitKLCoef = v }
}

// WithGAE sets the discount and GAE lambda
func WithGAE(gamma, lam float64) Option {
	return func(c *Config) {
		c.Gamma = gamma
		c.Lam = lam
	}
}

// WithClipRanges sets the policy ratio and value clip ranges
func WithClipRanges(cliprange, cliprangeValue float64) Option {
	return func(c *Config) {
		c.Cliprange = cliprange
		c.CliprangeValue = cliprangeValue
	}
}

// WithVFCoef sets the value loss weight
func WithVFCoef(v float64) Option {
	return func(c *Config) { c.VFCoef = v }
}

// WithSeed sets the seed for sampling, shuffling and initialization
func WithSeed(v int64) Option {
	return func(c *Config) { c.Seed = v }
}

// WithGeneration replaces the generation settings
func WithGeneration(g GenerationConfig) Option {
	return func(c *Config) { c.Generation = g }
}

// WithSentiment replaces the scorer settings
func WithSentiment(s SentimentConfig) Option {
	return func(c *Config) { c.Sentiment = s }
}

// WithModel replaces the model settings
func WithModel(m ModelConfig) Option {
	return func(c *Config) { c.Model = m }
}

// WithLogging replaces the logging settings
func WithLogging(l logging.LogConfig) Option {
	return func(c *Config) { c.Logging = l }
}

// WithData replaces the prompt dataset settings
func WithData(d DataConfig) Option {
	return func(c *Config) { c.Data = d }
}
