package models

import (
	"strconv"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/layers"
	"github.com/zswitten/trlx/internal/tensor"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/safetensors"
)

// SaveCheckpoint writes every parameter of m to a safetensors file
func SaveCheckpoint(path string, m *ValueHeadLM) error {
	params := m.Parameters()
	tensors := make([]safetensors.Tensor, len(params))
	for i, p := range params {
		tensors[i] = safetensors.Tensor{Name: p.Name, Shape: p.Value.Shape(), Data: p.Value.Float32s()}
	}
	cfg := m.Config()
	meta := map[string]string{
		"format":            "trlx",
		"vocab_size":        strconv.Itoa(cfg.VocabSize),
		"hidden_size":       strconv.Itoa(cfg.HiddenSize),
		"intermediate_size": strconv.Itoa(cfg.IntermediateSize),
		"num_layers":        strconv.Itoa(cfg.NumLayers),
		"num_heads":         strconv.Itoa(cfg.NumHeads),
		"num_kv_heads":      strconv.Itoa(cfg.NumKVHeads),
	}
	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		return errors.Wrapf(err, errors.ErrCheckpoint, "failed to save checkpoint %s", path)
	}
	return nil
}

// LoadCheckpoint copies the tensors in path into the parameters of m.
// Every parameter must be present with a matching element count.
func LoadCheckpoint(path string, m *ValueHeadLM) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCheckpoint, "failed to open checkpoint %s", path)
	}
	return loadParams(f, m.Parameters())
}

func loadParams(f *safetensors.File, params []*layers.Param) error {
	for _, p := range params {
		data, _, err := f.ReadFloat32(p.Name)
		if err != nil {
			return errors.Wrapf(err, errors.ErrCheckpoint, "failed to read %s", p.Name)
		}
		if err := p.Load(data); err != nil {
			return errors.Wrap(err, errors.ErrCheckpoint, "checkpoint does not match model")
		}
	}
	return nil
}

// ConfigFrom maps the model section of the training config onto Config
func ConfigFrom(mc config.ModelConfig, vocabSize int, seed int64) Config {
	return Config{
		VocabSize:        vocabSize,
		HiddenSize:       mc.HiddenSize,
		IntermediateSize: mc.IntermediateSize,
		NumLayers:        mc.NumLayers,
		NumHeads:         mc.NumHeads,
		NumKVHeads:       mc.NumKVHeads,
		MaxPosition:      mc.MaxPosition,
		RMSNormEps:       float32(mc.RMSNormEps),
		InitStd:          mc.InitStd,
		Seed:             seed,
	}
}

// NewOption adjusts the Config that New derives from the model section
type NewOption func(*Config)

// OnDevice places the model on dev
func OnDevice(dev tensor.Device) NewOption {
	return func(c *Config) { c.Device = dev }
}

// New builds the model described by mc, loading mc.Checkpoint when set
func New(mc config.ModelConfig, vocabSize int, seed int64, opts ...NewOption) (*ValueHeadLM, error) {
	cfg := ConfigFrom(mc, vocabSize, seed)
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := NewValueHeadLM(cfg)
	if err != nil {
		return nil, err
	}
	if mc.Checkpoint != "" {
		if err := LoadCheckpoint(mc.Checkpoint, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
