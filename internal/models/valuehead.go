package models

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/zswitten/trlx/internal/layers"
	"github.com/zswitten/trlx/internal/tensor"
	"github.com/zswitten/trlx/pkg/errors"
)

// Config sizes the value-head transformer
type Config struct {
	VocabSize        int
	HiddenSize       int
	IntermediateSize int
	NumLayers        int
	NumHeads         int
	NumKVHeads       int
	MaxPosition      int
	RMSNormEps       float32
	InitStd          float64
	Seed             int64
	// Device must be tensor.CPU; the layers only run on host memory
	Device tensor.Device
}

// ValueHeadLM is a pre-norm causal transformer with an LM head and a scalar
// value head on the final hidden state.
type ValueHeadLM struct {
	cfg       Config
	embed     *layers.Embedding
	blocks    []*block
	norm      *layers.RMSNorm
	lmHead    *layers.Linear
	valueHead *layers.Linear
}

// block is attention then MLP, each behind a residual connection
type block struct {
	inputNorm *layers.RMSNorm
	attn      *layers.Attention
	postNorm  *layers.RMSNorm
	mlp       *layers.MLP
}

type blockCache struct {
	x, n1, h1, n2 *tensor.Tensor
}

// rowCache holds one row's forward intermediates
type rowCache struct {
	ids    []int
	x0     *tensor.Tensor
	blocks []blockCache
	final  *tensor.Tensor // input to the final norm
	normed *tensor.Tensor // output of the final norm
}

// NewValueHeadLM builds a randomly initialized model
func NewValueHeadLM(cfg Config) (*ValueHeadLM, error) {
	if cfg.VocabSize <= 0 || cfg.HiddenSize <= 0 || cfg.NumLayers <= 0 || cfg.NumHeads <= 0 {
		return nil, errors.Newf(errors.ErrConfigInvalid, "invalid model config %+v", cfg)
	}
	if cfg.Device != tensor.CPU {
		return nil, errors.Newf(errors.ErrConfigInvalid, "device %s is not supported by the value-head model", cfg.Device)
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, errors.Newf(errors.ErrConfigInvalid, "hidden size %d not divisible by %d heads", cfg.HiddenSize, cfg.NumHeads)
	}
	headDim := cfg.HiddenSize / cfg.NumHeads

	m := &ValueHeadLM{cfg: cfg}
	var err error
	if m.embed, err = layers.NewEmbedding("model.embed_tokens", cfg.VocabSize, cfg.HiddenSize); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.NumLayers; i++ {
		prefix := fmt.Sprintf("model.layers.%d", i)
		b := &block{}
		if b.inputNorm, err = layers.NewRMSNorm(prefix+".input_layernorm", cfg.HiddenSize, cfg.RMSNormEps); err != nil {
			return nil, err
		}
		if b.attn, err = layers.NewAttention(prefix+".self_attn", cfg.HiddenSize, cfg.NumHeads, cfg.NumKVHeads, headDim, cfg.MaxPosition); err != nil {
			return nil, err
		}
		if b.postNorm, err = layers.NewRMSNorm(prefix+".post_attention_layernorm", cfg.HiddenSize, cfg.RMSNormEps); err != nil {
			return nil, err
		}
		if b.mlp, err = layers.NewMLP(prefix+".mlp", cfg.HiddenSize, cfg.IntermediateSize, "silu"); err != nil {
			return nil, err
		}
		m.blocks = append(m.blocks, b)
	}
	if m.norm, err = layers.NewRMSNorm("model.norm", cfg.HiddenSize, cfg.RMSNormEps); err != nil {
		return nil, err
	}
	if m.lmHead, err = layers.NewLinear("lm_head", cfg.HiddenSize, cfg.VocabSize, false); err != nil {
		return nil, err
	}
	if m.valueHead, err = layers.NewLinear("v_head", cfg.HiddenSize, 1, true); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m.embed.Init(rng, cfg.InitStd)
	for _, b := range m.blocks {
		b.attn.Init(rng, cfg.InitStd)
		b.mlp.Init(rng, cfg.InitStd)
	}
	m.lmHead.Init(rng, cfg.InitStd)
	m.valueHead.Init(rng, cfg.InitStd)
	return m, nil
}

// VocabSize returns V
func (m *ValueHeadLM) VocabSize() int { return m.cfg.VocabSize }

// Config returns the model dimensions
func (m *ValueHeadLM) Config() Config { return m.cfg }

// Parameters returns every trainable parameter in a stable order
func (m *ValueHeadLM) Parameters() []*layers.Param {
	ls := []layers.Layer{m.embed}
	for _, b := range m.blocks {
		ls = append(ls, b.inputNorm, b.attn, b.postNorm, b.mlp)
	}
	ls = append(ls, m.norm, m.lmHead, m.valueHead)
	return layers.CollectParams(ls...)
}

// Forward runs each row through the transformer
func (m *ValueHeadLM) Forward(ctx context.Context, ids [][]int) (*Output, error) {
	if len(ids) == 0 {
		return nil, errors.New(errors.ErrShape, "empty batch")
	}
	maxLen := 0
	lengths := make([]int, len(ids))
	for b, row := range ids {
		if len(row) == 0 {
			return nil, errors.Newf(errors.ErrShape, "row %d is empty", b)
		}
		lengths[b] = len(row)
		if len(row) > maxLen {
			maxLen = len(row)
		}
	}

	V := m.cfg.VocabSize
	logits, err := tensor.Zeros(tensor.CPU, len(ids), maxLen, V)
	if err != nil {
		return nil, err
	}
	values, err := tensor.Zeros(tensor.CPU, len(ids), maxLen)
	if err != nil {
		return nil, err
	}

	out := &Output{Logits: logits, Values: values, Lengths: lengths}
	track := GradEnabled(ctx)
	if track {
		out.graph = &graph{owner: m, rows: make([]any, len(ids))}
	}

	for b, row := range ids {
		cache, rowLogits, rowValues, err := m.forwardRow(row)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrModelForward, "row %d", b)
		}
		copy(out.LogitsRow(b), rowLogits.Float32s())
		copy(out.ValuesRow(b), rowValues.Float32s())
		if track {
			out.graph.rows[b] = cache
		}
	}
	return out, nil
}

func (m *ValueHeadLM) forwardRow(ids []int) (*rowCache, *tensor.Tensor, *tensor.Tensor, error) {
	x, err := m.embed.Forward(ids)
	if err != nil {
		return nil, nil, nil, err
	}
	cache := &rowCache{ids: ids, x0: x, blocks: make([]blockCache, len(m.blocks))}
	for i, b := range m.blocks {
		x, err = b.forward(x, &cache.blocks[i])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	cache.final = x
	if cache.normed, err = m.norm.Forward(x); err != nil {
		return nil, nil, nil, err
	}
	logits, err := m.lmHead.Forward(cache.normed)
	if err != nil {
		return nil, nil, nil, err
	}
	values, err := m.valueHead.Forward(cache.normed)
	if err != nil {
		return nil, nil, nil, err
	}
	return cache, logits, values, nil
}

func (b *block) forward(x *tensor.Tensor, c *blockCache) (*tensor.Tensor, error) {
	var err error
	c.x = x
	if c.n1, err = b.inputNorm.Forward(x); err != nil {
		return nil, err
	}
	attn, err := b.attn.Forward(c.n1)
	if err != nil {
		return nil, err
	}
	if c.h1, err = x.Add(attn); err != nil {
		return nil, err
	}
	if c.n2, err = b.postNorm.Forward(c.h1); err != nil {
		return nil, err
	}
	mlp, err := b.mlp.Forward(c.n2)
	if err != nil {
		return nil, err
	}
	return c.h1.Add(mlp)
}

// backward returns dx given d(out)
func (b *block) backward(c *blockCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	dn2, err := b.mlp.Backward(c.n2, dy)
	if err != nil {
		return nil, err
	}
	dh1, err := b.postNorm.Backward(c.h1, dn2)
	if err != nil {
		return nil, err
	}
	addInto(dh1, dy)

	dn1, err := b.attn.Backward(c.n1, dh1)
	if err != nil {
		return nil, err
	}
	dx, err := b.inputNorm.Backward(c.x, dn1)
	if err != nil {
		return nil, err
	}
	addInto(dx, dh1)
	return dx, nil
}

// Backward accumulates parameter gradients for grads against out
func (m *ValueHeadLM) Backward(ctx context.Context, out *Output, grads OutputGrads) error {
	if err := checkGraph(out, m); err != nil {
		return err
	}
	if err := checkGrads(out, grads); err != nil {
		return err
	}
	for b, n := range out.Lengths {
		var dLogits, dValues []float32
		if grads.Logits != nil {
			dLogits = grads.Logits[b]
		}
		if grads.Values != nil {
			dValues = grads.Values[b]
		}
		if dLogits == nil && dValues == nil {
			continue
		}
		cache, ok := out.graph.rows[b].(*rowCache)
		if !ok {
			return errors.ErrNoGraph
		}
		if err := m.backwardRow(cache, n, dLogits, dValues); err != nil {
			return errors.Wrapf(err, errors.ErrModelBackward, "row %d", b)
		}
	}
	return nil
}

func (m *ValueHeadLM) backwardRow(c *rowCache, n int, dLogits, dValues []float32) error {
	dNormed, err := tensor.Zeros(tensor.CPU, n, m.cfg.HiddenSize)
	if err != nil {
		return err
	}
	if dLogits != nil {
		g, err := tensor.FromFloat32(tensor.CPU, dLogits, n, m.cfg.VocabSize)
		if err != nil {
			return err
		}
		d, err := m.lmHead.Backward(c.normed, g)
		if err != nil {
			return err
		}
		addInto(dNormed, d)
	}
	if dValues != nil {
		g, err := tensor.FromFloat32(tensor.CPU, dValues, n, 1)
		if err != nil {
			return err
		}
		d, err := m.valueHead.Backward(c.normed, g)
		if err != nil {
			return err
		}
		addInto(dNormed, d)
	}

	dx, err := m.norm.Backward(c.final, dNormed)
	if err != nil {
		return err
	}
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if dx, err = m.blocks[i].backward(&c.blocks[i], dx); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return m.embed.Backward(c.ids, dx)
}

// ZeroGrad clears every parameter gradient
func (m *ValueHeadLM) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

func addInto(dst, src *tensor.Tensor) {
	d := dst.Float32s()
	for i, v := range src.Float32s() {
		d[i] += v
	}
}
