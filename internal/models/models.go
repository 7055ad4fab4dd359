// Package models defines the policy/reference model contract used by the
// trainer and the generator, and ships a small causal transformer with a
// scalar value head that satisfies it.
//
// A model maps a batch of token-id rows to per-position vocabulary logits
// and per-position value estimates. Gradients flow in through Backward as
// gradients with respect to those two outputs; the model turns them into
// parameter gradients. Outputs produced under NoGrad carry no graph and
// cannot be backpropagated.
package models

import (
	"context"

	"github.com/zswitten/trlx/internal/layers"
	"github.com/zswitten/trlx/internal/tensor"
	"github.com/zswitten/trlx/pkg/errors"
)

// LanguageModel is the forward-only contract shared by policy and reference
type LanguageModel interface {
	// Forward runs every row of ids. Rows may differ in length; shorter rows
	// are zero-padded on the right in the returned tensors.
	Forward(ctx context.Context, ids [][]int) (*Output, error)
	VocabSize() int
}

// TrainableModel is a LanguageModel that can accumulate gradients
type TrainableModel interface {
	LanguageModel
	// Backward accumulates parameter gradients for the given output
	// gradients. It fails with errors.ErrNoGraph for outputs produced under
	// NoGrad or by another model.
	Backward(ctx context.Context, out *Output, grads OutputGrads) error
	Parameters() []*layers.Param
}

// Output holds the forward results of one batch
type Output struct {
	Logits  *tensor.Tensor // [B, T, V]
	Values  *tensor.Tensor // [B, T]
	Lengths []int          // real length of each row

	graph *graph
}

// graph keeps what Backward needs to revisit a forward pass
type graph struct {
	owner any
	rows  []any
}

// HasGraph reports whether out can be backpropagated
func (o *Output) HasGraph() bool { return o != nil && o.graph != nil }

// Vocab returns V
func (o *Output) Vocab() int { return o.Logits.Shape()[2] }

// LogitsRow returns the [Lengths[b]*V] logits of row b
func (o *Output) LogitsRow(b int) []float32 {
	shape := o.Logits.Shape()
	T, V := shape[1], shape[2]
	return o.Logits.Float32s()[b*T*V : (b*T+o.Lengths[b])*V]
}

// ValuesRow returns the [Lengths[b]] values of row b
func (o *Output) ValuesRow(b int) []float32 {
	T := o.Values.Shape()[1]
	return o.Values.Float32s()[b*T : b*T+o.Lengths[b]]
}

// OutputGrads are gradients of the loss with respect to an Output, one
// entry per row. A nil entry means zero gradient.
type OutputGrads struct {
	Logits [][]float32 // row b: [Lengths[b]*V]
	Values [][]float32 // row b: [Lengths[b]]
}

type noGradKey struct{}

// NoGrad returns a context under which forward passes build no graph
func NoGrad(ctx context.Context) context.Context {
	return context.WithValue(ctx, noGradKey{}, true)
}

// GradEnabled reports whether forward passes under ctx record a graph
func GradEnabled(ctx context.Context) bool {
	off, _ := ctx.Value(noGradKey{}).(bool)
	return !off
}

// frozen wraps a model so it always runs without gradients. It deliberately
// exposes no Backward or Parameters.
type frozen struct {
	m LanguageModel
}

// Freeze returns a forward-only view of m whose outputs never carry a graph
func Freeze(m LanguageModel) LanguageModel {
	if f, ok := m.(*frozen); ok {
		return f
	}
	return &frozen{m: m}
}

func (f *frozen) Forward(ctx context.Context, ids [][]int) (*Output, error) {
	out, err := f.m.Forward(NoGrad(ctx), ids)
	if err != nil {
		return nil, err
	}
	out.graph = nil
	return out, nil
}

func (f *frozen) VocabSize() int { return f.m.VocabSize() }

// checkGraph validates that out was produced with gradients by owner
func checkGraph(out *Output, owner any) error {
	if !out.HasGraph() || out.graph.owner != owner {
		return errors.ErrNoGraph
	}
	return nil
}

func checkGrads(out *Output, grads OutputGrads) error {
	B := len(out.Lengths)
	if grads.Logits != nil && len(grads.Logits) != B {
		return errors.Newf(errors.ErrShape, "logits grads for %d rows, output has %d", len(grads.Logits), B)
	}
	if grads.Values != nil && len(grads.Values) != B {
		return errors.Newf(errors.ErrShape, "values grads for %d rows, output has %d", len(grads.Values), B)
	}
	V := out.Vocab()
	for b, n := range out.Lengths {
		if grads.Logits != nil && grads.Logits[b] != nil && len(grads.Logits[b]) != n*V {
			return errors.Newf(errors.ErrShape, "row %d logits grad has %d values, want %d", b, len(grads.Logits[b]), n*V)
		}
		if grads.Values != nil && grads.Values[b] != nil && len(grads.Values[b]) != n {
			return errors.Newf(errors.ErrShape, "row %d values grad has %d values, want %d", b, len(grads.Values[b]), n)
		}
	}
	return nil
}
