package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zswitten/trlx/internal/tensor"
)

func randTensor(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	out, err := tensor.Zeros(tensor.CPU, shape...)
	require.NoError(t, err)
	for i, buf := 0, out.Float32s(); i < len(buf); i++ {
		buf[i] = float32(rng.NormFloat64())
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// checkGrad perturbs every entry of x and compares the central difference of
// <upstream, f()> with the analytic gradient.
func checkGrad(t *testing.T, name string, x, analytic, upstream []float32, f func() []float32) {
	t.Helper()
	const h = 1e-2
	for i := range x {
		orig := x[i]
		x[i] = orig + h
		plus := dot(upstream, f())
		x[i] = orig - h
		minus := dot(upstream, f())
		x[i] = orig
		numeric := (plus - minus) / (2 * h)
		tol := 2e-2 * math.Max(1, math.Abs(numeric))
		assert.InDelta(t, numeric, analytic[i], tol, "%s[%d]", name, i)
	}
}

func mustForward(t *testing.T, fn func(*tensor.Tensor) (*tensor.Tensor, error), x *tensor.Tensor) func() []float32 {
	return func() []float32 {
		out, err := fn(x)
		require.NoError(t, err)
		return out.Float32s()
	}
}

func TestLinearBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l, err := NewLinear("proj", 4, 3, true)
	require.NoError(t, err)
	l.Init(rng, 0.5)
	copy(l.bias.Value.Float32s(), []float32{0.1, -0.2, 0.3})

	x := randTensor(t, rng, 5, 4)
	dy := randTensor(t, rng, 5, 3)
	dx, err := l.Backward(x, dy)
	require.NoError(t, err)

	f := mustForward(t, l.Forward, x)
	checkGrad(t, "x", x.Float32s(), dx.Float32s(), dy.Float32s(), f)
	checkGrad(t, "weight", l.weight.Value.Float32s(), l.weight.Grad.Float32s(), dy.Float32s(), f)
	checkGrad(t, "bias", l.bias.Value.Float32s(), l.bias.Grad.Float32s(), dy.Float32s(), f)
}

func TestLinearBackwardAccumulates(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l, err := NewLinear("proj", 3, 2, false)
	require.NoError(t, err)
	l.Init(rng, 0.5)
	x := randTensor(t, rng, 2, 3)
	dy := randTensor(t, rng, 2, 2)

	_, err = l.Backward(x, dy)
	require.NoError(t, err)
	once := append([]float32(nil), l.weight.Grad.Float32s()...)
	_, err = l.Backward(x, dy)
	require.NoError(t, err)
	for i, g := range l.weight.Grad.Float32s() {
		assert.InDelta(t, 2*once[i], g, 1e-5)
	}

	l.weight.ZeroGrad()
	for _, g := range l.weight.Grad.Float32s() {
		assert.Zero(t, g)
	}
}

func TestLinearShapeErrors(t *testing.T) {
	l, err := NewLinear("proj", 3, 2, false)
	require.NoError(t, err)
	x, err := tensor.Zeros(tensor.CPU, 2, 4)
	require.NoError(t, err)
	_, err = l.Forward(x)
	assert.Error(t, err)

	assert.Error(t, l.LoadWeights(make([]float32, 5), nil))
	assert.NoError(t, l.LoadWeights(make([]float32, 6), nil))
}

func TestEmbedding(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	e, err := NewEmbedding("embed", 5, 3)
	require.NoError(t, err)
	e.Init(rng, 1)

	ids := []int{4, 1, 4}
	out, err := e.Forward(ids)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, out.Shape())
	assert.Equal(t, e.weight.Value.Row(4), out.Row(0))
	assert.Equal(t, e.weight.Value.Row(1), out.Row(1))

	_, err = e.Forward([]int{5})
	assert.Error(t, err)

	dy, err := tensor.FromFloat32(tensor.CPU, []float32{1, 1, 1, 2, 2, 2, 3, 3, 3}, 3, 3)
	require.NoError(t, err)
	require.NoError(t, e.Backward(ids, dy))
	assert.Equal(t, []float32{4, 4, 4}, e.weight.Grad.Row(4))
	assert.Equal(t, []float32{2, 2, 2}, e.weight.Grad.Row(1))
	assert.Equal(t, []float32{0, 0, 0}, e.weight.Grad.Row(0))
}

func TestRMSNormBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n, err := NewRMSNorm("norm", 6, 1e-6)
	require.NoError(t, err)
	for i, w := 0, n.weight.Value.Float32s(); i < len(w); i++ {
		w[i] = 1 + 0.1*float32(i)
	}

	x := randTensor(t, rng, 3, 6)
	dy := randTensor(t, rng, 3, 6)
	dx, err := n.Backward(x, dy)
	require.NoError(t, err)

	f := mustForward(t, n.Forward, x)
	checkGrad(t, "x", x.Float32s(), dx.Float32s(), dy.Float32s(), f)
	checkGrad(t, "weight", n.weight.Value.Float32s(), n.weight.Grad.Float32s(), dy.Float32s(), f)
}

func TestRMSNormUnitRMS(t *testing.T) {
	n, err := NewRMSNorm("norm", 4, 0)
	require.NoError(t, err)
	x, err := tensor.FromFloat32(tensor.CPU, []float32{2, -2, 2, -2}, 1, 4)
	require.NoError(t, err)
	out, err := n.Forward(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, -1, 1, -1}, out.Float32s(), 1e-6)
}

func TestSiluAndMulBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	act := NewSiluAndMul()
	x := randTensor(t, rng, 3, 8)
	dy := randTensor(t, rng, 3, 4)
	dx, err := act.Backward(x, dy)
	require.NoError(t, err)
	checkGrad(t, "x", x.Float32s(), dx.Float32s(), dy.Float32s(), mustForward(t, act.Forward, x))

	odd := randTensor(t, rng, 1, 3)
	_, err = act.Forward(odd)
	assert.Error(t, err)
}

func TestMLPBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m, err := NewMLP("mlp", 4, 6, "silu")
	require.NoError(t, err)
	m.Init(rng, 0.5)

	x := randTensor(t, rng, 3, 4)
	dy := randTensor(t, rng, 3, 4)
	dx, err := m.Backward(x, dy)
	require.NoError(t, err)

	f := mustForward(t, m.Forward, x)
	checkGrad(t, "x", x.Float32s(), dx.Float32s(), dy.Float32s(), f)
	for _, p := range m.Params() {
		checkGrad(t, p.Name, p.Value.Float32s(), p.Grad.Float32s(), dy.Float32s(), f)
	}

	_, err = NewMLP("mlp", 4, 6, "gelu")
	assert.Error(t, err)
}

func TestRotaryInverse(t *testing.T) {
	r, err := NewRotaryEmbedding(4, 4, 8, 10000)
	require.NoError(t, err)
	v := []float32{1, 2, 3, 4}
	orig := append([]float32(nil), v...)
	r.applyRotary(v, 3)
	assert.NotEqual(t, orig, v)
	assert.InDelta(t, dot(orig, orig), dot(v, v), 1e-4)
	r.applyInverse(v, 3)
	assert.InDeltaSlice(t, orig, v, 1e-5)

	// position 0 is the identity
	r.applyRotary(v, 0)
	assert.InDeltaSlice(t, orig, v, 1e-6)

	_, err = NewRotaryEmbedding(4, 6, 8, 10000)
	assert.Error(t, err)
}

func TestAttentionBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a, err := NewAttention("attn", 8, 4, 2, 2, 16)
	require.NoError(t, err)
	a.Init(rng, 0.5)

	x := randTensor(t, rng, 4, 8)
	dy := randTensor(t, rng, 4, 8)
	dx, err := a.Backward(x, dy)
	require.NoError(t, err)

	f := mustForward(t, a.Forward, x)
	checkGrad(t, "x", x.Float32s(), dx.Float32s(), dy.Float32s(), f)
	for _, p := range a.Params() {
		checkGrad(t, p.Name, p.Value.Float32s(), p.Grad.Float32s(), dy.Float32s(), f)
	}
}

func TestAttentionIsCausal(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	a, err := NewAttention("attn", 4, 2, 1, 2, 16)
	require.NoError(t, err)
	a.Init(rng, 0.5)

	x := randTensor(t, rng, 3, 4)
	full, err := a.Forward(x)
	require.NoError(t, err)

	// changing the last token leaves earlier outputs untouched
	changed := x.Clone()
	for i, row := 0, changed.Row(2); i < len(row); i++ {
		row[i] += 1
	}
	out, err := a.Forward(changed)
	require.NoError(t, err)
	assert.InDeltaSlice(t, full.Row(0), out.Row(0), 1e-6)
	assert.InDeltaSlice(t, full.Row(1), out.Row(1), 1e-6)

	_, err = NewAttention("attn", 4, 3, 2, 2, 16)
	assert.Error(t, err)
}

func TestCollectParams(t *testing.T) {
	l1, err := NewLinear("a", 2, 2, true)
	require.NoError(t, err)
	n, err := NewRMSNorm("b", 2, 1e-6)
	require.NoError(t, err)
	names := []string{}
	for _, p := range CollectParams(l1, n) {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"a.weight", "a.bias", "b.weight"}, names)
}
