package mathx

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmax(t *testing.T) {
	tests := []struct {
		x   []float32
		exp []float32
	}{
		{
			x:   []float32{1, 1, 2},
			exp: []float32{0.21194156, 0.21194156, 0.57611686},
		},
		{
			x:   []float32{0.5, -1, 12},
			exp: []float32{1.0129968e-05, 2.2603015e-06, 0.9999876},
		},
	}
	for i, tc := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			got := Softmax(nil, tc.x)
			if diff := cmp.Diff(tc.exp, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
				t.Errorf("%s", diff)
			}
		})
	}
}

func TestLogprobsFromLogits(t *testing.T) {
	logits := []float32{
		1, 1, 2,
		0, 0, 0,
	}
	got, err := LogprobsFromLogits(logits, 3, []int{2, 0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, math.Log(0.57611686), got[0], 1e-5)
	assert.InDelta(t, math.Log(1.0/3.0), got[1], 1e-5)

	t.Run("label out of vocab", func(t *testing.T) {
		_, err := LogprobsFromLogits(logits, 3, []int{3, 0})
		assert.Error(t, err)
	})

	t.Run("misaligned shapes", func(t *testing.T) {
		_, err := LogprobsFromLogits(logits, 3, []int{1})
		assert.Error(t, err)
	})
}

func TestLogprobsFromLogitsGradMatchesFiniteDifference(t *testing.T) {
	logits := []float32{0.3, -1.2, 0.8, 0.1, 2.0, -0.5, 0.0, 0.4}
	labels := []int{2, 1}
	upstream := []float32{0.7, -1.3}
	vocab := 4

	objective := func(l []float32) float64 {
		lp, err := LogprobsFromLogits(l, vocab, labels)
		require.NoError(t, err)
		var s float64
		for i, v := range lp {
			s += float64(upstream[i]) * float64(v)
		}
		return s
	}

	grad := make([]float32, len(logits))
	require.NoError(t, LogprobsFromLogitsGrad(grad, logits, vocab, labels, upstream))

	const h = 1e-2
	for i := range logits {
		plus := append([]float32(nil), logits...)
		minus := append([]float32(nil), logits...)
		plus[i] += h
		minus[i] -= h
		numeric := (objective(plus) - objective(minus)) / (2 * h)
		assert.InDelta(t, numeric, grad[i], 2e-3, "logit %d", i)
	}
}

func TestEntropyFromLogits(t *testing.T) {
	got, err := EntropyFromLogits([]float32{0, 0, 0, 0, 100, 0, 0, 0}, 4)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), got[0], 1e-5)
	assert.InDelta(t, 0, got[1], 1e-5)
}

func TestWhiten(t *testing.T) {
	t.Run("non-constant input has zero mean and unit variance", func(t *testing.T) {
		w := Whiten([]float32{1, 2, 3, 4, 10}, true)
		mean, variance := MeanVar(w)
		assert.InDelta(t, 0, mean, 1e-5)
		assert.InDelta(t, 1, variance, 1e-4)
	})

	t.Run("constant input stays bounded", func(t *testing.T) {
		w := Whiten([]float32{5, 5, 5}, true)
		assert.True(t, AllFinite(w))
		for _, v := range w {
			assert.InDelta(t, 0, v, 1e-6)
		}
	})

	t.Run("shiftMean false keeps the mean", func(t *testing.T) {
		w := Whiten([]float32{1, 3}, false)
		assert.InDelta(t, 2, Mean(w), 1e-5)
	})

	t.Run("single element", func(t *testing.T) {
		w := Whiten([]float32{3.5}, true)
		assert.Equal(t, []float32{0}, w)
	})
}

func TestClipByValue(t *testing.T) {
	got, err := ClipByValue(
		[]float32{-1, 0.5, 3},
		[]float32{0, 0, 0},
		[]float32{1, 1, 1},
	)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5, 1}, got)

	_, err = ClipByValue([]float32{1}, []float32{0, 0}, []float32{1})
	assert.Error(t, err)
}

func TestMeanStd(t *testing.T) {
	mean, std := MeanStd([]float64{1, 1, 1})
	assert.Equal(t, 1.0, mean)
	assert.Equal(t, 0.0, std)

	mean, std = MeanStd([]float64{2})
	assert.Equal(t, 2.0, mean)
	assert.Equal(t, 0.0, std)

	mean, std = MeanStd([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3.0), std, 1e-12)
}

func TestGemm(t *testing.T) {
	// A 2x3, B 3x2
	A := []float32{1, 2, 3, 4, 5, 6}
	B := []float32{1, 0, 0, 1, 1, 1}
	C := make([]float32, 4)
	GemmNN(1, A, 2, 3, B, 3, 2, 0, C)
	assert.Equal(t, []float32{4, 5, 10, 11}, C)

	// A^T (3x2) * D (2x2)
	D := []float32{1, 0, 0, 1}
	E := make([]float32, 6)
	GemmTN(1, A, 2, 3, D, 2, 2, 0, E)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, E)

	// A (2x3) * A^T (3x2)
	F := make([]float32, 4)
	GemmNT(1, A, 2, 3, A, 2, 3, 0, F)
	assert.Equal(t, []float32{14, 32, 32, 77}, F)
}
