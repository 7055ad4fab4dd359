package reward

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/pkg/errors"
)

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Score(ctx context.Context, texts []string) ([][]ClassScore, error) {
	args := m.Called(ctx, texts)
	scores, _ := args.Get(0).([][]ClassScore)
	return scores, args.Error(1)
}

func twoClass(neg, pos float64) []ClassScore {
	return []ClassScore{{Label: LabelNegative, Score: neg}, {Label: LabelPositive, Score: pos}}
}

func TestExtract(t *testing.T) {
	scores := [][]ClassScore{twoClass(-1, 1), twoClass(0.5, -0.5)}

	got, err := Extractor{ClassIndex: 1}.Extract(scores)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -0.5}, got)

	got, err = Extractor{ClassIndex: 0}.Extract(scores)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0.5}, got)

	_, err = Extractor{ClassIndex: 2}.Extract(scores)
	assert.True(t, errors.IsValidation(err))

	_, err = Extractor{ClassIndex: 1}.Extract([][]ClassScore{twoClass(0, math.NaN())})
	assert.True(t, errors.IsNumeric(err))
}

func TestScoreTexts(t *testing.T) {
	ctx := context.Background()
	texts := []string{"a", "b"}

	m := &mockModel{}
	m.On("Score", ctx, texts).Return([][]ClassScore{twoClass(0, 2), twoClass(0, 3)}, nil).Once()
	got, err := ScoreTexts(ctx, m, Extractor{ClassIndex: 1}, texts)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, got)

	m.On("Score", ctx, texts).Return([][]ClassScore{twoClass(0, 2)}, nil).Once()
	_, err = ScoreTexts(ctx, m, Extractor{ClassIndex: 1}, texts)
	assert.True(t, errors.IsExternal(err))

	m.On("Score", ctx, texts).Return(nil, assert.AnError).Once()
	_, err = ScoreTexts(ctx, m, Extractor{ClassIndex: 1}, texts)
	assert.True(t, errors.IsExternal(err))
	assert.ErrorIs(t, err, assert.AnError)

	m.AssertExpectations(t)
}

func TestLexiconScorer(t *testing.T) {
	l := NewLexiconScorer(2, "none")
	out, err := l.Score(context.Background(), []string{
		"A great, wonderful film.",
		"Boring and awful.",
		"This was not good at all.",
		"It exists.",
		"I loved it",
	})
	require.NoError(t, err)
	require.Len(t, out, 5)

	pos := make([]float64, len(out))
	for i, s := range out {
		require.Len(t, s, 2)
		assert.Equal(t, LabelNegative, s[0].Label)
		assert.Equal(t, LabelPositive, s[1].Label)
		assert.Equal(t, -s[0].Score, s[1].Score)
		pos[i] = s[1].Score
	}
	assert.Equal(t, []float64{1, -1, -1, 0, 1}, pos)
}

func TestLexiconScorerFunctions(t *testing.T) {
	soft, err := NewLexiconScorer(0, "softmax").Score(context.Background(), []string{"great"})
	require.NoError(t, err)
	assert.InDelta(t, 1, soft[0][0].Score+soft[0][1].Score, 1e-12)
	assert.Greater(t, soft[0][1].Score, soft[0][0].Score)

	sig, err := NewLexiconScorer(0, "sigmoid").Score(context.Background(), []string{"meh"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sig[0][1].Score, 1e-12)
}

func TestLexiconScorerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLexiconScorer(1, "none").Score(ctx, []string{"good"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatches(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches(items, 2))
	assert.Equal(t, [][]int{items}, batches(items, 0))
	assert.Equal(t, [][]int{items}, batches(items, 10))
}

func TestHTTPScorer(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req scoreRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Parameters.ReturnAllScores)
		assert.Equal(t, "none", req.Parameters.FunctionToApply)

		out := make([][]ClassScore, len(req.Inputs))
		for i, in := range req.Inputs {
			out[i] = twoClass(0, float64(len(in)))
		}
		assert.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig().Sentiment
	cfg.Provider = "http"
	cfg.Endpoint = srv.URL
	cfg.BatchSize = 2
	cfg.ReturnAllScores = true
	m, err := New(cfg, logging.NewNop())
	require.NoError(t, err)

	got, err := ScoreTexts(context.Background(), m, Extractor{ClassIndex: 1}, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, got)
	assert.Equal(t, int32(2), requests.Load())
}

func TestHTTPScorerFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			http.Error(w, "overloaded", code)
			return
		}
		_, _ = w.Write([]byte(`[[{"label":"NEGATIVE","score":0.1}]]`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig().Sentiment
	cfg.Endpoint = srv.URL
	h := NewHTTPScorer(cfg, logging.NewNop())

	_, err := ScoreTexts(context.Background(), h, Extractor{ClassIndex: 1}, []string{"x"})
	assert.True(t, errors.IsExternal(err))
	assert.ErrorContains(t, err, "500")

	// a single class cannot serve class index 1
	status.Store(http.StatusOK)
	_, err = ScoreTexts(context.Background(), h, Extractor{ClassIndex: 1}, []string{"x"})
	assert.True(t, errors.IsValidation(err))

	// result count mismatch
	_, err = ScoreTexts(context.Background(), h, Extractor{ClassIndex: 0}, []string{"x", "y"})
	assert.True(t, errors.IsExternal(err))
}

func TestHTTPScorerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig().Sentiment
	cfg.Endpoint = srv.URL
	cfg.Timeout = 20 * time.Millisecond
	_, err := NewHTTPScorer(cfg, logging.NewNop()).Score(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestNewUnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig().Sentiment
	cfg.Provider = "onnx"
	_, err := New(cfg, logging.NewNop())
	assert.True(t, errors.IsConfig(err))
}
