package ilql

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

// a..h map to 0..7, space to 8, BOS to 9, EOS to 10
func charTok(t *testing.T, opts ...tokenizer.Option) tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.NewCharTokenizer("abcdefgh ", opts...)
	require.NoError(t, err)
	return tok
}

func TestTokenizeDialogue(t *testing.T) {
	tok := charTok(t)
	tests := []struct {
		name      string
		dialogue  Dialogue
		maxLength int
		side      tokenizer.Side
		want      [][]int
	}{
		{
			name:      "single response gets a BOS prompt",
			dialogue:  Dialogue{Text: "abc"},
			maxLength: 10,
			side:      tokenizer.Left,
			want:      [][]int{{9}, {0, 1, 2, 10}},
		},
		{
			name:      "left truncation keeps the tail and re-pairs with BOS",
			dialogue:  Dialogue{Turns: []string{"ab", "cdef"}},
			maxLength: 3,
			side:      tokenizer.Left,
			want:      [][]int{{9}, {5, 10}},
		},
		{
			name:      "odd turn count under budget gets a BOS prompt",
			dialogue:  Dialogue{Turns: []string{"ab", "cd", "ef"}},
			maxLength: 20,
			side:      tokenizer.Left,
			want:      [][]int{{9}, {0, 1}, {2, 3}, {4, 5, 10}},
		},
		{
			name:      "right truncation keeps the head",
			dialogue:  Dialogue{Turns: []string{"ab", "cdef"}},
			maxLength: 4,
			side:      tokenizer.Right,
			want:      [][]int{{0, 1}, {2, 3}},
		},
		{
			name:      "right truncation stops at the budget",
			dialogue:  Dialogue{Turns: []string{"abcd", "ef", "gh"}},
			maxLength: 4,
			side:      tokenizer.Right,
			want:      [][]int{{0, 1, 2, 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TokenizeDialogue(tt.dialogue, tok, tt.maxLength, tt.side)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("turns mismatch (-want +got):\n%s", diff)
			}
			assert.LessOrEqual(t, total(got), tt.maxLength)
		})
	}
}

func TestTokenizeDialogueDoesNotMutateTurns(t *testing.T) {
	d := Dialogue{Turns: []string{"ab", "cd"}}
	_, err := TokenizeDialogue(d, charTok(t), 10, tokenizer.Left)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "cd"}, d.Turns)
}

func TestTokenizeDialogueErrors(t *testing.T) {
	tok := charTok(t)

	_, err := TokenizeDialogue(Dialogue{Text: "a"}, tok, 0, tokenizer.Left)
	assert.ErrorIs(t, err, errors.New(errors.ErrShape, ""))

	_, err = TokenizeDialogue(Dialogue{Text: "a"}, tok, 4, tokenizer.Side("middle"))
	assert.ErrorIs(t, err, errors.New(errors.ErrShape, ""))

	_, err = TokenizeDialogue(Dialogue{Tokens: [][]int{{1}, {2}}}, tok, 4, tokenizer.Left)
	assert.ErrorIs(t, err, errors.New(errors.ErrShape, ""))
}

func TestDialogueJSON(t *testing.T) {
	var got []Dialogue
	require.NoError(t, json.Unmarshal([]byte(`["abc", ["ab", "cd"], [[1, 2], [3]]]`), &got))
	want := []Dialogue{
		{Text: "abc"},
		{Turns: []string{"ab", "cd"}},
		{Tokens: [][]int{{1, 2}, {3}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dialogues mismatch (-want +got):\n%s", diff)
	}

	var d Dialogue
	assert.Error(t, json.Unmarshal([]byte(`{"turns": 1}`), &d))
}

func nopBuilder(tok tokenizer.Tokenizer) *Builder {
	return NewBuilder(tok, WithMainProcess(func() bool { return false }))
}

func TestMakeExperienceSingleResponse(t *testing.T) {
	b := nopBuilder(charTok(t))
	storage, err := b.MakeExperience(context.Background(),
		[]Dialogue{{Text: "abc"}, {Text: "de"}}, []float64{1, 3}, 10)
	require.NoError(t, err)
	require.Equal(t, 2, storage.Len())

	e := storage.Get(0)
	assert.Equal(t, []int{9, 0, 1, 2, 10}, e.InputIDs)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, e.AttentionMask)
	assert.Equal(t, []int{0, 1, 2, 3}, e.ActionsIxs)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, e.StatesIxs)
	assert.Equal(t, []int{1, 1, 1, 1, 0}, e.Dones)

	// unbiased std of {1, 3} is sqrt(2)
	assert.Equal(t, []float32{0, 0, 0}, e.Rewards[:3])
	assert.InDelta(t, -1/math.Sqrt2, e.Rewards[3], 1e-6)
	last := storage.Get(1).Rewards
	assert.InDelta(t, 1/math.Sqrt2, last[len(last)-1], 1e-6)
}

func TestMakeExperienceMultiTurn(t *testing.T) {
	b := nopBuilder(nil)
	storage, err := b.MakeExperience(context.Background(),
		[]Dialogue{{Tokens: [][]int{{1, 2}, {3}, {4, 5}, {6, 7}}}}, []float64{5}, 100)
	require.NoError(t, err)

	e := storage.Get(0)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, e.InputIDs)
	assert.Equal(t, []int{1, 4, 5}, e.ActionsIxs)
	assert.Equal(t, []int{1, 4, 5, 6}, e.StatesIxs)
	assert.Equal(t, []int{1, 1, 1, 0}, e.Dones)
	// a single sample has zero spread, so its return is centred to zero
	assert.Equal(t, []float32{0, 0, 0}, e.Rewards)
}

func TestMakeExperienceEqualRewards(t *testing.T) {
	tests := []struct {
		name    string
		rewards []float64
	}{
		{name: "ones", rewards: []float64{1, 1, 1}},
		{name: "negative", rewards: []float64{-2.5, -2.5, -2.5}},
		{name: "zeros", rewards: []float64{0, 0, 0}},
	}
	samples := []Dialogue{{Text: "abc"}, {Turns: []string{"ab", "cd"}}, {Text: "h"}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := nopBuilder(charTok(t)).MakeExperience(context.Background(), samples, tt.rewards, 10)
			require.NoError(t, err)
			require.Equal(t, len(samples), storage.Len())
			for i := 0; i < storage.Len(); i++ {
				rewards := storage.Get(i).Rewards
				for _, r := range rewards {
					require.False(t, math.IsNaN(float64(r)) || math.IsInf(float64(r), 0), "sample %d", i)
				}
				assert.Zero(t, rewards[len(rewards)-1], "sample %d", i)
			}
		})
	}
}

func TestMakeExperienceErrors(t *testing.T) {
	ctx := context.Background()
	b := nopBuilder(charTok(t))

	_, err := b.MakeExperience(ctx, []Dialogue{{Text: "a"}}, []float64{1, 2}, 10)
	assert.ErrorIs(t, err, errors.New(errors.ErrLengthMismatch, ""))
	assert.Equal(t, errors.ErrorTypeValidation, errors.TypeOf(err))

	_, err = b.MakeExperience(ctx, nil, nil, 10)
	assert.ErrorIs(t, err, errors.New(errors.ErrShape, ""))

	_, err = b.MakeExperience(ctx, []Dialogue{{Tokens: [][]int{{1, 2}}}}, []float64{1}, 10)
	assert.ErrorIs(t, err, errors.New(errors.ErrEmptyResponse, ""))

	_, err = nopBuilder(nil).MakeExperience(ctx, []Dialogue{{Text: "abc"}}, []float64{1}, 10)
	assert.ErrorIs(t, err, errors.New(errors.ErrTokenizer, ""))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.MakeExperience(cancelled, []Dialogue{{Text: "a"}}, []float64{1}, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMakeExperienceDiagnostics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	b := NewBuilder(charTok(t),
		WithLogger(logging.NewFromZap(zap.New(core))),
		WithMainProcess(func() bool { return true }))

	_, err := b.MakeExperience(context.Background(),
		[]Dialogue{{Text: "abc"}, {Text: "a"}}, []float64{0.5, 1}, 10)
	require.NoError(t, err)

	example := logs.FilterMessage("experience example").All()
	require.Len(t, example, 1)
	fields := example[0].ContextMap()
	assert.Equal(t, tokenizer.CharBOS, fields["prompt"])
	assert.Equal(t, "abc"+tokenizer.CharEOS, fields["response"])
	assert.Equal(t, 0.5, fields["reward"])

	lengths := logs.FilterMessage("experience lengths").All()
	require.Len(t, lengths, 1)
	fields = lengths[0].ContextMap()
	assert.Equal(t, "1.00 ∈ [1, 1]", fields["prompt_length"])
	assert.Equal(t, "3.00 ∈ [2, 4]", fields["output_length"])
	assert.Equal(t, "4.00 ∈ [3, 5]", fields["sample_length"])
}

func TestMakeExperienceRecordsMetrics(t *testing.T) {
	collector := metrics.NewMetricsCollector(metrics.CollectorConfig{})
	b := NewBuilder(charTok(t), WithMetrics(collector), WithMainProcess(func() bool { return false }))
	_, err := b.MakeExperience(context.Background(), []Dialogue{{Text: "abc"}, {Text: "d"}}, []float64{0, 1}, 10)
	require.NoError(t, err)

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	got := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				got[mf.GetName()] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 2.0, got["ilql_samples_total"])
	assert.Equal(t, 1.0, got["ilql_experience_duration_seconds"])
}

func TestMakeExperienceQuietOffMain(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := NewBuilder(charTok(t),
		WithLogger(logging.NewFromZap(zap.New(core))),
		WithMainProcess(func() bool { return false }))

	_, err := b.MakeExperience(context.Background(), []Dialogue{{Text: "abc"}}, []float64{1}, 10)
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}

func TestElementValidate(t *testing.T) {
	valid := func() Element {
		return Element{
			InputIDs:      []int{9, 0, 10},
			AttentionMask: []int{1, 1, 1},
			Rewards:       []float32{0, 1},
			StatesIxs:     []int{0, 1, 2},
			ActionsIxs:    []int{0, 1},
			Dones:         []int{1, 1, 0},
		}
	}
	e := valid()
	require.NoError(t, e.Validate())

	tests := []struct {
		name   string
		mutate func(*Element)
	}{
		{"mask length", func(e *Element) { e.AttentionMask = e.AttentionMask[:2] }},
		{"states length", func(e *Element) { e.StatesIxs = e.StatesIxs[:2] }},
		{"dones length", func(e *Element) { e.Dones = e.Dones[:2] }},
		{"rewards length", func(e *Element) { e.Rewards = e.Rewards[:1] }},
		{"terminal done", func(e *Element) { e.Dones[2] = 1 }},
		{"inner done", func(e *Element) { e.Dones[0] = 0 }},
		{"state out of range", func(e *Element) { e.StatesIxs[2] = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(&e)
			err := e.Validate()
			assert.ErrorIs(t, err, errors.New(errors.ErrStorageInvariant, ""))
		})
	}
}

func buildStorage(t *testing.T) *RolloutStorage {
	t.Helper()
	storage, err := nopBuilder(charTok(t)).MakeExperience(context.Background(),
		[]Dialogue{{Text: "abc"}, {Text: "a"}, {Text: "ab"}}, []float64{1, 2, 3}, 10)
	require.NoError(t, err)
	return storage
}

func TestBatchesPadRight(t *testing.T) {
	storage := buildStorage(t)

	batches, err := storage.Batches(2, nil)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	first := batches[0]
	assert.Equal(t, [][]int{{9, 0, 1, 2, 10}, {9, 0, 10, 0, 0}}, first.InputIDs)
	assert.Equal(t, [][]int{{1, 1, 1, 1, 1}, {1, 1, 1, 0, 0}}, first.AttentionMask)
	assert.Equal(t, [][]int{{1, 1, 1, 1, 0}, {1, 1, 0, 0, 0}}, first.Dones)
	assert.Len(t, batches[1].InputIDs, 1)

	_, err = storage.Batches(0, nil)
	assert.ErrorIs(t, err, errors.New(errors.ErrBatchSize, ""))
}

func TestBatchesShuffleKeepsEveryElement(t *testing.T) {
	storage := buildStorage(t)
	batches, err := storage.Batches(1, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	var lengths []int
	for _, b := range batches {
		lengths = append(lengths, len(b.InputIDs[0]))
	}
	assert.ElementsMatch(t, []int{5, 3, 4}, lengths)
}

func TestStorageJSONL(t *testing.T) {
	storage := buildStorage(t)

	path := filepath.Join(t.TempDir(), "experience.jsonl")
	require.NoError(t, storage.Save(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	loaded, err := ReadJSONL(f)
	require.NoError(t, err)
	require.Equal(t, storage.Len(), loaded.Len())
	for i := 0; i < storage.Len(); i++ {
		if diff := cmp.Diff(storage.Get(i), loaded.Get(i)); diff != "" {
			t.Errorf("element %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestReadJSONLRejectsBrokenElements(t *testing.T) {
	_, err := ReadJSONL(bytes.NewBufferString("{not json}\n"))
	assert.ErrorContains(t, err, "line 1")

	line := `{"input_ids":[1,2],"attention_mask":[1,1],"rewards":[1],"states_ixs":[0,1],"actions_ixs":[0],"dones":[1,1]}`
	_, err = ReadJSONL(bytes.NewBufferString(line + "\n"))
	assert.ErrorIs(t, err, errors.New(errors.ErrStorageInvariant, ""))
}
