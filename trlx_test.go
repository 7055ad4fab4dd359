package trlx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/ilql"
	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

const prompts = `{"text": "this movie was great fun"}
{"text": "the plot was bad and boring"}
{"text": "i loved the acting"}
{"text": "not worth watching"}
{"text": "odd one out"}
`

func smallConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(prompts), 0o644))

	gen := config.DefaultConfig().Generation
	gen.MaxLength = 7
	gen.MinLength = 7
	mc := config.DefaultConfig().Model
	mc.HiddenSize = 8
	mc.IntermediateSize = 8
	mc.NumHeads = 2
	mc.NumKVHeads = 1
	mc.MaxPosition = 32

	cfg, err := config.New(
		config.WithSteps(4),
		config.WithBatchSize(2),
		config.WithForwardBatchSize(2),
		config.WithPPOEpochs(1),
		config.WithInputSize(4),
		config.WithGenSize(3),
		config.WithLR(1e-3),
		config.WithGeneration(gen),
		config.WithModel(mc),
		config.WithData(config.DataConfig{Prompts: path, Field: "text"}),
	)
	require.NoError(t, err)
	return cfg
}

func TestPPOTrainAndSave(t *testing.T) {
	cfg := smallConfig(t)
	run, err := NewPPO(cfg, Collaborators{})
	require.NoError(t, err)

	stats, err := run.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats[0].OptimizerSteps)
	assert.Equal(t, 2, run.Trainer().Iteration())

	path := filepath.Join(t.TempDir(), "policy.safetensors")
	require.NoError(t, run.SaveCheckpoint(path))

	tok, err := LoadTokenizer(cfg.Model)
	require.NoError(t, err)
	loaded, err := models.New(cfg.Model, tok.VocabSize(), cfg.Seed+100)
	require.NoError(t, err)
	require.NoError(t, models.LoadCheckpoint(path, loaded))
}

func TestNewPPOMissingPrompts(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Data.Prompts = filepath.Join(t.TempDir(), "missing.jsonl")

	_, err := NewPPO(cfg, Collaborators{})
	assert.ErrorIs(t, err, errors.New(errors.ErrConfigLoad, ""))
}

func TestReadScored(t *testing.T) {
	in := `{"dialogue": "abc", "reward": 1}

{"dialogue": ["ab", "cd"], "reward": -0.5}
{"dialogue": [[1, 2], [3]], "reward": 2}
`
	got, err := ReadScored(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ilql.Dialogue{Text: "abc"}, got[0].Dialogue)
	assert.Equal(t, []string{"ab", "cd"}, got[1].Dialogue.Turns)
	assert.Equal(t, [][]int{{1, 2}, {3}}, got[2].Dialogue.Tokens)
	assert.Equal(t, -0.5, got[1].Reward)

	_, err = ReadScored(strings.NewReader("{\"dialogue\": 3}\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestMakeILQLExperience(t *testing.T) {
	tok, err := tokenizer.NewCharTokenizer("abcd")
	require.NoError(t, err)
	samples := []Scored{
		{Dialogue: ilql.Dialogue{Turns: []string{"ab", "cd"}}, Reward: 1},
		{Dialogue: ilql.Dialogue{Text: "dd"}, Reward: 0},
	}

	storage, err := MakeILQLExperience(context.Background(), tok, samples, 16, Collaborators{})
	require.NoError(t, err)
	require.Equal(t, 2, storage.Len())
	// ab | cd<eos>: actions cover positions 1..3
	assert.Equal(t, []int{1, 2, 3}, storage.Get(0).ActionsIxs)
	assert.Equal(t, []int{1, 1, 1, 0}, storage.Get(0).Dones)

	_, err = MakeILQLExperience(context.Background(), tok, samples[:1], 0, Collaborators{})
	assert.Error(t, err)
}

func TestNewPPODevice(t *testing.T) {
	for _, tt := range []struct {
		device  string
		wantErr bool
	}{
		{device: "cpu"},
		{device: ""},
		{device: "gpu", wantErr: true},
		{device: "cuda", wantErr: true},
	} {
		t.Run(tt.device, func(t *testing.T) {
			cfg := smallConfig(t)
			cfg.Device = tt.device
			run, err := NewPPO(cfg, Collaborators{})
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.New(errors.ErrConfigInvalid, ""))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "cpu", run.policy.Config().Device.String())
		})
	}
}
