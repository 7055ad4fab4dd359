package rollout

import (
	"context"
	"fmt"

	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/internal/sampling"
	"github.com/zswitten/trlx/internal/tensor"
)

// ModelRunner runs the model on a set of sequences and samples next tokens
type ModelRunner struct {
	model      models.LanguageModel
	sampler    *sampling.Sampler
	eosTokenID int
}

// NewModelRunner creates a new model runner
func NewModelRunner(model models.LanguageModel, sampler *sampling.Sampler, eosTokenID int) *ModelRunner {
	return &ModelRunner{
		model:      model,
		sampler:    sampler,
		eosTokenID: eosTokenID,
	}
}

// Run runs the model on sequences without gradients and returns one token
// per sequence. EOS is banned for sequences below their minimum length.
func (mr *ModelRunner) Run(ctx context.Context, seqs []*Sequence) ([]int, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	ids := make([][]int, len(seqs))
	for i, seq := range seqs {
		ids[i] = seq.TokenIDs
	}
	out, err := mr.model.Forward(models.NoGrad(ctx), ids)
	if err != nil {
		return nil, fmt.Errorf("model forward failed: %w", err)
	}

	vocab := out.Vocab()
	last := make([]float32, 0, len(seqs)*vocab)
	prev := make([][]int, len(seqs))
	params := make([]sampling.Params, len(seqs))
	banned := make([][]int, len(seqs))
	for i, seq := range seqs {
		row := out.LogitsRow(i)
		last = append(last, row[len(row)-vocab:]...)
		prev[i] = seq.TokenIDs
		params[i] = seq.Params
		if !seq.EOSAllowed() {
			banned[i] = []int{mr.eosTokenID}
		}
	}
	logits, err := tensor.FromFloat32(tensor.CPU, last, len(seqs), vocab)
	if err != nil {
		return nil, err
	}
	tokens, err := mr.sampler.SampleBatch(logits, prev, params, banned)
	if err != nil {
		return nil, fmt.Errorf("sampling failed: %w", err)
	}
	return tokens, nil
}
