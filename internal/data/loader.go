package data

import (
	"math/rand"

	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

// Batch is one dataloader batch: the prompt texts and their query tokens
type Batch struct {
	Texts   []string
	Queries [][]int
}

// EncodeQuery tokenizes text into exactly size ids, truncating and padding
// on the tokenizer's configured sides. Pad ids below zero fall back to EOS.
func EncodeQuery(tok tokenizer.Tokenizer, text string, size int) ([]int, error) {
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTokenizer, "encode query")
	}
	if len(ids) > size {
		if tok.TruncationSide() == tokenizer.Left {
			ids = ids[len(ids)-size:]
		} else {
			ids = ids[:size]
		}
	}
	pad := tok.PadID()
	if pad < 0 {
		pad = tok.GetEOS()
	}
	out := make([]int, 0, size)
	if tok.PaddingSide() == tokenizer.Left {
		for i := len(ids); i < size; i++ {
			out = append(out, pad)
		}
		return append(out, ids...), nil
	}
	out = append(out, ids...)
	for len(out) < size {
		out = append(out, pad)
	}
	return out, nil
}

// Loader yields fixed-size batches of tokenized prompts. A trailing partial
// batch is dropped so every batch has exactly batchSize queries.
type Loader struct {
	prompts   []string
	tok       tokenizer.Tokenizer
	batchSize int
	inputSize int
	rng       *rand.Rand

	order []int
	pos   int
}

// NewLoader creates a loader. A non-nil rng shuffles the prompt order on
// every Reset.
func NewLoader(prompts []string, tok tokenizer.Tokenizer, batchSize, inputSize int, rng *rand.Rand) (*Loader, error) {
	if batchSize <= 0 || inputSize <= 0 {
		return nil, errors.Newf(errors.ErrBatchSize, "batch size %d and input size %d must be positive", batchSize, inputSize)
	}
	l := &Loader{
		prompts:   prompts,
		tok:       tok,
		batchSize: batchSize,
		inputSize: inputSize,
		rng:       rng,
	}
	l.Reset()
	return l, nil
}

// Len returns the number of batches per pass
func (l *Loader) Len() int { return len(l.prompts) / l.batchSize }

// BatchSize returns the number of queries per batch
func (l *Loader) BatchSize() int { return l.batchSize }

// Reset starts a new pass over the prompts
func (l *Loader) Reset() {
	l.order = make([]int, len(l.prompts))
	for i := range l.order {
		l.order[i] = i
	}
	if l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
	l.pos = 0
}

// Next returns the next batch, or false when the pass is exhausted
func (l *Loader) Next() (Batch, bool, error) {
	if l.pos+l.batchSize > len(l.order) {
		return Batch{}, false, nil
	}
	idx := l.order[l.pos : l.pos+l.batchSize]
	l.pos += l.batchSize

	b := Batch{
		Texts:   make([]string, len(idx)),
		Queries: make([][]int, len(idx)),
	}
	for i, j := range idx {
		q, err := EncodeQuery(l.tok, l.prompts[j], l.inputSize)
		if err != nil {
			return Batch{}, false, err
		}
		b.Texts[i] = l.prompts[j]
		b.Queries[i] = q
	}
	return b, true, nil
}
