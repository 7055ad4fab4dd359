// Package ilql builds offline experience for an ILQL-style trainer: it
// tokenizes dialogues of alternating prompt/response turns and turns them
// into state/action index arrays with terminal flags and normalized
// returns.
package ilql

import (
	"encoding/json"

	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

// Dialogue is one sample. Turns alternate prompt, response, prompt, ...
// Text is a single response implicitly preceded by a BOS prompt. Tokens
// holds pre-tokenized turns for builders without a tokenizer.
type Dialogue struct {
	Turns  []string
	Text   string
	Tokens [][]int
}

// UnmarshalJSON accepts a string, a list of strings or a list of token
// lists
func (d *Dialogue) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		*d = Dialogue{Text: text}
		return nil
	}
	var turns []string
	if err := json.Unmarshal(b, &turns); err == nil {
		*d = Dialogue{Turns: turns}
		return nil
	}
	var tokens [][]int
	if err := json.Unmarshal(b, &tokens); err != nil {
		return errors.New(errors.ErrShape, "dialogue must be a string, a list of strings or a list of token lists")
	}
	*d = Dialogue{Tokens: tokens}
	return nil
}

// MarshalJSON writes the form UnmarshalJSON reads
func (d Dialogue) MarshalJSON() ([]byte, error) {
	switch {
	case d.Turns != nil:
		return json.Marshal(d.Turns)
	case d.Tokens != nil:
		return json.Marshal(d.Tokens)
	default:
		return json.Marshal(d.Text)
	}
}

// TokenizeDialogue encodes each turn of d so that the total length is at
// most maxLength. EOS is appended to the last turn before encoding.
//
// With left truncation turns are taken from the last one backward, each
// keeping its trailing tokens; if that leaves an odd number of turns, a
// single BOS prompt is prepended, dropping the first token when the total
// already equals maxLength. With right truncation turns are taken from the
// first one forward, each keeping its leading tokens.
func TokenizeDialogue(d Dialogue, tok tokenizer.Tokenizer, maxLength int, side tokenizer.Side) ([][]int, error) {
	if maxLength <= 0 {
		return nil, errors.Newf(errors.ErrShape, "max length must be positive, got %d", maxLength)
	}
	var turns []string
	switch {
	case len(d.Turns) > 0:
		turns = append([]string(nil), d.Turns...)
	case d.Tokens == nil:
		turns = []string{tok.BOSToken(), d.Text}
	default:
		return nil, errors.New(errors.ErrShape, "pre-tokenized dialogue cannot be tokenized again")
	}
	turns[len(turns)-1] += tok.EOSToken()

	budget := maxLength
	var out [][]int
	switch side {
	case tokenizer.Left:
		for i := len(turns) - 1; i >= 0; i-- {
			ids, err := tok.Encode(turns[i])
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrTokenizer, "encode turn %d", i)
			}
			if len(ids) > budget {
				ids = ids[len(ids)-budget:]
			}
			budget -= len(ids)
			out = append([][]int{ids}, out...)
			if budget == 0 {
				break
			}
		}
		if len(out)%2 == 1 {
			if total(out) == maxLength && len(out[0]) > 0 {
				out[0] = out[0][1:]
			}
			out = append([][]int{{tok.BOSID()}}, out...)
		}
	case tokenizer.Right:
		for i, turn := range turns {
			ids, err := tok.Encode(turn)
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrTokenizer, "encode turn %d", i)
			}
			if len(ids) > budget {
				ids = ids[:budget]
			}
			budget -= len(ids)
			out = append(out, ids)
			if budget == 0 {
				break
			}
		}
	default:
		return nil, errors.Newf(errors.ErrShape, "unknown truncation side %q", side)
	}
	return out, nil
}

func total(turns [][]int) int {
	n := 0
	for _, t := range turns {
		n += len(t)
	}
	return n
}
