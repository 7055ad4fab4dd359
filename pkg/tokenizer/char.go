package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Special token text used by the char tokenizer
const (
	CharBOS = "<|bos|>"
	CharEOS = "<|endoftext|>"
)

// charTokenizer maps each rune of a fixed alphabet to its own id. The two
// special tokens take the ids right after the alphabet.
type charTokenizer struct {
	specials
	charToLocal map[rune]int
	localToChar []rune
}

// NewCharTokenizer builds a tokenizer over the distinct runes of alphabet,
// in order of first appearance. Runes outside the alphabet are dropped on
// Encode.
func NewCharTokenizer(alphabet string, opts ...Option) (Tokenizer, error) {
	charToLocal := make(map[rune]int)
	var uchars []rune
	for _, r := range alphabet {
		if _, ok := charToLocal[r]; ok {
			continue
		}
		charToLocal[r] = len(uchars)
		uchars = append(uchars, r)
	}
	if len(uchars) == 0 {
		return nil, fmt.Errorf("char tokenizer needs a non-empty alphabet")
	}

	t := &charTokenizer{
		specials: specials{
			bos:   CharBOS,
			eos:   CharEOS,
			bosID: len(uchars),
			eosID: len(uchars) + 1,
		},
		charToLocal: charToLocal,
		localToChar: uchars,
	}
	t.apply(opts)
	return t, nil
}

func (t *charTokenizer) Encode(text string) ([]int, error) {
	out := make([]int, 0, len(text))
	for len(text) > 0 {
		switch {
		case strings.HasPrefix(text, t.bos):
			out = append(out, t.bosID)
			text = text[len(t.bos):]
			continue
		case strings.HasPrefix(text, t.eos):
			out = append(out, t.eosID)
			text = text[len(t.eos):]
			continue
		}
		r, size := utf8.DecodeRuneInString(text)
		if id, ok := t.charToLocal[r]; ok {
			out = append(out, id)
		}
		text = text[size:]
	}
	return out, nil
}

func (t *charTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		switch {
		case id >= 0 && id < len(t.localToChar):
			sb.WriteRune(t.localToChar[id])
		case id == t.bosID:
			sb.WriteString(t.bos)
		case id == t.eosID:
			sb.WriteString(t.eos)
		default:
			return "", fmt.Errorf("token id %d outside vocab %d", id, t.VocabSize())
		}
	}
	return sb.String(), nil
}

func (t *charTokenizer) VocabSize() int { return len(t.localToChar) + 2 }
