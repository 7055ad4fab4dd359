// Package tokenizer provides the text <-> token id contract used by rollouts
// and dialogue tokenization, with a byte-level BPE loader for HF
// tokenizer.json files and a character tokenizer for small models.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Side selects which end of a sequence truncation or padding applies to
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// ParseSide maps a configuration string onto a Side
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Left, Right:
		return Side(s), nil
	default:
		return "", fmt.Errorf("unknown side %q, want left or right", s)
	}
}

// Tokenizer represents a tokenizer
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	GetEOS() int

	// Special tokens as text, e.g. appended to a turn before encoding
	BOSToken() string
	EOSToken() string
	BOSID() int
	PadID() int

	VocabSize() int
	TruncationSide() Side
	PaddingSide() Side
}

// specials carries the special-token and side settings shared by every
// implementation
type specials struct {
	bos, eos     string
	bosID, eosID int
	padID        int
	truncation   Side
	padding      Side
}

func (s *specials) GetEOS() int          { return s.eosID }
func (s *specials) BOSToken() string     { return s.bos }
func (s *specials) EOSToken() string     { return s.eos }
func (s *specials) BOSID() int           { return s.bosID }
func (s *specials) PadID() int           { return s.padID }
func (s *specials) TruncationSide() Side { return s.truncation }
func (s *specials) PaddingSide() Side    { return s.padding }

// Option adjusts tokenizer settings at construction
type Option func(*specials)

// WithTruncationSide sets the side dropped when a sequence is too long
func WithTruncationSide(side Side) Option {
	return func(s *specials) { s.truncation = side }
}

// WithPaddingSide sets the side padded when a sequence is too short
func WithPaddingSide(side Side) Option {
	return func(s *specials) { s.padding = side }
}

// WithPadID sets the padding token id. The default pads with EOS.
func WithPadID(id int) Option {
	return func(s *specials) { s.padID = id }
}

func (s *specials) apply(opts []Option) {
	s.truncation = Left
	s.padding = Left
	s.padID = s.eosID
	for _, opt := range opts {
		opt(s)
	}
}

// Load picks a tokenizer from a configuration value: "char" builds a char
// tokenizer over alphabet, anything else is a tokenizer.json path or the
// directory holding one.
func Load(name, alphabet string, opts ...Option) (Tokenizer, error) {
	if name == "char" {
		return NewCharTokenizer(alphabet, opts...)
	}
	info, err := os.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", name, err)
	}
	if info.IsDir() {
		return NewTokenizer(name, opts...)
	}
	return NewTokenizer(filepath.Dir(name), opts...)
}
