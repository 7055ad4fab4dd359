package rollout

import (
	"github.com/zswitten/trlx/internal/sampling"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	SequenceStatusWaiting SequenceStatus = iota
	SequenceStatusRunning
	SequenceStatusFinished
)

// Sequence is one query being extended into a response
type Sequence struct {
	// ID is the index of the query in the generate call
	ID              int
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	BlockTable      []int
	MaxNewTokens    int
	MinNewTokens    int
	Params          sampling.Params
}

// NewSequence creates a new sequence over a copy of the query tokens
func NewSequence(id int, tokenIDs []int, p GenParams) *Sequence {
	s := &Sequence{
		ID:              id,
		Status:          SequenceStatusWaiting,
		TokenIDs:        make([]int, len(tokenIDs)),
		NumTokens:       len(tokenIDs),
		NumPromptTokens: len(tokenIDs),
		MaxNewTokens:    p.MaxNewTokens,
		MinNewTokens:    p.MinNewTokens,
		Params:          p.Sampling,
	}
	copy(s.TokenIDs, tokenIDs)
	if len(tokenIDs) > 0 {
		s.LastToken = tokenIDs[len(tokenIDs)-1]
	}
	return s
}

// IsFinished checks if the sequence is finished
func (s *Sequence) IsFinished() bool {
	return s.Status == SequenceStatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// EOSAllowed reports whether the minimum response length has been reached
func (s *Sequence) EOSAllowed() bool {
	return s.NumCompletionTokens() >= s.MinNewTokens
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}
