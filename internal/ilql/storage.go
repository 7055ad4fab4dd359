package ilql

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/zswitten/trlx/pkg/errors"
)

// Element is the offline experience of one dialogue
type Element struct {
	InputIDs      []int     `json:"input_ids"`
	AttentionMask []int     `json:"attention_mask"`
	Rewards       []float32 `json:"rewards"`     // one per action, nonzero only at the last
	StatesIxs     []int     `json:"states_ixs"`  // actions plus the final index
	ActionsIxs    []int     `json:"actions_ixs"` // positions preceding each output token
	Dones         []int     `json:"dones"`       // one per state, 0 only at the last
}

// Validate checks the structural invariants of e
func (e *Element) Validate() error {
	switch {
	case len(e.AttentionMask) != len(e.InputIDs):
		return errors.Newf(errors.ErrStorageInvariant,
			"attention mask has %d entries for %d input ids", len(e.AttentionMask), len(e.InputIDs))
	case len(e.StatesIxs) != len(e.ActionsIxs)+1:
		return errors.Newf(errors.ErrStorageInvariant,
			"%d states for %d actions", len(e.StatesIxs), len(e.ActionsIxs))
	case len(e.Dones) != len(e.StatesIxs):
		return errors.Newf(errors.ErrStorageInvariant,
			"%d dones for %d states", len(e.Dones), len(e.StatesIxs))
	case len(e.Rewards) != len(e.ActionsIxs):
		return errors.Newf(errors.ErrStorageInvariant,
			"%d rewards for %d actions", len(e.Rewards), len(e.ActionsIxs))
	}
	for i, d := range e.Dones {
		want := 1
		if i == len(e.Dones)-1 {
			want = 0
		}
		if d != want {
			return errors.Newf(errors.ErrStorageInvariant, "done flag %d is %d, want %d", i, d, want)
		}
	}
	for _, ix := range e.StatesIxs {
		if ix < 0 || ix >= len(e.InputIDs) {
			return errors.Newf(errors.ErrStorageInvariant, "state index %d outside %d tokens", ix, len(e.InputIDs))
		}
	}
	return nil
}

// RolloutStorage holds offline experience, one Element per dialogue
type RolloutStorage struct {
	elements []Element
}

// NewRolloutStorage validates and wraps elements
func NewRolloutStorage(elements []Element) (*RolloutStorage, error) {
	for i := range elements {
		if err := elements[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, errors.ErrStorageInvariant, "element %d", i)
		}
	}
	return &RolloutStorage{elements: elements}, nil
}

// Len returns the number of elements
func (s *RolloutStorage) Len() int { return len(s.elements) }

// Get returns element i
func (s *RolloutStorage) Get(i int) Element { return s.elements[i] }

// Batch is a right-padded batch of elements. Padded positions hold zeros,
// and their attention mask is 0.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Rewards       [][]float32
	StatesIxs     [][]int
	ActionsIxs    [][]int
	Dones         [][]int
}

// Batches splits the storage into batches of at most batchSize elements,
// shuffled by rng when it is non-nil
func (s *RolloutStorage) Batches(batchSize int, rng *rand.Rand) ([]Batch, error) {
	if batchSize <= 0 {
		return nil, errors.Newf(errors.ErrBatchSize, "batch size must be positive, got %d", batchSize)
	}
	order := make([]int, len(s.elements))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var out []Batch
	for lo := 0; lo < len(order); lo += batchSize {
		hi := lo + batchSize
		if hi > len(order) {
			hi = len(order)
		}
		var b Batch
		for _, i := range order[lo:hi] {
			e := s.elements[i]
			b.InputIDs = append(b.InputIDs, e.InputIDs)
			b.AttentionMask = append(b.AttentionMask, e.AttentionMask)
			b.Rewards = append(b.Rewards, e.Rewards)
			b.StatesIxs = append(b.StatesIxs, e.StatesIxs)
			b.ActionsIxs = append(b.ActionsIxs, e.ActionsIxs)
			b.Dones = append(b.Dones, e.Dones)
		}
		b.InputIDs = padInts(b.InputIDs)
		b.AttentionMask = padInts(b.AttentionMask)
		b.Rewards = padFloats(b.Rewards)
		b.StatesIxs = padInts(b.StatesIxs)
		b.ActionsIxs = padInts(b.ActionsIxs)
		b.Dones = padInts(b.Dones)
		out = append(out, b)
	}
	return out, nil
}

func padInts(rows [][]int) [][]int {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = make([]int, width)
		copy(out[i], r)
	}
	return out
}

func padFloats(rows [][]float32) [][]float32 {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = make([]float32, width)
		copy(out[i], r)
	}
	return out
}

// WriteJSONL writes one element per line
func (s *RolloutStorage) WriteJSONL(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i := range s.elements {
		line, err := json.Marshal(&s.elements[i])
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Save writes the storage to path through a temporary file
func (s *RolloutStorage) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if err := s.WriteJSONL(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadJSONL reads storage written by WriteJSONL and validates every line
func ReadJSONL(r io.Reader) (*RolloutStorage, error) {
	var elements []Element
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 64<<20)
	lineNo := 0
	for s.Scan() {
		lineNo++
		if len(s.Bytes()) == 0 {
			continue
		}
		var e Element
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		elements = append(elements, e)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return NewRolloutStorage(elements)
}
