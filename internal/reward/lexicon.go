package reward

import (
	"context"
	"strings"
	"unicode"
)

var (
	positiveWords = []string{
		"good", "great", "excellent", "amazing", "wonderful", "best", "love", "loved",
		"beautiful", "brilliant", "enjoy", "enjoyed", "fantastic", "fun", "perfect",
		"superb", "favorite", "masterpiece", "touching", "funny", "recommend", "nice",
	}
	negativeWords = []string{
		"bad", "worst", "awful", "terrible", "boring", "waste", "poor", "hate",
		"hated", "stupid", "horrible", "dull", "worse", "mess", "annoying",
		"disappointing", "disappointed", "lame", "ridiculous", "pointless", "weak",
	}
	negations = map[string]bool{"not": true, "no": true, "never": true, "isn't": true, "wasn't": true, "don't": true}
)

// LexiconScorer is an in-process sentiment scorer that counts polarity
// words. It returns two classes, NEGATIVE then POSITIVE, whose raw scores
// are -s and s for a polarity s in [-1, 1].
type LexiconScorer struct {
	batchSize int
	function  string
	weights   map[string]float64
}

// NewLexiconScorer creates a scorer over the built-in word lists
func NewLexiconScorer(batchSize int, function string) *LexiconScorer {
	weights := make(map[string]float64, len(positiveWords)+len(negativeWords))
	for _, w := range positiveWords {
		weights[w] = 1
	}
	for _, w := range negativeWords {
		weights[w] = -1
	}
	return &LexiconScorer{batchSize: batchSize, function: function, weights: weights}
}

// Score implements Model
func (l *LexiconScorer) Score(ctx context.Context, texts []string) ([][]ClassScore, error) {
	out := make([][]ClassScore, 0, len(texts))
	for _, batch := range batches(texts, l.batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, text := range batch {
			s := l.polarity(text)
			scores := applyFunction([]float64{-s, s}, l.function)
			out = append(out, []ClassScore{
				{Label: LabelNegative, Score: scores[0]},
				{Label: LabelPositive, Score: scores[1]},
			})
		}
	}
	return out, nil
}

// polarity is the mean word weight of the text, with a negation flipping
// the next polar word
func (l *LexiconScorer) polarity(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	var sum float64
	hits := 0
	negate := false
	for _, w := range words {
		if negations[w] {
			negate = true
			continue
		}
		weight, ok := l.weights[w]
		if !ok {
			continue
		}
		if negate {
			weight = -weight
			negate = false
		}
		sum += weight
		hits++
	}
	if hits == 0 {
		return 0
	}
	return sum / float64(hits)
}

// batches splits items into chunks of at most size; size <= 0 means one chunk
func batches[T any](items []T, size int) [][]T {
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
