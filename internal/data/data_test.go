package data

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/pkg/errors"
	"github.com/zswitten/trlx/pkg/tokenizer"
)

const alphabet = "abcdefgh "

func charTok(t *testing.T, opts ...tokenizer.Option) tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.NewCharTokenizer(alphabet, opts...)
	require.NoError(t, err)
	return tok
}

func TestReadPrompts(t *testing.T) {
	in := strings.Join([]string{
		`{"review": "abcdef", "sentiment": 1}`,
		``,
		`{"review": "abc"}`,
		`{"review": "abcd"}`,
	}, "\n")
	got, err := ReadPrompts(strings.NewReader(in), "review", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdef", "abcd"}, got)
}

func TestReadPromptsErrors(t *testing.T) {
	_, err := ReadPrompts(strings.NewReader("{not json"), "review", 0)
	assert.True(t, errors.IsValidation(err))
	assert.ErrorContains(t, err, "line 1")

	_, err = ReadPrompts(strings.NewReader(`{"text": "x"}`+"\n"+`{"review": 3}`), "review", 0)
	assert.ErrorContains(t, err, "line 1")
}

func TestLoadPrompts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"text": "hello"}`+"\n"), 0o644))

	got, err := LoadPrompts(config.DataConfig{Prompts: path, Field: "text"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, got)

	_, err = LoadPrompts(config.DataConfig{Prompts: filepath.Join(t.TempDir(), "missing.jsonl")})
	assert.True(t, errors.IsConfig(err))
}

func TestEncodeQuery(t *testing.T) {
	tok := charTok(t, tokenizer.WithTruncationSide(tokenizer.Right))
	eos := tok.GetEOS()

	got, err := EncodeQuery(tok, "abc", 5)
	require.NoError(t, err)
	assert.Equal(t, []int{eos, eos, 0, 1, 2}, got)

	got, err = EncodeQuery(tok, "abcdefg", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, got)

	left := charTok(t, tokenizer.WithPaddingSide(tokenizer.Right), tokenizer.WithPadID(-1))
	got, err = EncodeQuery(left, "abcdefg", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5, 6}, got)

	got, err = EncodeQuery(left, "ab", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, eos, eos}, got)
}

func TestLoader(t *testing.T) {
	tok := charTok(t)
	prompts := []string{"a", "b", "c", "d", "e"}

	l, err := NewLoader(prompts, tok, 2, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	var texts []string
	for {
		b, ok, err := l.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Len(t, b.Queries, 2)
		for _, q := range b.Queries {
			assert.Len(t, q, 2)
		}
		texts = append(texts, b.Texts...)
	}
	// the partial last batch is dropped
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, texts); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}

	l.Reset()
	b, ok, err := l.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, b.Texts)
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	tok := charTok(t)
	prompts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	first := func(seed int64) []string {
		l, err := NewLoader(prompts, tok, 8, 1, rand.New(rand.NewSource(seed)))
		require.NoError(t, err)
		b, ok, err := l.Next()
		require.NoError(t, err)
		require.True(t, ok)
		return b.Texts
	}
	a, b := first(3), first(3)
	assert.Equal(t, a, b)
	assert.ElementsMatch(t, prompts, a)
}

func TestNewLoaderRejectsBadSizes(t *testing.T) {
	_, err := NewLoader(nil, charTok(t), 0, 4, nil)
	assert.True(t, errors.IsValidation(err))
}
