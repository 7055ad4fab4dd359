package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharTokenizer(t *testing.T) {
	tok, err := NewCharTokenizer("abca ")
	require.NoError(t, err)

	assert.Equal(t, 6, tok.VocabSize())
	assert.Equal(t, 4, tok.BOSID())
	assert.Equal(t, 5, tok.GetEOS())
	assert.Equal(t, tok.GetEOS(), tok.PadID())
	assert.Equal(t, Left, tok.TruncationSide())
	assert.Equal(t, Left, tok.PaddingSide())

	ids, err := tok.Encode(tok.BOSToken() + "ab zc" + tok.EOSToken())
	require.NoError(t, err)
	// z is outside the alphabet and dropped
	assert.Equal(t, []int{4, 0, 1, 3, 2, 5}, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, CharBOS+"ab c"+CharEOS, text)

	_, err = tok.Decode([]int{99})
	assert.Error(t, err)
}

func TestCharTokenizerOptions(t *testing.T) {
	tok, err := NewCharTokenizer("ab", WithTruncationSide(Right), WithPaddingSide(Right), WithPadID(0))
	require.NoError(t, err)
	assert.Equal(t, Right, tok.TruncationSide())
	assert.Equal(t, Right, tok.PaddingSide())
	assert.Equal(t, 0, tok.PadID())
}

func TestCharTokenizerEmptyAlphabet(t *testing.T) {
	_, err := NewCharTokenizer("")
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("right")
	require.NoError(t, err)
	assert.Equal(t, Right, s)

	_, err = ParseSide("middle")
	assert.Error(t, err)
}

const tinyTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {"h": 0, "e": 1, "l": 2, "o": 3, "he": 4, "ll": 5, "Ġ": 6, "<|endoftext|>": 7, "hell": 8},
    "merges": ["h e", "l l", ["he", "ll"]]
  },
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "added_tokens": [{"id": 7, "content": "<|endoftext|>", "special": true}]
}`

func TestBPETokenizer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(tinyTokenizerJSON), 0o644))

	tok, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, 7, tok.GetEOS())
	assert.Equal(t, 7, tok.BOSID())
	assert.Equal(t, "<|endoftext|>", tok.EOSToken())
	assert.Equal(t, 9, tok.VocabSize())

	ids, err := tok.Encode("hello" + tok.EOSToken())
	require.NoError(t, err)
	assert.Equal(t, []int{8, 3, 7}, ids)

	ids, err = tok.Encode(" o")
	require.NoError(t, err)
	assert.Equal(t, []int{6, 3}, ids)

	text, err := tok.Decode([]int{6, 8, 3, 7})
	require.NoError(t, err)
	assert.Equal(t, " hello<|endoftext|>", text)
}

func TestBPETokenizerSpecialsFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(tinyTokenizerJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"),
		[]byte(`{"bos_token": {"content": "h"}, "eos_token": "<|endoftext|>"}`), 0o644))

	tok, err := NewTokenizer(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, tok.BOSID())
	assert.Equal(t, 7, tok.GetEOS())
}

func TestBytesToUnicodeIsBijective(t *testing.T) {
	be, bd := bytesToUnicode()
	require.Len(t, be, 256)
	require.Len(t, bd, 256)
	for b, r := range be {
		assert.Equal(t, b, bd[r])
	}
	assert.Equal(t, rune(0x120), be[' '])
}
