package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// defaultSpecial is the GPT-2 family BOS/EOS token
const defaultSpecial = "<|endoftext|>"

// bpeTokenizer implements a minimal HF-compatible ByteLevel BPE
type bpeTokenizer struct {
	specials

	vocab          map[string]int
	idToToken      []string
	mergesRank     map[[2]string]int
	addPrefixSpace bool
	unkID          int

	byteEncoder map[byte]rune
	byteDecoder map[rune]byte

	added       map[string]int
	addedSorted []string

	pattern  *regexp.Regexp
	bpeCache map[string][]string
}

type tokenizerFile struct {
	Model struct {
		Type      string         `json:"type"`
		Vocab     map[string]int `json:"vocab"`
		MergesRaw []interface{}  `json:"merges"`
		UnkToken  string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type           string `json:"type"`
		AddPrefixSpace bool   `json:"add_prefix_space"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// NewTokenizer loads a HF-like tokenizer.json with model.type == "BPE" and
// optional ByteLevel pre_tokenizer from modelPath. Special tokens come from
// tokenizer_config.json when present, else <|endoftext|>.
func NewTokenizer(modelPath string, opts ...Option) (Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(modelPath, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var cfg tokenizerFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(cfg.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model type: %s", cfg.Model.Type)
	}

	ranks := parseMerges(cfg.Model.MergesRaw)

	vocab := make(map[string]int, len(cfg.Model.Vocab)+len(cfg.AddedTokens))
	for k, v := range cfg.Model.Vocab {
		vocab[k] = v
	}
	added := make(map[string]int, len(cfg.AddedTokens))
	for _, a := range cfg.AddedTokens {
		vocab[a.Content] = a.ID
		added[a.Content] = a.ID
	}
	maxID := -1
	for _, id := range vocab {
		if id > maxID {
			maxID = id
		}
	}
	idToTok := make([]string, maxID+1)
	for tok, id := range vocab {
		if id >= 0 {
			idToTok[id] = tok
		}
	}

	unkID := -1
	if cfg.Model.UnkToken != "" {
		if id, ok := cfg.Model.Vocab[cfg.Model.UnkToken]; ok {
			unkID = id
		}
	} else if id, ok := cfg.Model.Vocab["<unk>"]; ok {
		unkID = id
	}

	bos, eos := readSpecialTokens(modelPath)
	bosID, ok := vocab[bos]
	if !ok {
		return nil, fmt.Errorf("bos token %q not in vocab", bos)
	}
	eosID, ok := vocab[eos]
	if !ok {
		return nil, fmt.Errorf("eos token %q not in vocab", eos)
	}
	// special tokens must match greedily even if tokenizer.json did not list them
	added[bos] = bosID
	added[eos] = eosID

	// longest match first
	addedSorted := make([]string, 0, len(added))
	for s := range added {
		addedSorted = append(addedSorted, s)
	}
	sort.Slice(addedSorted, func(i, j int) bool {
		if len(addedSorted[i]) != len(addedSorted[j]) {
			return len(addedSorted[i]) > len(addedSorted[j])
		}
		return addedSorted[i] < addedSorted[j]
	})

	be, bd := bytesToUnicode()
	t := &bpeTokenizer{
		specials: specials{
			bos:   bos,
			eos:   eos,
			bosID: bosID,
			eosID: eosID,
		},
		vocab:          vocab,
		idToToken:      idToTok,
		mergesRank:     ranks,
		addPrefixSpace: cfg.PreTokenizer.Type == "ByteLevel" && cfg.PreTokenizer.AddPrefixSpace,
		unkID:          unkID,
		byteEncoder:    be,
		byteDecoder:    bd,
		added:          added,
		addedSorted:    addedSorted,
		// GPT-2 ByteLevel pretokenizer regex
		pattern:  regexp.MustCompile(`(?i)'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`),
		bpeCache: make(map[string][]string),
	}
	t.apply(opts)
	return t, nil
}

func parseMerges(raw []interface{}) map[[2]string]int {
	ranks := make(map[[2]string]int, len(raw))
	rank := 0
	for _, it := range raw {
		var pair [2]string
		switch v := it.(type) {
		case string:
			parts := strings.Split(v, " ")
			if len(parts) != 2 {
				continue
			}
			pair = [2]string{parts[0], parts[1]}
		case []interface{}:
			if len(v) != 2 {
				continue
			}
			a, _ := v[0].(string)
			b, _ := v[1].(string)
			if a == "" || b == "" {
				continue
			}
			pair = [2]string{a, b}
		default:
			continue
		}
		ranks[pair] = rank
		rank++
	}
	return ranks
}

// readSpecialTokens reads bos_token/eos_token from tokenizer_config.json.
// Entries may be plain strings or {"content": ...} objects.
func readSpecialTokens(modelPath string) (bos, eos string) {
	bos, eos = defaultSpecial, defaultSpecial
	data, err := os.ReadFile(filepath.Join(modelPath, "tokenizer_config.json"))
	if err != nil {
		return bos, eos
	}
	var cfg map[string]interface{}
	if json.Unmarshal(data, &cfg) != nil {
		return bos, eos
	}
	if s := specialContent(cfg["bos_token"]); s != "" {
		bos = s
	}
	if s := specialContent(cfg["eos_token"]); s != "" {
		eos = s
	}
	return bos, eos
}

func specialContent(v interface{}) string {
	switch tok := v.(type) {
	case string:
		return tok
	case map[string]interface{}:
		s, _ := tok["content"].(string)
		return s
	}
	return ""
}

// Encode runs ByteLevel pretokenization and BPE, matching added tokens first
func (t *bpeTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addPrefixSpace && len(text) > 0 && text[0] != ' ' {
		text = " " + text
	}
	pos := 0
	for pos < len(text) {
		matched := false
		for _, tok := range t.addedSorted {
			if strings.HasPrefix(text[pos:], tok) {
				ids = append(ids, t.added[tok])
				pos += len(tok)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		// Bound by next special occurrence
		next := len(text)
		for _, tok := range t.addedSorted {
			if i := strings.Index(text[pos:], tok); i >= 0 && pos+i < next {
				next = pos + i
			}
		}
		for _, tk := range t.pattern.FindAllString(text[pos:next], -1) {
			if tk == "" {
				continue
			}
			ids = append(ids, t.encodeWord(tk)...)
		}
		pos = next
	}
	return ids, nil
}

func (t *bpeTokenizer) encodeWord(word string) []int {
	raw := []byte(word)
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, b := range raw {
		sb.WriteRune(t.byteEncoder[b])
	}
	token := sb.String()
	if v, ok := t.bpeCache[token]; ok {
		return t.tokensToIDs(v)
	}
	pieces := t.applyBPE(token)
	t.bpeCache[token] = pieces
	return t.tokensToIDs(pieces)
}

// Decode maps token ids back to text. Added tokens decode to their content.
func (t *bpeTokenizer) Decode(tokenIDs []int) (string, error) {
	buf := make([]byte, 0, len(tokenIDs)*4)
	for _, id := range tokenIDs {
		if id < 0 || id >= len(t.idToToken) {
			return "", fmt.Errorf("token id %d outside vocab %d", id, len(t.idToToken))
		}
		tok := t.idToToken[id]
		if _, ok := t.added[tok]; ok {
			buf = append(buf, tok...)
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return string(buf), nil
}

func (t *bpeTokenizer) VocabSize() int { return len(t.idToToken) }

func (t *bpeTokenizer) applyBPE(token string) []string {
	if token == "" {
		return nil
	}
	symbols := make([]string, 0, len(token))
	for _, r := range token {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		bestRank := int(^uint(0) >> 1)
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if r, ok := t.mergesRank[[2]string{symbols[i], symbols[i+1]}]; ok && r < bestRank {
				bestRank, bestIdx = r, i
			}
		}
		if bestIdx == -1 {
			break
		}
		best := [2]string{symbols[bestIdx], symbols[bestIdx+1]}
		// merge every occurrence of the best pair, left to right
		merged := make([]string, 0, len(symbols))
		for i := 0; i < len(symbols); {
			if i < len(symbols)-1 && symbols[i] == best[0] && symbols[i+1] == best[1] {
				merged = append(merged, best[0]+best[1])
				i += 2
				continue
			}
			merged = append(merged, symbols[i])
			i++
		}
		symbols = merged
	}
	return symbols
}

func (t *bpeTokenizer) tokensToIDs(tokens []string) []int {
	out := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if id, ok := t.vocab[tok]; ok {
			out = append(out, id)
		} else if t.unkID >= 0 {
			out = append(out, t.unkID)
		}
	}
	return out
}

// bytesToUnicode constructs the GPT-2 byte <-> printable rune mapping
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	printable := make([]bool, 256)
	for i := 33; i <= 126; i++ {
		printable[i] = true
	}
	for i := 161; i <= 172; i++ {
		printable[i] = true
	}
	for i := 174; i <= 255; i++ {
		printable[i] = true
	}
	be := make(map[byte]rune, 256)
	bd := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable[b] {
			r = rune(256 + n)
			n++
		}
		be[byte(b)] = r
		bd[r] = byte(b)
	}
	return be, bd
}
