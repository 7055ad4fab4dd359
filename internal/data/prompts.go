// Package data loads prompt datasets and turns them into fixed-length,
// left-padded query batches for the PPO trainer.
package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/pkg/errors"
)

const maxLineBytes = 16 << 20

// LoadPrompts reads a JSONL prompt file described by cfg
func LoadPrompts(cfg config.DataConfig) ([]string, error) {
	f, err := os.Open(cfg.Prompts)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrConfigLoad, "open prompts %s", cfg.Prompts)
	}
	defer f.Close()
	return ReadPrompts(f, cfg.Field, cfg.MinChars)
}

// ReadPrompts reads one JSON object per line and keeps the string under
// field when it has more than minChars characters. Blank lines are skipped.
func ReadPrompts(r io.Reader, field string, minChars int) ([]string, error) {
	if field == "" {
		field = "text"
	}
	var prompts []string
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, errors.Wrapf(err, errors.ErrShape, "line %d: invalid json", lineNo)
		}
		text, ok := rec[field].(string)
		if !ok {
			return nil, errors.Newf(errors.ErrShape, "line %d: field %q missing or not a string", lineNo, field)
		}
		if utf8.RuneCountInString(text) <= minChars {
			continue
		}
		prompts = append(prompts, text)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}
