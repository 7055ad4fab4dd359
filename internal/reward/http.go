package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/observability/logging"
)

// HTTPScorer calls a remote text-classification endpoint. The request body
// is {"inputs": [...], "parameters": {...}} and the response is one list
// of {"label", "score"} per input.
type HTTPScorer struct {
	client   *http.Client
	endpoint string
	cfg      config.SentimentConfig
	logger   logging.Logger
}

type scoreRequest struct {
	Inputs     []string        `json:"inputs"`
	Parameters scoreParameters `json:"parameters"`
}

type scoreParameters struct {
	ReturnAllScores bool   `json:"return_all_scores"`
	FunctionToApply string `json:"function_to_apply"`
}

// NewHTTPScorer creates a client for cfg.Endpoint
func NewHTTPScorer(cfg config.SentimentConfig, logger logging.Logger) *HTTPScorer {
	return &HTTPScorer{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: cfg.Endpoint,
		cfg:      cfg,
		logger:   logger,
	}
}

// Score implements Model, sending one request per batch
func (h *HTTPScorer) Score(ctx context.Context, texts []string) ([][]ClassScore, error) {
	out := make([][]ClassScore, 0, len(texts))
	for i, batch := range batches(texts, h.cfg.BatchSize) {
		scores, err := h.post(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		if len(scores) != len(batch) {
			return nil, fmt.Errorf("batch %d: got %d results for %d inputs", i, len(scores), len(batch))
		}
		out = append(out, scores...)
	}
	return out, nil
}

func (h *HTTPScorer) post(ctx context.Context, inputs []string) ([][]ClassScore, error) {
	body, err := json.Marshal(scoreRequest{
		Inputs: inputs,
		Parameters: scoreParameters{
			ReturnAllScores: h.cfg.ReturnAllScores,
			FunctionToApply: h.cfg.FunctionToApply,
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.logger.Warn("reward endpoint returned an error",
			logging.Int("status", resp.StatusCode),
			logging.String("body", string(msg)))
		return nil, fmt.Errorf("reward endpoint returned %s", resp.Status)
	}

	var scores [][]ClassScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode reward response: %w", err)
	}
	return scores, nil
}
