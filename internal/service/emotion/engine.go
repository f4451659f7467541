package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Engine is the external inference engine: two equal-length integer tensors
// in, one raw score per label out. Calls are not assumed to be cancellable.
type Engine interface {
	Predict(ctx context.Context, enc Encoding) ([]float64, error)
}

// ConstantEngine returns the same scores for every input. Used when no model
// is configured and in tests.
type ConstantEngine struct {
	Scores []float64
}

// Predict returns a copy of the configured scores.
func (e ConstantEngine) Predict(_ context.Context, _ Encoding) ([]float64, error) {
	out := make([]float64, len(e.Scores))
	copy(out, e.Scores)
	return out, nil
}

// --- HTTP model server (/predict) ---

type predictRequest struct {
	InputIDs      [][]int32 `json:"input_ids"`
	AttentionMask [][]int32 `json:"attention_mask"`
}

type predictResponse struct {
	Logits []float64 `json:"logits"`
}

// HTTPEngine calls a model server that accepts a [1, N] batch and answers
// with the logits of that single row.
type HTTPEngine struct {
	url string
	c   *http.Client
}

// NewHTTPEngine returns an engine posting to url+"/predict".
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEngine{url: url, c: &http.Client{Timeout: timeout}}
}

// Predict runs one inference request.
func (h *HTTPEngine) Predict(ctx context.Context, enc Encoding) ([]float64, error) {
	b, err := json.Marshal(predictRequest{
		InputIDs:      [][]int32{enc.IDs},
		AttentionMask: [][]int32{enc.AttentionMask},
	})
	if err != nil {
		return nil, fmt.Errorf("predict encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/predict", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("predict %s: %s", resp.Status, string(body))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("predict decode: %w", err)
	}
	return out.Logits, nil
}
