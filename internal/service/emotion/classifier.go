package emotion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"speech-emotion-service/internal/observability/metrics"
)

// vocabSizer is implemented by tokenizers that track a vocabulary.
type vocabSizer interface {
	VocabSize() int
}

// Classifier runs Tokenizer -> Engine -> Scorer for one text. It is safe
// for concurrent use; engine calls are serialized.
type Classifier struct {
	tokenizer Tokenizer
	engine    Engine
	scorer    *Scorer
	metrics   *metrics.Metrics

	mu sync.Mutex
}

// NewClassifier assembles the pipeline.
func NewClassifier(tokenizer Tokenizer, engine Engine, scorer *Scorer) *Classifier {
	return &Classifier{
		tokenizer: tokenizer,
		engine:    engine,
		scorer:    scorer,
		metrics:   metrics.DefaultMetrics,
	}
}

// WithMetrics replaces the metrics the classifier records into.
func (c *Classifier) WithMetrics(m *metrics.Metrics) *Classifier {
	c.metrics = m
	return c
}

// Scorer returns the scorer in use.
func (c *Classifier) Scorer() *Scorer {
	return c.scorer
}

// Classify returns the emotion of text. Blank text is neutral without an
// engine call. On error the returned result is neutral and the error wraps
// ErrInvalidInput or ErrInferenceFailed.
func (c *Classifier) Classify(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return NeutralResult(), nil
	}

	enc := c.tokenizer.Encode(text)
	if err := enc.Validate(c.tokenizer.MaxLength()); err != nil {
		return NeutralResult(), err
	}
	vocab := -1
	if vs, ok := c.tokenizer.(vocabSizer); ok {
		vocab = vs.VocabSize()
	}
	c.metrics.RecordEncoding(enc.Tokens(), vocab)

	c.mu.Lock()
	raw, err := c.engine.Predict(ctx, enc)
	c.mu.Unlock()
	if err != nil {
		return NeutralResult(), fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	res, err := c.scorer.Classify(raw)
	if err != nil {
		return NeutralResult(), err
	}
	return res, nil
}
