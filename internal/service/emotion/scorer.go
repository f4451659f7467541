package emotion

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultTemperature softens the reference model's logits.
	DefaultTemperature = 2.0
	// DefaultThreshold is the minimum probability for a non-neutral label.
	DefaultThreshold = 0.6
)

// Errors returned by the classification pipeline.
var (
	// ErrInvalidInput reports a model/config shape mismatch. It is never
	// mapped to a neutral result silently.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInferenceFailed wraps failures of the external inference engine.
	ErrInferenceFailed = errors.New("inference failed")
)

// ScorerConfig configures a Scorer. Empty Labels and a zero Temperature take
// the defaults. A nil Threshold means DefaultThreshold; zero is a valid
// threshold that never yields neutral.
type ScorerConfig struct {
	Labels      []Label
	Temperature float64
	Threshold   *float64
}

// Scorer converts raw model scores into a labeled Result.
type Scorer struct {
	labels      []Label
	temperature float64
	threshold   float64
}

// NewScorer validates cfg and returns a Scorer.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	if len(cfg.Labels) == 0 {
		cfg.Labels = DefaultLabels
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}

	if cfg.Temperature < 0 || math.IsNaN(cfg.Temperature) || math.IsInf(cfg.Temperature, 0) {
		return nil, fmt.Errorf("temperature must be positive, got %v", cfg.Temperature)
	}
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("threshold must be within [0,1], got %v", threshold)
	}
	seen := make(map[Label]bool, len(cfg.Labels))
	for _, l := range cfg.Labels {
		if seen[l] {
			return nil, fmt.Errorf("duplicate label %q", l)
		}
		seen[l] = true
	}

	labels := make([]Label, len(cfg.Labels))
	copy(labels, cfg.Labels)
	return &Scorer{
		labels:      labels,
		temperature: cfg.Temperature,
		threshold:   threshold,
	}, nil
}

// Labels returns the label order the scorer expects.
func (s *Scorer) Labels() []Label {
	out := make([]Label, len(s.labels))
	copy(out, s.labels)
	return out
}

// Threshold returns the confidence threshold.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Classify applies a temperature-scaled softmax to raw and picks the most
// probable label; the first index wins ties. Below the threshold the result
// is Neutral carrying the winning probability.
func (s *Scorer) Classify(raw []float64) (Result, error) {
	if len(raw) != len(s.labels) {
		return Result{}, fmt.Errorf("%w: got %d scores, want %d", ErrInvalidInput, len(raw), len(s.labels))
	}
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, fmt.Errorf("%w: score %d is %v", ErrInvalidInput, i, v)
		}
	}

	probs := Softmax(raw, s.temperature)
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}

	res := Result{
		Label:         s.labels[best],
		Confidence:    probs[best],
		Probabilities: probs,
	}
	if probs[best] < s.threshold {
		res.Label = Neutral
	}
	return res, nil
}

// IsFallback reports whether r is a low-confidence neutral rather than a
// neutral the model scored above the threshold.
func (s *Scorer) IsFallback(r Result) bool {
	return r.Label == Neutral && r.Confidence < s.threshold
}

// Softmax returns exp(x/T) normalized over raw. The maximum is subtracted
// first, which leaves the distribution unchanged.
func Softmax(raw []float64, temperature float64) []float64 {
	out := make([]float64, len(raw))
	if len(raw) == 0 {
		return out
	}

	max := raw[0]
	for _, v := range raw[1:] {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range raw {
		out[i] = math.Exp((v - max) / temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
