// Package emotion turns utterance text into a labeled emotion: a placeholder
// vocabulary tokenizer, the external inference engine contract, and a
// temperature-scaled scorer with a neutral fallback.
package emotion

import "fmt"

// Label is one of the closed set of emotion labels.
type Label string

const (
	Sadness  Label = "sadness"
	Joy      Label = "joy"
	Love     Label = "love"
	Anger    Label = "anger"
	Fear     Label = "fear"
	Surprise Label = "surprise"
	// Neutral is both a possible class and the low-confidence fallback.
	Neutral Label = "neutral"
)

// DefaultLabels is the model's output order. Index i of the raw score
// vector belongs to DefaultLabels[i].
var DefaultLabels = []Label{Sadness, Joy, Love, Anger, Fear, Surprise}

// ParseLabel returns the label named by s.
func ParseLabel(s string) (Label, error) {
	switch l := Label(s); l {
	case Sadness, Joy, Love, Anger, Fear, Surprise, Neutral:
		return l, nil
	default:
		return "", fmt.Errorf("unknown emotion label %q", s)
	}
}

// Color returns the display color presentation layers use for the label.
func (l Label) Color() string {
	switch l {
	case Sadness:
		return "blue"
	case Joy:
		return "yellow"
	case Love:
		return "pink"
	case Anger:
		return "red"
	case Fear:
		return "purple"
	case Surprise:
		return "orange"
	default:
		return "gray"
	}
}

// Result is a classification outcome. Confidence is the probability that
// produced Label, also when Label is the neutral fallback.
type Result struct {
	Label         Label     `json:"label"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities,omitempty"`
}

// NeutralResult is the result for empty text and degraded classifications.
func NeutralResult() Result {
	return Result{Label: Neutral}
}
