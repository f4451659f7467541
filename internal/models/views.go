package models

// CauseView is the error cause of a failed session.
type CauseView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ClassificationView is the current classification of the transcript.
type ClassificationView struct {
	Label         string    `json:"label"`
	Confidence    float64   `json:"confidence"`
	Fallback      bool      `json:"fallback"`
	Color         string    `json:"color"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// StateView is the read-only state exposed to presentation layers.
type StateView struct {
	State          string             `json:"state"`
	Cause          *CauseView         `json:"cause,omitempty"`
	SessionID      string             `json:"sessionId,omitempty"`
	Transcript     string             `json:"transcript"`
	Classification ClassificationView `json:"classification"`
	HistorySize    int                `json:"historySize"`
}

// EntryView is a ChatEntry with its display color.
type EntryView struct {
	ChatEntry
	Color string `json:"color"`
}

// Websocket feed message types.
const (
	FeedState = "state"
	FeedEntry = "entry"
)

// FeedMessage is one websocket frame of the state feed.
type FeedMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
