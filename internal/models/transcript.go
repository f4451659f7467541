// Package models defines the payloads published as events and served to
// presentation layers.
package models

import "time"

// Event types, also used as the eventType Kafka header.
const (
	EventTranscriptPartial = "transcript.partial"
	EventChatEntry         = "chat.entry"
)

// TranscriptPartial represents a change of the in-progress transcript.
type TranscriptPartial struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	UtteranceID string `json:"utteranceId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	Text        string `json:"text"`
}

// ChatEntry is one finalized utterance with its resolved emotion. Entries
// are never mutated once created.
type ChatEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
}

// ChatEntryEvent wraps a ChatEntry for publishing.
type ChatEntryEvent struct {
	EventType string `json:"eventType"`
	ChatEntry
}
