// Package stt defines the streaming speech recognizer the session drives.
// Results arrive as tagged events on a channel instead of callbacks.
package stt

import (
	"context"
	"fmt"
	"strings"

	"speech-emotion-service/internal/service/audio"
)

// Kind tags an Event.
type Kind int

const (
	KindPartial Kind = iota
	KindFinal
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one recognizer result. Text is the whole best-guess text of the
// current result, not a delta.
type Event struct {
	Kind       Kind
	Text       string
	Confidence float64
	Err        *Error
}

// Partial returns a partial-result event.
func Partial(text string) Event { return Event{Kind: KindPartial, Text: text} }

// Final returns a final-result event.
func Final(text string, confidence float64) Event {
	return Event{Kind: KindFinal, Text: text, Confidence: confidence}
}

// Failure returns an error event.
func Failure(code Code, message string) Event {
	return Event{Kind: KindError, Err: &Error{Code: code, Message: message}}
}

// Options configures one recognition task. The zero value requests partial
// results in the recognizer's default language.
type Options struct {
	LanguageCode    string
	DisablePartials bool
}

// Recognizer starts streaming recognition tasks.
type Recognizer interface {
	// Start opens a task for audio in the given format. The task's event
	// channel is closed when the stream ends for any reason.
	Start(ctx context.Context, format audio.Format, opts Options) (Task, error)
	Name() string
}

// Task is one streaming recognition request.
type Task interface {
	// Append queues a buffer. It never blocks; buffers are dropped when the
	// task cannot keep up, and it returns false in that case.
	Append(buf audio.Buffer) bool
	// EndAudio signals that no more audio follows.
	EndAudio()
	// Cancel aborts the task. Idempotent.
	Cancel()
	Events() <-chan Event
}

// ParseCodes parses a comma-separated list of code names.
func ParseCodes(s string) (map[Code]bool, error) {
	codes := make(map[Code]bool)
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		c, err := ParseCode(name)
		if err != nil {
			return nil, err
		}
		codes[c] = true
	}
	return codes, nil
}
