package segment

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of an utterance.
type State int

const (
	// StateOpen - text is still arriving.
	StateOpen State = iota
	// StateFinalized - handed to the history. Terminal.
	StateFinalized
	// StateDropped - abandoned without a final (stop, restart, fatal error). Terminal.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalized:
		return "FINALIZED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateFinalized || s == StateDropped
}

// Trigger records what ended an utterance.
type Trigger string

const (
	TriggerBoundary Trigger = "boundary"
	TriggerFinal    Trigger = "final"
)

// Utterance is one finalized or abandoned unit of speech.
type Utterance struct {
	ID        string
	SessionID string
	Text      string
	At        time.Time
	State     State
	Trigger   Trigger
}

// Tracker follows the recognizer's cumulative text for the current result
// and cuts utterances out of it.
//
// Transitions:
//
//	OPEN ── sentence boundary ──→ FINALIZED (a new OPEN utterance follows)
//	OPEN ── recognizer final ───→ FINALIZED
//	OPEN ── Drop ───────────────→ DROPPED
//
// Recognizers resend the whole result on every partial, so the tracker
// counts the sentences it has already finalized and skips them. Not safe for
// concurrent use.
type Tracker struct {
	splitter  Splitter
	ids       *Generator
	sessionID string
	now       func() time.Time

	committed int
	openID    string
	openText  string
}

// NewTracker returns a tracker naming utterances after sessionID.
func NewTracker(splitter Splitter, ids *Generator, sessionID string, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		splitter:  splitter,
		ids:       ids,
		sessionID: sessionID,
		now:       now,
	}
}

// Transcript returns the open utterance's text.
func (t *Tracker) Transcript() string {
	return t.openText
}

// OpenID returns the ID of the open utterance, or "" when none has text.
func (t *Tracker) OpenID() string {
	return t.openID
}

// Partial consumes a partial result and returns the utterances completed by
// sentence boundaries. The transcript becomes the text after the last boundary.
func (t *Tracker) Partial(text string) []Utterance {
	sentences, rest := t.splitter.Split(text)

	var out []Utterance
	if len(sentences) > t.committed {
		for _, s := range sentences[t.committed:] {
			out = append(out, t.finalize(s, TriggerBoundary))
		}
		t.committed = len(sentences)
	}
	t.setOpen(rest)
	return out
}

// Final consumes a final result. Every sentence not yet finalized, and the
// remainder, become utterances; the transcript is cleared.
func (t *Tracker) Final(text string) []Utterance {
	sentences, rest := t.splitter.Split(text)

	var out []Utterance
	if len(sentences) > t.committed {
		for _, s := range sentences[t.committed:] {
			out = append(out, t.finalize(s, TriggerBoundary))
		}
	}
	if rest != "" {
		out = append(out, t.finalize(rest, TriggerFinal))
	}
	t.committed = 0
	t.setOpen("")
	return out
}

// Drop abandons the open utterance. It returns the dropped utterance and
// true when there was text to drop.
func (t *Tracker) Drop() (Utterance, bool) {
	t.committed = 0
	if t.openText == "" {
		t.setOpen("")
		return Utterance{}, false
	}
	u := Utterance{
		ID:        t.openID,
		SessionID: t.sessionID,
		Text:      t.openText,
		At:        t.now(),
		State:     StateDropped,
	}
	t.openID, t.openText = "", ""
	return u, true
}

func (t *Tracker) setOpen(text string) {
	text = strings.TrimSpace(text)
	t.openText = text
	switch {
	case text == "":
		t.openID = ""
	case t.openID == "":
		t.openID = t.ids.Next(t.sessionID)
	}
}

func (t *Tracker) finalize(text string, trigger Trigger) Utterance {
	id := t.openID
	if id == "" {
		id = t.ids.Next(t.sessionID)
	}
	t.openID = ""
	return Utterance{
		ID:        id,
		SessionID: t.sessionID,
		Text:      text,
		At:        t.now(),
		State:     StateFinalized,
		Trigger:   trigger,
	}
}
