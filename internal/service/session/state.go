package session

import (
	"context"
	"fmt"
	"sync"

	"speech-emotion-service/internal/service/segment"
)

// State is the recording session state. Audio resources are held if and
// only if the state is StateActive.
type State int

const (
	StateIdle State = iota
	StateRequestingPermission
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequestingPermission:
		return "REQUESTING_PERMISSION"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// CauseKind classifies why a session entered StateError.
type CauseKind int

const (
	// CausePermissionDenied is user-actionable.
	CausePermissionDenied CauseKind = iota
	// CauseResourceUnavailable is retryable by an explicit start.
	CauseResourceUnavailable
	// CauseRecognizerFatal is a non-recoverable recognizer error.
	CauseRecognizerFatal
)

func (k CauseKind) String() string {
	switch k {
	case CausePermissionDenied:
		return "permission_denied"
	case CauseResourceUnavailable:
		return "resource_unavailable"
	case CauseRecognizerFatal:
		return "recognizer_fatal"
	default:
		return fmt.Sprintf("cause(%d)", int(k))
	}
}

// Cause is the error carried by StateError.
type Cause struct {
	Kind    CauseKind `json:"kind"`
	Message string    `json:"message"`
}

func (c Cause) String() string {
	return c.Kind.String() + ": " + c.Message
}

// MarshalText lets the kind render by name in JSON views.
func (k CauseKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PermissionStatus is the prior permission decision.
type PermissionStatus int

const (
	PermissionUndetermined PermissionStatus = iota
	PermissionDenied
	PermissionGranted
)

// Authorizer answers whether the session may capture audio.
type Authorizer interface {
	Status() PermissionStatus
	// Request prompts for permission. The channel receives exactly one answer.
	Request(ctx context.Context) <-chan bool
}

// StaticAuthorizer answers every request the same way and remembers the answer.
type StaticAuthorizer struct {
	mu     sync.Mutex
	status PermissionStatus
	grant  bool
}

// NewStaticAuthorizer starts in status and answers requests with grant.
func NewStaticAuthorizer(status PermissionStatus, grant bool) *StaticAuthorizer {
	return &StaticAuthorizer{status: status, grant: grant}
}

func (a *StaticAuthorizer) Status() PermissionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *StaticAuthorizer) Request(context.Context) <-chan bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grant {
		a.status = PermissionGranted
	} else {
		a.status = PermissionDenied
	}
	ch := make(chan bool, 1)
	ch <- a.grant
	return ch
}

// Observer receives session output on the owning loop.
type Observer interface {
	TranscriptChanged(text string)
	UtteranceFinalized(u segment.Utterance)
	StateChanged(state State, cause *Cause)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) TranscriptChanged(string)            {}
func (NopObserver) UtteranceFinalized(segment.Utterance) {}
func (NopObserver) StateChanged(State, *Cause)          {}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State      State
	Cause      *Cause
	Transcript string
	SessionID  string
}
