package stt

import "fmt"

// Code classifies recognizer errors.
type Code int

const (
	// CodeNone is the sentinel "no error" some recognizers report alongside results.
	CodeNone Code = iota
	CodeNoSpeech
	CodeRetry
	CodeCanceled
	CodeAudioInput
	CodeUnavailable
	CodeUnauthorized
	CodeQuotaExceeded
	CodeUnknown
)

var codeNames = map[Code]string{
	CodeNone:          "none",
	CodeNoSpeech:      "no_speech",
	CodeRetry:         "retry",
	CodeCanceled:      "canceled",
	CodeAudioInput:    "audio_input",
	CodeUnavailable:   "unavailable",
	CodeUnauthorized:  "unauthorized",
	CodeQuotaExceeded: "quota_exceeded",
	CodeUnknown:       "unknown",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode returns the code with the given name.
func ParseCode(name string) (Code, error) {
	for c, n := range codeNames {
		if n == name {
			return c, nil
		}
	}
	return CodeUnknown, fmt.Errorf("unknown recognizer error code %q", name)
}

// DefaultFatalCodes end the session. Everything else is transient.
func DefaultFatalCodes() map[Code]bool {
	return map[Code]bool{
		CodeAudioInput:    true,
		CodeUnavailable:   true,
		CodeUnauthorized:  true,
		CodeQuotaExceeded: true,
	}
}

// Error is a recognizer failure carried as data.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "recognizer: " + e.Code.String()
	}
	return fmt.Sprintf("recognizer: %s: %s", e.Code, e.Message)
}
