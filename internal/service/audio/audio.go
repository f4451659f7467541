// Package audio defines the audio source the session captures from: format
// metadata, a push-style tap, and the shared audio context.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrNoInputChannels is returned when the input reports zero channels.
	ErrNoInputChannels = errors.New("audio input has no channels")
	// ErrTapInstalled is returned when a second tap is installed.
	ErrTapInstalled = errors.New("audio tap already installed")
	// ErrNoTap is returned when Start is called without a tap.
	ErrNoTap = errors.New("no audio tap installed")
)

// Format describes PCM input.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerFrame returns the size of one frame across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// Buffer is one block of captured audio.
type Buffer struct {
	Data   []byte
	Frames int
}

// TapFunc receives buffers on the capture goroutine. It must not block.
type TapFunc func(Buffer)

// Engine is an audio input that delivers buffers to a single tap.
type Engine interface {
	InputFormat() Format
	InstallTap(fn TapFunc) error
	RemoveTap()
	Start(ctx context.Context) error
	Stop()
}

// Context is the process-wide audio configuration the session activates
// before capture and deactivates afterwards.
type Context interface {
	Activate() error
	Deactivate()
}

// NopContext is a Context with nothing to configure.
type NopContext struct{}

func (NopContext) Activate() error { return nil }
func (NopContext) Deactivate()     {}
