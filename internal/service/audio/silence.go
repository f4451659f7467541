package audio

import (
	"context"
	"sync"
	"time"
)

// SilenceEngine delivers zero-filled buffers at the cadence real capture
// would, until stopped. It drives scripted recognizers when no input file
// is configured.
type SilenceEngine struct {
	format       Format
	bufferFrames int

	mu      sync.Mutex
	tap     TapFunc
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSilenceEngine returns an engine producing silence in format.
func NewSilenceEngine(format Format, bufferFrames int) *SilenceEngine {
	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}
	return &SilenceEngine{format: format, bufferFrames: bufferFrames}
}

func (e *SilenceEngine) InputFormat() Format {
	return e.format
}

func (e *SilenceEngine) InstallTap(fn TapFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap != nil {
		return ErrTapInstalled
	}
	e.tap = fn
	return nil
}

func (e *SilenceEngine) RemoveTap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tap = nil
}

// Start begins delivery. Starting a running engine is a no-op.
func (e *SilenceEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap == nil {
		return ErrNoTap
	}
	if e.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.run(ctx, e.done)
	return nil
}

// Stop halts delivery and waits for the capture goroutine. Idempotent.
func (e *SilenceEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

func (e *SilenceEngine) interval() time.Duration {
	if e.format.SampleRate <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(e.bufferFrames) * time.Second / time.Duration(e.format.SampleRate)
}

func (e *SilenceEngine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()

	size := e.bufferFrames * e.format.BytesPerFrame()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			tap := e.tap
			e.mu.Unlock()
			if tap != nil {
				tap(Buffer{Data: make([]byte, size), Frames: e.bufferFrames})
			}
		}
	}
}
