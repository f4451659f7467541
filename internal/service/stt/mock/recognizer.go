// Package mock provides a scripted recognizer for running without cloud
// credentials. Each task plays the script forward one step per audio buffer:
// progressive partials, then exactly one final per utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"speech-emotion-service/internal/service/audio"
	"speech-emotion-service/internal/service/stt"
)

// SimulatedUtterance is one scripted utterance.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
	// Failure, when set, is reported instead of the final.
	Failure *stt.Error
}

// DefaultUtterances cover a spread of emotions. The first crosses a
// sentence boundary mid-result.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I am", "I am so happy", "I am so happy today. It"},
		Final:      "I am so happy today. It feels wonderful",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Why does", "Why does this keep"},
		Final:      "Why does this keep breaking",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I miss", "I miss them"},
		Final:      "I miss them so much",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Wait", "Wait what"},
		Final:      "Wait what just happened",
		Confidence: 0.93,
	},
	{
		Partials:   []string{"I love", "I love you"},
		Final:      "I love you too",
		Confidence: 0.97,
	},
}

// Config controls the script.
type Config struct {
	Utterances []SimulatedUtterance
	// BuffersPerStep is the number of audio buffers consumed per script step.
	BuffersPerStep int
	// Loop restarts the script when it runs out; otherwise the stream ends.
	Loop bool
	// Delay simulates processing latency per event.
	Delay time.Duration
	// QueueSize bounds buffered audio per task.
	QueueSize int
}

// Recognizer implements stt.Recognizer with scripted results.
type Recognizer struct {
	cfg Config

	mu     sync.Mutex
	starts int
}

// New creates a scripted recognizer.
func New(cfg Config) *Recognizer {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	if cfg.BuffersPerStep <= 0 {
		cfg.BuffersPerStep = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Recognizer{cfg: cfg}
}

func (r *Recognizer) Name() string { return "mock" }

// Starts returns the number of tasks started.
func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Start opens a scripted task.
func (r *Recognizer) Start(ctx context.Context, format audio.Format, opts stt.Options) (stt.Task, error) {
	if format.Channels <= 0 {
		return nil, audio.ErrNoInputChannels
	}
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t := &task{
		cfg:      r.cfg,
		partials: !opts.DisablePartials,
		ctx:      ctx,
		cancel:   cancel,
		audio:    make(chan audio.Buffer, r.cfg.QueueSize),
		events:   make(chan stt.Event, 16),
		end:      make(chan struct{}),
	}
	go t.run()
	return t, nil
}

type task struct {
	cfg      Config
	partials bool

	ctx     context.Context
	cancel  context.CancelFunc
	audio   chan audio.Buffer
	events  chan stt.Event
	end     chan struct{}
	endOnce sync.Once
}

func (t *task) Append(buf audio.Buffer) bool {
	select {
	case <-t.end:
		return false
	case <-t.ctx.Done():
		return false
	default:
	}
	select {
	case t.audio <- buf:
		return true
	default:
		return false
	}
}

func (t *task) EndAudio() {
	t.endOnce.Do(func() { close(t.end) })
}

func (t *task) Cancel() {
	t.cancel()
}

func (t *task) Events() <-chan stt.Event {
	return t.events
}

func (t *task) run() {
	defer close(t.events)
	defer t.cancel()

	utt, step, received := 0, 0, 0
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.end:
			// Flush whatever the current utterance had reached.
			if step > 0 {
				u := t.cfg.Utterances[utt]
				t.emit(stt.Final(u.Final, u.Confidence))
			}
			return
		case <-t.audio:
			received++
			if received%t.cfg.BuffersPerStep != 0 {
				continue
			}

			u := t.cfg.Utterances[utt]
			if step < len(u.Partials) {
				if t.partials && !t.emit(stt.Partial(u.Partials[step])) {
					return
				}
				step++
				continue
			}

			ev := stt.Final(u.Final, u.Confidence)
			if u.Failure != nil {
				ev = stt.Event{Kind: stt.KindError, Err: u.Failure}
			}
			if !t.emit(ev) {
				return
			}
			step = 0
			utt++
			if utt == len(t.cfg.Utterances) {
				if !t.cfg.Loop {
					return
				}
				utt = 0
			}
		}
	}
}

func (t *task) emit(ev stt.Event) bool {
	if t.cfg.Delay > 0 {
		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(t.cfg.Delay):
		}
	}
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}
