// Package inference debounces transcript changes into classification jobs.
//
// Every method of Scheduler must be called from the owning loop. Timers and
// classifier calls run elsewhere and hand their results back through the
// loop's Dispatcher, so the scheduler itself holds no locks.
package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"speech-emotion-service/internal/loop"
	"speech-emotion-service/internal/observability/logging"
	"speech-emotion-service/internal/observability/metrics"
	"speech-emotion-service/internal/service/emotion"
)

const (
	// DefaultDebounce is the quiet period before a job runs.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultTimeout bounds a single classifier call.
	DefaultTimeout = 10 * time.Second
)

// Classifier runs the tokenizer, engine and scorer for one text.
type Classifier interface {
	Classify(ctx context.Context, text string) (emotion.Result, error)
}

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func systemAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Classification is the published classification state. Err is set when the
// job degraded to neutral.
type Classification struct {
	Seq    uint64
	Text   string
	Result emotion.Result
	Err    error
}

// Config configures a Scheduler. Zero values select defaults.
type Config struct {
	Debounce  time.Duration
	Timeout   time.Duration
	AfterFunc AfterFunc
	Metrics   *metrics.Metrics
}

type job struct {
	seq       uint64
	text      string
	cancelled bool
	timer     Timer
}

// Scheduler implements debounce with supersede-by-sequence and
// single-flight execution against the classifier.
type Scheduler struct {
	classifier Classifier
	dispatcher loop.Dispatcher
	afterFunc  AfterFunc
	debounce   time.Duration
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	seq      uint64
	pending  *job // debouncing
	waiting  *job // debounce elapsed while another job was in flight
	inFlight *job
	current  Classification
	onChange func(Classification)
}

// New creates a scheduler that posts its continuations to dispatcher.
func New(classifier Classifier, dispatcher loop.Dispatcher, cfg Config) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = systemAfterFunc
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		classifier: classifier,
		dispatcher: dispatcher,
		afterFunc:  cfg.AfterFunc,
		debounce:   cfg.Debounce,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
		logger:     logging.WithComponent("inference"),
		ctx:        ctx,
		cancel:     cancel,
		current:    Classification{Result: emotion.NeutralResult()},
	}
}

// OnChange registers fn to receive every published classification.
func (s *Scheduler) OnChange(fn func(Classification)) {
	s.onChange = fn
}

// Current returns the last published classification.
func (s *Scheduler) Current() Classification {
	return s.current
}

// OnTextChanged supersedes every job not yet executing. Blank text publishes
// neutral immediately and returns scheduled=false. Otherwise a job for text is
// scheduled to run after the debounce delay and the current classification is
// returned unchanged.
func (s *Scheduler) OnTextChanged(text string) (Classification, bool) {
	s.seq++
	s.cancelJob(s.pending)
	s.cancelJob(s.waiting)
	s.pending, s.waiting = nil, nil

	if strings.TrimSpace(text) == "" {
		s.publish(Classification{Seq: s.seq, Text: text, Result: emotion.NeutralResult()}, "blank")
		return s.current, false
	}

	j := &job{seq: s.seq, text: text}
	j.timer = s.afterFunc(s.debounce, func() {
		s.dispatcher.Post(func() { s.fire(j) })
	})
	s.pending = j
	s.metrics.RecordJob("scheduled")
	return s.current, true
}

// Close cancels pending jobs and the context of any in-flight call.
func (s *Scheduler) Close() {
	s.cancelJob(s.pending)
	s.cancelJob(s.waiting)
	s.pending, s.waiting = nil, nil
	s.cancel()
}

func (s *Scheduler) cancelJob(j *job) {
	if j == nil || j.cancelled {
		return
	}
	j.cancelled = true
	if j.timer != nil {
		j.timer.Stop()
	}
	s.metrics.RecordJob("superseded")
}

func (s *Scheduler) stale(j *job) bool {
	return j.cancelled || j.seq != s.seq
}

func (s *Scheduler) fire(j *job) {
	if s.pending == j {
		s.pending = nil
	}
	if s.stale(j) {
		return
	}
	if s.inFlight != nil {
		s.waiting = j
		return
	}
	s.execute(j)
}

func (s *Scheduler) execute(j *job) {
	s.inFlight = j
	s.logger.Debug().
		Uint64("seq", j.seq).
		Int("textLen", len(j.text)).
		Msg("Running classification")

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		res, err := s.classifier.Classify(ctx, j.text)
		s.metrics.RecordInference(time.Since(start).Seconds())

		s.dispatcher.Post(func() { s.complete(j, res, err) })
	}()
}

func (s *Scheduler) complete(j *job, res emotion.Result, err error) {
	s.inFlight = nil

	if s.stale(j) {
		s.metrics.RecordJob("discarded")
		s.logger.Debug().Uint64("seq", j.seq).Uint64("newest", s.seq).Msg("Discarding stale classification")
	} else {
		switch {
		case errors.Is(err, emotion.ErrInvalidInput):
			s.metrics.RecordJob("invalid")
			s.logger.Error().Err(err).Uint64("seq", j.seq).Msg("Classifier rejected model output")
		case err != nil:
			s.metrics.RecordJob("failed")
			s.logger.Warn().Err(err).Uint64("seq", j.seq).Msg("Classification degraded to neutral")
		default:
			s.metrics.RecordJob("executed")
		}
		if err != nil {
			res = emotion.NeutralResult()
		}
		s.publish(Classification{Seq: j.seq, Text: j.text, Result: res, Err: err}, "scheduler")
	}

	if w := s.waiting; w != nil {
		s.waiting = nil
		if !s.stale(w) {
			s.execute(w)
		}
	}
}

func (s *Scheduler) publish(c Classification, source string) {
	s.current = c
	s.metrics.RecordClassification(string(c.Result.Label), source)
	if s.onChange != nil {
		s.onChange(c)
	}
}
