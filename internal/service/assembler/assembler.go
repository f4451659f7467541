// Package assembler turns finalized utterances into the ordered chat history.
//
// Each utterance is classified on its exact finalized text, one at a time, on
// a single worker goroutine, so entries are appended in finalization order
// even when classification is slow. The in-memory history belongs to the
// owning loop; the worker hands each entry back through the Dispatcher.
package assembler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-emotion-service/internal/loop"
	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability/logging"
	"speech-emotion-service/internal/observability/metrics"
	"speech-emotion-service/internal/service/emotion"
	"speech-emotion-service/internal/service/segment"
)

// DefaultTimeout bounds classification and persistence of one entry.
const DefaultTimeout = 10 * time.Second

// Classifier resolves the emotion of a finalized text.
type Classifier interface {
	Classify(ctx context.Context, text string) (emotion.Result, error)
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e models.ChatEntry) error
}

// Publisher announces appended entries.
type Publisher interface {
	PublishEntry(ctx context.Context, e models.ChatEntry) error
}

// Config configures an Assembler. Store and Publisher are optional.
type Config struct {
	Store     Store
	Publisher Publisher
	Timeout   time.Duration
	Metrics   *metrics.Metrics
}

// Assembler appends one ChatEntry per finalized utterance.
type Assembler struct {
	classifier Classifier
	dispatcher loop.Dispatcher
	store      Store
	publisher  Publisher
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	pending []segment.Utterance
	closed  bool
	wake    chan struct{}

	// loop-owned
	history  []models.ChatEntry
	onAppend func(models.ChatEntry)
}

// New creates an assembler. Run must be started for entries to appear.
func New(classifier Classifier, dispatcher loop.Dispatcher, cfg Config) *Assembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	return &Assembler{
		classifier: classifier,
		dispatcher: dispatcher,
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
		logger:     logging.WithComponent("assembler"),
		wake:       make(chan struct{}, 1),
	}
}

// Load seeds the history with previously persisted entries. Loop only.
func (a *Assembler) Load(entries []models.ChatEntry) {
	a.history = append(a.history[:0:0], entries...)
}

// OnAppend registers fn to run on the loop after each append.
func (a *Assembler) OnAppend(fn func(models.ChatEntry)) {
	a.onAppend = fn
}

// History returns a copy of the history, oldest first. Loop only.
func (a *Assembler) History() []models.ChatEntry {
	out := make([]models.ChatEntry, len(a.history))
	copy(out, a.history)
	return out
}

// Len returns the number of entries. Loop only.
func (a *Assembler) Len() int {
	return len(a.history)
}

// OnUtteranceFinalized queues u for classification. It never blocks.
// Utterances that are not finalized, and those arriving after Close, are
// ignored.
func (a *Assembler) OnUtteranceFinalized(u segment.Utterance) {
	if u.State != segment.StateFinalized {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn().Str("utteranceId", u.ID).Msg("Assembler closed, utterance not recorded")
		return
	}
	a.pending = append(a.pending, u)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting utterances. Run returns once the queue is drained.
func (a *Assembler) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run processes queued utterances in order until Close has been called and
// the queue is empty, or ctx is cancelled.
func (a *Assembler) Run(ctx context.Context) error {
	for {
		u, ok, closed := a.next()
		if ok {
			a.process(ctx, u)
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wake:
		}
	}
}

func (a *Assembler) next() (segment.Utterance, bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return segment.Utterance{}, false, a.closed
	}
	u := a.pending[0]
	a.pending = a.pending[1:]
	return u, true, a.closed
}

func (a *Assembler) process(ctx context.Context, u segment.Utterance) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	logger := logging.WithUtterance(u.SessionID, u.ID)

	res, err := a.classifier.Classify(ctx, u.Text)
	switch {
	case errors.Is(err, emotion.ErrInvalidInput):
		logger.Error().Err(err).Msg("Classifier rejected model output, entry recorded as neutral")
	case err != nil:
		logger.Warn().Err(err).Msg("Classification failed, entry recorded as neutral")
	}
	if err != nil {
		res = emotion.NeutralResult()
	}
	a.metrics.RecordClassification(string(res.Label), "assembler")

	entry := models.ChatEntry{
		ID:         u.ID,
		SessionID:  u.SessionID,
		Text:       u.Text,
		Timestamp:  u.At,
		Emotion:    string(res.Label),
		Confidence: res.Confidence,
	}

	if a.store != nil {
		err := a.store.Append(ctx, entry)
		a.metrics.RecordHistoryAppend(err)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to persist chat entry")
		}
	}
	if a.publisher != nil {
		if err := a.publisher.PublishEntry(ctx, entry); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish chat entry")
		}
	}

	if !a.dispatcher.Post(func() { a.append(entry) }) {
		logger.Warn().Msg("Loop stopped, chat entry not added to live history")
	}
}

func (a *Assembler) append(e models.ChatEntry) {
	a.history = append(a.history, e)
	a.logger.Info().
		Str("entryId", e.ID).
		Str("emotion", e.Emotion).
		Float64("confidence", e.Confidence).
		Int("historySize", len(a.history)).
		Msg("Chat entry appended")
	if a.onAppend != nil {
		a.onAppend(e)
	}
}
