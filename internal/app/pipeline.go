package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speech-emotion-service/internal/loop"
	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability/logging"
	"speech-emotion-service/internal/observability/metrics"
	"speech-emotion-service/internal/service/assembler"
	"speech-emotion-service/internal/service/audio"
	"speech-emotion-service/internal/service/emotion"
	"speech-emotion-service/internal/service/inference"
	"speech-emotion-service/internal/service/segment"
	"speech-emotion-service/internal/service/session"
	"speech-emotion-service/internal/service/stt"
)

const shutdownTimeout = 10 * time.Second

// TranscriptPublisher announces transcript changes.
type TranscriptPublisher interface {
	PublishTranscript(ctx context.Context, event models.TranscriptPartial) error
}

// Broadcaster pushes feed messages to live clients without blocking.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// HistoryStore persists chat entries and lists them back.
type HistoryStore interface {
	assembler.Store
	List(ctx context.Context, limit int) ([]models.ChatEntry, error)
}

// PipelineDeps are the collaborators of a Pipeline. Store, Publisher,
// EntryPublisher and Feed are optional.
type PipelineDeps struct {
	Engine         audio.Engine
	AudioContext   audio.Context
	Recognizer     stt.Recognizer
	Authorizer     session.Authorizer
	Classifier     *emotion.Classifier
	Store          HistoryStore
	Publisher      TranscriptPublisher
	EntryPublisher assembler.Publisher
	Feed           Broadcaster
}

// PipelineConfig tunes the pipeline's components.
type PipelineConfig struct {
	Session     session.Config
	Inference   inference.Config
	HistoryLoad int
	Metrics     *metrics.Metrics
}

// Pipeline wires the transcription session, the inference scheduler and the
// utterance assembler onto one loop, and serves their state to the HTTP
// layer.
type Pipeline struct {
	loop      *loop.Loop
	session   *session.Session
	scheduler *inference.Scheduler
	assembler *assembler.Assembler
	scorer    *emotion.Scorer
	store     HistoryStore
	publisher TranscriptPublisher
	feed      Broadcaster
	cfg       PipelineConfig
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
}

// NewPipeline assembles the components. Nothing runs until Run.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	cfg.Session.Metrics = cfg.Metrics
	cfg.Inference.Metrics = cfg.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(0)

	p := &Pipeline{
		loop:      l,
		scorer:    deps.Classifier.Scorer(),
		store:     deps.Store,
		publisher: deps.Publisher,
		feed:      deps.Feed,
		cfg:       cfg,
		logger:    logging.WithComponent("pipeline"),
		ctx:       ctx,
		cancel:    cancel,
	}

	p.scheduler = inference.New(deps.Classifier, l, cfg.Inference)
	p.scheduler.OnChange(func(inference.Classification) { p.broadcastState() })

	p.assembler = assembler.New(deps.Classifier, l, assembler.Config{
		Store:     deps.Store,
		Publisher: deps.EntryPublisher,
		Metrics:   cfg.Metrics,
	})
	p.assembler.OnAppend(func(e models.ChatEntry) {
		if p.feed != nil {
			p.feed.Broadcast(models.FeedEntry, p.entryView(e))
		}
		p.broadcastState()
	})

	p.session = session.New(ctx, session.Deps{
		Engine:     deps.Engine,
		Context:    deps.AudioContext,
		Recognizer: deps.Recognizer,
		Authorizer: deps.Authorizer,
		Dispatcher: l,
		Observer:   p,
	}, cfg.Session)

	return p
}

// Run loads the persisted history and serves the loop until ctx is
// cancelled. On the way out it stops the session, lets the assembler finish
// queued utterances and drains the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- p.loop.Run(loopCtx) }()

	if p.store != nil {
		entries, err := p.store.List(ctx, p.cfg.HistoryLoad)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to load persisted history")
		} else {
			p.loop.Post(func() { p.assembler.Load(entries) })
			p.logger.Info().Int("entries", len(entries)).Msg("Loaded persisted history")
		}
	}

	asmDone := make(chan struct{})
	go func() {
		defer close(asmDone)
		p.assembler.Run(p.ctx)
	}()

	p.ready.Store(true)
	p.logger.Info().Msg("Pipeline running")
	<-ctx.Done()
	p.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.loop.Do(shutdownCtx, func() {
		p.session.Stop()
		p.scheduler.Close()
	}); err != nil {
		p.logger.Warn().Err(err).Msg("Session did not stop cleanly")
	}

	p.assembler.Close()
	select {
	case <-asmDone:
	case <-shutdownCtx.Done():
		p.logger.Warn().Msg("Timed out waiting for queued utterances")
	}
	// Appends posted by the assembler run before this no-op.
	_ = p.loop.Do(shutdownCtx, func() {})

	p.cancel()
	stopLoop()
	<-loopDone
	<-asmDone
	p.logger.Info().Msg("Pipeline stopped")
	return nil
}

// Ready reports whether the pipeline is serving.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// State returns the current observable state.
func (p *Pipeline) State(ctx context.Context) (models.StateView, error) {
	var view models.StateView
	err := p.loop.Do(ctx, func() { view = p.stateView() })
	return view, err
}

// History returns the most recent limit entries, oldest first. A limit <= 0
// returns all of them.
func (p *Pipeline) History(ctx context.Context, limit int) ([]models.EntryView, error) {
	var entries []models.ChatEntry
	if err := p.loop.Do(ctx, func() { entries = p.assembler.History() }); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	views := make([]models.EntryView, len(entries))
	for i, e := range entries {
		views[i] = p.entryView(e)
	}
	return views, nil
}

// Start requests a session start and returns the resulting state.
func (p *Pipeline) Start(ctx context.Context) (models.StateView, error) {
	return p.control(ctx, p.session.Start)
}

// Stop stops the session and returns the resulting state.
func (p *Pipeline) Stop(ctx context.Context) (models.StateView, error) {
	return p.control(ctx, p.session.Stop)
}

// Toggle stops an active session or starts any other.
func (p *Pipeline) Toggle(ctx context.Context) (models.StateView, error) {
	return p.control(ctx, p.session.Toggle)
}

func (p *Pipeline) control(ctx context.Context, fn func()) (models.StateView, error) {
	var view models.StateView
	err := p.loop.Do(ctx, func() {
		fn()
		view = p.stateView()
	})
	return view, err
}

// TranscriptChanged implements session.Observer.
func (p *Pipeline) TranscriptChanged(text string) {
	p.scheduler.OnTextChanged(text)

	snap := p.session.Snapshot()
	if p.publisher != nil {
		err := p.publisher.PublishTranscript(p.ctx, models.TranscriptPartial{
			SessionID: snap.SessionID,
			Timestamp: time.Now().UnixMilli(),
			Text:      text,
		})
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish transcript")
		}
	}
	p.broadcastState()
}

// UtteranceFinalized implements session.Observer.
func (p *Pipeline) UtteranceFinalized(u segment.Utterance) {
	p.assembler.OnUtteranceFinalized(u)
}

// StateChanged implements session.Observer.
func (p *Pipeline) StateChanged(session.State, *session.Cause) {
	p.broadcastState()
}

func (p *Pipeline) broadcastState() {
	if p.feed != nil {
		p.feed.Broadcast(models.FeedState, p.stateView())
	}
}

func (p *Pipeline) stateView() models.StateView {
	snap := p.session.Snapshot()
	c := p.scheduler.Current()

	view := models.StateView{
		State:      snap.State.String(),
		SessionID:  snap.SessionID,
		Transcript: snap.Transcript,
		Classification: models.ClassificationView{
			Label:         string(c.Result.Label),
			Confidence:    c.Result.Confidence,
			Fallback:      p.scorer.IsFallback(c.Result),
			Color:         c.Result.Label.Color(),
			Probabilities: c.Result.Probabilities,
		},
		HistorySize: p.assembler.Len(),
	}
	if c.Err != nil {
		view.Classification.Error = c.Err.Error()
	}
	if snap.Cause != nil {
		view.Cause = &models.CauseView{
			Kind:    snap.Cause.Kind.String(),
			Message: snap.Cause.Message,
		}
	}
	return view
}

func (p *Pipeline) entryView(e models.ChatEntry) models.EntryView {
	return models.EntryView{ChatEntry: e, Color: emotion.Label(e.Emotion).Color()}
}
