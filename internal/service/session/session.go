// Package session implements the recording and transcription state machine.
//
// All Session methods run on the owning loop. The audio tap runs on the
// capture goroutine and only forwards buffers; recognizer events are relayed
// onto the loop by a per-task goroutine, tagged with the task's generation so
// events from a replaced task are ignored.
package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speech-emotion-service/internal/loop"
	"speech-emotion-service/internal/observability/logging"
	"speech-emotion-service/internal/observability/metrics"
	"speech-emotion-service/internal/service/audio"
	"speech-emotion-service/internal/service/segment"
	"speech-emotion-service/internal/service/stt"
)

// DefaultMaxRestarts bounds consecutive recognizer restarts without an utterance.
const DefaultMaxRestarts = 3

// Deps are the collaborators a session drives.
type Deps struct {
	Engine     audio.Engine
	Context    audio.Context
	Recognizer stt.Recognizer
	Authorizer Authorizer
	Dispatcher loop.Dispatcher
	Observer   Observer
}

// Config tunes a session. Zero values select defaults.
type Config struct {
	Options     stt.Options
	FatalCodes  map[stt.Code]bool
	Terminators string
	MaxRestarts int
	Now         func() time.Time
	NewID       func() string
	Metrics     *metrics.Metrics
}

// held records which resources are currently acquired.
type held struct {
	context bool
	tap     bool
	engine  bool
	counted bool
}

// Session owns the transcript and the audio resources.
type Session struct {
	ctx  context.Context
	deps Deps
	cfg  Config

	splitter segment.Splitter
	ids      *segment.Generator
	feed     *feed
	logger   zerolog.Logger

	state      State
	cause      *Cause
	transcript string
	sessionID  string
	tracker    *segment.Tracker
	held       held

	task       stt.Task
	taskCancel context.CancelFunc
	gen        uint64
	permGen    uint64
	restarts   int
}

// New creates an idle session. ctx bounds every recognition task.
func New(ctx context.Context, deps Deps, cfg Config) *Session {
	if deps.Context == nil {
		deps.Context = audio.NopContext{}
	}
	if deps.Authorizer == nil {
		deps.Authorizer = NewStaticAuthorizer(PermissionGranted, true)
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if cfg.FatalCodes == nil {
		cfg.FatalCodes = stt.DefaultFatalCodes()
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	return &Session{
		ctx:      ctx,
		deps:     deps,
		cfg:      cfg,
		splitter: segment.NewSplitter(cfg.Terminators),
		ids:      segment.New(),
		feed:     &feed{metrics: cfg.Metrics},
		logger:   logging.WithComponent("session"),
	}
}

// Snapshot returns the observable session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:      s.state,
		Cause:      s.cause,
		Transcript: s.transcript,
		SessionID:  s.sessionID,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Start begins recording. It is a no-op while active or already asking for
// permission.
func (s *Session) Start() {
	if s.state == StateActive || s.state == StateRequestingPermission {
		return
	}

	switch s.deps.Authorizer.Status() {
	case PermissionGranted:
		s.activate()
	case PermissionDenied:
		s.fail(CausePermissionDenied, "speech or microphone permission denied")
	default:
		s.permGen++
		gen := s.permGen
		s.setState(StateRequestingPermission, nil)

		answer := s.deps.Authorizer.Request(s.ctx)
		go func() {
			granted := false
			select {
			case granted = <-answer:
			case <-s.ctx.Done():
			}
			s.deps.Dispatcher.Post(func() { s.permissionResolved(gen, granted) })
		}()
	}
}

// Stop ends recording and releases everything. A pending permission request
// is abandoned. Stop in Idle or Error is a no-op.
func (s *Session) Stop() {
	switch s.state {
	case StateActive:
		s.release()
		s.dropOpen("stopped")
		s.setTranscript("")
		s.setState(StateIdle, nil)
	case StateRequestingPermission:
		s.permGen++
		s.setState(StateIdle, nil)
	}
}

// Toggle stops an active session and starts any other.
func (s *Session) Toggle() {
	if s.state == StateActive {
		s.Stop()
		return
	}
	s.Start()
}

func (s *Session) permissionResolved(gen uint64, granted bool) {
	if gen != s.permGen || s.state != StateRequestingPermission {
		return
	}
	if !granted {
		s.fail(CausePermissionDenied, "speech or microphone permission denied")
		return
	}
	s.activate()
}

// activate acquires resources in order. Any failure releases what was
// acquired before entering StateError.
func (s *Session) activate() {
	if err := s.deps.Context.Activate(); err != nil {
		s.fail(CauseResourceUnavailable, fmt.Sprintf("activating audio context: %v", err))
		return
	}
	s.held.context = true

	format := s.deps.Engine.InputFormat()
	if format.Channels <= 0 {
		s.fail(CauseResourceUnavailable, audio.ErrNoInputChannels.Error())
		return
	}

	s.sessionID = s.cfg.NewID()
	s.logger = logging.WithRecognizer(s.sessionID, s.deps.Recognizer.Name())
	s.tracker = segment.NewTracker(s.splitter, s.ids, s.sessionID, s.cfg.Now)
	s.restarts = 0

	if err := s.startRecognition(format); err != nil {
		s.fail(CauseResourceUnavailable, fmt.Sprintf("starting recognizer: %v", err))
		return
	}

	if err := s.deps.Engine.InstallTap(s.feed.push); err != nil {
		s.fail(CauseResourceUnavailable, fmt.Sprintf("installing audio tap: %v", err))
		return
	}
	s.held.tap = true

	if err := s.deps.Engine.Start(s.ctx); err != nil {
		s.fail(CauseResourceUnavailable, fmt.Sprintf("starting audio engine: %v", err))
		return
	}
	s.held.engine = true
	s.held.counted = true
	s.cfg.Metrics.RecordAcquire()

	s.setState(StateActive, nil)
}

func (s *Session) startRecognition(format audio.Format) error {
	ctx, cancel := context.WithCancel(s.ctx)
	task, err := s.deps.Recognizer.Start(ctx, format, s.cfg.Options)
	if err != nil {
		cancel()
		return err
	}

	s.gen++
	gen := s.gen
	s.task = task
	s.taskCancel = cancel
	s.feed.set(task)

	go func() {
		for ev := range task.Events() {
			if !s.deps.Dispatcher.Post(func() { s.handle(gen, ev) }) {
				return
			}
		}
		s.deps.Dispatcher.Post(func() { s.streamEnded(gen) })
	}()
	return nil
}

func (s *Session) stopRecognition() {
	if s.task == nil {
		return
	}
	s.feed.set(nil)
	s.task.EndAudio()
	s.task.Cancel()
	s.taskCancel()
	s.task, s.taskCancel = nil, nil
	s.gen++
}

// release gives back every held resource in reverse acquisition order.
// Safe to call repeatedly and from any path.
func (s *Session) release() {
	if s.held.engine {
		s.deps.Engine.Stop()
		s.held.engine = false
	}
	if s.held.tap {
		s.deps.Engine.RemoveTap()
		s.held.tap = false
	}
	s.stopRecognition()
	if s.held.context {
		s.deps.Context.Deactivate()
		s.held.context = false
	}
	if s.held.counted {
		s.cfg.Metrics.RecordRelease()
		s.held.counted = false
	}
}

func (s *Session) fail(kind CauseKind, message string) {
	s.release()
	s.dropOpen(kind.String())
	s.setTranscript("")

	cause := &Cause{Kind: kind, Message: message}
	s.cfg.Metrics.RecordSessionError(kind.String())
	s.setState(StateError, cause)
}

func (s *Session) handle(gen uint64, ev stt.Event) {
	if gen != s.gen || s.state != StateActive {
		return
	}

	switch ev.Kind {
	case stt.KindPartial:
		s.deliver(s.tracker.Partial(ev.Text))
		s.setTranscript(s.tracker.Transcript())
	case stt.KindFinal:
		s.deliver(s.tracker.Final(ev.Text))
		s.setTranscript("")
	case stt.KindError:
		s.recognizerError(ev.Err)
	}
}

func (s *Session) recognizerError(e *stt.Error) {
	if e == nil || e.Code == stt.CodeNone {
		return
	}
	fatal := s.cfg.FatalCodes[e.Code]
	s.cfg.Metrics.RecordRecognizerError(e.Code.String(), fatal)

	if !fatal {
		s.logger.Warn().Str("code", e.Code.String()).Str("detail", e.Message).Msg("Recognizer error, still listening")
		return
	}
	s.logger.Error().Str("code", e.Code.String()).Str("detail", e.Message).Msg("Fatal recognizer error")
	s.fail(CauseRecognizerFatal, e.Error())
}

// streamEnded restarts recognition on the same tap when the recognizer's
// stream closes on its own.
func (s *Session) streamEnded(gen uint64) {
	if gen != s.gen || s.state != StateActive {
		return
	}

	s.dropOpen("stream_ended")
	s.setTranscript("")

	s.restarts++
	if s.restarts > s.cfg.MaxRestarts {
		s.fail(CauseRecognizerFatal, fmt.Sprintf("recognizer stream ended %d times without a result", s.restarts))
		return
	}

	s.stopRecognition()
	if err := s.startRecognition(s.deps.Engine.InputFormat()); err != nil {
		s.fail(CauseRecognizerFatal, fmt.Sprintf("restarting recognizer: %v", err))
		return
	}
	s.cfg.Metrics.RecordRestart()
	s.logger.Info().Int("restart", s.restarts).Msg("Recognizer stream restarted")
}

func (s *Session) deliver(us []segment.Utterance) {
	for _, u := range us {
		s.restarts = 0
		s.cfg.Metrics.RecordUtterance(string(u.Trigger))
		ul := logging.WithUtterance(s.sessionID, u.ID)
		ul.Info().
			Str("trigger", string(u.Trigger)).
			Int("textLen", len(u.Text)).
			Msg("Utterance finalized")
		s.deps.Observer.UtteranceFinalized(u)
	}
}

func (s *Session) dropOpen(reason string) {
	if s.tracker == nil {
		return
	}
	if u, ok := s.tracker.Drop(); ok {
		s.cfg.Metrics.RecordUtteranceDropped(reason)
		ul := logging.WithUtterance(s.sessionID, u.ID)
		ul.Warn().
			Str("reason", reason).
			Msg("Utterance dropped without final")
	}
}

func (s *Session) setTranscript(text string) {
	if text == s.transcript {
		return
	}
	s.transcript = text
	s.cfg.Metrics.RecordPartialTranscript()
	s.deps.Observer.TranscriptChanged(text)
}

func (s *Session) setState(state State, cause *Cause) {
	prev := s.state
	s.state = state
	s.cause = cause

	ev := s.logger.Info()
	if cause != nil {
		ev = s.logger.Error().Str("cause", cause.Kind.String()).Str("detail", cause.Message)
	}
	ev.Str("from", prev.String()).Str("to", state.String()).Msg("Session state changed")

	s.cfg.Metrics.RecordTransition(state.String())
	s.deps.Observer.StateChanged(state, cause)
}

// feed hands tap buffers to the current task without blocking.
type feed struct {
	task    atomic.Pointer[taskRef]
	metrics *metrics.Metrics
}

type taskRef struct {
	stt.Task
}

func (f *feed) set(t stt.Task) {
	if t == nil {
		f.task.Store(nil)
		return
	}
	f.task.Store(&taskRef{t})
}

func (f *feed) push(buf audio.Buffer) {
	ref := f.task.Load()
	if ref == nil {
		f.metrics.RecordAudio(len(buf.Data), false)
		return
	}
	f.metrics.RecordAudio(len(buf.Data), ref.Append(buf))
}
