package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"speech-emotion-service/internal/observability/metrics"
	"speech-emotion-service/internal/service/audio"
	"speech-emotion-service/internal/service/segment"
	"speech-emotion-service/internal/service/stt"
)

// queue is a Dispatcher drained by the test goroutine, which plays the
// owning loop.
type queue chan func()

func (q queue) Post(fn func()) bool {
	q <- fn
	return true
}

// flush runs posted work until nothing arrives for a short while.
func (q queue) flush() {
	for {
		select {
		case fn := <-q:
			fn()
		case <-time.After(30 * time.Millisecond):
			return
		}
	}
}

type fakeEngine struct {
	mu       sync.Mutex
	format   audio.Format
	tap      audio.TapFunc
	acquired int
	starts   int
	stops    int
	removes  int

	tapErr   error
	startErr error
}

func (e *fakeEngine) InputFormat() audio.Format { return e.format }

func (e *fakeEngine) InstallTap(fn audio.TapFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tapErr != nil {
		return e.tapErr
	}
	e.tap = fn
	e.acquired++
	return nil
}

func (e *fakeEngine) RemoveTap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tap = nil
	e.removes++
	e.acquired--
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.starts++
	e.acquired++
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.acquired--
}

func (e *fakeEngine) push(buf audio.Buffer) {
	e.mu.Lock()
	tap := e.tap
	e.mu.Unlock()
	if tap != nil {
		tap(buf)
	}
}

type fakeContext struct {
	active      bool
	activations int
	err         error
}

func (c *fakeContext) Activate() error {
	if c.err != nil {
		return c.err
	}
	c.active = true
	c.activations++
	return nil
}

func (c *fakeContext) Deactivate() { c.active = false }

type fakeTask struct {
	events   chan stt.Event
	once     sync.Once
	mu       sync.Mutex
	appended int
	ended    bool
}

func (t *fakeTask) Append(audio.Buffer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appended++
	return true
}

func (t *fakeTask) EndAudio() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

func (t *fakeTask) Cancel()                   { t.close() }
func (t *fakeTask) close()                    { t.once.Do(func() { close(t.events) }) }
func (t *fakeTask) Events() <-chan stt.Event { return t.events }

func (t *fakeTask) Appended() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appended
}

type fakeRecognizer struct {
	tasks []*fakeTask
	opts  []stt.Options
	err   error
}

func (r *fakeRecognizer) Name() string { return "fake" }

func (r *fakeRecognizer) Start(_ context.Context, format audio.Format, opts stt.Options) (stt.Task, error) {
	r.opts = append(r.opts, opts)
	if r.err != nil {
		return nil, r.err
	}
	if format.Channels <= 0 {
		return nil, audio.ErrNoInputChannels
	}
	t := &fakeTask{events: make(chan stt.Event, 16)}
	r.tasks = append(r.tasks, t)
	return t, nil
}

func (r *fakeRecognizer) last() *fakeTask {
	return r.tasks[len(r.tasks)-1]
}

type recordingObserver struct {
	transcripts []string
	utterances  []segment.Utterance
	states      []State
	causes      []*Cause
}

func (o *recordingObserver) TranscriptChanged(text string) {
	o.transcripts = append(o.transcripts, text)
}

func (o *recordingObserver) UtteranceFinalized(u segment.Utterance) {
	o.utterances = append(o.utterances, u)
}

func (o *recordingObserver) StateChanged(state State, cause *Cause) {
	o.states = append(o.states, state)
	o.causes = append(o.causes, cause)
}

type harness struct {
	s      *Session
	q      queue
	engine *fakeEngine
	ctx    *fakeContext
	rec    *fakeRecognizer
	obs    *recordingObserver
	auth   Authorizer
}

func newHarness(t *testing.T, auth Authorizer) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		q:      make(queue, 64),
		engine: &fakeEngine{format: audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}},
		ctx:    &fakeContext{},
		rec:    &fakeRecognizer{},
		obs:    &recordingObserver{},
		auth:   auth,
	}
	ids := 0
	h.s = New(ctx, Deps{
		Engine:     h.engine,
		Context:    h.ctx,
		Recognizer: h.rec,
		Authorizer: auth,
		Dispatcher: h.q,
		Observer:   h.obs,
	}, Config{
		MaxRestarts: 2,
		NewID: func() string {
			ids++
			return fmt.Sprintf("s%d", ids)
		},
		Metrics: metrics.NewUnregistered(),
	})
	return h
}

func granted(t *testing.T) *harness {
	return newHarness(t, NewStaticAuthorizer(PermissionGranted, true))
}

// send delivers recognizer events for the current task and runs them.
func (h *harness) send(evs ...stt.Event) {
	task := h.rec.last()
	for _, ev := range evs {
		task.events <- ev
	}
	h.q.flush()
}

func (h *harness) expectState(t *testing.T, want State) {
	t.Helper()
	if got := h.s.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) expectReleased(t *testing.T) {
	t.Helper()
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if h.engine.acquired != 0 {
		t.Errorf("audio resources still held: %d", h.engine.acquired)
	}
	if h.ctx.active {
		t.Error("audio context still active")
	}
	if h.s.task != nil {
		t.Error("recognition task still attached")
	}
}

func TestSession_StartStopReleasesEverything(t *testing.T) {
	h := granted(t)

	h.s.Start()
	h.expectState(t, StateActive)
	if h.engine.acquired != 2 || !h.ctx.active {
		t.Fatalf("expected tap and engine held, acquired=%d ctx=%v", h.engine.acquired, h.ctx.active)
	}

	h.s.Stop()
	h.expectState(t, StateIdle)
	h.expectReleased(t)
	if !h.rec.last().ended {
		t.Error("recognition task was not ended")
	}

	want := []State{StateActive, StateIdle}
	if len(h.obs.states) != len(want) {
		t.Fatalf("states = %v, want %v", h.obs.states, want)
	}
	for i := range want {
		if h.obs.states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, h.obs.states[i], want[i])
		}
	}
}

func TestSession_DefaultConfigRequestsPartials(t *testing.T) {
	h := granted(t)

	h.s.Start()
	h.expectState(t, StateActive)
	if len(h.rec.opts) != 1 || h.rec.opts[0].DisablePartials {
		t.Fatalf("expected partial results requested, got %+v", h.rec.opts)
	}

	h.send(stt.Partial("I am"))
	if len(h.obs.transcripts) == 0 || h.obs.transcripts[len(h.obs.transcripts)-1] != "I am" {
		t.Errorf("expected partial to reach the transcript, got %q", h.obs.transcripts)
	}
}

func TestSession_StartWhileActiveIsNoop(t *testing.T) {
	h := granted(t)

	h.s.Start()
	h.s.Start()

	if len(h.rec.tasks) != 1 || h.engine.starts != 1 || h.ctx.activations != 1 {
		t.Errorf("resources acquired twice: tasks=%d starts=%d activations=%d",
			len(h.rec.tasks), h.engine.starts, h.ctx.activations)
	}
}

func TestSession_StopWhenIdleIsNoop(t *testing.T) {
	h := granted(t)
	h.s.Stop()
	h.expectState(t, StateIdle)
	if len(h.obs.states) != 0 {
		t.Errorf("unexpected transitions %v", h.obs.states)
	}
}

func TestSession_Toggle(t *testing.T) {
	h := granted(t)

	h.s.Toggle()
	h.expectState(t, StateActive)
	h.s.Toggle()
	h.expectState(t, StateIdle)
	h.expectReleased(t)
}

func TestSession_RequestsUndeterminedPermission(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		h := newHarness(t, NewStaticAuthorizer(PermissionUndetermined, true))

		h.s.Start()
		h.expectState(t, StateRequestingPermission)
		if h.ctx.activations != 0 {
			t.Error("resources acquired before permission")
		}

		h.q.flush()
		h.expectState(t, StateActive)
	})

	t.Run("denied", func(t *testing.T) {
		h := newHarness(t, NewStaticAuthorizer(PermissionUndetermined, false))

		h.s.Start()
		h.q.flush()
		h.expectState(t, StateError)
		if c := h.s.Snapshot().Cause; c == nil || c.Kind != CausePermissionDenied {
			t.Errorf("expected permission-denied cause, got %+v", c)
		}
		h.expectReleased(t)
	})
}

func TestSession_DeniedPermissionFailsImmediately(t *testing.T) {
	h := newHarness(t, NewStaticAuthorizer(PermissionDenied, false))

	h.s.Start()
	h.expectState(t, StateError)
	if h.s.Snapshot().Cause.Kind != CausePermissionDenied {
		t.Errorf("unexpected cause %+v", h.s.Snapshot().Cause)
	}
	if h.ctx.activations != 0 || len(h.rec.tasks) != 0 {
		t.Error("resources touched despite denied permission")
	}
}

func TestSession_StopAbandonsPermissionRequest(t *testing.T) {
	h := newHarness(t, NewStaticAuthorizer(PermissionUndetermined, true))

	h.s.Start()
	h.s.Stop()
	h.expectState(t, StateIdle)

	// The late grant must not activate the session.
	h.q.flush()
	h.expectState(t, StateIdle)
	if h.ctx.activations != 0 {
		t.Error("late permission answer acquired resources")
	}
}

func TestSession_ResourceFailureReleasesPartialAcquisition(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"context", func(h *harness) { h.ctx.err = boom }},
		{"no channels", func(h *harness) { h.engine.format.Channels = 0 }},
		{"recognizer", func(h *harness) { h.rec.err = boom }},
		{"tap", func(h *harness) { h.engine.tapErr = boom }},
		{"engine", func(h *harness) { h.engine.startErr = boom }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := granted(t)
			tt.setup(h)

			h.s.Start()
			h.expectState(t, StateError)
			if c := h.s.Snapshot().Cause; c == nil || c.Kind != CauseResourceUnavailable {
				t.Errorf("expected resource-unavailable cause, got %+v", c)
			}
			h.expectReleased(t)

			// Retry after the fault clears.
			h.ctx.err, h.rec.err = nil, nil
			h.engine.tapErr, h.engine.startErr = nil, nil
			h.engine.format.Channels = 1
			h.s.Start()
			h.expectState(t, StateActive)
			if h.s.Snapshot().Cause != nil {
				t.Error("cause should clear on a successful start")
			}
		})
	}
}

func TestSession_PartialsReplaceTranscript(t *testing.T) {
	h := granted(t)
	h.s.Start()

	h.send(stt.Partial("I"), stt.Partial("I am"), stt.Partial("I am so happy"))

	if got := h.s.Snapshot().Transcript; got != "I am so happy" {
		t.Errorf("transcript = %q", got)
	}
	want := []string{"I", "I am", "I am so happy"}
	if len(h.obs.transcripts) != len(want) {
		t.Fatalf("transcripts = %q, want %q", h.obs.transcripts, want)
	}
	if len(h.obs.utterances) != 0 {
		t.Errorf("unexpected utterances %+v", h.obs.utterances)
	}
}

func TestSession_BoundaryFinalizesUtterance(t *testing.T) {
	h := granted(t)
	h.s.Start()

	h.send(stt.Partial("I am so happy today. It"))

	if len(h.obs.utterances) != 1 || h.obs.utterances[0].Text != "I am so happy today." {
		t.Fatalf("unexpected utterances %+v", h.obs.utterances)
	}
	if h.obs.utterances[0].ID != "s1-utt-1" {
		t.Errorf("unexpected utterance id %s", h.obs.utterances[0].ID)
	}
	if got := h.s.Snapshot().Transcript; got != "It" {
		t.Errorf("transcript = %q, want remainder", got)
	}

	h.send(stt.Final("I am so happy today. It feels wonderful", 0.9))
	if len(h.obs.utterances) != 2 || h.obs.utterances[1].Text != "It feels wonderful" {
		t.Fatalf("unexpected utterances %+v", h.obs.utterances)
	}
	if h.s.Snapshot().Transcript != "" {
		t.Error("transcript should clear on final")
	}
}

func TestSession_TransientErrorsKeepListening(t *testing.T) {
	h := granted(t)
	h.s.Start()

	h.send(
		stt.Failure(stt.CodeNone, ""),
		stt.Failure(stt.CodeNoSpeech, "silence"),
		stt.Failure(stt.CodeRetry, "try again"),
		stt.Partial("still here"),
	)

	h.expectState(t, StateActive)
	if h.s.Snapshot().Transcript != "still here" {
		t.Errorf("transcript = %q", h.s.Snapshot().Transcript)
	}
}

func TestSession_FatalErrorReleasesOnce(t *testing.T) {
	h := granted(t)
	h.s.Start()
	h.send(stt.Partial("half a"))

	h.send(stt.Failure(stt.CodeUnavailable, "backend down"))
	h.expectState(t, StateError)
	c := h.s.Snapshot().Cause
	if c == nil || c.Kind != CauseRecognizerFatal || c.Message == "" {
		t.Fatalf("expected recognizer-fatal cause, got %+v", c)
	}
	h.expectReleased(t)
	if h.s.Snapshot().Transcript != "" {
		t.Error("transcript should clear on error")
	}

	// A stop racing the error must not release again.
	h.s.Stop()
	h.q.flush()
	if h.engine.stops != 1 || h.engine.removes != 1 {
		t.Errorf("released more than once: stops=%d removes=%d", h.engine.stops, h.engine.removes)
	}
	h.expectState(t, StateError)
}

func TestSession_CustomFatalCodes(t *testing.T) {
	h := granted(t)
	h.s.cfg.FatalCodes = map[stt.Code]bool{stt.CodeNoSpeech: true}
	h.s.Start()

	h.send(stt.Failure(stt.CodeUnavailable, "not fatal here"))
	h.expectState(t, StateActive)

	h.send(stt.Failure(stt.CodeNoSpeech, "fatal here"))
	h.expectState(t, StateError)
}

func TestSession_RestartsEndedStream(t *testing.T) {
	h := granted(t)
	h.s.Start()
	h.send(stt.Partial("lost words"))

	first := h.rec.last()
	first.close()
	h.q.flush()

	h.expectState(t, StateActive)
	if len(h.rec.tasks) != 2 {
		t.Fatalf("expected a restarted task, got %d tasks", len(h.rec.tasks))
	}
	if h.s.Snapshot().Transcript != "" {
		t.Error("transcript should clear when the stream ends")
	}

	// Audio flows to the new task only.
	h.engine.push(audio.Buffer{Data: []byte{1, 2}})
	if first.Appended() != 0 || h.rec.last().Appended() != 1 {
		t.Errorf("audio routed wrongly: old=%d new=%d", first.Appended(), h.rec.last().Appended())
	}

	// Events from the replaced task are ignored.
	h.s.handle(h.s.gen-1, stt.Partial("ghost"))
	if h.s.Snapshot().Transcript == "ghost" {
		t.Error("stale task event applied")
	}
}

func TestSession_TooManyRestartsIsFatal(t *testing.T) {
	h := granted(t)
	h.s.Start()

	for i := 0; i < 3; i++ {
		h.rec.last().close()
		h.q.flush()
	}

	h.expectState(t, StateError)
	if h.s.Snapshot().Cause.Kind != CauseRecognizerFatal {
		t.Errorf("unexpected cause %+v", h.s.Snapshot().Cause)
	}
	h.expectReleased(t)
}

func TestSession_UtteranceResetsRestartBudget(t *testing.T) {
	h := granted(t)
	h.s.Start()

	for i := 0; i < 5; i++ {
		h.send(stt.Final(fmt.Sprintf("utterance %d", i), 0.9))
		h.rec.last().close()
		h.q.flush()
	}
	h.expectState(t, StateActive)
	if len(h.obs.utterances) != 5 {
		t.Errorf("expected 5 utterances, got %d", len(h.obs.utterances))
	}
}

func TestSession_AudioStopsAfterStop(t *testing.T) {
	h := granted(t)
	h.s.Start()

	tap := h.engine.tap
	tap(audio.Buffer{Data: []byte{1}})
	task := h.rec.last()
	if task.Appended() != 1 {
		t.Fatalf("expected forwarded buffer, got %d", task.Appended())
	}

	h.s.Stop()
	// A buffer already in flight on the capture goroutine.
	tap(audio.Buffer{Data: []byte{2}})
	if task.Appended() != 1 {
		t.Error("buffer forwarded after stop")
	}
}

func TestSession_RestartFromError(t *testing.T) {
	h := granted(t)
	h.s.Start()
	h.send(stt.Failure(stt.CodeUnauthorized, "expired"))
	h.expectState(t, StateError)

	h.s.Start()
	h.expectState(t, StateActive)
	if h.s.Snapshot().SessionID != "s2" {
		t.Errorf("expected a fresh session id, got %s", h.s.Snapshot().SessionID)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateRequestingPermission, "REQUESTING_PERMISSION"},
		{StateActive, "ACTIVE"},
		{StateError, "ERROR"},
		{State(9), "UNKNOWN(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	c := Cause{Kind: CauseRecognizerFatal, Message: "x"}
	if c.String() != "recognizer_fatal: x" {
		t.Errorf("unexpected cause string %q", c.String())
	}
}
