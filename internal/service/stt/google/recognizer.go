// Package google provides a Google Cloud Speech-to-Text streaming recognizer.
package google

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-emotion-service/internal/observability/logging"
	"speech-emotion-service/internal/service/audio"
	"speech-emotion-service/internal/service/stt"
)

// Config holds recognizer settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int // used when the input format does not report one
	InterimResults bool
	AudioEncoding  string
	QueueSize      int
}

// DefaultConfig returns the default recognizer settings.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		QueueSize:      64,
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// codeFor classifies a stream error.
func codeFor(err error) stt.Code {
	if errors.Is(err, context.Canceled) {
		return stt.CodeCanceled
	}
	return codeForStatus(status.Code(err))
}

func codeForStatus(c codes.Code) stt.Code {
	switch c {
	case codes.OK:
		return stt.CodeNone
	case codes.Canceled:
		return stt.CodeCanceled
	case codes.DeadlineExceeded, codes.Aborted, codes.OutOfRange:
		// OutOfRange is the streaming duration limit.
		return stt.CodeRetry
	case codes.InvalidArgument:
		return stt.CodeAudioInput
	case codes.Unavailable:
		return stt.CodeUnavailable
	case codes.Unauthenticated, codes.PermissionDenied:
		return stt.CodeUnauthorized
	case codes.ResourceExhausted:
		return stt.CodeQuotaExceeded
	default:
		return stt.CodeUnknown
	}
}

// Recognizer implements stt.Recognizer using Google Cloud Speech-to-Text.
type Recognizer struct {
	client *speech.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a Google recognizer.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Recognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Recognizer{
		client: c,
		cfg:    cfg,
		logger: logging.WithComponent("stt.google"),
	}, nil
}

func (r *Recognizer) Name() string { return "google" }

// Close releases the client connection.
func (r *Recognizer) Close() error {
	return r.client.Close()
}

func (r *Recognizer) streamingConfig(format audio.Format, opts stt.Options) *speechpb.StreamingRecognitionConfig {
	lang := opts.LanguageCode
	if lang == "" {
		lang = r.cfg.LanguageCode
	}
	rate := format.SampleRate
	if rate == 0 {
		rate = r.cfg.SampleRateHz
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:          parseAudioEncoding(r.cfg.AudioEncoding),
			SampleRateHertz:   int32(rate),
			AudioChannelCount: int32(format.Channels),
			LanguageCode:      lang,
		},
		InterimResults: !opts.DisablePartials && r.cfg.InterimResults,
	}
}

// Start opens a streaming recognition request and sends the config as the
// first message.
func (r *Recognizer) Start(ctx context.Context, format audio.Format, opts stt.Options) (stt.Task, error) {
	if format.Channels <= 0 {
		return nil, audio.ErrNoInputChannels
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := r.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: r.streamingConfig(format, opts),
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}

	t := &task{
		stream: stream,
		ctx:    ctx,
		cancel: cancel,
		audio:  make(chan audio.Buffer, r.cfg.QueueSize),
		events: make(chan stt.Event, 16),
		end:    make(chan struct{}),
		logger: r.logger,
	}
	go t.send()
	go t.recv()
	return t, nil
}

type task struct {
	stream speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context
	cancel context.CancelFunc
	audio  chan audio.Buffer
	events chan stt.Event
	end    chan struct{}
	once   sync.Once
	logger zerolog.Logger
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
	t.once.Do(func() { close(t.end) })
}

func (t *task) Cancel() {
	t.cancel()
}

func (t *task) Events() <-chan stt.Event {
	return t.events
}

func (t *task) send() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.end:
			if err := t.stream.CloseSend(); err != nil {
				t.logger.Warn().Err(err).Msg("CloseSend failed")
			}
			return
		case buf := <-t.audio:
			err := t.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: buf.Data,
				},
			})
			if err != nil {
				// The receive side reports the stream error.
				t.logger.Debug().Err(err).Msg("Audio send failed")
				return
			}
		}
	}
}

// recv receives responses until the stream ends, translating them into
// events. The event channel is closed on return.
func (t *task) recv() {
	defer close(t.events)
	defer t.cancel()

	for {
		resp, err := t.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			t.emit(stt.Failure(codeFor(err), err.Error()))
			return
		}
		if e := resp.GetError(); e != nil && codes.Code(e.GetCode()) != codes.OK {
			t.emit(stt.Failure(codeForStatus(codes.Code(e.GetCode())), e.GetMessage()))
			continue
		}
		if ev, ok := eventFor(resp); ok {
			if !t.emit(ev) {
				return
			}
		}
	}
}

func (t *task) emit(ev stt.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// eventFor turns a response into an event. A final first result is the
// utterance; otherwise the interim results concatenate to the best guess.
func eventFor(resp *speechpb.StreamingRecognizeResponse) (stt.Event, bool) {
	results := resp.GetResults()
	if len(results) == 0 {
		return stt.Event{}, false
	}

	first := results[0]
	if first.GetIsFinal() {
		alts := first.GetAlternatives()
		if len(alts) == 0 {
			return stt.Event{}, false
		}
		return stt.Final(alts[0].GetTranscript(), float64(alts[0].GetConfidence())), true
	}

	var b strings.Builder
	for _, r := range results {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		b.WriteString(alts[0].GetTranscript())
	}
	if b.Len() == 0 {
		return stt.Event{}, false
	}
	return stt.Partial(b.String()), true
}
