package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability/metrics"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func enabledPublisher() (*Publisher, *fakeWriter, *fakeWriter) {
	partial, entry := &fakeWriter{}, &fakeWriter{}
	return &Publisher{
		writerPartial: partial,
		writerEntry:   entry,
		principal:     "test-svc",
		topicPartial:  "test.partial",
		topicEntry:    "test.entry",
		enabled:       true,
		metrics:       metrics.NewUnregistered(),
	}, partial, entry
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerEntry != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicEntry:   "test.entry",
		Principal:    "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" {
		t.Errorf("expected topic partial 'test.partial', got %s", p.topicPartial)
	}
	if p.topicEntry != "test.entry" {
		t.Errorf("expected topic entry 'test.entry', got %s", p.topicEntry)
	}
}

func TestNew_EnabledBuildsWriters(t *testing.T) {
	p := New(&Config{
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicEntry:   "test.entry",
	})
	defer p.Close()

	w, ok := p.writerPartial.(*kafka.Writer)
	if !ok || !w.Async {
		t.Error("expected an async partial writer")
	}
	if w, ok := p.writerEntry.(*kafka.Writer); !ok || w.Async {
		t.Error("expected a synchronous entry writer")
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})
	ctx := context.Background()

	if err := p.PublishTranscript(ctx, models.TranscriptPartial{SessionID: "s1", Text: "hi"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishEntry(ctx, models.ChatEntry{ID: "s1-utt-1", SessionID: "s1"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_PublishTranscript(t *testing.T) {
	p, partial, entry := enabledPublisher()

	err := p.PublishTranscript(context.Background(), models.TranscriptPartial{
		SessionID: "s1",
		Timestamp: 1700000000000,
		Text:      "I am so",
	})
	if err != nil {
		t.Fatalf("PublishTranscript: %v", err)
	}
	if len(partial.msgs) != 1 || len(entry.msgs) != 0 {
		t.Fatalf("message routed wrongly: partial=%d entry=%d", len(partial.msgs), len(entry.msgs))
	}

	msg := partial.msgs[0]
	if string(msg.Key) != "s1" {
		t.Errorf("expected session key, got %q", msg.Key)
	}
	if header(msg, "eventType") != models.EventTranscriptPartial || header(msg, "principal") != "test-svc" {
		t.Errorf("unexpected headers %+v", msg.Headers)
	}

	var got models.TranscriptPartial
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.EventType != models.EventTranscriptPartial || got.Text != "I am so" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestPublisher_PublishEntry(t *testing.T) {
	p, partial, entry := enabledPublisher()

	e := models.ChatEntry{
		ID:         "s1-utt-1",
		SessionID:  "s1",
		Text:       "I am so happy today.",
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		Emotion:    "joy",
		Confidence: 0.7,
	}
	if err := p.PublishEntry(context.Background(), e); err != nil {
		t.Fatalf("PublishEntry: %v", err)
	}
	if len(entry.msgs) != 1 || len(partial.msgs) != 0 {
		t.Fatalf("message routed wrongly: partial=%d entry=%d", len(partial.msgs), len(entry.msgs))
	}

	var got map[string]any
	if err := json.Unmarshal(entry.msgs[0].Value, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["eventType"] != models.EventChatEntry || got["emotion"] != "joy" || got["id"] != "s1-utt-1" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	p, _, entry := enabledPublisher()
	boom := errors.New("broker down")
	entry.err = boom

	if err := p.PublishEntry(context.Background(), models.ChatEntry{ID: "x"}); !errors.Is(err, boom) {
		t.Errorf("expected broker error, got %v", err)
	}
}

func TestPublisher_CloseClosesWriters(t *testing.T) {
	p, partial, entry := enabledPublisher()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !partial.closed || !entry.closed {
		t.Error("expected both writers closed")
	}

	empty := &Publisher{}
	if err := empty.Close(); err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}
