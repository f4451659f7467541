// Package events publishes transcript changes and chat entries to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript partials and chat entries to separate
// Kafka topics. With Kafka disabled it only logs.
type Publisher struct {
	writerPartial messageWriter
	writerEntry   messageWriter
	principal     string
	topicPartial  string
	topicEntry    string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicEntry   string
	Principal    string
	Enabled      bool
}

// New creates a publisher. Partials are written asynchronously so a slow
// broker never stalls the caller; entries are written synchronously.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:    cfg.Principal,
			topicPartial: cfg.TopicPartial,
			topicEntry:   cfg.TopicEntry,
			enabled:      false,
			metrics:      m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	topicPartial := cfg.TopicPartial
	writerPartial := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topicPartial,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			for range msgs {
				m.RecordKafkaPublish(topicPartial, models.EventTranscriptPartial, err, 0)
			}
			if err != nil {
				log.Error().Err(err).Str("topic", topicPartial).Int("messages", len(msgs)).Msg("Failed to write to Kafka")
			}
		},
	}

	writerEntry := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicEntry,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicEntry", cfg.TopicEntry).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerPartial: writerPartial,
		writerEntry:   writerEntry,
		principal:     cfg.Principal,
		topicPartial:  cfg.TopicPartial,
		topicEntry:    cfg.TopicEntry,
		enabled:       true,
		metrics:       m,
	}
}

// PublishTranscript publishes a transcript change keyed by session.
func (p *Publisher) PublishTranscript(ctx context.Context, event models.TranscriptPartial) error {
	event.EventType = models.EventTranscriptPartial
	return p.publish(ctx, p.writerPartial, p.topicPartial, event.EventType, event.SessionID, event)
}

// PublishEntry publishes a chat entry keyed by session, so a session's
// entries stay ordered within one partition.
func (p *Publisher) PublishEntry(ctx context.Context, entry models.ChatEntry) error {
	event := models.ChatEntryEvent{EventType: models.EventChatEntry, ChatEntry: entry}
	return p.publish(ctx, p.writerEntry, p.topicEntry, event.EventType, entry.SessionID, event)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	if writer != p.writerPartial {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	}
	return nil
}

// Close flushes and closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerEntry != nil {
		if e := p.writerEntry.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing entry writer")
			err = e
		}
	}
	return err
}
