package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-emotion-service/internal/models"
)

// ErrUnknownEvent is returned by Decode for messages of an unknown type.
var ErrUnknownEvent = errors.New("unknown event type")

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Event is one decoded message. Exactly one of Partial and Entry is set.
type Event struct {
	Topic   string
	Partial *models.TranscriptPartial
	Entry   *models.ChatEntry
}

// PartitionLister returns the partitions of topics.
type PartitionLister func(ctx context.Context, brokers []string, topics ...string) ([]kafka.Partition, error)

// ConsumerConfig selects what to read.
type ConsumerConfig struct {
	Brokers []string
	Topics  []string
	// Since rewinds each partition by this much on start; zero starts at
	// the newest message.
	Since time.Duration
	// Partitions defaults to asking the first reachable broker.
	Partitions PartitionLister
}

type partitionReader struct {
	topic     string
	partition int
	reader    messageReader
}

// Consumer follows every partition of the transcript and chat-entry topics.
type Consumer struct {
	readers []partitionReader
	since   time.Duration
}

// NewConsumer creates one reader per topic partition. Partition readers need
// no consumer group, which keeps a port-forwarded broker usable and lets
// each reader seek by time.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	list := cfg.Partitions
	if list == nil {
		list = listPartitions
	}
	parts, err := list(ctx, cfg.Brokers, cfg.Topics...)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	byTopic := make(map[string][]int, len(cfg.Topics))
	for _, p := range parts {
		byTopic[p.Topic] = append(byTopic[p.Topic], p.ID)
	}

	c := &Consumer{since: cfg.Since}
	for _, topic := range cfg.Topics {
		ids := byTopic[topic]
		if len(ids) == 0 {
			c.Close()
			return nil, fmt.Errorf("topic %q has no partitions", topic)
		}
		sort.Ints(ids)
		for _, id := range ids {
			c.readers = append(c.readers, partitionReader{
				topic:     topic,
				partition: id,
				reader: kafka.NewReader(kafka.ReaderConfig{
					Brokers:   cfg.Brokers,
					Topic:     topic,
					Partition: id,
					MinBytes:  1,
					MaxBytes:  10e6,
				}),
			})
		}
	}
	return c, nil
}

func listPartitions(ctx context.Context, brokers []string, topics ...string) ([]kafka.Partition, error) {
	err := errors.New("no brokers configured")
	for _, broker := range brokers {
		var conn *kafka.Conn
		conn, err = kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		var parts []kafka.Partition
		parts, err = conn.ReadPartitions(topics...)
		conn.Close()
		if err == nil {
			return parts, nil
		}
	}
	return nil, err
}

// Run reads every partition until ctx is cancelled. handle is never called
// concurrently; order is preserved within a partition only.
func (c *Consumer) Run(ctx context.Context, handle func(Event)) error {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, pr := range c.readers {
		if kr, ok := pr.reader.(*kafka.Reader); ok {
			c.position(ctx, pr, kr)
		}

		wg.Add(1)
		go func(pr partitionReader) {
			defer wg.Done()
			c.consume(ctx, pr, func(ev Event) {
				mu.Lock()
				defer mu.Unlock()
				handle(ev)
			})
		}(pr)
	}
	wg.Wait()
	return ctx.Err()
}

// position rewinds r by the configured window, or moves it to the newest
// message.
func (c *Consumer) position(ctx context.Context, pr partitionReader, r *kafka.Reader) {
	logger := log.With().Str("topic", pr.topic).Int("partition", pr.partition).Logger()
	if c.since > 0 {
		err := r.SetOffsetAt(ctx, time.Now().Add(-c.since))
		if err == nil {
			return
		}
		logger.Warn().Err(err).Msg("Failed to rewind, reading new messages only")
	}
	if err := r.SetOffset(kafka.LastOffset); err != nil {
		logger.Warn().Err(err).Msg("Failed to seek to newest offset")
	}
}

func (c *Consumer) consume(ctx context.Context, pr partitionReader, handle func(Event)) {
	logger := log.With().Str("topic", pr.topic).Int("partition", pr.partition).Logger()
	logger.Info().Msg("Consuming from Kafka partition")
	for {
		msg, err := pr.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := Decode(msg)
		if err != nil {
			logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping message")
			continue
		}
		handle(ev)
	}
}

// Close closes every reader.
func (c *Consumer) Close() error {
	var err error
	for _, pr := range c.readers {
		if e := pr.reader.Close(); e != nil {
			log.Error().Err(e).Str("topic", pr.topic).Int("partition", pr.partition).Msg("Error closing reader")
			err = e
		}
	}
	return err
}

// Decode parses a message published by Publisher. The eventType header wins
// over the payload's own eventType field.
func Decode(msg kafka.Message) (Event, error) {
	var envelope struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	eventType := envelope.EventType
	for _, h := range msg.Headers {
		if h.Key == "eventType" {
			eventType = string(h.Value)
		}
	}

	ev := Event{Topic: msg.Topic}
	switch eventType {
	case models.EventTranscriptPartial:
		var p models.TranscriptPartial
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			return Event{}, fmt.Errorf("decode transcript: %w", err)
		}
		ev.Partial = &p
	case models.EventChatEntry:
		var e models.ChatEntryEvent
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			return Event{}, fmt.Errorf("decode chat entry: %w", err)
		}
		ev.Entry = &e.ChatEntry
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	return ev, nil
}
