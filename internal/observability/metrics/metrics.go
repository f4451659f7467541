// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_emotion"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionStarts       prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionTransitions  *prometheus.CounterVec
	SessionErrors       *prometheus.CounterVec
	RecognizerRestarts  prometheus.Counter
	AudioBytesReceived  prometheus.Counter
	AudioBuffersDropped prometheus.Counter

	// Transcript / utterance metrics
	TranscriptsPartial  prometheus.Counter
	UtterancesFinalized *prometheus.CounterVec
	UtterancesDropped   *prometheus.CounterVec

	// Recognizer metrics
	RecognizerErrors *prometheus.CounterVec

	// Inference scheduler metrics
	InferenceJobs    *prometheus.CounterVec
	InferenceLatency prometheus.Histogram
	Classifications  *prometheus.CounterVec

	// Tokenizer metrics
	EncodedTokens   prometheus.Counter
	VocabularyWords prometheus.Gauge

	// History metrics
	HistoryEntries      prometheus.Counter
	HistoryAppendErrors prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewUnregistered creates metrics attached to a private registry. Tests use
// it to get fresh counters.
func NewUnregistered() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		SessionStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Total number of start requests that reached the active state",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently holding audio resources",
		}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		SessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions that entered the error state, by cause",
		}, []string{"cause"}),
		RecognizerRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_restarts_total",
			Help:      "Recognition tasks restarted after their stream ended",
		}),
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes forwarded to the recognizer",
		}),
		AudioBuffersDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_buffers_dropped_total",
			Help:      "Audio buffers delivered while no recognition task was attached",
		}),

		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of transcript changes",
		}),
		UtterancesFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_finalized_total",
			Help:      "Utterances finalized, by trigger",
		}, []string{"trigger"}),
		UtterancesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_dropped_total",
			Help:      "In-progress utterances discarded without a final",
		}, []string{"reason"}),

		RecognizerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_errors_total",
			Help:      "Recognizer errors by code and severity",
		}, []string{"code", "severity"}),

		InferenceJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_jobs_total",
			Help:      "Inference jobs by outcome (scheduled, superseded, executed, discarded, failed, invalid)",
		}, []string{"outcome"}),
		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Latency of tokenizer + engine + scorer",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Published classifications by label and source",
		}, []string{"label", "source"}),

		EncodedTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoded_tokens_total",
			Help:      "Non-pad tokens sent to the inference engine",
		}),
		VocabularyWords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokenizer_vocabulary_words",
			Help:      "Words known to the tokenizer",
		}),

		HistoryEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_entries_total",
			Help:      "Chat entries appended to the history",
		}),
		HistoryAppendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_append_errors_total",
			Help:      "Chat entries that could not be persisted",
		}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// RecordTransition records a session entering state. Entering active bumps
// the start counter and active gauge; leaving it is recorded by RecordRelease.
func (m *Metrics) RecordTransition(state string) {
	m.SessionTransitions.WithLabelValues(state).Inc()
}

// RecordAcquire records a session taking hold of audio resources.
func (m *Metrics) RecordAcquire() {
	m.SessionStarts.Inc()
	m.SessionsActive.Inc()
}

// RecordRelease records a session giving its audio resources back.
func (m *Metrics) RecordRelease() {
	m.SessionsActive.Dec()
}

// RecordSessionError records a session entering the error state.
func (m *Metrics) RecordSessionError(cause string) {
	m.SessionErrors.WithLabelValues(cause).Inc()
}

// RecordRestart records a recognition task restart.
func (m *Metrics) RecordRestart() {
	m.RecognizerRestarts.Inc()
}

// RecordAudio records audio forwarded to the recognizer, or dropped when no
// task was attached.
func (m *Metrics) RecordAudio(bytes int, delivered bool) {
	if !delivered {
		m.AudioBuffersDropped.Inc()
		return
	}
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordPartialTranscript records a transcript change.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordUtterance records a finalized utterance.
func (m *Metrics) RecordUtterance(trigger string) {
	m.UtterancesFinalized.WithLabelValues(trigger).Inc()
}

// RecordUtteranceDropped records an utterance abandoned without a final.
func (m *Metrics) RecordUtteranceDropped(reason string) {
	m.UtterancesDropped.WithLabelValues(reason).Inc()
}

// RecordRecognizerError records a recognizer error.
func (m *Metrics) RecordRecognizerError(code string, fatal bool) {
	severity := "transient"
	if fatal {
		severity = "fatal"
	}
	m.RecognizerErrors.WithLabelValues(code, severity).Inc()
}

// RecordJob records an inference job outcome.
func (m *Metrics) RecordJob(outcome string) {
	m.InferenceJobs.WithLabelValues(outcome).Inc()
}

// RecordInference records one classification pipeline run.
func (m *Metrics) RecordInference(latencySeconds float64) {
	m.InferenceLatency.Observe(latencySeconds)
}

// RecordClassification records a published label.
func (m *Metrics) RecordClassification(label, source string) {
	m.Classifications.WithLabelValues(label, source).Inc()
}

// RecordEncoding records one encoding sent to the engine and the tokenizer's
// vocabulary size after producing it. A negative vocabSize leaves the gauge
// untouched.
func (m *Metrics) RecordEncoding(tokens, vocabSize int) {
	m.EncodedTokens.Add(float64(tokens))
	if vocabSize >= 0 {
		m.VocabularyWords.Set(float64(vocabSize))
	}
}

// RecordHistoryAppend records a chat entry append.
func (m *Metrics) RecordHistoryAppend(err error) {
	m.HistoryEntries.Inc()
	if err != nil {
		m.HistoryAppendErrors.Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordHTTPRequest records a completed HTTP API request.
func (m *Metrics) RecordHTTPRequest(route, method string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}
