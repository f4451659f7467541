// Package config loads service configuration from defaults, an optional YAML
// file named by CONFIG_FILE, and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	STT           STTConfig           `yaml:"stt"`
	Audio         AudioConfig         `yaml:"audio"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Session       SessionConfig       `yaml:"session"`
	Storage       StorageConfig       `yaml:"storage"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds service identity and listen addresses.
type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// STTConfig holds speech recognizer configuration.
type STTConfig struct {
	Provider       string `yaml:"provider"` // mock, google
	LanguageCode   string `yaml:"language_code"`
	SampleRateHz   int    `yaml:"sample_rate_hz"`
	InterimResults bool   `yaml:"interim_results"`
	AudioEncoding  string `yaml:"audio_encoding"`
	// FatalCodes is a comma-separated list of recognizer error codes that
	// end the session. Empty keeps the built-in set.
	FatalCodes string `yaml:"fatal_codes"`
}

// AudioConfig holds the file audio engine configuration.
type AudioConfig struct {
	File         string `yaml:"file"`
	BufferFrames int    `yaml:"buffer_frames"`
	Realtime     bool   `yaml:"realtime"`
}

// ClassifierConfig holds tokenizer, engine, scorer and scheduler settings.
type ClassifierConfig struct {
	ModelURL     string        `yaml:"model_url"` // empty selects the constant engine
	ModelTimeout time.Duration `yaml:"model_timeout"`
	MaxLength    int           `yaml:"max_length"`
	VocabFile    string        `yaml:"vocab_file"`
	VocabLimit   int           `yaml:"vocab_limit"`
	Labels       []string      `yaml:"labels"`
	Temperature  float64       `yaml:"temperature"`
	Threshold    float64       `yaml:"threshold"`
	Debounce     time.Duration `yaml:"debounce"`
}

// SessionConfig holds transcription session settings.
type SessionConfig struct {
	Terminators string `yaml:"terminators"`
	MaxRestarts int    `yaml:"max_restarts"`
}

// StorageConfig holds chat history persistence settings.
type StorageConfig struct {
	HistoryPath string `yaml:"history_path"`
	// HistoryLoad is how many persisted entries are loaded at startup.
	HistoryLoad int `yaml:"history_load"`
}

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicEntry   string   `yaml:"topic_entry"`
	Principal    string   `yaml:"principal"`
}

// ObservabilityConfig holds logging configuration.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:   "svc-speech-emotion",
			HTTPAddr:    ":8080",
			MetricsAddr: ":9090",
		},
		STT: STTConfig{
			Provider:       "mock",
			LanguageCode:   "en-US",
			SampleRateHz:   16000,
			InterimResults: true,
			AudioEncoding:  "LINEAR16",
		},
		Audio: AudioConfig{
			BufferFrames: 4096,
			Realtime:     true,
		},
		Classifier: ClassifierConfig{
			ModelTimeout: 10 * time.Second,
			MaxLength:    128,
			Temperature:  2.0,
			Threshold:    0.6,
			Debounce:     500 * time.Millisecond,
		},
		Session: SessionConfig{
			Terminators: ".!?",
			MaxRestarts: 3,
		},
		Storage: StorageConfig{
			HistoryPath: "history.sqlite",
			HistoryLoad: 200,
		},
		Kafka: KafkaConfig{
			TopicPartial: "emotion.transcript.partial",
			TopicEntry:   "emotion.chat.entry",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load builds the configuration. A CONFIG_FILE that cannot be read or parsed
// is an error; malformed environment values fall back silently.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.HTTPAddr = envOrDefault("HTTP_ADDR", c.Service.HTTPAddr)
	c.Service.MetricsAddr = envOrDefault("METRICS_ADDR", c.Service.MetricsAddr)

	c.STT.Provider = envOrDefault("STT_PROVIDER", c.STT.Provider)
	c.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", c.STT.LanguageCode)
	c.STT.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", c.STT.SampleRateHz)
	c.STT.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", c.STT.InterimResults)
	c.STT.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", c.STT.AudioEncoding)
	c.STT.FatalCodes = envOrDefault("STT_FATAL_CODES", c.STT.FatalCodes)

	c.Audio.File = envOrDefault("AUDIO_FILE", c.Audio.File)
	c.Audio.BufferFrames = envOrDefaultInt("AUDIO_BUFFER_SIZE", c.Audio.BufferFrames)
	c.Audio.Realtime = envOrDefaultBool("AUDIO_REALTIME", c.Audio.Realtime)

	c.Classifier.ModelURL = envOrDefault("MODEL_URL", c.Classifier.ModelURL)
	c.Classifier.ModelTimeout = envOrDefaultDuration("MODEL_TIMEOUT", c.Classifier.ModelTimeout)
	c.Classifier.MaxLength = envOrDefaultInt("TOKENIZER_MAX_LENGTH", c.Classifier.MaxLength)
	c.Classifier.VocabFile = envOrDefault("TOKENIZER_VOCAB_FILE", c.Classifier.VocabFile)
	c.Classifier.VocabLimit = envOrDefaultInt("TOKENIZER_VOCAB_LIMIT", c.Classifier.VocabLimit)
	c.Classifier.Labels = envOrDefaultList("SCORER_LABELS", c.Classifier.Labels)
	c.Classifier.Temperature = envOrDefaultFloat("SCORER_TEMPERATURE", c.Classifier.Temperature)
	c.Classifier.Threshold = envOrDefaultFloat("SCORER_THRESHOLD", c.Classifier.Threshold)
	c.Classifier.Debounce = envOrDefaultDuration("INFERENCE_DEBOUNCE", c.Classifier.Debounce)

	c.Session.Terminators = envOrDefault("SESSION_SENTENCE_TERMINATORS", c.Session.Terminators)
	c.Session.MaxRestarts = envOrDefaultInt("SESSION_MAX_RESTARTS", c.Session.MaxRestarts)

	c.Storage.HistoryPath = envOrDefault("HISTORY_DB_PATH", c.Storage.HistoryPath)
	c.Storage.HistoryLoad = envOrDefaultInt("HISTORY_LOAD", c.Storage.HistoryLoad)

	c.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", c.Kafka.TopicPartial)
	c.Kafka.TopicEntry = envOrDefault("KAFKA_TOPIC_ENTRY", c.Kafka.TopicEntry)
	c.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", c.Kafka.Principal)

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
