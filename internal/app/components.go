package app

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"speech-emotion-service/internal/config"
	"speech-emotion-service/internal/service/audio"
	"speech-emotion-service/internal/service/emotion"
	"speech-emotion-service/internal/service/stt"
	"speech-emotion-service/internal/service/stt/google"
	"speech-emotion-service/internal/service/stt/mock"
)

// NewClassifier builds the tokenizer, engine and scorer described by cfg.
// Without a model URL every text scores uniformly and resolves to neutral.
func NewClassifier(cfg config.ClassifierConfig) (*emotion.Classifier, error) {
	tokenizer, err := newTokenizer(cfg)
	if err != nil {
		return nil, err
	}

	labels := make([]emotion.Label, 0, len(cfg.Labels))
	for _, name := range cfg.Labels {
		l, err := emotion.ParseLabel(name)
		if err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	scorer, err := emotion.NewScorer(emotion.ScorerConfig{
		Labels:      labels,
		Temperature: cfg.Temperature,
		Threshold:   &cfg.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}

	var engine emotion.Engine
	if cfg.ModelURL != "" {
		engine = emotion.NewHTTPEngine(cfg.ModelURL, cfg.ModelTimeout)
		log.Info().Str("modelUrl", cfg.ModelURL).Msg("Using HTTP inference engine")
	} else {
		engine = emotion.ConstantEngine{Scores: make([]float64, len(scorer.Labels()))}
		log.Warn().Msg("No MODEL_URL configured, every classification will be neutral")
	}

	return emotion.NewClassifier(tokenizer, engine, scorer), nil
}

func newTokenizer(cfg config.ClassifierConfig) (*emotion.VocabTokenizer, error) {
	if cfg.VocabFile == "" {
		return emotion.NewTokenizer(cfg.MaxLength).WithLimit(cfg.VocabLimit), nil
	}
	f, err := os.Open(cfg.VocabFile)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	vocab, err := emotion.LoadVocabulary(f)
	if err != nil {
		return nil, err
	}
	tokenizer := emotion.NewFrozenTokenizer(cfg.MaxLength, vocab)
	log.Info().Str("file", cfg.VocabFile).Int("words", tokenizer.VocabSize()).Msg("Loaded frozen vocabulary")
	return tokenizer, nil
}

// NewRecognizer creates the configured speech recognizer. The returned
// close function releases provider connections and is never nil.
func NewRecognizer(ctx context.Context, cfg config.STTConfig) (stt.Recognizer, func() error, error) {
	switch cfg.Provider {
	case "", "mock":
		log.Info().Msg("Using mock recognizer")
		return mock.New(mock.Config{Loop: true}), func() error { return nil }, nil
	case "google":
		r, err := google.New(ctx, google.Config{
			LanguageCode:   cfg.LanguageCode,
			SampleRateHz:   cfg.SampleRateHz,
			InterimResults: cfg.InterimResults,
			AudioEncoding:  cfg.AudioEncoding,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("google recognizer: %w", err)
		}
		log.Info().Str("language", cfg.LanguageCode).Msg("Using Google Cloud Speech recognizer")
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// NewAudioEngine plays cfg.File when set and produces silence otherwise.
func NewAudioEngine(cfg config.AudioConfig, sampleRateHz int) (audio.Engine, error) {
	if cfg.File != "" {
		return audio.OpenWAV(cfg.File, cfg.BufferFrames, cfg.Realtime)
	}
	if sampleRateHz <= 0 {
		sampleRateHz = 16000
	}
	return audio.NewSilenceEngine(audio.Format{
		SampleRate:    sampleRateHz,
		Channels:      1,
		BitsPerSample: 16,
	}, cfg.BufferFrames), nil
}

// FatalCodes parses cfg.FatalCodes. Nil means the built-in set.
func FatalCodes(cfg config.STTConfig) (map[stt.Code]bool, error) {
	if cfg.FatalCodes == "" {
		return nil, nil
	}
	codes, err := stt.ParseCodes(cfg.FatalCodes)
	if err != nil {
		return nil, fmt.Errorf("STT_FATAL_CODES: %w", err)
	}
	return codes, nil
}
