package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"speech-emotion-service/internal/app"
	"speech-emotion-service/internal/events"
	httpapi "speech-emotion-service/internal/http"
	"speech-emotion-service/internal/observability"
	"speech-emotion-service/internal/service/inference"
	"speech-emotion-service/internal/service/session"
	"speech-emotion-service/internal/service/stt"
	"speech-emotion-service/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription pipeline and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("start", false, "Start a recording session immediately")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	application := app.New(cfg)
	if err := application.Start(); err != nil {
		return err
	}
	defer application.Shutdown()
	logger := application.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classifier, err := app.NewClassifier(cfg.Classifier)
	if err != nil {
		return err
	}
	recognizer, closeRecognizer, err := app.NewRecognizer(ctx, cfg.STT)
	if err != nil {
		return err
	}
	defer closeRecognizer()

	engine, err := app.NewAudioEngine(cfg.Audio, cfg.STT.SampleRateHz)
	if err != nil {
		return err
	}
	fatalCodes, err := app.FatalCodes(cfg.STT)
	if err != nil {
		return err
	}

	history, err := store.Open(cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer history.Close()

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicEntry:   cfg.Kafka.TopicEntry,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	hub := httpapi.NewHub()
	go hub.Run(ctx)

	pipeline := app.NewPipeline(app.PipelineDeps{
		Engine:         engine,
		Recognizer:     recognizer,
		Classifier:     classifier,
		Store:          history,
		Publisher:      publisher,
		EntryPublisher: publisher,
		Feed:           hub,
	}, app.PipelineConfig{
		Session: session.Config{
			Options: stt.Options{
				LanguageCode:    cfg.STT.LanguageCode,
				DisablePartials: !cfg.STT.InterimResults,
			},
			FatalCodes:  fatalCodes,
			Terminators: cfg.Session.Terminators,
			MaxRestarts: cfg.Session.MaxRestarts,
		},
		Inference: inference.Config{
			Debounce: cfg.Classifier.Debounce,
			Timeout:  cfg.Classifier.ModelTimeout,
		},
		HistoryLoad: cfg.Storage.HistoryLoad,
	})

	obs := observability.NewServer(cfg.Service.MetricsAddr, nil, pipeline.Ready)
	obs.Start()

	server := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           httpapi.NewRouter(pipeline, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Service.HTTPAddr).Msg("Starting HTTP API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP API server error")
			stop()
		}
	}()

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- pipeline.Run(ctx) }()

	if start, _ := cmd.Flags().GetBool("start"); start {
		view, err := pipeline.Start(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start session")
		} else {
			logger.Info().Str("state", view.State).Msg("Session started from command line")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP API server shutdown")
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Observability server shutdown")
	}
	return <-pipelineDone
}
