package app

import (
	"time"

	"github.com/rs/zerolog"

	"speech-emotion-service/internal/config"
	"speech-emotion-service/internal/observability/logging"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
}

// New configures logging from cfg and constructs the Application.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Speech emotion service application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	if a.Cfg.Observability.LogLevel != "" {
		logCfg.Level = a.Cfg.Observability.LogLevel
	}
	if a.Cfg.Observability.LogFormat != "" {
		logCfg.Format = a.Cfg.Observability.LogFormat
	}
	logging.Init(logCfg)

	a.Logger = logging.WithComponent("application").With().
		Str("service", a.Cfg.Service.Principal).
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", logCfg.Format).
		Msg("Logger setup completed")
}

// Start records the startup time.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Cfg.STT.Provider).
		Bool("kafka", a.Cfg.Kafka.Enabled).
		Msg("Speech emotion service starting")

	return nil
}

// Uptime returns the time since Start.
func (a *Application) Uptime() time.Duration {
	if a.StartupTime.IsZero() {
		return 0
	}
	return time.Since(a.StartupTime)
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().
		Dur("uptime", a.Uptime()).
		Msg("Speech emotion service shutting down")
}
