package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speech-emotion-service/internal/config"
	"speech-emotion-service/internal/observability/logging"
)

var rootCmd = &cobra.Command{
	Use:   "speech-emotion",
	Short: "Live transcription with per-utterance emotion classification",
	Long: `speech-emotion captures audio, transcribes it with a streaming recognizer,
splits the transcript into utterances and labels each one with an emotion.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig applies the --config flag and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// initCLILogging keeps stdout free for command output.
func initCLILogging(cmd *cobra.Command, cfg *config.Config) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Observability.LogLevel
	logCfg.Format = "console"
	logCfg.Output = cmd.ErrOrStderr()
	logging.Init(logCfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
