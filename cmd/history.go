package main

import (
	"github.com/spf13/cobra"

	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show persisted chat entries",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().Int("limit", 50, "Most recent entries to show (0 for all)")
	historyCmd.Flags().String("session", "", "Only show entries of this session")
	historyCmd.Flags().Bool("json", false, "Print one JSON object per line")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initCLILogging(cmd, cfg)

	h, err := store.Open(cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer h.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	sessionID, _ := cmd.Flags().GetString("session")

	var entries []models.ChatEntry
	if sessionID != "" {
		entries, err = h.ForSession(cmd.Context(), sessionID)
		if err == nil && limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries, err = h.List(cmd.Context(), limit)
	}
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSONLines(cmd.OutOrStdout(), entries)
	}
	total, err := h.Count(cmd.Context())
	if err != nil {
		return err
	}
	renderEntries(cmd.OutOrStdout(), entries, total)
	return nil
}
