package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"speech-emotion-service/internal/app"
	"speech-emotion-service/internal/service/emotion"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [text...]",
	Short: "Classify text with the configured emotion classifier",
	Long: `Classify each argument, or each non-empty line of stdin when no arguments
are given, and print the resulting emotion.`,
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().Bool("json", false, "Print one JSON object per line")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initCLILogging(cmd, cfg)

	classifier, err := app.NewClassifier(cfg.Classifier)
	if err != nil {
		return err
	}

	texts := args
	if len(texts) == 0 {
		if texts, err = readLines(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	rows := classifyAll(cmd.Context(), classifier, texts)
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSONLines(cmd.OutOrStdout(), rows)
	}
	renderClassifications(cmd.OutOrStdout(), rows)
	return nil
}

// classifyAll degrades each failed classification to neutral, the same way
// the live pipeline does.
func classifyAll(ctx context.Context, classifier *emotion.Classifier, texts []string) []classifyRow {
	rows := make([]classifyRow, 0, len(texts))
	for _, text := range texts {
		res, err := classifier.Classify(ctx, text)
		row := classifyRow{Text: text, Result: res}
		if err != nil {
			row.Result = emotion.NeutralResult()
			row.Error = err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
