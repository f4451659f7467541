package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"

	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/service/emotion"
)

// Terminal colors for the label color names.
var labelColors = map[string]lipgloss.Color{
	"blue":   lipgloss.Color("#5F87FF"),
	"yellow": lipgloss.Color("#FFD700"),
	"pink":   lipgloss.Color("#FF87D7"),
	"red":    lipgloss.Color("#FF5F5F"),
	"purple": lipgloss.Color("#AF87FF"),
	"orange": lipgloss.Color("#FFAF5F"),
	"gray":   lipgloss.Color("#808080"),
}

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FFFF"))
)

// colorLabel renders a label name in its display color.
func colorLabel(label string) string {
	c, ok := labelColors[emotion.Label(label).Color()]
	if !ok {
		return label
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true).Render(label)
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c*100, 'f', 1, 64) + "%"
}

// classifyRow is one line of classify output.
type classifyRow struct {
	Text   string         `json:"text"`
	Result emotion.Result `json:"result"`
	Error  string         `json:"error,omitempty"`
}

func renderClassifications(w io.Writer, rows []classifyRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Text", "Emotion", "Confidence"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, r := range rows {
		label := colorLabel(string(r.Result.Label))
		if r.Error != "" {
			label += dimStyle.Render(" (" + r.Error + ")")
		}
		table.Append([]string{r.Text, label, formatConfidence(r.Result.Confidence)})
	}
	table.Render()
}

// renderEntries writes entries as a table followed by a count footer. total
// is the number of stored entries.
func renderEntries(w io.Writer, entries []models.ChatEntry, total int) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Time", "Session", "Emotion", "Confidence", "Text"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, e := range entries {
		table.Append([]string{
			e.Timestamp.Local().Format(time.DateTime),
			e.SessionID,
			colorLabel(e.Emotion),
			formatConfidence(e.Confidence),
			e.Text,
		})
	}
	table.Render()
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d of %d entries", len(entries), total)))
}

// renderEvent writes one followed event as a single line.
func renderEvent(w io.Writer, ev eventLine) {
	ts := dimStyle.Render(ev.At.Local().Format(time.TimeOnly))
	switch {
	case ev.Entry != nil:
		fmt.Fprintf(w, "%s %s %s %s\n", ts, colorLabel(ev.Entry.Emotion), ev.Entry.Text,
			dimStyle.Render(formatConfidence(ev.Entry.Confidence)))
	case ev.Partial != nil:
		fmt.Fprintf(w, "%s %s %s\n", ts, headerStyle.Render(ev.Partial.SessionID), dimStyle.Render(ev.Partial.Text))
	}
}

func writeJSONLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}
