package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"promptsmith/internal/experiment"
	"promptsmith/internal/prompt"
)

// Styles for terminal output.
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7C3AED")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D97706")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#059669")).
			Bold(true)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// renderTable lays out rows under headers with padded columns.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := range headers {
			if i < len(row) && lipgloss.Width(row[i]) > widths[i] {
				widths[i] = lipgloss.Width(row[i])
			}
		}
	}

	var b strings.Builder
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerCellStyle.Width(widths[i] + 2).Render(h)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	b.WriteString("\n")

	for _, row := range rows {
		for i := range headers {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			cells[i] = cellStyle.Width(widths[i] + 2).Render(val)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
		b.WriteString("\n")
	}
	return b.String()
}

// renderMarkdown renders text for the terminal, falling back to the raw
// text if the renderer fails.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(w io.Writer, warnings []prompt.Warning) {
	for _, warning := range warnings {
		fmt.Fprintln(w, warnStyle.Render("warning:"), warning.String())
	}
}

func printSections(w io.Writer, sections []prompt.Section) {
	rows := make([][]string, 0, len(sections))
	for i, s := range sections {
		rows = append(rows, []string{fmt.Sprint(i + 1), string(s.Type), s.Name, s.Version})
	}
	fmt.Fprint(w, renderTable([]string{"#", "TYPE", "FRAGMENT", "VERSION"}, rows))
}

func printExperiment(w io.Writer, e *experiment.Experiment, d *experiment.Decision) {
	fmt.Fprintln(w, titleStyle.Render(e.Name), mutedStyle.Render(e.ID))
	fmt.Fprintf(w, "fragment: %s  status: %s  metric: %s  traffic: %.0f%%  min samples: %d\n",
		e.TargetFragment, e.Status, e.PrimaryMetric, e.TrafficAllocationPercent, e.MinSampleSizePerVariant)

	rows := make([][]string, 0, 2)
	for _, v := range e.Variants {
		r := e.Result(v.Label)
		rows = append(rows, []string{
			string(v.Label),
			v.VersionID,
			fmt.Sprintf("%g", v.TrafficWeight),
			fmt.Sprint(r.RequestCount),
			fmt.Sprintf("%.3f", r.AverageMetricValue),
			fmt.Sprint(len(r.Ratings)),
		})
	}
	fmt.Fprint(w, renderTable([]string{"VARIANT", "VERSION", "WEIGHT", "REQUESTS", "AVERAGE", "RATINGS"}, rows))

	switch {
	case d != nil && d.Winner != experiment.NoWinner:
		fmt.Fprintln(w, successStyle.Render("winner: "+string(d.Winner)), fmt.Sprintf("confidence %.3f", d.Confidence))
	case d != nil:
		fmt.Fprintln(w, mutedStyle.Render("no winner: "+d.Reason))
	case e.Status == experiment.StatusCompleted && e.Winner != experiment.NoWinner:
		fmt.Fprintln(w, successStyle.Render("winner: "+string(e.Winner)), fmt.Sprintf("confidence %.3f", e.ConfidenceScore))
	case e.Status == experiment.StatusCompleted:
		fmt.Fprintln(w, mutedStyle.Render("completed without a winner"))
	}
}
