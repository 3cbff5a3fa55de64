package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hdlci/coreci/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case e.Type == events.TypeStageFinished, e.Type == events.TypeBranchDone, e.Type == events.TypeRunFinished:
		typeStyle = outcomeStyle(e, theme)
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "lock."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

// outcomeStyle colors terminal events by the outcome or verdict they carry.
func outcomeStyle(e events.Event, theme Theme) lipgloss.Style {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	result, _ := data["outcome"].(string)
	if result == "" {
		result, _ = data["verdict"].(string)
	}
	switch result {
	case "success":
		return theme.StatusOK
	case "skipped":
		return theme.StatusSkipped
	default:
		return theme.StatusFailed
	}
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if runID, ok := data["run_id"].(string); ok {
		if len(runID) > 8 {
			runID = runID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", runID))
	}

	if branch, ok := data["branch"].(string); ok && branch != "" {
		parts = append(parts, branch)
	}

	if stage, ok := data["stage"].(string); ok && stage != "" {
		parts = append(parts, stage)
	}

	if resource, ok := data["resource"].(string); ok && resource != "" {
		parts = append(parts, "board="+resource)
	}

	if outcome, ok := data["outcome"].(string); ok && outcome != "" {
		parts = append(parts, outcome)
	} else if verdict, ok := data["verdict"].(string); ok && verdict != "" {
		parts = append(parts, verdict)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
