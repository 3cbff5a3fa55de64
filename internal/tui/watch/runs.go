package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hdlci/coreci/internal/events"
)

// RunState tracks a pipeline run discovered from the event stream.
type RunState struct {
	ID        string
	Core      string
	Verdict   string // set on run.finished
	Branches  map[string]*BranchState
	StartedAt time.Time
	EndedAt   time.Time
}

// BranchState tracks one board branch inside a run.
type BranchState struct {
	Name      string
	Resource  string
	Status    string // waiting, running, done
	Stage     string // currently executing stage
	Outcome   string // set on branch.done
	StartedAt time.Time
}

// updateRunState folds one scheduler event into the run tracking maps.
func updateRunState(runs map[string]*RunState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	runID, _ := data["run_id"].(string)
	if runID == "" {
		return
	}

	run, ok := runs[runID]
	if !ok {
		run = &RunState{ID: runID, Branches: make(map[string]*BranchState)}
		runs[runID] = run
	}
	if core, ok := data["core"].(string); ok && core != "" {
		run.Core = core
	}

	branch := func() *BranchState {
		name, _ := data["branch"].(string)
		if name == "" {
			return nil
		}
		b, ok := run.Branches[name]
		if !ok {
			b = &BranchState{Name: name}
			run.Branches[name] = b
		}
		return b
	}

	switch e.Type {
	case events.TypeRunStarted:
		run.StartedAt = e.At

	case events.TypeRunFinished:
		verdict, _ := data["verdict"].(string)
		run.Verdict = verdict
		run.EndedAt = e.At

	case events.TypeLockWaiting:
		if b := branch(); b != nil {
			b.Status = "waiting"
			b.Resource, _ = data["resource"].(string)
		}

	case events.TypeLockAcquired:
		if b := branch(); b != nil {
			b.Resource, _ = data["resource"].(string)
		}

	case events.TypeBranchStarted:
		if b := branch(); b != nil {
			b.Status = "running"
			b.StartedAt = e.At
		}

	case events.TypeStageStarted:
		if b := branch(); b != nil {
			b.Stage, _ = data["stage"].(string)
		}

	case events.TypeBranchDone:
		if b := branch(); b != nil {
			b.Status = "done"
			b.Outcome, _ = data["outcome"].(string)
		}
	}
}

// sortedRunIDs returns run IDs newest-first so the active run renders on top.
func sortedRunIDs(runs map[string]*RunState) []string {
	ids := make([]string, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return runs[ids[i]].StartedAt.After(runs[ids[j]].StartedAt)
	})
	return ids
}

func renderRuns(runs map[string]*RunState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(runs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("LIVE RUNS"),
			theme.Dim.Render("  No run activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, id := range sortedRunIDs(runs) {
		if i >= 3 {
			break
		}
		lines = append(lines, renderRunRow(runs[id], theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("LIVE RUNS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderRunRow(run *RunState, theme Theme) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}

	status := theme.StatusRunning.Render("running")
	if run.Verdict != "" {
		style := theme.StatusOK
		if run.Verdict != "success" {
			style = theme.StatusFailed
		}
		status = style.Render(run.Verdict)
	}

	elapsed := "-"
	if !run.StartedAt.IsZero() {
		end := run.EndedAt
		if end.IsZero() {
			end = time.Now()
		}
		elapsed = end.Sub(run.StartedAt).Round(time.Second).String()
	}

	var line strings.Builder
	line.WriteString(fmt.Sprintf(" %s  %s  %s  %s",
		theme.Highlight.Render(id),
		theme.Header.Render(fmt.Sprintf("%-16s", run.Core)),
		status,
		theme.Dim.Render(elapsed),
	))

	for _, name := range sortedBranchNames(run.Branches) {
		line.WriteString("\n" + renderBranchRow(run.Branches[name], theme))
	}
	return line.String()
}

func sortedBranchNames(branches map[string]*BranchState) []string {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func renderBranchRow(b *BranchState, theme Theme) string {
	var detail string
	switch b.Status {
	case "waiting":
		detail = theme.StatusSkipped.Render("waiting for " + b.Resource)
	case "running":
		stage := b.Stage
		if stage == "" {
			stage = "starting"
		}
		detail = theme.StatusRunning.Render(stage)
	case "done":
		style := theme.StatusOK
		if b.Outcome != "success" {
			style = theme.StatusFailed
		}
		detail = style.Render(b.Outcome)
	default:
		detail = theme.Dim.Render("pending")
	}

	return fmt.Sprintf("    └─ %s %s", fmt.Sprintf("%-16s", b.Name), detail)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
