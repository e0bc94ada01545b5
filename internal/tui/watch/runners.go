package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stevedore/internal/api"
)

// RunnerState is one row of the runners table.
type RunnerState struct {
	api.RunnerSummary
	LastChange time.Time
}

func newRunnerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Runner", Width: 22},
			{Title: "Job type", Width: 22},
			{Title: "Kind", Width: 13},
			{Title: "Collection", Width: 16},
			{Title: "Changed", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// mergeRunners replaces the known runner list with a fresh one while
// keeping the change time of runners whose state did not move.
func mergeRunners(known []RunnerState, fresh []api.RunnerSummary, now time.Time) []RunnerState {
	prev := make(map[string]RunnerState, len(known))
	for _, r := range known {
		prev[r.ID] = r
	}
	out := make([]RunnerState, 0, len(fresh))
	for _, s := range fresh {
		r := RunnerState{RunnerSummary: s}
		if p, ok := prev[s.ID]; ok {
			r.LastChange = p.LastChange
			if p.Active != s.Active {
				r.LastChange = now
			}
		}
		out = append(out, r)
	}
	return out
}

// setActive flips one runner after a lifecycle event.
func setActive(runners []RunnerState, id string, active bool, at time.Time) {
	for i := range runners {
		if runners[i].ID == id {
			runners[i].Active = active
			runners[i].LastChange = at
			return
		}
	}
}

func runnerRows(runners []RunnerState, theme Theme, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(runners))
	for _, r := range runners {
		changed := "-"
		if !r.LastChange.IsZero() {
			changed = formatDuration(now.Sub(r.LastChange)) + " ago"
		}
		rows = append(rows, table.Row{
			stateSymbol(r, theme),
			r.ID,
			r.Type,
			r.Kind,
			r.Collection,
			changed,
		})
	}
	return rows
}

func stateSymbol(r RunnerState, theme Theme) string {
	switch {
	case !r.Valid:
		return theme.Bad.Render("✗")
	case r.Active:
		return theme.Good.Render("●")
	default:
		return theme.Idle.Render("○")
	}
}

func renderRunners(t table.Model, selected *RunnerState, theme Theme, width int) string {
	parts := []string{t.View()}
	if selected != nil && !selected.Valid {
		for _, e := range selected.Errors {
			parts = append(parts, theme.Bad.Render(" "+e))
		}
	}
	if selected != nil && selected.Fingerprint != "" {
		fp := selected.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		parts = append(parts, theme.Muted.Render(fmt.Sprintf(" %s contract %s", selected.Label, fp)))
	}
	return theme.panel(width, "RUNNERS", parts...)
}
