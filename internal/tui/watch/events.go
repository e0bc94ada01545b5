package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stevedore/internal/events"
)

const (
	maxEventLog   = 50
	visibleEvents = 10
)

// lifecycle is the union of every hub payload field.
type lifecycle struct {
	Runner  string `json:"runner"`
	Type    string `json:"type"`
	Runners *int   `json:"runners"`
	Threads *int   `json:"threads"`
	From    *int   `json:"from"`
	To      *int   `json:"to"`
}

func decodeLifecycle(e events.Event) lifecycle {
	var l lifecycle
	_ = json.Unmarshal(e.Data, &l)
	return l
}

// eventRunner returns the runner a lifecycle event is about.
func eventRunner(e events.Event) string {
	return decodeLifecycle(e).Runner
}

// describeEvent summarizes the payload of a hub event in one line.
func describeEvent(e events.Event) string {
	l := decodeLifecycle(e)
	var b strings.Builder
	add := func(format string, args ...any) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, format, args...)
	}

	switch e.Type {
	case events.PoolResized:
		if l.From != nil && l.To != nil {
			add("threads %d -> %d", *l.From, *l.To)
		}
	default:
		if l.Runner != "" {
			add("%s", l.Runner)
		}
		if l.Type != "" {
			add("(%s)", l.Type)
		}
		if l.Runners != nil {
			add("runners=%d", *l.Runners)
		}
		if l.Threads != nil {
			add("threads=%d", *l.Threads)
		}
	}
	if b.Len() > 0 {
		return b.String()
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}

func eventStyle(eventType string, theme Theme) lipgloss.Style {
	switch eventType {
	case events.RunnerStarted, events.RuntimeStarted:
		return theme.Good
	case events.RunnerStopped, events.RuntimeStopped:
		return theme.Change
	case events.PoolResized:
		return theme.Accent
	}
	return theme.Muted
}

// renderEventStream lists the newest events first.
func renderEventStream(log []events.Event, theme Theme, width int) string {
	if len(log) == 0 {
		return theme.panel(width, "EVENTS", theme.Muted.Render("  no lifecycle events yet"))
	}
	n := min(len(log), visibleEvents)
	rows := make([]string, 0, n)
	for _, e := range log[:n] {
		rows = append(rows, fmt.Sprintf(" %s %s %s",
			theme.Muted.Render(e.At.Local().Format("15:04:05")),
			eventStyle(e.Type, theme).Render(fmt.Sprintf("%-16s", e.Type)),
			describeEvent(e),
		))
	}
	return theme.panel(width, "EVENTS", rows...)
}
