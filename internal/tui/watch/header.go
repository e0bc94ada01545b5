package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stevedore/internal/api"
)

// HealthState is the last /healthz answer plus connectivity.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.Good.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.Bad.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.Bad.Render("DEGRADED")
	case health.RunnersInvalid > 0:
		statusText = theme.Accent.Render("INVALID RUNNERS")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" STEVEDORE WATCH %s", theme.Accent.Render(ticker.Current()))
	clock := theme.Muted.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  Queue: %d  Threads: %d  Runners: %d/%d active",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.QueueDepth,
		health.Threads,
		health.RunnersActive,
		health.RunnersRegistered,
	)
	if health.RunnersInvalid > 0 {
		statsLine += theme.Bad.Render(fmt.Sprintf(" (%d invalid)", health.RunnersInvalid))
	}

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	return theme.panel(width, "", titleLine, statsLine, activityLine)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
