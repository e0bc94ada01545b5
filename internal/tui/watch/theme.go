// Package watch implements `stevedore runner watch`, a live view of the
// runners of a running instance.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme is the palette of the watch view.
type Theme struct {
	Good   lipgloss.Style
	Change lipgloss.Style
	Bad    lipgloss.Style
	Idle   lipgloss.Style

	Frame   lipgloss.Style
	Heading lipgloss.Style
	Muted   lipgloss.Style
	Accent  lipgloss.Style

	Lit   lipgloss.Style
	Unlit lipgloss.Style
}

func fg(hex string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex))
}

func DefaultTheme() Theme {
	return Theme{
		Good:   fg("#5FD75F"),
		Change: fg("#D7AF00"),
		Bad:    fg("#FF5F5F"),
		Idle:   fg("#808080"),

		Frame:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#5F87D7")),
		Heading: fg("#EEEEEE").Bold(true).Padding(0, 1),
		Muted:   fg("#808080"),
		Accent:  fg("#87D7FF"),

		Lit:   fg("#5FD75F"),
		Unlit: fg("#3A3A3A"),
	}
}

// panel frames lines under an optional heading, fitted to the terminal
// width.
func (t Theme) panel(width int, heading string, lines ...string) string {
	if heading != "" {
		lines = append([]string{t.Heading.Render(heading)}, lines...)
	}
	return t.Frame.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
