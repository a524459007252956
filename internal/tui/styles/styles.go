package styles

import (
	"github.com/charmbracelet/lipgloss"
)

// Dark palette
var (
	ColorPrimary = lipgloss.Color("#7D56F4")
	ColorGood    = lipgloss.Color("#04B575")
	ColorBad     = lipgloss.Color("#FF5F87")
	ColorWarning = lipgloss.Color("#FFAF00")
	ColorInk     = lipgloss.Color("#1A1A1A")
	ColorSubtle  = lipgloss.Color("#767676")
	ColorBorder  = lipgloss.Color("#3C3C3C")
	ColorBanner  = ColorPrimary
)

var (
	Title = lipgloss.NewStyle().
		Foreground(ColorPrimary).
		Bold(true).
		Padding(0, 1).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(ColorSubtle)

	Subtle = lipgloss.NewStyle().Foreground(ColorSubtle)
	Value  = lipgloss.NewStyle().Foreground(ColorGood).Bold(true)
	Active = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)
	Error  = lipgloss.NewStyle().Foreground(ColorBad)
	Warn   = lipgloss.NewStyle().Foreground(ColorWarning)

	// Badge marks the current phase in the dashboard header.
	Badge = lipgloss.NewStyle().
		Foreground(ColorInk).
		Background(ColorPrimary).
		Bold(true).
		Padding(0, 1)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1).
		Margin(0, 1)
)

// ErrorRate picks the alert color for a failure percentage.
func ErrorRate(pct float64) lipgloss.Style {
	switch {
	case pct > 5.0:
		return Error
	case pct > 1.0:
		return Warn
	default:
		return Active
	}
}

// PhaseBadge renders label on a background that warns while results are
// not yet being measured.
func PhaseBadge(label string, measuring bool) string {
	if measuring {
		return Badge.Render(label)
	}
	return Badge.Background(ColorWarning).Render(label)
}

func RenderKey(key, desc string) string {
	return lipgloss.JoinHorizontal(lipgloss.Center,
		lipgloss.NewStyle().Bold(true).Render("<"+key+">"),
		" ",
		Subtle.Render(desc),
	)
}
