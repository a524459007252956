package result

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"llmbench/internal/stats"
	"llmbench/internal/tui/styles"
)

type Model struct {
	Summary   stats.RunSummary
	Cancelled bool

	Width  int
	Height int
}

func NewModel(s stats.RunSummary, cancelled bool) Model {
	return Model{Summary: s, Cancelled: cancelled}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func distribution(d stats.Distribution) string {
	if !d.Valid() {
		return "no successful requests"
	}
	return fmt.Sprintf(
		"Avg: %.2f ms\nP50: %.2f ms\nP95: %.2f ms\nP99: %.2f ms\nMin: %.2f ms\nMax: %.2f ms",
		d.Avg, d.P50, d.P95, d.P99, d.Min, d.Max,
	)
}

func (m Model) View() string {
	s := strings.Builder{}
	sum := m.Summary

	title := "📊 Test Complete"
	if m.Cancelled {
		title = "📊 Test Cancelled (partial results)"
	}
	s.WriteString(styles.Title.Render(title))
	s.WriteString("\n\n")

	// 1. Overview
	s.WriteString(styles.Active.Render("Overview"))
	s.WriteString("\n")

	overview := fmt.Sprintf(
		"Duration:   %.2f s\nSuccess:    %d\nFailed:     %d\nThroughput: %.2f req/s\nTokens:     %.2f tok/s",
		sum.DurationSeconds, sum.SuccessCount, sum.FailureCount, sum.ThroughputRps, sum.TokenThroughput,
	)
	s.WriteString(styles.Box.Render(overview))
	s.WriteString("\n\n")

	// 2. Latency and TTFT side by side
	s.WriteString(styles.Active.Render("Latency / Time to first token"))
	s.WriteString("\n")
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(distribution(sum.LatencyStats)),
		styles.Box.Render(distribution(sum.TTFTStats)),
	))
	s.WriteString("\n")

	if len(sum.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(sum.FailuresByKind))
		for k := range sum.FailuresByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		var lines []string
		for _, k := range kinds {
			lines = append(lines, fmt.Sprintf("%d x %s", sum.FailuresByKind[k], k))
		}
		s.WriteString("\n")
		s.WriteString(styles.Error.Render("Failures"))
		s.WriteString("\n")
		s.WriteString(styles.Box.Render(strings.Join(lines, "\n")))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(styles.RenderKey("q", "quit"))

	return s.String()
}
