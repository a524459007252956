package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"llmbench/internal/runner"
	"llmbench/internal/tui/components"
	"llmbench/internal/tui/styles"
)

// Model is the dashboard shown while a run is in progress. It is fed
// runner.StatsSnapshot messages.
type Model struct {
	Stats    runner.StatsSnapshot
	Progress progress.Model

	RpsLine      components.Sparkline
	TTFTLine     components.Sparkline
	InflightLine components.Sparkline

	LastUpdate time.Time
	LastReqs   uint64

	Width  int
	Height int
}

func NewModel() Model {
	return Model{
		Progress:     progress.New(progress.WithDefaultGradient()),
		RpsLine:      components.NewSparkline(40, "RPS", "req/s", styles.Active),
		TTFTLine:     components.NewSparkline(40, "TTFT P95", "ms", styles.Warn),
		InflightLine: components.NewSparkline(40, "In-flight", "", styles.Value),
		LastUpdate:   time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		now := time.Now()
		dt := now.Sub(m.LastUpdate).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}

		// 1. Calculate RPS over measured completions
		rps := 0.0
		if msg.Requests >= m.LastReqs {
			rps = float64(msg.Requests-m.LastReqs) / dt
		}

		// 2. Update Sparklines
		if msg.Phase == runner.PhaseMeasure {
			m.RpsLine.Add(rps)
			m.TTFTLine.Add(msg.P95TTFTMs)
		}
		m.InflightLine.Add(float64(msg.Inflight))

		// 3. Update State
		m.Stats = msg
		m.LastReqs = msg.Requests
		m.LastUpdate = now

		// 4. Update Progress
		cmd := m.Progress.SetPercent(percent(msg))
		return m, cmd

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4

		third := (msg.Width / 3) - 6
		if third < 10 {
			third = 10
		}
		m.RpsLine.Width = third
		m.TTFTLine.Width = third
		m.InflightLine.Width = third
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func percent(s runner.StatsSnapshot) float64 {
	done, total := s.Requests, s.Total
	if s.Phase == runner.PhaseWarmup {
		done, total = s.WarmupCompleted, s.WarmupTotal
	}
	if total == 0 {
		return 0
	}
	return min(float64(done)/float64(total), 1.0)
}

func (m Model) View() string {
	s := strings.Builder{}
	st := m.Stats

	phase := strings.ToUpper(st.Phase.String())
	if st.Phase == runner.PhaseWarmup {
		phase = fmt.Sprintf("WARMUP %d/%d", st.WarmupCompleted, st.WarmupTotal)
	} else if st.Phase == runner.PhaseMeasure && st.Issued >= st.Total && st.Inflight > 0 {
		phase = fmt.Sprintf("DRAINING %d", st.Inflight)
	}
	s.WriteString(styles.PhaseBadge(phase, st.Phase == runner.PhaseMeasure))
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("  elapsed %s", st.Elapsed.Round(time.Second))))
	s.WriteString("\n")

	// Top Grid: Metrics
	errRate := 0.0
	if st.Requests > 0 {
		errRate = (float64(st.Fail) / float64(st.Requests)) * 100
	}

	col1 := fmt.Sprintf("REQ: %d/%d\nINF: %d", st.Requests, st.Total, st.Inflight)
	col2 := fmt.Sprintf("ERR: %.2f%%\nFAIL: %d", errRate, st.Fail)
	col3 := fmt.Sprintf("TOKENS: %d\nOK: %d", st.CompletionTokens, st.Success)

	grid := lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(styles.ErrorRate(errRate).Render(col2)),
		styles.Box.Render(col3),
	)
	s.WriteString(grid)
	s.WriteString("\n")

	// Sparklines
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RpsLine.View()),
		styles.Box.Render(m.TTFTLine.View()),
		styles.Box.Render(m.InflightLine.View()),
	))
	s.WriteString("\n")

	// Detailed Latency
	latencies := fmt.Sprintf(
		"Latency P50: %.0f ms | P95: %.0f ms | P99: %.0f ms    TTFT P50: %.0f ms | P95: %.0f ms",
		st.P50LatencyMs, st.P95LatencyMs, st.P99LatencyMs, st.P50TTFTMs, st.P95TTFTMs,
	)
	s.WriteString(styles.Box.Render(latencies))
	s.WriteString("\n\n")

	// Progress
	s.WriteString(m.Progress.View())

	return s.String()
}
