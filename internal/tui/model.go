package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"llmbench/internal/banner"
	"llmbench/internal/runner"
	"llmbench/internal/tui/live"
	"llmbench/internal/tui/result"
	"llmbench/internal/tui/styles"
)

// ErrQuit is returned when the dashboard is closed before the run ended.
var ErrQuit = errors.New("dashboard closed before the run finished")

type runDoneMsg struct {
	run *runner.Run
	err error
}

type Model struct {
	Runner *runner.Runner
	Live   live.Model
	Result result.Model

	ctx    context.Context
	cancel context.CancelFunc

	stopping bool
	done     bool
	run      *runner.Run
	err      error

	Width  int
	Height int
}

func NewModel(ctx context.Context, r *runner.Runner) Model {
	ctx, cancel := context.WithCancel(ctx)
	return Model{
		Runner: r,
		Live:   live.NewModel(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.startRun(), waitForUpdate(m.Runner.Updates))
}

func (m Model) startRun() tea.Cmd {
	return func() tea.Msg {
		run, err := m.Runner.Run(m.ctx)
		return runDoneMsg{run: run, err: err}
	}
}

func waitForUpdate(ch runner.StatsUpdateChan) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		m.Result, _ = m.Result.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			// first press stops issuing and lets in-flight requests settle
			if !m.done && !m.stopping {
				m.stopping = true
				m.cancel()
				return m, nil
			}
			m.cancel()
			return m, tea.Quit
		}

	case runner.StatsSnapshot:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		if m.done {
			return m, cmd
		}
		return m, tea.Batch(cmd, waitForUpdate(m.Runner.Updates))

	case runDoneMsg:
		m.done = true
		m.run, m.err = msg.run, msg.err
		if msg.run != nil {
			m.Result = result.NewModel(msg.run.Summary(), msg.run.Cancelled)
			m.Result, _ = m.Result.Update(tea.WindowSizeMsg{Width: m.Width, Height: m.Height})
		}
		return m, nil

	default:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	s := strings.Builder{}

	s.WriteString(banner.GetString())
	cfg := m.Runner.Cfg
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("%s | %s | %s", cfg.Target.ChatURL(), cfg.Target.Model, cfg.Traffic)))
	s.WriteString("\n\n")

	switch {
	case m.done && m.err != nil:
		s.WriteString(styles.Error.Render("Run failed: " + m.err.Error()))
		s.WriteString("\n\n")
		s.WriteString(styles.RenderKey("q", "quit"))
	case m.done:
		s.WriteString(m.Result.View())
	default:
		s.WriteString(m.Live.View())
		s.WriteString("\n\n")
		if m.stopping {
			s.WriteString(styles.Warn.Render("Stopping: waiting for in-flight requests. Press q again to quit now."))
		} else {
			s.WriteString(styles.RenderKey("q", "stop"))
		}
	}

	return s.String()
}

// Run shows the dashboard while r runs and returns the run once the user
// leaves the summary screen.
func Run(ctx context.Context, r *runner.Runner) (*runner.Run, error) {
	m := NewModel(ctx, r)
	defer m.cancel()

	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return nil, err
	}

	fm := final.(Model)
	if !fm.done {
		return nil, ErrQuit
	}
	return fm.run, fm.err
}
