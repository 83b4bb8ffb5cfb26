package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sokinpui/llmd/internal/ui"
	"github.com/sokinpui/llmd/llmd"
	"github.com/sokinpui/llmd/model"
)

// --- Messages ---
type summaryMsg struct {
	model.Summary
}

type progressMsg struct {
	current, total int
}

type errorMsg struct{ err error }

func (e errorMsg) Error() string { return e.err.Error() }

// --- Model ---
type Model struct {
	ctx      context.Context
	app      *llmd.App
	spinner  spinner.Model
	state    state
	progress progressMsg
	summary  summaryMsg
	err      error
}

type state int

const (
	stateProcessing state = iota
	stateSummary
	stateError
)

func New(ctx context.Context, app *llmd.App) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Model{
		ctx:     ctx,
		app:     app,
		spinner: s,
		state:   stateProcessing,
	}
}

// Run executes app under a spinner and returns its summary.
func Run(ctx context.Context, app *llmd.App) (model.Summary, error) {
	p := tea.NewProgram(New(ctx, app))
	app.SetProgressCallback(func(current, total int) {
		p.Send(progressMsg{current: current, total: total})
	})

	final, err := p.Run()
	if err != nil {
		return model.Summary{}, fmt.Errorf("error running program: %w", err)
	}
	m := final.(Model)
	switch m.state {
	case stateError:
		return model.Summary{}, m.err
	case stateSummary:
		return m.summary.Summary, nil
	default:
		return model.Summary{}, errors.New("interrupted")
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runApp)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case progressMsg:
		m.progress = msg
		return m, nil

	case summaryMsg:
		m.state = stateSummary
		m.summary = msg
		return m, tea.Quit

	case errorMsg:
		m.state = stateError
		m.err = msg.err
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		if m.state == stateProcessing {
			m.spinner, cmd = m.spinner.Update(msg)
		}
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	switch m.state {
	case stateProcessing:
		if m.progress.total > 0 {
			return fmt.Sprintf("%s Writing %d/%d...", m.spinner.View(), m.progress.current, m.progress.total)
		}
		return fmt.Sprintf("%s Processing...", m.spinner.View())
	case stateError:
		return ui.ErrorStyle.Render("Error: "+m.err.Error()) + "\n"
	case stateSummary:
		return ui.RenderSummary(m.summary.Summary) + "\n"
	default:
		return ""
	}
}

func (m Model) runApp() tea.Msg {
	summary, err := m.app.Execute(m.ctx)
	if err != nil {
		return errorMsg{err}
	}
	return summaryMsg{Summary: summary}
}
