package cli

import (
	"context"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/pipeline"
)

// Theme holds the color scheme for the step view.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// Human-readable step labels for the view.
var stepLabels = map[string]string{
	pipeline.StepCompliance:   "Checking question relevance",
	pipeline.StepSQLGenerator: "Generating SQL",
	pipeline.StepDBQuery:      "Executing query",
	pipeline.StepAnswer:       "Composing answer",
}

// traceMsg carries the latest step-trace snapshot.
type traceMsg []pipeline.Step

// runDoneMsg carries the terminal pipeline result.
type runDoneMsg struct {
	outcome *pipeline.Outcome
	err     error
}

// stepModel is the bubbletea model for the live pipeline view.
type stepModel struct {
	steps    []pipeline.Step
	spinner  spinner.Model
	theme    Theme
	outcome  *pipeline.Outcome
	done     bool
	quitting bool
	err      error
}

func newStepModel() stepModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	return stepModel{
		spinner: sp,
		theme:   defaultTheme,
	}
}

// Init starts the spinner animation.
func (m stepModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages and returns the updated model.
func (m stepModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case traceMsg:
		m.steps = msg
		return m, nil

	case runDoneMsg:
		m.done = true
		m.outcome = msg.outcome
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the step list and the streaming answer.
func (m stepModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m stepModel) renderContent() string {
	var b strings.Builder

	for _, step := range m.steps {
		label := stepLabels[step.Step]
		if label == "" {
			label = step.Step
		}

		switch step.Status {
		case pipeline.StatusInProgress:
			fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), m.theme.statusStyle().Render(label))
		case pipeline.StatusCompleted:
			fmt.Fprintf(&b, "%s %s %s\n",
				m.theme.completedStyle().Render("✓"), label,
				m.theme.hintStyle().Render(fmt.Sprintf("(%.2fs)", step.Latency)))
		case pipeline.StatusError:
			fmt.Fprintf(&b, "%s %s\n", m.theme.errorStyle().Render("✗"), label)
		}

		if answer := answerText(step); answer != "" {
			b.WriteString("\n")
			b.WriteString(answer)
			b.WriteString("\n")
		}
	}

	if !m.done {
		b.WriteString("\n")
		b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to cancel"))
		b.WriteString("\n")
	}

	return b.String()
}

// answerText extracts the visible answer from an answer step. While the
// step is still streaming the partial summary lives in Result; Answer is
// only attached on the final emission.
func answerText(step pipeline.Step) string {
	if step.Step != pipeline.StepAnswer {
		return ""
	}
	if step.Answer != nil {
		return step.Answer.Summary
	}
	if partial, ok := step.Result.(*models.Answer); ok && partial != nil {
		return partial.Summary
	}
	return ""
}

// runStepView runs the pipeline under the interactive view and returns
// its outcome.
func runStepView(ctx context.Context, coordinator *pipeline.Coordinator, req pipeline.Request) (*pipeline.Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newStepModel())

	go func() {
		outcome, err := coordinator.Run(ctx, req, func(steps []pipeline.Step) error {
			p.Send(traceMsg(steps))
			return nil
		})
		p.Send(runDoneMsg{outcome: outcome, err: err})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("step view error: %w", err)
	}

	m, ok := finalModel.(stepModel)
	if !ok {
		return nil, fmt.Errorf("unexpected model type")
	}
	if m.quitting {
		cancel()
		return nil, pipeline.ErrCancelled
	}
	if m.err != nil {
		return nil, m.err
	}

	if m.outcome != nil && m.outcome.ValidSQL != "" {
		fmt.Printf("\nSQL: %s\n", m.outcome.ValidSQL)
	}
	return m.outcome, nil
}
