// Package tui provides the live run dashboard for strata watch.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/engine"
	"github.com/strataresearch/strata/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	daemonOnlineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	daemonOfflineStyle = lipgloss.NewStyle().
				Foreground(errorColor)
)

const pollInterval = 2 * time.Second

// App is the watch dashboard model. It polls the daemon for the run
// snapshot, task records and budget status on a fixed tick.
type App struct {
	client       *Client
	runID        string
	width        int
	height       int
	mode         string // "overview", "tasks", "findings"
	snapshot     *engine.Snapshot
	tasks        []models.Task
	budget       *budget.Status
	budgetBar    progress.Model
	spin         spinner.Model
	message      string
	daemonOnline bool
	loading      bool
}

// New creates a watch dashboard for the given run.
func New(apiAddr, runID string) *App {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		client:    NewClient(apiAddr),
		runID:     runID,
		mode:      "overview",
		budgetBar: bar,
		spin:      sp,
		loading:   true,
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.spin.Tick,
		a.checkDaemon(),
		a.fetchAll(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "tab":
			switch a.mode {
			case "overview":
				a.mode = "tasks"
			case "tasks":
				a.mode = "findings"
			default:
				a.mode = "overview"
			}
		case "t":
			a.mode = "tasks"
		case "f":
			a.mode = "findings"
		case "o", "esc":
			a.mode = "overview"
		case "r":
			return a, a.fetchAll()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.budgetBar.Width = min(msg.Width-30, 50)

	case snapshotMsg:
		a.loading = false
		a.snapshot = msg.snapshot
		a.tasks = msg.tasks
		a.budget = msg.budget
		if a.snapshot != nil && a.snapshot.Run.State.Terminal() {
			// Keep the final frame on screen; stop polling.
			return a, nil
		}
		return a, a.tickCmd()

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.fetchAll(), a.checkDaemon())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		return a, a.tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	return a, nil
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := daemonOnlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = daemonOfflineStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("STRATA Research Pipeline")
	header += "  " + daemonStatus
	if a.snapshot != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(a.snapshot.Run.Name)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	if a.loading {
		b.WriteString("\n  " + a.spin.View() + " Loading run...\n")
	} else {
		switch a.mode {
		case "tasks":
			b.WriteString(a.renderTasks())
		case "findings":
			b.WriteString(a.renderFindings())
		default:
			b.WriteString(a.renderOverview())
		}
	}

	if a.message != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(errorColor).Render(a.message) + "\n")
	}

	status := " Tab:view | o:overview | t:tasks | f:findings | r:refresh | q:quit"
	b.WriteString("\n" + statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

func (a *App) renderOverview() string {
	if a.snapshot == nil {
		return "\n  No run data\n"
	}
	run := a.snapshot.Run

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  Run:    %s\n", run.ID))
	b.WriteString(fmt.Sprintf("  State:  %s\n", renderState(string(run.State))))
	b.WriteString(fmt.Sprintf("  Cost:   $%.4f\n", run.TotalCost))
	if run.BudgetWarning {
		b.WriteString("  " + lipgloss.NewStyle().Foreground(warningColor).Render("⚠ soft budget cap crossed") + "\n")
	}
	if run.TerminalReason != "" {
		b.WriteString(fmt.Sprintf("  Reason: %s\n", run.TerminalReason))
	}

	b.WriteString("\n  Phases:\n")
	for i, name := range run.Phases {
		marker := "  "
		style := lipgloss.NewStyle().Foreground(mutedColor)
		switch {
		case a.phaseOutput(name) != nil:
			marker = "✓ "
			style = lipgloss.NewStyle().Foreground(successColor)
		case i == run.CurrentPhase && run.State == models.RunStateRunning:
			marker = a.spin.View() + " "
			style = lipgloss.NewStyle().Foreground(fgColor).Bold(true)
		}
		line := fmt.Sprintf("%s%-20s", marker, name)
		if out := a.phaseOutput(name); out != nil {
			line += fmt.Sprintf(" %d/%d tasks, %d findings", out.Succeeded, out.Tasks, len(out.Findings))
		}
		b.WriteString("    " + style.Render(line) + "\n")
	}

	if a.budget != nil {
		b.WriteString("\n  Monthly budget:\n")
		frac := 0.0
		if a.budget.MonthlyHardCap > 0 {
			frac = a.budget.MonthlySpend / a.budget.MonthlyHardCap
		}
		b.WriteString("    " + a.budgetBar.ViewAs(frac))
		b.WriteString(fmt.Sprintf("  $%.4f / $%.2f\n", a.budget.MonthlySpend, a.budget.MonthlyHardCap))
		for _, warning := range a.budget.Warnings {
			b.WriteString("    " + lipgloss.NewStyle().Foreground(warningColor).Render("⚠ "+warning) + "\n")
		}
	}

	return b.String()
}

func (a *App) renderTasks() string {
	var b strings.Builder
	b.WriteString("\n  Tasks\n")
	b.WriteString("  " + strings.Repeat("─", 70) + "\n")

	if len(a.tasks) == 0 {
		b.WriteString("  " + helpStyle.Render("No tasks yet") + "\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s  %s\n",
		headerStyle.Render(fmt.Sprintf("%-18s", "PHASE")),
		headerStyle.Render(fmt.Sprintf("%-22s", "KEY")),
		headerStyle.Render(fmt.Sprintf("%-10s", "STATE")),
		headerStyle.Render(fmt.Sprintf("%-8s", "TRIES")),
		headerStyle.Render("COST"),
	))
	b.WriteString("  " + strings.Repeat("─", 70) + "\n")

	for _, task := range a.tasks {
		key := task.Key
		if len(key) > 22 {
			key = key[:19] + "..."
		}
		b.WriteString(fmt.Sprintf("  %-18s  %-22s  %s  %-8d  $%.4f\n",
			task.Phase, key,
			renderState(fmt.Sprintf("%-10s", string(task.State))),
			task.Attempts, task.Cost))
	}
	return b.String()
}

func (a *App) renderFindings() string {
	var b strings.Builder
	b.WriteString("\n  Findings\n")

	if a.snapshot == nil || len(a.snapshot.Outputs) == 0 {
		b.WriteString("  " + helpStyle.Render("No synthesized output yet") + "\n")
		return b.String()
	}

	for _, output := range a.snapshot.Outputs {
		b.WriteString("\n  " + headerStyle.Render(output.Phase) +
			helpStyle.Render(fmt.Sprintf("  (%d citations)", len(output.Citations))) + "\n")
		for _, f := range output.Findings {
			summary := f.Summary
			width := max(a.width-40, 30)
			if len(summary) > width {
				summary = summary[:width-3] + "..."
			}
			b.WriteString(fmt.Sprintf("    %-28s %.2f  %s\n", f.Key, f.Confidence, summary))
		}
	}
	return b.String()
}

func (a *App) phaseOutput(name string) *models.PhaseOutput {
	if a.snapshot == nil {
		return nil
	}
	for i := range a.snapshot.Outputs {
		if a.snapshot.Outputs[i].Phase == name {
			return &a.snapshot.Outputs[i]
		}
	}
	return nil
}

func renderState(state string) string {
	style := lipgloss.NewStyle().Foreground(mutedColor)
	switch strings.TrimSpace(state) {
	case string(models.RunStateCompleted), string(models.TaskStateSucceeded):
		style = lipgloss.NewStyle().Foreground(successColor)
	case string(models.RunStateRunning), string(models.TaskStateInFlight):
		style = lipgloss.NewStyle().Foreground(cyanColor)
	case string(models.RunStateFailed), string(models.TaskStateFailedTerminal):
		style = lipgloss.NewStyle().Foreground(errorColor)
	case string(models.RunStateAbortedBudget), string(models.TaskStateRejected):
		style = lipgloss.NewStyle().Foreground(warningColor)
	}
	return style.Render(state)
}

type snapshotMsg struct {
	snapshot *engine.Snapshot
	tasks    []models.Task
	budget   *budget.Status
}

type daemonStatusMsg struct {
	online bool
}

type errMsg struct {
	err error
}

type tickMsg time.Time

func (a *App) fetchAll() tea.Cmd {
	return func() tea.Msg {
		snap, err := a.client.GetSnapshot(a.runID)
		if err != nil {
			return errMsg{err}
		}
		tasks, _ := a.client.GetTasks(a.runID)
		status, _ := a.client.GetBudget()
		return snapshotMsg{snapshot: snap, tasks: tasks, budget: status}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
