package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewEntry
)

// Source is the run index the browser reads from. *storage.Storage
// satisfies it.
type Source interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetRun(runID string) (*models.Run, error)
	Entries(runID string) ([]models.LogEntry, error)
}

type App struct {
	source Source

	view             View
	runs             []*models.Run
	selectedIdx      int
	selectedRun      *models.Run
	entries          []models.LogEntry
	selectedEntryIdx int
	entryView        viewport.Model

	width  int
	height int
	err    error
}

func NewApp(source Source) *App {
	return &App{
		source:    source,
		view:      ViewRunList,
		entryView: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.entryView.Width = msg.Width
		a.entryView.Height = max(msg.Height-6, 5)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Only refresh the list while something is still running
		if a.view == ViewRunList && a.hasRunningRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		if a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.Status == models.RunStatusRunning {
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.RunID), a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if a.err == nil {
			a.selectedRun = msg.run
			a.entries = msg.entries
			if a.selectedEntryIdx >= len(a.entries) {
				a.selectedEntryIdx = max(len(a.entries)-1, 0)
			}
			a.view = ViewRunDetail
		}
		return a, nil
	}

	if a.view == ViewEntry {
		var cmd tea.Cmd
		a.entryView, cmd = a.entryView.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewEntry:
		return a.handleEntryKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			a.selectedEntryIdx = 0
			return a, a.loadRunDetail(a.runs[a.selectedIdx].RunID)
		}

	case "r":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.entries = nil
		a.selectedEntryIdx = 0
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedEntryIdx > 0 {
			a.selectedEntryIdx--
		}

	case "down", "j":
		if a.selectedEntryIdx < len(a.entries)-1 {
			a.selectedEntryIdx++
		}

	case "enter":
		if len(a.entries) > 0 && a.selectedEntryIdx < len(a.entries) {
			a.entryView.SetContent(prettyJSON(a.entries[a.selectedEntryIdx].Data))
			a.entryView.GotoTop()
			a.view = ViewEntry
		}

	case "r":
		if a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.RunID)
		}
	}

	return a, nil
}

func (a *App) handleEntryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.entryView, cmd = a.entryView.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewEntry:
		return a.viewEntry()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusHalted  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	// Entry type colors
	entryProblem = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	entryResult  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))  // green
	entryState   = lipgloss.NewStyle().Foreground(lipgloss.Color("243")) // grey

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Triad") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'triad run'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status != models.RunStatusRunning {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatStatus(run.Status)
	age := storage.FormatTimeAgo(run.StartedAt)
	task := run.LastTaskID
	if task == "" {
		task = "-"
	}
	return fmt.Sprintf("%-16s %s  %-4s %-8s  %s", run.RunID, status, task, age, truncate(run.Goal, 40))
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusDone:
		return statusDone.Render("✓ done   ")
	case models.RunStatusHalted:
		return statusHalted.Render("✗ halted ")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	s := titleStyle.Render("Run "+run.RunID) + "  " + a.formatStatus(run.Status) + "\n\n"
	s += run.Goal + "\n\n"
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n"
	s += labelStyle.Render("Log:       ") + dimStyle.Render(run.LogPath) + "\n\n"

	s += "Entries\n"
	s += "───────\n"

	if len(a.entries) == 0 {
		s += "(no entries yet)\n"
	} else {
		first, last := a.visibleEntries()
		for i := first; i < last; i++ {
			e := a.entries[i]
			line := fmt.Sprintf("%3d. %s  %-12s %s", i+1, e.TS.Format("15:04:05"), e.Role, formatEntryType(e.Type))
			if summary := entrySummary(e); summary != "" {
				line += "  " + dimStyle.Render(summary)
			}
			if i == a.selectedEntryIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] data  [r] refresh  [esc] back")

	return s
}

// visibleEntries returns the window of entries that fits the terminal and
// keeps the selection in view.
func (a *App) visibleEntries() (int, int) {
	rows := len(a.entries)
	if a.height > 12 {
		rows = a.height - 12
	}
	first := 0
	if a.selectedEntryIdx >= rows {
		first = a.selectedEntryIdx - rows + 1
	}
	return first, min(first+rows, len(a.entries))
}

func formatEntryType(typ string) string {
	switch typ {
	case models.EntryError, models.EntryHalt, models.EntryValidationError, models.EntryParseError:
		return entryProblem.Render(typ)
	case models.EntryRunComplete, models.EntryTestResult, models.EntryPatch:
		return entryResult.Render(typ)
	case models.EntryState:
		return entryState.Render(typ)
	default:
		return typ
	}
}

// entrySummary picks the one field that identifies an entry at a glance.
func entrySummary(e models.LogEntry) string {
	var data map[string]any
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}
	switch e.Type {
	case models.EntryState:
		if task, ok := data["task_id"].(string); ok && task != "" {
			return fmt.Sprintf("%v %s #%v", data["state"], task, data["attempt"])
		}
		return fmt.Sprintf("%v", data["state"])
	case models.EntryTestResult:
		return fmt.Sprintf("%v passed=%v", data["task_id"], data["passed"])
	case models.EntryError, models.EntryHalt:
		return fmt.Sprintf("%v", data["kind"])
	case models.EntryPatch:
		return fmt.Sprintf("%v %v", data["task_id"], data["files"])
	}
	return ""
}

func (a *App) viewEntry() string {
	if a.selectedEntryIdx >= len(a.entries) {
		return "No entry selected"
	}
	e := a.entries[a.selectedEntryIdx]
	s := titleStyle.Render(fmt.Sprintf("%s / %s", e.Role, e.Type)) + "  " +
		dimStyle.Render(e.TS.Format(time.RFC3339)) + "\n\n"
	s += a.entryView.View() + "\n"
	s += "\n" + helpStyle.Render(fmt.Sprintf("[↑/↓] scroll  %3.f%%  [esc] back", a.entryView.ScrollPercent()*100))
	return s
}

func prettyJSON(data json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run     *models.Run
	entries []models.LogEntry
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.source.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.source.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		entries, err := a.source.Entries(id)
		return runDetailMsg{run: run, entries: entries, err: err}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
