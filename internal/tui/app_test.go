package tui

import (
	"encoding/json"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/storage"
)

type fakeSource struct {
	runs    []*models.Run
	entries map[string][]models.LogEntry
}

func (f *fakeSource) ListRuns(limit int) ([]*models.Run, error) { return f.runs, nil }

func (f *fakeSource) GetRun(runID string) (*models.Run, error) {
	for _, r := range f.runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return nil, storage.ErrRunNotFound
}

func (f *fakeSource) Entries(runID string) ([]models.LogEntry, error) {
	return f.entries[runID], nil
}

func entry(typ string, data any) models.LogEntry {
	raw, _ := json.Marshal(data)
	return models.LogEntry{TS: time.Now().UTC(), Role: "orchestrator", Type: typ, Data: raw}
}

func newSource() *fakeSource {
	return &fakeSource{
		runs: []*models.Run{
			{RunID: "20260101-120000", Goal: "build a calculator", Status: models.RunStatusHalted, LastTaskID: "T2", StartedAt: time.Now()},
			{RunID: "20260101-110000", Goal: "build a todo app", Status: models.RunStatusDone, StartedAt: time.Now()},
		},
		entries: map[string][]models.LogEntry{
			"20260101-120000": {
				entry(models.EntryStart, map[string]any{"goal": "build a calculator"}),
				entry(models.EntryState, map[string]any{"state": "CODE", "task_id": "T2", "attempt": 1}),
				entry(models.EntryHalt, map[string]any{"task_id": "T2", "kind": "RetryExhausted"}),
			},
		},
	}
}

// run feeds the message produced by cmd back into the app.
func run(t *testing.T, a *App, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	a.Update(cmd())
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestRunListToEntryView(t *testing.T) {
	a := NewApp(newSource())
	run(t, a, a.loadRuns)

	list := a.View()
	assert.Contains(t, list, "20260101-120000")
	assert.Contains(t, list, "halted")
	assert.Contains(t, list, "build a todo app")

	_, cmd := a.Update(key("enter"))
	run(t, a, cmd)
	require.Equal(t, ViewRunDetail, a.view)
	detail := a.View()
	assert.Contains(t, detail, "Run 20260101-120000")
	assert.Contains(t, detail, "CODE T2 #1")
	assert.Contains(t, detail, "RetryExhausted")

	a.Update(key("down"))
	a.Update(key("down"))
	a.Update(key("enter"))
	require.Equal(t, ViewEntry, a.view)
	assert.Contains(t, a.View(), `"kind": "RetryExhausted"`)

	a.Update(key("esc"))
	assert.Equal(t, ViewRunDetail, a.view)
	_, cmd = a.Update(key("esc"))
	assert.Equal(t, ViewRunList, a.view)
	assert.NotNil(t, cmd)
}

func TestSelectionStaysInBounds(t *testing.T) {
	a := NewApp(newSource())
	run(t, a, a.loadRuns)

	for i := 0; i < 5; i++ {
		a.Update(key("j"))
	}
	assert.Equal(t, 1, a.selectedIdx)

	_, cmd := a.Update(key("enter"))
	run(t, a, cmd)
	assert.Equal(t, ViewRunDetail, a.view)
	assert.Contains(t, a.View(), "(no entries yet)")
	a.Update(key("enter"))
	assert.Equal(t, ViewRunDetail, a.view, "nothing to open")
}

func TestPrettyJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", prettyJSON(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "not json", prettyJSON(json.RawMessage("not json")))
}
