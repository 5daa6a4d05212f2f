package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/triad/internal/models"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "triad.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(ts time.Time, role, typ string, data any) models.LogEntry {
	raw, _ := json.Marshal(data)
	return models.LogEntry{TS: ts, Role: role, Type: typ, Data: raw}
}

func mirrorAll(t *testing.T, s *Storage, runID string, entries ...models.LogEntry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, s.Mirror(context.Background(), runID, e))
	}
}

func TestMirrorDerivesRunStatus(t *testing.T) {
	s := newStorage(t)
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mirrorAll(t, s, "20260201-100000",
		entry(t0, "orchestrator", models.EntryStart, map[string]string{
			"goal": "build calc", "workspace": "/ws", "log_path": "/runs/20260201-100000.log.jsonl",
		}),
		entry(t0.Add(time.Second), "coder", "patch", map[string]any{"task_id": "T1", "files": []string{"a.py"}}),
	)

	run, err := s.GetRun("20260201-100000")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "build calc", run.Goal)
	assert.Equal(t, "/ws", run.WorkspacePath)
	assert.Equal(t, "T1", run.LastTaskID)
	assert.Equal(t, 2, run.Entries)
	assert.True(t, t0.Equal(run.StartedAt))

	mirrorAll(t, s, "20260201-100000",
		entry(t0.Add(2*time.Second), "tester", "test_result", map[string]any{"task_id": "T2", "passed": false}),
		entry(t0.Add(3*time.Second), "orchestrator", models.EntryHalt, map[string]string{"reason": "retries exhausted"}),
	)

	run, err = s.GetRun("20260201-100000")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusHalted, run.Status)
	assert.Equal(t, "T2", run.LastTaskID)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newStorage(t)
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mirrorAll(t, s, "old",
		entry(t0, "orchestrator", models.EntryStart, map[string]string{"goal": "first"}),
		entry(t0.Add(time.Second), "orchestrator", models.EntryRunComplete, nil),
	)
	mirrorAll(t, s, "new",
		entry(t0.Add(time.Hour), "orchestrator", models.EntryStart, map[string]string{"goal": "second"}),
	)

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, models.RunStatusRunning, runs[0].Status)
	assert.Equal(t, models.RunStatusDone, runs[1].Status)

	limited, err := s.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestEntriesInAppendOrder(t *testing.T) {
	s := newStorage(t)
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mirrorAll(t, s, "r",
		entry(t0, "orchestrator", models.EntryStart, map[string]string{"goal": "g"}),
		entry(t0, "orchestrator", "state", "PLAN"),
		models.LogEntry{TS: t0, Role: "orchestrator", Type: "state"},
	)

	entries, err := s.Entries("r")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{models.EntryStart, "state", "state"},
		[]string{entries[0].Type, entries[1].Type, entries[2].Type})
	assert.JSONEq(t, `"PLAN"`, string(entries[1].Data))
	assert.Equal(t, "null", string(entries[2].Data))
}

func TestDuplicateStartKeepsFirstRun(t *testing.T) {
	s := newStorage(t)
	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mirrorAll(t, s, "r",
		entry(t0, "orchestrator", models.EntryStart, map[string]string{"goal": "one"}),
		entry(t0, "orchestrator", models.EntryStart, map[string]string{"goal": "two"}),
	)

	run, err := s.GetRun("r")
	require.NoError(t, err)
	assert.Equal(t, "one", run.Goal)
	assert.Equal(t, 2, run.Entries)
}

func TestGetRunNotFound(t *testing.T) {
	s := newStorage(t)
	_, err := s.GetRun("missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", FormatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", FormatTimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatTimeAgo(time.Now().Add(-3*time.Hour-time.Second)))
}
