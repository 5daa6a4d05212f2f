package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/triad/internal/models"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when no run with the given id was indexed.
var ErrRunNotFound = errors.New("run not found")

// Storage indexes run logs for browsing. It only ever inserts; run status is
// derived from the entries instead of being updated in place.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		goal TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		log_path TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(run_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// startData is the subset of a start entry needed to index the run.
type startData struct {
	Goal      string `json:"goal"`
	Workspace string `json:"workspace"`
	LogPath   string `json:"log_path"`
}

// Mirror indexes one run log line. A start line also registers the run.
func (s *Storage) Mirror(ctx context.Context, runID string, e models.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := e.TS.UTC().Format(time.RFC3339Nano)
	if e.Type == models.EntryStart {
		var sd startData
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &sd); err != nil {
				return fmt.Errorf("failed to decode start entry: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO runs (run_id, started_at, goal, workspace_path, log_path)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, ts, sd.Goal, sd.Workspace, sd.LogPath,
		); err != nil {
			return err
		}
	}

	data := string(e.Data)
	if data == "" {
		data = "null"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (run_id, ts, role, type, data) VALUES (?, ?, ?, ?, ?)`,
		runID, ts, e.Role, e.Type, data,
	); err != nil {
		return err
	}

	return tx.Commit()
}

const runColumns = `
	r.run_id, r.started_at, r.goal, r.workspace_path, r.log_path,
	(SELECT type FROM entries e WHERE e.run_id = r.run_id ORDER BY seq DESC LIMIT 1),
	(SELECT json_extract(data, '$.task_id') FROM entries e
	  WHERE e.run_id = r.run_id AND json_valid(data) AND json_type(data) = 'object'
	    AND json_extract(data, '$.task_id') IS NOT NULL
	  ORDER BY seq DESC LIMIT 1),
	(SELECT COUNT(*) FROM entries e WHERE e.run_id = r.run_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var startedAt string
	var lastType, lastTask sql.NullString

	err := row.Scan(
		&run.RunID, &startedAt, &run.Goal, &run.WorkspacePath, &run.LogPath,
		&lastType, &lastTask, &run.Entries,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		run.StartedAt = t
	}
	run.Status = statusFor(lastType.String)
	if lastTask.Valid {
		run.LastTaskID = lastTask.String
	}
	return &run, nil
}

func statusFor(lastType string) models.RunStatus {
	switch lastType {
	case models.EntryRunComplete:
		return models.RunStatusDone
	case models.EntryHalt:
		return models.RunStatusHalted
	default:
		return models.RunStatusRunning
	}
}

func (s *Storage) GetRun(runID string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC, r.run_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Entries returns the indexed log lines of a run in append order.
func (s *Storage) Entries(runID string) ([]models.LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT ts, role, type, data FROM entries WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var ts, data string
		if err := rows.Scan(&ts, &e.Role, &e.Type, &data); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.TS = t
		}
		e.Data = json.RawMessage(data)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
