package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusHalted  RunStatus = "halted"
)

// Run summarizes one orchestration as recorded in the run index.
type Run struct {
	RunID         string
	StartedAt     time.Time
	Goal          string
	WorkspacePath string
	LogPath       string
	Status        RunStatus
	LastTaskID    string
	Entries       int
}

// LogEntry is one append-only audit record.
type LogEntry struct {
	TS   time.Time       `json:"ts"`
	Role string          `json:"role"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Entry types that carry run-level meaning.
const (
	EntryStart       = "start"
	EntryRunComplete = "run_complete"
	EntryHalt        = "halt"
	EntryState       = "state"
	EntryError       = "error"
)

// Entry types written by the roles.
const (
	EntryPlan            = "plan"
	EntryPatch           = "patch"
	EntryTestCommand     = "test_command"
	EntrySelfHeal        = "self_heal"
	EntryTestResult      = "test_result"
	EntryValidationError = "validation_error"
	EntryParseError      = "json_parse_error"
)
