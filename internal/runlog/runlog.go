// Package runlog is the append-only audit trail of a run. Every stage
// transition, artifact write, test result and error is one JSONL line.
package runlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/models"
)

// RunIDLayout formats the run start time (UTC) into a run id.
const RunIDLayout = "20060102-150405"

// Entry is what a component asks to record. Data must marshal to JSON.
type Entry struct {
	Role string
	Type string
	Data any
}

// Appender records entries. Implementations never rewrite or drop what they
// already accepted.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Mirror receives every stamped line after it reached the log file.
type Mirror interface {
	Mirror(ctx context.Context, runID string, e models.LogEntry) error
}

func NewRunID(t time.Time) string { return t.UTC().Format(RunIDLayout) }

// PathFor returns the log file of runID under runsDir.
func PathFor(runsDir, runID string) string {
	return filepath.Join(runsDir, runID+".log.jsonl")
}

// stamper hands out non-decreasing UTC timestamps.
type stamper struct {
	now  func() time.Time
	last time.Time
}

func (s *stamper) next() time.Time {
	ts := s.now().UTC()
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	return ts
}

func stamp(s *stamper, e Entry) (models.LogEntry, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return models.LogEntry{}, fmt.Errorf("failed to marshal %s/%s entry: %w", e.Role, e.Type, err)
	}
	return models.LogEntry{TS: s.next(), Role: e.Role, Type: e.Type, Data: data}, nil
}

// Log appends to <runs_dir>/<runID>.log.jsonl and forwards each line to its
// mirrors. Appends are serialized.
type Log struct {
	mu      sync.Mutex
	runID   string
	path    string
	clock   stamper
	mirrors []Mirror
	logger  *zap.Logger
}

type Option func(*Log)

func WithMirror(m Mirror) Option {
	return func(l *Log) { l.mirrors = append(l.mirrors, m) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger.Named("runlog") }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.clock.now = now }
}

// Open prepares the log for runID. An existing file is continued, never
// truncated, and its last timestamp seeds the clock.
func Open(runsDir, runID string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	l := &Log{
		runID:  runID,
		path:   PathFor(runsDir, runID),
		clock:  stamper{now: time.Now},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if existing, err := ReadFile(l.path); err == nil && len(existing) > 0 {
		l.clock.last = existing[len(existing)-1].TS
	}
	return l, nil
}

func (l *Log) RunID() string { return l.runID }
func (l *Log) Path() string  { return l.path }

func (l *Log) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := stamp(&l.clock, e)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to run log: %w", err)
	}

	for _, m := range l.mirrors {
		if err := m.Mirror(ctx, l.runID, entry); err != nil {
			l.logger.Warn("run log mirror failed",
				zap.String("run_id", l.runID),
				zap.String("type", entry.Type),
				zap.Error(err))
		}
	}
	return nil
}

// ReadFile loads every entry of a JSONL run log in file order.
func ReadFile(path string) ([]models.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []models.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e models.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Memory keeps entries in process. Tests use it to assert on what a
// component recorded.
type Memory struct {
	mu      sync.Mutex
	clock   stamper
	entries []models.LogEntry
}

func NewMemory() *Memory {
	return &Memory{clock: stamper{now: time.Now}}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := stamp(&m.clock, e)
	if err != nil {
		return err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Entries() []models.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LogEntry(nil), m.entries...)
}

// Types lists entry types in append order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.entries))
	for i, e := range m.entries {
		types[i] = e.Type
	}
	return types
}

// Find returns the entries of one type.
func (m *Memory) Find(typ string) []models.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEntry
	for _, e := range m.entries {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type multi []Appender

// Multi fans each entry out to every appender and stops at the first error.
func Multi(appenders ...Appender) Appender { return multi(appenders) }

func (m multi) Append(ctx context.Context, e Entry) error {
	for _, a := range m {
		if err := a.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

type discard struct{}

// Discard accepts and drops everything.
var Discard Appender = discard{}

func (discard) Append(context.Context, Entry) error { return nil }
