package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/triad/internal/backend"
	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/prompts"
	"github.com/mpataki/triad/internal/runlog"
	"github.com/mpataki/triad/internal/sandbox"
	"github.com/mpataki/triad/internal/workspace"
)

// scripted answers each role with queued replies and keeps the payloads it saw.
type scripted struct {
	mu       sync.Mutex
	replies  map[string][]string
	payloads map[string][]string
}

func newScripted() *scripted {
	return &scripted{replies: map[string][]string{}, payloads: map[string][]string{}}
}

func (s *scripted) reply(role string, docs ...any) *scripted {
	for _, d := range docs {
		if raw, ok := d.(string); ok {
			s.replies[role] = append(s.replies[role], raw)
			continue
		}
		data, err := json.Marshal(d)
		if err != nil {
			panic(err)
		}
		s.replies[role] = append(s.replies[role], string(data))
	}
	return s
}

func (s *scripted) Generate(ctx context.Context, _, _, payload string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role := backend.RoleFrom(ctx)
	s.payloads[role] = append(s.payloads[role], payload)
	queue := s.replies[role]
	if len(queue) == 0 {
		return "", fmt.Errorf("no reply scripted for %s", role)
	}
	s.replies[role] = queue[1:]
	return queue[0], nil
}

// input decodes the JSON document of the n-th payload sent for role.
func (s *scripted) input(t *testing.T, role string, n int) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.payloads[role]), n)
	_, doc, found := strings.Cut(s.payloads[role][n], "\n\n# INPUT\n")
	require.True(t, found)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &out))
	return out
}

var testPrompts = prompts.Static{
	RolePlanner: {"sys", "plan it"},
	RoleCoder:   {"sys", "code it"},
	RoleTester:  {"sys", "judge it"},
}

func setup(t *testing.T) (*workspace.Workspace, *scripted, *runlog.Memory, Config) {
	t.Helper()
	ws, err := workspace.Open(filepath.Join(t.TempDir(), "ws"))
	require.NoError(t, err)
	be := newScripted()
	log := runlog.NewMemory()
	return ws, be, log, Config{Model: "test-model", Backend: be, Prompts: testPrompts, Log: log}
}

func validPlan() map[string]any {
	return map[string]any{
		"plan_id":          "plan_20260101-000000",
		"project_root":     "calc",
		"test_folder_root": "tests",
		"tasks": []any{
			map[string]any{
				"id": "T1", "title": "Add ops", "rationale": "needed", "acceptance": "tests pass",
				"artifacts": []any{"calc/ops.py", "tests/test_ops.py"},
			},
		},
	}
}

func TestPayload(t *testing.T) {
	out, err := Payload("do it", map[string]any{"goal": "x"})
	require.NoError(t, err)
	assert.Equal(t, "do it\n\n# INPUT\n{\"goal\":\"x\"}", out)
}

func TestPlannerAcceptsPlan(t *testing.T) {
	ws, be, log, cfg := setup(t)
	_, err := ws.Write("README.md", "# calc\n")
	require.NoError(t, err)
	be.reply(RolePlanner, validPlan())

	plan, err := NewPlanner(cfg, ws).Plan(context.Background(), "build a calculator", "20260101-000000")
	require.NoError(t, err)
	assert.Equal(t, "calc", plan.ProjectRoot)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, []string{"calc/ops.py", "tests/test_ops.py"}, plan.Tasks[0].Artifacts)

	in := be.input(t, RolePlanner, 0)
	assert.Equal(t, "build a calculator", in["goal"])
	assert.Equal(t, "plan_20260101-000000", in["plan_id"])
	assert.Equal(t, "README.md", in["repo_summary"])

	assert.Equal(t, []string{models.EntryPlan}, log.Types())
	assert.Equal(t, RolePlanner, log.Entries()[0].Role)
}

func TestPlannerMissingTasks(t *testing.T) {
	ws, be, log, cfg := setup(t)
	doc := validPlan()
	delete(doc, "tasks")
	be.reply(RolePlanner, doc)

	_, err := NewPlanner(cfg, ws).Plan(context.Background(), "build a calculator", "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSchemaViolation))
	assert.Equal(t, "/tasks", fault.DetailOf(err)["field"])

	entries := log.Find(models.EntryValidationError)
	require.Len(t, entries, 1)
	assert.Equal(t, RolePlanner, entries[0].Role)
	var data map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Data, &data))
	assert.Contains(t, data, "error")
	assert.Contains(t, data, "plan")
	assert.Empty(t, log.Find(models.EntryPlan))
}

func TestPlannerParseError(t *testing.T) {
	ws, be, log, cfg := setup(t)
	be.reply(RolePlanner, "Sure! Here is your plan: {")

	_, err := NewPlanner(cfg, ws).Plan(context.Background(), "build a calculator", "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrParse))

	entries := log.Find(models.EntryParseError)
	require.Len(t, entries, 1)
	assert.Equal(t, RoleOrchestrator, entries[0].Role)
	assert.Contains(t, string(entries[0].Data), "Here is your plan")
}

func TestBackendErrorDocument(t *testing.T) {
	ws, be, log, cfg := setup(t)
	be.reply(RolePlanner, map[string]any{"status": "error", "reason": "goal is ambiguous"})

	_, err := NewPlanner(cfg, ws).Plan(context.Background(), "build a calculator", "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSchemaViolation))
	assert.Contains(t, err.Error(), "goal is ambiguous")
	assert.Len(t, log.Find(models.EntryValidationError), 1)
}

func TestCoderWritesEditsAndMarkers(t *testing.T) {
	ws, be, log, cfg := setup(t)
	_, err := ws.Write("calc/ops.py", "def add(a, b): pass\n")
	require.NoError(t, err)
	be.reply(RoleCoder, map[string]any{"edits": []any{
		map[string]any{"path": "calc/ops.py", "content": "def add(a, b):\n    return a + b\n"},
		map[string]any{"path": "calc/core/num.py", "content": "ZERO = 0\n"},
	}})

	task := models.Task{ID: "T1", Title: "Add ops", Feedback: "add is a stub"}
	written, err := NewCoder(cfg, ws).Code(context.Background(), task, "calc")
	require.NoError(t, err)
	assert.Equal(t, []string{"calc/ops.py", "calc/core/num.py"}, written)

	data, err := os.ReadFile(filepath.Join(ws.Root, "calc", "ops.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "return a + b")
	assert.True(t, ws.Exists("calc/__init__.py"))
	assert.True(t, ws.Exists("calc/core/__init__.py"))

	in := be.input(t, RoleCoder, 0)
	taskIn := in["task"].(map[string]any)
	assert.Equal(t, "calc", taskIn["project_root"])
	assert.Equal(t, "add is a stub", taskIn["feedback"])
	assert.Equal(t, []any{}, in["context_files"], "unscoped task sends no context")

	patches := log.Find(models.EntryPatch)
	require.Len(t, patches, 1)
	assert.JSONEq(t, `{"task_id":"T1","files":["calc/ops.py","calc/core/num.py"]}`, string(patches[0].Data))
}

func TestCoderSendsExistingArtifacts(t *testing.T) {
	ws, be, _, cfg := setup(t)
	_, err := ws.Write("src/a.py", "A = 1\n")
	require.NoError(t, err)
	be.reply(RoleCoder, map[string]any{"edits": []any{}})

	task := models.Task{ID: "T1", Artifacts: []string{"src/a.py", "src/new.py"}}
	_, err = NewCoder(cfg, ws).Code(context.Background(), task, "")
	require.NoError(t, err)

	in := be.input(t, RoleCoder, 0)
	assert.Equal(t, []any{map[string]any{"path": "src/a.py", "content": "A = 1\n"}}, in["context_files"])
	assert.NotContains(t, in["task"], "feedback")
	assert.NotContains(t, in["task"], "project_root")
}

func TestCoderRejectsOutOfScopeEdit(t *testing.T) {
	ws, be, log, cfg := setup(t)
	be.reply(RoleCoder, map[string]any{"edits": []any{
		map[string]any{"path": "src/a.py", "content": "A = 1\n"},
		map[string]any{"path": "src/b.py", "content": "B = 2\n"},
	}})

	task := models.Task{ID: "T1", Artifacts: []string{"src/a.py"}}
	written, err := NewCoder(cfg, ws).Code(context.Background(), task, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrPolicyViolation))
	assert.Equal(t, "src/b.py", fault.DetailOf(err)["path"])

	assert.Equal(t, []string{"src/a.py"}, written)
	assert.True(t, ws.Exists("src/a.py"), "earlier edits of the batch stay on disk")
	assert.False(t, ws.Exists("src/b.py"))
	assert.Empty(t, log.Find(models.EntryPatch))
}

func TestCoderFlatProjectRoot(t *testing.T) {
	ws, be, log, cfg := setup(t)
	be.reply(RoleCoder, map[string]any{"edits": []any{
		map[string]any{"path": "app.py", "content": "print('hi')\n"},
	}})

	task := models.Task{ID: "T1", Artifacts: []string{"app.py"}}
	written, err := NewCoder(cfg, ws).Code(context.Background(), task, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py"}, written)
	assert.True(t, ws.Exists("__init__.py"))
	assert.Len(t, log.Find(models.EntryPatch), 1)
}

func TestCoderRejectsRunMetadataEdit(t *testing.T) {
	ws, be, _, cfg := setup(t)
	require.NoError(t, ws.WriteRunMetadata(&workspace.RunMetadata{RunID: "r1"}))
	be.reply(RoleCoder, map[string]any{"edits": []any{
		map[string]any{"path": ".triad/run.json", "content": "{}"},
	}})

	_, err := NewCoder(cfg, ws).Code(context.Background(), models.Task{ID: "T1"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrPolicyViolation))

	meta, err := ws.ReadRunMetadata()
	require.NoError(t, err)
	assert.Equal(t, "r1", meta.RunID)
}

func TestCoderRejectsEscape(t *testing.T) {
	ws, be, _, cfg := setup(t)
	be.reply(RoleCoder, map[string]any{"edits": []any{
		map[string]any{"path": "../../etc/passwd", "content": "root::0:0::/:/bin/sh\n"},
	}})

	_, err := NewCoder(cfg, ws).Code(context.Background(), models.Task{ID: "T1"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrPathEscape))
}

func TestCoderInvalidEditSet(t *testing.T) {
	ws, be, log, cfg := setup(t)
	be.reply(RoleCoder, map[string]any{"edits": []any{map[string]any{"path": "", "content": "x"}}})

	_, err := NewCoder(cfg, ws).Code(context.Background(), models.Task{ID: "T1"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSchemaViolation))
	assert.Equal(t, "/edits/0/path", fault.DetailOf(err)["field"])
	assert.Len(t, log.Find(models.EntryValidationError), 1)
}

// fakeRunner returns queued results and records every command it was given.
type fakeRunner struct {
	calls   [][]string
	results []*sandbox.Result
	err     error
}

func (f *fakeRunner) Run(_ context.Context, argv []string) (*sandbox.Result, error) {
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return nil, f.err
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	out := *res
	out.Argv = argv
	return &out, nil
}

func TestTesterCommand(t *testing.T) {
	ws, _, _, cfg := setup(t)
	for _, d := range []string{"tests", "lib/tests"} {
		require.NoError(t, os.MkdirAll(filepath.Join(ws.Root, d), 0755))
	}
	tester := NewTester(cfg, ws, &fakeRunner{})

	tests := []struct {
		name        string
		artifacts   []string
		projectRoot string
		testFolder  string
		want        []string
	}{
		{
			name:       "test files win",
			artifacts:  []string{"calc/ops.py", "tests/test_ops.py", "docs/testing.md"},
			testFolder: "tests",
			want:       []string{"pytest", "-q", "tests/test_ops.py"},
		},
		{
			name:        "existing test folder",
			artifacts:   []string{"calc/ops.py"},
			projectRoot: "calc",
			testFolder:  "tests",
			want:        []string{"pytest", "-q", "tests"},
		},
		{
			name:        "import check when test folder is missing",
			artifacts:   []string{"pkg/core.py"},
			projectRoot: "pkg",
			testFolder:  "pkg/tests",
			want:        []string{"python", "-c", "import pkg"},
		},
		{
			name:        "nested project root imports as a dotted module",
			projectRoot: "src/pkg",
			want:        []string{"python", "-c", "import src.pkg"},
		},
		{
			name:      "package tests from marker artifact",
			artifacts: []string{"lib/__init__.py"},
			want:      []string{"pytest", "-q", "lib/tests"},
		},
		{
			name:      "marker artifact without tests",
			artifacts: []string{"other/__init__.py"},
			want:      []string{"pytest", "--collect-only", "-q"},
		},
		{
			name:        "workspace root as test folder",
			artifacts:   []string{"app.py"},
			projectRoot: ".",
			testFolder:  ".",
			want:        []string{"pytest", "-q", "."},
		},
		{
			name:        "flat project has nothing to import",
			artifacts:   []string{"app.py"},
			projectRoot: ".",
			want:        []string{"pytest", "--collect-only", "-q"},
		},
		{
			name: "nothing to go on",
			want: []string{"pytest", "--collect-only", "-q"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := models.Task{ID: "T1", Artifacts: tt.artifacts}
			assert.Equal(t, tt.want, tester.Command(task, tt.projectRoot, tt.testFolder))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  sandbox.Result
		want Outcome
	}{
		{"pass", sandbox.Result{ExitCode: 0, Stdout: "3 passed"}, Outcome{Kind: Passed}},
		{"assertion", sandbox.Result{ExitCode: 1, Stdout: "1 failed"}, Outcome{Kind: Failed}},
		{
			"missing module",
			sandbox.Result{ExitCode: 1, Stderr: "ModuleNotFoundError: No module named 'calc.core'"},
			Outcome{Kind: ImportFailure, Module: "calc.core"},
		},
		{
			"unrecognized wording",
			sandbox.Result{ExitCode: 1, Stderr: "ModuleNotFoundError: calc"},
			Outcome{Kind: Failed},
		},
		{
			"zero exit ignores text",
			sandbox.Result{ExitCode: 0, Stdout: "ModuleNotFoundError: No module named 'x'"},
			Outcome{Kind: Passed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res
			assert.Equal(t, tt.want, Classify(&res))
		})
	}
}

func importFailure(module string) *sandbox.Result {
	return &sandbox.Result{
		ExitCode: 1,
		Stderr:   fmt.Sprintf("Traceback (most recent call last):\nModuleNotFoundError: No module named '%s'\n", module),
	}
}

func verdict(passed bool) map[string]any {
	return map[string]any{"task_id": "T1", "passed": passed, "report": "done"}
}

func TestTesterSelfHealsOnce(t *testing.T) {
	ws, be, log, cfg := setup(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root, "calc", "core"), 0755))
	runner := &fakeRunner{results: []*sandbox.Result{importFailure("calc"), importFailure("calc")}}
	be.reply(RoleTester, verdict(false))

	task := models.Task{ID: "T1", Artifacts: []string{"calc/core/ops.py"}}
	v, err := NewTester(cfg, ws, runner).Test(context.Background(), task, "calc", "")
	require.NoError(t, err)
	assert.False(t, v.Passed)

	require.Len(t, runner.calls, 2, "the command is re-run exactly once")
	assert.Equal(t, runner.calls[0], runner.calls[1])
	assert.True(t, ws.Exists("calc/__init__.py"))
	assert.True(t, ws.Exists("calc/core/__init__.py"))

	assert.Equal(t, []string{
		models.EntryTestCommand,
		models.EntrySelfHeal,
		models.EntryTestCommand,
		models.EntryTestResult,
	}, log.Types())

	in := be.input(t, RoleTester, 0)
	assert.Equal(t, "T1", in["task_id"])
	assert.Equal(t, float64(1), in["pytest_exit_code"])
	assert.Contains(t, in["pytest_output"], "No module named 'calc'")
}

func TestTesterHealThenPass(t *testing.T) {
	ws, be, _, cfg := setup(t)
	runner := &fakeRunner{results: []*sandbox.Result{importFailure("calc.ops"), {ExitCode: 0, Stdout: "ok"}}}
	be.reply(RoleTester, verdict(true))

	v, err := NewTester(cfg, ws, runner).Test(context.Background(), models.Task{ID: "T1"}, "calc", "")
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Len(t, runner.calls, 2)
	assert.Equal(t, float64(0), be.input(t, RoleTester, 0)["pytest_exit_code"])
}

func TestTesterNoHealForForeignModule(t *testing.T) {
	ws, be, log, cfg := setup(t)
	runner := &fakeRunner{results: []*sandbox.Result{importFailure("requests")}}
	be.reply(RoleTester, verdict(false))

	_, err := NewTester(cfg, ws, runner).Test(context.Background(), models.Task{ID: "T1"}, "calc", "")
	require.NoError(t, err)
	assert.Len(t, runner.calls, 1)
	assert.Empty(t, log.Find(models.EntrySelfHeal))
}

func TestTesterPropagatesRunnerErrors(t *testing.T) {
	ws, _, _, cfg := setup(t)
	blocked := fault.New(fault.ErrBlockedCommand, "sandbox", "rm -rf /").With("argv", []string{"rm", "-rf", "/"})
	runner := &fakeRunner{err: blocked}

	_, err := NewTester(cfg, ws, runner).Test(context.Background(), models.Task{ID: "T1"}, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrBlockedCommand))
}

func TestTesterInvalidVerdict(t *testing.T) {
	ws, be, log, cfg := setup(t)
	runner := &fakeRunner{results: []*sandbox.Result{{ExitCode: 0}}}
	be.reply(RoleTester, map[string]any{"task_id": "T1", "passed": "yes", "report": ""})

	_, err := NewTester(cfg, ws, runner).Test(context.Background(), models.Task{ID: "T1"}, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSchemaViolation))
	assert.Len(t, log.Find(models.EntryValidationError), 1)
	assert.Empty(t, log.Find(models.EntryTestResult))
}

func TestRejectedKeepsUnencodableDocument(t *testing.T) {
	a := newAgent(RolePlanner, Config{})
	err := a.rejected(context.Background(), errors.New("bad plan"), "plan", map[string]any{"ch": make(chan int)})

	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrSchemaViolation))
	assert.Contains(t, fault.DetailOf(err)["text"], "map[ch:")
}
