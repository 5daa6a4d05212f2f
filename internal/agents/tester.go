package agents

import (
	"context"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/sandbox"
	"github.com/mpataki/triad/internal/schema"
	"github.com/mpataki/triad/internal/workspace"
)

// Runner executes a command vector inside the workspace. *sandbox.Sandbox
// satisfies it.
type Runner interface {
	Run(ctx context.Context, argv []string) (*sandbox.Result, error)
}

// OutcomeKind classifies a finished test command.
type OutcomeKind int

const (
	Passed OutcomeKind = iota
	ImportFailure
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Passed:
		return "passed"
	case ImportFailure:
		return "import_failure"
	default:
		return "failed"
	}
}

// Outcome is what a test command's exit status and output say happened.
// Module is set for ImportFailure.
type Outcome struct {
	Kind   OutcomeKind
	Module string
}

var noModuleRe = regexp.MustCompile(`No module named '([^']+)'`)

// Classify derives an Outcome from a command result. Import failures are
// recognized by text match on the combined output, so an unfamiliar runner
// message reads as a plain failure.
func Classify(res *sandbox.Result) Outcome {
	if res.ExitCode == 0 {
		return Outcome{Kind: Passed}
	}
	out := res.Output()
	if !strings.Contains(out, "ModuleNotFoundError") {
		return Outcome{Kind: Failed}
	}
	m := noModuleRe.FindStringSubmatch(out)
	if m == nil {
		return Outcome{Kind: Failed}
	}
	return Outcome{Kind: ImportFailure, Module: m[1]}
}

// names reports whether the missing module is root or lives under it.
func (o Outcome) names(root string) bool {
	if o.Kind != ImportFailure || root == "" {
		return false
	}
	return o.Module == root || strings.HasPrefix(o.Module, root+".")
}

type Tester struct {
	agent
	ws     *workspace.Workspace
	runner Runner
}

func NewTester(cfg Config, ws *workspace.Workspace, runner Runner) *Tester {
	return &Tester{agent: newAgent(RoleTester, cfg), ws: ws, runner: runner}
}

// Command picks the check to run for task. The first matching rule wins:
// test files among the artifacts, then the plan's test folder, then an
// import of the project root, then a package found among the artifacts.
func (t *Tester) Command(task models.Task, projectRoot, testFolderRoot string) []string {
	var testFiles []string
	for _, a := range task.Artifacts {
		if strings.HasSuffix(a, ".py") && strings.Contains(a, "test") {
			testFiles = append(testFiles, a)
		}
	}
	if len(testFiles) > 0 {
		return append([]string{"pytest", "-q"}, testFiles...)
	}

	if testFolderRoot != "" && t.ws.Exists(testFolderRoot) {
		return []string{"pytest", "-q", testFolderRoot}
	}

	if mod := moduleName(projectRoot); mod != "" {
		return []string{"python", "-c", "import " + mod}
	}

	for _, a := range task.Artifacts {
		if !strings.Contains(a, workspace.PackageMarker) {
			continue
		}
		pkg := strings.SplitN(path.Clean(a), "/", 2)[0]
		testDir := pkg + "/tests"
		if t.ws.Exists(testDir) {
			return []string{"pytest", "-q", testDir}
		}
		break
	}
	return []string{"pytest", "--collect-only", "-q"}
}

// moduleName is the dotted import name of root. A root at the top of the
// workspace has none.
func moduleName(root string) string {
	if root == "" {
		return ""
	}
	clean := strings.Trim(path.Clean(root), "/")
	if clean == "." {
		return ""
	}
	return strings.ReplaceAll(clean, "/", ".")
}

type testerInput struct {
	TaskID       string `json:"task_id"`
	ExitCode     int    `json:"pytest_exit_code"`
	PytestOutput string `json:"pytest_output"`
}

// Test runs the check for task and asks the backend for a verdict on its
// result. An import failure naming the project root is repaired once by
// recreating package markers, and the same command is run again.
func (t *Tester) Test(ctx context.Context, task models.Task, projectRoot, testFolderRoot string) (*models.TestVerdict, error) {
	argv := t.Command(task, projectRoot, testFolderRoot)

	res, err := t.runner.Run(ctx, argv)
	if err != nil {
		return nil, err
	}
	outcome := Classify(res)
	if err := t.recordCommand(ctx, task.ID, res, outcome); err != nil {
		return nil, err
	}

	if outcome.names(moduleName(projectRoot)) {
		created, err := t.ws.EnsurePackageMarkers(projectRoot)
		if err != nil {
			return nil, err
		}
		t.metrics.SelfHeal()
		t.logger.Info("recreated package markers after import failure",
			zap.String("task_id", task.ID),
			zap.String("module", outcome.Module),
			zap.Strings("created", created))
		if err := t.record(ctx, models.EntrySelfHeal, map[string]any{
			"task_id": task.ID,
			"module":  outcome.Module,
			"created": created,
		}); err != nil {
			return nil, err
		}

		res, err = t.runner.Run(ctx, argv)
		if err != nil {
			return nil, err
		}
		outcome = Classify(res)
		if err := t.recordCommand(ctx, task.ID, res, outcome); err != nil {
			return nil, err
		}
	}

	doc, err := t.call(ctx, testerInput{
		TaskID:       task.ID,
		ExitCode:     res.ExitCode,
		PytestOutput: res.Stdout + res.Stderr,
	})
	if err != nil {
		return nil, err
	}

	verdict, err := schema.DecodeVerdict(doc)
	if err != nil {
		return nil, t.rejected(ctx, err, "result", doc)
	}
	if err := t.record(ctx, models.EntryTestResult, verdict); err != nil {
		return nil, err
	}
	t.logger.Info("verdict", zap.String("task_id", task.ID), zap.Bool("passed", verdict.Passed))
	return verdict, nil
}

func (t *Tester) recordCommand(ctx context.Context, taskID string, res *sandbox.Result, o Outcome) error {
	data := map[string]any{
		"task_id":     taskID,
		"argv":        res.Argv,
		"exit_code":   res.ExitCode,
		"outcome":     o.Kind.String(),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if o.Module != "" {
		data["module"] = o.Module
	}
	return t.record(ctx, models.EntryTestCommand, data)
}
