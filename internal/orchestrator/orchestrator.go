package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/metrics"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/runlog"
	"github.com/mpataki/triad/internal/workspace"
)

const (
	StatePlan           = "PLAN"
	StateCode           = "CODE"
	StateTest           = "TEST"
	StateRetryOrAdvance = "RETRY_OR_ADVANCE"
	StateDone           = "DONE"
	StateHalt           = "HALT"
)

// MaxFeedback bounds the verdict report carried into a fix attempt.
const MaxFeedback = 4000

const role = "orchestrator"

type Planner interface {
	Plan(ctx context.Context, goal, runID string) (*models.Plan, error)
}

type Coder interface {
	Code(ctx context.Context, task models.Task, projectRoot string) ([]string, error)
}

type Tester interface {
	Test(ctx context.Context, task models.Task, projectRoot, testFolderRoot string) (*models.TestVerdict, error)
}

// Run is the state shared by every stage of one orchestration. It is built
// once and not changed afterwards.
type Run struct {
	ID        string
	Goal      string
	Workspace *workspace.Workspace
	Log       runlog.Appender
	LogPath   string
}

// NewRun opens the run log for a run starting at now.
func NewRun(goal string, ws *workspace.Workspace, runsDir string, now time.Time, opts ...runlog.Option) (*Run, *runlog.Log, error) {
	id := runlog.NewRunID(now)
	log, err := runlog.Open(runsDir, id, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &Run{ID: id, Goal: goal, Workspace: ws, Log: log, LogPath: log.Path()}, log, nil
}

// HaltError is returned when a run stops before finishing its plan.
type HaltError struct {
	TaskID  string
	LogPath string
	Err     error
}

func (e *HaltError) Error() string {
	task := e.TaskID
	if task == "" {
		task = "-"
	}
	return fmt.Sprintf("task %s: %v", task, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

type Orchestrator struct {
	planner Planner
	coder   Coder
	tester  Tester

	policies models.Policies
	testing  bool
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(*Orchestrator)

func WithPolicies(p models.Policies) Option {
	return func(o *Orchestrator) { o.policies = p }
}

// WithTesting turns the TEST stage on or off. It is on by default.
func WithTesting(enabled bool) Option {
	return func(o *Orchestrator) { o.testing = enabled }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.Named(role) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer("github.com/mpataki/triad/internal/orchestrator") }
}

func New(planner Planner, coder Coder, tester Tester, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:  planner,
		coder:    coder,
		tester:   tester,
		policies: models.DefaultPolicies(),
		testing:  true,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/mpataki/triad/internal/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// taskRun tracks the task being worked on, for error reporting.
type taskRun struct {
	taskID  string
	attempt int
}

// Execute drives run from PLAN to DONE or HALT. On HALT the returned error is
// a *HaltError naming the last task.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) error {
	ctx, span := o.tracer.Start(ctx, "triad.run", trace.WithAttributes(attribute.String("triad.run_id", run.ID)))
	defer span.End()

	if secs := o.policies.Timeouts.GlobalSeconds; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	o.logger.Info("run started", zap.String("run_id", run.ID), zap.String("workspace", run.Workspace.Root))
	if err := o.append(ctx, run, models.EntryStart, map[string]any{
		"goal":      run.Goal,
		"workspace": run.Workspace.Root,
		"log_path":  run.LogPath,
	}); err != nil {
		return err
	}

	cur := &taskRun{}
	if err := o.execute(ctx, run, cur); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.haltRun(ctx, run, cur, err)
	}
	return o.completeRun(ctx, run)
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, cur *taskRun) error {
	if err := o.transition(ctx, run, StatePlan, cur); err != nil {
		return err
	}
	plan, err := o.plan(ctx, run)
	if err != nil {
		return err
	}
	if len(plan.Tasks) == 0 {
		return fault.New(fault.ErrConfig, role, "planner returned no tasks").With("plan_id", plan.PlanID)
	}

	for _, task := range plan.Tasks {
		if err := o.runTask(ctx, run, plan, task, cur); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) plan(ctx context.Context, run *Run) (*models.Plan, error) {
	ctx, span := o.tracer.Start(ctx, "triad.plan")
	defer span.End()

	start := time.Now()
	plan, err := o.planner.Plan(ctx, run.Goal, run.ID)
	if err != nil {
		o.metrics.ObserveStage("plan", metrics.ResultError, start)
		return nil, o.spanError(ctx, span, err)
	}
	o.metrics.ObserveStage("plan", metrics.ResultOK, start)
	span.SetAttributes(attribute.Int("triad.tasks", len(plan.Tasks)))
	return plan, nil
}

func (o *Orchestrator) runTask(ctx context.Context, run *Run, plan *models.Plan, task models.Task, cur *taskRun) error {
	cur.taskID, cur.attempt = task.ID, 0
	current := task

	for {
		if err := run.Workspace.WriteRunMetadata(&workspace.RunMetadata{
			RunID:       run.ID,
			PlanID:      plan.PlanID,
			Goal:        run.Goal,
			CurrentTask: task.ID,
			Attempt:     cur.attempt,
			LogPath:     run.LogPath,
		}); err != nil {
			return err
		}

		if err := o.transition(ctx, run, StateCode, cur); err != nil {
			return err
		}
		if err := o.code(ctx, current, plan.ProjectRoot, cur.attempt); err != nil {
			return err
		}

		if !o.testing {
			return o.transition(ctx, run, StateRetryOrAdvance, cur)
		}

		if err := o.transition(ctx, run, StateTest, cur); err != nil {
			return err
		}
		verdict, err := o.test(ctx, task, plan, cur.attempt)
		if err != nil {
			return err
		}

		if err := o.transition(ctx, run, StateRetryOrAdvance, cur); err != nil {
			return err
		}
		if verdict.Passed {
			o.logger.Info("task passed", zap.String("task_id", task.ID), zap.Int("attempt", cur.attempt))
			return nil
		}
		if cur.attempt >= o.policies.MaxTaskRetries {
			return fault.New(fault.ErrRetryExhausted, role,
				"task %s still failing after %d retries", task.ID, cur.attempt).
				With("task_id", task.ID).
				With("attempts", cur.attempt).
				With("report", fault.Truncate(verdict.Report, MaxFeedback))
		}

		cur.attempt++
		o.metrics.TaskRetry()
		o.logger.Info("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", cur.attempt),
			zap.Int("max_task_retries", o.policies.MaxTaskRetries))
		current = task.ForRetry(fault.Truncate(verdict.Report, MaxFeedback))
	}
}

func (o *Orchestrator) code(ctx context.Context, task models.Task, projectRoot string, attempt int) error {
	ctx, span := o.tracer.Start(ctx, "triad.code", trace.WithAttributes(
		attribute.String("triad.task_id", task.ID),
		attribute.Int("triad.attempt", attempt)))
	defer span.End()

	start := time.Now()
	files, err := o.coder.Code(ctx, task, projectRoot)
	if err != nil {
		o.metrics.ObserveStage("code", metrics.ResultError, start)
		return o.spanError(ctx, span, err)
	}
	o.metrics.ObserveStage("code", metrics.ResultOK, start)
	span.SetAttributes(attribute.Int("triad.files", len(files)))
	return nil
}

func (o *Orchestrator) test(ctx context.Context, task models.Task, plan *models.Plan, attempt int) (*models.TestVerdict, error) {
	ctx, span := o.tracer.Start(ctx, "triad.test", trace.WithAttributes(
		attribute.String("triad.task_id", task.ID),
		attribute.Int("triad.attempt", attempt)))
	defer span.End()

	start := time.Now()
	verdict, err := o.tester.Test(ctx, task, plan.ProjectRoot, plan.TestFolderRoot)
	if err != nil {
		o.metrics.ObserveStage("test", metrics.ResultError, start)
		return nil, o.spanError(ctx, span, err)
	}
	result := metrics.ResultFail
	if verdict.Passed {
		result = metrics.ResultPass
	}
	o.metrics.ObserveStage("test", result, start)
	span.SetAttributes(attribute.Bool("triad.passed", verdict.Passed))
	return verdict, nil
}

// spanError records err on span. An error caused by the run deadline is
// reported as a timeout.
func (o *Orchestrator) spanError(ctx context.Context, span trace.Span, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, fault.ErrTimeout) {
		err = fault.New(fault.ErrTimeout, role, "run exceeded global timeout: %v", err).
			With("global_seconds", o.policies.Timeouts.GlobalSeconds)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (o *Orchestrator) transition(ctx context.Context, run *Run, state string, cur *taskRun) error {
	data := map[string]any{"state": state}
	if cur.taskID != "" {
		data["task_id"] = cur.taskID
		data["attempt"] = cur.attempt
	}
	o.logger.Debug("state", zap.String("state", state), zap.String("task_id", cur.taskID))
	return o.append(ctx, run, models.EntryState, data)
}

func (o *Orchestrator) append(ctx context.Context, run *Run, typ string, data any) error {
	if err := run.Log.Append(ctx, runlog.Entry{Role: role, Type: typ, Data: data}); err != nil {
		return fmt.Errorf("failed to append %s entry: %w", typ, err)
	}
	return nil
}

func (o *Orchestrator) completeRun(ctx context.Context, run *Run) error {
	if err := o.append(ctx, run, models.EntryState, map[string]any{"state": StateDone}); err != nil {
		return err
	}
	if err := o.append(ctx, run, models.EntryRunComplete, map[string]any{"run_id": run.ID}); err != nil {
		return err
	}
	o.logger.Info("run complete", zap.String("run_id", run.ID))
	return nil
}

// haltRun records err and the HALT state. The entries are written even when
// ctx is already done.
func (o *Orchestrator) haltRun(ctx context.Context, run *Run, cur *taskRun, err error) error {
	ctx = context.WithoutCancel(ctx)

	entry := map[string]any{
		"kind":    fault.KindName(err),
		"message": err.Error(),
	}
	if cur.taskID != "" {
		entry["task_id"] = cur.taskID
		entry["attempt"] = cur.attempt
	}
	if detail := fault.DetailOf(err); detail != nil {
		entry["detail"] = detail
	}

	halt := &HaltError{TaskID: cur.taskID, LogPath: run.LogPath, Err: err}
	logErr := errors.Join(
		o.append(ctx, run, models.EntryError, entry),
		o.append(ctx, run, models.EntryState, map[string]any{"state": StateHalt, "task_id": cur.taskID}),
		o.append(ctx, run, models.EntryHalt, map[string]any{
			"task_id":  cur.taskID,
			"attempts": cur.attempt,
			"kind":     fault.KindName(err),
			"reason":   err.Error(),
		}),
	)
	if logErr != nil {
		o.logger.Error("failed to record halt", zap.Error(logErr))
	}

	o.logger.Error("run halted",
		zap.String("run_id", run.ID),
		zap.String("task_id", cur.taskID),
		zap.String("kind", fault.KindName(err)),
		zap.Error(err))
	return halt
}
