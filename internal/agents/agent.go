// Package agents holds the three generation roles of a run: the planner that
// turns a goal into tasks, the coder that writes a task's files, and the
// tester that runs checks and asks for a verdict.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/backend"
	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/metrics"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/prompts"
	"github.com/mpataki/triad/internal/runlog"
	"github.com/mpataki/triad/internal/schema"
)

const (
	RolePlanner      = "planner"
	RoleCoder        = "coder"
	RoleTester       = "tester"
	RoleOrchestrator = "orchestrator"
)

// Config is what every role needs to reach its backend and record what it did.
type Config struct {
	Model   string
	Backend backend.Backend
	Prompts prompts.Provider
	Log     runlog.Appender
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type agent struct {
	role    string
	model   string
	backend backend.Backend
	prompts prompts.Provider
	log     runlog.Appender
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newAgent(role string, cfg Config) agent {
	a := agent{
		role:    role,
		model:   cfg.Model,
		backend: cfg.Backend,
		prompts: cfg.Prompts,
		log:     cfg.Log,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if a.log == nil {
		a.log = runlog.Discard
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named(role)
	return a
}

// Payload renders the text sent to a backend: the role prompt followed by the
// JSON input document.
func Payload(rolePrompt string, input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode input: %w", err)
	}
	return rolePrompt + "\n\n# INPUT\n" + string(data), nil
}

func (a *agent) record(ctx context.Context, typ string, data any) error {
	return a.recordAs(ctx, a.role, typ, data)
}

func (a *agent) recordAs(ctx context.Context, role, typ string, data any) error {
	if err := a.log.Append(ctx, runlog.Entry{Role: role, Type: typ, Data: data}); err != nil {
		return fmt.Errorf("failed to append %s entry: %w", typ, err)
	}
	return nil
}

// call sends input to the backend and returns the parsed JSON document. A
// backend error document is reported as a schema violation.
func (a *agent) call(ctx context.Context, input any) (any, error) {
	system, rolePrompt, err := a.prompts.Prompts(a.role)
	if err != nil {
		return nil, err
	}
	payload, err := Payload(rolePrompt, input)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("calling backend", zap.String("model", a.model), zap.Int("payload_bytes", len(payload)))
	raw, err := a.backend.Generate(backend.WithRole(ctx, a.role), a.model, system, payload)
	if err != nil {
		return nil, fmt.Errorf("%s backend call failed: %w", a.role, err)
	}

	doc, err := schema.Parse(a.role, raw)
	if err != nil {
		if logErr := a.recordAs(ctx, RoleOrchestrator, models.EntryParseError, fault.DetailOf(err)); logErr != nil {
			return nil, logErr
		}
		return nil, err
	}

	if be, ok := schema.AsBackendError(doc); ok {
		if logErr := a.record(ctx, models.EntryValidationError, map[string]any{
			"error":  "backend returned an error document",
			"result": doc,
		}); logErr != nil {
			return nil, logErr
		}
		return nil, fault.New(fault.ErrSchemaViolation, a.role, "backend reported error: %s", be.Reason).
			With("reason", be.Reason)
	}
	return doc, nil
}

// rejected logs a document that failed its gate and returns err carrying the
// raw payload prefix.
func (a *agent) rejected(ctx context.Context, err error, key string, doc any) error {
	if logErr := a.record(ctx, models.EntryValidationError, map[string]any{
		"error": err.Error(),
		key:     doc,
	}); logErr != nil {
		return logErr
	}
	raw, mErr := json.Marshal(doc)
	if mErr != nil {
		raw = []byte(fmt.Sprintf("%v", doc))
	}
	return &fault.Error{
		Kind: fault.ErrSchemaViolation,
		Op:   a.role,
		Msg:  err.Error(),
		Detail: map[string]any{
			"field": fieldOf(err),
			"text":  fault.Truncate(string(raw), schema.RawPrefixLimit),
		},
	}
}

func fieldOf(err error) string {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}
