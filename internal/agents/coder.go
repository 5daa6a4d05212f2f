package agents

import (
	"context"

	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/schema"
	"github.com/mpataki/triad/internal/workspace"
)

type Coder struct {
	agent
	ws *workspace.Workspace
}

func NewCoder(cfg Config, ws *workspace.Workspace) *Coder {
	return &Coder{agent: newAgent(RoleCoder, cfg), ws: ws}
}

type coderTask struct {
	models.Task
	ProjectRoot string `json:"project_root,omitempty"`
}

type coderInput struct {
	Task         coderTask        `json:"task"`
	ContextFiles []workspace.File `json:"context_files"`
}

// Code asks the backend for the edits that implement task and writes them.
//
// Each edit is checked against the task scope and the workspace boundary
// right before it is written. The batch is not atomic: when an edit is
// rejected, the edits before it stay on disk.
func (c *Coder) Code(ctx context.Context, task models.Task, projectRoot string) ([]string, error) {
	doc, err := c.call(ctx, coderInput{
		Task:         coderTask{Task: task, ProjectRoot: projectRoot},
		ContextFiles: c.ws.ReadExisting(task.Artifacts),
	})
	if err != nil {
		return nil, err
	}

	set, err := schema.DecodeEditSet(doc)
	if err != nil {
		return nil, c.rejected(ctx, err, "result", doc)
	}

	written := make([]string, 0, len(set.Edits))
	for _, e := range set.Edits {
		if !task.InScope(e.Path) {
			return written, fault.New(fault.ErrPolicyViolation, RoleCoder,
				"task %s may not modify non-artifact file %s", task.ID, e.Path).
				With("path", e.Path).
				With("task_id", task.ID)
		}
		if workspace.Reserved(e.Path) {
			return written, fault.New(fault.ErrPolicyViolation, RoleCoder,
				"task %s may not modify run metadata %s", task.ID, e.Path).
				With("path", e.Path).
				With("task_id", task.ID)
		}
		if _, err := c.ws.Write(e.Path, e.Content); err != nil {
			return written, err
		}
		written = append(written, e.Path)
	}

	if projectRoot != "" {
		created, err := c.ws.EnsurePackageMarkers(projectRoot)
		if err != nil {
			return written, err
		}
		if len(created) > 0 {
			c.logger.Debug("created package markers", zap.Strings("paths", created))
		}
	}

	if err := c.record(ctx, models.EntryPatch, map[string]any{
		"task_id": task.ID,
		"files":   written,
	}); err != nil {
		return written, err
	}
	c.logger.Info("patch applied", zap.String("task_id", task.ID), zap.Strings("files", written))
	return written, nil
}
