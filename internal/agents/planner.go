package agents

import (
	"context"

	"go.uber.org/zap"

	"github.com/mpataki/triad/internal/models"
	"github.com/mpataki/triad/internal/schema"
	"github.com/mpataki/triad/internal/workspace"
)

// PlanIDPrefix is prepended to the run id to name the plan.
const PlanIDPrefix = "plan_"

type Planner struct {
	agent
	ws *workspace.Workspace
}

func NewPlanner(cfg Config, ws *workspace.Workspace) *Planner {
	return &Planner{agent: newAgent(RolePlanner, cfg), ws: ws}
}

type planInput struct {
	Goal        string `json:"goal"`
	RepoSummary string `json:"repo_summary"`
	PlanID      string `json:"plan_id"`
}

// Plan asks the backend for a plan for goal. The result is validated before
// it is returned; nothing is retried.
func (p *Planner) Plan(ctx context.Context, goal, runID string) (*models.Plan, error) {
	doc, err := p.call(ctx, planInput{
		Goal:        goal,
		RepoSummary: p.ws.Summary(workspace.DefaultSummaryLimit),
		PlanID:      PlanIDPrefix + runID,
	})
	if err != nil {
		return nil, err
	}

	plan, err := schema.DecodePlan(doc)
	if err != nil {
		return nil, p.rejected(ctx, err, "plan", doc)
	}

	if err := p.record(ctx, models.EntryPlan, plan); err != nil {
		return nil, err
	}
	p.logger.Info("plan accepted",
		zap.String("plan_id", plan.PlanID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.String("project_root", plan.ProjectRoot))
	return plan, nil
}
