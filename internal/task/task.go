// Package task turns a goal into a short list of daily tasks. Completing
// a task is reported as a progress update, which moves the goal's market.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/goal-market/internal/model"
)

// MaxTasks bounds one generated batch.
const MaxTasks = 5

// DefaultPlan is used when no planner is configured or the planner fails.
var DefaultPlan = []string{
	"Research and plan approach",
	"Complete first milestone",
	"Review progress and adjust",
	"Execute core tasks",
	"Wrap up and document",
}

var ErrNoTasks = errors.New("task: planner returned no tasks")

// Planner proposes up to n task descriptions for a goal.
type Planner interface {
	PlanTasks(ctx context.Context, g model.Goal, updates []model.Update, n int) ([]string, error)
}

// Generator builds task batches, bounding each planner call by timeout.
type Generator struct {
	planner Planner
	timeout time.Duration
}

// NewGenerator creates a generator. A nil planner always yields DefaultPlan.
func NewGenerator(p Planner, timeout time.Duration) *Generator {
	return &Generator{planner: p, timeout: timeout}
}

// Generate returns a batch of tasks assigned to the day of now. The store
// assigns ids.
func (g *Generator) Generate(ctx context.Context, goal model.Goal, updates []model.Update, now time.Time) []*model.DailyTask {
	descriptions := g.plan(ctx, goal, updates)

	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	tasks := make([]*model.DailyTask, len(descriptions))
	for i, desc := range descriptions {
		tasks[i] = &model.DailyTask{
			GoalID:       goal.ID,
			Description:  desc,
			AssignedDate: day,
			CreatedAt:    now,
		}
	}
	return tasks
}

func (g *Generator) plan(ctx context.Context, goal model.Goal, updates []model.Update) []string {
	if g == nil || g.planner == nil {
		return DefaultPlan
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	descriptions, err := g.planner.PlanTasks(ctx, goal, updates, MaxTasks)
	if err == nil && len(descriptions) == 0 {
		err = ErrNoTasks
	}
	if err != nil {
		slog.Warn("task planner failed, using default plan", "goal_id", goal.ID, "err", err)
		return DefaultPlan
	}
	if len(descriptions) > MaxTasks {
		descriptions = descriptions[:MaxTasks]
	}
	return descriptions
}

// CompletionContent is the progress update filed when t is completed.
func CompletionContent(t model.DailyTask) string {
	return fmt.Sprintf("Completed daily task: %s", t.Description)
}
