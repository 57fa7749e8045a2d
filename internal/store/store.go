// Package store defines the persistence interface for the goal market.
// Implementations include PostgreSQL, Redis (key-value, keyed by resource
// id), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/goal-market/internal/model"
)

var (
	// ErrNotFound is returned when a goal, agent or event does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrWriteFailure wraps backend errors on any write path.
	ErrWriteFailure = errors.New("store: write failure")

	// ErrAlreadySettled is returned when a settlement for the same market
	// event is committed twice.
	ErrAlreadySettled = errors.New("store: market event already settled")

	// ErrEventFinalized is returned when updating a PUBLISHED or FAILED event.
	ErrEventFinalized = errors.New("store: market event is finalized")

	// ErrConflict is returned when creating a resource whose id exists.
	ErrConflict = errors.New("store: already exists")

	// ErrTaskCompleted is returned when completing a task twice.
	ErrTaskCompleted = errors.New("store: task already completed")
)

// Settlement is the all-or-nothing write produced by the ledger for one
// market event. The store loads AgentIDs, and the goal when GoalID is set,
// inside its own transaction, hands the fresh records to Stage and writes
// back whatever Stage leaves in them.
type Settlement struct {
	EventID  string
	AgentIDs []string
	GoalID   string // empty leaves the goal untouched

	// Stage mutates agents (in AgentIDs order) and goal in place. goal is nil
	// when GoalID is empty. Stage may run more than once when an optimistic
	// commit retries; a non-nil error aborts the commit and is returned as is.
	Stage func(agents []model.Agent, goal *model.Goal) error

	// Event, when non-nil, replaces the stored event record in the same
	// commit. The stored record must not be terminal.
	Event *model.MarketEvent
}

// Store is the persistence interface.
type Store interface {
	// --- Goals and updates ---

	// CreateGoal persists a new goal.
	CreateGoal(ctx context.Context, goal *model.Goal) error

	// GetGoal retrieves a goal by id.
	GetGoal(ctx context.Context, id string) (*model.Goal, error)

	// ListGoals returns all goals, oldest first.
	ListGoals(ctx context.Context) ([]model.Goal, error)

	// SaveGoal overwrites an existing goal's fields except MarketPrice,
	// which only CommitSettlement writes.
	SaveGoal(ctx context.Context, goal *model.Goal) error

	// AppendUpdate assigns the next update id for the goal and persists it.
	AppendUpdate(ctx context.Context, update *model.Update) error

	// ListUpdates returns a goal's updates in id order.
	ListUpdates(ctx context.Context, goalID string) ([]model.Update, error)

	// --- Daily tasks ---

	// AddTasks assigns the next task ids for the goal and persists tasks.
	AddTasks(ctx context.Context, goalID string, tasks []*model.DailyTask) error

	// ListTasks returns a goal's tasks in id order.
	ListTasks(ctx context.Context, goalID string) ([]model.DailyTask, error)

	// CompleteTask marks a task completed at the given time.
	CompleteTask(ctx context.Context, goalID string, taskID int64, at time.Time) (*model.DailyTask, error)

	// --- Agents ---

	// CreateAgent registers a new agent at the end of the roster.
	CreateAgent(ctx context.Context, agent *model.Agent) error

	// GetAgent retrieves an agent by id.
	GetAgent(ctx context.Context, id string) (*model.Agent, error)

	// ListAgents returns all agents in roster (registration) order.
	ListAgents(ctx context.Context) ([]model.Agent, error)

	// CommitSettlement loads, stages and writes every record in s, together
	// with s.Event, and marks s.EventID as settled, all atomically.
	CommitSettlement(ctx context.Context, s *Settlement) error

	// --- Market events (append-only history) ---

	// AppendMarketEvent persists a new event record.
	AppendMarketEvent(ctx context.Context, event *model.MarketEvent) error

	// UpdateMarketEvent replaces a non-terminal event record.
	UpdateMarketEvent(ctx context.Context, event *model.MarketEvent) error

	// GetMarketEvent retrieves an event by its id.
	GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error)

	// LoadMarketEvent returns the most recent event for (goalID, updateID).
	LoadMarketEvent(ctx context.Context, goalID string, updateID int64) (*model.MarketEvent, error)

	// ListMarketEvents returns every event for a goal, oldest first.
	ListMarketEvents(ctx context.Context, goalID string) ([]model.MarketEvent, error)
}
