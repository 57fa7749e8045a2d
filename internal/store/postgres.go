package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
)

// Schema creates the tables used by PostgresStore. Monetary values are
// NUMERIC for exact decimal precision; nested event data is JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS goals (
	seq           BIGSERIAL,
	id            TEXT PRIMARY KEY,
	description   TEXT NOT NULL,
	target_date   DATE NOT NULL,
	status        TEXT NOT NULL,
	payout_amount NUMERIC NOT NULL,
	outcome       TEXT NOT NULL,
	market_price  NUMERIC,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS goal_updates (
	goal_id        TEXT NOT NULL REFERENCES goals(id),
	id             BIGINT NOT NULL,
	content        TEXT NOT NULL,
	effective_date DATE NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (goal_id, id)
);
CREATE TABLE IF NOT EXISTS daily_tasks (
	goal_id       TEXT NOT NULL REFERENCES goals(id),
	id            BIGINT NOT NULL,
	description   TEXT NOT NULL,
	assigned_date DATE NOT NULL,
	completed     BOOLEAN NOT NULL DEFAULT FALSE,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (goal_id, id)
);
CREATE TABLE IF NOT EXISTS agents (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cash       NUMERIC NOT NULL,
	positions  JSONB NOT NULL DEFAULT '{}',
	memory     JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS market_events (
	seq              BIGSERIAL,
	id               TEXT PRIMARY KEY,
	goal_id          TEXT NOT NULL,
	update_id        BIGINT NOT NULL,
	status           TEXT NOT NULL,
	failure_reason   TEXT NOT NULL DEFAULT '',
	transcript       JSONB NOT NULL DEFAULT '[]',
	spreads          JSONB NOT NULL DEFAULT '[]',
	trades           JSONB NOT NULL DEFAULT '[]',
	discovered_price NUMERIC,
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS market_events_goal_idx ON market_events (goal_id, update_id, seq);
CREATE TABLE IF NOT EXISTS settlements (
	event_id   TEXT PRIMARY KEY,
	settled_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const goalColumns = `id, description, target_date, status, payout_amount::TEXT, outcome, market_price::TEXT, created_at`

func (s *PostgresStore) CreateGoal(ctx context.Context, g *model.Goal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO goals (id, description, target_date, status, payout_amount, outcome, market_price, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8)`,
		g.ID, g.Description, g.TargetDate, g.Status,
		g.PayoutAmount.String(), g.Outcome, nullableDecimal(g.MarketPrice), g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create goal %s: %w", ErrWriteFailure, g.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetGoal(ctx context.Context, id string) (*model.Goal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1`, id)
	g, err := scanGoal(row)
	if err != nil {
		return nil, fmt.Errorf("get goal %s: %w", id, notFound(err))
	}
	return g, nil
}

func (s *PostgresStore) ListGoals(ctx context.Context) ([]model.Goal, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+goalColumns+` FROM goals ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []model.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, *g)
	}
	return goals, rows.Err()
}

func (s *PostgresStore) SaveGoal(ctx context.Context, g *model.Goal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE goals
		 SET description = $2, target_date = $3, status = $4, payout_amount = $5::NUMERIC, outcome = $6
		 WHERE id = $1`,
		g.ID, g.Description, g.TargetDate, g.Status, g.PayoutAmount.String(), g.Outcome,
	)
	if err != nil {
		return fmt.Errorf("%w: save goal %s: %w", ErrWriteFailure, g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: goal %s", ErrNotFound, g.ID)
	}
	return nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, u *model.Update) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrWriteFailure, err)
	}
	defer tx.Rollback(ctx)

	// Lock the goal row so concurrent appends get distinct ids.
	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM goals WHERE id = $1 FOR UPDATE`, u.GoalID).Scan(&locked); err != nil {
		return fmt.Errorf("append update: %w", notFound(err))
	}
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM goal_updates WHERE goal_id = $1`, u.GoalID).Scan(&u.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO goal_updates (goal_id, id, content, effective_date, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.GoalID, u.ID, u.Content, u.EffectiveDate, u.CreatedAt,
	); err != nil {
		return fmt.Errorf("%w: insert update: %w", ErrWriteFailure, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit update: %w", ErrWriteFailure, err)
	}
	return nil
}

func (s *PostgresStore) ListUpdates(ctx context.Context, goalID string) ([]model.Update, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT goal_id, id, content, effective_date, created_at
		 FROM goal_updates WHERE goal_id = $1 ORDER BY id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []model.Update
	for rows.Next() {
		var u model.Update
		if err := rows.Scan(&u.GoalID, &u.ID, &u.Content, &u.EffectiveDate, &u.CreatedAt); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (s *PostgresStore) AddTasks(ctx context.Context, goalID string, tasks []*model.DailyTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrWriteFailure, err)
	}
	defer tx.Rollback(ctx)

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM goals WHERE id = $1 FOR UPDATE`, goalID).Scan(&locked); err != nil {
		return fmt.Errorf("add tasks: %w", notFound(err))
	}
	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM daily_tasks WHERE goal_id = $1`, goalID).Scan(&next); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, t := range tasks {
		t.ID = next + int64(i)
		t.GoalID = goalID
		batch.Queue(
			`INSERT INTO daily_tasks (goal_id, id, description, assigned_date, completed, completed_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.GoalID, t.ID, t.Description, t.AssignedDate, t.Completed, t.CompletedAt, t.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: insert tasks: %w", ErrWriteFailure, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit tasks: %w", ErrWriteFailure, err)
	}
	return nil
}

const taskColumns = `goal_id, id, description, assigned_date, completed, completed_at, created_at`

func (s *PostgresStore) ListTasks(ctx context.Context, goalID string) ([]model.DailyTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM daily_tasks WHERE goal_id = $1 ORDER BY id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.DailyTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CompleteTask(ctx context.Context, goalID string, taskID int64, at time.Time) (*model.DailyTask, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE daily_tasks SET completed = TRUE, completed_at = $3
		 WHERE goal_id = $1 AND id = $2 AND NOT completed
		 RETURNING `+taskColumns, goalID, taskID, at)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: complete task %d: %w", ErrWriteFailure, taskID, err)
	}

	var completed bool
	if err := s.pool.QueryRow(ctx,
		`SELECT completed FROM daily_tasks WHERE goal_id = $1 AND id = $2`, goalID, taskID).Scan(&completed); err != nil {
		return nil, fmt.Errorf("task %d of goal %s: %w", taskID, goalID, notFound(err))
	}
	return nil, fmt.Errorf("%w: %d", ErrTaskCompleted, taskID)
}

const agentColumns = `id, name, cash::TEXT, positions::TEXT, memory::TEXT, created_at`

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	positions, memory, err := encodeAgentMaps(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, cash, positions, memory, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::JSONB, $5::JSONB, $6)`,
		a.ID, a.Name, a.Cash.String(), positions, memory, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create agent %s: %w", ErrWriteFailure, a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, notFound(err))
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// CommitSettlement records the event id, then locks and reads every
// touched row with SELECT ... FOR UPDATE, stages the change and writes it
// back, all in one transaction.
func (s *PostgresStore) CommitSettlement(ctx context.Context, st *Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin settlement: %w", ErrWriteFailure, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO settlements (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`, st.EventID)
	if err != nil {
		return fmt.Errorf("%w: record settlement %s: %w", ErrWriteFailure, st.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, st.EventID)
	}

	agents, err := lockAgents(ctx, tx, st.AgentIDs)
	if err != nil {
		return err
	}
	var goal *model.Goal
	if st.GoalID != "" {
		row := tx.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1 FOR UPDATE`, st.GoalID)
		if goal, err = scanGoal(row); err != nil {
			return fmt.Errorf("goal %s: %w", st.GoalID, notFound(err))
		}
	}
	if st.Event != nil {
		var status string
		if err := tx.QueryRow(ctx,
			`SELECT status FROM market_events WHERE id = $1 FOR UPDATE`, st.Event.ID).Scan(&status); err != nil {
			return fmt.Errorf("market event %s: %w", st.Event.ID, notFound(err))
		}
		if model.EventStatus(status).Terminal() {
			return fmt.Errorf("%w: %s", ErrEventFinalized, st.Event.ID)
		}
	}

	if st.Stage != nil {
		if err := st.Stage(agents, goal); err != nil {
			return err
		}
	}

	for i := range agents {
		if err := saveAgent(ctx, tx, &agents[i]); err != nil {
			return err
		}
	}
	if goal != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE goals SET market_price = $2::NUMERIC WHERE id = $1`,
			goal.ID, nullableDecimal(goal.MarketPrice)); err != nil {
			return fmt.Errorf("%w: update goal price %s: %w", ErrWriteFailure, goal.ID, err)
		}
	}
	if st.Event != nil {
		if _, err := updateEvent(ctx, tx, st.Event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit settlement %s: %w", ErrWriteFailure, st.EventID, err)
	}
	return nil
}

// lockAgents reads and row-locks the agents, returned in ids order.
func lockAgents(ctx context.Context, tx pgx.Tx, ids []string) ([]model.Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]model.Agent, len(ids))
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		byID[a.ID] = *a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	agents := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

const eventColumns = `id, goal_id, update_id, status, failure_reason,
	transcript::TEXT, spreads::TEXT, trades::TEXT, discovered_price::TEXT, created_at, completed_at`

func (s *PostgresStore) AppendMarketEvent(ctx context.Context, e *model.MarketEvent) error {
	transcript, spreads, trades, err := encodeEventData(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO market_events (id, goal_id, update_id, status, failure_reason,
		                            transcript, spreads, trades, discovered_price, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8::JSONB, $9::NUMERIC, $10, $11)`,
		e.ID, e.GoalID, e.UpdateID, string(e.Status), e.FailureReason,
		transcript, spreads, trades, nullableDecimal(e.DiscoveredPrice), e.CreatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: append market event %s: %w", ErrWriteFailure, e.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateMarketEvent(ctx context.Context, e *model.MarketEvent) error {
	n, err := updateEvent(ctx, s.pool, e)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMarketEvent(ctx, e.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrEventFinalized, e.ID)
	}
	return nil
}

// updateEvent rewrites a non-terminal event row and reports rows affected.
func updateEvent(ctx context.Context, db execer, e *model.MarketEvent) (int64, error) {
	transcript, spreads, trades, err := encodeEventData(e)
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx,
		`UPDATE market_events
		 SET status = $2, failure_reason = $3, transcript = $4::JSONB, spreads = $5::JSONB,
		     trades = $6::JSONB, discovered_price = $7::NUMERIC, completed_at = $8
		 WHERE id = $1 AND status NOT IN ('PUBLISHED', 'FAILED')`,
		e.ID, string(e.Status), e.FailureReason, transcript, spreads, trades,
		nullableDecimal(e.DiscoveredPrice), e.CompletedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: update market event %s: %w", ErrWriteFailure, e.ID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM market_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("get market event %s: %w", id, notFound(err))
	}
	return e, nil
}

func (s *PostgresStore) LoadMarketEvent(ctx context.Context, goalID string, updateID int64) (*model.MarketEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM market_events
		 WHERE goal_id = $1 AND update_id = $2 ORDER BY seq DESC LIMIT 1`, goalID, updateID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("load market event for goal %s update %d: %w", goalID, updateID, notFound(err))
	}
	return e, nil
}

func (s *PostgresStore) ListMarketEvents(ctx context.Context, goalID string) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM market_events WHERE goal_id = $1 ORDER BY seq`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.MarketEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// --- Scan/encode helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func saveAgent(ctx context.Context, db execer, a *model.Agent) error {
	positions, memory, err := encodeAgentMaps(a)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx,
		`UPDATE agents SET name = $2, cash = $3::NUMERIC, positions = $4::JSONB, memory = $5::JSONB
		 WHERE id = $1`,
		a.ID, a.Name, a.Cash.String(), positions, memory,
	)
	if err != nil {
		return fmt.Errorf("%w: save agent %s: %w", ErrWriteFailure, a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, a.ID)
	}
	return nil
}

func scanGoal(row rowScanner) (*model.Goal, error) {
	var g model.Goal
	var payout string
	var price *string
	if err := row.Scan(&g.ID, &g.Description, &g.TargetDate, &g.Status,
		&payout, &g.Outcome, &price, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.PayoutAmount, _ = decimal.NewFromString(payout)
	g.MarketPrice = parseNullableDecimal(price)
	return &g, nil
}

func scanTask(row rowScanner) (*model.DailyTask, error) {
	var t model.DailyTask
	if err := row.Scan(&t.GoalID, &t.ID, &t.Description, &t.AssignedDate,
		&t.Completed, &t.CompletedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var cash, positions, memory string
	if err := row.Scan(&a.ID, &a.Name, &cash, &positions, &memory, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Cash, _ = decimal.NewFromString(cash)
	if err := json.Unmarshal([]byte(positions), &a.Positions); err != nil {
		return nil, fmt.Errorf("decode positions for agent %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(memory), &a.Memory); err != nil {
		return nil, fmt.Errorf("decode memory for agent %s: %w", a.ID, err)
	}
	return &a, nil
}

func scanEvent(row rowScanner) (*model.MarketEvent, error) {
	var e model.MarketEvent
	var status, transcript, spreads, trades string
	var price *string
	if err := row.Scan(&e.ID, &e.GoalID, &e.UpdateID, &status, &e.FailureReason,
		&transcript, &spreads, &trades, &price, &e.CreatedAt, &e.CompletedAt); err != nil {
		return nil, err
	}
	e.Status = model.EventStatus(status)
	e.DiscoveredPrice = parseNullableDecimal(price)
	if err := json.Unmarshal([]byte(transcript), &e.Transcript); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spreads), &e.Spreads); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trades), &e.Trades); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeAgentMaps(a *model.Agent) (string, string, error) {
	positions := a.Positions
	if positions == nil {
		positions = map[string]int64{}
	}
	memory := a.Memory
	if memory == nil {
		memory = map[string]string{}
	}
	p, err := json.Marshal(positions)
	if err != nil {
		return "", "", err
	}
	m, err := json.Marshal(memory)
	if err != nil {
		return "", "", err
	}
	return string(p), string(m), nil
}

func encodeEventData(e *model.MarketEvent) (string, string, string, error) {
	transcript := e.Transcript
	if transcript == nil {
		transcript = []model.DebateMessage{}
	}
	spreads := e.Spreads
	if spreads == nil {
		spreads = []model.AgentSpread{}
	}
	trades := e.Trades
	if trades == nil {
		trades = []model.Trade{}
	}
	t, err := json.Marshal(transcript)
	if err != nil {
		return "", "", "", err
	}
	sp, err := json.Marshal(spreads)
	if err != nil {
		return "", "", "", err
	}
	tr, err := json.Marshal(trades)
	if err != nil {
		return "", "", "", err
	}
	return string(t), string(sp), string(tr), nil
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullableDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
