package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/goal-market/internal/model"
)

// settleRetries bounds optimistic-lock retries when a watched key changes
// between the WATCH and the EXEC.
const settleRetries = 3

// RedisStore implements Store as a key-value store keyed by resource id.
// Records are JSON values; ordering lists hold ids in insertion order.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// create writes data under key and runs index in the same MULTI/EXEC, so a
// record never exists without its ordering entries.
func (s *RedisStore) create(ctx context.Context, key string, data []byte, index func(redis.Pipeliner)) error {
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrConflict, key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			index(pipe)
			return nil
		})
		return err
	}, key)
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: create %s: %w", ErrWriteFailure, key, err)
}

// --- Goals and updates ---

func (s *RedisStore) CreateGoal(ctx context.Context, g *model.Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.create(ctx, goalKey(g.ID), data, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, goalsKey, g.ID)
	})
}

func (s *RedisStore) GetGoal(ctx context.Context, id string) (*model.Goal, error) {
	var g model.Goal
	if err := getJSON(ctx, s.rdb, goalKey(id), &g); err != nil {
		return nil, fmt.Errorf("get goal %s: %w", id, err)
	}
	return &g, nil
}

func (s *RedisStore) ListGoals(ctx context.Context) ([]model.Goal, error) {
	ids, err := s.rdb.LRange(ctx, goalsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	goals := make([]model.Goal, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGoal(ctx, id)
		if err != nil {
			return nil, err
		}
		goals = append(goals, *g)
	}
	return goals, nil
}

// SaveGoal keeps the stored market price, read under WATCH so a settlement
// committed in between aborts and retries the write.
func (s *RedisStore) SaveGoal(ctx context.Context, g *model.Goal) error {
	key := goalKey(g.ID)
	txf := func(tx *redis.Tx) error {
		var existing model.Goal
		if err := getJSON(ctx, tx, key, &existing); err != nil {
			return fmt.Errorf("goal %s: %w", g.ID, err)
		}
		c := *g
		c.MarketPrice = existing.MarketPrice
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < settleRetries; i++ {
		if err = s.rdb.Watch(ctx, txf, key); !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: save goal %s: %w", ErrWriteFailure, g.ID, err)
}

func (s *RedisStore) AppendUpdate(ctx context.Context, u *model.Update) error {
	n, err := s.rdb.Exists(ctx, goalKey(u.GoalID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: goal %s", ErrNotFound, u.GoalID)
	}

	id, err := s.rdb.Incr(ctx, updateSeqKey(u.GoalID)).Result()
	if err != nil {
		return fmt.Errorf("%w: next update id for goal %s: %w", ErrWriteFailure, u.GoalID, err)
	}
	u.ID = id

	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, updatesKey(u.GoalID), data).Err(); err != nil {
		return fmt.Errorf("%w: append update to goal %s: %w", ErrWriteFailure, u.GoalID, err)
	}
	return nil
}

func (s *RedisStore) ListUpdates(ctx context.Context, goalID string) ([]model.Update, error) {
	raw, err := s.rdb.LRange(ctx, updatesKey(goalID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	updates := make([]model.Update, 0, len(raw))
	for _, r := range raw {
		var u model.Update
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			return nil, fmt.Errorf("decode update for goal %s: %w", goalID, err)
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// --- Daily tasks ---

// AddTasks reserves a block of ids with INCRBY and stores every task in the
// goal's task hash in one MULTI/EXEC.
func (s *RedisStore) AddTasks(ctx context.Context, goalID string, tasks []*model.DailyTask) error {
	if len(tasks) == 0 {
		return nil
	}
	n, err := s.rdb.Exists(ctx, goalKey(goalID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}

	last, err := s.rdb.IncrBy(ctx, taskSeqKey(goalID), int64(len(tasks))).Result()
	if err != nil {
		return fmt.Errorf("%w: next task ids for goal %s: %w", ErrWriteFailure, goalID, err)
	}
	fields := make([]any, 0, 2*len(tasks))
	for i, t := range tasks {
		t.ID = last - int64(len(tasks)) + int64(i) + 1
		t.GoalID = goalID
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		fields = append(fields, t.ID, data)
	}
	if err := s.rdb.HSet(ctx, tasksKey(goalID), fields...).Err(); err != nil {
		return fmt.Errorf("%w: add tasks to goal %s: %w", ErrWriteFailure, goalID, err)
	}
	return nil
}

func (s *RedisStore) ListTasks(ctx context.Context, goalID string) ([]model.DailyTask, error) {
	raw, err := s.rdb.HVals(ctx, tasksKey(goalID)).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]model.DailyTask, 0, len(raw))
	for _, r := range raw {
		var t model.DailyTask
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("decode task for goal %s: %w", goalID, err)
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *RedisStore) CompleteTask(ctx context.Context, goalID string, taskID int64, at time.Time) (*model.DailyTask, error) {
	key := tasksKey(goalID)
	field := fmt.Sprint(taskID)
	var task model.DailyTask

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: task %d of goal %s", ErrNotFound, taskID, goalID)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &task); err != nil {
			return err
		}
		if task.Completed {
			return fmt.Errorf("%w: %d", ErrTaskCompleted, taskID)
		}
		task.Completed = true
		task.CompletedAt = &at
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, data)
			return nil
		})
		return err
	}, key)
	if err == nil {
		return &task, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTaskCompleted) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: complete task %d: %w", ErrWriteFailure, taskID, err)
}

// --- Agents ---

func (s *RedisStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.create(ctx, agentKey(a.ID), data, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, agentsKey, a.ID)
	})
}

func (s *RedisStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if err := getJSON(ctx, s.rdb, agentKey(id), &a); err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *RedisStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	ids, err := s.rdb.LRange(ctx, agentsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	agents := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, nil
}

// CommitSettlement watches the settlement marker and every touched record
// before reading them, stages the change and writes it in one MULTI/EXEC.
// A concurrent write to any watched key aborts the EXEC and the whole
// read-stage-write cycle runs again on fresh data.
func (s *RedisStore) CommitSettlement(ctx context.Context, st *Settlement) error {
	keys := []string{settledKey(st.EventID)}
	for _, id := range st.AgentIDs {
		keys = append(keys, agentKey(id))
	}
	if st.GoalID != "" {
		keys = append(keys, goalKey(st.GoalID))
	}
	if st.Event != nil {
		keys = append(keys, eventKey(st.Event.ID))
	}

	var stageErr error
	txf := func(tx *redis.Tx) error {
		settled, err := tx.Exists(ctx, settledKey(st.EventID)).Result()
		if err != nil {
			return err
		}
		if settled > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, st.EventID)
		}

		agents := make([]model.Agent, 0, len(st.AgentIDs))
		for _, id := range st.AgentIDs {
			var a model.Agent
			if err := getJSON(ctx, tx, agentKey(id), &a); err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
			agents = append(agents, a)
		}
		var goal *model.Goal
		if st.GoalID != "" {
			var g model.Goal
			if err := getJSON(ctx, tx, goalKey(st.GoalID), &g); err != nil {
				return fmt.Errorf("goal %s: %w", st.GoalID, err)
			}
			goal = &g
		}
		if st.Event != nil {
			var existing model.MarketEvent
			if err := getJSON(ctx, tx, eventKey(st.Event.ID), &existing); err != nil {
				return fmt.Errorf("market event %s: %w", st.Event.ID, err)
			}
			if existing.Status.Terminal() {
				return fmt.Errorf("%w: %s", ErrEventFinalized, st.Event.ID)
			}
		}

		if st.Stage != nil {
			if err := st.Stage(agents, goal); err != nil {
				stageErr = err
				return err
			}
		}

		payload := make(map[string][]byte, len(agents)+2)
		for _, a := range agents {
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			payload[agentKey(a.ID)] = data
		}
		if goal != nil {
			data, err := json.Marshal(goal)
			if err != nil {
				return err
			}
			payload[goalKey(goal.ID)] = data
		}
		if st.Event != nil {
			data, err := json.Marshal(st.Event)
			if err != nil {
				return err
			}
			payload[eventKey(st.Event.ID)] = data
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, data := range payload {
				pipe.Set(ctx, key, data, 0)
			}
			pipe.Set(ctx, settledKey(st.EventID), "1", 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < settleRetries; i++ {
		stageErr = nil
		err = s.rdb.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil, stageErr != nil:
		return err
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrNotFound), errors.Is(err, ErrEventFinalized):
		return err
	}
	return fmt.Errorf("%w: settle %s: %w", ErrWriteFailure, st.EventID, err)
}

// --- Market events ---

func (s *RedisStore) AppendMarketEvent(ctx context.Context, e *model.MarketEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.create(ctx, eventKey(e.ID), data, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, goalEventsKey(e.GoalID), e.ID)
		pipe.Set(ctx, latestEventKey(e.GoalID, e.UpdateID), e.ID, 0)
	})
}

func (s *RedisStore) UpdateMarketEvent(ctx context.Context, e *model.MarketEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := eventKey(e.ID)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var existing model.MarketEvent
		if err := getJSON(ctx, tx, key, &existing); err != nil {
			return fmt.Errorf("market event %s: %w", e.ID, err)
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrEventFinalized, e.ID)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEventFinalized) {
		return err
	}
	return fmt.Errorf("%w: update market event %s: %w", ErrWriteFailure, e.ID, err)
}

func (s *RedisStore) GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error) {
	var e model.MarketEvent
	if err := getJSON(ctx, s.rdb, eventKey(id), &e); err != nil {
		return nil, fmt.Errorf("get market event %s: %w", id, err)
	}
	return &e, nil
}

func (s *RedisStore) LoadMarketEvent(ctx context.Context, goalID string, updateID int64) (*model.MarketEvent, error) {
	id, err := s.rdb.Get(ctx, latestEventKey(goalID, updateID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: market event for goal %s update %d", ErrNotFound, goalID, updateID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetMarketEvent(ctx, id)
}

func (s *RedisStore) ListMarketEvents(ctx context.Context, goalID string) ([]model.MarketEvent, error) {
	ids, err := s.rdb.LRange(ctx, goalEventsKey(goalID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]model.MarketEvent, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetMarketEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, nil
}

// --- JSON helpers ---

func getJSON(ctx context.Context, r getter, key string, v any) error {
	data, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

const (
	goalsKey  = "goals"
	agentsKey = "agents"
)

func goalKey(id string) string          { return fmt.Sprintf("goal:%s", id) }
func updatesKey(goalID string) string   { return fmt.Sprintf("goal:%s:updates", goalID) }
func updateSeqKey(goalID string) string { return fmt.Sprintf("goal:%s:update_seq", goalID) }
func tasksKey(goalID string) string     { return fmt.Sprintf("goal:%s:tasks", goalID) }
func taskSeqKey(goalID string) string   { return fmt.Sprintf("goal:%s:task_seq", goalID) }
func goalEventsKey(goalID string) string {
	return fmt.Sprintf("goal:%s:events", goalID)
}
func latestEventKey(goalID string, updateID int64) string {
	return fmt.Sprintf("goal:%s:update:%d:event", goalID, updateID)
}
func agentKey(id string) string        { return fmt.Sprintf("agent:%s", id) }
func eventKey(id string) string        { return fmt.Sprintf("event:%s", id) }
func settledKey(eventID string) string { return fmt.Sprintf("settled:%s", eventID) }
