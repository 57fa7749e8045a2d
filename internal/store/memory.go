package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/goal-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	goals      map[string]*model.Goal
	goalOrder  []string
	updates    map[string][]model.Update
	tasks      map[string][]model.DailyTask
	agents     map[string]*model.Agent
	agentOrder []string
	events     map[string]*model.MarketEvent
	eventOrder []string
	settled    map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		goals:   make(map[string]*model.Goal),
		updates: make(map[string][]model.Update),
		tasks:   make(map[string][]model.DailyTask),
		agents:  make(map[string]*model.Agent),
		events:  make(map[string]*model.MarketEvent),
		settled: make(map[string]bool),
	}
}

func (s *MemoryStore) CreateGoal(_ context.Context, g *model.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.goals[g.ID]; ok {
		return fmt.Errorf("%w: goal %s", ErrConflict, g.ID)
	}
	c := cloneGoal(*g)
	s.goals[g.ID] = &c
	s.goalOrder = append(s.goalOrder, g.ID)
	return nil
}

func (s *MemoryStore) GetGoal(_ context.Context, id string) (*model.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: goal %s", ErrNotFound, id)
	}
	c := cloneGoal(*g)
	return &c, nil
}

func (s *MemoryStore) ListGoals(_ context.Context) ([]model.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	goals := make([]model.Goal, 0, len(s.goalOrder))
	for _, id := range s.goalOrder {
		goals = append(goals, cloneGoal(*s.goals[id]))
	}
	return goals, nil
}

func (s *MemoryStore) SaveGoal(_ context.Context, g *model.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.goals[g.ID]
	if !ok {
		return fmt.Errorf("%w: goal %s", ErrNotFound, g.ID)
	}
	c := *g
	c.MarketPrice = existing.MarketPrice
	c = cloneGoal(c)
	s.goals[g.ID] = &c
	return nil
}

func (s *MemoryStore) AppendUpdate(_ context.Context, u *model.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.goals[u.GoalID]; !ok {
		return fmt.Errorf("%w: goal %s", ErrNotFound, u.GoalID)
	}
	u.ID = int64(len(s.updates[u.GoalID])) + 1
	s.updates[u.GoalID] = append(s.updates[u.GoalID], *u)
	return nil
}

func (s *MemoryStore) ListUpdates(_ context.Context, goalID string) ([]model.Update, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := make([]model.Update, len(s.updates[goalID]))
	copy(updates, s.updates[goalID])
	return updates, nil
}

func (s *MemoryStore) AddTasks(_ context.Context, goalID string, tasks []*model.DailyTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.goals[goalID]; !ok {
		return fmt.Errorf("%w: goal %s", ErrNotFound, goalID)
	}
	for _, t := range tasks {
		t.ID = int64(len(s.tasks[goalID])) + 1
		t.GoalID = goalID
		s.tasks[goalID] = append(s.tasks[goalID], cloneTask(*t))
	}
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, goalID string) ([]model.DailyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]model.DailyTask, 0, len(s.tasks[goalID]))
	for _, t := range s.tasks[goalID] {
		tasks = append(tasks, cloneTask(t))
	}
	return tasks, nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, goalID string, taskID int64, at time.Time) (*model.DailyTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.tasks[goalID]
	for i := range tasks {
		if tasks[i].ID != taskID {
			continue
		}
		if tasks[i].Completed {
			return nil, fmt.Errorf("%w: %d", ErrTaskCompleted, taskID)
		}
		tasks[i].Completed = true
		tasks[i].CompletedAt = &at
		c := cloneTask(tasks[i])
		return &c, nil
	}
	return nil, fmt.Errorf("%w: task %d of goal %s", ErrNotFound, taskID, goalID)
}

func (s *MemoryStore) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("%w: agent %s", ErrConflict, a.ID)
	}
	c := a.Clone()
	s.agents[a.ID] = &c
	s.agentOrder = append(s.agentOrder, a.ID)
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	c := a.Clone()
	return &c, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]model.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		agents = append(agents, s.agents[id].Clone())
	}
	return agents, nil
}

// CommitSettlement stages clones of the stored records under the write
// lock and swaps them in only when every check has passed, so a failed
// commit leaves no partial state behind.
func (s *MemoryStore) CommitSettlement(_ context.Context, st *Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled[st.EventID] {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, st.EventID)
	}
	if st.Event != nil {
		existing, ok := s.events[st.Event.ID]
		if !ok {
			return fmt.Errorf("%w: market event %s", ErrNotFound, st.Event.ID)
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrEventFinalized, st.Event.ID)
		}
	}

	agents := make([]model.Agent, 0, len(st.AgentIDs))
	for _, id := range st.AgentIDs {
		a, ok := s.agents[id]
		if !ok {
			return fmt.Errorf("%w: agent %s", ErrNotFound, id)
		}
		agents = append(agents, a.Clone())
	}
	var goal *model.Goal
	if st.GoalID != "" {
		g, ok := s.goals[st.GoalID]
		if !ok {
			return fmt.Errorf("%w: goal %s", ErrNotFound, st.GoalID)
		}
		c := cloneGoal(*g)
		goal = &c
	}

	if st.Stage != nil {
		if err := st.Stage(agents, goal); err != nil {
			return err
		}
	}

	for i := range agents {
		c := agents[i].Clone()
		s.agents[c.ID] = &c
	}
	if goal != nil {
		s.goals[goal.ID] = goal
	}
	if st.Event != nil {
		c := cloneEvent(*st.Event)
		s.events[c.ID] = &c
	}
	s.settled[st.EventID] = true
	return nil
}

func (s *MemoryStore) AppendMarketEvent(_ context.Context, e *model.MarketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("%w: market event %s", ErrConflict, e.ID)
	}
	c := cloneEvent(*e)
	s.events[e.ID] = &c
	s.eventOrder = append(s.eventOrder, e.ID)
	return nil
}

func (s *MemoryStore) UpdateMarketEvent(_ context.Context, e *model.MarketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.events[e.ID]
	if !ok {
		return fmt.Errorf("%w: market event %s", ErrNotFound, e.ID)
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrEventFinalized, e.ID)
	}
	c := cloneEvent(*e)
	s.events[e.ID] = &c
	return nil
}

func (s *MemoryStore) GetMarketEvent(_ context.Context, id string) (*model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: market event %s", ErrNotFound, id)
	}
	c := cloneEvent(*e)
	return &c, nil
}

func (s *MemoryStore) LoadMarketEvent(_ context.Context, goalID string, updateID int64) (*model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first: re-triggers append, so the last match is the latest.
	for i := len(s.eventOrder) - 1; i >= 0; i-- {
		e := s.events[s.eventOrder[i]]
		if e.GoalID == goalID && e.UpdateID == updateID {
			c := cloneEvent(*e)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: market event for goal %s update %d", ErrNotFound, goalID, updateID)
}

func (s *MemoryStore) ListMarketEvents(_ context.Context, goalID string) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketEvent
	for _, id := range s.eventOrder {
		if e := s.events[id]; e.GoalID == goalID {
			result = append(result, cloneEvent(*e))
		}
	}
	return result, nil
}

// SettledEvents returns the ids of every committed settlement, sorted.
func (s *MemoryStore) SettledEvents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.settled))
	for id := range s.settled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneGoal(g model.Goal) model.Goal {
	if g.MarketPrice != nil {
		p := *g.MarketPrice
		g.MarketPrice = &p
	}
	return g
}

func cloneTask(t model.DailyTask) model.DailyTask {
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func cloneEvent(e model.MarketEvent) model.MarketEvent {
	e.Transcript = append([]model.DebateMessage(nil), e.Transcript...)
	e.Spreads = append([]model.AgentSpread(nil), e.Spreads...)
	e.Trades = append([]model.Trade(nil), e.Trades...)
	if e.DiscoveredPrice != nil {
		p := *e.DiscoveredPrice
		e.DiscoveredPrice = &p
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		e.CompletedAt = &t
	}
	return e
}
