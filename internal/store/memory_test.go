package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
)

func seedGoal(t *testing.T, s *MemoryStore, id string) *model.Goal {
	t.Helper()
	g := &model.Goal{
		ID:           id,
		Description:  "run a marathon",
		TargetDate:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:       model.GoalActive,
		PayoutAmount: decimal.NewFromInt(100),
		Outcome:      model.OutcomeUnset,
	}
	if err := s.CreateGoal(context.Background(), g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	return g
}

func seedAgent(t *testing.T, s *MemoryStore, id string) *model.Agent {
	t.Helper()
	a := &model.Agent{ID: id, Name: id, Cash: decimal.NewFromInt(1000)}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return a
}

func TestMemoryStore_GoalsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	g := seedGoal(t, s, "g1")

	price := decimal.NewFromInt(40)
	g.MarketPrice = &price
	got, err := s.GetGoal(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if got.MarketPrice != nil {
		t.Error("mutating the caller's goal leaked into the store")
	}

	if err := s.CreateGoal(ctx, g); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if _, err := s.GetGoal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateIDsIncrease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedGoal(t, s, "g1")

	for i := 1; i <= 3; i++ {
		u := &model.Update{GoalID: "g1", Content: "progress"}
		if err := s.AppendUpdate(ctx, u); err != nil {
			t.Fatalf("AppendUpdate: %v", err)
		}
		if u.ID != int64(i) {
			t.Errorf("expected update id %d, got %d", i, u.ID)
		}
	}

	updates, _ := s.ListUpdates(ctx, "g1")
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}

	if err := s.AppendUpdate(ctx, &model.Update{GoalID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RosterOrder(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		seedAgent(t, s, id)
	}
	agents, _ := s.ListAgents(context.Background())
	want := []string{"c", "a", "b"}
	for i, a := range agents {
		if a.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], a.ID)
		}
	}
}

func TestMemoryStore_CommitSettlement(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedGoal(t, s, "g1")
	seedAgent(t, s, "a")
	pending := &model.MarketEvent{ID: "e1", GoalID: "g1", Status: model.StatusSettling}
	if err := s.AppendMarketEvent(ctx, pending); err != nil {
		t.Fatalf("AppendMarketEvent: %v", err)
	}

	price := decimal.NewFromInt(60)
	published := *pending
	published.Status = model.StatusPublished
	published.DiscoveredPrice = &price

	st := &Settlement{
		EventID:  "e1",
		AgentIDs: []string{"a"},
		GoalID:   "g1",
		Stage: func(agents []model.Agent, goal *model.Goal) error {
			agents[0].Cash = agents[0].Cash.Sub(decimal.NewFromInt(60))
			agents[0].Positions = map[string]int64{"g1": 1}
			goal.MarketPrice = &price
			return nil
		},
		Event: &published,
	}
	if err := s.CommitSettlement(ctx, st); err != nil {
		t.Fatalf("CommitSettlement: %v", err)
	}

	got, _ := s.GetAgent(ctx, "a")
	if !got.Cash.Equal(decimal.NewFromInt(940)) || got.Positions["g1"] != 1 {
		t.Errorf("agent not updated: %+v", got)
	}
	goal, _ := s.GetGoal(ctx, "g1")
	if goal.MarketPrice == nil || !goal.MarketPrice.Equal(price) {
		t.Errorf("goal price not updated: %v", goal.MarketPrice)
	}
	ev, _ := s.GetMarketEvent(ctx, "e1")
	if ev.Status != model.StatusPublished {
		t.Errorf("event not committed with the settlement: %s", ev.Status)
	}

	if err := s.CommitSettlement(ctx, st); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
	if ids := s.SettledEvents(); len(ids) != 1 || ids[0] != "e1" {
		t.Errorf("unexpected settled events: %v", ids)
	}
}

func TestMemoryStore_CommitSettlementAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAgent(t, s, "a")

	debit := func(agents []model.Agent, _ *model.Goal) error {
		agents[0].Cash = decimal.NewFromInt(1)
		return nil
	}
	err := s.CommitSettlement(ctx, &Settlement{EventID: "e1", AgentIDs: []string{"a", "ghost"}, Stage: debit})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := s.GetAgent(ctx, "a")
	if !got.Cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("partial settlement applied: cash %s", got.Cash)
	}
	if len(s.SettledEvents()) != 0 {
		t.Error("failed settlement recorded as settled")
	}
}

func TestMemoryStore_CommitSettlementStageError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAgent(t, s, "a")

	rejected := errors.New("negative cash")
	err := s.CommitSettlement(ctx, &Settlement{
		EventID:  "e1",
		AgentIDs: []string{"a"},
		Stage: func(agents []model.Agent, _ *model.Goal) error {
			agents[0].Cash = decimal.NewFromInt(-5)
			return rejected
		},
	})
	if err != rejected {
		t.Fatalf("expected the stage error unchanged, got %v", err)
	}

	got, _ := s.GetAgent(ctx, "a")
	if !got.Cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("aborted stage leaked into the store: cash %s", got.Cash)
	}
	if len(s.SettledEvents()) != 0 {
		t.Error("aborted settlement recorded as settled")
	}
}

func TestMemoryStore_CommitSettlementFinalizedEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAgent(t, s, "a")
	failed := &model.MarketEvent{ID: "e1", GoalID: "g1", Status: model.StatusFailed}
	if err := s.AppendMarketEvent(ctx, failed); err != nil {
		t.Fatalf("AppendMarketEvent: %v", err)
	}

	published := *failed
	published.Status = model.StatusPublished
	err := s.CommitSettlement(ctx, &Settlement{
		EventID:  "e1",
		AgentIDs: []string{"a"},
		Stage: func(agents []model.Agent, _ *model.Goal) error {
			agents[0].Cash = decimal.Zero
			return nil
		},
		Event: &published,
	})
	if !errors.Is(err, ErrEventFinalized) {
		t.Fatalf("expected ErrEventFinalized, got %v", err)
	}

	got, _ := s.GetAgent(ctx, "a")
	if !got.Cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("settlement applied to a finalized event: cash %s", got.Cash)
	}
	ev, _ := s.GetMarketEvent(ctx, "e1")
	if ev.Status != model.StatusFailed {
		t.Errorf("finalized event changed to %s", ev.Status)
	}
}

func TestMemoryStore_Tasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedGoal(t, s, "g1")

	batch := []*model.DailyTask{{Description: "plan"}, {Description: "train"}}
	if err := s.AddTasks(ctx, "g1", batch); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	more := []*model.DailyTask{{Description: "race"}}
	if err := s.AddTasks(ctx, "g1", more); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	if batch[0].ID != 1 || batch[1].ID != 2 || more[0].ID != 3 {
		t.Errorf("unexpected task ids: %d %d %d", batch[0].ID, batch[1].ID, more[0].ID)
	}
	if err := s.AddTasks(ctx, "nope", batch); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	at := time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC)
	done, err := s.CompleteTask(ctx, "g1", 2, at)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !done.Completed || done.CompletedAt == nil || !done.CompletedAt.Equal(at) {
		t.Errorf("task not completed: %+v", done)
	}
	if _, err := s.CompleteTask(ctx, "g1", 2, at); !errors.Is(err, ErrTaskCompleted) {
		t.Errorf("expected ErrTaskCompleted, got %v", err)
	}
	if _, err := s.CompleteTask(ctx, "g1", 9, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	tasks, _ := s.ListTasks(ctx, "g1")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Completed || !tasks[1].Completed || tasks[2].Description != "race" {
		t.Errorf("unexpected tasks: %+v", tasks)
	}
}

func TestMemoryStore_MarketEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.MarketEvent{ID: "e1", GoalID: "g1", UpdateID: 2, Status: model.StatusPending}
	second := &model.MarketEvent{ID: "e2", GoalID: "g1", UpdateID: 2, Status: model.StatusPending}
	other := &model.MarketEvent{ID: "e3", GoalID: "g2", UpdateID: 2, Status: model.StatusPending}
	for _, e := range []*model.MarketEvent{first, second, other} {
		if err := s.AppendMarketEvent(ctx, e); err != nil {
			t.Fatalf("AppendMarketEvent: %v", err)
		}
	}

	latest, err := s.LoadMarketEvent(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("LoadMarketEvent: %v", err)
	}
	if latest.ID != "e2" {
		t.Errorf("expected latest event e2, got %s", latest.ID)
	}
	if _, err := s.LoadMarketEvent(ctx, "g1", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	events, _ := s.ListMarketEvents(ctx, "g1")
	if len(events) != 2 || events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("unexpected history: %+v", events)
	}

	first.Status = model.StatusPublished
	if err := s.UpdateMarketEvent(ctx, first); err != nil {
		t.Fatalf("UpdateMarketEvent: %v", err)
	}
	first.Status = model.StatusFailed
	if err := s.UpdateMarketEvent(ctx, first); !errors.Is(err, ErrEventFinalized) {
		t.Errorf("expected ErrEventFinalized, got %v", err)
	}
	got, _ := s.GetMarketEvent(ctx, "e1")
	if got.Status != model.StatusPublished {
		t.Errorf("finalized event changed to %s", got.Status)
	}
}

func TestMemoryStore_SaveGoalKeepsMarketPrice(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedGoal(t, s, "g1")

	price := decimal.NewFromInt(62)
	err := s.CommitSettlement(ctx, &Settlement{
		EventID: "e1",
		GoalID:  "g1",
		Stage: func(_ []model.Agent, goal *model.Goal) error {
			goal.MarketPrice = &price
			return nil
		},
	})
	if err != nil {
		t.Fatalf("CommitSettlement: %v", err)
	}

	// A snapshot read before the settlement carries no price.
	stale := &model.Goal{ID: "g1", Status: model.GoalResolved, Outcome: model.OutcomeSuccess}
	if err := s.SaveGoal(ctx, stale); err != nil {
		t.Fatalf("SaveGoal: %v", err)
	}
	got, _ := s.GetGoal(ctx, "g1")
	if got.Status != model.GoalResolved || got.Outcome != model.OutcomeSuccess {
		t.Errorf("goal not saved: %+v", got)
	}
	if got.MarketPrice == nil || !got.MarketPrice.Equal(price) {
		t.Errorf("SaveGoal overwrote the settled price: %v", got.MarketPrice)
	}
	if err := s.SaveGoal(ctx, &model.Goal{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
