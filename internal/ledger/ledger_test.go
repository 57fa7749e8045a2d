package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newEnv(t fataler, cash float64, ids ...string) (*Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for _, id := range ids {
		if err := ms.CreateAgent(ctx, &model.Agent{ID: id, Name: id, Cash: d(cash)}); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
	}
	goal := &model.Goal{ID: "g1", Status: model.GoalActive, PayoutAmount: d(100)}
	if err := ms.CreateGoal(ctx, goal); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	return New(ms), ms
}

func trade(buyer, seller string, price float64) model.Trade {
	return model.Trade{ID: buyer + "-" + seller, BuyerID: buyer, SellerID: seller, Price: d(price), Quantity: 1}
}

func agent(t *testing.T, ms *store.MemoryStore, id string) *model.Agent {
	t.Helper()
	a, err := ms.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAgent(%s): %v", id, err)
	}
	return a
}

func TestSettle_AppliesTrades(t *testing.T) {
	l, ms := newEnv(t, 1000, "A", "B", "C")
	price := d(62.5)

	updated, err := l.Settle(context.Background(), Settlement{
		EventID:     "e1",
		GoalID:      "g1",
		Trades:      []model.Trade{trade("A", "B", 60), trade("B", "C", 65)},
		MarketPrice: &price,
		Memories:    map[string]string{"A": "bullish", "C": "bearish"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updated) != 3 {
		t.Fatalf("expected 3 updated agents, got %d", len(updated))
	}

	tests := []struct {
		id       string
		cash     float64
		position int64
	}{
		{"A", 940, 1},
		{"B", 995, 0}, // sold at 60, bought at 65
		{"C", 1065, -1},
	}
	for _, tt := range tests {
		a := agent(t, ms, tt.id)
		if !a.Cash.Equal(d(tt.cash)) {
			t.Errorf("%s: expected cash %v, got %s", tt.id, tt.cash, a.Cash)
		}
		if a.Positions["g1"] != tt.position {
			t.Errorf("%s: expected position %d, got %d", tt.id, tt.position, a.Positions["g1"])
		}
	}
	if agent(t, ms, "A").Memory["g1"] != "bullish" {
		t.Error("memory not written")
	}

	g, _ := ms.GetGoal(context.Background(), "g1")
	if g.MarketPrice == nil || !g.MarketPrice.Equal(price) {
		t.Errorf("expected goal price 62.5, got %v", g.MarketPrice)
	}
}

func TestSettle_NoPriceLeavesGoalAlone(t *testing.T) {
	l, ms := newEnv(t, 1000, "A", "B")

	if _, err := l.Settle(context.Background(), Settlement{EventID: "e1", GoalID: "g1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, _ := ms.GetGoal(context.Background(), "g1")
	if g.MarketPrice != nil {
		t.Errorf("goal price changed to %s", g.MarketPrice)
	}
}

func TestSettle_CommitsEventWithBalances(t *testing.T) {
	l, ms := newEnv(t, 1000, "A", "B")
	ctx := context.Background()
	ev := &model.MarketEvent{ID: "e1", GoalID: "g1", UpdateID: 1, Status: model.StatusSettling}
	if err := ms.AppendMarketEvent(ctx, ev); err != nil {
		t.Fatalf("AppendMarketEvent: %v", err)
	}

	price := d(60)
	published := *ev
	published.Status = model.StatusPublished
	published.DiscoveredPrice = &price
	_, err := l.Settle(ctx, Settlement{
		EventID:     "e1",
		GoalID:      "g1",
		Trades:      []model.Trade{trade("A", "B", 60)},
		MarketPrice: &price,
		Event:       &published,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := ms.GetMarketEvent(ctx, "e1")
	if got.Status != model.StatusPublished || got.DiscoveredPrice == nil || !got.DiscoveredPrice.Equal(price) {
		t.Errorf("event not committed with the balances: %+v", got)
	}

	// A finalized event refuses a second settlement without touching cash.
	_, err = l.Settle(ctx, Settlement{
		EventID: "e2",
		GoalID:  "g1",
		Trades:  []model.Trade{trade("A", "B", 60)},
		Event:   &published,
	})
	if !errors.Is(err, store.ErrEventFinalized) {
		t.Fatalf("expected store.ErrEventFinalized, got %v", err)
	}
	if a := agent(t, ms, "A"); !a.Cash.Equal(d(940)) {
		t.Errorf("refused settlement moved cash: %s", a.Cash)
	}
}

func TestSettle_SeparateLedgersShareStore(t *testing.T) {
	// Two ledgers stand in for two processes: no lock is shared, so the
	// balances must be read inside the store commit.
	first, ms := newEnv(t, 1000, "A", "B")
	second := New(ms)
	ctx := context.Background()

	const events = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*events)
	for i := 0; i < events; i++ {
		for j, l := range []*Ledger{first, second} {
			wg.Add(1)
			go func(l *Ledger, id string) {
				defer wg.Done()
				_, err := l.Settle(ctx, Settlement{EventID: id, GoalID: "g1", Trades: []model.Trade{trade("A", "B", 10)}})
				errs <- err
			}(l, fmt.Sprintf("e%d-%d", i, j))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
	}

	a, b := agent(t, ms, "A"), agent(t, ms, "B")
	if !a.Cash.Equal(d(600)) || !b.Cash.Equal(d(1400)) {
		t.Errorf("lost update: A %s, B %s", a.Cash, b.Cash)
	}
	if a.Positions["g1"] != 2*events || b.Positions["g1"] != -2*events {
		t.Errorf("positions drifted: A %d, B %d", a.Positions["g1"], b.Positions["g1"])
	}
}

func TestSettle_DoubleApplicationRejected(t *testing.T) {
	l, ms := newEnv(t, 1000, "A", "B")
	s := Settlement{EventID: "e1", GoalID: "g1", Trades: []model.Trade{trade("A", "B", 60)}}

	if _, err := l.Settle(context.Background(), s); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	_, err := l.Settle(context.Background(), s)
	if !errors.Is(err, ErrAlreadySettled) || !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if a := agent(t, ms, "A"); !a.Cash.Equal(d(940)) || a.Positions["g1"] != 1 {
		t.Errorf("second application changed state: %+v", a)
	}
}

func TestSettle_InsufficientCashIsAllOrNothing(t *testing.T) {
	l, ms := newEnv(t, 50, "A", "B", "C")

	_, err := l.Settle(context.Background(), Settlement{
		EventID: "e1",
		GoalID:  "g1",
		Trades:  []model.Trade{trade("B", "C", 40), trade("A", "B", 60)},
	})
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
	for _, id := range []string{"A", "B", "C"} {
		a := agent(t, ms, id)
		if !a.Cash.Equal(d(50)) || a.Positions["g1"] != 0 {
			t.Errorf("%s: partial settlement visible: %+v", id, a)
		}
	}
	if len(ms.SettledEvents()) != 0 {
		t.Error("rejected settlement marked as settled")
	}
}

func TestSettle_NettingWithinEvent(t *testing.T) {
	// B cannot afford 60 alone but receives 40 first-hand in the same event.
	l, ms := newEnv(t, 1000, "A", "C")
	if err := ms.CreateAgent(context.Background(), &model.Agent{ID: "B", Cash: d(20)}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	_, err := l.Settle(context.Background(), Settlement{
		EventID: "e1",
		GoalID:  "g1",
		Trades:  []model.Trade{trade("B", "C", 60), trade("A", "B", 40)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b := agent(t, ms, "B"); !b.Cash.Equal(d(0)) {
		t.Errorf("expected B cash 0, got %s", b.Cash)
	}
}

func TestSettle_InvalidTrades(t *testing.T) {
	l, _ := newEnv(t, 1000, "A", "B")
	bad := []model.Trade{
		trade("A", "A", 10),
		{BuyerID: "A", SellerID: "B", Price: d(10), Quantity: 0},
		{BuyerID: "A", SellerID: "B", Price: d(-1), Quantity: 1},
	}
	for _, tr := range bad {
		_, err := l.Settle(context.Background(), Settlement{EventID: "e", GoalID: "g1", Trades: []model.Trade{tr}})
		if !errors.Is(err, ErrInvalidTrade) {
			t.Errorf("%+v: expected ErrInvalidTrade, got %v", tr, err)
		}
	}
}

func TestSettle_UnknownAgent(t *testing.T) {
	l, _ := newEnv(t, 1000, "A")
	_, err := l.Settle(context.Background(), Settlement{EventID: "e", GoalID: "g1", Trades: []model.Trade{trade("A", "ghost", 10)}})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}

func TestSettle_ConcurrentEventsSerializePerAgent(t *testing.T) {
	l, ms := newEnv(t, 1000, "A", "B", "C")
	ctx := context.Background()

	const events = 40
	var wg sync.WaitGroup
	errs := make(chan error, events)
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			goalID := fmt.Sprintf("g%d", i%4)
			// Alternate direction so every pair of events overlaps on agents.
			tr := trade("A", "B", 5)
			if i%2 == 1 {
				tr = trade("C", "A", 3)
			}
			_, err := l.Settle(ctx, Settlement{EventID: fmt.Sprintf("e%d", i), GoalID: goalID, Trades: []model.Trade{tr}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
	}

	// A: -20*5 + 20*3 = -40; B: +100; C: -60.
	want := map[string]float64{"A": 960, "B": 1100, "C": 940}
	total := decimal.Zero
	for id, cash := range want {
		a := agent(t, ms, id)
		if !a.Cash.Equal(d(cash)) {
			t.Errorf("%s: expected cash %v, got %s (lost update)", id, cash, a.Cash)
		}
		total = total.Add(a.Cash)
	}
	if !total.Equal(d(3000)) {
		t.Errorf("cash not conserved: %s", total)
	}
	if len(ms.SettledEvents()) != events {
		t.Errorf("expected %d settled events, got %d", events, len(ms.SettledEvents()))
	}
}

func TestProperty_ConservationAndZeroSum(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E"}
	rapid.Check(t, func(t *rapid.T) {
		l, ms := newEnv(t, 100, ids...)
		ctx := context.Background()

		events := rapid.IntRange(1, 5).Draw(t, "events")
		for e := 0; e < events; e++ {
			n := rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("trades-%d", e))
			trades := make([]model.Trade, 0, n)
			for i := 0; i < n; i++ {
				buyer := rapid.SampledFrom(ids).Draw(t, "buyer")
				seller := rapid.SampledFrom(ids).Filter(func(s string) bool { return s != buyer }).Draw(t, "seller")
				cents := rapid.IntRange(0, 10000).Draw(t, "price")
				trades = append(trades, model.Trade{
					BuyerID:  buyer,
					SellerID: seller,
					Price:    decimal.New(int64(cents), -2),
					Quantity: 1,
				})
			}
			goalID := rapid.SampledFrom([]string{"g1", "g2"}).Draw(t, "goal")
			_, err := l.Settle(ctx, Settlement{EventID: fmt.Sprintf("e%d", e), GoalID: goalID, Trades: trades})
			if err != nil && !errors.Is(err, ErrInsufficientCash) {
				t.Fatalf("settle: %v", err)
			}
		}

		agents, _ := ms.ListAgents(ctx)
		total := decimal.Zero
		positions := map[string]int64{}
		for _, a := range agents {
			if a.Cash.IsNegative() {
				t.Fatalf("agent %s has negative cash %s", a.ID, a.Cash)
			}
			total = total.Add(a.Cash)
			for g, q := range a.Positions {
				positions[g] += q
			}
		}
		if !total.Equal(decimal.NewFromInt(int64(100 * len(ids)))) {
			t.Fatalf("cash not conserved: %s", total)
		}
		for g, q := range positions {
			if q != 0 {
				t.Fatalf("positions for %s not zero-sum: %d", g, q)
			}
		}
	})
}
