// Package ledger applies an event's trades to agent cash and positions as
// one all-or-nothing unit.
//
// Writes are serialized per agent with in-process locks. Balances are read
// and staged inside store.CommitSettlement, so either every agent, the
// goal's price, the event record and the settled marker change together or
// nothing changes.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/store"
)

var (
	// ErrInvariantViolation is the parent of every settlement refusal. It
	// must never be retried.
	ErrInvariantViolation = errors.New("ledger: settlement invariant violation")

	// ErrAlreadySettled is returned when the same event is settled twice.
	ErrAlreadySettled = fmt.Errorf("%w: event already settled", ErrInvariantViolation)

	// ErrInsufficientCash is returned when a trade would leave a buyer with
	// negative cash.
	ErrInsufficientCash = fmt.Errorf("%w: cash would go negative", ErrInvariantViolation)

	// ErrInvalidTrade is returned for self-trades, non-positive quantities
	// or negative prices.
	ErrInvalidTrade = fmt.Errorf("%w: invalid trade", ErrInvariantViolation)
)

// Settlement is one event's settlement request.
type Settlement struct {
	EventID string
	GoalID  string
	Trades  []model.Trade

	// MarketPrice is written to the goal when non-nil.
	MarketPrice *decimal.Decimal

	// Memories sets each listed agent's advisory memory for the goal.
	Memories map[string]string

	// Event is the final event record, committed with the balances.
	Event *model.MarketEvent
}

// Ledger serializes settlement per agent.
type Ledger struct {
	store store.Store
	locks *keyedMutex
}

func New(st store.Store) *Ledger {
	return &Ledger{store: st, locks: newKeyedMutex()}
}

// Settle applies s and returns the new state of every touched agent, in
// lock (id) order. On error nothing has been written.
func (l *Ledger) Settle(ctx context.Context, s Settlement) ([]model.Agent, error) {
	if err := validateTrades(s.Trades); err != nil {
		return nil, err
	}

	ids := participants(s)
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, "agent:"+id)
	}
	if s.MarketPrice != nil {
		keys = append(keys, "goal:"+s.GoalID)
	}
	unlock := l.locks.LockAll(keys)
	defer unlock()

	commit := &store.Settlement{EventID: s.EventID, AgentIDs: ids, Event: s.Event}
	if s.MarketPrice != nil {
		commit.GoalID = s.GoalID
	}

	var updated []model.Agent
	commit.Stage = func(agents []model.Agent, goal *model.Goal) error {
		updated = nil
		if err := stage(s, agents); err != nil {
			return err
		}
		if goal != nil {
			price := *s.MarketPrice
			goal.MarketPrice = &price
		}
		updated = make([]model.Agent, len(agents))
		for i := range agents {
			updated[i] = agents[i].Clone()
		}
		return nil
	}

	if err := l.store.CommitSettlement(ctx, commit); err != nil {
		switch {
		case errors.Is(err, ErrInvariantViolation):
			return nil, err
		case errors.Is(err, store.ErrAlreadySettled):
			return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, s.EventID)
		}
		return nil, fmt.Errorf("ledger: commit %s: %w", s.EventID, err)
	}
	return updated, nil
}

// stage applies the trades and memories of s to agents, which are the fresh
// records for participants(s) in the same order.
func stage(s Settlement, agents []model.Agent) error {
	staged := make(map[string]*model.Agent, len(agents))
	for i := range agents {
		a := &agents[i]
		if a.Positions == nil {
			a.Positions = make(map[string]int64)
		}
		if a.Memory == nil {
			a.Memory = make(map[string]string)
		}
		staged[a.ID] = a
	}

	for _, t := range s.Trades {
		buyer, seller := staged[t.BuyerID], staged[t.SellerID]
		cost := t.Price.Mul(decimal.NewFromInt(t.Quantity))
		buyer.Cash = buyer.Cash.Sub(cost)
		seller.Cash = seller.Cash.Add(cost)
		buyer.Positions[s.GoalID] += t.Quantity
		seller.Positions[s.GoalID] -= t.Quantity
	}
	for id, memory := range s.Memories {
		staged[id].Memory[s.GoalID] = memory
	}

	// Cash is checked on the final state: an agent that buys and sells in
	// the same event is netted.
	for i := range agents {
		if agents[i].Cash.IsNegative() {
			return fmt.Errorf("%w: agent %s would hold %s", ErrInsufficientCash, agents[i].ID, agents[i].Cash)
		}
	}
	return nil
}

func validateTrades(trades []model.Trade) error {
	for _, t := range trades {
		switch {
		case t.BuyerID == t.SellerID:
			return fmt.Errorf("%w: %s trades with itself", ErrInvalidTrade, t.BuyerID)
		case t.Quantity <= 0:
			return fmt.Errorf("%w: quantity %d", ErrInvalidTrade, t.Quantity)
		case t.Price.IsNegative():
			return fmt.Errorf("%w: price %s", ErrInvalidTrade, t.Price)
		}
	}
	return nil
}

// participants returns the sorted ids of every agent the settlement touches.
func participants(s Settlement) []string {
	ids := make([]string, 0, 2*len(s.Trades)+len(s.Memories))
	for _, t := range s.Trades {
		ids = append(ids, t.BuyerID, t.SellerID)
	}
	for id := range s.Memories {
		ids = append(ids, id)
	}
	return dedupe(ids)
}
