// Package market drives one market event per trigger: debate, quote,
// match, settle, publish.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/goal-market/internal/debate"
	"github.com/atmx/goal-market/internal/ledger"
	"github.com/atmx/goal-market/internal/matching"
	"github.com/atmx/goal-market/internal/metrics"
	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/risk"
	"github.com/atmx/goal-market/internal/spread"
	"github.com/atmx/goal-market/internal/store"
)

// MinParticipants is the number of valid spreads needed to run the matcher.
const MinParticipants = 2

var (
	// ErrInsufficientParticipants marks an event that published with no
	// trades because fewer than MinParticipants agents quoted. It is logged,
	// never returned as a failure.
	ErrInsufficientParticipants = errors.New("market: insufficient participants")

	ErrGoalNotActive = errors.New("market: goal is not active")
	ErrUnknownUpdate = errors.New("market: update not in history")
)

// Publisher receives every event that reaches PUBLISHED or FAILED.
type Publisher interface {
	PublishEvent(e *model.MarketEvent)
}

type Orchestrator struct {
	store     store.Store
	debate    *debate.Coordinator
	spreads   *spread.Collector
	ledger    *ledger.Ledger
	limiter   *risk.Limiter
	publisher Publisher
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLimiter enables position and cash checks on quotes before matching.
func WithLimiter(l *risk.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(st store.Store, dc *debate.Coordinator, sc *spread.Collector, lg *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		debate:  dc,
		spreads: sc,
		ledger:  lg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start persists a PENDING event and runs it in the background. Callers
// poll the store for the outcome. The run is detached from ctx's
// cancellation so it outlives the triggering request.
func (o *Orchestrator) Start(ctx context.Context, trig model.Trigger) (*model.MarketEvent, error) {
	ev, err := o.open(ctx, trig)
	if err != nil {
		return nil, err
	}
	pending := *ev

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(context.WithoutCancel(ctx), ev, trig)
	}()
	return &pending, nil
}

// Run executes an event synchronously and returns its final record. The
// error is non-nil only when the event could not be created; a FAILED
// event is returned with a nil error.
func (o *Orchestrator) Run(ctx context.Context, trig model.Trigger) (*model.MarketEvent, error) {
	ev, err := o.open(ctx, trig)
	if err != nil {
		return nil, err
	}
	o.execute(ctx, ev, trig)
	return ev, nil
}

// Wait blocks until every event started with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ValidateTrigger checks the goal is active and the update id is 0 or
// present in the history.
func ValidateTrigger(trig model.Trigger) error {
	if trig.Goal.Status != model.GoalActive {
		return fmt.Errorf("%w: %s is %s", ErrGoalNotActive, trig.Goal.ID, trig.Goal.Status)
	}
	if trig.UpdateID == model.CreationUpdateID {
		return nil
	}
	for _, u := range trig.Updates {
		if u.ID == trig.UpdateID {
			return nil
		}
	}
	return fmt.Errorf("%w: goal %s update %d", ErrUnknownUpdate, trig.Goal.ID, trig.UpdateID)
}

func (o *Orchestrator) open(ctx context.Context, trig model.Trigger) (*model.MarketEvent, error) {
	if err := ValidateTrigger(trig); err != nil {
		return nil, err
	}
	ev := &model.MarketEvent{
		ID:        uuid.New().String(),
		GoalID:    trig.Goal.ID,
		UpdateID:  trig.UpdateID,
		Status:    model.StatusPending,
		CreatedAt: o.now(),
	}
	if err := o.store.AppendMarketEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("market: create event: %w", err)
	}
	slog.Info("market event created", "event_id", ev.ID, "goal_id", ev.GoalID, "update_id", ev.UpdateID)
	return ev, nil
}

// history returns the updates visible to an event: everything up to and
// including its trigger, in id order.
func history(trig model.Trigger) []model.Update {
	updates := make([]model.Update, 0, len(trig.Updates))
	for _, u := range trig.Updates {
		if u.ID <= trig.UpdateID {
			updates = append(updates, u)
		}
	}
	return updates
}

func (o *Orchestrator) execute(ctx context.Context, ev *model.MarketEvent, trig model.Trigger) {
	metrics.ActiveEvents.Inc()
	defer metrics.ActiveEvents.Dec()

	goal := trig.Goal
	updates := history(trig)

	roster, err := o.store.ListAgents(ctx)
	if err != nil {
		o.fail(ctx, ev, model.ReasonInternal, fmt.Errorf("load roster: %w", err))
		return
	}

	// --- Debate ---
	if err := o.transition(ctx, ev, model.StatusDebating); err != nil {
		o.fail(ctx, ev, model.ReasonStoreWriteFailure, err)
		return
	}
	start := time.Now()
	transcript, err := o.debate.Run(ctx, goal, updates, roster)
	metrics.ObservePhase("debate", start)
	if err != nil {
		reason := model.ReasonInternal
		if errors.Is(err, debate.ErrExhausted) {
			reason = model.ReasonOracleExhausted
		}
		o.fail(ctx, ev, reason, err)
		return
	}
	ev.Transcript = transcript

	// --- Quote ---
	if err := o.transition(ctx, ev, model.StatusQuoting); err != nil {
		o.fail(ctx, ev, model.ReasonStoreWriteFailure, err)
		return
	}
	start = time.Now()
	spreads, err := o.spreads.Collect(ctx, goal, updates, transcript, roster)
	metrics.ObservePhase("quote", start)
	if err != nil {
		o.fail(ctx, ev, model.ReasonInternal, err)
		return
	}
	ev.Spreads = spreads

	if len(spreads) < MinParticipants {
		slog.Info("market event has too few quotes to match", "event_id", ev.ID,
			"goal_id", ev.GoalID, "spreads", len(spreads), "reason", ErrInsufficientParticipants)
		completed := o.now()
		ev.CompletedAt = &completed
		if err := o.transition(ctx, ev, model.StatusPublished); err != nil {
			o.fail(ctx, ev, model.ReasonStoreWriteFailure, err)
			return
		}
		o.published(ev)
		return
	}

	// --- Match ---
	if err := o.transition(ctx, ev, model.StatusMatching); err != nil {
		o.fail(ctx, ev, model.ReasonStoreWriteFailure, err)
		return
	}
	start = time.Now()
	if o.limiter != nil {
		// Fresh balances: other events may have settled during the debate.
		current, err := o.store.ListAgents(ctx)
		if err != nil {
			o.fail(ctx, ev, model.ReasonInternal, fmt.Errorf("load agents: %w", err))
			return
		}
		byID := make(map[string]*model.Agent, len(current))
		for i := range current {
			byID[current[i].ID] = &current[i]
		}
		ev.Spreads = o.limiter.Apply(goal.ID, ev.Spreads, byID)
	}

	ids := make([]string, len(roster))
	for i, a := range roster {
		ids[i] = a.ID
	}
	result, err := matching.NewMatcher(ids).Match(ev.Spreads)
	metrics.ObservePhase("match", start)
	if err != nil {
		o.fail(ctx, ev, model.ReasonInternal, err)
		return
	}
	ev.Trades = o.stamp(result.Fills)
	ev.DiscoveredPrice = result.Price

	// --- Settle ---
	if err := o.transition(ctx, ev, model.StatusSettling); err != nil {
		o.fail(ctx, ev, model.ReasonStoreWriteFailure, err)
		return
	}
	// The PUBLISHED record is committed together with the balances.
	final := *ev
	completed := o.now()
	final.Status = model.StatusPublished
	final.CompletedAt = &completed

	start = time.Now()
	_, err = o.ledger.Settle(ctx, ledger.Settlement{
		EventID:     ev.ID,
		GoalID:      goal.ID,
		Trades:      ev.Trades,
		MarketPrice: ev.DiscoveredPrice,
		Memories:    finalMessages(transcript),
		Event:       &final,
	})
	metrics.ObservePhase("settle", start)
	if err != nil {
		reason := model.ReasonInternal
		switch {
		case errors.Is(err, ledger.ErrInvariantViolation):
			reason = model.ReasonSettlementViolated
		case errors.Is(err, store.ErrWriteFailure):
			reason = model.ReasonStoreWriteFailure
		}
		metrics.SettlementRejections.WithLabelValues(reason).Inc()
		o.fail(ctx, ev, reason, err)
		return
	}

	*ev = final
	slog.Info("market event transition", "event_id", ev.ID, "goal_id", ev.GoalID, "status", ev.Status)
	metrics.TradesTotal.Add(float64(len(ev.Trades)))
	if ev.DiscoveredPrice != nil {
		metrics.DiscoveredPrice.Observe(ev.DiscoveredPrice.InexactFloat64())
	}
	o.published(ev)
}

func (o *Orchestrator) transition(ctx context.Context, ev *model.MarketEvent, status model.EventStatus) error {
	ev.Status = status
	if err := o.store.UpdateMarketEvent(ctx, ev); err != nil {
		return fmt.Errorf("persist %s: %w", status, err)
	}
	slog.Info("market event transition", "event_id", ev.ID, "goal_id", ev.GoalID, "status", status)
	return nil
}

// published announces an event whose PUBLISHED record is already stored.
func (o *Orchestrator) published(ev *model.MarketEvent) {
	price := "null"
	if ev.DiscoveredPrice != nil {
		price = ev.DiscoveredPrice.String()
	}
	slog.Info("market event published", "event_id", ev.ID, "goal_id", ev.GoalID,
		"trades", len(ev.Trades), "price", price)
	metrics.EventsTotal.WithLabelValues(string(model.StatusPublished)).Inc()
	o.notify(ev)
}

// fail finalizes the event as FAILED. Unapplied trades and the price are
// dropped; transcript and spreads stay for diagnostics.
func (o *Orchestrator) fail(ctx context.Context, ev *model.MarketEvent, reason string, cause error) {
	completed := o.now()
	ev.Status = model.StatusFailed
	ev.FailureReason = reason
	ev.Trades = nil
	ev.DiscoveredPrice = nil
	ev.CompletedAt = &completed

	slog.Error("market event failed", "event_id", ev.ID, "goal_id", ev.GoalID, "reason", reason, "err", cause)
	// A detached context: the failure must be recorded even if ctx ended.
	if err := o.store.UpdateMarketEvent(context.WithoutCancel(ctx), ev); err != nil {
		slog.Error("market event failure not persisted", "event_id", ev.ID, "err", err)
	}
	metrics.EventsTotal.WithLabelValues(string(model.StatusFailed)).Inc()
	o.notify(ev)
}

func (o *Orchestrator) notify(ev *model.MarketEvent) {
	if o.publisher == nil {
		return
	}
	snapshot := *ev
	o.publisher.PublishEvent(&snapshot)
}

func (o *Orchestrator) stamp(fills []matching.Fill) []model.Trade {
	trades := make([]model.Trade, len(fills))
	now := o.now()
	for i, f := range fills {
		trades[i] = model.Trade{
			ID:        uuid.New().String(),
			BuyerID:   f.BuyerID,
			SellerID:  f.SellerID,
			Price:     f.Price,
			Quantity:  f.Quantity,
			Timestamp: now,
		}
	}
	return trades
}

// finalMessages returns each agent's last debate message.
func finalMessages(transcript []model.DebateMessage) map[string]string {
	out := make(map[string]string)
	for _, m := range transcript {
		out[m.AgentID] = m.Content
	}
	return out
}
