// Package spread collects one buy/sell quote per agent once the debate is
// closed.
package spread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/goal-market/internal/metrics"
	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/oracle"
)

// ErrOutOfRange is returned by Validate for prices outside [0, payout].
var ErrOutOfRange = errors.New("spread: price outside [0, payout]")

// Collector asks every agent for a quote concurrently. Agents that fail or
// quote out of range are left out; that is never fatal to the event.
type Collector struct {
	oracle      oracle.Oracle
	callTimeout time.Duration
	concurrency int
}

// NewCollector creates a collector. concurrency < 1 means unbounded.
func NewCollector(o oracle.Oracle, callTimeout time.Duration, concurrency int) *Collector {
	return &Collector{oracle: o, callTimeout: callTimeout, concurrency: concurrency}
}

// Collect returns the valid spreads in roster order. Every agent sees the
// full transcript. It only returns an error if ctx ended.
func (c *Collector) Collect(
	ctx context.Context,
	goal model.Goal,
	updates []model.Update,
	transcript []model.DebateMessage,
	roster []model.Agent,
) ([]model.AgentSpread, error) {
	slots := make([]*model.AgentSpread, len(roster))

	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, agent := range roster {
		g.Go(func() error {
			req := oracle.SpreadRequest{
				Agent:      agent,
				Goal:       goal,
				Updates:    append([]model.Update(nil), updates...),
				Transcript: append([]model.DebateMessage(nil), transcript...),
			}

			callCtx, cancel := c.callContext(ctx)
			q, err := c.oracle.GenerateSpread(callCtx, req)
			cancel()

			if err != nil {
				metrics.OracleCalls.WithLabelValues("quote", metrics.OracleResult(err)).Inc()
				slog.Warn("agent declined to quote", "goal_id", goal.ID, "agent_id", agent.ID, "err", err)
				return nil
			}
			s := model.AgentSpread{AgentID: agent.ID, BuyPrice: q.Buy, SellPrice: q.Sell}
			if err := Validate(s, goal.PayoutAmount); err != nil {
				metrics.OracleCalls.WithLabelValues("quote", metrics.ResultRejected).Inc()
				slog.Warn("agent quote rejected", "goal_id", goal.ID, "agent_id", agent.ID,
					"buy", q.Buy.String(), "sell", q.Sell.String(), "err", err)
				return nil
			}
			metrics.OracleCalls.WithLabelValues("quote", metrics.ResultOK).Inc()
			slots[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spreads := make([]model.AgentSpread, 0, len(roster))
	for _, s := range slots {
		if s != nil {
			spreads = append(spreads, *s)
		}
	}
	return spreads, nil
}

func (c *Collector) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// Validate checks both prices lie in [0, payout]. An inverted spread
// (buy above sell) is allowed.
func Validate(s model.AgentSpread, payout decimal.Decimal) error {
	for _, p := range []decimal.Decimal{s.BuyPrice, s.SellPrice} {
		if p.IsNegative() || p.GreaterThan(payout) {
			return fmt.Errorf("%w: %s not in [0, %s]", ErrOutOfRange, p, payout)
		}
	}
	return nil
}
