// Package risk enforces per-agent position and cash limits on quotes before
// they reach the matcher.
//
// Every agent trades at most one unit per side per event, so a quote side is
// either allowed in full or withdrawn. Withdrawing a side never removes the
// agent from the event: its other side can still trade.
package risk

import (
	"errors"

	"github.com/atmx/goal-market/internal/model"
)

var (
	// ErrPerGoalLimitExceeded is returned when a unit would push the agent's
	// absolute position in one goal beyond MaxPerGoal.
	ErrPerGoalLimitExceeded = errors.New("risk: per-goal position limit exceeded")

	// ErrTotalExposureExceeded is returned when a unit would push the sum of
	// absolute positions across all goals beyond MaxTotalExposure.
	ErrTotalExposureExceeded = errors.New("risk: total exposure limit exceeded")

	// ErrInsufficientCash is returned when the agent cannot pay its own bid.
	ErrInsufficientCash = errors.New("risk: insufficient cash for bid")
)

// Limiter holds position limits in contract units.
type Limiter struct {
	// MaxPerGoal is the maximum absolute net position in any single goal.
	MaxPerGoal int64

	// MaxTotalExposure is the maximum sum of absolute positions across
	// every goal the agent holds.
	MaxTotalExposure int64
}

// NewLimiter creates a limiter. Non-positive limits are raised to 1.
func NewLimiter(maxPerGoal, maxTotalExposure int64) *Limiter {
	if maxPerGoal < 1 {
		maxPerGoal = 1
	}
	if maxTotalExposure < 1 {
		maxTotalExposure = 1
	}
	return &Limiter{MaxPerGoal: maxPerGoal, MaxTotalExposure: maxTotalExposure}
}

// CheckLimit validates a signed position change (+1 buy, -1 sell) on goalID
// against the agent's existing positions.
func (l *Limiter) CheckLimit(goalID string, delta int64, positions map[string]int64) error {
	newPosition := positions[goalID] + delta
	if abs(newPosition) > l.MaxPerGoal {
		return ErrPerGoalLimitExceeded
	}

	total := abs(newPosition)
	for id, qty := range positions {
		if id == goalID {
			continue // counted via newPosition
		}
		total += abs(qty)
	}
	if total > l.MaxTotalExposure {
		return ErrTotalExposureExceeded
	}
	return nil
}

// CheckBid validates that the agent can buy one unit at up to price.
func (l *Limiter) CheckBid(goalID string, agent *model.Agent, s model.AgentSpread) error {
	if agent.Cash.LessThan(s.BuyPrice) {
		return ErrInsufficientCash
	}
	return l.CheckLimit(goalID, 1, agent.Positions)
}

// CheckAsk validates that the agent can sell one unit.
func (l *Limiter) CheckAsk(goalID string, agent *model.Agent, _ model.AgentSpread) error {
	return l.CheckLimit(goalID, -1, agent.Positions)
}

// Apply returns a copy of spreads with the BidWithdrawn and AskWithdrawn
// flags set for every side that fails its check. Spreads from agents not
// in agents are returned with both sides withdrawn.
func (l *Limiter) Apply(goalID string, spreads []model.AgentSpread, agents map[string]*model.Agent) []model.AgentSpread {
	out := make([]model.AgentSpread, len(spreads))
	for i, s := range spreads {
		agent, ok := agents[s.AgentID]
		if !ok {
			s.BidWithdrawn, s.AskWithdrawn = true, true
			out[i] = s
			continue
		}
		if l.CheckBid(goalID, agent, s) != nil {
			s.BidWithdrawn = true
		}
		if l.CheckAsk(goalID, agent, s) != nil {
			s.AskWithdrawn = true
		}
		out[i] = s
	}
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
