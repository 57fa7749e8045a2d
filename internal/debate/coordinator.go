// Package debate runs synchronized debate rounds across an agent roster.
//
// Every round is a barrier: all agents answer round k (or fail) before any
// agent is asked for round k+1. Agents in round 1 see only the goal and its
// updates; later rounds see the whole transcript so far. The transcript is
// ordered by round, then by roster position.
package debate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/goal-market/internal/metrics"
	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/oracle"
)

// ErrExhausted is returned when every agent in a round failed with a
// backend error. Timeouts and malformed answers are declines, not
// exhaustion.
var ErrExhausted = errors.New("debate: oracle exhausted")

// DefaultRounds is used when a coordinator is built with rounds < 1.
const DefaultRounds = 2

// Coordinator runs debates. It holds no per-debate state and is safe for
// concurrent use by multiple market events.
type Coordinator struct {
	oracle      oracle.Oracle
	rounds      int
	callTimeout time.Duration
	concurrency int
	now         func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the timestamp source for messages.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithConcurrency bounds the number of oracle calls in flight per round.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewCoordinator creates a coordinator. callTimeout bounds each agent's
// turn; zero disables the per-call deadline.
func NewCoordinator(o oracle.Oracle, rounds int, callTimeout time.Duration, opts ...Option) *Coordinator {
	if rounds < 1 {
		rounds = DefaultRounds
	}
	c := &Coordinator{
		oracle:      o,
		rounds:      rounds,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rounds returns the configured round count.
func (c *Coordinator) Rounds() int { return c.rounds }

// Run executes the debate and returns the transcript. Agents that time out
// or answer badly are absent from that round. Run returns ErrExhausted when
// a whole round failed as unavailable, or the context error if ctx ended.
func (c *Coordinator) Run(ctx context.Context, goal model.Goal, updates []model.Update, roster []model.Agent) ([]model.DebateMessage, error) {
	var transcript []model.DebateMessage

	for round := 1; round <= c.rounds; round++ {
		role := oracle.RoleResponse
		var seen []model.DebateMessage
		if round == 1 {
			role = oracle.RoleThesis
		} else {
			// Each agent gets its own copy; nobody appends to the shared log.
			seen = transcript
		}

		msgs, unavailable := c.runRound(ctx, goal, updates, roster, seen, role, round)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(roster) > 0 && unavailable == len(roster) {
			return nil, fmt.Errorf("%w: round %d", ErrExhausted, round)
		}

		slog.Info("debate round complete", "goal_id", goal.ID, "round", round,
			"messages", len(msgs), "roster", len(roster))
		transcript = append(transcript, msgs...)
	}
	return transcript, nil
}

// runRound is the barrier: it returns once every agent has answered or
// failed. Messages come back in roster order.
func (c *Coordinator) runRound(
	ctx context.Context,
	goal model.Goal,
	updates []model.Update,
	roster []model.Agent,
	seen []model.DebateMessage,
	role oracle.Role,
	round int,
) ([]model.DebateMessage, int) {
	slots := make([]*model.DebateMessage, len(roster))
	failures := make([]error, len(roster))

	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, agent := range roster {
		g.Go(func() error {
			req := oracle.MessageRequest{
				Agent:      agent,
				Goal:       goal,
				Updates:    append([]model.Update(nil), updates...),
				Transcript: append([]model.DebateMessage(nil), seen...),
				Role:       role,
				Round:      round,
			}

			callCtx, cancel := c.callContext(ctx)
			content, err := c.oracle.GenerateMessage(callCtx, req)
			cancel()

			metrics.OracleCalls.WithLabelValues("debate", metrics.OracleResult(err)).Inc()
			if err != nil {
				failures[i] = err
				slog.Warn("agent declined debate round", "goal_id", goal.ID,
					"agent_id", agent.ID, "round", round, "err", err)
				return nil
			}
			slots[i] = &model.DebateMessage{
				AgentID:   agent.ID,
				AgentName: agent.Name,
				Round:     round,
				Content:   content,
				Timestamp: c.now(),
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	msgs := make([]model.DebateMessage, 0, len(roster))
	unavailable := 0
	for i := range roster {
		if slots[i] != nil {
			msgs = append(msgs, *slots[i])
		}
		if failures[i] != nil && metrics.OracleResult(failures[i]) == metrics.ResultError {
			unavailable++
		}
	}
	return msgs, unavailable
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}
