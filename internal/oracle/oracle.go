// Package oracle defines the reasoning capability agents use to debate and
// to quote a goal, plus an LLM-backed implementation.
//
// Callers must not assume an Oracle is fast, synchronous or deterministic.
// Every call takes a context and should be bounded with a deadline.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
)

var (
	// ErrTimeout is returned when the call's context deadline passed.
	ErrTimeout = errors.New("oracle: timed out")

	// ErrMalformedResponse is returned when the backend answered but the
	// answer could not be used (empty message, missing or bad prices).
	ErrMalformedResponse = errors.New("oracle: malformed response")

	// ErrUnavailable wraps any other backend failure.
	ErrUnavailable = errors.New("oracle: backend unavailable")
)

// Role tells the agent what kind of debate message to write.
type Role string

const (
	// RoleThesis is an independent opening analysis that sees no other
	// agent's output.
	RoleThesis Role = "thesis"

	// RoleResponse answers the debate so far.
	RoleResponse Role = "response"
)

// MessageRequest asks one agent for one debate message.
type MessageRequest struct {
	Agent      model.Agent
	Goal       model.Goal
	Updates    []model.Update
	Transcript []model.DebateMessage // empty for RoleThesis
	Role       Role
	Round      int
}

// SpreadRequest asks one agent for its quote after the debate closed.
type SpreadRequest struct {
	Agent      model.Agent
	Goal       model.Goal
	Updates    []model.Update
	Transcript []model.DebateMessage
}

// Quote is an agent's buy and sell price for one unit paying
// Goal.PayoutAmount on success.
type Quote struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// Oracle produces debate messages and quotes.
type Oracle interface {
	GenerateMessage(ctx context.Context, req MessageRequest) (string, error)
	GenerateSpread(ctx context.Context, req SpreadRequest) (Quote, error)
}

// classify maps a backend error onto ErrTimeout or ErrUnavailable. Errors
// that already carry an oracle sentinel pass through.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Retrying retries calls that failed with ErrUnavailable or
// ErrMalformedResponse, up to attempts tries in total. Timeouts and
// cancellation are returned immediately.
type Retrying struct {
	next     Oracle
	attempts int
}

// WithRetry wraps o. attempts below 1 is treated as 1.
func WithRetry(o Oracle, attempts int) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{next: o, attempts: attempts}
}

func (r *Retrying) GenerateMessage(ctx context.Context, req MessageRequest) (string, error) {
	var err error
	for i := 0; i < r.attempts; i++ {
		var msg string
		if msg, err = r.next.GenerateMessage(ctx, req); err == nil {
			return msg, nil
		}
		if !retryable(ctx, err) {
			break
		}
	}
	return "", classify(ctx, err)
}

func (r *Retrying) GenerateSpread(ctx context.Context, req SpreadRequest) (Quote, error) {
	var err error
	for i := 0; i < r.attempts; i++ {
		var q Quote
		if q, err = r.next.GenerateSpread(ctx, req); err == nil {
			return q, nil
		}
		if !retryable(ctx, err) {
			break
		}
	}
	return Quote{}, classify(ctx, err)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	err = classify(ctx, err)
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMalformedResponse)
}
