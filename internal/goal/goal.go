// Package goal validates and constructs goals and progress updates before
// they reach the store and trigger a market event.
package goal

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
)

// DateLayout is the wire format for target and effective dates.
const DateLayout = "2006-01-02"

// MaxDescriptionLen bounds goal descriptions and update content, in runes.
const MaxDescriptionLen = 2000

var (
	ErrInvalidDescription = errors.New("goal: invalid description")
	ErrInvalidTargetDate  = errors.New("goal: invalid target date")
	ErrInvalidPayout      = errors.New("goal: payout must be positive")
	ErrInvalidUpdate      = errors.New("goal: invalid update")
	ErrInvalidOutcome     = errors.New("goal: outcome must be success or failure")
	ErrAlreadyResolved    = errors.New("goal: already resolved")
)

// New validates the inputs and returns an active goal with no market price.
// Target dates before the current day are rejected.
func New(description, targetDate string, payout decimal.Decimal, now time.Time) (*model.Goal, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDescription)
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLen {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, MaxDescriptionLen)
	}

	target, err := ParseDate(targetDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (expected YYYY-MM-DD)", ErrInvalidTargetDate, targetDate)
	}
	if target.Before(day(now)) {
		return nil, fmt.Errorf("%w: %s is in the past", ErrInvalidTargetDate, targetDate)
	}
	if !payout.IsPositive() {
		return nil, ErrInvalidPayout
	}

	return &model.Goal{
		ID:           uuid.New().String(),
		Description:  description,
		TargetDate:   target,
		Status:       model.GoalActive,
		PayoutAmount: payout,
		Outcome:      model.OutcomeUnset,
		CreatedAt:    now.UTC(),
	}, nil
}

// NewUpdate validates a progress report. An empty effective date means
// today. The store assigns the update id.
func NewUpdate(goalID, content, effectiveDate string, now time.Time) (*model.Update, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidUpdate)
	}
	if utf8.RuneCountInString(content) > MaxDescriptionLen {
		return nil, fmt.Errorf("%w: content longer than %d characters", ErrInvalidUpdate, MaxDescriptionLen)
	}

	effective := day(now)
	if effectiveDate != "" {
		t, err := ParseDate(effectiveDate)
		if err != nil {
			return nil, fmt.Errorf("%w: effective date %s (expected YYYY-MM-DD)", ErrInvalidUpdate, effectiveDate)
		}
		effective = t
	}

	return &model.Update{
		GoalID:        goalID,
		Content:       content,
		EffectiveDate: effective,
		CreatedAt:     now.UTC(),
	}, nil
}

// Resolve closes an active goal with outcome. It records the result only;
// the market price and agent balances are left as they are.
func Resolve(g *model.Goal, outcome string) error {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	if outcome != model.OutcomeSuccess && outcome != model.OutcomeFailure {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if g.Status != model.GoalActive {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, g.ID)
	}
	g.Status = model.GoalResolved
	g.Outcome = outcome
	return nil
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}

// FormatDate renders t in DateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
