// Package model defines the core domain types shared across the goal market.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Goal statuses.
const (
	GoalActive   = "active"
	GoalResolved = "resolved"
)

// Goal outcomes.
const (
	OutcomeUnset   = "unset"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Goal is a tracked binary-outcome commitment: "will the user achieve X by D".
// MarketPrice is nil until a MarketEvent for the goal publishes a price.
type Goal struct {
	ID           string           `json:"id"`
	Description  string           `json:"description"`
	TargetDate   time.Time        `json:"target_date"`
	Status       string           `json:"status"`
	PayoutAmount decimal.Decimal  `json:"payout_amount"`
	Outcome      string           `json:"outcome"`
	MarketPrice  *decimal.Decimal `json:"market_price"`
	CreatedAt    time.Time        `json:"created_at"`
}

// CreationUpdateID is the synthetic update id for the goal-creation event.
const CreationUpdateID int64 = 0

// Update is an immutable progress report on a goal. IDs increase per goal
// starting at 1; 0 is reserved for goal creation.
type Update struct {
	ID            int64     `json:"id"`
	GoalID        string    `json:"goal_id"`
	Content       string    `json:"content"`
	EffectiveDate time.Time `json:"effective_date"`
	CreatedAt     time.Time `json:"created_at"`
}

// DailyTask is one step of a goal's generated plan. IDs increase per goal
// starting at 1. Completing a task files an Update on the goal.
type DailyTask struct {
	ID           int64      `json:"id"`
	GoalID       string     `json:"goal_id"`
	Description  string     `json:"description"`
	AssignedDate time.Time  `json:"assigned_date"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Agent is a pricing participant. Positions are signed unit counts per goal
// (positive = long, negative = short). Memory holds the latest advisory
// analysis per goal and is never read by matching.
type Agent struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Cash      decimal.Decimal   `json:"cash"`
	Positions map[string]int64  `json:"positions"`
	Memory    map[string]string `json:"memory"`
	CreatedAt time.Time         `json:"created_at"`
}

// Clone returns a deep copy so callers can stage mutations.
func (a Agent) Clone() Agent {
	c := a
	c.Positions = make(map[string]int64, len(a.Positions))
	for k, v := range a.Positions {
		c.Positions[k] = v
	}
	c.Memory = make(map[string]string, len(a.Memory))
	for k, v := range a.Memory {
		c.Memory[k] = v
	}
	return c
}

// DebateMessage is one agent's contribution to one debate round.
// Immutable once appended to a transcript.
type DebateMessage struct {
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Round     int       `json:"round"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentSpread is an agent's quote for one unit of the goal's outcome contract.
// BuyPrice <= SellPrice is not required. BidWithdrawn/AskWithdrawn are set by
// the risk limiter when the agent may not take that side this event.
type AgentSpread struct {
	AgentID      string          `json:"agent_id"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	SellPrice    decimal.Decimal `json:"sell_price"`
	BidWithdrawn bool            `json:"bid_withdrawn,omitempty"`
	AskWithdrawn bool            `json:"ask_withdrawn,omitempty"`
}

// Trade is an immutable record of one matched unit.
type Trade struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyer_id"`
	SellerID  string          `json:"seller_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventStatus is the lifecycle state of a MarketEvent.
type EventStatus string

const (
	StatusPending   EventStatus = "PENDING"
	StatusDebating  EventStatus = "DEBATING"
	StatusQuoting   EventStatus = "QUOTING"
	StatusMatching  EventStatus = "MATCHING"
	StatusSettling  EventStatus = "SETTLING"
	StatusPublished EventStatus = "PUBLISHED"
	StatusFailed    EventStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s EventStatus) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// Failure reason codes surfaced on FAILED events.
const (
	ReasonOracleExhausted    = "oracle_exhausted"
	ReasonStoreWriteFailure  = "store_write_failure"
	ReasonSettlementViolated = "settlement_invariant_violation"
	ReasonInternal           = "internal"
)

// MarketEvent is one debate → quote → match → settle cycle for a goal,
// triggered by goal creation (UpdateID 0) or a progress update.
// DiscoveredPrice is nil when no trades executed.
type MarketEvent struct {
	ID              string           `json:"id"`
	GoalID          string           `json:"goal_id"`
	UpdateID        int64            `json:"update_id"`
	Status          EventStatus      `json:"status"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	Transcript      []DebateMessage  `json:"transcript"`
	Spreads         []AgentSpread    `json:"spreads"`
	Trades          []Trade          `json:"trades"`
	DiscoveredPrice *decimal.Decimal `json:"discovered_price"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Trigger starts a MarketEvent: a goal snapshot plus its full ordered update
// history. UpdateID is 0 for the creation event.
type Trigger struct {
	Goal     Goal     `json:"goal"`
	Updates  []Update `json:"updates"`
	UpdateID int64    `json:"update_id"`
}
