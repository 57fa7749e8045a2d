// Package matching implements the single-unit double auction that turns a
// set of agent spreads into trades and a discovered market price.
//
// Each agent contributes at most one bid (its buy price) and one ask (its
// sell price) per event. Bids are consumed highest first and asks lowest
// first; every crossing pair executes one unit at the ask price. The
// discovered price is the mean execution price.
//
// The algorithm is deterministic: ties are broken by roster order, so the
// same spread set always yields the same trades in the same order.
package matching

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
)

var (
	// ErrUnknownAgent is returned when a spread names an agent that is not
	// in the roster used for tie-breaking.
	ErrUnknownAgent = errors.New("matching: spread from agent outside roster")

	// ErrDuplicateSpread is returned when one agent submits two spreads.
	ErrDuplicateSpread = errors.New("matching: duplicate spread for agent")

	// PriceScale is the number of decimal places kept on the discovered price.
	PriceScale int32 = 8
)

// UnitsPerTrade is the quantity of every matched pair.
const UnitsPerTrade int64 = 1

// Fill is one matched unit before it is stamped into a model.Trade.
type Fill struct {
	BuyerID  string
	SellerID string
	Price    decimal.Decimal
	Quantity int64
}

// Result is the outcome of one auction. Price is nil when nothing crossed.
type Result struct {
	Fills []Fill
	Price *decimal.Decimal
}

// quote is one side of one agent's spread in a queue.
type quote struct {
	agentID string
	price   decimal.Decimal
	rank    int // roster position, used for stable tie-breaks
}

// Matcher runs the auction against a fixed roster order.
type Matcher struct {
	rank map[string]int
}

// NewMatcher creates a matcher whose tie-breaks follow roster order.
func NewMatcher(roster []string) *Matcher {
	rank := make(map[string]int, len(roster))
	for i, id := range roster {
		if _, seen := rank[id]; !seen {
			rank[id] = i
		}
	}
	return &Matcher{rank: rank}
}

// Match clears the spreads. Withdrawn sides do not enter their queue.
// It never mutates its input.
func (m *Matcher) Match(spreads []model.AgentSpread) (*Result, error) {
	bids, asks, err := m.buildQueues(spreads)
	if err != nil {
		return nil, err
	}

	var fills []Fill
	for len(bids) > 0 && len(asks) > 0 {
		bid, ask := bids[0], asks[0]
		if bid.price.LessThan(ask.price) {
			break
		}

		if bid.agentID == ask.agentID {
			// Self-trade guard. Without a counterparty on either side the
			// auction is over.
			if len(bids) == 1 && len(asks) == 1 {
				break
			}
			if dropBidOnSelfCross(bids, asks) {
				bids = bids[1:]
			} else {
				asks = asks[1:]
			}
			continue
		}

		fills = append(fills, Fill{
			BuyerID:  bid.agentID,
			SellerID: ask.agentID,
			Price:    ask.price,
			Quantity: UnitsPerTrade,
		})
		bids = bids[1:]
		asks = asks[1:]
	}

	return &Result{Fills: fills, Price: MeanPrice(fills)}, nil
}

// dropBidOnSelfCross decides which head to discard when the best bid and
// best ask belong to the same agent. Each head is scored by the surplus it
// would have against the best opposing quote from another agent; the head
// with the lower surplus (the less competitive price) is dropped. A head
// with no opposing quote behind it is always the one dropped. Equal
// surplus drops the bid.
func dropBidOnSelfCross(bids, asks []quote) bool {
	if len(asks) == 1 {
		return true
	}
	if len(bids) == 1 {
		return false
	}
	bidSurplus := bids[0].price.Sub(asks[1].price)
	askSurplus := bids[1].price.Sub(asks[0].price)
	return bidSurplus.LessThanOrEqual(askSurplus)
}

func (m *Matcher) buildQueues(spreads []model.AgentSpread) ([]quote, []quote, error) {
	seen := make(map[string]bool, len(spreads))
	bids := make([]quote, 0, len(spreads))
	asks := make([]quote, 0, len(spreads))

	for _, s := range spreads {
		rank, ok := m.rank[s.AgentID]
		if !ok {
			return nil, nil, ErrUnknownAgent
		}
		if seen[s.AgentID] {
			return nil, nil, ErrDuplicateSpread
		}
		seen[s.AgentID] = true

		if !s.BidWithdrawn {
			bids = append(bids, quote{agentID: s.AgentID, price: s.BuyPrice, rank: rank})
		}
		if !s.AskWithdrawn {
			asks = append(asks, quote{agentID: s.AgentID, price: s.SellPrice, rank: rank})
		}
	}

	sort.SliceStable(bids, func(i, j int) bool {
		if c := bids[i].price.Cmp(bids[j].price); c != 0 {
			return c > 0
		}
		return bids[i].rank < bids[j].rank
	})
	sort.SliceStable(asks, func(i, j int) bool {
		if c := asks[i].price.Cmp(asks[j].price); c != 0 {
			return c < 0
		}
		return asks[i].rank < asks[j].rank
	})
	return bids, asks, nil
}

// MeanPrice returns the arithmetic mean of the fill prices, rounded to
// PriceScale, or nil when there are no fills.
func MeanPrice(fills []Fill) *decimal.Decimal {
	if len(fills) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, f := range fills {
		sum = sum.Add(f.Price)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(fills)))).Round(PriceScale)
	return &mean
}
