package domain

import "time"

// EventKind names an informational event surfaced to clients.
type EventKind string

const (
	EventMarketCreated      EventKind = "market_created"
	EventMarketInitialized  EventKind = "market_initialized"
	EventMarketFunded       EventKind = "market_funded"
	EventPositionCreated    EventKind = "position_created"
	EventTradeExecuted      EventKind = "trade_executed"
	EventTradeRejected      EventKind = "trade_rejected"
	EventRevealPublished    EventKind = "reveal_published"
	EventMarketSettled      EventKind = "market_settled"
	EventRewardClaimed      EventKind = "reward_claimed"
	EventFundsWithdrawn     EventKind = "funds_withdrawn"
	EventMarketFundsClaimed EventKind = "market_funds_claimed"
	EventComputationAborted EventKind = "computation_aborted"
)

// TradeSide distinguishes buys from sells in trade events.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Event is an informational record, not authoritative state. Amount is in
// token base units.
type Event struct {
	ID            string      `json:"id"`
	MarketID      string      `json:"market_id"`
	Kind          EventKind   `json:"kind"`
	RequestID     string      `json:"request_id,omitempty"`
	Owner         string      `json:"owner,omitempty"`
	Side          TradeSide   `json:"side,omitempty"`
	Status        string      `json:"status,omitempty"`
	Amount        uint64      `json:"amount"`
	Probabilities *[2]float64 `json:"probabilities,omitempty"`
	Tally         *[2]uint64  `json:"tally,omitempty"`
	Outcome       *Outcome    `json:"outcome,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Channel returns the pub/sub channel the event is published on.
func (e Event) Channel() string {
	return "ch:market:" + e.MarketID
}

// EventsChannelPattern matches every market event channel.
const EventsChannelPattern = "ch:market:*"
