package models

import "time"

// IntelEvent is the wire form of one intel feed message. Type selects which
// fields are meaningful; the rest arrive zero-valued.
type IntelEvent struct {
	Type        string  `json:"type"`
	TokenID     string  `json:"token_id"`
	Score       float64 `json:"score,omitempty"`
	Label       string  `json:"label,omitempty"`
	Count       int     `json:"count,omitempty"`
	Side        string  `json:"side,omitempty"`
	Volatile    bool    `json:"volatile,omitempty"`
	Opportunity bool    `json:"opportunity,omitempty"`
	Timestamp   string  `json:"ts,omitempty"`
}

const (
	IntelTypeNews  = "news"
	IntelTypeWhale = "whale"
	IntelTypeArb   = "arb"
)

// JournalEvent is one audit record emitted by the kernel. Amount is a decimal
// string so the ledger value survives serialization exactly.
type JournalEvent struct {
	Type         string    `json:"type"`
	At           time.Time `json:"at"`
	Strategy     string    `json:"strategy,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	MarketGroup  string    `json:"market_group,omitempty"`
	Side         string    `json:"side,omitempty"`
	Size         float64   `json:"size,omitempty"`
	Price        float64   `json:"price,omitempty"`
	AllocationID string    `json:"allocation_id,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

const (
	JournalTradeExecuted = "trade_executed"
	JournalTradeDenied   = "trade_denied"
	JournalTradeFailed   = "trade_failed"
	JournalBreakerChange = "breaker_change"
)
