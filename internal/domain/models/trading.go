package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Priority of a capital request. Informational only; grants stay
// first-come-first-served.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// AllowanceRequest asks whether a prospective trade fits the exposure limits.
type AllowanceRequest struct {
	TokenID     string  `json:"token_id"`
	ConditionID string  `json:"condition_id,omitempty"`
	Side        Side    `json:"side"`
	Size        float64 `json:"size"`
	MarketGroup string  `json:"market_group,omitempty"`
}

// Allowance is the exposure verdict for one prospective trade.
type Allowance struct {
	Allowed        bool    `json:"allowed"`
	ReduceOnly     bool    `json:"reduce_only"`
	Reason         string  `json:"reason,omitempty"`
	Group          string  `json:"group"`
	CurrentDelta   float64 `json:"current_delta"`
	ProjectedDelta float64 `json:"projected_delta"`
	HardLimit      float64 `json:"hard_limit"`
	SoftLimit      float64 `json:"soft_limit"`
}

// TradeFill records one executed trade. Size is in shares, Price in the
// venue's 0..1 probability units.
type TradeFill struct {
	TokenID     string     `json:"token_id"`
	ConditionID string     `json:"condition_id,omitempty"`
	Side        Side       `json:"side"`
	Size        float64    `json:"size"`
	Price       float64    `json:"price"`
	MarketGroup string     `json:"market_group,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// GroupExposure is the reported state of one market group.
type GroupExposure struct {
	Group     string  `json:"group"`
	Delta     float64 `json:"delta"`
	HardLimit float64 `json:"hard_limit"`
	SoftLimit float64 `json:"soft_limit"`
	Positions int     `json:"positions"`
}

// BudgetStatus summarizes the capital ledger at a point in time.
type BudgetStatus struct {
	TotalCapital    decimal.Decimal `json:"total_capital"`
	LockedFunds     decimal.Decimal `json:"locked_funds"`
	AvailableFunds  decimal.Decimal `json:"available_funds"`
	OpenAllocations int             `json:"open_allocations"`
}

// StrategyBalance is the reserved total for one strategy.
type StrategyBalance struct {
	Strategy string          `json:"strategy"`
	Reserved decimal.Decimal `json:"reserved"`
	Count    int             `json:"count"`
}

// RiskStatus summarizes the sizing engine's daily state.
type RiskStatus struct {
	TotalCapital      float64        `json:"total_capital"`
	DailyStartCapital float64        `json:"daily_start_capital"`
	DailyPnL          float64        `json:"daily_pnl"`
	BreakerActive     bool           `json:"breaker_active"`
	LastReset         time.Time      `json:"last_reset"`
	OpenPositions     map[string]int `json:"open_positions,omitempty"`
}
