package domain

import (
	"fmt"
	"time"
)

// Position represents a single open, quantity-bearing trade in one asset.
// The PositionTracker owns the only mutable copy; everything else works on
// value snapshots.
type Position struct {
	ID               string    `json:"id"`
	TokenAddress     string    `json:"token_address"`
	EntryPrice       float64   `json:"entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	Quantity         float64   `json:"quantity"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"`
	StopLoss         float64   `json:"stop_loss"`
	TakeProfitLevels []float64 `json:"take_profit_levels"`
	TrailingStop     float64   `json:"trailing_stop"`
	MaxPriceSeen     float64   `json:"max_price_seen"`
	EntryTime        time.Time `json:"entry_time"`
	LastUpdate       time.Time `json:"last_update"`
	OriginalWallet   string    `json:"original_wallet"`
	ConfidenceScore  float64   `json:"confidence_score"`
	IsActive         bool      `json:"is_active"`
}

// ApplyPrice re-prices the position: current price, unrealized PnL, running
// maximum and last update time.
func (p *Position) ApplyPrice(price float64, now time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	if p.EntryPrice > 0 {
		p.UnrealizedPnLPct = (price - p.EntryPrice) / p.EntryPrice * 100
	}
	if price > p.MaxPriceSeen {
		p.MaxPriceSeen = price
	}
	p.LastUpdate = now
}

// HoldTime returns how long the position has been open at now.
func (p Position) HoldTime(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// Validate checks the position invariants.
func (p Position) Validate() error {
	if p.TokenAddress == "" {
		return fmt.Errorf("%w: empty token address", ErrInvariant)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry price %v must be positive", ErrInvariant, p.EntryPrice)
	}
	if p.IsActive && p.Quantity <= 0 {
		return fmt.Errorf("%w: active position %s has quantity %v", ErrInvariant, p.TokenAddress, p.Quantity)
	}
	if p.TrailingStop > p.MaxPriceSeen {
		return fmt.Errorf("%w: trailing stop %v above max price seen %v", ErrInvariant, p.TrailingStop, p.MaxPriceSeen)
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the tracker.
func (p Position) Clone() Position {
	out := p
	if p.TakeProfitLevels != nil {
		out.TakeProfitLevels = make([]float64, len(p.TakeProfitLevels))
		copy(out.TakeProfitLevels, p.TakeProfitLevels)
	}
	return out
}

// ClosedPosition is the record appended to the closed set when a position is
// fully liquidated.
type ClosedPosition struct {
	Position
	ExitPrice      float64    `json:"exit_price"`
	RealizedPnL    float64    `json:"realized_pnl"`
	RealizedPnLPct float64    `json:"realized_pnl_pct"`
	ExitReason     ExitReason `json:"exit_reason"`
	ClosedAt       time.Time  `json:"closed_at"`
	TxReference    string     `json:"tx_reference"`
}

// OpenRequest is the inbound "position opened" event from the entry side.
// Optional fields are nil when the caller wants the configured defaults.
type OpenRequest struct {
	Asset            string    `json:"asset"`
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	StopLoss         *float64  `json:"stop_loss,omitempty"`
	TakeProfitLevels []float64 `json:"take_profit_levels,omitempty"`
	ConfidenceScore  *float64  `json:"confidence_score,omitempty"`
	WalletTag        string    `json:"wallet_tag,omitempty"`
}

// Snapshot is the full durable state: both record collections.
type Snapshot struct {
	Active []Position
	Closed []ClosedPosition
}
