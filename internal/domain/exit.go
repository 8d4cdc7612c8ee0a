package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExitReason names why a position was (partially) liquidated.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTimeDecay    ExitReason = "TIME_DECAY"
	ExitVolumeSpike  ExitReason = "VOLUME_SPIKE"
	ExitWhaleSell    ExitReason = "WHALE_SELL"
	ExitMarketCrash  ExitReason = "MARKET_CRASH"
	ExitManual       ExitReason = "MANUAL_EXIT"
)

var exitReasons = map[ExitReason]bool{
	ExitTakeProfit:   true,
	ExitStopLoss:     true,
	ExitTrailingStop: true,
	ExitTimeDecay:    true,
	ExitVolumeSpike:  true,
	ExitWhaleSell:    true,
	ExitMarketCrash:  true,
	ExitManual:       true,
}

// Valid reports whether r is a known exit reason.
func (r ExitReason) Valid() bool {
	return exitReasons[r]
}

// ParseExitReason accepts any case ("manual_exit", "MANUAL_EXIT").
func ParseExitReason(s string) (ExitReason, error) {
	r := ExitReason(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown exit reason %q", ErrInvalidRequest, s)
	}
	return r, nil
}

// Decision is the output of the exit strategy cascade.
type Decision struct {
	ShouldExit bool
	Reason     ExitReason
	Fraction   float64
}

// NoExit is the zero decision.
var NoExit = Decision{}

// MarketSnapshot carries the indicator values a decision is evaluated
// against. Now is part of the snapshot so decisions are replayable.
type MarketSnapshot struct {
	Now         time.Time
	RSI         float64
	RSIValid    bool
	VolumeSpike bool
	Momentum    float64
}

// ExitExecution is one completed (full or partial) liquidation event.
type ExitExecution struct {
	ID             string     `json:"id"`
	PositionID     string     `json:"position_id"`
	TokenAddress   string     `json:"token_address"`
	ExitPrice      float64    `json:"exit_price"`
	QuantitySold   float64    `json:"quantity_sold"`
	RealizedPnL    float64    `json:"realized_pnl"`
	RealizedPnLPct float64    `json:"realized_pnl_pct"`
	ExitReason     ExitReason `json:"exit_reason"`
	ExecutionTime  time.Time  `json:"execution_time"`
	TxReference    string     `json:"tx_reference"`
	GasUsed        float64    `json:"gas_used"`
	SlippageActual float64    `json:"slippage_actual"`
	Partial        bool       `json:"partial"`
	Estimated      bool       `json:"estimated"`
}

// ExitRequest asks the exit manager to liquidate (part of) a position on its
// next cycle regardless of the strategy cascade.
type ExitRequest struct {
	Asset    string     `json:"asset"`
	Reason   ExitReason `json:"reason"`
	Fraction float64    `json:"fraction"`
}

// Validate checks the request fields and normalises a zero fraction to a
// full exit.
func (r *ExitRequest) Validate() error {
	if strings.TrimSpace(r.Asset) == "" {
		return fmt.Errorf("%w: asset is required", ErrInvalidRequest)
	}
	if r.Reason == "" {
		r.Reason = ExitManual
	}
	if !r.Reason.Valid() {
		return fmt.Errorf("%w: unknown exit reason %q", ErrInvalidRequest, r.Reason)
	}
	if r.Fraction == 0 {
		r.Fraction = 1
	}
	if r.Fraction < 0 || r.Fraction > 1 {
		return fmt.Errorf("%w: fraction %v outside (0,1]", ErrInvalidRequest, r.Fraction)
	}
	return nil
}
