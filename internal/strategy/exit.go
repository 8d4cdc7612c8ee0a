package strategy

import (
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// ExitThresholds parameterises the exit rule cascade.
type ExitThresholds struct {
	TakeProfitPct       float64
	TimeDecayAfter      time.Duration
	TimeDecayMaxPct     float64
	VolumeSpikeMinPct   float64
	VolumeSpikeFraction float64
	RSIOverbought       float64
	RSIMinPct           float64
	RSIFraction         float64
	MomentumThreshold   float64
	MomentumMinPct      float64
	MomentumFraction    float64
}

// DefaultExitThresholds returns the standard cascade parameters.
func DefaultExitThresholds() ExitThresholds {
	return ExitThresholds{
		TakeProfitPct:       50,
		TimeDecayAfter:      24 * time.Hour,
		TimeDecayMaxPct:     5,
		VolumeSpikeMinPct:   20,
		VolumeSpikeFraction: 0.5,
		RSIOverbought:       80,
		RSIMinPct:           15,
		RSIFraction:         0.7,
		MomentumThreshold:   -0.05,
		MomentumMinPct:      10,
		MomentumFraction:    0.3,
	}
}

// ExitStrategyEngine evaluates the ordered exit rules against a position and
// a market snapshot. It is stateless; Decide is a pure function.
type ExitStrategyEngine struct {
	t ExitThresholds
}

// NewExitStrategyEngine creates an engine with the given thresholds.
func NewExitStrategyEngine(t ExitThresholds) *ExitStrategyEngine {
	return &ExitStrategyEngine{t: t}
}

// Decide returns the first matching rule's decision, in priority order:
// take profit, stop loss, trailing stop, time decay, volume spike, RSI
// overbought, momentum reversal.
func (e *ExitStrategyEngine) Decide(pos domain.Position, snap domain.MarketSnapshot) domain.Decision {
	pnl := pos.UnrealizedPnLPct
	price := pos.CurrentPrice

	switch {
	case pnl >= e.t.TakeProfitPct:
		return exit(domain.ExitTakeProfit, 1)
	case price <= pos.StopLoss:
		return exit(domain.ExitStopLoss, 1)
	case price <= pos.TrailingStop:
		return exit(domain.ExitTrailingStop, 1)
	case pos.HoldTime(snap.Now) > e.t.TimeDecayAfter && pnl < e.t.TimeDecayMaxPct:
		return exit(domain.ExitTimeDecay, 1)
	case snap.VolumeSpike && pnl > e.t.VolumeSpikeMinPct:
		return exit(domain.ExitVolumeSpike, e.t.VolumeSpikeFraction)
	case snap.RSIValid && snap.RSI > e.t.RSIOverbought && pnl > e.t.RSIMinPct:
		return exit(domain.ExitTakeProfit, e.t.RSIFraction)
	case snap.Momentum < e.t.MomentumThreshold && pnl > e.t.MomentumMinPct:
		return exit(domain.ExitTakeProfit, e.t.MomentumFraction)
	}
	return domain.NoExit
}

func exit(reason domain.ExitReason, fraction float64) domain.Decision {
	return domain.Decision{ShouldExit: true, Reason: reason, Fraction: fraction}
}
