package strategy

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// Style names a trailing distance.
type Style string

const (
	StyleConservative Style = "conservative"
	StyleModerate     Style = "moderate"
	StyleAggressive   Style = "aggressive"
)

// DefaultTrailingDistances is the default style table, as fractions of the
// maximum price seen.
var DefaultTrailingDistances = map[Style]float64{
	StyleConservative: 0.05,
	StyleModerate:     0.08,
	StyleAggressive:   0.12,
}

// TrailingStopManager ratchets a position's trailing stop behind the highest
// price seen. The stop never moves down.
type TrailingStopManager struct {
	distances map[Style]float64
}

// NewTrailingStopManager validates the style table. A nil table uses the
// defaults.
func NewTrailingStopManager(distances map[string]float64) (*TrailingStopManager, error) {
	table := make(map[Style]float64, len(DefaultTrailingDistances))
	for k, v := range DefaultTrailingDistances {
		table[k] = v
	}
	for name, d := range distances {
		if d <= 0 || d >= 1 {
			return nil, fmt.Errorf("strategy: trailing distance for %q must be in (0,1), got %v", name, d)
		}
		table[Style(strings.ToLower(name))] = d
	}
	return &TrailingStopManager{distances: table}, nil
}

// Distance returns the trailing distance for style.
func (m *TrailingStopManager) Distance(style Style) (float64, error) {
	d, ok := m.distances[style]
	if !ok {
		return 0, fmt.Errorf("strategy: unknown trailing style %q: %w", style, domain.ErrInvalidRequest)
	}
	return d, nil
}

// Update returns pos with MaxPriceSeen raised to the current price and the
// trailing stop moved up to max*(1-distance) when that is strictly higher.
func (m *TrailingStopManager) Update(pos domain.Position, style Style) domain.Position {
	d, ok := m.distances[style]
	if !ok {
		d = m.distances[StyleModerate]
	}

	if pos.CurrentPrice > pos.MaxPriceSeen {
		pos.MaxPriceSeen = pos.CurrentPrice
	}
	if candidate := pos.MaxPriceSeen * (1 - d); candidate > pos.TrailingStop {
		pos.TrailingStop = candidate
	}
	return pos
}

// Adjuster returns Update bound to style, for use as a tracker adjustment.
func (m *TrailingStopManager) Adjuster(style Style) func(domain.Position) domain.Position {
	return func(p domain.Position) domain.Position {
		return m.Update(p, style)
	}
}
