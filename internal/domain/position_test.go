package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPriceRecomputesPnL(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Position{
		TokenAddress: "BTC",
		EntryPrice:   67500,
		CurrentPrice: 67500,
		Quantity:     0.1,
		MaxPriceSeen: 67500,
		TrailingStop: 64125,
		IsActive:     true,
	}

	for _, price := range []float64{64125, 70000, 60000, 67500.5} {
		p.ApplyPrice(price, now)
		assert.InDelta(t, (price-67500)*0.1, p.UnrealizedPnL, 1e-9)
		assert.InDelta(t, (price-67500)/67500*100, p.UnrealizedPnLPct, 1e-9)
		assert.Equal(t, now, p.LastUpdate)
	}
	assert.Equal(t, 70000.0, p.MaxPriceSeen)
	require.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	base := Position{TokenAddress: "ETH", EntryPrice: 10, Quantity: 1, MaxPriceSeen: 10, TrailingStop: 9.5, IsActive: true}
	require.NoError(t, base.Validate())

	zeroQty := base
	zeroQty.Quantity = 0
	assert.True(t, errors.Is(zeroQty.Validate(), ErrInvariant))

	highStop := base
	highStop.TrailingStop = 11
	assert.True(t, errors.Is(highStop.Validate(), ErrInvariant))

	noAsset := base
	noAsset.TokenAddress = ""
	assert.Error(t, noAsset.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	p := Position{TakeProfitLevels: []float64{1, 2, 3}}
	c := p.Clone()
	c.TakeProfitLevels[0] = 42
	assert.Equal(t, 1.0, p.TakeProfitLevels[0])
}

func TestParseExitReason(t *testing.T) {
	r, err := ParseExitReason("manual_exit")
	require.NoError(t, err)
	assert.Equal(t, ExitManual, r)

	_, err = ParseExitReason("panic")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExitRequestValidate(t *testing.T) {
	req := ExitRequest{Asset: "SOL"}
	require.NoError(t, req.Validate())
	assert.Equal(t, ExitManual, req.Reason)
	assert.Equal(t, 1.0, req.Fraction)

	bad := ExitRequest{Asset: "SOL", Fraction: 1.5}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	empty := ExitRequest{}
	assert.ErrorIs(t, empty.Validate(), ErrInvalidRequest)
}
