package domain

import "time"

// OrderType distinguishes market from limit sells.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// SellOrder is a request to liquidate quantity of an asset. LimitPrice nil
// means a market order. RefPrice is the oracle price the decision was made
// at and is used for slippage accounting.
type SellOrder struct {
	Asset         string
	Quantity      float64
	LimitPrice    *float64
	RefPrice      float64
	ClientOrderID string
}

// Type returns the order type implied by LimitPrice.
func (o SellOrder) Type() OrderType {
	if o.LimitPrice != nil {
		return OrderTypeLimit
	}
	return OrderTypeMarket
}

// Fill is the execution result of a submitted sell.
type Fill struct {
	OrderID   string
	Price     float64
	Quantity  float64
	Fee       float64
	FilledAt  time.Time
	Estimated bool // fill details could not be read back; Price is RefPrice
}

// Quote is a single price observation from one source (or the aggregate).
type Quote struct {
	Price  float64
	Volume float64
	At     time.Time
	Source string
}
