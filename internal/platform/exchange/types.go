package exchange

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// apiResponse is the common envelope of every exchange REST response.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// placeOrderRequest is the body of POST /api/v5/trade/order.
type placeOrderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
	TgtCcy  string `json:"tgtCcy,omitempty"`
}

type placeOrderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// orderDetail is one element of GET /api/v5/trade/order.
type orderDetail struct {
	OrdID     string `json:"ordId"`
	State     string `json:"state"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
	FillTime  string `json:"fillTime"`
	UTime     string `json:"uTime"`
}

type tickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Vol24h string `json:"vol24h"`
	Ts     string `json:"ts"`
}

// parseDecimal parses an exchange numeric string; empty means zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// formatAmount renders a float quantity or price without exponent notation
// and without float noise ("0.1", not "0.1000000000000000055").
func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}
