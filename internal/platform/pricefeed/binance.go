package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// BinanceSource reads the Binance spot 24h ticker.
type BinanceSource struct {
	baseURL    string
	quote      string
	symbols    map[string]string
	httpClient *http.Client
}

// NewBinanceSource creates a Binance REST source.
//
// baseURL is the API root, e.g. "https://api.binance.com". quote is the quote
// asset appended to unmapped asset keys ("USDT" gives BTCUSDT).
func NewBinanceSource(baseURL, quote string, symbols map[string]string) *BinanceSource {
	return &BinanceSource{
		baseURL:    baseURL,
		quote:      quote,
		symbols:    symbols,
		httpClient: newHTTPClient(),
	}
}

func (b *BinanceSource) Name() string { return "binance" }

type binanceTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

// Quote returns the last traded price and 24h base volume.
func (b *BinanceSource) Quote(ctx context.Context, asset string) (domain.Quote, error) {
	symbol := symbolFor(b.symbols, asset, func(a string) string { return a + b.quote })

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := doGet(ctx, b.httpClient, b.baseURL+"/api/v3/ticker/24hr?"+params.Encode())
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/binance: ticker %s: %w", symbol, err)
	}

	var t binanceTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/binance: decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/binance: parse price %q: %w", t.LastPrice, err)
	}
	volume, _ := strconv.ParseFloat(t.Volume, 64)

	at := time.Now()
	if t.CloseTime > 0 {
		at = time.UnixMilli(t.CloseTime)
	}
	return domain.Quote{Price: price, Volume: volume, At: at, Source: b.Name()}, nil
}
