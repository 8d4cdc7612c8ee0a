package exchange

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

// TickerSource serves the exchange's own public last price as an oracle
// source.
type TickerSource struct {
	client *Client
}

// NewTickerSource wraps c as a price source. No credentials are needed.
func NewTickerSource(c *Client) *TickerSource {
	return &TickerSource{client: c}
}

func (t *TickerSource) Name() string { return "exchange" }

// Quote returns the last traded price and 24h volume of the spot instrument.
func (t *TickerSource) Quote(ctx context.Context, asset string) (domain.Quote, error) {
	instID := t.client.InstrumentID(asset)
	params := url.Values{}
	params.Set("instId", instID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.client.baseURL+tickerPath+"?"+params.Encode(), nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("exchange: ticker %s: create request: %w", instID, err)
	}
	req.Header.Set("Accept", "application/json")

	data, err := t.client.do(req)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("exchange: ticker %s: %w", instID, err)
	}

	var tickers []tickerData
	if err := json.Unmarshal(data, &tickers); err != nil {
		return domain.Quote{}, fmt.Errorf("exchange: ticker %s: decode: %w", instID, err)
	}
	if len(tickers) == 0 {
		return domain.Quote{}, fmt.Errorf("exchange: ticker %s: %w", instID, domain.ErrUnsupportedAsset)
	}

	last, err := parseDecimal(tickers[0].Last)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("exchange: ticker %s: %w", instID, err)
	}
	vol, _ := parseDecimal(tickers[0].Vol24h)

	at := time.Now()
	if ms, err := strconv.ParseInt(tickers[0].Ts, 10, 64); err == nil && ms > 0 {
		at = time.UnixMilli(ms)
	}
	return domain.Quote{Price: last.InexactFloat64(), Volume: vol.InexactFloat64(), At: at, Source: t.Name()}, nil
}
