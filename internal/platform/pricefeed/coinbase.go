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

// CoinbaseSource reads the Coinbase spot price. It reports no volume.
type CoinbaseSource struct {
	baseURL    string
	symbols    map[string]string
	httpClient *http.Client
}

// NewCoinbaseSource creates a Coinbase REST source.
//
// baseURL is the API root, e.g. "https://api.coinbase.com".
func NewCoinbaseSource(baseURL string, symbols map[string]string) *CoinbaseSource {
	return &CoinbaseSource{
		baseURL:    baseURL,
		symbols:    symbols,
		httpClient: newHTTPClient(),
	}
}

func (c *CoinbaseSource) Name() string { return "coinbase" }

type coinbaseSpot struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Quote returns the current USD spot price.
func (c *CoinbaseSource) Quote(ctx context.Context, asset string) (domain.Quote, error) {
	pair := symbolFor(c.symbols, asset, func(a string) string { return a + "-USD" })

	body, err := doGet(ctx, c.httpClient, c.baseURL+"/v2/prices/"+url.PathEscape(pair)+"/spot")
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/coinbase: spot %s: %w", pair, err)
	}

	var spot coinbaseSpot
	if err := json.Unmarshal(body, &spot); err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/coinbase: decode spot: %w", err)
	}
	price, err := strconv.ParseFloat(spot.Data.Amount, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/coinbase: parse amount %q: %w", spot.Data.Amount, err)
	}
	return domain.Quote{Price: price, At: time.Now(), Source: c.Name()}, nil
}
