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

// minAddressLen separates on-chain token addresses from ticker symbols.
const minAddressLen = 32

// DexScreenerSource prices on-chain tokens from the most liquid DEX pair.
// Symbols maps ticker-style asset keys to token addresses; keys that already
// look like an address are used directly.
type DexScreenerSource struct {
	baseURL    string
	symbols    map[string]string
	httpClient *http.Client
}

// NewDexScreenerSource creates a DexScreener REST source.
//
// baseURL is the API root, e.g. "https://api.dexscreener.com".
func NewDexScreenerSource(baseURL string, symbols map[string]string) *DexScreenerSource {
	return &DexScreenerSource{
		baseURL:    baseURL,
		symbols:    symbols,
		httpClient: newHTTPClient(),
	}
}

func (d *DexScreenerSource) Name() string { return "dexscreener" }

type dexPair struct {
	PriceUSD string `json:"priceUsd"`
	Volume   struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

type dexTokensResponse struct {
	Pairs []dexPair `json:"pairs"`
}

// Quote returns the USD price and 24h volume of the deepest pair.
func (d *DexScreenerSource) Quote(ctx context.Context, asset string) (domain.Quote, error) {
	address, ok := d.symbols[asset]
	if !ok {
		if len(asset) < minAddressLen {
			return domain.Quote{}, fmt.Errorf("pricefeed/dexscreener: %s: %w", asset, domain.ErrUnsupportedAsset)
		}
		address = asset
	}

	body, err := doGet(ctx, d.httpClient, d.baseURL+"/latest/dex/tokens/"+url.PathEscape(address))
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/dexscreener: token %s: %w", address, err)
	}

	var resp dexTokensResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/dexscreener: decode pairs: %w", err)
	}

	var best *dexPair
	for i := range resp.Pairs {
		p := &resp.Pairs[i]
		if p.PriceUSD == "" {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	if best == nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/dexscreener: token %s: %w", address, domain.ErrPriceUnavailable)
	}

	price, err := strconv.ParseFloat(best.PriceUSD, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("pricefeed/dexscreener: parse price %q: %w", best.PriceUSD, err)
	}
	return domain.Quote{Price: price, Volume: best.Volume.H24, At: time.Now(), Source: d.Name()}, nil
}
