// Package pricefeed implements the public market-data price sources consulted
// by the oracle: Binance and Coinbase spot tickers, DexScreener on-chain
// pairs, and the Binance mini-ticker websocket stream.
package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// defaultHTTPTimeout bounds a single source request when the caller's
// context carries no deadline.
const defaultHTTPTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// doGet performs a GET and returns the body of a 2xx response.
func doGet(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, bodyStr)
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// symbolFor resolves the source-specific instrument for asset: an explicit
// mapping wins, otherwise def builds it from the upper-cased asset key.
func symbolFor(symbols map[string]string, asset string, def func(string) string) string {
	if s, ok := symbols[asset]; ok && s != "" {
		return s
	}
	if s, ok := symbols[strings.ToUpper(asset)]; ok && s != "" {
		return s
	}
	return def(strings.ToUpper(asset))
}
