// Package exchange implements order execution against the spot exchange REST
// API, its public ticker price source, and a simulated executor for paper
// trading.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/exitbot/internal/crypto"
	"github.com/alanyoungcy/exitbot/internal/domain"
)

const (
	orderPath  = "/api/v5/trade/order"
	tickerPath = "/api/v5/market/ticker"

	codeDuplicateClientID = "51016"
)

// errDuplicateOrder marks a submission refused because its client order id
// was already used.
var errDuplicateOrder = errors.New("duplicate client order id")

// Client is the authenticated REST client used to submit sell orders. It
// never retries: one Sell is at most one order on the exchange.
type Client struct {
	baseURL    string
	quote      string
	simulated  bool
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
	logger     *slog.Logger
	now        func() time.Time
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Quote     string // quote currency, e.g. "USDT"
	Simulated bool   // route to the exchange's demo trading environment
	Timeout   time.Duration
}

// NewClient creates a new exchange REST client.
//
// auth may be nil for a client that only serves public endpoints.
func NewClient(opts Options, auth *crypto.HMACAuth, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		quote:     opts.Quote,
		simulated: opts.Simulated,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		hmacAuth: auth,
		logger:   logger.With(slog.String("component", "exchange")),
		now:      time.Now,
	}
}

// InstrumentID returns the spot instrument for asset, e.g. "BTC-USDT".
func (c *Client) InstrumentID(asset string) string {
	return strings.ToUpper(asset) + "-" + c.quote
}

// Sell submits a sell order and reads back its fill. A rejected or
// unparseable submission returns an error and nothing may be assumed sold.
// Once the order is accepted Sell does not fail: if the fill cannot be read
// back the returned Fill is marked Estimated at the reference price. A
// resubmission with an already used ClientOrderID is answered with the fill
// of the earlier order.
func (c *Client) Sell(ctx context.Context, order domain.SellOrder) (domain.Fill, error) {
	if order.Quantity <= 0 {
		return domain.Fill{}, fmt.Errorf("exchange: sell %s: %w: quantity %v", order.Asset, domain.ErrInvalidRequest, order.Quantity)
	}
	if c.hmacAuth == nil {
		return domain.Fill{}, fmt.Errorf("exchange: sell %s: %w: no credentials", order.Asset, domain.ErrUnauthorized)
	}

	clOrdID := order.ClientOrderID
	if clOrdID == "" {
		clOrdID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	req := placeOrderRequest{
		InstID:  c.InstrumentID(order.Asset),
		TdMode:  "cash",
		Side:    "sell",
		OrdType: string(order.Type()),
		Sz:      formatAmount(order.Quantity),
		ClOrdID: clOrdID,
		TgtCcy:  "base_ccy",
	}
	if order.LimitPrice != nil {
		req.Px = formatAmount(*order.LimitPrice)
	}

	body, err := c.doAuthenticatedRequest(ctx, http.MethodPost, orderPath, req)
	if errors.Is(err, errDuplicateOrder) {
		return c.recoverDuplicate(ctx, req, order, err)
	}
	if err != nil {
		return domain.Fill{}, fmt.Errorf("exchange: place order %s: %w", req.InstID, err)
	}

	var results []placeOrderResult
	if err := json.Unmarshal(body, &results); err != nil || len(results) == 0 {
		return domain.Fill{}, fmt.Errorf("exchange: place order %s: %w: malformed response", req.InstID, domain.ErrOrderRejected)
	}
	placed := results[0]
	if placed.SCode == codeDuplicateClientID {
		return c.recoverDuplicate(ctx, req, order, fmt.Errorf("%w: %s", errDuplicateOrder, placed.SMsg))
	}
	if placed.SCode != "" && placed.SCode != "0" {
		return domain.Fill{}, fmt.Errorf("exchange: place order %s: %w: %s %s", req.InstID, domain.ErrOrderRejected, placed.SCode, placed.SMsg)
	}
	if placed.OrdID == "" {
		return domain.Fill{}, fmt.Errorf("exchange: place order %s: %w: missing order id", req.InstID, domain.ErrOrderRejected)
	}

	fill, err := c.readFill(ctx, req.InstID, "ordId", placed.OrdID, order)
	if err != nil {
		c.logger.Warn("fill readback failed, reporting estimated fill",
			slog.String("order_id", placed.OrdID),
			slog.String("inst_id", req.InstID),
			slog.String("error", err.Error()),
		)
		return domain.Fill{
			OrderID:   placed.OrdID,
			Price:     order.RefPrice,
			Quantity:  order.Quantity,
			FilledAt:  c.now(),
			Estimated: true,
		}, nil
	}
	return fill, nil
}

// recoverDuplicate looks up the order an earlier submission of req placed.
// The earlier order is not resubmitted; if it cannot be read the duplicate
// is reported as a rejection.
func (c *Client) recoverDuplicate(ctx context.Context, req placeOrderRequest, order domain.SellOrder, cause error) (domain.Fill, error) {
	fill, err := c.readFill(ctx, req.InstID, "clOrdId", req.ClOrdID, order)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("exchange: place order %s: %w: %w (lookup: %v)", req.InstID, domain.ErrOrderRejected, cause, err)
	}
	c.logger.Warn("order already placed, using its fill",
		slog.String("cl_ord_id", req.ClOrdID),
		slog.String("order_id", fill.OrderID),
	)
	return fill, nil
}

// readFill queries the order, by ordId or clOrdId, once for its average
// fill price, filled size and fee.
func (c *Client) readFill(ctx context.Context, instID, idParam, id string, order domain.SellOrder) (domain.Fill, error) {
	params := url.Values{}
	params.Set("instId", instID)
	params.Set(idParam, id)

	body, err := c.doAuthenticatedRequest(ctx, http.MethodGet, orderPath+"?"+params.Encode(), nil)
	if err != nil {
		return domain.Fill{}, err
	}

	var details []orderDetail
	if err := json.Unmarshal(body, &details); err != nil {
		return domain.Fill{}, fmt.Errorf("decode order: %w", err)
	}
	if len(details) == 0 {
		return domain.Fill{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	d := details[0]
	ordID := d.OrdID
	if ordID == "" {
		ordID = id
	}

	avgPx, err := parseDecimal(d.AvgPx)
	if err != nil {
		return domain.Fill{}, err
	}
	if !avgPx.IsPositive() {
		return domain.Fill{}, fmt.Errorf("order %s in state %q has no fill price yet", ordID, d.State)
	}
	filled, err := parseDecimal(d.AccFillSz)
	if err != nil {
		return domain.Fill{}, err
	}
	fee, err := parseDecimal(d.Fee)
	if err != nil {
		return domain.Fill{}, err
	}

	qty := filled.InexactFloat64()
	if qty <= 0 {
		qty = order.Quantity
	}
	filledAt := c.now()
	if ms, err := strconv.ParseInt(d.FillTime, 10, 64); err == nil && ms > 0 {
		filledAt = time.UnixMilli(ms)
	}

	return domain.Fill{
		OrderID:  ordID,
		Price:    avgPx.InexactFloat64(),
		Quantity: qty,
		Fee:      fee.Abs().InexactFloat64(),
		FilledAt: filledAt,
	}, nil
}

// doAuthenticatedRequest signs and sends a request and returns the data
// payload of a successful (code "0") response.
func (c *Client) doAuthenticatedRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.HeadersAt(method, path, bodyStr, c.now()) {
			req.Header.Set(k, v)
		}
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", domain.ErrOrderRejected, err)
	}
	if env.Code != "0" {
		return nil, codeError(env.Code, env.Msg, env.Data)
	}
	return env.Data, nil
}

// codeError maps a non-zero exchange code to a domain error. For order
// endpoints the per-order sMsg is more useful than the envelope message.
func codeError(code, msg string, data json.RawMessage) error {
	var results []placeOrderResult
	if json.Unmarshal(data, &results) == nil && len(results) > 0 {
		if results[0].SCode == codeDuplicateClientID {
			return fmt.Errorf("%w: %w: %s", domain.ErrOrderRejected, errDuplicateOrder, results[0].SMsg)
		}
		if results[0].SMsg != "" {
			msg = results[0].SCode + " " + results[0].SMsg
		}
	}
	switch code {
	case "50011", "50061":
		return fmt.Errorf("%w: code %s: %s", domain.ErrRateLimited, code, msg)
	case "50100", "50101", "50102", "50103", "50104", "50105", "50111", "50113":
		return fmt.Errorf("%w: code %s: %s", domain.ErrUnauthorized, code, msg)
	default:
		return fmt.Errorf("%w: code %s: %s", domain.ErrOrderRejected, code, msg)
	}
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrOrderRejected, statusCode, bodyStr)
	}
}
