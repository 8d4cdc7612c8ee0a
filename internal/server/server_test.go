package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitbot/internal/domain"
	"github.com/alanyoungcy/exitbot/internal/server/handler"
	"github.com/alanyoungcy/exitbot/internal/service"
)

type nopStore struct{}

func (nopStore) Load(context.Context) (domain.Snapshot, error) { return domain.Snapshot{}, nil }
func (nopStore) Save(context.Context, domain.Snapshot) error   { return nil }

type queuedExits struct {
	tracker *service.PositionTracker
	reqs    []domain.ExitRequest
}

func (q *queuedExits) RequestExit(_ context.Context, req domain.ExitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if _, ok := q.tracker.Get(req.Asset); !ok {
		return domain.ErrNotFound
	}
	q.reqs = append(q.reqs, req)
	return nil
}

func (q *queuedExits) Pending(asset string) (domain.ExitRequest, bool) {
	for i := len(q.reqs) - 1; i >= 0; i-- {
		if q.reqs[i].Asset == asset {
			return q.reqs[i], true
		}
	}
	return domain.ExitRequest{}, false
}

const apiKey = "secret-key"

func newTestServer(t *testing.T, checks map[string]handler.HealthCheck) (http.Handler, *service.PositionTracker, *queuedExits) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := service.NewPositionTracker(nopStore{}, nil, service.DefaultPositionDefaults(), logger)
	exits := &queuedExits{tracker: tracker}
	srv := NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler("paper", nil, checks, logger),
		Positions: handler.NewPositionHandler(tracker, tracker, exits, logger),
	}, logger)
	return srv.Handler(), tracker, exits
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if authed {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h, _, _ := newTestServer(t, map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	rec := do(t, h, http.MethodGet, "/api/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "paper", body["mode"])
}

func TestHealthDegraded(t *testing.T) {
	h, _, _ := newTestServer(t, map[string]handler.HealthCheck{
		"redis": func(context.Context) error { return errors.New("down") },
	})
	rec := do(t, h, http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"down"`)
}

func TestAuthRequired(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/positions", "", false).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-API-Key", apiKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenListAndExit(t *testing.T) {
	h, tracker, exits := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/positions", `{"asset":"BTC","entry_price":67500,"quantity":0.1}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pos domain.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.InDelta(t, 60750, pos.StopLoss, 1e-9)

	rec = do(t, h, http.MethodPost, "/api/positions", `{"asset":"BTC","entry_price":1,"quantity":1}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/positions", `{"asset":"ETH","entry_price":-1,"quantity":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/positions", `{"asset":"ETH","bogus":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/positions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Positions []domain.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Positions, 1)
	assert.Equal(t, "BTC", list.Positions[0].TokenAddress)

	rec = do(t, h, http.MethodGet, "/api/positions/BTC", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pending_exit")
	rec = do(t, h, http.MethodGet, "/api/positions/DOGE", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/positions/closed", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/positions/BTC/exit", "", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/positions/BTC/exit", `{"reason":"whale_sell","fraction":0.5}`, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, exits.reqs, 2)
	assert.Equal(t, domain.ExitRequest{Asset: "BTC", Reason: domain.ExitManual, Fraction: 1}, exits.reqs[0])
	assert.Equal(t, domain.ExitRequest{Asset: "BTC", Reason: domain.ExitWhaleSell, Fraction: 0.5}, exits.reqs[1])

	rec = do(t, h, http.MethodGet, "/api/positions/BTC", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		TokenAddress string              `json:"token_address"`
		PendingExit  *domain.ExitRequest `json:"pending_exit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "BTC", view.TokenAddress)
	require.NotNil(t, view.PendingExit)
	assert.Equal(t, domain.ExitWhaleSell, view.PendingExit.Reason)

	rec = do(t, h, http.MethodPost, "/api/positions/BTC/exit", `{"reason":"panic"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/positions/SOL/exit", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, ok := tracker.Get("BTC")
	assert.True(t, ok, "queueing never mutates the position")
}

func TestCORSPreflight(t *testing.T) {
	h, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
