package pricefeed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

func TestBinanceSourceQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"67500.50","volume":"1234.5","closeTime":1700000000000}`))
	}))
	defer srv.Close()

	src := NewBinanceSource(srv.URL, "USDT", nil)
	q, err := src.Quote(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, 67500.50, q.Price)
	assert.Equal(t, 1234.5, q.Volume)
	assert.Equal(t, "binance", q.Source)
}

func TestBinanceSourceSymbolMapAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "1000PEPEUSDT":
			w.Write([]byte(`{"lastPrice":"0.0123","volume":"1"}`))
		case "LIMITED":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		}
	}))
	defer srv.Close()

	src := NewBinanceSource(srv.URL, "USDT", map[string]string{"PEPE": "1000PEPEUSDT", "RL": "LIMITED"})
	q, err := src.Quote(context.Background(), "PEPE")
	require.NoError(t, err)
	assert.Equal(t, 0.0123, q.Price)

	_, err = src.Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	_, err = src.Quote(context.Background(), "RL")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestCoinbaseSourceQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/prices/ETH-USD/spot", r.URL.Path)
		w.Write([]byte(`{"data":{"amount":"3100.25","base":"ETH","currency":"USD"}}`))
	}))
	defer srv.Close()

	q, err := NewCoinbaseSource(srv.URL, nil).Quote(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3100.25, q.Price)
	assert.Zero(t, q.Volume)
}

func TestCoinbaseSourceMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"amount":"n/a"}}`))
	}))
	defer srv.Close()

	_, err := NewCoinbaseSource(srv.URL, nil).Quote(context.Background(), "ETH")
	assert.Error(t, err)
}

func TestDexScreenerPicksMostLiquidPair(t *testing.T) {
	const token = "So11111111111111111111111111111111111111112"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/"+token, r.URL.Path)
		w.Write([]byte(`{"pairs":[
			{"priceUsd":"150.0","volume":{"h24":10},"liquidity":{"usd":1000}},
			{"priceUsd":"151.5","volume":{"h24":99000},"liquidity":{"usd":5000000}},
			{"priceUsd":"","volume":{"h24":1},"liquidity":{"usd":9000000}}
		]}`))
	}))
	defer srv.Close()

	src := NewDexScreenerSource(srv.URL, map[string]string{"SOL": token})
	q, err := src.Quote(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 151.5, q.Price)
	assert.Equal(t, 99000.0, q.Volume)

	_, err = src.Quote(context.Background(), "BTC")
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
}

func TestDexScreenerNoPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":null}`))
	}))
	defer srv.Close()

	_, err := NewDexScreenerSource(srv.URL, nil).Quote(context.Background(), strings.Repeat("a", 40))
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestBinanceStreamSubscribesAndServesTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var cmd streamCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			for _, stream := range cmd.Params {
				sym := strings.ToUpper(strings.TrimSuffix(stream, "@miniTicker"))
				tick, _ := json.Marshal(miniTicker{
					Event:     "24hrMiniTicker",
					EventTime: time.Now().UnixMilli(),
					Symbol:    sym,
					Close:     "64125.00",
					Volume:    "42",
				})
				if err := conn.WriteMessage(websocket.TextMessage, tick); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := NewBinanceStream(wsURL, "USDT", nil, time.Minute, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	_, err := stream.Quote(ctx, "BTC")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	require.Eventually(t, func() bool {
		q, err := stream.Quote(ctx, "BTC")
		return err == nil && q.Price == 64125.0 && q.Volume == 42
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBinanceStreamRejectsStaleTick(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := NewBinanceStream("ws://unused", "USDT", nil, time.Second, logger)

	old := time.Now().Add(-time.Minute).UnixMilli()
	raw, _ := json.Marshal(miniTicker{Event: "24hrMiniTicker", EventTime: old, Symbol: "ETHUSDT", Close: "3000", Volume: "1"})
	stream.handleMessage(raw)

	_, err := stream.Quote(context.Background(), "ETH")
	assert.ErrorIs(t, err, domain.ErrStalePrice)
}
