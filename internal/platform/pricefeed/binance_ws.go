package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

type streamCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

type streamTick struct {
	price  float64
	volume float64
	at     time.Time
}

// BinanceStream keeps the latest mini-ticker per symbol from the Binance
// websocket stream. Assets are subscribed lazily on first Quote, and all
// subscriptions are restored after a reconnect.
type BinanceStream struct {
	wsURL   string
	quote   string
	symbols map[string]string
	maxAge  time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]struct{} // stream names, e.g. "btcusdt@miniTicker"
	nextID int64

	ticksMu sync.RWMutex
	ticks   map[string]streamTick // upper-case symbol -> latest tick

	now func() time.Time
}

// NewBinanceStream creates the stream source. Call Run to connect.
//
// wsURL is the raw stream endpoint, e.g. "wss://stream.binance.com:9443/ws".
func NewBinanceStream(wsURL, quote string, symbols map[string]string, maxAge time.Duration, logger *slog.Logger) *BinanceStream {
	return &BinanceStream{
		wsURL:   wsURL,
		quote:   quote,
		symbols: symbols,
		maxAge:  maxAge,
		logger:  logger.With(slog.String("component", "binance_ws")),
		subs:    make(map[string]struct{}),
		ticks:   make(map[string]streamTick),
		now:     time.Now,
	}
}

func (s *BinanceStream) Name() string { return "binance_ws" }

// Quote returns the latest streamed price for asset. The first call for an
// asset subscribes it and reports ErrPriceUnavailable until a tick arrives.
func (s *BinanceStream) Quote(_ context.Context, asset string) (domain.Quote, error) {
	symbol := strings.ToUpper(symbolFor(s.symbols, asset, func(a string) string { return a + s.quote }))

	s.ticksMu.RLock()
	tick, ok := s.ticks[symbol]
	s.ticksMu.RUnlock()

	if !ok {
		if err := s.subscribe(symbol); err != nil {
			s.logger.Debug("subscribe deferred",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return domain.Quote{}, fmt.Errorf("pricefeed/binance_ws: %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	if s.maxAge > 0 && s.now().Sub(tick.at) > s.maxAge {
		return domain.Quote{}, fmt.Errorf("pricefeed/binance_ws: %s last tick %s ago: %w",
			symbol, s.now().Sub(tick.at).Round(time.Millisecond), domain.ErrStalePrice)
	}
	return domain.Quote{Price: tick.price, Volume: tick.volume, At: tick.at, Source: s.Name()}, nil
}

// Run connects and reads the stream until ctx is cancelled, reconnecting
// with exponential backoff on failure.
func (s *BinanceStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection lifetime.
func (s *BinanceStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: connect: %v", domain.ErrWSDisconnect, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	streams := make([]string, 0, len(s.subs))
	for name := range s.subs {
		streams = append(streams, name)
	}
	var restoreErr error
	if len(streams) > 0 {
		restoreErr = s.sendLocked("SUBSCRIBE", streams)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	if restoreErr != nil {
		return fmt.Errorf("%w: restore subscriptions: %v", domain.ErrWSDisconnect, restoreErr)
	}
	s.logger.Info("stream connected", slog.Int("subscriptions", len(streams)))

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", domain.ErrWSDisconnect, err)
		}
		s.handleMessage(msg)
	}
}

func (s *BinanceStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// subscribe records the stream and sends SUBSCRIBE when connected. The
// subscription is kept even when the send fails and is restored on the next
// connect.
func (s *BinanceStream) subscribe(symbol string) error {
	name := strings.ToLower(symbol) + "@miniTicker"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[name]; ok {
		return nil
	}
	s.subs[name] = struct{}{}
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.sendLocked("SUBSCRIBE", []string{name})
}

// sendLocked writes a stream command. Caller must hold s.mu.
func (s *BinanceStream) sendLocked(method string, params []string) error {
	s.nextID++
	data, err := json.Marshal(streamCommand{Method: method, Params: params, ID: s.nextID})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage stores mini-ticker events; command acks and anything
// unparseable are dropped.
func (s *BinanceStream) handleMessage(raw []byte) {
	var t miniTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return
	}
	if t.Event != "24hrMiniTicker" || t.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(t.Close, 64)
	if err != nil || price <= 0 {
		return
	}
	volume, _ := strconv.ParseFloat(t.Volume, 64)

	at := s.now()
	if t.EventTime > 0 {
		at = time.UnixMilli(t.EventTime)
	}

	s.ticksMu.Lock()
	s.ticks[strings.ToUpper(t.Symbol)] = streamTick{price: price, volume: volume, at: at}
	s.ticksMu.Unlock()
}
