// Package executor runs the exit monitoring loop: every cycle it prices each
// active position, updates indicators and trailing stops, asks the strategy
// engine for a decision and executes sells.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/exitbot/internal/domain"
	"github.com/alanyoungcy/exitbot/internal/notify"
	"github.com/alanyoungcy/exitbot/internal/service"
	"github.com/alanyoungcy/exitbot/internal/strategy"
)

// PriceQuoter supplies the aggregated price for an asset.
type PriceQuoter interface {
	Quote(ctx context.Context, asset string) (domain.Quote, error)
}

// cacheInvalidator is implemented by quoters that cache prices.
type cacheInvalidator interface {
	Invalidate(asset string)
}

// Notifier receives operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the monitoring loop.
type Config struct {
	Interval        time.Duration
	PositionTimeout time.Duration
	TrailingStyle   strategy.Style
	// AlertWindow limits exit_failed alerts to one per asset per window.
	AlertWindow time.Duration
}

// DefaultConfig returns a 2s cycle with a 10s per-position budget.
func DefaultConfig() Config {
	return Config{
		Interval:        2 * time.Second,
		PositionTimeout: 10 * time.Second,
		TrailingStyle:   strategy.StyleModerate,
		AlertWindow:     5 * time.Minute,
	}
}

// Deps are the collaborators of the exit manager. Bus, Audit and Notifier
// are optional.
type Deps struct {
	Oracle   PriceQuoter
	Analyzer *strategy.TechnicalAnalyzer
	Trailing *strategy.TrailingStopManager
	Engine   *strategy.ExitStrategyEngine
	Tracker  *service.PositionTracker
	Orders   domain.OrderExecutor
	Audit    domain.ExitLog
	Bus      domain.SignalBus
	Notifier Notifier
}

// CycleStats summarises one RunCycle.
type CycleStats struct {
	Evaluated int
	Skipped   int
	Held      int
	Exited    int
	Failed    int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeHeld
	outcomeExited
	outcomeFailed
)

// ExitManager drives the monitoring loop. Positions are evaluated
// concurrently within a cycle, and the cycle waits for all of them.
type ExitManager struct {
	deps     Deps
	cfg      Config
	failures *Dedup
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]domain.ExitRequest

	cycles atomic.Uint64
}

// NewExitManager creates an ExitManager. Zero config fields take the
// defaults.
func NewExitManager(deps Deps, cfg Config, logger *slog.Logger) *ExitManager {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PositionTimeout <= 0 {
		cfg.PositionTimeout = def.PositionTimeout
	}
	if cfg.TrailingStyle == "" {
		cfg.TrailingStyle = def.TrailingStyle
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = def.AlertWindow
	}
	return &ExitManager{
		deps:     deps,
		cfg:      cfg,
		failures: NewDedup(cfg.AlertWindow),
		logger:   logger.With(slog.String("component", "exit_manager")),
		now:      func() time.Time { return time.Now().UTC() },
		pending:  make(map[string]domain.ExitRequest),
	}
}

// RequestExit queues an out-of-band exit (manual, whale sell, market crash)
// that replaces the strategy decision for that asset on the next cycle. A
// newer request for the same asset replaces an older one.
func (m *ExitManager) RequestExit(ctx context.Context, req domain.ExitRequest) error {
	req.Asset = strings.TrimSpace(req.Asset)
	if err := req.Validate(); err != nil {
		return fmt.Errorf("exit_manager: request exit: %w", err)
	}
	if _, ok := m.deps.Tracker.Get(req.Asset); !ok {
		return fmt.Errorf("exit_manager: request exit %s: %w", req.Asset, domain.ErrNotFound)
	}

	m.mu.Lock()
	m.pending[req.Asset] = req
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "exit_manager: exit requested",
		slog.String("asset", req.Asset),
		slog.String("reason", string(req.Reason)),
		slog.Float64("fraction", req.Fraction),
	)
	return nil
}

// Pending returns the queued request for asset, if any.
func (m *ExitManager) Pending(asset string) (domain.ExitRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.pending[asset]
	return r, ok
}

func (m *ExitManager) takeRequest(asset string) (domain.ExitRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.pending[asset]
	if ok {
		delete(m.pending, asset)
	}
	return r, ok
}

// requeue puts a consumed request back unless a newer one arrived meanwhile.
func (m *ExitManager) requeue(req domain.ExitRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[req.Asset]; !ok {
		m.pending[req.Asset] = req
	}
}

// Cycles returns how many cycles have completed.
func (m *ExitManager) Cycles() uint64 {
	return m.cycles.Load()
}

// Run executes RunCycle every interval until ctx is cancelled.
func (m *ExitManager) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "exit_manager: started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("position_timeout", m.cfg.PositionTimeout),
		slog.String("trailing_style", string(m.cfg.TrailingStyle)),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "exit_manager: stopped", slog.Uint64("cycles", m.Cycles()))
			return nil
		case <-ticker.C:
			stats := m.RunCycle(ctx)
			if stats.Exited > 0 || stats.Failed > 0 {
				m.logger.InfoContext(ctx, "exit_manager: cycle complete",
					slog.Int("evaluated", stats.Evaluated),
					slog.Int("exited", stats.Exited),
					slog.Int("failed", stats.Failed),
					slog.Int("skipped", stats.Skipped),
				)
			}
			if m.Cycles()%100 == 0 {
				m.failures.Cleanup()
			}
		}
	}
}

// RunCycle evaluates every active position once and waits for all of them.
// Per-position failures are logged and counted; they never abort the cycle.
func (m *ExitManager) RunCycle(ctx context.Context) CycleStats {
	positions := m.deps.Tracker.ListActive()
	outcomes := make([]outcome, len(positions))

	var g errgroup.Group
	for i, pos := range positions {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.PositionTimeout)
			defer cancel()
			outcomes[i] = m.evaluate(pctx, pos)
			return nil
		})
	}
	_ = g.Wait()
	m.cycles.Add(1)

	stats := CycleStats{Evaluated: len(positions)}
	for _, o := range outcomes {
		switch o {
		case outcomeSkipped:
			stats.Skipped++
		case outcomeHeld:
			stats.Held++
		case outcomeExited:
			stats.Exited++
		case outcomeFailed:
			stats.Failed++
		}
	}
	return stats
}

// evaluate runs the ordered pipeline for one position: price, indicators,
// trailing stop, decision, execution, persistence.
func (m *ExitManager) evaluate(ctx context.Context, pos domain.Position) outcome {
	asset := pos.TokenAddress

	q, err := m.deps.Oracle.Quote(ctx, asset)
	if err != nil {
		m.logger.WarnContext(ctx, "exit_manager: price unavailable, skipping",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		return outcomeSkipped
	}

	ts := q.At
	if ts.IsZero() {
		ts = m.now()
	}
	m.deps.Analyzer.RecordQuote(asset, q.Price, q.Volume, ts)

	updated, err := m.deps.Tracker.Update(ctx, asset, q.Price, m.deps.Trailing.Adjuster(m.cfg.TrailingStyle))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.ErrorContext(ctx, "exit_manager: position update failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
		return outcomeSkipped
	}

	var decision domain.Decision
	req, requested := m.takeRequest(asset)
	if requested {
		decision = domain.Decision{ShouldExit: true, Reason: req.Reason, Fraction: req.Fraction}
	} else {
		decision = m.deps.Engine.Decide(updated, m.deps.Analyzer.Snapshot(asset, m.now()))
	}
	if !decision.ShouldExit {
		return outcomeHeld
	}

	if err := m.execute(ctx, updated, decision, q.Price); err != nil {
		if requested {
			m.requeue(req)
		}
		return outcomeFailed
	}
	return outcomeExited
}

// execute sells decision.Fraction of pos and records the result. On order
// failure the position is left untouched and the error returned.
func (m *ExitManager) execute(ctx context.Context, pos domain.Position, d domain.Decision, refPrice float64) error {
	asset := pos.TokenAddress
	full := d.Fraction >= 1
	qty := pos.Quantity
	if !full {
		qty = pos.Quantity * d.Fraction
	}

	fill, err := m.deps.Orders.Sell(ctx, domain.SellOrder{
		Asset:         asset,
		Quantity:      qty,
		RefPrice:      refPrice,
		ClientOrderID: clientOrderID(pos.ID, d.Reason, qty),
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "exit_manager: sell failed",
			slog.String("asset", asset),
			slog.String("position_id", pos.ID),
			slog.String("reason", string(d.Reason)),
			slog.Float64("quantity", qty),
			slog.String("error", err.Error()),
		)
		if !m.failures.IsDuplicate(asset) {
			title, msg := notify.FormatExitFailure(asset, d.Reason, err)
			m.alert(ctx, notify.EventExitFailed, title, msg)
		}
		return err
	}
	m.failures.Forget(asset)

	exec := buildExecution(pos, d, fill, qty, refPrice, m.now())
	if full && exec.QuantitySold < pos.Quantity-service.DustQuantity {
		// Short fill: keep the unsold remainder tracked for the next cycle.
		full = false
		exec.Partial = true
		m.logger.WarnContext(ctx, "exit_manager: order filled short, keeping remainder",
			slog.String("asset", asset),
			slog.Float64("requested", qty),
			slog.Float64("filled", exec.QuantitySold),
		)
	}
	if inv, ok := m.deps.Oracle.(cacheInvalidator); ok {
		inv.Invalidate(asset)
	}

	var after domain.Position
	if full {
		after, err = m.deps.Tracker.Close(ctx, asset, exec)
	} else {
		after, err = m.deps.Tracker.ReduceQuantity(ctx, asset, exec)
	}
	if err != nil {
		// The sell already went through; the record must still be audited.
		m.logger.ErrorContext(ctx, "exit_manager: position bookkeeping failed after sell",
			slog.String("asset", asset),
			slog.String("tx_reference", exec.TxReference),
			slog.String("error", err.Error()),
		)
	}
	if !after.IsActive {
		exec.Partial = false
		m.deps.Analyzer.Forget(asset)
	}

	m.record(ctx, exec)
	m.logger.InfoContext(ctx, "exit_manager: exit executed",
		slog.String("asset", asset),
		slog.String("position_id", pos.ID),
		slog.String("reason", string(exec.ExitReason)),
		slog.Float64("quantity_sold", exec.QuantitySold),
		slog.Float64("exit_price", exec.ExitPrice),
		slog.Float64("realized_pnl", exec.RealizedPnL),
		slog.Bool("partial", exec.Partial),
		slog.Bool("estimated", exec.Estimated),
	)
	return nil
}

// sellNamespace scopes client order ids to this service.
var sellNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("exitbot/sell-order"))

// clientOrderID is stable for a given position, reason and quantity, so a
// resubmitted sell is refused by the exchange as a duplicate.
func clientOrderID(positionID string, reason domain.ExitReason, qty float64) string {
	key := positionID + "|" + string(reason) + "|" + strconv.FormatFloat(qty, 'f', -1, 64)
	return strings.ReplaceAll(uuid.NewSHA1(sellNamespace, []byte(key)).String(), "-", "")
}

func buildExecution(pos domain.Position, d domain.Decision, fill domain.Fill, qty, refPrice float64, now time.Time) domain.ExitExecution {
	price := fill.Price
	if price <= 0 {
		price = refPrice
	}
	sold := fill.Quantity
	if sold <= 0 {
		sold = qty
	}
	at := fill.FilledAt
	if at.IsZero() {
		at = now
	}

	exec := domain.ExitExecution{
		ID:             uuid.NewString(),
		PositionID:     pos.ID,
		TokenAddress:   pos.TokenAddress,
		ExitPrice:      price,
		QuantitySold:   sold,
		RealizedPnL:    (price - pos.EntryPrice) * sold,
		RealizedPnLPct: (price - pos.EntryPrice) / pos.EntryPrice * 100,
		ExitReason:     d.Reason,
		ExecutionTime:  at,
		TxReference:    fill.OrderID,
		GasUsed:        fill.Fee,
		Partial:        d.Fraction < 1,
		Estimated:      fill.Estimated,
	}
	if refPrice > 0 {
		exec.SlippageActual = (refPrice - price) / refPrice * 100
	}
	return exec
}

// record appends exec to the audit log and fans it out to the bus and the
// notifier. All three are best-effort.
func (m *ExitManager) record(ctx context.Context, exec domain.ExitExecution) {
	if m.deps.Audit != nil {
		if err := m.deps.Audit.Append(ctx, exec); err != nil {
			m.logger.ErrorContext(ctx, "exit_manager: audit append failed",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if m.deps.Bus != nil {
		payload, _ := json.Marshal(exec)
		if err := m.deps.Bus.StreamAppend(ctx, domain.StreamExitExecution, payload); err != nil {
			m.logger.WarnContext(ctx, "exit_manager: stream append failed", slog.String("error", err.Error()))
		}
		evt, _ := json.Marshal(map[string]any{
			"event":     "exit_executed",
			"execution": exec,
		})
		if err := m.deps.Bus.Publish(ctx, domain.ChannelExits, evt); err != nil {
			m.logger.WarnContext(ctx, "exit_manager: publish event failed", slog.String("error", err.Error()))
		}
	}

	title, msg := notify.FormatExit(exec)
	m.alert(ctx, notify.EventExitExecuted, title, msg)
}

func (m *ExitManager) alert(ctx context.Context, event, title, msg string) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
		m.logger.WarnContext(ctx, "exit_manager: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
