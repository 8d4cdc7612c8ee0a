package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// DustQuantity is the remainder below which a partial exit closes the
// position instead.
const DustQuantity = 1e-12

// PositionDefaults are applied to open requests that omit the optional
// fields. Ratios are multiples of the entry price.
type PositionDefaults struct {
	StopLossRatio     float64
	TakeProfitRatios  []float64
	TrailingStopRatio float64
	ConfidenceScore   float64
}

// DefaultPositionDefaults returns stop 0.9x, take-profits 1.1x/1.25x/1.5x and
// trailing stop 0.95x of entry.
func DefaultPositionDefaults() PositionDefaults {
	return PositionDefaults{
		StopLossRatio:     0.9,
		TakeProfitRatios:  []float64{1.1, 1.25, 1.5},
		TrailingStopRatio: 0.95,
		ConfidenceScore:   0.5,
	}
}

// Adjuster transforms a freshly re-priced position copy before it is stored,
// e.g. a trailing stop update.
type Adjuster func(domain.Position) domain.Position

// PositionTracker owns the only mutable copy of position state. All
// mutations are serialised by one write lock, held through the durable save
// so the store always sees a consistent snapshot. Bus events are published
// after the lock is released. Reads hand out copies.
type PositionTracker struct {
	store    domain.PositionStore
	bus      domain.SignalBus
	defaults PositionDefaults
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	active map[string]domain.Position // keyed by asset
	closed []domain.ClosedPosition
}

// NewPositionTracker creates an empty tracker. bus may be nil. Call Load to
// restore persisted state.
func NewPositionTracker(store domain.PositionStore, bus domain.SignalBus, defaults PositionDefaults, logger *slog.Logger) *PositionTracker {
	return &PositionTracker{
		store:    store,
		bus:      bus,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "position_tracker")),
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]domain.Position),
	}
}

// Load replaces in-memory state with the persisted snapshot. Records that
// violate invariants, and duplicate active assets, are skipped with a
// warning.
func (t *PositionTracker) Load(ctx context.Context) error {
	snap, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("position_tracker: load: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = make(map[string]domain.Position, len(snap.Active))
	for _, p := range snap.Active {
		if err := p.Validate(); err != nil {
			t.logger.WarnContext(ctx, "position_tracker: skipping invalid persisted position",
				slog.String("asset", p.TokenAddress),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, dup := t.active[p.TokenAddress]; dup {
			t.logger.WarnContext(ctx, "position_tracker: skipping duplicate persisted position",
				slog.String("asset", p.TokenAddress),
				slog.String("position_id", p.ID),
			)
			continue
		}
		p.IsActive = true
		t.active[p.TokenAddress] = p
	}
	t.closed = snap.Closed

	t.logger.InfoContext(ctx, "position_tracker: state loaded",
		slog.Int("active", len(t.active)),
		slog.Int("closed", len(t.closed)),
	)
	return nil
}

// Open creates a position from req, filling omitted fields from the
// defaults. An asset may have at most one active position.
func (t *PositionTracker) Open(ctx context.Context, req domain.OpenRequest) (domain.Position, error) {
	asset := strings.TrimSpace(req.Asset)
	switch {
	case asset == "":
		return domain.Position{}, fmt.Errorf("position_tracker: open: %w: asset is required", domain.ErrInvalidRequest)
	case req.EntryPrice <= 0:
		return domain.Position{}, fmt.Errorf("position_tracker: open %s: %w: entry_price must be positive", asset, domain.ErrInvalidRequest)
	case req.Quantity <= 0:
		return domain.Position{}, fmt.Errorf("position_tracker: open %s: %w: quantity must be positive", asset, domain.ErrInvalidRequest)
	case req.StopLoss != nil && *req.StopLoss <= 0:
		return domain.Position{}, fmt.Errorf("position_tracker: open %s: %w: stop_loss must be positive", asset, domain.ErrInvalidRequest)
	case req.ConfidenceScore != nil && (*req.ConfidenceScore < 0 || *req.ConfidenceScore > 1):
		return domain.Position{}, fmt.Errorf("position_tracker: open %s: %w: confidence_score must be in [0,1]", asset, domain.ErrInvalidRequest)
	}
	for _, tp := range req.TakeProfitLevels {
		if tp <= 0 {
			return domain.Position{}, fmt.Errorf("position_tracker: open %s: %w: take_profit_levels must be positive", asset, domain.ErrInvalidRequest)
		}
	}

	now := t.now()
	entry := req.EntryPrice
	pos := domain.Position{
		ID:               uuid.NewString(),
		TokenAddress:     asset,
		EntryPrice:       entry,
		CurrentPrice:     entry,
		Quantity:         req.Quantity,
		StopLoss:         entry * t.defaults.StopLossRatio,
		TrailingStop:     entry * t.defaults.TrailingStopRatio,
		MaxPriceSeen:     entry,
		EntryTime:        now,
		LastUpdate:       now,
		OriginalWallet:   req.WalletTag,
		ConfidenceScore:  t.defaults.ConfidenceScore,
		IsActive:         true,
		TakeProfitLevels: make([]float64, 0, len(t.defaults.TakeProfitRatios)),
	}
	if req.StopLoss != nil {
		pos.StopLoss = *req.StopLoss
	}
	if len(req.TakeProfitLevels) > 0 {
		pos.TakeProfitLevels = append(pos.TakeProfitLevels, req.TakeProfitLevels...)
	} else {
		for _, r := range t.defaults.TakeProfitRatios {
			pos.TakeProfitLevels = append(pos.TakeProfitLevels, entry*r)
		}
	}
	if req.ConfidenceScore != nil {
		pos.ConfidenceScore = *req.ConfidenceScore
	}

	t.mu.Lock()
	if existing, ok := t.active[asset]; ok {
		t.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_tracker: open %s: %w (position %s)", asset, domain.ErrAlreadyExists, existing.ID)
	}
	t.active[asset] = pos
	t.persistLocked(ctx)
	t.mu.Unlock()

	t.publish(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"asset":       pos.TokenAddress,
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
	})
	t.logger.InfoContext(ctx, "position_tracker: position opened",
		slog.String("position_id", pos.ID),
		slog.String("asset", pos.TokenAddress),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
	)
	return pos.Clone(), nil
}

// Update re-prices the active position for asset, applies the adjusters in
// order, persists, and returns the new state.
func (t *PositionTracker) Update(ctx context.Context, asset string, price float64, adjust ...Adjuster) (domain.Position, error) {
	if price <= 0 {
		return domain.Position{}, fmt.Errorf("position_tracker: update %s: %w: price %v", asset, domain.ErrInvalidRequest, price)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.active[asset]
	if !ok {
		return domain.Position{}, fmt.Errorf("position_tracker: update %s: %w", asset, domain.ErrNotFound)
	}

	pos.ApplyPrice(price, t.now())
	for _, fn := range adjust {
		pos = fn(pos)
	}
	if err := pos.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position_tracker: update %s: %w", asset, err)
	}

	t.active[asset] = pos
	t.persistLocked(ctx)
	return pos.Clone(), nil
}

// ReduceQuantity applies a partial exit. When the remainder would be dust
// the position is closed with exec instead; the returned position then has
// IsActive false.
func (t *PositionTracker) ReduceQuantity(ctx context.Context, asset string, exec domain.ExitExecution) (domain.Position, error) {
	if exec.QuantitySold <= 0 {
		return domain.Position{}, fmt.Errorf("position_tracker: reduce %s: %w: quantity_sold %v", asset, domain.ErrInvalidRequest, exec.QuantitySold)
	}

	t.mu.Lock()
	pos, ok := t.active[asset]
	if !ok {
		t.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_tracker: reduce %s: %w", asset, domain.ErrNotFound)
	}

	remaining := pos.Quantity - exec.QuantitySold
	if remaining <= DustQuantity {
		final := t.closeLocked(ctx, pos, exec)
		t.mu.Unlock()
		t.announceClose(ctx, final, exec)
		return final, nil
	}

	pos.Quantity = remaining
	pos.ApplyPrice(pos.CurrentPrice, t.now())
	t.active[asset] = pos
	t.persistLocked(ctx)
	t.mu.Unlock()

	t.publish(ctx, "position_reduced", map[string]any{
		"position_id":   pos.ID,
		"asset":         asset,
		"quantity_sold": exec.QuantitySold,
		"remaining":     remaining,
		"reason":        string(exec.ExitReason),
	})
	t.logger.InfoContext(ctx, "position_tracker: position reduced",
		slog.String("position_id", pos.ID),
		slog.String("asset", asset),
		slog.Float64("quantity_sold", exec.QuantitySold),
		slog.Float64("remaining", remaining),
	)
	return pos.Clone(), nil
}

// Close removes the active position for asset, appends its closed record
// built from exec, and persists both collections.
func (t *PositionTracker) Close(ctx context.Context, asset string, exec domain.ExitExecution) (domain.Position, error) {
	t.mu.Lock()
	pos, ok := t.active[asset]
	if !ok {
		t.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_tracker: close %s: %w", asset, domain.ErrNotFound)
	}
	final := t.closeLocked(ctx, pos, exec)
	t.mu.Unlock()

	t.announceClose(ctx, final, exec)
	return final, nil
}

// closeLocked requires t.mu held for writing. The caller announces the
// close with announceClose after unlocking.
func (t *PositionTracker) closeLocked(ctx context.Context, pos domain.Position, exec domain.ExitExecution) domain.Position {
	delete(t.active, pos.TokenAddress)

	final := pos.Clone()
	final.IsActive = false
	if exec.ExitPrice > 0 {
		final.CurrentPrice = exec.ExitPrice
	}
	closedAt := exec.ExecutionTime
	if closedAt.IsZero() {
		closedAt = t.now()
	}
	final.LastUpdate = closedAt

	t.closed = append(t.closed, domain.ClosedPosition{
		Position:       final,
		ExitPrice:      exec.ExitPrice,
		RealizedPnL:    exec.RealizedPnL,
		RealizedPnLPct: exec.RealizedPnLPct,
		ExitReason:     exec.ExitReason,
		ClosedAt:       closedAt,
		TxReference:    exec.TxReference,
	})
	t.persistLocked(ctx)
	return final
}

// announceClose publishes and logs a close. It must run without t.mu held.
func (t *PositionTracker) announceClose(ctx context.Context, final domain.Position, exec domain.ExitExecution) {
	t.publish(ctx, "position_closed", map[string]any{
		"position_id":  final.ID,
		"asset":        final.TokenAddress,
		"exit_price":   exec.ExitPrice,
		"realized_pnl": exec.RealizedPnL,
		"reason":       string(exec.ExitReason),
	})
	t.logger.InfoContext(ctx, "position_tracker: position closed",
		slog.String("position_id", final.ID),
		slog.String("asset", final.TokenAddress),
		slog.Float64("exit_price", exec.ExitPrice),
		slog.Float64("realized_pnl", exec.RealizedPnL),
		slog.String("reason", string(exec.ExitReason)),
	)
}

// Get returns a copy of the active position for asset.
func (t *PositionTracker) Get(asset string) (domain.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.active[asset]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// ListActive returns copies of all active positions ordered by entry time.
func (t *PositionTracker) ListActive() []domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeSortedLocked()
}

// ListClosed returns a copy of the closed records in closing order.
func (t *PositionTracker) ListClosed() []domain.ClosedPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.ClosedPosition, len(t.closed))
	for i, c := range t.closed {
		c.Position = c.Position.Clone()
		out[i] = c
	}
	return out
}

func (t *PositionTracker) activeSortedLocked() []domain.Position {
	out := make([]domain.Position, 0, len(t.active))
	for _, p := range t.active {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].TokenAddress < out[j].TokenAddress
	})
	return out
}

// persistLocked writes the full snapshot. A failed save is logged and the
// in-memory state stays authoritative until the next successful write.
func (t *PositionTracker) persistLocked(ctx context.Context) {
	snap := domain.Snapshot{
		Active: t.activeSortedLocked(),
		Closed: append([]domain.ClosedPosition(nil), t.closed...),
	}
	if err := t.store.Save(ctx, snap); err != nil {
		t.logger.ErrorContext(ctx, "position_tracker: save failed",
			slog.Int("active", len(snap.Active)),
			slog.Int("closed", len(snap.Closed)),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends an event on the positions channel. Callers must not hold t.mu.
func (t *PositionTracker) publish(ctx context.Context, event string, fields map[string]any) {
	if t.bus == nil {
		return
	}
	fields["event"] = event
	payload, _ := json.Marshal(fields)
	if err := t.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		t.logger.WarnContext(ctx, "position_tracker: publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
