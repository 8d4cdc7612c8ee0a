package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

type memStore struct {
	mu    sync.Mutex
	snap  domain.Snapshot
	saves int
	fail  bool
}

func (m *memStore) Load(context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memStore) Save(_ context.Context, s domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.fail {
		return errors.New("disk full")
	}
	m.snap = s
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []map[string]any
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	m["_channel"] = channel
	b.mu.Lock()
	b.events = append(b.events, m)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e["event"].(string)
	}
	return out
}

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(store domain.PositionStore, bus domain.SignalBus) *PositionTracker {
	t := NewPositionTracker(store, bus, DefaultPositionDefaults(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.now = func() time.Time { return testNow }
	return t
}

func TestOpenAppliesDefaults(t *testing.T) {
	store := &memStore{}
	tr := newTestTracker(store, nil)

	pos, err := tr.Open(context.Background(), domain.OpenRequest{Asset: "BTC", EntryPrice: 67500, Quantity: 0.1})
	require.NoError(t, err)

	assert.NotEmpty(t, pos.ID)
	assert.True(t, pos.IsActive)
	assert.InDelta(t, 60750, pos.StopLoss, 1e-9)
	assert.InDelta(t, 64125, pos.TrailingStop, 1e-9)
	require.Len(t, pos.TakeProfitLevels, 3)
	assert.InDelta(t, 74250, pos.TakeProfitLevels[0], 1e-9)
	assert.InDelta(t, 84375, pos.TakeProfitLevels[1], 1e-9)
	assert.InDelta(t, 101250, pos.TakeProfitLevels[2], 1e-9)
	assert.Equal(t, 67500.0, pos.MaxPriceSeen)
	assert.Equal(t, 0.5, pos.ConfidenceScore)
	assert.Equal(t, testNow, pos.EntryTime)

	require.Len(t, store.snap.Active, 1)
	assert.Equal(t, "BTC", store.snap.Active[0].TokenAddress)
}

func TestOpenHonoursExplicitFields(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	stop := 50.0
	conf := 0.9
	pos, err := tr.Open(context.Background(), domain.OpenRequest{
		Asset:            "SOL",
		EntryPrice:       100,
		Quantity:         3,
		StopLoss:         &stop,
		TakeProfitLevels: []float64{130},
		ConfidenceScore:  &conf,
		WalletTag:        "whale-7",
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, pos.StopLoss)
	assert.Equal(t, []float64{130}, pos.TakeProfitLevels)
	assert.Equal(t, 0.9, pos.ConfidenceScore)
	assert.Equal(t, "whale-7", pos.OriginalWallet)
}

func TestOpenRejects(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	ctx := context.Background()

	_, err := tr.Open(ctx, domain.OpenRequest{Asset: "BTC", EntryPrice: 100, Quantity: 1})
	require.NoError(t, err)

	_, err = tr.Open(ctx, domain.OpenRequest{Asset: "BTC", EntryPrice: 200, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	neg := -1.0
	bad := []domain.OpenRequest{
		{Asset: "", EntryPrice: 1, Quantity: 1},
		{Asset: "ETH", EntryPrice: 0, Quantity: 1},
		{Asset: "ETH", EntryPrice: 1, Quantity: 0},
		{Asset: "ETH", EntryPrice: 1, Quantity: 1, StopLoss: &neg},
		{Asset: "ETH", EntryPrice: 1, Quantity: 1, TakeProfitLevels: []float64{2, -1}},
	}
	for _, req := range bad {
		_, err := tr.Open(ctx, req)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, "%+v", req)
	}
	assert.Len(t, tr.ListActive(), 1)
}

func TestUpdateRepricesAndAdjusts(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	ctx := context.Background()
	_, err := tr.Open(ctx, domain.OpenRequest{Asset: "BTC", EntryPrice: 67500, Quantity: 0.1})
	require.NoError(t, err)

	raise := func(p domain.Position) domain.Position {
		p.TrailingStop = p.MaxPriceSeen * 0.92
		return p
	}
	pos, err := tr.Update(ctx, "BTC", 80000, raise)
	require.NoError(t, err)
	assert.InDelta(t, 1250, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 18.518518518, pos.UnrealizedPnLPct, 1e-6)
	assert.Equal(t, 80000.0, pos.MaxPriceSeen)
	assert.InDelta(t, 73600, pos.TrailingStop, 1e-9)

	pos, err = tr.Update(ctx, "BTC", 70000)
	require.NoError(t, err)
	assert.Equal(t, 80000.0, pos.MaxPriceSeen)
	assert.Equal(t, 70000.0, pos.CurrentPrice)

	_, err = tr.Update(ctx, "DOGE", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = tr.Update(ctx, "BTC", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUpdateRejectsInvariantBreak(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	ctx := context.Background()
	_, err := tr.Open(ctx, domain.OpenRequest{Asset: "BTC", EntryPrice: 100, Quantity: 1})
	require.NoError(t, err)

	broken := func(p domain.Position) domain.Position {
		p.TrailingStop = p.MaxPriceSeen + 1
		return p
	}
	_, err = tr.Update(ctx, "BTC", 101, broken)
	assert.ErrorIs(t, err, domain.ErrInvariant)

	pos, ok := tr.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, 100.0, pos.CurrentPrice, "failed update leaves state untouched")
}

func TestPartialExitThenClose(t *testing.T) {
	store := &memStore{}
	bus := &recordingBus{}
	tr := newTestTracker(store, bus)
	ctx := context.Background()
	_, err := tr.Open(ctx, domain.OpenRequest{Asset: "ETH", EntryPrice: 2000, Quantity: 2})
	require.NoError(t, err)

	pos, err := tr.ReduceQuantity(ctx, "ETH", domain.ExitExecution{QuantitySold: 1, ExitPrice: 2500, ExitReason: domain.ExitVolumeSpike})
	require.NoError(t, err)
	assert.True(t, pos.IsActive)
	assert.Equal(t, 1.0, pos.Quantity)

	exec := domain.ExitExecution{
		QuantitySold:  1,
		ExitPrice:     2600,
		RealizedPnL:   600,
		ExitReason:    domain.ExitTakeProfit,
		ExecutionTime: testNow.Add(time.Minute),
		TxReference:   "ord-1",
	}
	pos, err = tr.Close(ctx, "ETH", exec)
	require.NoError(t, err)
	assert.False(t, pos.IsActive)

	_, ok := tr.Get("ETH")
	assert.False(t, ok)
	closed := tr.ListClosed()
	require.Len(t, closed, 1)
	assert.Equal(t, 2600.0, closed[0].ExitPrice)
	assert.Equal(t, domain.ExitTakeProfit, closed[0].ExitReason)
	assert.Equal(t, "ord-1", closed[0].TxReference)
	assert.Equal(t, testNow.Add(time.Minute), closed[0].ClosedAt)

	assert.Empty(t, store.snap.Active)
	assert.Len(t, store.snap.Closed, 1)
	assert.Equal(t, []string{"position_opened", "position_reduced", "position_closed"}, bus.names())

	_, err = tr.Close(ctx, "ETH", exec)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReduceToDustCloses(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	ctx := context.Background()
	_, err := tr.Open(ctx, domain.OpenRequest{Asset: "ETH", EntryPrice: 2000, Quantity: 1})
	require.NoError(t, err)

	pos, err := tr.ReduceQuantity(ctx, "ETH", domain.ExitExecution{QuantitySold: 1 - 1e-13, ExitPrice: 2100})
	require.NoError(t, err)
	assert.False(t, pos.IsActive)
	assert.Empty(t, tr.ListActive())
	assert.Len(t, tr.ListClosed(), 1)
}

func TestSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	store := &memStore{fail: true}
	tr := newTestTracker(store, nil)
	ctx := context.Background()

	pos, err := tr.Open(ctx, domain.OpenRequest{Asset: "BTC", EntryPrice: 100, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)

	got, ok := tr.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, pos.ID, got.ID)

	store.fail = false
	_, err = tr.Update(ctx, "BTC", 110)
	require.NoError(t, err)
	require.Len(t, store.snap.Active, 1)
	assert.Equal(t, 110.0, store.snap.Active[0].CurrentPrice)
}

func TestLoadSkipsInvalidAndDuplicates(t *testing.T) {
	good := domain.Position{ID: "a", TokenAddress: "BTC", EntryPrice: 100, CurrentPrice: 100, Quantity: 1, MaxPriceSeen: 100, TrailingStop: 95, IsActive: true}
	dup := good
	dup.ID = "b"
	invalid := domain.Position{ID: "c", TokenAddress: "ETH", EntryPrice: 0, Quantity: 1, IsActive: true}
	store := &memStore{snap: domain.Snapshot{
		Active: []domain.Position{good, dup, invalid},
		Closed: []domain.ClosedPosition{{Position: domain.Position{ID: "z", TokenAddress: "SOL", EntryPrice: 1}}},
	}}

	tr := newTestTracker(store, nil)
	require.NoError(t, tr.Load(context.Background()))

	active := tr.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
	assert.Len(t, tr.ListClosed(), 1)
}

func TestReadsReturnCopies(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	_, err := tr.Open(context.Background(), domain.OpenRequest{Asset: "BTC", EntryPrice: 100, Quantity: 1})
	require.NoError(t, err)

	pos, _ := tr.Get("BTC")
	pos.TakeProfitLevels[0] = 1
	pos.Quantity = 99

	again, _ := tr.Get("BTC")
	assert.InDelta(t, 110, again.TakeProfitLevels[0], 1e-9)
	assert.Equal(t, 1.0, again.Quantity)
}

func TestConcurrentUpdates(t *testing.T) {
	tr := newTestTracker(&memStore{}, nil)
	ctx := context.Background()
	for _, a := range []string{"A", "B", "C"} {
		_, err := tr.Open(ctx, domain.OpenRequest{Asset: a, EntryPrice: 100, Quantity: 1})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, a := range []string{"A", "B", "C"} {
			wg.Add(1)
			go func(a string, p float64) {
				defer wg.Done()
				_, _ = tr.Update(ctx, a, p)
				_ = tr.ListActive()
			}(a, 100+float64(i))
		}
	}
	wg.Wait()

	for _, p := range tr.ListActive() {
		assert.Equal(t, 149.0, p.MaxPriceSeen)
	}
}

// lockCheckingBus records whether the tracker lock was free on every publish.
type lockCheckingBus struct {
	recordingBus
	tracker *PositionTracker
	held    int
}

func (b *lockCheckingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.tracker.mu.TryLock() {
		b.tracker.mu.Unlock()
	} else {
		b.held++
	}
	return b.recordingBus.Publish(ctx, channel, payload)
}

func TestEventsPublishedOutsideLock(t *testing.T) {
	bus := &lockCheckingBus{}
	tr := newTestTracker(&memStore{}, bus)
	bus.tracker = tr
	ctx := context.Background()

	_, err := tr.Open(ctx, domain.OpenRequest{Asset: "BTC", EntryPrice: 100, Quantity: 2})
	require.NoError(t, err)
	_, err = tr.ReduceQuantity(ctx, "BTC", domain.ExitExecution{QuantitySold: 1, ExitPrice: 110})
	require.NoError(t, err)
	_, err = tr.Close(ctx, "BTC", domain.ExitExecution{QuantitySold: 1, ExitPrice: 120})
	require.NoError(t, err)

	_, err = tr.Open(ctx, domain.OpenRequest{Asset: "ETH", EntryPrice: 10, Quantity: 1})
	require.NoError(t, err)
	_, err = tr.ReduceQuantity(ctx, "ETH", domain.ExitExecution{QuantitySold: 1, ExitPrice: 11})
	require.NoError(t, err)

	assert.Equal(t, []string{"position_opened", "position_reduced", "position_closed", "position_opened", "position_closed"}, bus.names())
	assert.Zero(t, bus.held)
}
