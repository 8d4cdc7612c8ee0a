package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitbot/internal/config"
	"github.com/alanyoungcy/exitbot/internal/domain"
	"github.com/alanyoungcy/exitbot/internal/notify"
	"github.com/alanyoungcy/exitbot/internal/service"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memStore struct{}

func (memStore) Load(context.Context) (domain.Snapshot, error) { return domain.Snapshot{}, nil }
func (memStore) Save(context.Context, domain.Snapshot) error   { return nil }

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

type exitSink struct {
	reqs []domain.ExitRequest
}

func (e *exitSink) RequestExit(_ context.Context, req domain.ExitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	e.reqs = append(e.reqs, req)
	return nil
}

func newTestApp() *App {
	cfg := config.Defaults()
	return New(&cfg, discard())
}

func TestGatewayOpensAndNotifies(t *testing.T) {
	sender := &recordingSender{}
	tracker := service.NewPositionTracker(memStore{}, nil, service.DefaultPositionDefaults(), discard())
	gw := newPositionGateway(tracker, notify.NewNotifier([]notify.Sender{sender}, nil, discard()), discard())

	pos, err := gw.Open(context.Background(), domain.OpenRequest{Asset: "SOL", EntryPrice: 150, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, "SOL", pos.TokenAddress)
	assert.Len(t, sender.titles, 1)

	_, err = gw.Open(context.Background(), domain.OpenRequest{Asset: "SOL", EntryPrice: 150, Quantity: 2})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Len(t, sender.titles, 1, "rejected opens are not announced")
}

func TestConsumeOpenRequests(t *testing.T) {
	a := newTestApp()
	tracker := service.NewPositionTracker(memStore{}, nil, service.DefaultPositionDefaults(), discard())
	gw := newPositionGateway(tracker, nil, discard())

	msgs := make(chan []byte, 3)
	msgs <- []byte(`{"asset":"BTC","entry_price":67500,"quantity":0.1}`)
	msgs <- []byte(`not json`)
	msgs <- []byte(`{"asset":"ETH","entry_price":0,"quantity":1}`)
	close(msgs)

	a.consumeOpenRequests(context.Background(), msgs, gw)

	active := tracker.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "BTC", active[0].TokenAddress)
}

func TestConsumeExitRequests(t *testing.T) {
	a := newTestApp()
	sink := &exitSink{}

	msgs := make(chan []byte, 3)
	msgs <- []byte(`{"asset":"BTC","reason":"WHALE_SELL","fraction":0.5}`)
	msgs <- []byte(`{"asset":"BTC","reason":"NOPE"}`)
	msgs <- []byte(`{"asset":"ETH"}`)
	close(msgs)

	a.consumeExitRequests(context.Background(), msgs, sink)

	require.Len(t, sink.reqs, 2)
	assert.Equal(t, domain.ExitRequest{Asset: "BTC", Reason: domain.ExitWhaleSell, Fraction: 0.5}, sink.reqs[0])
	assert.Equal(t, domain.ExitRequest{Asset: "ETH", Reason: domain.ExitManual, Fraction: 1}, sink.reqs[1])
}

type fakeLock struct {
	mu         sync.Mutex
	refreshes  int
	refreshErr error
	released   bool
}

func (l *fakeLock) Refresh(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return l.refreshErr
}

func (l *fakeLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

type fakeLocks struct {
	heldFor int
	calls   int
	lock    *fakeLock
	err     error
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (domain.Lock, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= f.heldFor {
		return nil, domain.ErrLockHeld
	}
	return f.lock, nil
}

func TestAcquireLeadershipWaitsForHolder(t *testing.T) {
	a := newTestApp()
	locks := &fakeLocks{heldFor: 2, lock: &fakeLock{}}

	lock, err := a.acquireLeadership(context.Background(), locks, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, locks.lock, lock)
	assert.Equal(t, 3, locks.calls)
}

func TestAcquireLeadershipCancelled(t *testing.T) {
	a := newTestApp()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.acquireLeadership(ctx, &fakeLocks{heldFor: 100}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = a.acquireLeadership(context.Background(), &fakeLocks{err: errors.New("conn refused")}, time.Second)
	assert.ErrorContains(t, err, "conn refused")
}

func TestHoldLeadershipLostIsFatal(t *testing.T) {
	a := newTestApp()
	lock := &fakeLock{refreshErr: domain.ErrLockLost}

	err := a.holdLeadership(context.Background(), lock, 30*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockLost)
	assert.True(t, lock.released)
}

func TestHoldLeadershipReleasesOnCancel(t *testing.T) {
	a := newTestApp()
	lock := &fakeLock{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.holdLeadership(ctx, lock, 30*time.Millisecond))
	assert.True(t, lock.released)
}

func TestExitThresholdsFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	th := exitThresholds(cfg.Exit)
	assert.Equal(t, 24*time.Hour, th.TimeDecayAfter)
	assert.InDelta(t, 0.7, th.RSIFraction, 1e-12)

	pd := positionDefaults(cfg.Position)
	assert.Equal(t, service.DefaultPositionDefaults(), pd)
}

func TestMonitorRejectsUnknownTrailingStyle(t *testing.T) {
	cfg := config.Defaults()
	cfg.Redis.LeaderLock = true
	cfg.Monitor.TrailingStyle = "reckless"
	a := New(&cfg, discard())

	lock := &fakeLock{}
	err := a.monitor(context.Background(), &Dependencies{LockManager: &fakeLocks{lock: lock}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.True(t, lock.released, "leader lock is given up on startup failure")
}
