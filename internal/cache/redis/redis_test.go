package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

type stubCache struct {
	price float64
	ts    time.Time
	err   error
}

func (s stubCache) SetPrice(context.Context, string, float64, time.Time) error { return nil }
func (s stubCache) GetPrice(context.Context, string) (float64, time.Time, error) {
	return s.price, s.ts, s.err
}

func TestParsePriceHash(t *testing.T) {
	ts := time.Date(2025, 5, 1, 0, 0, 0, 5, time.UTC)
	p, got, err := parsePriceHash("BTC", map[string]string{"price": "67500.5", "ts": "1746057600000000005"})
	require.NoError(t, err)
	assert.Equal(t, 67500.5, p)
	assert.True(t, got.Equal(ts))

	_, _, err = parsePriceHash("BTC", map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = parsePriceHash("BTC", map[string]string{"price": "x", "ts": "1"})
	assert.Error(t, err)
}

func TestPriceSource(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	src := NewPriceSource(stubCache{price: 100, ts: now.Add(-10 * time.Second)}, 30*time.Second)
	src.now = func() time.Time { return now }
	q, err := src.Quote(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Price)
	assert.Equal(t, "redis", q.Source)

	src = NewPriceSource(stubCache{price: 100, ts: now.Add(-time.Minute)}, 30*time.Second)
	src.now = func() time.Time { return now }
	_, err = src.Quote(context.Background(), "BTC")
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	src = NewPriceSource(stubCache{err: domain.ErrNotFound}, 0)
	_, err = src.Quote(context.Background(), "BTC")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	src = NewPriceSource(stubCache{err: errors.New("conn reset")}, 0)
	_, err = src.Quote(context.Background(), "BTC")
	assert.EqualError(t, err, "conn reset")
}

// TestAgainstServer runs only when EXITBOT_TEST_REDIS_ADDR names a
// disposable Redis instance.
func TestAgainstServer(t *testing.T) {
	addr := os.Getenv("EXITBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXITBOT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{Addr: addr})
	require.NoError(t, err)
	defer c.Close()

	cache := NewPriceCache(c)
	now := time.Now().UTC()
	require.NoError(t, cache.SetPrice(ctx, "TEST-BTC", 42.5, now))
	p, ts, err := cache.GetPrice(ctx, "TEST-BTC")
	require.NoError(t, err)
	assert.Equal(t, 42.5, p)
	assert.True(t, ts.Equal(now))

	locks := NewLockManager(c)
	l, err := locks.Acquire(ctx, "test:exitbot", time.Second)
	require.NoError(t, err)
	_, err = locks.Acquire(ctx, "test:exitbot", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	require.NoError(t, l.Refresh(ctx, time.Second))
	l.Release()
	assert.ErrorIs(t, l.Refresh(ctx, time.Second), domain.ErrLockLost)

	bus := NewSignalBus(c)
	sub, err := bus.Subscribe(ctx, "test.exitbot")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "test.exitbot", []byte("hi")))
	select {
	case msg := <-sub:
		assert.Equal(t, "hi", string(msg))
	case <-ctx.Done():
		t.Fatal("no message")
	}
}
