package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// PriceSource exposes prices written to the shared cache by another
// instance as an oracle source. Entries older than maxAge are rejected.
type PriceSource struct {
	cache  domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceSource creates a source reading cache.
func NewPriceSource(cache domain.PriceCache, maxAge time.Duration) *PriceSource {
	return &PriceSource{cache: cache, maxAge: maxAge, now: time.Now}
}

// Name returns "redis".
func (s *PriceSource) Name() string { return "redis" }

// Quote returns the cached price.
func (s *PriceSource) Quote(ctx context.Context, asset string) (domain.Quote, error) {
	price, ts, err := s.cache.GetPrice(ctx, asset)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Quote{}, fmt.Errorf("redis: quote %s: %w", asset, domain.ErrPriceUnavailable)
	}
	if err != nil {
		return domain.Quote{}, err
	}
	if s.maxAge > 0 && s.now().Sub(ts) > s.maxAge {
		return domain.Quote{}, fmt.Errorf("redis: quote %s from %s: %w", asset, ts.Format(time.RFC3339), domain.ErrStalePrice)
	}
	return domain.Quote{Price: price, At: ts, Source: s.Name()}, nil
}
