// Package oracle aggregates prices from several independent sources into a
// single robust quote per asset.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// Source is one independent price provider.
type Source interface {
	Name() string
	Quote(ctx context.Context, asset string) (domain.Quote, error)
}

// PriceSink receives every freshly aggregated price (e.g. a shared cache).
type PriceSink interface {
	SetPrice(ctx context.Context, assetID string, price float64, ts time.Time) error
}

// Config tunes the oracle.
type Config struct {
	CacheTTL      time.Duration
	SourceTimeout time.Duration
}

type cachedQuote struct {
	quote     domain.Quote
	expiresAt time.Time
}

// Oracle serves aggregated quotes with a short per-asset TTL cache. Safe for
// concurrent use; there is no global lock on the read path.
type Oracle struct {
	sources []Source
	cfg     Config
	sink    PriceSink
	cache   sync.Map // asset -> cachedQuote
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Oracle over sources. sink may be nil.
func New(sources []Source, cfg Config, sink PriceSink, logger *slog.Logger) *Oracle {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 3 * time.Second
	}
	return &Oracle{
		sources: sources,
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With(slog.String("component", "oracle")),
		now:     time.Now,
	}
}

// GetPrice returns the aggregated price for asset.
func (o *Oracle) GetPrice(ctx context.Context, asset string) (float64, error) {
	q, err := o.Quote(ctx, asset)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

// Quote returns the aggregated quote for asset, serving from cache while the
// entry is younger than the TTL. Returns domain.ErrPriceUnavailable when no
// source produced a usable price.
func (o *Oracle) Quote(ctx context.Context, asset string) (domain.Quote, error) {
	if v, ok := o.cache.Load(asset); ok {
		c := v.(cachedQuote)
		if o.now().Before(c.expiresAt) {
			return c.quote, nil
		}
	}

	v, err, _ := o.group.Do(asset, func() (any, error) {
		return o.refresh(ctx, asset)
	})
	if err != nil {
		return domain.Quote{}, err
	}
	return v.(domain.Quote), nil
}

// Invalidate drops the cached quote for asset.
func (o *Oracle) Invalidate(asset string) {
	o.cache.Delete(asset)
}

func (o *Oracle) refresh(ctx context.Context, asset string) (domain.Quote, error) {
	quotes := o.collect(ctx, asset)
	if len(quotes) == 0 {
		return domain.Quote{}, fmt.Errorf("oracle: %s: %w", asset, domain.ErrPriceUnavailable)
	}

	now := o.now()
	agg := Aggregate(quotes)
	agg.At = now
	agg.Source = "aggregate"

	if o.cfg.CacheTTL > 0 {
		o.cache.Store(asset, cachedQuote{quote: agg, expiresAt: now.Add(o.cfg.CacheTTL)})
	}

	if o.sink != nil {
		if err := o.sink.SetPrice(ctx, asset, agg.Price, now); err != nil {
			o.logger.Warn("price sink update failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
	}

	o.logger.Debug("price aggregated",
		slog.String("asset", asset),
		slog.Float64("price", agg.Price),
		slog.Int("sources", len(quotes)),
	)
	return agg, nil
}

// collect queries every source concurrently, each under its own timeout, and
// returns the usable quotes. A failing source never fails the group.
func (o *Oracle) collect(ctx context.Context, asset string) []domain.Quote {
	results := make([]*domain.Quote, len(o.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range o.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, o.cfg.SourceTimeout)
			defer cancel()

			q, err := src.Quote(sctx, asset)
			if err != nil {
				o.logger.Debug("source quote failed",
					slog.String("source", src.Name()),
					slog.String("asset", asset),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if q.Price <= 0 {
				return nil
			}
			q.Source = src.Name()
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.Quote, 0, len(results))
	for _, q := range results {
		if q != nil {
			out = append(out, *q)
		}
	}
	return out
}

// outlierFactor bounds how far a source may sit from the median of all
// sources before it is dropped.
const outlierFactor = 2.0

// Aggregate combines source quotes: one price is used as is, two are
// averaged, three or more yield the median of the prices within a factor of
// two of the overall median. Volume is the median of the positive reported
// volumes.
func Aggregate(quotes []domain.Quote) domain.Quote {
	prices := make([]float64, 0, len(quotes))
	volumes := make([]float64, 0, len(quotes))
	for _, q := range quotes {
		prices = append(prices, q.Price)
		if q.Volume > 0 {
			volumes = append(volumes, q.Volume)
		}
	}

	var out domain.Quote
	switch len(prices) {
	case 0:
	case 1:
		out.Price = prices[0]
	case 2:
		out.Price = (prices[0] + prices[1]) / 2
	default:
		out.Price = median(withoutOutliers(prices))
	}
	if len(volumes) > 0 {
		out.Volume = median(volumes)
	}
	return out
}

// withoutOutliers drops the prices above outlierFactor times the median or
// below the median divided by it. The upper middle value always survives.
func withoutOutliers(prices []float64) []float64 {
	m := median(prices)
	kept := prices[:0:0]
	for _, p := range prices {
		if p <= m*outlierFactor && p >= m/outlierFactor {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return prices
	}
	return kept
}

// median sorts xs in place.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}
