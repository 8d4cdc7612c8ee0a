package strategy

import (
	"sync"
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

const (
	// DefaultWindowSize is the per-asset history capacity.
	DefaultWindowSize = 200
	// DefaultRSIPeriod is the RSI lookback in samples.
	DefaultRSIPeriod = 14

	volumeSpikeLookback = 20
	volumeSpikeFactor   = 3.0
	momentumShort       = 5
	momentumLong        = 10
)

// Sample is a single price and volume observation. Rolling holds the source's
// rolling total when the sample came from RecordQuote.
type Sample struct {
	Price   float64
	Volume  float64
	Rolling float64
	Time    time.Time
}

// series is a fixed-capacity ring buffer of samples for one asset.
type series struct {
	mu    sync.RWMutex
	buf   []Sample
	start int
	n     int
}

func newSeries(capacity int) *series {
	return &series{buf: make([]Sample, capacity)}
}

func (s *series) push(x Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(x)
}

// pushRolling appends a sample whose volume is the increase of a rolling
// total since the previous sample. Samples not newer than the latest are
// dropped.
func (s *series) pushRolling(price, rolling float64, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var vol float64
	if s.n > 0 {
		prev := s.buf[(s.start+s.n-1)%len(s.buf)]
		if !ts.After(prev.Time) {
			return false
		}
		if d := rolling - prev.Rolling; d > 0 && prev.Rolling > 0 {
			vol = d
		}
	}
	s.pushLocked(Sample{Price: price, Volume: vol, Rolling: rolling, Time: ts})
	return true
}

func (s *series) pushLocked(x Sample) {
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = x
		s.n++
		return
	}
	s.buf[s.start] = x
	s.start = (s.start + 1) % len(s.buf)
}

// last returns up to k most recent samples, oldest first.
func (s *series) last(k int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k > s.n {
		k = s.n
	}
	out := make([]Sample, k)
	off := s.n - k
	for i := 0; i < k; i++ {
		out[i] = s.buf[(s.start+off+i)%len(s.buf)]
	}
	return out
}

// TechnicalAnalyzer keeps a bounded price/volume history per asset and
// derives RSI, volume spikes and momentum from it. Histories are locked per
// asset, so different assets never contend.
type TechnicalAnalyzer struct {
	windowSize int
	rsiPeriod  int
	mu         sync.RWMutex
	history    map[string]*series
}

// NewTechnicalAnalyzer creates an analyzer. Non-positive arguments fall back
// to the defaults.
func NewTechnicalAnalyzer(windowSize, rsiPeriod int) *TechnicalAnalyzer {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if rsiPeriod <= 0 {
		rsiPeriod = DefaultRSIPeriod
	}
	return &TechnicalAnalyzer{
		windowSize: windowSize,
		rsiPeriod:  rsiPeriod,
		history:    make(map[string]*series),
	}
}

func (a *TechnicalAnalyzer) get(asset string) *series {
	a.mu.RLock()
	s := a.history[asset]
	a.mu.RUnlock()
	return s
}

func (a *TechnicalAnalyzer) getOrCreate(asset string) *series {
	if s := a.get(asset); s != nil {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.history[asset]
	if !ok {
		s = newSeries(a.windowSize)
		a.history[asset] = s
	}
	return s
}

// Record appends an observation, evicting the oldest when full.
func (a *TechnicalAnalyzer) Record(asset string, price, volume float64, ts time.Time) {
	a.getOrCreate(asset).push(Sample{Price: price, Volume: volume, Time: ts})
}

// RecordQuote appends a quote whose volume is a rolling total, such as the
// 24h traded volume exchanges report. The stored volume is the growth of
// that total since the previous sample, floored at zero. A quote that is not
// newer than the latest sample (a cached quote seen again) is ignored and
// RecordQuote returns false.
func (a *TechnicalAnalyzer) RecordQuote(asset string, price, rollingVolume float64, ts time.Time) bool {
	return a.getOrCreate(asset).pushRolling(price, rollingVolume, ts)
}

// History returns a copy of the recorded samples for asset, oldest first.
func (a *TechnicalAnalyzer) History(asset string) []Sample {
	s := a.get(asset)
	if s == nil {
		return nil
	}
	return s.last(a.windowSize)
}

// Forget drops the history of asset.
func (a *TechnicalAnalyzer) Forget(asset string) {
	a.mu.Lock()
	delete(a.history, asset)
	a.mu.Unlock()
}

// RSI returns the relative strength index over the last period price
// changes using simple averages. ok is false until period+1 samples exist.
// A series with no losses yields 100, a flat series 50.
func (a *TechnicalAnalyzer) RSI(asset string, period int) (float64, bool) {
	if period <= 0 {
		period = a.rsiPeriod
	}
	s := a.get(asset)
	if s == nil {
		return 0, false
	}
	pts := s.last(period + 1)
	if len(pts) < period+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i < len(pts); i++ {
		d := pts[i].Price - pts[i-1].Price
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, true
	case avgLoss == 0:
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// VolumeSpike reports whether the latest volume exceeds three times the mean
// of the preceding 19 volumes. It needs 20 samples and a positive mean.
func (a *TechnicalAnalyzer) VolumeSpike(asset string) bool {
	s := a.get(asset)
	if s == nil {
		return false
	}
	pts := s.last(volumeSpikeLookback)
	if len(pts) < volumeSpikeLookback {
		return false
	}

	var sum float64
	for _, p := range pts[:len(pts)-1] {
		sum += p.Volume
	}
	mean := sum / float64(len(pts)-1)
	if mean <= 0 {
		return false
	}
	return pts[len(pts)-1].Volume > volumeSpikeFactor*mean
}

// Momentum returns (SMA5 - SMA10) / SMA10 of price, or 0 with fewer than 10
// samples.
func (a *TechnicalAnalyzer) Momentum(asset string) float64 {
	s := a.get(asset)
	if s == nil {
		return 0
	}
	pts := s.last(momentumLong)
	if len(pts) < momentumLong {
		return 0
	}

	long := mean(pts)
	short := mean(pts[len(pts)-momentumShort:])
	if long == 0 {
		return 0
	}
	return (short - long) / long
}

// Snapshot bundles the indicators for asset at now.
func (a *TechnicalAnalyzer) Snapshot(asset string, now time.Time) domain.MarketSnapshot {
	rsi, ok := a.RSI(asset, a.rsiPeriod)
	return domain.MarketSnapshot{
		Now:         now,
		RSI:         rsi,
		RSIValid:    ok,
		VolumeSpike: a.VolumeSpike(asset),
		Momentum:    a.Momentum(asset),
	}
}

func mean(pts []Sample) float64 {
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pts {
		sum += p.Price
	}
	return sum / float64(len(pts))
}
