package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultCandleLimit = 3000

// BetaObserver receives every published beta map.
type BetaObserver func(BetaMap)

// Store owns the per-asset price series, candle cache and the beta map
// derived from them. Series are guarded by an RWMutex; the beta map is
// swapped atomically so readers see one complete fit.
type Store struct {
	reference   string
	candleLimit int
	log         *zap.Logger

	mu          sync.RWMutex
	series      map[string]*Series
	granularity map[string]string
	candles     map[string][]Candle

	beta      atomic.Pointer[BetaMap]
	signal    chan struct{}
	observers []BetaObserver
}

func NewStore(reference string, candleLimit int, log *zap.Logger) *Store {
	if candleLimit <= 0 {
		candleLimit = defaultCandleLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		reference:   reference,
		candleLimit: candleLimit,
		log:         log,
		series:      make(map[string]*Series),
		granularity: make(map[string]string),
		candles:     make(map[string][]Candle),
		signal:      make(chan struct{}, 1),
	}
	initial := BetaMap{}
	if reference != "" {
		initial[reference] = IdentityBeta
	}
	s.beta.Store(&initial)
	return s
}

// OnBeta registers an observer. Call before Run.
func (s *Store) OnBeta(fn BetaObserver) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Store) Reference() string {
	return s.reference
}

// UpdateSeries merges prices into the asset's series. Incoming points win on
// equal timestamps.
func (s *Store) UpdateSeries(asset string, prices []float64, timestamps []int64, granularity string) error {
	if len(prices) != len(timestamps) {
		return fmt.Errorf("%s: %d prices, %d timestamps: %w", asset, len(prices), len(timestamps), ErrLengthMismatch)
	}
	for i := range prices {
		if err := validatePoint(prices[i], timestamps[i]); err != nil {
			return fmt.Errorf("%s[%d]: %w", asset, i, err)
		}
	}
	s.mu.Lock()
	series := s.seriesLocked(asset)
	series.merge(prices, timestamps)
	series.trim(s.candleLimit)
	if granularity != "" {
		s.granularity[asset] = granularity
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// UpdateTick overwrites the price at ts or inserts it in order.
func (s *Store) UpdateTick(asset string, price float64, ts int64, granularity string) error {
	if err := validatePoint(price, ts); err != nil {
		return fmt.Errorf("%s: %w", asset, err)
	}
	s.mu.Lock()
	series := s.seriesLocked(asset)
	series.upsert(price, ts)
	series.trim(s.candleLimit)
	if granularity != "" {
		s.granularity[asset] = granularity
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// UpdateCandles merges a batch into the candle cache.
func (s *Store) UpdateCandles(asset string, candles []Candle) {
	if len(candles) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTS := make(map[int64]Candle, len(s.candles[asset])+len(candles))
	for _, c := range s.candles[asset] {
		byTS[c.TS()] = c
	}
	for _, c := range candles {
		byTS[c.TS()] = c
	}
	merged := make([]Candle, 0, len(byTS))
	for _, c := range byTS {
		merged = append(merged, c)
	}
	sortCandles(merged)
	if len(merged) > s.candleLimit {
		merged = merged[len(merged)-s.candleLimit:]
	}
	s.candles[asset] = merged
}

func (s *Store) UpdateCandle(asset string, candle Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := s.candles[asset]
	ts := candle.TS()
	idx := sort.Search(len(cached), func(i int) bool { return cached[i].TS() >= ts })
	switch {
	case idx < len(cached) && cached[idx].TS() == ts:
		cached[idx] = candle
	default:
		cached = append(cached, Candle{})
		copy(cached[idx+1:], cached[idx:])
		cached[idx] = candle
	}
	if len(cached) > s.candleLimit {
		cached = cached[len(cached)-s.candleLimit:]
	}
	s.candles[asset] = cached
}

func (s *Store) seriesLocked(asset string) *Series {
	series, ok := s.series[asset]
	if !ok {
		series = &Series{Asset: asset}
		s.series[asset] = series
	}
	return series
}

func (s *Store) RealtimePrice(asset string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.series[asset]
	if !ok {
		return 0, false
	}
	_, price, ok := series.Last()
	return price, ok
}

func (s *Store) Series(asset string) (Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.series[asset]
	if !ok {
		return Series{}, false
	}
	return series.clone(), true
}

func (s *Store) Candles(asset string) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Candle(nil), s.candles[asset]...)
}

func (s *Store) Granularity(asset string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.granularity[asset]
}

func (s *Store) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]string, 0, len(s.series))
	for asset := range s.series {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Beta returns a copy of the current beta map.
func (s *Store) Beta() BetaMap {
	return (*s.beta.Load()).clone()
}

// NormalizedPrice is the realtime price mapped onto the reference scale.
func (s *Store) NormalizedPrice(asset string) (float64, bool) {
	price, ok := s.RealtimePrice(asset)
	if !ok {
		return 0, false
	}
	return s.beta.Load().Get(asset).Normalize(price), true
}

// RealtimeProfits reports the gap profit for every asset pair, keyed
// "a:b" in sorted asset order.
func (s *Store) RealtimeProfits() map[string]float64 {
	assets := s.Assets()
	out := make(map[string]float64)
	for i := 0; i < len(assets); i++ {
		p1, ok := s.NormalizedPrice(assets[i])
		if !ok {
			continue
		}
		for j := i + 1; j < len(assets); j++ {
			p2, ok := s.NormalizedPrice(assets[j])
			if !ok {
				continue
			}
			out[assets[i]+":"+assets[j]] = DiffRate(p1, p2)
		}
	}
	return out
}

func (s *Store) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run recomputes the beta map whenever a series changes. Bursts of updates
// coalesce into a single refit.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
			s.RefreshBeta()
		}
	}
}

// RefreshBeta refits every asset against the reference and publishes the
// new map.
func (s *Store) RefreshBeta() BetaMap {
	s.mu.RLock()
	snapshot := make(map[string]Series, len(s.series))
	for asset, series := range s.series {
		snapshot[asset] = series.clone()
	}
	observers := append([]BetaObserver(nil), s.observers...)
	s.mu.RUnlock()

	next := BetaMap{}
	if s.reference != "" {
		next[s.reference] = IdentityBeta
	}
	ref, hasRef := snapshot[s.reference]
	for asset, series := range snapshot {
		if asset == s.reference {
			continue
		}
		if !hasRef {
			next[asset] = IdentityBeta
			continue
		}
		xs, ys := Align(series, ref)
		if len(xs) < 2 {
			next[asset] = IdentityBeta
			continue
		}
		a, b, err := FitRobust(xs, ys, DefaultFitIterations)
		if err != nil || a == 0 {
			s.log.Warn("beta fit failed", zap.String("asset", asset), zap.Error(err))
			next[asset] = IdentityBeta
			continue
		}
		next[asset] = Beta{A: a, B: b}
	}
	s.beta.Store(&next)
	for _, fn := range observers {
		fn(next.clone())
	}
	return next.clone()
}
