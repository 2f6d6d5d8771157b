package market

import "sort"

// CandleSeries is the per-(symbol,timeframe) candle cache. Bars are kept
// oldest first; the in-progress bar is the last element.
type CandleSeries struct {
	stepMs int64
	max    int
	data   []Candle
}

// NewCandleSeries builds a series for one timeframe. max bounds the
// series length; zero means DefaultCandleLimit.
func NewCandleSeries(stepMs int64, max int) *CandleSeries {
	if max <= 0 {
		max = DefaultCandleLimit
	}
	return &CandleSeries{stepMs: stepMs, max: max}
}

// Seed replaces the series wholesale with historical bars. Input order
// does not matter; bars are sorted ascending and trimmed to the newest
// max entries.
func (s *CandleSeries) Seed(candles []Candle) {
	data := make([]Candle, len(candles))
	copy(data, candles)
	sort.Slice(data, func(i, j int) bool { return data[i].OpenTimeMs < data[j].OpenTimeMs })
	if len(data) > s.max {
		data = data[len(data)-s.max:]
	}
	s.data = data
}

// Upsert merges one live bar: a bar with a known open time overwrites in
// place, a newer aligned bar appends and trims the head. Misaligned or
// stale-unknown bars are ignored. Reports whether the series changed.
func (s *CandleSeries) Upsert(c Candle) bool {
	if s.stepMs > 0 && c.OpenTimeMs%s.stepMs != 0 {
		return false
	}
	n := len(s.data)
	if n == 0 {
		s.data = append(s.data, c)
		return true
	}
	last := s.data[n-1].OpenTimeMs
	switch {
	case c.OpenTimeMs == last:
		s.data[n-1] = c
		return true
	case c.OpenTimeMs > last:
		s.data = append(s.data, c)
		if len(s.data) > s.max {
			s.data = s.data[len(s.data)-s.max:]
		}
		return true
	default:
		// Late update for an already-closed bar.
		i := sort.Search(n, func(i int) bool { return s.data[i].OpenTimeMs >= c.OpenTimeMs })
		if i < n && s.data[i].OpenTimeMs == c.OpenTimeMs {
			s.data[i] = c
			return true
		}
		return false
	}
}

// Resize changes the trim bound and applies it immediately.
func (s *CandleSeries) Resize(max int) {
	if max <= 0 {
		return
	}
	s.max = max
	if len(s.data) > max {
		s.data = s.data[len(s.data)-max:]
	}
}

// Snapshot returns a copy of the series, oldest first.
func (s *CandleSeries) Snapshot() []Candle {
	out := make([]Candle, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of cached bars.
func (s *CandleSeries) Len() int { return len(s.data) }

// TradeRing is the bounded recent-trades cache. Internally oldest first;
// Snapshot returns newest first, which is the display order.
type TradeRing struct {
	max  int
	data []Trade
	seen map[string]struct{}
}

// NewTradeRing builds a ring; max zero means TradeRingSize.
func NewTradeRing(max int) *TradeRing {
	if max <= 0 {
		max = TradeRingSize
	}
	return &TradeRing{max: max, seen: make(map[string]struct{}, max)}
}

// Seed replaces the ring with historical trades given newest first.
func (r *TradeRing) Seed(newestFirst []Trade) {
	if len(newestFirst) > r.max {
		newestFirst = newestFirst[:r.max]
	}
	r.data = r.data[:0]
	r.seen = make(map[string]struct{}, r.max)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		t := newestFirst[i]
		if _, dup := r.seen[t.TradeID]; dup {
			continue
		}
		r.data = append(r.data, t)
		r.seen[t.TradeID] = struct{}{}
	}
}

// Push appends one live trade. A trade whose id is already cached is
// dropped, which is how the historical/live overlap collapses to one
// entry. Reports whether the ring changed.
func (r *TradeRing) Push(t Trade) bool {
	if _, dup := r.seen[t.TradeID]; dup {
		return false
	}
	r.data = append(r.data, t)
	r.seen[t.TradeID] = struct{}{}
	if len(r.data) > r.max {
		delete(r.seen, r.data[0].TradeID)
		r.data = r.data[1:]
	}
	return true
}

// Snapshot returns a newest-first copy.
func (r *TradeRing) Snapshot() []Trade {
	out := make([]Trade, len(r.data))
	for i, t := range r.data {
		out[len(out)-1-i] = t
	}
	return out
}

// Len returns the number of cached trades.
func (r *TradeRing) Len() int { return len(r.data) }

// LiquidationRing is the bounded liquidation cache, deduplicated by the
// (timestamp, rounded USDT amount, side) key shared with the historical
// feed. Internally oldest first; Snapshot returns newest first.
type LiquidationRing struct {
	max  int
	data []Liquidation
	seen map[LiquidationKey]struct{}
}

// NewLiquidationRing builds a ring; max zero means LiquidationRingSize.
func NewLiquidationRing(max int) *LiquidationRing {
	if max <= 0 {
		max = LiquidationRingSize
	}
	return &LiquidationRing{max: max, seen: make(map[LiquidationKey]struct{}, max)}
}

// Seed replaces the ring with historical liquidations given newest first.
func (r *LiquidationRing) Seed(newestFirst []Liquidation) {
	if len(newestFirst) > r.max {
		newestFirst = newestFirst[:r.max]
	}
	r.data = r.data[:0]
	r.seen = make(map[LiquidationKey]struct{}, r.max)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		l := newestFirst[i]
		key := l.Key()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.data = append(r.data, l)
		r.seen[key] = struct{}{}
	}
}

// Push appends one live liquidation, dropping duplicates by key.
// Reports whether the ring changed.
func (r *LiquidationRing) Push(l Liquidation) bool {
	key := l.Key()
	if _, dup := r.seen[key]; dup {
		return false
	}
	r.data = append(r.data, l)
	r.seen[key] = struct{}{}
	if len(r.data) > r.max {
		delete(r.seen, r.data[0].Key())
		r.data = r.data[1:]
	}
	return true
}

// Snapshot returns a newest-first copy.
func (r *LiquidationRing) Snapshot() []Liquidation {
	out := make([]Liquidation, len(r.data))
	for i, l := range r.data {
		out[len(out)-1-i] = l
	}
	return out
}

// Len returns the number of cached liquidations.
func (r *LiquidationRing) Len() int { return len(r.data) }
