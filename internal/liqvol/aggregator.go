// Package liqvol accumulates forced-liquidation volume into
// timeframe-aligned buckets for the histogram stream.
package liqvol

import (
	"sort"
	"strings"

	"market-data-gateway/internal/market"
)

// Aggregator keeps one bucket per aligned open time for a single
// (symbol, timeframe) pair. Buckets only ever accumulate; Seed is the one
// operation that resets them. Not safe for concurrent use, the owning hub
// serializes all access.
type Aggregator struct {
	timeframeMs int64
	buckets     map[int64]*market.VolumeBucket
}

// New builds an empty Aggregator for the given timeframe length.
func New(timeframeMs int64) *Aggregator {
	return &Aggregator{
		timeframeMs: timeframeMs,
		buckets:     make(map[int64]*market.VolumeBucket),
	}
}

// Apply adds one liquidation to its bucket and returns a copy of the
// changed bucket only.
func (a *Aggregator) Apply(liq market.Liquidation) market.VolumeBucket {
	open := market.BucketOpen(liq.TimestampMs, a.timeframeMs)
	b := a.buckets[open]
	if b == nil {
		b = &market.VolumeBucket{BucketOpenMs: open}
		a.buckets[open] = b
	}

	a.add(b, liq)
	return *b
}

// Seed replaces the whole bucket set with one built from events. It must
// run before any Apply whose bucket the range covers; events applied
// afterwards accumulate on top of the seeded values.
func (a *Aggregator) Seed(liqs []market.Liquidation) {
	a.buckets = make(map[int64]*market.VolumeBucket, len(liqs))
	for _, liq := range liqs {
		open := market.BucketOpen(liq.TimestampMs, a.timeframeMs)
		b := a.buckets[open]
		if b == nil {
			b = &market.VolumeBucket{BucketOpenMs: open}
			a.buckets[open] = b
		}
		a.add(b, liq)
	}
}

func (a *Aggregator) add(b *market.VolumeBucket, liq market.Liquidation) {
	if strings.EqualFold(liq.Side, "BUY") {
		b.BuyVolumeUSDT += liq.AmountUSDT
	} else {
		b.SellVolumeUSDT += liq.AmountUSDT
	}
	b.Count++
	b.Refresh()
}

// Snapshot returns every bucket ordered by open time, oldest first.
func (a *Aggregator) Snapshot() []market.VolumeBucket {
	out := make([]market.VolumeBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketOpenMs < out[j].BucketOpenMs })
	return out
}

// Len returns the number of non-empty buckets.
func (a *Aggregator) Len() int {
	return len(a.buckets)
}

// TimeframeMs returns the bucket width.
func (a *Aggregator) TimeframeMs() int64 {
	return a.timeframeMs
}
