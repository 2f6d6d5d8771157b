package market

// timeframeMs maps every supported timeframe to its bucket width in
// milliseconds. 1M uses the 30-day convention so bucket alignment stays
// pure modular arithmetic.
var timeframeMs = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"6h":  21_600_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
	"3d":  259_200_000,
	"1w":  604_800_000,
	"1M":  2_592_000_000,
}

// ValidTimeframe reports whether tf is in the supported set.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeMs[tf]
	return ok
}

// TimeframeMs returns the bucket width for tf in milliseconds.
func TimeframeMs(tf string) (int64, bool) {
	ms, ok := timeframeMs[tf]
	return ms, ok
}

// BucketOpen aligns a timestamp down to the open of its bucket.
func BucketOpen(tsMs, tfMs int64) int64 {
	if tfMs <= 0 {
		return tsMs
	}
	return tsMs - tsMs%tfMs
}

// orderBookLimits are the depth sizes the exchange accepts.
var orderBookLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// DefaultOrderBookLimit applies when a client sends no limit.
const DefaultOrderBookLimit = 20

// ClampOrderBookLimit clamps limit into 5..1000 (or 5..max when max is
// tighter) and snaps it to the nearest exchange depth size, preferring
// the smaller size on ties. Non-positive limits get the default.
func ClampOrderBookLimit(limit, max int) int {
	if limit <= 0 {
		limit = DefaultOrderBookLimit
	}
	hi := orderBookLimits[len(orderBookLimits)-1]
	if max > 0 && max < hi {
		hi = max
	}
	if limit > hi {
		limit = hi
	}
	if limit < orderBookLimits[0] {
		limit = orderBookLimits[0]
	}
	best := orderBookLimits[0]
	bestDist := limit - best
	if bestDist < 0 {
		bestDist = -bestDist
	}
	for _, l := range orderBookLimits[1:] {
		if l > hi {
			break
		}
		d := limit - l
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = l, d
		}
	}
	return best
}

// CandleLimitForWidth derives the candle history size from the pixel
// width a session reports: three candles per six pixels, clamped.
func CandleLimitForWidth(width int) int {
	if width <= 0 {
		return DefaultCandleLimit
	}
	limit := (width / 6) * 3
	if limit < MinCandleLimit {
		return MinCandleLimit
	}
	if limit > MaxCandleLimit {
		return MaxCandleLimit
	}
	return limit
}
