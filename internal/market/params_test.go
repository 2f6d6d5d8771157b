package market

import "testing"

func TestClampOrderBookLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		max   int
		want  int
	}{
		{name: "exact valid value", limit: 20, max: 0, want: 20},
		{name: "nearest below", limit: 30, max: 0, want: 20},
		{name: "nearest above", limit: 80, max: 0, want: 100},
		{name: "tie prefers smaller", limit: 15, max: 0, want: 10},
		{name: "below range", limit: 1, max: 0, want: 5},
		{name: "above range", limit: 5000, max: 0, want: 1000},
		{name: "zero gets default", limit: 0, max: 0, want: DefaultOrderBookLimit},
		{name: "negative gets default", limit: -3, max: 0, want: DefaultOrderBookLimit},
		{name: "max tightens ceiling", limit: 900, max: 100, want: 100},
		{name: "max between sizes", limit: 600, max: 600, want: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampOrderBookLimit(tt.limit, tt.max); got != tt.want {
				t.Errorf("ClampOrderBookLimit(%d, %d) = %d, want %d", tt.limit, tt.max, got, tt.want)
			}
		})
	}
}

func TestCandleLimitForWidth(t *testing.T) {
	tests := []struct {
		name  string
		width int
		want  int
	}{
		{name: "absent width gets default", width: 0, want: DefaultCandleLimit},
		{name: "narrow clamps to min", width: 120, want: MinCandleLimit},
		{name: "mid width", width: 1200, want: 600},
		{name: "wide clamps to max", width: 4000, want: MaxCandleLimit},
		{name: "rounding down to triple", width: 1001, want: 498},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CandleLimitForWidth(tt.width); got != tt.want {
				t.Errorf("CandleLimitForWidth(%d) = %d, want %d", tt.width, got, tt.want)
			}
		})
	}
}

func TestTimeframes(t *testing.T) {
	for _, tf := range []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M"} {
		if !ValidTimeframe(tf) {
			t.Errorf("ValidTimeframe(%q) = false, want true", tf)
		}
		if ms, ok := TimeframeMs(tf); !ok || ms <= 0 {
			t.Errorf("TimeframeMs(%q) = %d, %v", tf, ms, ok)
		}
	}
	for _, tf := range []string{"", "2m", "1s", "1y", "60"} {
		if ValidTimeframe(tf) {
			t.Errorf("ValidTimeframe(%q) = true, want false", tf)
		}
	}
	if ms, _ := TimeframeMs("1m"); ms != 60_000 {
		t.Errorf("TimeframeMs(1m) = %d, want 60000", ms)
	}
}

func TestBucketOpen(t *testing.T) {
	tests := []struct {
		ts   int64
		tf   int64
		want int64
	}{
		{ts: 60_000, tf: 60_000, want: 60_000},
		{ts: 90_000, tf: 60_000, want: 60_000},
		{ts: 119_999, tf: 60_000, want: 60_000},
		{ts: 120_000, tf: 60_000, want: 120_000},
		{ts: 123, tf: 0, want: 123},
	}
	for _, tt := range tests {
		if got := BucketOpen(tt.ts, tt.tf); got != tt.want {
			t.Errorf("BucketOpen(%d, %d) = %d, want %d", tt.ts, tt.tf, got, tt.want)
		}
	}
}
