package format

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatError is returned when a value cannot be rendered as a number.
// It is deliberately narrow: only NaN and ±Inf trigger it. Callers that
// build display payloads substitute an empty string instead of failing.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "format: " + e.Reason
}

func checkFinite(v float64) error {
	if math.IsNaN(v) {
		return &FormatError{Reason: "value is NaN"}
	}
	if math.IsInf(v, 0) {
		return &FormatError{Reason: "value is infinite"}
	}
	return nil
}

// Fixed renders v with exactly precision fractional digits, trailing
// zeros preserved. Precision below zero is treated as zero.
func Fixed(v float64, precision int) (string, error) {
	if err := checkFinite(v); err != nil {
		return "", err
	}
	if precision < 0 {
		precision = 0
	}
	return decimal.NewFromFloat(v).StringFixed(int32(precision)), nil
}

// FixedOrEmpty is Fixed for display paths: non-finite values become "".
func FixedOrEmpty(v float64, precision int) string {
	s, err := Fixed(v, precision)
	if err != nil {
		return ""
	}
	return s
}

// Grouped renders v like Fixed with comma separators in the integer part.
// Used for USDT amounts where readability beats compactness.
func Grouped(v float64, precision int) (string, error) {
	s, err := Fixed(v, precision)
	if err != nil {
		return "", err
	}
	return groupDigits(s), nil
}

// GroupedOrEmpty is Grouped for display paths: non-finite values become "".
func GroupedOrEmpty(v float64, precision int) string {
	s, err := Grouped(v, precision)
	if err != nil {
		return ""
	}
	return s
}

func groupDigits(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i:]
	}
	if len(intPart) > 3 {
		var b strings.Builder
		b.Grow(len(intPart) + len(intPart)/3)
		lead := len(intPart) % 3
		if lead == 0 {
			lead = 3
		}
		b.WriteString(intPart[:lead])
		for i := lead; i < len(intPart); i += 3 {
			b.WriteByte(',')
			b.WriteString(intPart[i : i+3])
		}
		intPart = b.String()
	}
	if neg {
		return "-" + intPart + fracPart
	}
	return intPart + fracPart
}

// Compact shortens large magnitudes with K/M/B suffixes using two
// fractional digits. Values below 1000 fall back to Fixed.
func Compact(v float64) (string, error) {
	return CompactN(v, 2)
}

// CompactN is Compact with a caller-chosen fractional digit count.
func CompactN(v float64, digits int) (string, error) {
	if err := checkFinite(v); err != nil {
		return "", err
	}
	abs := math.Abs(v)
	switch {
	case abs >= 1e9:
		s, _ := Fixed(v/1e9, digits)
		return s + "B", nil
	case abs >= 1e6:
		s, _ := Fixed(v/1e6, digits)
		return s + "M", nil
	case abs >= 1e3:
		s, _ := Fixed(v/1e3, digits)
		return s + "K", nil
	default:
		return Fixed(v, digits)
	}
}

// CompactOrEmpty is Compact for display paths: non-finite values become "".
func CompactOrEmpty(v float64) string {
	s, err := Compact(v)
	if err != nil {
		return ""
	}
	return s
}

// ClockHMS renders a millisecond timestamp as HH:MM:SS in local time.
func ClockHMS(tsMs int64) string {
	return time.UnixMilli(tsMs).Local().Format("15:04:05")
}
