package symbols

import "github.com/shopspring/decimal"

// maxLadderSteps bounds how many rounding choices a client is offered.
const maxLadderSteps = 7

// BuildLadder derives the price-rounding steps for a symbol from its
// price precision and a representative price. The first step is the
// tick (10^-precision), each later step is ten times the previous one,
// and generation stops before a step larger than a tenth of the
// representative price. The ladder always has at least one step. The
// default rounding sits at the middle of the ladder.
func BuildLadder(pricePrecision int, representativePrice float64) ([]float64, float64) {
	if pricePrecision < 0 {
		pricePrecision = 0
	}
	ceiling := representativePrice / 10

	step := decimal.New(1, int32(-pricePrecision))
	ladder := make([]float64, 0, maxLadderSteps)
	for len(ladder) < maxLadderSteps {
		f, _ := step.Float64()
		if len(ladder) > 0 && ceiling > 0 && f > ceiling {
			break
		}
		ladder = append(ladder, f)
		step = step.Shift(1)
	}

	return ladder, ladder[len(ladder)/2]
}

// ValidRounding reports whether r is one of the ladder's steps.
func ValidRounding(ladder []float64, r float64) bool {
	for _, step := range ladder {
		if step == r {
			return true
		}
	}
	return false
}

// representativeFallback estimates a price scale from the quote asset
// when no live best bid is known yet.
var representativeFallback = map[string]float64{
	"USDT":  100,
	"BUSD":  100,
	"USDC":  100,
	"FDUSD": 100,
	"TUSD":  100,
	"DAI":   100,
	"BTC":   0.01,
	"ETH":   0.1,
}

func fallbackPrice(quoteAsset string) float64 {
	if p, ok := representativeFallback[quoteAsset]; ok {
		return p
	}
	return 1
}
