package market

import (
	"sort"

	"github.com/shopspring/decimal"

	"market-data-gateway/internal/format"
)

// AggregateOrderBook materialises a display snapshot from the raw book
// for one (limit, rounding) parameter set. Bid prices bucket down and
// ask prices bucket up to multiples of the rounding step so the spread
// never inverts; amounts within a bucket are summed. The raw book is
// left untouched, so different sessions can hold different views of the
// same upstream snapshot.
func AggregateOrderBook(raw *RawOrderBook, limit int, rounding float64, prec Precision) OrderBookSnapshot {
	step := decimal.NewFromFloat(rounding)
	if step.Sign() <= 0 {
		step = decimal.New(1, int32(-prec.Price))
	}
	priceDigits := 0
	if e := step.Exponent(); e < 0 {
		priceDigits = int(-e)
	}

	bids := bucketLevels(raw.Bids, step, false)
	asks := bucketLevels(raw.Asks, step, true)

	sort.Slice(bids, func(i, j int) bool { return bids[i].price.GreaterThan(bids[j].price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].price.LessThan(asks[j].price) })

	if limit > 0 {
		if len(bids) > limit {
			bids = bids[:limit]
		}
		if len(asks) > limit {
			asks = asks[:limit]
		}
	}

	roundingF, _ := step.Float64()
	return OrderBookSnapshot{
		Symbol:      raw.Symbol,
		Bids:        buildLevels(bids, priceDigits, prec.Amount),
		Asks:        buildLevels(asks, priceDigits, prec.Amount),
		Rounding:    roundingF,
		Limit:       limit,
		TimestampMs: raw.TimestampMs,
	}
}

type bucketLevel struct {
	price  decimal.Decimal
	amount float64
}

func bucketLevels(levels []RawLevel, step decimal.Decimal, roundUp bool) []bucketLevel {
	buckets := make(map[string]*bucketLevel, len(levels))
	for _, lv := range levels {
		if lv.Amount <= 0 {
			continue
		}
		p := decimal.NewFromFloat(lv.Price).Div(step)
		if roundUp {
			p = p.Ceil()
		} else {
			p = p.Floor()
		}
		p = p.Mul(step)
		key := p.String()
		b, ok := buckets[key]
		if !ok {
			b = &bucketLevel{price: p}
			buckets[key] = b
		}
		b.amount += lv.Amount
	}
	out := make([]bucketLevel, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	return out
}

func buildLevels(levels []bucketLevel, priceDigits, amountDigits int) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	cumulative := 0.0
	for i, lv := range levels {
		cumulative += lv.amount
		price, _ := lv.price.Float64()
		out[i] = PriceLevel{
			Price:               price,
			Amount:              lv.amount,
			PriceFormatted:      lv.price.StringFixed(int32(priceDigits)),
			AmountFormatted:     format.FixedOrEmpty(lv.amount, amountDigits),
			CumulativeFormatted: format.FixedOrEmpty(cumulative, amountDigits),
		}
	}
	return out
}
