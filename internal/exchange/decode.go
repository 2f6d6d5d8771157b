package exchange

import (
	"encoding/json"
	"strconv"

	"market-data-gateway/internal/market"
)

// parseF parses an exchange decimal string; malformed input becomes 0.
func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// fieldFloat converts a kline array cell, which the exchange serialises
// as either a number or a decimal string depending on position.
func fieldFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		return parseF(x)
	default:
		return 0
	}
}

// parseLevels converts [price, quantity] string pairs into raw levels.
func parseLevels(rows [][]string) []market.RawLevel {
	out := make([]market.RawLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, market.RawLevel{Price: parseF(row[0]), Amount: parseF(row[1])})
	}
	return out
}

// tradeSide maps the aggressor flag: when the buyer is the maker the
// taker sold into the book.
func tradeSide(isBuyerMaker bool) string {
	if isBuyerMaker {
		return "sell"
	}
	return "buy"
}

// Frame is one decoded upstream event, normalised to the canonical
// record types. Exactly one payload pointer is set, matching Kind.
type Frame struct {
	Kind        market.Kind
	OrderBook   *market.RawOrderBook
	Candle      *market.Candle
	Trade       *market.Trade
	Liquidation *market.Liquidation
	Ticker      *market.Ticker
}

// decodeFrame turns one raw stream payload into a Frame. The second
// return is false for event types this gateway does not consume.
func decodeFrame(data []byte, prec market.Precision) (Frame, bool, error) {
	event, err := decodeProbe(data)
	if err != nil {
		return Frame{}, false, err
	}

	switch event {
	case "depthUpdate":
		var ev wsDepthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Frame{}, false, err
		}
		book := &market.RawOrderBook{
			Symbol:      ev.Symbol,
			Bids:        parseLevels(ev.Bids),
			Asks:        parseLevels(ev.Asks),
			TimestampMs: ev.EventTime,
		}
		return Frame{Kind: market.KindOrderBook, OrderBook: book}, true, nil

	case "kline":
		var ev wsKlineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Frame{}, false, err
		}
		candle := &market.Candle{
			OpenTimeMs: ev.Kline.OpenTime,
			Open:       parseF(ev.Kline.Open),
			High:       parseF(ev.Kline.High),
			Low:        parseF(ev.Kline.Low),
			Close:      parseF(ev.Kline.Close),
			Volume:     parseF(ev.Kline.Volume),
			IsClosed:   ev.Kline.IsClosed,
		}
		return Frame{Kind: market.KindCandles, Candle: candle}, true, nil

	case "aggTrade":
		var ev wsAggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Frame{}, false, err
		}
		trade := market.NewTrade(
			strconv.FormatInt(ev.ID, 10),
			parseF(ev.Price),
			parseF(ev.Quantity),
			tradeSide(ev.IsBuyerMaker),
			ev.TradeTime,
			prec,
		)
		return Frame{Kind: market.KindTrades, Trade: &trade}, true, nil

	case "forceOrder":
		var ev wsForceOrderEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Frame{}, false, err
		}
		price := parseF(ev.Order.AvgPrice)
		if price == 0 {
			price = parseF(ev.Order.Price)
		}
		liq := market.NewLiquidation(ev.Order.Side, parseF(ev.Order.Quantity), price, ev.Order.TradeTime, prec)
		return Frame{Kind: market.KindLiquidations, Liquidation: &liq}, true, nil

	case "24hrTicker":
		var ev wsTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Frame{}, false, err
		}
		ticker := market.NewTicker(
			ev.Symbol,
			parseF(ev.LastPrice),
			parseF(ev.PriceChange),
			parseF(ev.PriceChangePercent),
			parseF(ev.HighPrice),
			parseF(ev.LowPrice),
			parseF(ev.QuoteVolume),
			ev.EventTime,
			prec,
		)
		return Frame{Kind: market.KindTicker, Ticker: &ticker}, true, nil

	default:
		return Frame{}, false, nil
	}
}
