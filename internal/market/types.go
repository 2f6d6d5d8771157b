// Package market defines the canonical record types shared by the stream
// hubs, the historical fetcher and the downstream API: order-book
// snapshots, candles, trades, liquidations, volume buckets and tickers.
package market

import (
	"math"

	"market-data-gateway/internal/format"
)

// Kind identifies one upstream stream family. A hub key is
// (symbol, kind[, timeframe]).
type Kind string

const (
	KindOrderBook         Kind = "orderbook"
	KindCandles           Kind = "candles"
	KindTrades            Kind = "trades"
	KindTicker            Kind = "ticker"
	KindLiquidations      Kind = "liquidations"
	KindLiquidationVolume Kind = "liquidation_volume"
)

const (
	// TradeRingSize bounds the per-symbol recent-trades cache.
	TradeRingSize = 100
	// LiquidationRingSize bounds the per-symbol liquidation cache.
	LiquidationRingSize = 50
	// DefaultCandleLimit is used when a session reports no container width.
	DefaultCandleLimit = 500
	// MinCandleLimit and MaxCandleLimit clamp the candle history size.
	MinCandleLimit = 200
	MaxCandleLimit = 1000
)

// Precision carries the per-symbol display parameters every normaliser
// needs: fractional digits for prices and amounts plus asset names.
type Precision struct {
	Price      int
	Amount     int
	BaseAsset  string
	QuoteAsset string
}

// RawLevel is one unaggregated price level as received from the exchange.
type RawLevel struct {
	Price  float64
	Amount float64
}

// RawOrderBook is the latest upstream depth snapshot before display
// aggregation. The hub keeps it so parameter changes can re-aggregate
// without another fetch.
type RawOrderBook struct {
	Symbol      string
	Bids        []RawLevel
	Asks        []RawLevel
	TimestampMs int64
}

// PriceLevel is one display-ready order-book level.
type PriceLevel struct {
	Price               float64 `json:"price"`
	Amount              float64 `json:"amount"`
	PriceFormatted      string  `json:"priceFormatted"`
	AmountFormatted     string  `json:"amountFormatted"`
	CumulativeFormatted string  `json:"cumulativeAmountFormatted"`
}

// OrderBookSnapshot is the display-ready book view for one parameter set.
// Bids descend, asks ascend, both truncated to Limit levels.
type OrderBookSnapshot struct {
	Symbol      string       `json:"symbol"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	Rounding    float64      `json:"rounding"`
	Limit       int          `json:"limit"`
	TimestampMs int64        `json:"timestamp"`
}

// Candle is one OHLCV bar. The in-progress bar has IsClosed false.
type Candle struct {
	OpenTimeMs int64   `json:"openTimeMs"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	IsClosed   bool    `json:"isClosed"`
}

// Trade is one display-ready trade record.
type Trade struct {
	TradeID         string  `json:"tradeId"`
	Price           float64 `json:"price"`
	Amount          float64 `json:"amount"`
	Side            string  `json:"side"`
	TimestampMs     int64   `json:"timestampMs"`
	DisplayTime     string  `json:"displayTime"`
	PriceFormatted  string  `json:"priceFormatted"`
	AmountFormatted string  `json:"amountFormatted"`
}

// NewTrade builds a Trade with its display fields populated.
func NewTrade(id string, price, amount float64, side string, tsMs int64, prec Precision) Trade {
	return Trade{
		TradeID:         id,
		Price:           price,
		Amount:          amount,
		Side:            side,
		TimestampMs:     tsMs,
		DisplayTime:     format.ClockHMS(tsMs),
		PriceFormatted:  format.FixedOrEmpty(price, prec.Price),
		AmountFormatted: format.FixedOrEmpty(amount, prec.Amount),
	}
}

// Liquidation is one display-ready forced-liquidation record.
type Liquidation struct {
	Side                string  `json:"side"`
	Quantity            float64 `json:"quantity"`
	AvgPrice            float64 `json:"avgPrice"`
	AmountUSDT          float64 `json:"amountUsdt"`
	TimestampMs         int64   `json:"timestampMs"`
	DisplayTime         string  `json:"displayTime"`
	BaseAsset           string  `json:"baseAsset"`
	QuantityFormatted   string  `json:"quantityFormatted"`
	AvgPriceFormatted   string  `json:"avgPriceFormatted"`
	AmountUSDTFormatted string  `json:"amountUsdtFormatted"`
}

// NewLiquidation builds a Liquidation with the USDT amount derived from
// quantity times average price and display fields populated.
func NewLiquidation(side string, qty, avgPrice float64, tsMs int64, prec Precision) Liquidation {
	amount := qty * avgPrice
	return Liquidation{
		Side:                side,
		Quantity:            qty,
		AvgPrice:            avgPrice,
		AmountUSDT:          amount,
		TimestampMs:         tsMs,
		DisplayTime:         format.ClockHMS(tsMs),
		BaseAsset:           prec.BaseAsset,
		QuantityFormatted:   format.FixedOrEmpty(qty, prec.Amount),
		AvgPriceFormatted:   format.FixedOrEmpty(avgPrice, prec.Price),
		AmountUSDTFormatted: format.GroupedOrEmpty(amount, 2),
	}
}

// LiquidationKey is the dedup identity of a liquidation. Historical and
// live feeds overlap; two events with the same key are the same event.
type LiquidationKey struct {
	TimestampMs int64
	AmountUSDT  int64
	Side        string
}

// Key returns the dedup key, with the USDT amount rounded to the nearest
// whole unit so float noise between the two sources cannot split a key.
func (l Liquidation) Key() LiquidationKey {
	return LiquidationKey{
		TimestampMs: l.TimestampMs,
		AmountUSDT:  int64(math.Round(l.AmountUSDT)),
		Side:        l.Side,
	}
}

// VolumeBucket is one timeframe-aligned liquidation-volume accumulator.
type VolumeBucket struct {
	BucketOpenMs        int64   `json:"bucketOpenMs"`
	BuyVolumeUSDT       float64 `json:"buyVolumeUsdt"`
	SellVolumeUSDT      float64 `json:"sellVolumeUsdt"`
	Total               float64 `json:"total"`
	Delta               float64 `json:"delta"`
	Count               int     `json:"count"`
	BuyVolumeFormatted  string  `json:"buyVolumeFormatted"`
	SellVolumeFormatted string  `json:"sellVolumeFormatted"`
	TotalFormatted      string  `json:"totalFormatted"`
	DeltaFormatted      string  `json:"deltaFormatted"`
}

// Refresh recomputes the derived and display fields after the volumes
// or count changed.
func (b *VolumeBucket) Refresh() {
	b.Total = b.BuyVolumeUSDT + b.SellVolumeUSDT
	b.Delta = b.BuyVolumeUSDT - b.SellVolumeUSDT
	b.BuyVolumeFormatted = format.CompactOrEmpty(b.BuyVolumeUSDT)
	b.SellVolumeFormatted = format.CompactOrEmpty(b.SellVolumeUSDT)
	b.TotalFormatted = format.CompactOrEmpty(b.Total)
	b.DeltaFormatted = format.CompactOrEmpty(b.Delta)
}

// Ticker is the rolling 24h statistics record for one symbol.
type Ticker struct {
	Symbol                  string  `json:"symbol"`
	LastPrice               float64 `json:"lastPrice"`
	PriceChange             float64 `json:"priceChange"`
	PriceChangePercent      float64 `json:"priceChangePercent"`
	HighPrice               float64 `json:"highPrice"`
	LowPrice                float64 `json:"lowPrice"`
	QuoteVolume             float64 `json:"quoteVolume"`
	TimestampMs             int64   `json:"timestampMs"`
	LastPriceFormatted      string  `json:"lastPriceFormatted"`
	PriceChangeFormatted    string  `json:"priceChangeFormatted"`
	QuoteVolumeFormatted    string  `json:"quoteVolumeFormatted"`
	PriceChangePctFormatted string  `json:"priceChangePercentFormatted"`
}

// NewTicker builds a Ticker with display fields populated.
func NewTicker(symbol string, last, change, changePct, high, low, quoteVol float64, tsMs int64, prec Precision) Ticker {
	return Ticker{
		Symbol:                  symbol,
		LastPrice:               last,
		PriceChange:             change,
		PriceChangePercent:      changePct,
		HighPrice:               high,
		LowPrice:                low,
		QuoteVolume:             quoteVol,
		TimestampMs:             tsMs,
		LastPriceFormatted:      format.FixedOrEmpty(last, prec.Price),
		PriceChangeFormatted:    format.FixedOrEmpty(change, prec.Price),
		QuoteVolumeFormatted:    format.CompactOrEmpty(quoteVol),
		PriceChangePctFormatted: format.FixedOrEmpty(changePct, 2),
	}
}
