// Package history performs the one-shot backlog fetches a hub needs
// before it can switch a subscriber onto the live stream: recent candles,
// trades and liquidations. Results come back as plain slices; any error
// means the hub should degrade to a live-only stream rather than fail
// the subscription.
package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"market-data-gateway/internal/cache"
	"market-data-gateway/internal/exchange"
	"market-data-gateway/internal/market"
)

// Per-fetch deadlines. Candles and trades come from the exchange REST API
// which answers fast; the liquidation collector aggregates on demand and
// gets a wider budget.
const (
	candlesTimeout      = 5 * time.Second
	tradesTimeout       = 5 * time.Second
	liquidationsTimeout = 15 * time.Second
)

// Rest is the slice of the exchange REST client the fetcher uses.
type Rest interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	GetAggTrades(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Trade, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*market.RawOrderBook, error)
}

// Liquidations is the slice of the collector client the fetcher uses.
type Liquidations interface {
	Recent(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Liquidation, error)
	Range(ctx context.Context, symbol string, startMs, endMs int64, prec market.Precision) ([]market.Liquidation, error)
}

// Fetcher bundles the historical sources behind one API. The redis cache
// is a read-through accelerator only; it may be nil.
type Fetcher struct {
	rest   Rest
	liq    Liquidations
	cache  *cache.Service
	logger zerolog.Logger
}

// NewFetcher builds a Fetcher. cacheSvc may be nil.
func NewFetcher(rest Rest, liq Liquidations, cacheSvc *cache.Service, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		rest:   rest,
		liq:    liq,
		cache:  cacheSvc,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Candles fetches the most recent closed and in-progress bars for a
// symbol and timeframe, oldest first. limit should come from
// market.CandleLimitForWidth; values outside its range are clamped.
func (f *Fetcher) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if limit < market.MinCandleLimit {
		limit = market.MinCandleLimit
	}
	if limit > market.MaxCandleLimit {
		limit = market.MaxCandleLimit
	}

	if cached, ok := f.cache.LoadCandles(ctx, symbol, timeframe); ok && len(cached) >= limit {
		return cached[len(cached)-limit:], nil
	}

	ctx, cancel := context.WithTimeout(ctx, candlesTimeout)
	defer cancel()

	candles, err := f.rest.GetKlines(ctx, symbol, timeframe, limit)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).
			Msg("candle history fetch failed")
		return nil, err
	}

	f.cache.SaveCandles(ctx, symbol, timeframe, candles)
	return candles, nil
}

// Trades fetches the most recent trades for a symbol, newest first.
func (f *Fetcher) Trades(ctx context.Context, symbol string, prec market.Precision) ([]market.Trade, error) {
	if cached, ok := f.cache.LoadTrades(ctx, symbol); ok && len(cached) > 0 {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, tradesTimeout)
	defer cancel()

	trades, err := f.rest.GetAggTrades(ctx, symbol, market.TradeRingSize, prec)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("trade history fetch failed")
		return nil, err
	}

	// The exchange answers oldest first, the caches hold newest first.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}

	f.cache.SaveTrades(ctx, symbol, trades)
	return trades, nil
}

// Liquidations fetches the most recent forced liquidations for a symbol
// from the collector API, newest first. With no collector configured it
// returns empty and the caller starts live-only.
func (f *Fetcher) Liquidations(ctx context.Context, symbol string, prec market.Precision) ([]market.Liquidation, error) {
	if cached, ok := f.cache.LoadLiquidations(ctx, symbol); ok && len(cached) > 0 {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, liquidationsTimeout)
	defer cancel()

	liqs, err := f.liq.Recent(ctx, symbol, market.LiquidationRingSize, prec)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("liquidation history fetch failed")
		return nil, err
	}

	if len(liqs) > 0 {
		f.cache.SaveLiquidations(ctx, symbol, liqs)
	}
	return liqs, nil
}

// LiquidationsRange fetches the liquidations inside [startMs, endMs) for
// seeding a volume aggregator. Range reads bypass the cache.
func (f *Fetcher) LiquidationsRange(ctx context.Context, symbol string, startMs, endMs int64, prec market.Precision) ([]market.Liquidation, error) {
	ctx, cancel := context.WithTimeout(ctx, liquidationsTimeout)
	defer cancel()

	liqs, err := f.liq.Range(ctx, symbol, startMs, endMs, prec)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).
			Int64("start", startMs).Int64("end", endMs).
			Msg("liquidation range fetch failed")
		return nil, err
	}
	return liqs, nil
}

// OrderBook fetches a one-shot depth snapshot at the requested level
// count. Used for initial order-book state and the REST surface.
func (f *Fetcher) OrderBook(ctx context.Context, symbol string, limit int) (*market.RawOrderBook, error) {
	ctx, cancel := context.WithTimeout(ctx, candlesTimeout)
	defer cancel()

	book, err := f.rest.GetDepth(ctx, symbol, limit)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("depth fetch failed")
		return nil, err
	}
	return book, nil
}

var _ Rest = (*exchange.RestClient)(nil)
var _ Liquidations = (*LiquidationAPI)(nil)
