package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"market-data-gateway/internal/circuit"
	"market-data-gateway/internal/market"
)

var testPrec = market.Precision{Price: 1, Amount: 3, BaseAsset: "BTC", QuoteAsset: "USDT"}

type fakeRest struct {
	klinesLimit int
	klinesErr   error
	tradesErr   error
	depthErr    error
}

func (f *fakeRest) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	f.klinesLimit = limit
	if f.klinesErr != nil {
		return nil, f.klinesErr
	}
	candles := make([]market.Candle, 3)
	for i := range candles {
		candles[i] = market.Candle{OpenTimeMs: int64(i) * 60_000, Close: 100}
	}
	return candles, nil
}

func (f *fakeRest) GetAggTrades(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Trade, error) {
	if f.tradesErr != nil {
		return nil, f.tradesErr
	}
	return []market.Trade{market.NewTrade("1", 100, 0.5, "buy", 1000, prec)}, nil
}

func (f *fakeRest) GetDepth(ctx context.Context, symbol string, limit int) (*market.RawOrderBook, error) {
	if f.depthErr != nil {
		return nil, f.depthErr
	}
	return &market.RawOrderBook{Symbol: symbol, TimestampMs: 1}, nil
}

type fakeLiq struct {
	recent []market.Liquidation
	err    error
}

func (f *fakeLiq) Recent(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Liquidation, error) {
	return f.recent, f.err
}

func (f *fakeLiq) Range(ctx context.Context, symbol string, startMs, endMs int64, prec market.Precision) ([]market.Liquidation, error) {
	return f.recent, f.err
}

func newTestFetcher(rest Rest, liq Liquidations) *Fetcher {
	return NewFetcher(rest, liq, nil, zerolog.Nop())
}

func TestCandlesClampsLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit int
	}{
		{"below minimum", 50, market.MinCandleLimit},
		{"above maximum", 5000, market.MaxCandleLimit},
		{"in range", 501, 501},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest := &fakeRest{}
			f := newTestFetcher(rest, &fakeLiq{})

			if _, err := f.Candles(context.Background(), "BTCUSDT", "1m", tt.limit); err != nil {
				t.Fatalf("Candles: %v", err)
			}
			if rest.klinesLimit != tt.wantLimit {
				t.Errorf("requested limit = %d, want %d", rest.klinesLimit, tt.wantLimit)
			}
		})
	}
}

func TestCandlesPropagatesError(t *testing.T) {
	wantErr := errors.New("rest down")
	f := newTestFetcher(&fakeRest{klinesErr: wantErr}, &fakeLiq{})

	_, err := f.Candles(context.Background(), "BTCUSDT", "1m", 500)
	if !errors.Is(err, wantErr) {
		t.Errorf("Candles error = %v, want %v", err, wantErr)
	}
}

func TestTrades(t *testing.T) {
	f := newTestFetcher(&fakeRest{}, &fakeLiq{})

	trades, err := f.Trades(context.Background(), "BTCUSDT", testPrec)
	if err != nil {
		t.Fatalf("Trades: %v", err)
	}
	if len(trades) != 1 || trades[0].TradeID != "1" {
		t.Errorf("Trades = %+v, want one trade with id 1", trades)
	}
}

func TestLiquidationsWithDisabledCollector(t *testing.T) {
	api := NewLiquidationAPI("", zerolog.Nop())
	if api.Enabled() {
		t.Error("Enabled() = true with empty base URL")
	}

	f := newTestFetcher(&fakeRest{}, api)
	liqs, err := f.Liquidations(context.Background(), "BTCUSDT", testPrec)
	if err != nil {
		t.Fatalf("Liquidations with disabled collector: %v", err)
	}
	if len(liqs) != 0 {
		t.Errorf("Liquidations = %d events, want 0", len(liqs))
	}
}

func TestLiquidationAPIRecent(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/api/v1/liquidations" {
			t.Errorf("path = %q, want /api/v1/liquidations", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","side":"sell","price":50000,"quantity":0.5,"timestampMs":1700000000000},
			{"symbol":"BTCUSDT","side":"BUY","price":50100,"quantity":1.0,"timestampMs":1700000001000}
		]`))
	}))
	defer srv.Close()

	api := NewLiquidationAPI(srv.URL, zerolog.Nop())
	liqs, err := api.Recent(context.Background(), "BTCUSDT", 50, testPrec)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if gotQuery != "limit=50&symbol=BTCUSDT" {
		t.Errorf("query = %q, want limit=50&symbol=BTCUSDT", gotQuery)
	}
	if len(liqs) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(liqs))
	}
	if liqs[0].Side != "SELL" {
		t.Errorf("side = %q, want SELL", liqs[0].Side)
	}
	if liqs[0].AmountUSDT != 25000 {
		t.Errorf("amountUsdt = %v, want 25000", liqs[0].AmountUSDT)
	}
	if liqs[0].AmountUSDTFormatted != "25,000.00" {
		t.Errorf("amountUsdtFormatted = %q, want 25,000.00", liqs[0].AmountUSDTFormatted)
	}
}

func TestLiquidationAPIRangeQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	api := NewLiquidationAPI(srv.URL, zerolog.Nop())
	if _, err := api.Range(context.Background(), "ETHUSDT", 1000, 2000, testPrec); err != nil {
		t.Fatalf("Range: %v", err)
	}
	if gotQuery != "end=2000&start=1000&symbol=ETHUSDT" {
		t.Errorf("query = %q, want end=2000&start=1000&symbol=ETHUSDT", gotQuery)
	}
}

func TestLiquidationAPIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	api := NewLiquidationAPI(srv.URL, zerolog.Nop())
	if _, err := api.Recent(context.Background(), "BTCUSDT", 50, testPrec); err == nil {
		t.Error("Recent against failing collector: expected error")
	}
}

func TestLiquidationAPIBreakerStopsHammering(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	api := NewLiquidationAPI(srv.URL, zerolog.Nop())
	for i := 0; i < 8; i++ {
		if _, err := api.Recent(context.Background(), "BTCUSDT", 50, testPrec); err == nil {
			t.Fatalf("call %d succeeded against a failing collector", i+1)
		}
	}
	if hits != 5 {
		t.Errorf("collector saw %d requests, want 5 before the breaker opened", hits)
	}

	_, err := api.Recent(context.Background(), "BTCUSDT", 50, testPrec)
	if !errors.Is(err, circuit.ErrOpen) {
		t.Errorf("error while open = %v, want circuit.ErrOpen", err)
	}
}
