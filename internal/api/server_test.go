package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-data-gateway/internal/exchange"
	"market-data-gateway/internal/history"
	"market-data-gateway/internal/market"
	"market-data-gateway/internal/stream"
	"market-data-gateway/internal/symbols"
)

type stubSymbolAPI struct {
	mu  sync.Mutex
	err error
}

func (a *stubSymbolAPI) GetExchangeInfo(ctx context.Context) (*exchange.ExchangeInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &exchange.ExchangeInfo{
		ServerTime: time.Now().UnixMilli(),
		Symbols: []exchange.SymbolInfo{
			{
				Symbol:            "BTCUSDT",
				Pair:              "BTCUSDT",
				ContractType:      "PERPETUAL",
				Status:            "TRADING",
				BaseAsset:         "BTC",
				QuoteAsset:        "USDT",
				PricePrecision:    2,
				QuantityPrecision: 3,
			},
			{
				Symbol:            "DOGEBTC",
				ContractType:      "PERPETUAL",
				Status:            "TRADING",
				BaseAsset:         "DOGE",
				QuoteAsset:        "BTC",
				PricePrecision:    8,
				QuantityPrecision: 0,
			},
		},
	}, nil
}

func (a *stubSymbolAPI) GetBookTickers(ctx context.Context) ([]exchange.BookTicker, error) {
	return []exchange.BookTicker{{Symbol: "BTCUSDT", BidPrice: "50000", AskPrice: "50001"}}, nil
}

func (a *stubSymbolAPI) GetTickers24h(ctx context.Context) ([]exchange.Ticker24h, error) {
	return []exchange.Ticker24h{{Symbol: "BTCUSDT", QuoteVolume: "1500000000"}}, nil
}

type stubRest struct {
	mu     sync.Mutex
	depth  *market.RawOrderBook
	trades []market.Trade
}

func (r *stubRest) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	return []market.Candle{{OpenTimeMs: 1_700_000_000_000, Open: 100, High: 110, Low: 95, Close: 105, Volume: 12, IsClosed: true}}, nil
}

func (r *stubRest) GetAggTrades(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trades, nil
}

func (r *stubRest) GetDepth(ctx context.Context, symbol string, limit int) (*market.RawOrderBook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.depth == nil {
		return nil, errors.New("depth unavailable")
	}
	return r.depth, nil
}

type stubLiq struct {
	mu     sync.Mutex
	ranged []market.Liquidation
	err    error
}

func (l *stubLiq) Recent(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Liquidation, error) {
	return nil, nil
}

func (l *stubLiq) Range(ctx context.Context, symbol string, startMs, endMs int64, prec market.Precision) ([]market.Liquidation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ranged, l.err
}

type feedStream struct {
	frames chan exchange.Frame
	once   sync.Once
}

func (f *feedStream) Frames() <-chan exchange.Frame { return f.frames }
func (f *feedStream) Err() error                    { return nil }
func (f *feedStream) Close() error {
	f.once.Do(func() { close(f.frames) })
	return nil
}

type feedDialer struct{}

func (d *feedDialer) Dial(ctx context.Context, sub exchange.Subscription) (exchange.Stream, error) {
	return &feedStream{frames: make(chan exchange.Frame, 8)}, nil
}

type harness struct {
	server  *Server
	rest    *stubRest
	liq     *stubLiq
	symAPI  *stubSymbolAPI
	streams *stream.Registry
}

func newHarness(t *testing.T, cfg ServerConfig) *harness {
	t.Helper()
	symAPI := &stubSymbolAPI{}
	syms := symbols.New(symAPI, nil, symbols.Config{}, zerolog.Nop())
	rest := &stubRest{}
	liq := &stubLiq{}
	fetcher := history.NewFetcher(rest, liq, nil, zerolog.Nop())
	streams := stream.NewRegistry(stream.Deps{
		Dialer:  &feedDialer{},
		Fetcher: fetcher,
		Logger:  zerolog.Nop(),
		Grace:   50 * time.Millisecond,
		Tuning: stream.Tuning{
			DialTimeout:       time.Second,
			HistoricalTimeout: time.Second,
			BackoffBase:       5 * time.Millisecond,
			BackoffMax:        20 * time.Millisecond,
			MaxAttempts:       3,
		},
	})
	t.Cleanup(streams.Shutdown)

	cfg.ProductionMode = true
	server := NewServer(cfg, streams, syms, fetcher, zerolog.Nop())
	return &harness{server: server, rest: rest, liq: liq, symAPI: symAPI, streams: streams}
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.server.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var wrapper struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, body)
	}
	return wrapper.Error
}

func TestSymbolsEndpoint(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	w := h.get("/symbols")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Symbols []symbols.SymbolMeta `json:"symbols"`
		Count   int                  `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Symbols) != 1 {
		t.Fatalf("count = %d, symbols = %d, want 1 (non-USDT contract must be filtered)", resp.Count, len(resp.Symbols))
	}
	if resp.Symbols[0].DisplayID != "BTCUSDT" {
		t.Errorf("displayId = %q, want BTCUSDT", resp.Symbols[0].DisplayID)
	}
	if len(resp.Symbols[0].RoundingLadder) == 0 || resp.Symbols[0].DefaultRounding <= 0 {
		t.Errorf("ladder missing: %+v", resp.Symbols[0])
	}
}

func TestSymbolsUnavailable(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.symAPI.mu.Lock()
	h.symAPI.err = errors.New("exchange down")
	h.symAPI.mu.Unlock()

	w := h.get("/symbols")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if e := decodeError(t, w.Body.Bytes()); e.Type != "UpstreamUnavailable" {
		t.Errorf("error type = %q, want UpstreamUnavailable", e.Type)
	}
}

func TestOrderBookRESTFetchesWithoutHub(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.rest.mu.Lock()
	h.rest.depth = &market.RawOrderBook{
		Symbol:      "BTCUSDT",
		Bids:        []market.RawLevel{{Price: 50000.5, Amount: 1.25}, {Price: 50000.1, Amount: 0.5}},
		Asks:        []market.RawLevel{{Price: 50001.2, Amount: 2}},
		TimestampMs: time.Now().UnixMilli(),
	}
	h.rest.mu.Unlock()

	w := h.get("/orderbook/BTCUSDT?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var snap market.OrderBookSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		t.Fatalf("empty book: %s", w.Body.String())
	}
	if snap.Limit != 5 {
		t.Errorf("limit = %d, want 5", snap.Limit)
	}
	if h.streams.Len() != 0 {
		t.Errorf("REST read created %d hubs, want 0", h.streams.Len())
	}
}

func TestOrderBookRESTErrors(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	w := h.get("/orderbook/NOPEUSDT")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown symbol status = %d, want 404", w.Code)
	}
	if e := decodeError(t, w.Body.Bytes()); e.Type != "UnknownSymbol" {
		t.Errorf("error type = %q, want UnknownSymbol", e.Type)
	}

	w = h.get("/orderbook/BTCUSDT?limit=abc")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", w.Code)
	}

	// depth stub is empty, direct fetch must surface as a gateway error
	w = h.get("/orderbook/BTCUSDT?limit=5")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("fetch failure status = %d, want 502", w.Code)
	}
}

func TestLiquidationVolumeREST(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	prec := market.Precision{Price: 2, Amount: 3, BaseAsset: "BTC", QuoteAsset: "USDT"}
	base := int64(1_700_000_000_000)
	base -= base % 60_000
	h.liq.mu.Lock()
	h.liq.ranged = []market.Liquidation{
		market.NewLiquidation("BUY", 1, 1000, base+1_000, prec),
		market.NewLiquidation("SELL", 2, 1000, base+2_000, prec),
		market.NewLiquidation("BUY", 1, 500, base+61_000, prec),
	}
	h.liq.mu.Unlock()

	w := h.get("/liquidation-volume/BTCUSDT/1m?start=" + formatMs(base) + "&end=" + formatMs(base+120_000))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Symbol    string                `json:"symbol"`
		Timeframe string                `json:"timeframe"`
		Buckets   []market.VolumeBucket `json:"buckets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Timeframe != "1m" || len(resp.Buckets) != 2 {
		t.Fatalf("buckets = %d (tf %q), want 2 one-minute buckets", len(resp.Buckets), resp.Timeframe)
	}
	first := resp.Buckets[0]
	if first.BuyVolumeUSDT != 1000 || first.SellVolumeUSDT != 2000 {
		t.Errorf("first bucket = buy %.0f sell %.0f, want 1000/2000", first.BuyVolumeUSDT, first.SellVolumeUSDT)
	}
}

func TestLiquidationVolumeRESTValidation(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	w := h.get("/liquidation-volume/BTCUSDT/7x?start=1&end=2")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad timeframe status = %d, want 400", w.Code)
	}
	if e := decodeError(t, w.Body.Bytes()); e.Type != "InvalidTimeframe" {
		t.Errorf("error type = %q, want InvalidTimeframe", e.Type)
	}

	w = h.get("/liquidation-volume/BTCUSDT/1m?end=2")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing start status = %d, want 400", w.Code)
	}

	w = h.get("/liquidation-volume/BTCUSDT/1m?start=500&end=100")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d, want 400", w.Code)
	}
}

func TestRateLimiterBlocksExcessRequests(t *testing.T) {
	h := newHarness(t, ServerConfig{RateLimit: 2})

	for i := 0; i < 2; i++ {
		if w := h.get("/symbols"); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}
	w := h.get("/symbols")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	// health stays outside the limiter
	if w := h.get("/health"); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestHealthReportsRegistryState(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	w := h.get("/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Status string             `json:"status"`
		Hubs   []stream.HubStatus `json:"hubs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if len(resp.Hubs) != 0 {
		t.Errorf("hubs = %d, want 0 before any subscriber", len(resp.Hubs))
	}
}

func TestSessionRounding(t *testing.T) {
	meta := symbols.SymbolMeta{RoundingLadder: []float64{0.01, 0.1, 1, 10}, DefaultRounding: 0.1}
	cases := []struct {
		name      string
		requested float64
		want      float64
	}{
		{"on ladder", 1, 1},
		{"off ladder", 0.25, 0.1},
		{"zero", 0, 0.1},
		{"negative", -1, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sessionRounding(meta, tc.requested); got != tc.want {
				t.Errorf("sessionRounding(%v) = %v, want %v", tc.requested, got, tc.want)
			}
		})
	}
}

func formatMs(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

func dialWS(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (stream.Envelope, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env stream.Envelope
	err := conn.ReadJSON(&env)
	return env, err
}

func TestTradesWSDeliversInitial(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	prec := market.Precision{Price: 2, Amount: 3, BaseAsset: "BTC", QuoteAsset: "USDT"}
	h.rest.mu.Lock()
	h.rest.trades = []market.Trade{market.NewTrade("t1", 50000.25, 0.5, "BUY", time.Now().UnixMilli(), prec)}
	h.rest.mu.Unlock()

	srv := httptest.NewServer(h.server.router)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/trades/BTCUSDT")
	env, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if env.Type != stream.TypeTrades || !env.Initial {
		t.Fatalf("got type %q initial %v, want trades initial", env.Type, env.Initial)
	}
	if env.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT", env.Symbol)
	}
}

func TestWSUnknownSymbolRejected(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	srv := httptest.NewServer(h.server.router)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/ticker/NOPEUSDT")
	env, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if env.Type != stream.TypeError || env.Code != stream.CodeUnknownSymbol {
		t.Fatalf("got %q/%q, want error/UnknownSymbol", env.Type, env.Code)
	}

	_, err = readFrame(t, conn)
	if !websocket.IsCloseError(err, stream.CloseUnknownSymbol) {
		t.Errorf("close err = %v, want close code %d", err, stream.CloseUnknownSymbol)
	}
}

func TestWSInvalidTimeframeRejected(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	srv := httptest.NewServer(h.server.router)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/candles/BTCUSDT/7x")
	env, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if env.Code != stream.CodeInvalidTimeframe {
		t.Fatalf("code = %q, want InvalidTimeframe", env.Code)
	}

	_, err = readFrame(t, conn)
	if !websocket.IsCloseError(err, stream.CloseBadRequest) {
		t.Errorf("close err = %v, want close code %d", err, stream.CloseBadRequest)
	}
}

func TestWSBadQueryRejected(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	srv := httptest.NewServer(h.server.router)
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/orderbook/BTCUSDT?limit=abc")
	env, err := readFrame(t, conn)
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if env.Code != stream.CodeBadRequest {
		t.Fatalf("code = %q, want BadRequest", env.Code)
	}
}

func TestWSOriginPolicy(t *testing.T) {
	h := newHarness(t, ServerConfig{CORSOrigins: []string{"https://app.example.com"}})
	srv := httptest.NewServer(h.server.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/trades/BTCUSDT"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if conn, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		conn.Close()
		t.Fatal("foreign origin accepted, want handshake rejection")
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
