package exchange

import (
	"testing"

	"market-data-gateway/internal/market"
)

func testPrec() market.Precision {
	return market.Precision{Price: 2, Amount: 3, BaseAsset: "BTC", QuoteAsset: "USDT"}
}

func TestDecodeFrameDepth(t *testing.T) {
	data := []byte(`{"e":"depthUpdate","E":1700000000123,"T":1700000000120,"s":"BTCUSDT",` +
		`"b":[["50000.10","1.5"],["49999.90","2.0"]],"a":[["50000.20","0.5"]]}`)

	frame, ok, err := decodeFrame(data, testPrec())
	if err != nil || !ok {
		t.Fatalf("decodeFrame: ok=%v err=%v", ok, err)
	}
	if frame.Kind != market.KindOrderBook || frame.OrderBook == nil {
		t.Fatalf("frame = %+v, want orderbook payload", frame)
	}
	book := frame.OrderBook
	if book.Symbol != "BTCUSDT" || book.TimestampMs != 1700000000123 {
		t.Errorf("book meta = %s/%d", book.Symbol, book.TimestampMs)
	}
	if len(book.Bids) != 2 || book.Bids[0].Price != 50000.10 || book.Bids[0].Amount != 1.5 {
		t.Errorf("bids = %+v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0].Price != 50000.20 {
		t.Errorf("asks = %+v", book.Asks)
	}
}

func TestDecodeFrameKline(t *testing.T) {
	data := []byte(`{"e":"kline","E":1700000000500,"s":"BTCUSDT","k":{"t":1700000000000,` +
		`"T":1700000059999,"i":"1m","o":"50000","h":"50100.5","l":"49900","c":"50050","v":"123.4","x":false}}`)

	frame, ok, err := decodeFrame(data, testPrec())
	if err != nil || !ok {
		t.Fatalf("decodeFrame: ok=%v err=%v", ok, err)
	}
	if frame.Kind != market.KindCandles || frame.Candle == nil {
		t.Fatalf("frame = %+v, want candle payload", frame)
	}
	c := frame.Candle
	if c.OpenTimeMs != 1700000000000 || c.High != 50100.5 || c.IsClosed {
		t.Errorf("candle = %+v", c)
	}
}

func TestDecodeFrameAggTrade(t *testing.T) {
	data := []byte(`{"e":"aggTrade","E":1700000000500,"s":"BTCUSDT","a":26129,` +
		`"p":"50000.00","q":"0.010","T":1700000000499,"m":true}`)

	frame, ok, err := decodeFrame(data, testPrec())
	if err != nil || !ok {
		t.Fatalf("decodeFrame: ok=%v err=%v", ok, err)
	}
	if frame.Kind != market.KindTrades || frame.Trade == nil {
		t.Fatalf("frame = %+v, want trade payload", frame)
	}
	tr := frame.Trade
	if tr.TradeID != "26129" {
		t.Errorf("TradeID = %q, want 26129", tr.TradeID)
	}
	if tr.Side != "sell" {
		t.Errorf("Side = %q, want sell (buyer was maker)", tr.Side)
	}
	if tr.PriceFormatted != "50000.00" || tr.AmountFormatted != "0.010" {
		t.Errorf("formatted = %q/%q", tr.PriceFormatted, tr.AmountFormatted)
	}
}

func TestDecodeFrameForceOrder(t *testing.T) {
	data := []byte(`{"e":"forceOrder","E":1700000000400,"o":{"s":"ETHUSDT","S":"SELL",` +
		`"q":"2.000","p":"2001.00","ap":"2000.00","X":"FILLED","T":1700000000399}}`)

	frame, ok, err := decodeFrame(data, testPrec())
	if err != nil || !ok {
		t.Fatalf("decodeFrame: ok=%v err=%v", ok, err)
	}
	if frame.Kind != market.KindLiquidations || frame.Liquidation == nil {
		t.Fatalf("frame = %+v, want liquidation payload", frame)
	}
	l := frame.Liquidation
	if l.Side != "SELL" || l.Quantity != 2 || l.AvgPrice != 2000 {
		t.Errorf("liquidation = %+v", l)
	}
	if l.AmountUSDT != 4000 {
		t.Errorf("AmountUSDT = %v, want 4000", l.AmountUSDT)
	}
}

func TestDecodeFrameForceOrderFallsBackToPrice(t *testing.T) {
	data := []byte(`{"e":"forceOrder","E":1,"o":{"s":"ETHUSDT","S":"BUY",` +
		`"q":"1","p":"2001.00","ap":"0","X":"FILLED","T":2}}`)

	frame, _, err := decodeFrame(data, testPrec())
	if err != nil {
		t.Fatal(err)
	}
	if frame.Liquidation.AvgPrice != 2001 {
		t.Errorf("AvgPrice = %v, want fallback to order price 2001", frame.Liquidation.AvgPrice)
	}
}

func TestDecodeFrameTicker(t *testing.T) {
	data := []byte(`{"e":"24hrTicker","E":1700000000600,"s":"BTCUSDT","p":"-500.00",` +
		`"P":"-0.99","c":"50000.00","h":"51000.00","l":"49500.00","q":"2500000000"}`)

	frame, ok, err := decodeFrame(data, testPrec())
	if err != nil || !ok {
		t.Fatalf("decodeFrame: ok=%v err=%v", ok, err)
	}
	if frame.Kind != market.KindTicker || frame.Ticker == nil {
		t.Fatalf("frame = %+v, want ticker payload", frame)
	}
	tk := frame.Ticker
	if tk.LastPrice != 50000 || tk.PriceChangePercent != -0.99 {
		t.Errorf("ticker = %+v", tk)
	}
	if tk.QuoteVolumeFormatted != "2.50B" {
		t.Errorf("QuoteVolumeFormatted = %q, want 2.50B", tk.QuoteVolumeFormatted)
	}
}

func TestDecodeFrameUnknownEvent(t *testing.T) {
	frame, ok, err := decodeFrame([]byte(`{"e":"markPriceUpdate","s":"BTCUSDT"}`), testPrec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("unknown event decoded: %+v", frame)
	}
}

func TestDecodeFrameGarbage(t *testing.T) {
	if _, _, err := decodeFrame([]byte(`{garbage`), testPrec()); err == nil {
		t.Error("garbage payload decoded without error")
	}
}

func TestStreamNames(t *testing.T) {
	tests := []struct {
		sub  Subscription
		want string
	}{
		{Subscription{Symbol: "BTCUSDT", Kind: market.KindOrderBook}, "btcusdt@depth20@100ms"},
		{Subscription{Symbol: "BTCUSDT", Kind: market.KindCandles, Timeframe: "5m"}, "btcusdt@kline_5m"},
		{Subscription{Symbol: "ETHUSDT", Kind: market.KindTrades}, "ethusdt@aggTrade"},
		{Subscription{Symbol: "ETHUSDT", Kind: market.KindTicker}, "ethusdt@ticker"},
		{Subscription{Symbol: "ETHUSDT", Kind: market.KindLiquidations}, "ethusdt@forceOrder"},
		{Subscription{Symbol: "ETHUSDT", Kind: market.KindLiquidationVolume}, "ethusdt@forceOrder"},
	}
	for _, tt := range tests {
		if got := tt.sub.StreamName(); got != tt.want {
			t.Errorf("StreamName(%s/%s) = %q, want %q", tt.sub.Symbol, tt.sub.Kind, got, tt.want)
		}
	}
}

func TestTradeSide(t *testing.T) {
	if tradeSide(true) != "sell" || tradeSide(false) != "buy" {
		t.Error("tradeSide mapping inverted")
	}
}
