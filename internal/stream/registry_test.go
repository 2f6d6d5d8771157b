package stream

import (
	"testing"
	"time"

	"market-data-gateway/internal/market"
)

func TestAttachKeysHubsBySymbolKindTimeframe(t *testing.T) {
	dialer := newScriptDialer()
	hist := newFakeHistory()
	reg := newTestRegistry(dialer, hist, time.Hour)
	defer reg.Shutdown()

	a := reg.Attach(HubKey{Symbol: "BTCUSDT", Kind: market.KindCandles, Timeframe: "1m"}, testPrec, &fakeSink{id: "a"}, Params{})
	defer a.Close()
	b := reg.Attach(HubKey{Symbol: "BTCUSDT", Kind: market.KindCandles, Timeframe: "1m"}, testPrec, &fakeSink{id: "b"}, Params{})
	defer b.Close()
	if reg.Len() != 1 {
		t.Fatalf("hubs = %d, want 1 shared hub", reg.Len())
	}

	c := reg.Attach(HubKey{Symbol: "BTCUSDT", Kind: market.KindCandles, Timeframe: "5m"}, testPrec, &fakeSink{id: "c"}, Params{})
	defer c.Close()
	if reg.Len() != 2 {
		t.Fatalf("hubs = %d, want a separate hub per timeframe", reg.Len())
	}

	st := reg.Status()
	if len(st) != 2 || st[0].Timeframe != "1m" || st[1].Timeframe != "5m" {
		t.Fatalf("status = %+v", st)
	}
	if st[0].Subscribers != 2 || st[1].Subscribers != 1 {
		t.Fatalf("subscriber counts = %+v", st)
	}
}

func TestCachedOrderBookRequiresLiveHub(t *testing.T) {
	dialer := newScriptDialer()
	hist := newFakeHistory()
	hist.book = &market.RawOrderBook{
		Symbol:      "BTCUSDT",
		Bids:        []market.RawLevel{{Price: 100, Amount: 1}},
		Asks:        []market.RawLevel{{Price: 101, Amount: 1}},
		TimestampMs: 1000,
	}
	reg := newTestRegistry(dialer, hist, time.Hour)
	defer reg.Shutdown()

	if _, ok := reg.CachedOrderBook("BTCUSDT", 20, 0, testPrec); ok {
		t.Fatal("cached book served without a hub")
	}
	if reg.Len() != 0 {
		t.Fatal("lookup must not create hubs")
	}

	sink := &fakeSink{id: "a"}
	h := reg.Attach(HubKey{Symbol: "BTCUSDT", Kind: market.KindOrderBook}, testPrec, sink, Params{Limit: 20})
	defer h.Close()
	dialer.waitStream(t)
	waitFor(t, "book cached", func() bool {
		_, ok := reg.CachedOrderBook("BTCUSDT", 20, 0, testPrec)
		return ok
	})

	snap, ok := reg.CachedOrderBook("BTCUSDT", 5, 0, testPrec)
	if !ok || len(snap.Bids) != 1 || snap.Bids[0].Price != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Limit != 5 {
		t.Fatalf("limit = %d, want the caller's 5", snap.Limit)
	}
}

func TestShutdownRefusesNewAttaches(t *testing.T) {
	dialer := newScriptDialer()
	hist := newFakeHistory()
	reg := newTestRegistry(dialer, hist, time.Hour)

	sink := &fakeSink{id: "a"}
	h := reg.Attach(HubKey{Symbol: "BTCUSDT", Kind: market.KindTicker}, testPrec, sink, Params{})
	if h == nil {
		t.Fatal("attach before shutdown failed")
	}
	reg.Shutdown()

	if reg.Len() != 0 {
		t.Fatalf("hubs after shutdown = %d, want 0", reg.Len())
	}
	waitFor(t, "hangup delivered", func() bool { return sink.hangupCount() == 1 })
	if got := reg.Attach(HubKey{Symbol: "ETHUSDT", Kind: market.KindTicker}, testPrec, &fakeSink{id: "b"}, Params{}); got != nil {
		t.Fatal("attach after shutdown must return nil")
	}
}
