// Package symbols resolves display symbols to exchange symbols and
// serves per-symbol metadata: precisions, the price-rounding ladder and
// 24h volume. One Registry instance is shared process-wide.
package symbols

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-data-gateway/internal/exchange"
	"market-data-gateway/internal/format"
	"market-data-gateway/internal/market"
)

var (
	// ErrUnknownSymbol marks a display id that does not resolve.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrServiceUnavailable marks an empty registry whose refresh failed.
	ErrServiceUnavailable = errors.New("symbol service unavailable")
)

// DefaultTTL is how long a loaded symbol table stays fresh.
const DefaultTTL = 5 * time.Minute

// SymbolMeta is the read-only per-symbol metadata record.
type SymbolMeta struct {
	DisplayID       string    `json:"displayId"`
	ExchangeID      string    `json:"exchangeId"`
	BaseAsset       string    `json:"baseAsset"`
	QuoteAsset      string    `json:"quoteAsset"`
	PricePrecision  int       `json:"pricePrecision"`
	AmountPrecision int       `json:"amountPrecision"`
	RoundingLadder  []float64 `json:"roundingLadder"`
	DefaultRounding float64   `json:"defaultRounding"`
	Volume24h       string    `json:"volume24h,omitempty"`
}

// Precision returns the formatting parameters for this symbol.
func (m SymbolMeta) Precision() market.Precision {
	return market.Precision{
		Price:      m.PricePrecision,
		Amount:     m.AmountPrecision,
		BaseAsset:  m.BaseAsset,
		QuoteAsset: m.QuoteAsset,
	}
}

// API is the slice of the exchange REST surface the registry consumes.
type API interface {
	GetExchangeInfo(ctx context.Context) (*exchange.ExchangeInfo, error)
	GetBookTickers(ctx context.Context) ([]exchange.BookTicker, error)
	GetTickers24h(ctx context.Context) ([]exchange.Ticker24h, error)
}

// SnapshotStore persists the last good symbol table so a restart can
// come up degraded-but-useful while the exchange is unreachable.
type SnapshotStore interface {
	SaveSymbols(ctx context.Context, data []byte)
	LoadSymbols(ctx context.Context) ([]byte, bool)
}

// Config tunes the registry.
type Config struct {
	TTL            time.Duration
	QuoteWhitelist []string
}

// Registry caches the symbol table with a TTL and single-flight refresh.
type Registry struct {
	api    API
	store  SnapshotStore
	ttl    time.Duration
	quotes map[string]struct{}
	logger zerolog.Logger

	mu       sync.RWMutex
	metas    map[string]SymbolMeta
	order    []string
	loadedAt time.Time
	degraded bool

	flightMu sync.Mutex
	flight   *refreshFlight
}

// refreshFlight lets concurrent refreshers wait on one in-flight fetch.
type refreshFlight struct {
	done chan struct{}
	err  error
}

// New builds a Registry. store may be nil.
func New(api API, store SnapshotStore, cfg Config, logger zerolog.Logger) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	whitelist := cfg.QuoteWhitelist
	if len(whitelist) == 0 {
		whitelist = []string{"USDT"}
	}
	quotes := make(map[string]struct{}, len(whitelist))
	for _, q := range whitelist {
		quotes[strings.ToUpper(q)] = struct{}{}
	}
	return &Registry{
		api:    api,
		store:  store,
		ttl:    ttl,
		quotes: quotes,
		logger: logger.With().Str("component", "symbols").Logger(),
		metas:  make(map[string]SymbolMeta),
	}
}

// List returns the cached symbol table, refreshing it when stale. While
// the exchange is down the last known table is served; an empty registry
// whose refresh failed returns ErrServiceUnavailable.
func (r *Registry) List(ctx context.Context) ([]SymbolMeta, error) {
	r.ensureFresh(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, ErrServiceUnavailable
	}
	out := make([]SymbolMeta, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.metas[id])
	}
	return out, nil
}

// Resolve maps a display id to the exchange symbol.
func (r *Registry) Resolve(ctx context.Context, displayID string) (string, error) {
	meta, err := r.Metadata(ctx, displayID)
	if err != nil {
		return "", err
	}
	return meta.ExchangeID, nil
}

// Metadata returns the metadata record for a display id.
func (r *Registry) Metadata(ctx context.Context, displayID string) (SymbolMeta, error) {
	r.ensureFresh(ctx)

	key := Normalize(displayID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if meta, ok := r.metas[key]; ok {
		return meta, nil
	}
	if len(r.metas) == 0 {
		return SymbolMeta{}, ErrServiceUnavailable
	}
	return SymbolMeta{}, ErrUnknownSymbol
}

// Degraded reports whether the registry is serving stale or empty data.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Normalize canonicalises a user-supplied symbol id: uppercase with
// separator characters removed, so "btc/usdt" matches "BTCUSDT".
func Normalize(displayID string) string {
	s := strings.ToUpper(strings.TrimSpace(displayID))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

func (r *Registry) ensureFresh(ctx context.Context) {
	r.mu.RLock()
	fresh := !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.ttl
	r.mu.RUnlock()
	if fresh {
		return
	}
	r.refresh(ctx)
}

// refresh is single-flight: concurrent callers block on the in-flight
// fetch instead of stacking requests against the exchange.
func (r *Registry) refresh(ctx context.Context) error {
	r.flightMu.Lock()
	if r.flight != nil {
		f := r.flight
		r.flightMu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &refreshFlight{done: make(chan struct{})}
	r.flight = f
	r.flightMu.Unlock()

	f.err = r.doRefresh(ctx)
	close(f.done)

	r.flightMu.Lock()
	r.flight = nil
	r.flightMu.Unlock()
	return f.err
}

func (r *Registry) doRefresh(ctx context.Context) error {
	info, err := r.api.GetExchangeInfo(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("symbol refresh failed, serving last known table")
		r.handleRefreshFailure(ctx)
		return err
	}

	bestBids := map[string]float64{}
	if tickers, err := r.api.GetBookTickers(ctx); err == nil {
		for _, t := range tickers {
			if bid := parsePrice(t.BidPrice); bid > 0 {
				bestBids[t.Symbol] = bid
			}
		}
	} else {
		r.logger.Warn().Err(err).Msg("book tickers unavailable, ladder falls back to quote heuristic")
	}

	volumes := map[string]float64{}
	if tickers, err := r.api.GetTickers24h(ctx); err == nil {
		for _, t := range tickers {
			volumes[t.Symbol] = parsePrice(t.QuoteVolume)
		}
	} else {
		r.logger.Warn().Err(err).Msg("24h tickers unavailable, symbol list omits volume")
	}

	metas := make(map[string]SymbolMeta)
	order := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}
		if _, ok := r.quotes[s.QuoteAsset]; !ok {
			continue
		}
		rep := bestBids[s.Symbol]
		if rep <= 0 {
			rep = fallbackPrice(s.QuoteAsset)
		}
		ladder, def := BuildLadder(s.PricePrecision, rep)
		meta := SymbolMeta{
			DisplayID:       s.Symbol,
			ExchangeID:      s.Symbol,
			BaseAsset:       s.BaseAsset,
			QuoteAsset:      s.QuoteAsset,
			PricePrecision:  s.PricePrecision,
			AmountPrecision: s.QuantityPrecision,
			RoundingLadder:  ladder,
			DefaultRounding: def,
		}
		if vol, ok := volumes[s.Symbol]; ok && vol > 0 {
			meta.Volume24h = format.CompactOrEmpty(vol)
		}
		metas[meta.DisplayID] = meta
		order = append(order, meta.DisplayID)
	}
	sort.Strings(order)

	r.mu.Lock()
	r.metas = metas
	r.order = order
	r.loadedAt = time.Now()
	r.degraded = false
	r.mu.Unlock()

	r.persistSnapshot(ctx, metas, order)
	r.logger.Info().Int("symbols", len(order)).Msg("symbol table refreshed")
	return nil
}

// handleRefreshFailure keeps the last known table when there is one and
// falls back to the persisted snapshot when the registry is empty.
func (r *Registry) handleRefreshFailure(ctx context.Context) {
	r.mu.Lock()
	empty := len(r.metas) == 0
	r.degraded = true
	r.mu.Unlock()
	if !empty || r.store == nil {
		return
	}

	data, ok := r.store.LoadSymbols(ctx)
	if !ok {
		return
	}
	var list []SymbolMeta
	if err := json.Unmarshal(data, &list); err != nil {
		r.logger.Warn().Err(err).Msg("persisted symbol snapshot unreadable")
		return
	}
	metas := make(map[string]SymbolMeta, len(list))
	order := make([]string, 0, len(list))
	for _, m := range list {
		metas[m.DisplayID] = m
		order = append(order, m.DisplayID)
	}
	sort.Strings(order)

	r.mu.Lock()
	if len(r.metas) == 0 {
		r.metas = metas
		r.order = order
		// Hold the stale table for one TTL before retrying the exchange.
		r.loadedAt = time.Now()
	}
	r.mu.Unlock()
	r.logger.Warn().Int("symbols", len(order)).Msg("serving persisted symbol snapshot")
}

func (r *Registry) persistSnapshot(ctx context.Context, metas map[string]SymbolMeta, order []string) {
	if r.store == nil {
		return
	}
	list := make([]SymbolMeta, 0, len(order))
	for _, id := range order {
		list = append(list, metas[id])
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	r.store.SaveSymbols(ctx, data)
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
