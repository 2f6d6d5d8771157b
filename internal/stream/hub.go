package stream

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-data-gateway/internal/exchange"
	"market-data-gateway/internal/history"
	"market-data-gateway/internal/liqvol"
	"market-data-gateway/internal/market"
	"market-data-gateway/internal/metrics"
)

const (
	// DefaultGracePeriod delays hub teardown after the last detach so a
	// quickly reconnecting client reuses the warm upstream connection.
	DefaultGracePeriod = 5 * time.Second
	// DefaultQueueSize bounds a session's outbound queue.
	DefaultQueueSize = 256

	defaultDialTimeout       = 10 * time.Second
	defaultHistoricalTimeout = 15 * time.Second

	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultMaxAttempts = 8

	mergeFailureLimit  = 5
	mergeFailureWindow = time.Minute
)

// Tuning carries the hub timing knobs. Zero values mean the defaults;
// tests shrink them to keep reconnect scenarios fast.
type Tuning struct {
	DialTimeout       time.Duration
	HistoricalTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
}

func (t Tuning) withDefaults() Tuning {
	if t.DialTimeout <= 0 {
		t.DialTimeout = defaultDialTimeout
	}
	if t.HistoricalTimeout <= 0 {
		t.HistoricalTimeout = defaultHistoricalTimeout
	}
	if t.BackoffBase <= 0 {
		t.BackoffBase = defaultBackoffBase
	}
	if t.BackoffMax <= 0 {
		t.BackoffMax = defaultBackoffMax
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaultMaxAttempts
	}
	return t
}

// HubKey identifies one hub.
type HubKey struct {
	Symbol    string
	Kind      market.Kind
	Timeframe string
}

func (k HubKey) String() string {
	if k.Timeframe == "" {
		return k.Symbol + "/" + string(k.Kind)
	}
	return k.Symbol + "/" + string(k.Kind) + "/" + k.Timeframe
}

// State is the upstream lifecycle of a hub.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Params are the per-session view parameters. Limit and Rounding apply
// to order-book sessions, CandleLimit to candle sessions.
type Params struct {
	Limit       int
	Rounding    float64
	CandleLimit int
}

// Sink is the hub-facing side of a session. Deliver must not block and
// reports false when the session's queue is full. Evict is called at
// most once, after the hub has already dropped the session, and must
// return quickly. Hangup closes the session without an error frame; hubs
// use it when the whole registry shuts down.
type Sink interface {
	ID() string
	Deliver(env Envelope) bool
	Evict(code, message string)
	Hangup()
}

// Historical is the slice of the history fetcher hubs use.
type Historical interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	Trades(ctx context.Context, symbol string, prec market.Precision) ([]market.Trade, error)
	Liquidations(ctx context.Context, symbol string, prec market.Precision) ([]market.Liquidation, error)
	LiquidationsRange(ctx context.Context, symbol string, startMs, endMs int64, prec market.Precision) ([]market.Liquidation, error)
	OrderBook(ctx context.Context, symbol string, limit int) (*market.RawOrderBook, error)
}

var _ Historical = (*history.Fetcher)(nil)

type subscriber struct {
	sink        Sink
	params      Params
	initialSent bool
}

// Hub owns the single upstream connection for one key and fans merged
// events out to its subscribers. Every merge step and all cache access
// happen under one hub-local lock which is never held across I/O.
type Hub struct {
	key    HubKey
	prec   market.Precision
	grace  time.Duration
	tun    Tuning
	dialer exchange.Dialer
	hist   Historical
	rec    metrics.Recorder
	logger zerolog.Logger
	onIdle func(*Hub)

	mu          sync.Mutex
	subs        map[string]*subscriber
	refs        int
	state       State
	running     bool
	cancel      context.CancelFunc
	graceTimer  *time.Timer
	reconciled  bool
	loaded      bool
	degraded    bool
	candleLimit int
	fetchLimit  int

	rawBook *market.RawOrderBook
	candles *market.CandleSeries
	trades  *market.TradeRing
	liqs    *market.LiquidationRing
	agg     *liqvol.Aggregator
	tick    *market.Ticker

	mergeFailures []time.Time
}

func newHub(key HubKey, prec market.Precision, deps Deps) *Hub {
	h := &Hub{
		key:        key,
		prec:       prec,
		grace:      deps.Grace,
		tun:        deps.Tuning,
		dialer:     deps.Dialer,
		hist:       deps.Fetcher,
		rec:        deps.Recorder,
		logger:     deps.Logger.With().Str("component", "hub").Str("hub", key.String()).Logger(),
		subs:       make(map[string]*subscriber),
		state:      StateIdle,
		fetchLimit: market.DefaultOrderBookLimit,
	}
	switch key.Kind {
	case market.KindCandles:
		stepMs, _ := market.TimeframeMs(key.Timeframe)
		h.candles = market.NewCandleSeries(stepMs, market.DefaultCandleLimit)
	case market.KindTrades:
		h.trades = market.NewTradeRing(market.TradeRingSize)
	case market.KindLiquidations:
		h.liqs = market.NewLiquidationRing(market.LiquidationRingSize)
	case market.KindLiquidationVolume:
		tfMs, _ := market.TimeframeMs(key.Timeframe)
		h.agg = liqvol.New(tfMs)
	}
	return h
}

// Key returns the hub's identity.
func (h *Hub) Key() HubKey { return h.key }

// State returns the upstream lifecycle state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Subscribers returns the current reference count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Degraded reports whether the hub is serving live-only because its last
// backlog fetch failed.
func (h *Hub) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// RawOrderBook returns the latest raw depth snapshot, if one is cached.
// The returned book shares level slices with the cache and must be
// treated as read-only.
func (h *Hub) RawOrderBook() (*market.RawOrderBook, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rawBook == nil {
		return nil, false
	}
	book := *h.rawBook
	return &book, true
}

// attach registers a subscriber and starts the upstream on first use.
// Called by the registry with the registry lock held, which is what makes
// the grace-cancel race-free.
func (h *Hub) attach(sink Sink, params Params) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refs++
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}

	s := &subscriber{sink: sink, params: params}
	h.subs[sink.ID()] = s
	h.rec.SubscriberAttached(string(h.key.Kind))

	switch h.key.Kind {
	case market.KindCandles:
		cl := params.CandleLimit
		if cl <= 0 {
			cl = market.DefaultCandleLimit
		}
		if cl > h.candleLimit {
			h.candleLimit = cl
			h.candles.Resize(cl)
		}
	case market.KindOrderBook:
		if params.Limit > h.fetchLimit {
			h.fetchLimit = params.Limit
		}
	}

	if !h.running {
		h.running = true
		h.setStateLocked(StateConnecting)
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.run(ctx)
		if h.reconciled {
			// Restart after a fatal backoff: serve the stale cache now,
			// recohere will resend a fresh snapshot once reconnected.
			h.emitInitialLocked(s)
		}
	} else if h.reconciled {
		h.emitInitialLocked(s)
	}
	return &Handle{hub: h, id: sink.ID()}
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(id)
}

func (h *Hub) detachLocked(id string) {
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	h.refs--
	h.rec.SubscriberDetached(string(h.key.Kind))
	if h.refs <= 0 {
		h.scheduleGraceLocked()
	}
}

func (h *Hub) scheduleGraceLocked() {
	if h.graceTimer != nil {
		return
	}
	h.logger.Debug().Dur("grace", h.grace).Msg("last subscriber gone, scheduling shutdown")
	h.graceTimer = time.AfterFunc(h.grace, func() {
		if h.onIdle != nil {
			h.onIdle(h)
		}
	})
}

// stopLocked tears the hub down. The registry calls it with both locks
// held after removing the hub from its map. Remaining subscribers get a
// plain close, dispatched off the lock.
func (h *Hub) stopLocked() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.running = false
	h.setStateLocked(StateClosed)
	for _, s := range h.subs {
		go s.sink.Hangup()
	}
	h.subs = make(map[string]*subscriber)
	h.refs = 0
	h.rec.HubClosed(string(h.key.Kind))
	h.logger.Info().Msg("hub closed")
}

// updateParams applies a session's new order-book view parameters. An
// identical request is a no-op; otherwise the hub re-aggregates its
// cached raw book and sends a fresh initial snapshot to this session
// only.
func (h *Hub) updateParams(id string, p Params) {
	if h.key.Kind != market.KindOrderBook {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return
	}
	if s.params.Limit == p.Limit && s.params.Rounding == p.Rounding {
		return
	}
	s.params.Limit = p.Limit
	s.params.Rounding = p.Rounding
	if p.Limit > h.fetchLimit {
		h.fetchLimit = p.Limit
	}
	if env, ok := h.initialEnvelopeLocked(s.params); ok {
		h.deliverLocked(s, env)
	}
}

func (h *Hub) subscription() exchange.Subscription {
	return exchange.Subscription{
		Symbol:    h.key.Symbol,
		Kind:      h.key.Kind,
		Timeframe: h.key.Timeframe,
		Precision: h.prec,
	}
}

// run is the hub's single lifecycle goroutine: connect, reconcile or
// recohere, consume frames, reconnect with backoff.
func (h *Hub) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, h.tun.DialTimeout)
		st, err := h.dialer.Dial(dialCtx, h.subscription())
		cancel()
		if err != nil {
			h.rec.UpstreamConnect(string(h.key.Kind), "error")
			attempts++
			if attempts >= h.tun.MaxAttempts {
				h.fail(err)
				return
			}
			delay := h.backoffDelay(attempts)
			h.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).
				Msg("upstream connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		h.rec.UpstreamConnect(string(h.key.Kind), "ok")
		attempts = 0
		h.setState(StateOpen)

		if !h.isReconciled() {
			h.reconcile(ctx, st)
		} else {
			h.recohere(ctx)
		}

		forced := h.consume(ctx, st)
		st.Close()
		if ctx.Err() != nil {
			return
		}
		if err := st.Err(); err != nil {
			h.logger.Warn().Err(err).Msg("upstream connection lost")
		} else if forced {
			h.logger.Warn().Msg("forcing upstream reconnect after repeated merge failures")
		}
		h.setState(StateReconnecting)
	}
}

// fail gives up on the upstream after the backoff budget is spent. The
// hub stays registered with its cache intact; the next attach restarts
// the connect loop.
func (h *Hub) fail(err error) {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.running = false
	h.setStateLocked(StateClosed)
	h.broadcastLocked(NewErrorEnvelope(CodeUpstreamUnavailable, "exchange connection unavailable"))
	h.mu.Unlock()
	h.logger.Error().Err(err).Msg("upstream unreachable, pausing until next attach")
}

// reconcile runs once per hub lifetime: buffer live frames while the
// backlog loads, build the cache, send the first initial snapshots, then
// drain the buffered frames through the normal merge path.
func (h *Hub) reconcile(ctx context.Context, st exchange.Stream) {
	done := make(chan struct{})
	go func() {
		h.loadHistorical(ctx)
		close(done)
	}()

	var pending []exchange.Frame
	frames := st.Frames()
wait:
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			pending = append(pending, frame)
		case <-done:
			break wait
		case <-ctx.Done():
			return
		}
	}

	h.mu.Lock()
	h.reconciled = true
	for _, s := range h.subs {
		if !s.initialSent {
			h.emitInitialLocked(s)
		}
	}
	h.mu.Unlock()

	for _, frame := range pending {
		h.handleFrame(frame)
	}
}

// recohere restores cache coherence after a reconnect. Order-book, trade
// and candle caches are refetched and every session gets a fresh
// authoritative snapshot. The liquidation ring is deliberately not
// refetched: its dedup set already covers the overlap and a refetch
// would double-count. Volume buckets are reseeded from the collector.
func (h *Hub) recohere(ctx context.Context) {
	switch h.key.Kind {
	case market.KindOrderBook, market.KindCandles, market.KindTrades, market.KindLiquidationVolume:
		h.loadHistorical(ctx)
		h.mu.Lock()
		for _, s := range h.subs {
			s.initialSent = false
			h.emitInitialLocked(s)
		}
		h.mu.Unlock()
	case market.KindLiquidations, market.KindTicker:
	}
}

// loadHistorical issues the kind's backlog fetch and seeds the cache.
// Failures are logged and leave the hub live-only.
func (h *Hub) loadHistorical(ctx context.Context) {
	if h.key.Kind == market.KindTicker {
		h.mu.Lock()
		h.loaded = true
		h.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.tun.HistoricalTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		h.rec.HistoricalFetch(string(h.key.Kind), time.Since(start).Seconds())
	}()

	h.mu.Lock()
	candleLimit := h.candleLimit
	fetchLimit := h.fetchLimit
	h.mu.Unlock()
	if candleLimit <= 0 {
		candleLimit = market.DefaultCandleLimit
	}

	switch h.key.Kind {
	case market.KindOrderBook:
		book, err := h.hist.OrderBook(ctx, h.key.Symbol, fetchLimit)
		if err != nil {
			h.degrade(err)
			return
		}
		h.mu.Lock()
		h.rawBook = book
		h.markLoadedLocked()
		h.mu.Unlock()
	case market.KindCandles:
		candles, err := h.hist.Candles(ctx, h.key.Symbol, h.key.Timeframe, candleLimit)
		if err != nil {
			h.degrade(err)
			return
		}
		h.mu.Lock()
		h.candles.Seed(candles)
		h.markLoadedLocked()
		h.mu.Unlock()
	case market.KindTrades:
		trades, err := h.hist.Trades(ctx, h.key.Symbol, h.prec)
		if err != nil {
			h.degrade(err)
			return
		}
		h.mu.Lock()
		h.trades.Seed(trades)
		h.markLoadedLocked()
		h.mu.Unlock()
	case market.KindLiquidations:
		liqs, err := h.hist.Liquidations(ctx, h.key.Symbol, h.prec)
		if err != nil {
			h.degrade(err)
			return
		}
		h.mu.Lock()
		h.liqs.Seed(liqs)
		h.markLoadedLocked()
		h.mu.Unlock()
	case market.KindLiquidationVolume:
		tfMs := h.agg.TimeframeMs()
		end := time.Now().UnixMilli()
		liqs, err := h.hist.LiquidationsRange(ctx, h.key.Symbol, end-int64(market.DefaultCandleLimit)*tfMs, end, h.prec)
		if err != nil {
			h.degrade(err)
			return
		}
		h.mu.Lock()
		h.agg.Seed(liqs)
		h.markLoadedLocked()
		h.mu.Unlock()
	}
}

func (h *Hub) markLoadedLocked() {
	h.loaded = true
	h.degraded = false
}

// degrade flags the hub live-only until the next successful backlog
// fetch.
func (h *Hub) degrade(err error) {
	h.mu.Lock()
	h.degraded = true
	h.mu.Unlock()
	h.logger.Warn().Err(err).Msg("historical fetch failed, continuing live-only")
}

// consume pumps live frames until the stream dies, the hub context is
// cancelled, or repeated merge failures force a resync.
func (h *Hub) consume(ctx context.Context, st exchange.Stream) bool {
	for {
		select {
		case frame, ok := <-st.Frames():
			if !ok {
				return false
			}
			if h.handleFrame(frame) {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// handleFrame merges one upstream frame into the cache and fans the
// result out. A panic inside the merge is contained and counted; the
// return value reports whether repeated failures tripped a forced
// reconnect.
func (h *Hub) handleFrame(frame exchange.Frame) (tripped bool) {
	h.rec.UpstreamFrame(string(h.key.Kind))

	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("merge step panicked")
			tripped = h.recordMergeFailureLocked()
		}
	}()

	switch h.key.Kind {
	case market.KindOrderBook:
		if frame.OrderBook == nil {
			return false
		}
		h.rawBook = frame.OrderBook
		h.broadcastBookLocked()
	case market.KindCandles:
		if frame.Candle == nil || !h.candles.Upsert(*frame.Candle) {
			return false
		}
		h.broadcastLocked(NewEnvelope(h.key.Kind, h.key.Symbol, h.key.Timeframe, false, true, *frame.Candle))
	case market.KindTrades:
		if frame.Trade == nil || !h.trades.Push(*frame.Trade) {
			return false
		}
		h.broadcastLocked(NewEnvelope(h.key.Kind, h.key.Symbol, "", false, true, *frame.Trade))
	case market.KindLiquidations:
		if frame.Liquidation == nil || !h.liqs.Push(*frame.Liquidation) {
			return false
		}
		h.broadcastLocked(NewEnvelope(h.key.Kind, h.key.Symbol, "", false, true, *frame.Liquidation))
	case market.KindLiquidationVolume:
		if frame.Liquidation == nil {
			return false
		}
		bucket := h.agg.Apply(*frame.Liquidation)
		h.broadcastLocked(NewEnvelope(h.key.Kind, h.key.Symbol, h.key.Timeframe, false, true, bucket))
	case market.KindTicker:
		if frame.Ticker == nil {
			return false
		}
		h.tick = frame.Ticker
		h.broadcastTickerLocked(*frame.Ticker)
	}
	return false
}

func (h *Hub) recordMergeFailureLocked() bool {
	h.rec.MergeFailure(string(h.key.Kind))
	now := time.Now()
	keep := h.mergeFailures[:0]
	for _, t := range h.mergeFailures {
		if now.Sub(t) < mergeFailureWindow {
			keep = append(keep, t)
		}
	}
	h.mergeFailures = append(keep, now)
	if len(h.mergeFailures) < mergeFailureLimit {
		return false
	}
	h.mergeFailures = h.mergeFailures[:0]
	h.broadcastLocked(NewErrorEnvelope(CodeInternal, "stream degraded, resynchronising"))
	return true
}

// initialEnvelopeLocked builds the initial snapshot for one parameter
// set. ok is false only for a ticker hub that has not seen a frame yet;
// its first live tick doubles as the initial message.
func (h *Hub) initialEnvelopeLocked(p Params) (Envelope, bool) {
	switch h.key.Kind {
	case market.KindOrderBook:
		raw := h.rawBook
		if raw == nil {
			raw = &market.RawOrderBook{Symbol: h.key.Symbol, TimestampMs: time.Now().UnixMilli()}
		}
		snap := market.AggregateOrderBook(raw, p.Limit, p.Rounding, h.prec)
		return NewEnvelope(h.key.Kind, h.key.Symbol, "", true, false, snap), true
	case market.KindCandles:
		bars := h.candles.Snapshot()
		if n := p.CandleLimit; n > 0 && len(bars) > n {
			bars = bars[len(bars)-n:]
		}
		return NewEnvelope(h.key.Kind, h.key.Symbol, h.key.Timeframe, true, false, bars), true
	case market.KindTrades:
		return NewEnvelope(h.key.Kind, h.key.Symbol, "", true, false, h.trades.Snapshot()), true
	case market.KindLiquidations:
		return NewEnvelope(h.key.Kind, h.key.Symbol, "", true, false, h.liqs.Snapshot()), true
	case market.KindLiquidationVolume:
		return NewEnvelope(h.key.Kind, h.key.Symbol, h.key.Timeframe, true, false, h.agg.Snapshot()), true
	case market.KindTicker:
		if h.tick == nil {
			return Envelope{}, false
		}
		return NewEnvelope(h.key.Kind, h.key.Symbol, "", true, false, *h.tick), true
	default:
		return Envelope{}, false
	}
}

func (h *Hub) emitInitialLocked(s *subscriber) {
	env, ok := h.initialEnvelopeLocked(s.params)
	if !ok {
		return
	}
	h.deliverLocked(s, env)
	s.initialSent = true
}

// broadcastBookLocked fans a fresh raw book out, materialising one view
// per distinct (limit, rounding) pair.
func (h *Hub) broadcastBookLocked() {
	type viewKey struct {
		limit    int
		rounding float64
	}
	views := make(map[viewKey]Envelope, 1)
	for _, s := range h.subs {
		vk := viewKey{s.params.Limit, s.params.Rounding}
		env, ok := views[vk]
		if !ok {
			snap := market.AggregateOrderBook(h.rawBook, vk.limit, vk.rounding, h.prec)
			env = NewEnvelope(h.key.Kind, h.key.Symbol, "", false, false, snap)
			views[vk] = env
		}
		h.deliverLocked(s, env)
	}
}

// broadcastTickerLocked replaces the ticker for everyone; a subscriber
// that has not received anything yet gets this frame flagged initial.
func (h *Hub) broadcastTickerLocked(t market.Ticker) {
	for _, s := range h.subs {
		env := NewEnvelope(h.key.Kind, h.key.Symbol, "", !s.initialSent, false, t)
		h.deliverLocked(s, env)
		s.initialSent = true
	}
}

func (h *Hub) broadcastLocked(env Envelope) {
	for _, s := range h.subs {
		h.deliverLocked(s, env)
	}
}

// deliverLocked enqueues one envelope; a full queue evicts the session so
// the merge path never waits on a slow consumer.
func (h *Hub) deliverLocked(s *subscriber, env Envelope) {
	if s.sink.Deliver(env) {
		h.rec.MessageSent(string(h.key.Kind))
		return
	}

	id := s.sink.ID()
	if _, ok := h.subs[id]; ok {
		delete(h.subs, id)
		h.refs--
		h.rec.SubscriberDetached(string(h.key.Kind))
	}
	h.rec.SessionEvicted("slow_consumer")
	h.logger.Warn().Str("session", id).Msg("evicting slow consumer")
	go s.sink.Evict(CodeSlowConsumer, "outbound queue overflow")
	if h.refs <= 0 {
		h.scheduleGraceLocked()
	}
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	h.setStateLocked(s)
	h.mu.Unlock()
}

func (h *Hub) setStateLocked(s State) {
	if h.state == s {
		return
	}
	h.logger.Debug().Str("from", h.state.String()).Str("to", s.String()).Msg("upstream state change")
	h.state = s
}

func (h *Hub) isReconciled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconciled
}

// Handle is a session's grip on one hub.
type Handle struct {
	hub  *Hub
	id   string
	once sync.Once
}

// Key returns the hub's identity.
func (hd *Handle) Key() HubKey { return hd.hub.Key() }

// UpdateParams forwards an order-book parameter change.
func (hd *Handle) UpdateParams(p Params) { hd.hub.updateParams(hd.id, p) }

// Close detaches the session from the hub. Idempotent.
func (hd *Handle) Close() {
	hd.once.Do(func() { hd.hub.detach(hd.id) })
}

// backoffDelay returns the exponential reconnect delay with jitter.
func (h *Hub) backoffDelay(attempt int) time.Duration {
	d := h.tun.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= h.tun.BackoffMax {
			d = h.tun.BackoffMax
			break
		}
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
