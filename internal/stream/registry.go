package stream

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-data-gateway/internal/exchange"
	"market-data-gateway/internal/market"
	"market-data-gateway/internal/metrics"
)

// ErrHubClosed is returned when an attach races registry shutdown.
var ErrHubClosed = errors.New("stream registry closed")

// Deps bundles everything a hub needs to run.
type Deps struct {
	Dialer    exchange.Dialer
	Fetcher   Historical
	Recorder  metrics.Recorder
	Logger    zerolog.Logger
	Grace     time.Duration
	QueueSize int
	Tuning    Tuning
}

// Registry owns the hub map. Attach is the single entry point sessions
// use; lookup-or-create, reference bump and grace cancel happen as one
// atomic step so a hub can never be torn down underneath a new
// subscriber.
type Registry struct {
	deps Deps

	mu     sync.Mutex
	hubs   map[HubKey]*Hub
	closed bool
}

// NewRegistry builds an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Grace <= 0 {
		deps.Grace = DefaultGracePeriod
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop{}
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = DefaultQueueSize
	}
	deps.Tuning = deps.Tuning.withDefaults()
	return &Registry{
		deps: deps,
		hubs: make(map[HubKey]*Hub),
	}
}

// SessionQueueSize reports the outbound queue capacity sessions should
// use.
func (r *Registry) SessionQueueSize() int { return r.deps.QueueSize }

// Attach subscribes a sink to the hub for key, creating and starting the
// hub if none is live. Returns nil once the registry has shut down.
func (r *Registry) Attach(key HubKey, prec market.Precision, sink Sink, params Params) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	h, ok := r.hubs[key]
	if !ok {
		h = newHub(key, prec, r.deps)
		h.onIdle = r.tryRemove
		r.hubs[key] = h
		r.deps.Recorder.HubOpened(string(key.Kind))
		h.logger.Info().Msg("hub opened")
	}
	return h.attach(sink, params)
}

// tryRemove tears a hub down if it is still registered and has no
// subscribers. Runs from the grace timer; the identity check makes a
// stale timer firing after a replacement hub was created harmless.
func (r *Registry) tryRemove(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.hubs[h.key]
	if !ok || cur != h {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		return
	}
	delete(r.hubs, h.key)
	h.stopLocked()
}

// Lookup returns the live hub for key, if any. It never creates one.
func (r *Registry) Lookup(key HubKey) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[key]
	return h, ok
}

// CachedOrderBook aggregates a live order-book hub's cached depth
// without creating a hub or touching the exchange.
func (r *Registry) CachedOrderBook(symbol string, limit int, rounding float64, prec market.Precision) (market.OrderBookSnapshot, bool) {
	h, ok := r.Lookup(HubKey{Symbol: symbol, Kind: market.KindOrderBook})
	if !ok {
		return market.OrderBookSnapshot{}, false
	}
	raw, ok := h.RawOrderBook()
	if !ok {
		return market.OrderBookSnapshot{}, false
	}
	return market.AggregateOrderBook(raw, limit, rounding, prec), true
}

// Len returns the number of live hubs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// HubStatus is a point-in-time view of one hub for health reporting.
type HubStatus struct {
	Symbol      string `json:"symbol"`
	Kind        string `json:"kind"`
	Timeframe   string `json:"timeframe,omitempty"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// Status lists every live hub, ordered by key.
func (r *Registry) Status() []HubStatus {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	out := make([]HubStatus, 0, len(hubs))
	for _, h := range hubs {
		k := h.Key()
		out = append(out, HubStatus{
			Symbol:      k.Symbol,
			Kind:        string(k.Kind),
			Timeframe:   k.Timeframe,
			State:       h.State().String(),
			Subscribers: h.Subscribers(),
			Degraded:    h.Degraded(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// Shutdown stops every hub and refuses further attaches.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	hubs := make([]*Hub, 0, len(r.hubs))
	for k, h := range r.hubs {
		hubs = append(hubs, h)
		delete(r.hubs, k)
	}
	r.mu.Unlock()

	for _, h := range hubs {
		h.mu.Lock()
		h.stopLocked()
		h.mu.Unlock()
	}
}
