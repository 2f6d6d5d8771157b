package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-data-gateway/internal/market"
)

const (
	sessionWriteWait  = 10 * time.Second
	sessionPongWait   = 60 * time.Second
	sessionPingPeriod = 30 * time.Second
	maxControlBytes   = 4096
)

// Session is one downstream websocket connection bridged onto one hub,
// or two for a liquidation socket that also wants volume buckets. The
// hub side talks to it only through the Sink interface; the network side
// runs a read pump and a write pump in the usual gorilla arrangement.
type Session struct {
	id           string
	conn         *websocket.Conn
	registry     *Registry
	prec         market.Precision
	maxBookLimit int
	logger       zerolog.Logger

	queue chan Envelope
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	closed    bool
	params    Params
	primary   *Handle
	volume    *Handle
	finalEnv  *Envelope
	closeCode int
	closeText string
}

var _ Sink = (*Session)(nil)

// NewSession wraps a freshly upgraded connection. Open must be called to
// attach it and start the pumps.
func NewSession(conn *websocket.Conn, registry *Registry, prec market.Precision, maxBookLimit int, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		conn:         conn,
		registry:     registry,
		prec:         prec,
		maxBookLimit: maxBookLimit,
		logger:       logger.With().Str("session", id).Logger(),
		queue:        make(chan Envelope, registry.SessionQueueSize()),
		done:         make(chan struct{}),
		closeCode:    websocket.CloseNormalClosure,
	}
}

// ID implements Sink.
func (s *Session) ID() string { return s.id }

// Deliver implements Sink. It never blocks; false means the queue is
// full and the hub should drop this session.
func (s *Session) Deliver(env Envelope) bool {
	select {
	case s.queue <- env:
		return true
	default:
		return false
	}
}

// Evict implements Sink. The hub has already detached us; the error
// frame bypasses the full queue and goes out with the close handshake.
func (s *Session) Evict(code, message string) {
	env := NewErrorEnvelope(code, message)
	s.close(CloseCodeFor(code), message, &env)
}

// Hangup implements Sink. Shutdown sends no error frame, just the
// going-away close.
func (s *Session) Hangup() {
	s.close(websocket.CloseGoingAway, "server shutting down", nil)
}

// Open attaches the session to its hub and starts both pumps. A
// non-empty volumeTimeframe on a liquidation socket attaches the
// matching volume hub as well, so one connection carries both feeds.
func (s *Session) Open(key HubKey, params Params, volumeTimeframe string) error {
	h := s.registry.Attach(key, s.prec, s, params)
	if h == nil {
		return ErrHubClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Close()
		return errors.New("session closed during open")
	}
	s.params = params
	s.primary = h
	s.mu.Unlock()

	if volumeTimeframe != "" && key.Kind == market.KindLiquidations {
		vkey := HubKey{Symbol: key.Symbol, Kind: market.KindLiquidationVolume, Timeframe: volumeTimeframe}
		vh := s.registry.Attach(vkey, s.prec, s, params)
		if vh == nil {
			s.close(websocket.CloseInternalServerErr, "", nil)
			return ErrHubClosed
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			vh.Close()
			return errors.New("session closed during open")
		}
		s.volume = vh
		s.mu.Unlock()
	}

	s.logger.Info().Str("hub", key.String()).Msg("session opened")
	go s.writePump()
	go s.readPump()
	return nil
}

// close runs the teardown exactly once: detach from the hubs, record how
// the socket should be closed, and wake the write pump to finish it.
func (s *Session) close(closeCode int, reason string, env *Envelope) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.finalEnv = env
		s.closeCode = closeCode
		s.closeText = reason
		primary, volume := s.primary, s.volume
		s.primary, s.volume = nil, nil
		s.mu.Unlock()

		if primary != nil {
			primary.Close()
		}
		if volume != nil {
			volume.Close()
		}
		close(s.done)
		s.logger.Info().Int("close_code", closeCode).Msg("session closed")
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(sessionPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.close(websocket.CloseAbnormalClosure, "", nil)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "", nil)
				return
			}
		case <-s.done:
			s.finishClose()
			return
		}
	}
}

// finishClose writes the farewell error frame, if any, and the close
// frame. Both writes are best effort; the peer may already be gone.
func (s *Session) finishClose() {
	s.mu.Lock()
	env, code, text := s.finalEnv, s.closeCode, s.closeText
	s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	if env != nil {
		s.conn.WriteJSON(*env)
	}
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (s *Session) readPump() {
	defer func() {
		s.close(websocket.CloseNormalClosure, "", nil)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxControlBytes)
	s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		s.handleControl(raw)
	}
}

type controlMessage struct {
	Type      string   `json:"type"`
	Limit     *int     `json:"limit,omitempty"`
	Rounding  *float64 `json:"rounding,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

func (s *Session) handleControl(raw []byte) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed control message")
		return
	}
	switch msg.Type {
	case "ping":
		s.Deliver(NewPong())
	case "update_params":
		s.updateParams(msg)
	case "change_timeframe":
		s.changeTimeframe(msg.Timeframe)
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown control message")
	}
}

// updateParams forwards a new order-book view to the hub. Fields the
// client leaves out keep their current value.
func (s *Session) updateParams(msg controlMessage) {
	s.mu.Lock()
	h := s.primary
	p := s.params
	s.mu.Unlock()
	if h == nil || h.Key().Kind != market.KindOrderBook {
		s.logger.Debug().Msg("ignoring update_params on non-orderbook session")
		return
	}

	if msg.Limit != nil {
		p.Limit = market.ClampOrderBookLimit(*msg.Limit, s.maxBookLimit)
	}
	if msg.Rounding != nil && *msg.Rounding >= 0 {
		p.Rounding = *msg.Rounding
	}

	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	h.UpdateParams(p)
}

// changeTimeframe swaps the session onto the hub for the new timeframe.
// Candle sockets swap their only hub; liquidation sockets swap just the
// volume hub while the order feed stays put.
func (s *Session) changeTimeframe(tf string) {
	if !market.ValidTimeframe(tf) {
		s.Deliver(NewErrorEnvelope(CodeInvalidTimeframe, "unsupported timeframe: "+tf))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch {
	case s.primary != nil && s.primary.Key().Kind == market.KindCandles:
		old := s.primary
		key := old.Key()
		if key.Timeframe == tf {
			return
		}
		key.Timeframe = tf
		old.Close()
		if h := s.registry.Attach(key, s.prec, s, s.params); h != nil {
			s.primary = h
		}
	case s.volume != nil:
		old := s.volume
		key := old.Key()
		if key.Timeframe == tf {
			return
		}
		key.Timeframe = tf
		old.Close()
		if h := s.registry.Attach(key, s.prec, s, s.params); h != nil {
			s.volume = h
		}
	default:
		s.logger.Debug().Str("timeframe", tf).Msg("ignoring change_timeframe on this session kind")
	}
}
