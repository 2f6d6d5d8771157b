package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-data-gateway/internal/market"
)

const (
	connectTimeout  = 10 * time.Second
	readIdleTimeout = 90 * time.Second
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
	frameBuffer     = 256
)

// Subscription identifies one upstream stream.
type Subscription struct {
	Symbol    string // exchange symbol, e.g. BTCUSDT
	Kind      market.Kind
	Timeframe string // candles only
	Precision market.Precision
}

// StreamName returns the exchange stream name for this subscription.
// Liquidation-volume hubs consume the same forced-order stream as the
// liquidation-order hubs; bucketing happens downstream.
func (s Subscription) StreamName() string {
	sym := strings.ToLower(s.Symbol)
	switch s.Kind {
	case market.KindOrderBook:
		return sym + "@depth20@100ms"
	case market.KindCandles:
		return sym + "@kline_" + s.Timeframe
	case market.KindTrades:
		return sym + "@aggTrade"
	case market.KindTicker:
		return sym + "@ticker"
	case market.KindLiquidations, market.KindLiquidationVolume:
		return sym + "@forceOrder"
	default:
		return sym
	}
}

// Stream is one live upstream connection. Frames closes when the
// connection dies; Err then reports the reason (nil after a deliberate
// Close). The stream never reconnects itself; that is the hub's job.
type Stream interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}

// Dialer opens upstream streams. Tests substitute scripted feeds.
type Dialer interface {
	Dial(ctx context.Context, sub Subscription) (Stream, error)
}

// WSDialer dials the exchange raw-stream endpoint.
type WSDialer struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

// NewWSDialer builds a WSDialer; an empty baseURL means production.
func NewWSDialer(baseURL string, logger zerolog.Logger) *WSDialer {
	if baseURL == "" {
		baseURL = WSBaseURL
	}
	return &WSDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
		},
		logger: logger.With().Str("component", "exchange_ws").Logger(),
	}
}

// Dial opens the stream for sub and starts its read and ping loops.
func (d *WSDialer) Dial(ctx context.Context, sub Subscription) (Stream, error) {
	url := d.baseURL + "/" + sub.StreamName()
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", url, err)
	}
	s := &wsStream{
		conn:   conn,
		sub:    sub,
		frames: make(chan Frame, frameBuffer),
		closed: make(chan struct{}),
		logger: d.logger.With().Str("stream", sub.StreamName()).Logger(),
	}
	go s.readLoop()
	go s.pingLoop()
	s.logger.Info().Msg("upstream connected")
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	sub    Subscription
	frames chan Frame
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

func (s *wsStream) Frames() <-chan Frame { return s.frames }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is idempotent and safe against a concurrent read failure.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}

func (s *wsStream) readLoop() {
	defer close(s.frames)

	s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				// Deliberate close, not a failure.
			default:
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				s.logger.Warn().Err(err).Msg("upstream read failed")
				s.Close()
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

		frame, ok, err := decodeFrame(data, s.sub.Precision)
		if err != nil {
			s.logger.Debug().Err(err).Msg("undecodable frame")
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.frames <- frame:
		case <-s.closed:
			return
		}
	}
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
