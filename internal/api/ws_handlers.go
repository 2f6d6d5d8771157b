package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"market-data-gateway/internal/market"
	"market-data-gateway/internal/stream"
	"market-data-gateway/internal/symbols"
)

const rejectWriteWait = 5 * time.Second

// newUpgrader builds the websocket upgrader. With no configured origins
// any origin may connect; otherwise the Origin header must match one of
// the configured values. Requests without an Origin header are
// non-browser clients and always pass.
func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// handleOrderBookWS streams aggregated order-book snapshots.
// GET /ws/orderbook/:symbol?limit=&rounding=
func (s *Server) handleOrderBookWS(c *gin.Context) {
	meta, code, msg := s.resolveMeta(c)
	if code != "" {
		s.rejectWS(c, code, msg)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		s.rejectWS(c, stream.CodeBadRequest, err.Error())
		return
	}
	rounding, err := queryFloat(c, "rounding", 0)
	if err != nil {
		s.rejectWS(c, stream.CodeBadRequest, err.Error())
		return
	}

	params := stream.Params{
		Limit:    market.ClampOrderBookLimit(limit, s.config.MaxBookLimit),
		Rounding: sessionRounding(meta, rounding),
	}
	key := stream.HubKey{Symbol: meta.ExchangeID, Kind: market.KindOrderBook}
	s.serve(c, meta, key, params, "")
}

// handleCandlesWS streams candles for one timeframe. The optional
// container_width query sizes the initial history to the client's chart.
// GET /ws/candles/:symbol/:timeframe?container_width=
func (s *Server) handleCandlesWS(c *gin.Context) {
	meta, code, msg := s.resolveMeta(c)
	if code != "" {
		s.rejectWS(c, code, msg)
		return
	}
	tf := c.Param("timeframe")
	if !market.ValidTimeframe(tf) {
		s.rejectWS(c, stream.CodeInvalidTimeframe, fmt.Sprintf("timeframe %q is not supported", tf))
		return
	}
	width, err := queryInt(c, "container_width", 0)
	if err != nil {
		s.rejectWS(c, stream.CodeBadRequest, err.Error())
		return
	}

	params := stream.Params{CandleLimit: market.CandleLimitForWidth(width)}
	key := stream.HubKey{Symbol: meta.ExchangeID, Kind: market.KindCandles, Timeframe: tf}
	s.serve(c, meta, key, params, "")
}

// handleTradesWS streams recent trades.
// GET /ws/trades/:symbol
func (s *Server) handleTradesWS(c *gin.Context) {
	meta, code, msg := s.resolveMeta(c)
	if code != "" {
		s.rejectWS(c, code, msg)
		return
	}
	key := stream.HubKey{Symbol: meta.ExchangeID, Kind: market.KindTrades}
	s.serve(c, meta, key, stream.Params{}, "")
}

// handleLiquidationsWS streams forced liquidation orders. When a
// timeframe query is present the same socket also carries the matching
// liquidation-volume buckets.
// GET /ws/liquidations/:symbol?timeframe=
func (s *Server) handleLiquidationsWS(c *gin.Context) {
	meta, code, msg := s.resolveMeta(c)
	if code != "" {
		s.rejectWS(c, code, msg)
		return
	}
	tf := c.Query("timeframe")
	if tf != "" && !market.ValidTimeframe(tf) {
		s.rejectWS(c, stream.CodeInvalidTimeframe, fmt.Sprintf("timeframe %q is not supported", tf))
		return
	}
	key := stream.HubKey{Symbol: meta.ExchangeID, Kind: market.KindLiquidations}
	s.serve(c, meta, key, stream.Params{}, tf)
}

// handleTickerWS streams 24h ticker statistics.
// GET /ws/ticker/:symbol
func (s *Server) handleTickerWS(c *gin.Context) {
	meta, code, msg := s.resolveMeta(c)
	if code != "" {
		s.rejectWS(c, code, msg)
		return
	}
	key := stream.HubKey{Symbol: meta.ExchangeID, Kind: market.KindTicker}
	s.serve(c, meta, key, stream.Params{}, "")
}

// serve upgrades the connection and hands it to a new session.
func (s *Server) serve(c *gin.Context, meta symbols.SymbolMeta, key stream.HubKey, params stream.Params, volumeTimeframe string) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := stream.NewSession(conn, s.streams, meta.Precision(), s.config.MaxBookLimit, s.logger)
	if err := sess.Open(key, params, volumeTimeframe); err != nil {
		s.logger.Warn().Err(err).Str("hub", key.String()).Msg("session rejected")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(rejectWriteWait))
		conn.Close()
	}
}

// rejectWS upgrades the connection only to deliver an error frame and
// the matching close code. Validation failures are reported in-protocol
// so browser clients, which cannot read HTTP error bodies on a websocket
// request, still learn the reason.
func (s *Server) rejectWS(c *gin.Context, code, message string) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(rejectWriteWait))
	conn.WriteJSON(stream.NewErrorEnvelope(code, message))
	conn.WriteControl(websocket.CloseMessage, stream.FormatCloseMessage(code), time.Now().Add(rejectWriteWait))
}

// resolveMeta maps the path symbol to its metadata. A non-empty code
// return means the request must be rejected.
func (s *Server) resolveMeta(c *gin.Context) (symbols.SymbolMeta, string, string) {
	raw := c.Param("symbol")
	meta, err := s.symbols.Metadata(c.Request.Context(), raw)
	if err == nil {
		return meta, "", ""
	}
	if errors.Is(err, symbols.ErrUnknownSymbol) {
		return symbols.SymbolMeta{}, stream.CodeUnknownSymbol, fmt.Sprintf("unknown symbol %q", raw)
	}
	return symbols.SymbolMeta{}, stream.CodeUpstreamUnavailable, "symbol registry unavailable"
}

// sessionRounding picks the rounding step a new order-book session
// starts with: the requested one when the symbol's ladder carries it,
// the symbol default otherwise.
func sessionRounding(meta symbols.SymbolMeta, requested float64) float64 {
	if requested > 0 && symbols.ValidRounding(meta.RoundingLadder, requested) {
		return requested
	}
	return meta.DefaultRounding
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q must be an integer", name)
	}
	return v, nil
}

func queryFloat(c *gin.Context, name string, def float64) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q must be a number", name)
	}
	return v, nil
}
