package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"market-data-gateway/internal/liqvol"
	"market-data-gateway/internal/market"
	"market-data-gateway/internal/symbols"
)

// errorBody is the REST error payload shape.
type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func restError(c *gin.Context, status int, typ, message string) {
	c.JSON(status, gin.H{"error": errorBody{Type: typ, Message: message}})
}

// handleSymbols returns the tradable symbol list.
// GET /symbols
func (s *Server) handleSymbols(c *gin.Context) {
	metas, err := s.symbols.List(c.Request.Context())
	if err != nil {
		restError(c, http.StatusServiceUnavailable, "UpstreamUnavailable", "symbol registry unavailable")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbols":  metas,
		"count":    len(metas),
		"degraded": s.symbols.Degraded(),
	})
}

// handleOrderBook returns one aggregated order-book snapshot. A live hub
// for the symbol answers from its cache; otherwise the book is fetched
// directly, without creating a hub.
// GET /orderbook/:symbol?limit=&rounding=
func (s *Server) handleOrderBook(c *gin.Context) {
	meta, ok := s.restMeta(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		restError(c, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	rounding, err := queryFloat(c, "rounding", 0)
	if err != nil {
		restError(c, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	limit = market.ClampOrderBookLimit(limit, s.config.MaxBookLimit)
	rounding = sessionRounding(meta, rounding)
	prec := meta.Precision()

	snap, ok := s.streams.CachedOrderBook(meta.ExchangeID, limit, rounding, prec)
	if !ok {
		raw, err := s.fetcher.OrderBook(c.Request.Context(), meta.ExchangeID, limit)
		if err != nil {
			restError(c, http.StatusBadGateway, "UpstreamUnavailable", "order book fetch failed")
			return
		}
		snap = market.AggregateOrderBook(raw, limit, rounding, prec)
	}

	c.JSON(http.StatusOK, snap)
}

// handleLiquidationVolume returns liquidation-volume buckets aggregated
// over an explicit time range.
// GET /liquidation-volume/:symbol/:timeframe?start=&end=
func (s *Server) handleLiquidationVolume(c *gin.Context) {
	meta, ok := s.restMeta(c)
	if !ok {
		return
	}
	tf := c.Param("timeframe")
	tfMs, ok := market.TimeframeMs(tf)
	if !ok {
		restError(c, http.StatusBadRequest, "InvalidTimeframe", fmt.Sprintf("timeframe %q is not supported", tf))
		return
	}
	start, err := queryInt64Required(c, "start")
	if err != nil {
		restError(c, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	end, err := queryInt64Required(c, "end")
	if err != nil {
		restError(c, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if start <= 0 || end <= start {
		restError(c, http.StatusBadRequest, "BadRequest", "start and end must be millisecond timestamps with start < end")
		return
	}

	liqs, err := s.fetcher.LiquidationsRange(c.Request.Context(), meta.ExchangeID, start, end, meta.Precision())
	if err != nil {
		restError(c, http.StatusBadGateway, "UpstreamUnavailable", "liquidation history fetch failed")
		return
	}

	agg := liqvol.New(tfMs)
	agg.Seed(liqs)

	c.JSON(http.StatusOK, gin.H{
		"symbol":    meta.DisplayID,
		"timeframe": tf,
		"start":     start,
		"end":       end,
		"buckets":   agg.Snapshot(),
	})
}

// restMeta resolves the path symbol for a REST request, writing the
// error response itself when it cannot.
func (s *Server) restMeta(c *gin.Context) (symbols.SymbolMeta, bool) {
	raw := c.Param("symbol")
	meta, err := s.symbols.Metadata(c.Request.Context(), raw)
	if err == nil {
		return meta, true
	}
	if errors.Is(err, symbols.ErrUnknownSymbol) {
		restError(c, http.StatusNotFound, "UnknownSymbol", fmt.Sprintf("unknown symbol %q", raw))
	} else {
		restError(c, http.StatusServiceUnavailable, "UpstreamUnavailable", "symbol registry unavailable")
	}
	return symbols.SymbolMeta{}, false
}

func queryInt64Required(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, fmt.Errorf("query parameter %q is required", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q must be a millisecond timestamp", name)
	}
	return v, nil
}
