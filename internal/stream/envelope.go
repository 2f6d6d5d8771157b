// Package stream implements the fan-out core of the gateway: one hub per
// (symbol, kind[, timeframe]) owning a single upstream connection, a hub
// registry with grace shutdown, and the subscriber sessions hubs deliver
// into.
package stream

import (
	"time"

	"github.com/gorilla/websocket"

	"market-data-gateway/internal/market"
)

// Downstream message types.
const (
	TypeOrderBook         = "orderbook"
	TypeCandles           = "candles"
	TypeTrades            = "trades"
	TypeTicker            = "ticker"
	TypeLiquidationOrder  = "liquidation_order"
	TypeLiquidationVolume = "liquidation_volume"
	TypeError             = "error"
	TypePong              = "pong"
)

// Machine-readable error codes carried by error frames.
const (
	CodeUnknownSymbol       = "UnknownSymbol"
	CodeInvalidTimeframe    = "InvalidTimeframe"
	CodeSlowConsumer        = "SlowConsumer"
	CodeUpstreamUnavailable = "UpstreamUnavailable"
	CodeBadRequest          = "BadRequest"
	CodeInternal            = "Internal"
)

// Application close codes, in the private range the websocket RFC leaves
// to applications.
const (
	CloseBadRequest      = 4400
	CloseUnknownSymbol   = 4404
	CloseSlowConsumer    = 4408
	CloseInternalError   = 4500
	CloseUpstreamFailure = 4502
)

// CloseCodeFor maps an error code to the close code sent after the error
// frame.
func CloseCodeFor(code string) int {
	switch code {
	case CodeUnknownSymbol:
		return CloseUnknownSymbol
	case CodeInvalidTimeframe, CodeBadRequest:
		return CloseBadRequest
	case CodeSlowConsumer:
		return CloseSlowConsumer
	case CodeUpstreamUnavailable:
		return CloseUpstreamFailure
	default:
		return CloseInternalError
	}
}

// Envelope is the frame every downstream message travels in. Data holds
// the kind-specific payload; error frames use Code and Message instead.
type Envelope struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Timeframe string      `json:"timeframe,omitempty"`
	Initial   bool        `json:"initial"`
	IsUpdate  bool        `json:"isUpdate"`
	Data      interface{} `json:"data,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// TypeForKind maps a stream kind to its downstream message type.
func TypeForKind(kind market.Kind) string {
	switch kind {
	case market.KindOrderBook:
		return TypeOrderBook
	case market.KindCandles:
		return TypeCandles
	case market.KindTrades:
		return TypeTrades
	case market.KindTicker:
		return TypeTicker
	case market.KindLiquidations:
		return TypeLiquidationOrder
	case market.KindLiquidationVolume:
		return TypeLiquidationVolume
	default:
		return string(kind)
	}
}

// NewEnvelope builds a data frame.
func NewEnvelope(kind market.Kind, symbol, timeframe string, initial, isUpdate bool, data interface{}) Envelope {
	return Envelope{
		Type:      TypeForKind(kind),
		Symbol:    symbol,
		Timeframe: timeframe,
		Initial:   initial,
		IsUpdate:  isUpdate,
		Data:      data,
		Timestamp: nowISO(),
	}
}

// NewErrorEnvelope builds an error frame.
func NewErrorEnvelope(code, message string) Envelope {
	return Envelope{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: nowISO(),
	}
}

// NewPong builds the reply to a client ping.
func NewPong() Envelope {
	return Envelope{Type: TypePong, Timestamp: nowISO()}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// FormatCloseMessage renders the websocket close frame for an error code.
func FormatCloseMessage(code string) []byte {
	return websocket.FormatCloseMessage(CloseCodeFor(code), code)
}
