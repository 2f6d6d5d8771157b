package exchange

import "encoding/json"

const (
	// RestBaseURL is the production futures REST endpoint.
	RestBaseURL = "https://fapi.binance.com"
	// RestTestnetURL is the futures testnet REST endpoint.
	RestTestnetURL = "https://testnet.binancefuture.com"
	// WSBaseURL is the production futures stream endpoint.
	WSBaseURL = "wss://fstream.binance.com/ws"
	// WSTestnetURL is the futures testnet stream endpoint.
	WSTestnetURL = "wss://stream.binancefuture.com/ws"
)

// ExchangeInfo is the /fapi/v1/exchangeInfo response, reduced to the
// fields the registry consumes.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one listed contract.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	Pair              string `json:"pair"`
	ContractType      string `json:"contractType"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

// DepthResponse is the /fapi/v1/depth response. Levels arrive as
// [price, quantity] string pairs.
type DepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// AggTrade is one /fapi/v1/aggTrades entry.
type AggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// BookTicker is one /fapi/v1/ticker/bookTicker entry.
type BookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// Ticker24h is the /fapi/v1/ticker/24hr response for one symbol.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// wsEvent is the minimal probe used to route a raw-stream payload by
// its event type before the full decode.
type wsEvent struct {
	Event string `json:"e"`
}

// wsDepthEvent is a partial book depth frame. Each frame carries the
// whole top-N book, so the cache treats it as a full replacement.
type wsDepthEvent struct {
	Event        string     `json:"e"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Symbol       string     `json:"s"`
	Bids         [][]string `json:"b"`
	Asks         [][]string `json:"a"`
}

// wsKlineEvent is a kline frame; the payload nests under "k".
type wsKlineEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// wsAggTradeEvent is an aggregated trade frame.
type wsAggTradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// wsForceOrderEvent is a forced-liquidation frame; the order nests
// under "o".
type wsForceOrderEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Quantity  string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		Status    string `json:"X"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

// wsTickerEvent is a 24hr rolling ticker frame.
type wsTickerEvent struct {
	Event              string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	QuoteVolume        string `json:"q"`
}

// decodeProbe extracts the event type from a raw payload.
func decodeProbe(data []byte) (string, error) {
	var probe wsEvent
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	return probe.Event, nil
}
