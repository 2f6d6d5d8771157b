package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-data-gateway/internal/market"
)

// Retry configuration for REST calls.
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// RestConfig configures the exchange REST client. Zero values fall back
// to production defaults.
type RestConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond and Burst bound the request weight spent against
	// the exchange. The public market-data endpoints share one budget.
	RequestsPerSecond float64
	Burst             int
}

// RestClient is the HTTP client for the exchange's public market-data
// endpoints. Safe for concurrent use.
type RestClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewRestClient builds a RestClient.
func NewRestClient(cfg RestConfig, logger zerolog.Logger) *RestClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = RestBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 40
	}
	return &RestClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger.With().Str("component", "exchange_rest").Logger(),
	}
}

// get performs one public GET with rate limiting and retry on transient
// failures. The context bounds the whole call including retries.
func (c *RestClient) get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		reqURL := c.baseURL + endpoint
		if len(values) > 0 {
			reqURL += "?" + values.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < maxRetries {
				delay := retryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).
					Dur("retry_in", delay).Err(err).Msg("request failed, retrying")
				if err := sleepCtx(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = fmt.Errorf("exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if attempt < maxRetries && isRetryableStatus(resp.StatusCode, string(body)) {
			delay := retryDelay(attempt)
			c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
				Dur("retry_in", delay).Msg("retryable response")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, lastErr
	}
	return nil, lastErr
}

// isRetryableStatus reports whether a non-200 response is worth another
// attempt: rate limits, server errors and transient exchange codes.
func isRetryableStatus(statusCode int, body string) bool {
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return true
	}
	return strings.Contains(body, "-1001") ||
		strings.Contains(body, "-1003") ||
		strings.Contains(body, "-1016")
}

// retryDelay returns an exponential backoff with ±25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetExchangeInfo fetches the full contract listing.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	resp, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &info, nil
}

// GetBookTickers fetches best bid/ask for every symbol in one call.
func (c *RestClient) GetBookTickers(ctx context.Context) ([]BookTicker, error) {
	resp, err := c.get(ctx, "/fapi/v1/ticker/bookTicker", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching book tickers: %w", err)
	}
	var tickers []BookTicker
	if err := json.Unmarshal(resp, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing book tickers: %w", err)
	}
	return tickers, nil
}

// GetDepth fetches an order-book snapshot at the given depth.
func (c *RestClient) GetDepth(ctx context.Context, symbol string, limit int) (*market.RawOrderBook, error) {
	resp, err := c.get(ctx, "/fapi/v1/depth", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching order book: %w", err)
	}
	var depth DepthResponse
	if err := json.Unmarshal(resp, &depth); err != nil {
		return nil, fmt.Errorf("error parsing order book: %w", err)
	}
	ts := depth.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return &market.RawOrderBook{
		Symbol:      symbol,
		Bids:        parseLevels(depth.Bids),
		Asks:        parseLevels(depth.Asks),
		TimestampMs: ts,
	}, nil
}

// GetKlines fetches historical candles, oldest first. The last bar may
// be in progress.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	resp, err := c.get(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	var rows [][]interface{}
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	now := time.Now().UnixMilli()
	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		closeTime, _ := row[6].(float64)
		candles = append(candles, market.Candle{
			OpenTimeMs: int64(openTime),
			Open:       fieldFloat(row[1]),
			High:       fieldFloat(row[2]),
			Low:        fieldFloat(row[3]),
			Close:      fieldFloat(row[4]),
			Volume:     fieldFloat(row[5]),
			IsClosed:   int64(closeTime) < now,
		})
	}
	return candles, nil
}

// GetAggTrades fetches recent aggregated trades, oldest first.
func (c *RestClient) GetAggTrades(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Trade, error) {
	resp, err := c.get(ctx, "/fapi/v1/aggTrades", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching trades: %w", err)
	}
	var rows []AggTrade
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("error parsing trades: %w", err)
	}
	trades := make([]market.Trade, 0, len(rows))
	for _, row := range rows {
		trades = append(trades, market.NewTrade(
			strconv.FormatInt(row.ID, 10),
			parseF(row.Price),
			parseF(row.Quantity),
			tradeSide(row.IsBuyerMaker),
			row.Timestamp,
			prec,
		))
	}
	return trades, nil
}

// GetTickers24h fetches the rolling 24h statistics for every symbol in
// one call. Used by the registry to attach volume to symbol metadata.
func (c *RestClient) GetTickers24h(ctx context.Context) ([]Ticker24h, error) {
	resp, err := c.get(ctx, "/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr tickers: %w", err)
	}
	var tickers []Ticker24h
	if err := json.Unmarshal(resp, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing 24hr tickers: %w", err)
	}
	return tickers, nil
}

// GetTicker24h fetches the rolling 24h statistics for one symbol.
func (c *RestClient) GetTicker24h(ctx context.Context, symbol string, prec market.Precision) (*market.Ticker, error) {
	resp, err := c.get(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr ticker: %w", err)
	}
	var t Ticker24h
	if err := json.Unmarshal(resp, &t); err != nil {
		return nil, fmt.Errorf("error parsing 24hr ticker: %w", err)
	}
	ticker := market.NewTicker(
		t.Symbol,
		parseF(t.LastPrice),
		parseF(t.PriceChange),
		parseF(t.PriceChangePercent),
		parseF(t.HighPrice),
		parseF(t.LowPrice),
		parseF(t.QuoteVolume),
		t.CloseTime,
		prec,
	)
	return &ticker, nil
}
