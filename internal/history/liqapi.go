package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"market-data-gateway/internal/circuit"
	"market-data-gateway/internal/market"
)

// LiquidationAPI pulls past forced liquidations from the secondary
// collector service. The exchange itself only streams liquidations, it
// does not serve their history, so a separate recorder fills that gap.
// An empty base URL disables the client: lookups return empty without
// error and the stream starts live-only. A circuit breaker keeps a dead
// collector from slowing every seed and REST lookup down.
type LiquidationAPI struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	logger  zerolog.Logger
}

// NewLiquidationAPI builds the client. baseURL may be empty.
func NewLiquidationAPI(baseURL string, logger zerolog.Logger) *LiquidationAPI {
	return &LiquidationAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: liquidationsTimeout},
		breaker: circuit.New("liquidation-collector", circuit.Config{}, logger),
		logger:  logger.With().Str("component", "liquidation_api").Logger(),
	}
}

// Enabled reports whether a collector base URL is configured.
func (a *LiquidationAPI) Enabled() bool {
	return a.baseURL != ""
}

// liquidationRecord is the collector's wire format for one event.
type liquidationRecord struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	TimestampMs int64   `json:"timestampMs"`
}

// Recent returns the most recent liquidations for a symbol, newest first.
func (a *LiquidationAPI) Recent(ctx context.Context, symbol string, limit int, prec market.Precision) ([]market.Liquidation, error) {
	if a.baseURL == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	return a.fetch(ctx, params, prec)
}

// Range returns the liquidations with start <= timestamp < end.
func (a *LiquidationAPI) Range(ctx context.Context, symbol string, startMs, endMs int64, prec market.Precision) ([]market.Liquidation, error) {
	if a.baseURL == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("start", strconv.FormatInt(startMs, 10))
	params.Set("end", strconv.FormatInt(endMs, 10))
	return a.fetch(ctx, params, prec)
}

func (a *LiquidationAPI) fetch(ctx context.Context, params url.Values, prec market.Precision) ([]market.Liquidation, error) {
	if err := a.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("liquidation API skipped: %w", err)
	}
	endpoint := a.baseURL + "/api/v1/liquidations?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating liquidation request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		// A cancelled caller says nothing about the collector's health.
		if !errors.Is(err, context.Canceled) {
			a.breaker.Failure()
		}
		return nil, fmt.Errorf("error fetching liquidations: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.breaker.Failure()
		return nil, fmt.Errorf("error reading liquidation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		a.breaker.Failure()
		return nil, fmt.Errorf("liquidation API returned status %d: %s", resp.StatusCode, string(body))
	}

	var records []liquidationRecord
	if err := json.Unmarshal(body, &records); err != nil {
		a.breaker.Failure()
		return nil, fmt.Errorf("error parsing liquidation response: %w", err)
	}
	a.breaker.Success()

	liqs := make([]market.Liquidation, 0, len(records))
	for _, r := range records {
		liqs = append(liqs, market.NewLiquidation(normalizeSide(r.Side), r.Quantity, r.Price, r.TimestampMs, prec))
	}
	return liqs, nil
}

// normalizeSide maps the collector's side spelling onto the exchange's
// upper-case convention for liquidations.
func normalizeSide(side string) string {
	return strings.ToUpper(side)
}
