// Package cache provides Redis-based read-through caching with graceful
// degradation. When Redis is unavailable the service answers every lookup
// as a miss and retries connectivity in the background, so callers never
// block on a dead cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-data-gateway/internal/market"
)

// Key layout. Everything the gateway stores lives under the mdg: prefix so
// a shared Redis instance stays easy to inspect and flush.
const (
	keySymbols         = "mdg:symbols"
	keyCandlesFmt      = "mdg:candles:%s:%s"
	keyTradesFmt       = "mdg:trades:%s"
	keyLiquidationsFmt = "mdg:liq:%s"
)

const (
	// SymbolsTTL keeps the last good symbol table around long enough to
	// survive an exchange outage across restarts.
	SymbolsTTL = 24 * time.Hour
	// HistoryTTL bounds how stale a cached historical window may be served.
	// It only needs to absorb attach churn around the hub grace period.
	HistoryTTL = 30 * time.Second
)

// Config holds the Redis connection settings.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Service wraps a Redis client with a small circuit breaker. After three
// consecutive failures it stops touching Redis and probes connectivity at
// most every checkInterval until a ping succeeds. A nil *Service is valid
// and behaves as a cache that always misses.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis and returns the service. A failed initial ping is
// not an error: the service comes up unhealthy and recovers on its own.
// When cfg.Enabled is false it returns (nil, nil).
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis enabled but no address configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Str("address", cfg.Address).
			Msg("initial redis connection failed, starting degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("address", cfg.Address).Msg("redis connected")
	return s, nil
}

// Healthy reports whether Redis is currently usable.
func (s *Service) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Close releases the Redis connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Int("failures", s.failureCount).
				Msg("circuit breaker open, redis marked unhealthy")
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("circuit breaker closed, redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth schedules a background ping once checkInterval has passed
// since the breaker opened.
func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldProbe := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if shouldProbe {
		s.lastCheck = time.Now()
	}
	s.mu.RUnlock()

	if !shouldProbe {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// get returns the raw value for key, with ok=false on miss, unhealthy
// breaker, or any Redis error.
func (s *Service) get(ctx context.Context, key string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	s.checkHealth()
	if !s.Healthy() {
		return nil, false
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.recordSuccess()
			return nil, false
		}
		s.recordFailure()
		s.logger.Debug().Err(err).Str("key", key).Msg("redis get failed")
		return nil, false
	}

	s.recordSuccess()
	return data, true
}

func (s *Service) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if s == nil {
		return
	}
	s.checkHealth()
	if !s.Healthy() {
		return
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		s.logger.Debug().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	s.recordSuccess()
}

func (s *Service) getJSON(ctx context.Context, key string, dest interface{}) bool {
	data, ok := s.get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return false
	}
	return true
}

func (s *Service) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if s == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	s.set(ctx, key, data, ttl)
}

// SaveSymbols persists the serialized symbol table.
func (s *Service) SaveSymbols(ctx context.Context, data []byte) {
	s.set(ctx, keySymbols, data, SymbolsTTL)
}

// LoadSymbols returns the last persisted symbol table.
func (s *Service) LoadSymbols(ctx context.Context) ([]byte, bool) {
	return s.get(ctx, keySymbols)
}

// CandlesKey builds the cache key for a candle window.
func CandlesKey(symbol, timeframe string) string {
	return fmt.Sprintf(keyCandlesFmt, symbol, timeframe)
}

// TradesKey builds the cache key for a trade window.
func TradesKey(symbol string) string {
	return fmt.Sprintf(keyTradesFmt, symbol)
}

// LiquidationsKey builds the cache key for a liquidation window.
func LiquidationsKey(symbol string) string {
	return fmt.Sprintf(keyLiquidationsFmt, symbol)
}

// SaveCandles caches a fetched candle window.
func (s *Service) SaveCandles(ctx context.Context, symbol, timeframe string, candles []market.Candle) {
	s.setJSON(ctx, CandlesKey(symbol, timeframe), candles, HistoryTTL)
}

// LoadCandles returns a cached candle window.
func (s *Service) LoadCandles(ctx context.Context, symbol, timeframe string) ([]market.Candle, bool) {
	var candles []market.Candle
	if !s.getJSON(ctx, CandlesKey(symbol, timeframe), &candles) {
		return nil, false
	}
	return candles, true
}

// SaveTrades caches a fetched trade window.
func (s *Service) SaveTrades(ctx context.Context, symbol string, trades []market.Trade) {
	s.setJSON(ctx, TradesKey(symbol), trades, HistoryTTL)
}

// LoadTrades returns a cached trade window.
func (s *Service) LoadTrades(ctx context.Context, symbol string) ([]market.Trade, bool) {
	var trades []market.Trade
	if !s.getJSON(ctx, TradesKey(symbol), &trades) {
		return nil, false
	}
	return trades, true
}

// SaveLiquidations caches a fetched liquidation window.
func (s *Service) SaveLiquidations(ctx context.Context, symbol string, liqs []market.Liquidation) {
	s.setJSON(ctx, LiquidationsKey(symbol), liqs, HistoryTTL)
}

// LoadLiquidations returns a cached liquidation window.
func (s *Service) LoadLiquidations(ctx context.Context, symbol string) ([]market.Liquidation, bool) {
	var liqs []market.Liquidation
	if !s.getJSON(ctx, LiquidationsKey(symbol), &liqs) {
		return nil, false
	}
	return liqs, true
}

// Stats reports breaker state for the health endpoint.
type Stats struct {
	Healthy      bool `json:"healthy"`
	FailureCount int  `json:"failureCount"`
}

// GetStats returns current cache statistics.
func (s *Service) GetStats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Healthy: s.healthy, FailureCount: s.failureCount}
}
