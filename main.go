package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-data-gateway/config"
	"market-data-gateway/internal/api"
	"market-data-gateway/internal/cache"
	"market-data-gateway/internal/exchange"
	"market-data-gateway/internal/history"
	"market-data-gateway/internal/logging"
	"market-data-gateway/internal/metrics"
	"market-data-gateway/internal/stream"
	"market-data-gateway/internal/symbols"
	"market-data-gateway/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().Bool("debug", cfg.Debug).Msg("starting market data gateway")

	ctx := context.Background()

	// Vault is an optional API key source; the configured key is the
	// fallback when it is disabled or unreachable
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	}, cfg.ExchangeConfig.APIKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client init failed")
	}
	apiKey := vaultClient.APIKey(ctx)

	// Redis read-through cache, optional
	cacheSvc, err := cache.New(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis init failed")
	}
	if cacheSvc != nil {
		logger.Info().Str("addr", cfg.RedisConfig.Address).Msg("redis cache enabled")
	}

	// Upstream exchange clients. Without credentials the gateway serves
	// public market data from the sandbox endpoints.
	if apiKey == "" && !cfg.ExchangeConfig.TestNet {
		logger.Info().Msg("no exchange API key configured, using sandbox endpoints")
	}
	useTestnet := cfg.ExchangeConfig.TestNet || apiKey == ""
	restURL := cfg.ExchangeConfig.RestBaseURL
	wsURL := cfg.ExchangeConfig.WSBaseURL
	if useTestnet {
		if restURL == "" {
			restURL = exchange.RestTestnetURL
		}
		if wsURL == "" {
			wsURL = exchange.WSTestnetURL
		}
	}
	restClient := exchange.NewRestClient(exchange.RestConfig{
		BaseURL: restURL,
		APIKey:  apiKey,
	}, logger)
	dialer := exchange.NewWSDialer(wsURL, logger)

	// Symbol registry, warmed before the server accepts traffic
	var store symbols.SnapshotStore
	if cacheSvc != nil {
		store = cacheSvc
	}
	symReg := symbols.New(restClient, store, symbols.Config{
		TTL:            cfg.RegistryConfig.TTL,
		QuoteWhitelist: cfg.RegistryConfig.QuoteWhitelist,
	}, logger)
	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	if _, err := symReg.List(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("symbol warm-up failed, starting degraded")
	}
	cancelWarm()

	// Historical sources
	liqAPI := history.NewLiquidationAPI(cfg.LiquidationAPIConfig.BaseURL, logger)
	if !liqAPI.Enabled() {
		logger.Info().Msg("liquidation collector not configured, historical liquidations disabled")
	}
	fetcher := history.NewFetcher(restClient, liqAPI, cacheSvc, logger)

	// Metrics
	var recorder metrics.Recorder = metrics.Nop{}
	var metricsServer *metrics.Server
	if cfg.MetricsConfig.Enabled {
		recorder = metrics.Prom{}
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsConfig.Port), logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	// Stream hub registry
	streams := stream.NewRegistry(stream.Deps{
		Dialer:    dialer,
		Fetcher:   fetcher,
		Recorder:  recorder,
		Logger:    logger,
		Grace:     cfg.StreamConfig.GracePeriod,
		QueueSize: cfg.StreamConfig.QueueSize,
	})

	// Downstream HTTP server
	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		PathPrefix:     cfg.ServerConfig.PathPrefix,
		CORSOrigins:    cfg.ServerConfig.CORSOrigins,
		RateLimit:      cfg.ServerConfig.RateLimit,
		MaxBookLimit:   cfg.StreamConfig.MaxBookLimit,
		ProductionMode: !cfg.Debug,
	}, streams, symReg, fetcher, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	// Stop accepting new connections first, then tear down the hubs so
	// every session gets its close frame
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	streams.Shutdown()
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}
	if err := cacheSvc.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close failed")
	}

	logger.Info().Msg("shutdown complete")
}
