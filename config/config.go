package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerConfig         ServerConfig         `json:"server"`
	ExchangeConfig       ExchangeConfig       `json:"exchange"`
	LiquidationAPIConfig LiquidationAPIConfig `json:"liquidation_api"`
	StreamConfig         StreamConfig         `json:"stream"`
	RegistryConfig       RegistryConfig       `json:"symbols"`
	RedisConfig          RedisConfig          `json:"redis"`
	VaultConfig          VaultConfig          `json:"vault"`
	MetricsConfig        MetricsConfig        `json:"metrics"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	Debug                bool                 `json:"debug"`
}

// ServerConfig holds the downstream HTTP server configuration
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	PathPrefix  string   `json:"path_prefix"` // websocket route prefix
	CORSOrigins []string `json:"cors_origins"`
	RateLimit   int      `json:"rate_limit"` // REST requests per minute per client
}

// ExchangeConfig holds the upstream exchange endpoints and credentials
type ExchangeConfig struct {
	RestBaseURL string `json:"rest_base_url"`
	WSBaseURL   string `json:"ws_base_url"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	TestNet     bool   `json:"testnet"`
}

// LiquidationAPIConfig points at the liquidation collector service.
// An empty base URL disables historical liquidations.
type LiquidationAPIConfig struct {
	BaseURL string `json:"base_url"`
}

// StreamConfig tunes the hub and session layer
type StreamConfig struct {
	GracePeriod  time.Duration `json:"grace_period"`   // hub teardown delay after last unsubscribe
	QueueSize    int           `json:"queue_size"`     // per-session outbound queue capacity
	MaxBookLimit int           `json:"max_book_limit"` // cap on order-book depth a client may request
}

// RegistryConfig tunes the symbol registry
type RegistryConfig struct {
	TTL            time.Duration `json:"ttl"`
	QuoteWhitelist []string      `json:"quote_whitelist"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault settings for API key retrieval
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the exchange credentials secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with defaults
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.PathPrefix = getEnvOrDefault("SERVER_PATH_PREFIX", cfg.ServerConfig.PathPrefix)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.ServerConfig.CORSOrigins = splitCSV(origins)
	}
	cfg.ServerConfig.RateLimit = getEnvIntOrDefault("SERVER_RATE_LIMIT", cfg.ServerConfig.RateLimit)

	// Exchange config
	cfg.ExchangeConfig.RestBaseURL = getEnvOrDefault("EXCHANGE_REST_URL", cfg.ExchangeConfig.RestBaseURL)
	cfg.ExchangeConfig.WSBaseURL = getEnvOrDefault("EXCHANGE_WS_URL", cfg.ExchangeConfig.WSBaseURL)
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.APISecret = getEnvOrDefault("EXCHANGE_API_SECRET", cfg.ExchangeConfig.APISecret)
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		cfg.ExchangeConfig.TestNet = v == "true"
	}

	// Liquidation collector
	cfg.LiquidationAPIConfig.BaseURL = getEnvOrDefault("LIQUIDATION_API_URL", cfg.LiquidationAPIConfig.BaseURL)

	// Stream config
	cfg.StreamConfig.GracePeriod = getEnvDurationOrDefault("STREAM_GRACE_PERIOD", cfg.StreamConfig.GracePeriod)
	cfg.StreamConfig.QueueSize = getEnvIntOrDefault("STREAM_QUEUE_SIZE", cfg.StreamConfig.QueueSize)
	cfg.StreamConfig.MaxBookLimit = getEnvIntOrDefault("STREAM_MAX_BOOK_LIMIT", cfg.StreamConfig.MaxBookLimit)

	// Symbol registry
	cfg.RegistryConfig.TTL = getEnvDurationOrDefault("SYMBOLS_TTL", cfg.RegistryConfig.TTL)
	if quotes := os.Getenv("SYMBOLS_QUOTE_WHITELIST"); quotes != "" {
		cfg.RegistryConfig.QuoteWhitelist = splitCSV(quotes)
	}

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Metrics config
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsConfig.Enabled = v == "true"
	}
	cfg.MetricsConfig.Port = getEnvIntOrDefault("METRICS_PORT", cfg.MetricsConfig.Port)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LoggingConfig.Pretty = v == "true"
	}

	if v := os.Getenv("MDG_DEBUG"); v != "" {
		cfg.Debug = v == "true"
	}
}

// applyDefaults fills everything still unset so the binary runs with no
// config file and no environment
func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.PathPrefix == "" {
		cfg.ServerConfig.PathPrefix = "/ws"
	}
	if cfg.ServerConfig.RateLimit == 0 {
		cfg.ServerConfig.RateLimit = 120
	}
	if cfg.StreamConfig.GracePeriod == 0 {
		cfg.StreamConfig.GracePeriod = 5 * time.Second
	}
	if cfg.StreamConfig.QueueSize == 0 {
		cfg.StreamConfig.QueueSize = 256
	}
	if cfg.StreamConfig.MaxBookLimit == 0 {
		cfg.StreamConfig.MaxBookLimit = 1000
	}
	if cfg.RegistryConfig.TTL == 0 {
		cfg.RegistryConfig.TTL = 5 * time.Minute
	}
	if len(cfg.RegistryConfig.QuoteWhitelist) == 0 {
		cfg.RegistryConfig.QuoteWhitelist = []string{"USDT"}
	}
	if cfg.MetricsConfig.Port == 0 {
		cfg.MetricsConfig.Port = 9090
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// Validate rejects configurations the gateway cannot start with
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if c.StreamConfig.GracePeriod < 0 {
		return fmt.Errorf("stream grace period must not be negative")
	}
	if c.StreamConfig.QueueSize < 0 {
		return fmt.Errorf("stream queue size must not be negative")
	}
	if c.MetricsConfig.Enabled && (c.MetricsConfig.Port <= 0 || c.MetricsConfig.Port > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.MetricsConfig.Port)
	}
	if c.MetricsConfig.Enabled && c.MetricsConfig.Port == c.ServerConfig.Port {
		return fmt.Errorf("metrics port %d collides with server port", c.MetricsConfig.Port)
	}
	if c.RedisConfig.Enabled && c.RedisConfig.Address == "" {
		return fmt.Errorf("redis enabled but no address configured")
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Address == "" {
		return fmt.Errorf("vault enabled but no address configured")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
