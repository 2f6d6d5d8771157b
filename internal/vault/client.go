// Package vault resolves the exchange API key from HashiCorp Vault. The
// key is optional: public market-data endpoints work without one, it only
// buys a higher request-weight tier. Lookups therefore never fail hard,
// they fall back to the last value read or to the configured key.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// Config holds the Vault connection settings.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// Client reads the exchange API key from a KV-v2 secret.
type Client struct {
	client *api.Client
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	cached   string
	fallback string
}

// NewClient builds a Client. fallback is the key from the config file and
// is served whenever Vault is disabled or unreadable.
func NewClient(cfg Config, fallback string, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		fallback: fallback,
		logger:   logger.With().Str("component", "vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	// An empty config token must not clobber VAULT_TOKEN picked up by
	// api.NewClient from the environment.
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	c.client = client
	return c, nil
}

// APIKey returns the current exchange API key. Resolution order: live
// Vault read, then the last key read successfully, then the configured
// fallback. An empty return means requests go out unauthenticated.
func (c *Client) APIKey(ctx context.Context) string {
	if !c.cfg.Enabled {
		return c.fallback
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		c.mu.RLock()
		cached := c.cached
		c.mu.RUnlock()
		if cached != "" {
			c.logger.Warn().Err(err).Msg("vault read failed, using cached api key")
			return cached
		}
		c.logger.Warn().Err(err).Msg("vault read failed, using configured api key")
		return c.fallback
	}

	key := extractAPIKey(secret)
	if key == "" {
		return c.fallback
	}

	c.mu.Lock()
	c.cached = key
	c.mu.Unlock()
	return key
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Enabled reports whether Vault lookups are active.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

func (c *Client) secretPath() string {
	mount := c.cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	path := c.cfg.SecretPath
	if path == "" {
		path = "market-data-gateway/exchange"
	}
	return fmt.Sprintf("%s/data/%s", mount, path)
}

// extractAPIKey digs the api_key field out of a KV-v2 secret payload.
func extractAPIKey(secret *api.Secret) string {
	if secret == nil || secret.Data == nil {
		return ""
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return ""
	}
	if val, ok := data["api_key"]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
