// Package vault resolves per-account broker credentials at startup,
// from HashiCorp Vault when configured and from environment variables
// otherwise.
package vault

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"fleet-trader/config"
)

// Credentials is one account's broker API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Client reads account credentials from Vault KV v2 with an environment
// variable fallback (FLEET_<ACCOUNT>_API_KEY / FLEET_<ACCOUNT>_API_SECRET).
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
	logger zerolog.Logger
}

// NewClient creates a credentials resolver. With Vault disabled the
// resolver works from environment variables alone.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault lookups are active.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled
}

// Resolve returns credentials for every account that has them. Vault is
// consulted first when enabled and environment variables fill the gaps;
// accounts with no credentials anywhere are absent from the result and
// the caller decides whether that blocks the account or the process.
func (c *Client) Resolve(ctx context.Context, accountNames []string) map[string]Credentials {
	resolved := make(map[string]Credentials, len(accountNames))
	for _, name := range accountNames {
		if c.cfg.Enabled {
			if creds, ok := c.lookup(ctx, name); ok {
				resolved[name] = creds
				c.logger.Debug().Str("account", name).Str("source", "vault").Msg("credentials resolved")
				continue
			}
		}
		if creds, ok := envCredentials(name); ok {
			resolved[name] = creds
			c.logger.Debug().Str("account", name).Str("source", "env").Msg("credentials resolved")
			continue
		}
		c.logger.Warn().Str("account", name).Msg("no credentials found, account will be blocked")
	}
	return resolved
}

// lookup reads one account's secret from the KV v2 mount.
func (c *Client) lookup(ctx context.Context, account string) (Credentials, bool) {
	path := fmt.Sprintf("%s/data/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, account)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		c.logger.Warn().Str("account", account).Err(err).Msg("vault read failed")
		return Credentials{}, false
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, false
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		c.logger.Warn().Str("account", account).Msg("unexpected secret format")
		return Credentials{}, false
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, false
	}
	return creds, true
}

// Health checks the Vault connection. Disabled Vault is always healthy.
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

// envCredentials reads FLEET_<ACCOUNT>_API_KEY / _API_SECRET.
func envCredentials(account string) (Credentials, bool) {
	base := "FLEET_" + sanitizeName(account)
	creds := Credentials{
		APIKey:    os.Getenv(base + "_API_KEY"),
		APISecret: os.Getenv(base + "_API_SECRET"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, false
	}
	return creds, true
}

// sanitizeName maps an account name onto the env var charset.
func sanitizeName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
