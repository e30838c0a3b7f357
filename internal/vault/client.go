// Package vault stores exchange API credentials in HashiCorp Vault, with an
// in-memory fallback when Vault is disabled.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"futures-trading-engine/config"
)

// Credentials holds one exchange API key pair.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials // accountID -> credentials
}

// NewClient creates a Vault client. With Vault disabled, credentials live
// only in the local cache, seeded from environment configuration.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*Credentials),
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
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// StoreCredentials writes credentials for an account.
func (c *Client) StoreCredentials(ctx context.Context, accountID string, creds Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[accountID] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(accountID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[accountID] = &creds
	c.mu.Unlock()
	return nil
}

// GetCredentials retrieves credentials for an account, cache first.
func (c *Client) GetCredentials(ctx context.Context, accountID string) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[accountID]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials for %s not found and vault is disabled", accountID)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials for %s not found", accountID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for %s", accountID)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	c.mu.Lock()
	c.cache[accountID] = creds
	c.mu.Unlock()
	return creds, nil
}

// DeleteCredentials removes credentials for an account.
func (c *Client) DeleteCredentials(ctx context.Context, accountID string) error {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.secretPath(accountID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

func (c *Client) secretPath(accountID string) string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/trading/accounts/%s", mount, accountID)
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
