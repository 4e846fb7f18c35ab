// Package vault wraps the HashiCorp Vault API for master-key protection.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/vault/api"
)

// Client wraps the HashiCorp Vault API client.
type Client struct {
	client *api.Client
	logger *slog.Logger
}

// Config holds configuration for the Vault client.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Token        string        `mapstructure:"token"`
	Namespace    string        `mapstructure:"namespace"`
	TransitMount string        `mapstructure:"transit_mount"`
	KeyName      string        `mapstructure:"key_name"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TLS          *TLSConfig    `mapstructure:"tls"`
}

// TLSConfig holds TLS configuration for the Vault connection.
type TLSConfig struct {
	CACert        string `mapstructure:"ca_cert"`
	ClientCert    string `mapstructure:"client_cert"`
	ClientKey     string `mapstructure:"client_key"`
	TLSServerName string `mapstructure:"server_name"`
	Insecure      bool   `mapstructure:"insecure"`
}

// HealthStatus represents the health status of Vault.
type HealthStatus struct {
	Initialized bool
	Sealed      bool
	Standby     bool
	Version     string
}

// New creates a Vault client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		vaultCfg.Timeout = cfg.Timeout
	}
	if cfg.TLS != nil {
		if err := vaultCfg.ConfigureTLS(&api.TLSConfig{
			CACert:        cfg.TLS.CACert,
			ClientCert:    cfg.TLS.ClientCert,
			ClientKey:     cfg.TLS.ClientKey,
			TLSServerName: cfg.TLS.TLSServerName,
			Insecure:      cfg.TLS.Insecure,
		}); err != nil {
			return nil, fmt.Errorf("vault: failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	logger.Info("vault client created", "address", cfg.Address)
	return &Client{client: client, logger: logger}, nil
}

// Health checks the health status of the Vault server.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get vault health", "error", err)
		return nil, fmt.Errorf("vault: health check failed: %w", err)
	}
	return &HealthStatus{
		Initialized: health.Initialized,
		Sealed:      health.Sealed,
		Standby:     health.Standby,
		Version:     health.Version,
	}, nil
}

// Ready reports an error unless Vault is initialized and unsealed.
func (c *Client) Ready(ctx context.Context) error {
	status, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if !status.Initialized || status.Sealed {
		return fmt.Errorf("vault: not ready (initialized=%t sealed=%t)", status.Initialized, status.Sealed)
	}
	return nil
}
