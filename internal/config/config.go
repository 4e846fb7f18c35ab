// Package config loads authority configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/abuse"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/postgres"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/vault"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds all authority configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Server    ServerConfig     `mapstructure:"server"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Database  postgres.Config  `mapstructure:"database"`
	Vault     vault.Config     `mapstructure:"vault"`
	Authority AuthorityConfig  `mapstructure:"authority"`
	Abuse     abuse.Config     `mapstructure:"abuse"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	SIEM      audit.SIEMConfig `mapstructure:"siem"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// AuthorityConfig describes the issuing authority.
type AuthorityConfig struct {
	ManufacturerID   string `mapstructure:"manufacturer_id"`
	ManufacturerName string `mapstructure:"manufacturer_name"`
	Endpoint         string `mapstructure:"endpoint"`
	DeveloperID      string `mapstructure:"developer_id"`
	SoftwareEndpoint string `mapstructure:"software_endpoint"`

	CACertFile string `mapstructure:"ca_cert_file"`
	CAKeyFile  string `mapstructure:"ca_key_file"`

	TotalTables        int           `mapstructure:"total_tables"`
	AutoGenerateTables bool          `mapstructure:"auto_generate_tables"`
	AbuseCheckInterval time.Duration `mapstructure:"abuse_check_interval"`
}

// CacheConfig sizes the validation result cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Size    int           `mapstructure:"size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// AuthConfig holds authentication and authorization settings.
type AuthConfig struct {
	MTLSEnabled     bool     `mapstructure:"mtls_enabled"`
	MTLSRequired    bool     `mapstructure:"mtls_required"`
	ClientCAFile    string   `mapstructure:"client_ca_file"`
	JWTEnabled      bool     `mapstructure:"jwt_enabled"`
	JWTPublicKey    string   `mapstructure:"jwt_public_key_file"`
	JWTIssuer       string   `mapstructure:"jwt_issuer"`
	JWTAudiences    []string `mapstructure:"jwt_audiences"`
	AuthzEnabled    bool     `mapstructure:"authz_enabled"`
	AuthzPolicyFile string   `mapstructure:"authz_policy_file"`
}

// Load reads configuration from configPath (or the default search path),
// then applies BIRTHMARK_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BIRTHMARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("birthmark")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/birthmark")
		v.AddConfigPath("$HOME/.birthmark")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("storage.driver", DriverMemory)

	db := postgres.DefaultConfig()
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.user", db.User)
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", db.Database)
	v.SetDefault("database.sslmode", db.SSLMode)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.transit_mount", vault.DefaultTransitMount)
	v.SetDefault("vault.key_name", "birthmark-master-keys")
	v.SetDefault("vault.timeout", 10*time.Second)

	v.SetDefault("authority.manufacturer_id", "BIRTHMARK_DEV")
	v.SetDefault("authority.manufacturer_name", "Birthmark Development Authority")
	v.SetDefault("authority.endpoint", "https://localhost:8080")
	v.SetDefault("authority.developer_id", "BIRTHMARK_DEV")
	v.SetDefault("authority.software_endpoint", "https://localhost:8080")
	v.SetDefault("authority.ca_cert_file", "")
	v.SetDefault("authority.ca_key_file", "")
	v.SetDefault("authority.total_tables", 2500)
	v.SetDefault("authority.auto_generate_tables", false)
	v.SetDefault("authority.abuse_check_interval", time.Hour)

	abuseCfg := abuse.DefaultConfig()
	v.SetDefault("abuse.warn_threshold", abuseCfg.WarnThreshold)
	v.SetDefault("abuse.blacklist_threshold", abuseCfg.BlacklistThreshold)
	v.SetDefault("abuse.window", abuseCfg.Window)
	v.SetDefault("abuse.retention", abuseCfg.Retention)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", validation.DefaultCacheSize)
	v.SetDefault("cache.ttl", validation.DefaultCacheTTL)

	v.SetDefault("auth.mtls_enabled", false)
	v.SetDefault("auth.mtls_required", false)
	v.SetDefault("auth.client_ca_file", "")
	v.SetDefault("auth.jwt_enabled", false)
	v.SetDefault("auth.jwt_public_key_file", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.jwt_audiences", []string{})
	v.SetDefault("auth.authz_enabled", false)
	v.SetDefault("auth.authz_policy_file", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "birthmark-authority")
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.sample_rate", 0.1)

	v.SetDefault("siem.enabled", false)
	v.SetDefault("siem.endpoint", "")
	v.SetDefault("siem.timeout", 10*time.Second)
	v.SetDefault("siem.retry_count", 3)
}

// Validate checks settings that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("invalid storage.driver %q: must be %q or %q", c.Storage.Driver, DriverMemory, DriverPostgres)
	}
	if c.Authority.TotalTables < 3 || c.Authority.TotalTables > keys.MaxTables {
		return fmt.Errorf("authority.total_tables must be between 3 and %d, got %d", keys.MaxTables, c.Authority.TotalTables)
	}
	if (c.Authority.CACertFile == "") != (c.Authority.CAKeyFile == "") {
		return errors.New("authority.ca_cert_file and authority.ca_key_file must be set together")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_enabled requires tls_cert_file and tls_key_file")
	}
	if c.Auth.MTLSEnabled && c.Auth.ClientCAFile == "" {
		return errors.New("auth.mtls_enabled requires client_ca_file")
	}
	if c.Auth.JWTEnabled && c.Auth.JWTPublicKey == "" {
		return errors.New("auth.jwt_enabled requires jwt_public_key_file")
	}
	if c.SIEM.Enabled && c.SIEM.Endpoint == "" {
		return errors.New("siem.enabled requires siem.endpoint")
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return errors.New("vault.enabled requires vault.address")
	}
	return nil
}

// Addr returns the server listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadFile returns the contents of path, or nil when path is empty.
func ReadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
