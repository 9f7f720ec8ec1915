// Package config loads service configuration from config.yaml with
// environment variable overrides. Secrets (the HMAC dev secret) must only
// come from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/conduitworks/conduit-engine/pkg/models"
)

// Config holds all configuration for conduit-engine.
// Environment variables always override YAML values for fields that
// support both.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"5570"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Queue manager sizing, shared by every connection
	DQM DQMConfig `yaml:"dqm"`

	// Result cache bounds, one cache per connection
	Cache CacheConfig `yaml:"cache"`

	// Database connections served by the gateway
	Databases []DatabaseConfig `yaml:"databases"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// HMACSecret switches verification to a shared HS256 secret.
	// Development and test environments only.
	HMACSecret string `yaml:"-" env:"AUTH_HMAC_SECRET"` // Secret - not in YAML
}

// DQMConfig sizes the five priority lanes of each connection's queue
// manager. Zero values fall back to the dqm package defaults.
type DQMConfig struct {
	LeadWorkers   int `yaml:"lead_workers" env:"DQM_LEAD_WORKERS" env-default:"0"`
	FastWorkers   int `yaml:"fast_workers" env:"DQM_FAST_WORKERS" env-default:"0"`
	MediumWorkers int `yaml:"medium_workers" env:"DQM_MEDIUM_WORKERS" env-default:"0"`
	SlowWorkers   int `yaml:"slow_workers" env:"DQM_SLOW_WORKERS" env-default:"0"`
	CacheWorkers  int `yaml:"cache_workers" env:"DQM_CACHE_WORKERS" env-default:"0"`

	Backlog          int `yaml:"backlog" env:"DQM_BACKLOG" env-default:"0"`
	SubmitTimeoutMS  int `yaml:"submit_timeout_ms" env:"DQM_SUBMIT_TIMEOUT_MS" env-default:"0"`
	QueryTimeoutMS   int `yaml:"query_timeout_ms" env:"DQM_QUERY_TIMEOUT_MS" env-default:"0"`
	ShutdownGraceSec int `yaml:"shutdown_grace_sec" env:"DQM_SHUTDOWN_GRACE_SEC" env-default:"10"`
}

// Workers returns the per-lane pool sizes; zero entries use defaults.
func (c *DQMConfig) Workers() map[models.Tier]int {
	return map[models.Tier]int{
		models.TierLead:   c.LeadWorkers,
		models.TierFast:   c.FastWorkers,
		models.TierMedium: c.MediumWorkers,
		models.TierSlow:   c.SlowWorkers,
		models.TierCache:  c.CacheWorkers,
	}
}

// SubmitTimeout returns the configured submit timeout, zero for default.
func (c *DQMConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutMS) * time.Millisecond
}

// QueryTimeout returns the configured query timeout, zero for default.
func (c *DQMConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// CacheConfig bounds one connection's result cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" env:"CACHE_MAX_ENTRIES" env-default:"0"`
	TTLSeconds int `yaml:"ttl_seconds" env:"CACHE_TTL_SECONDS" env-default:"0"`
}

// TTL returns the configured cache TTL, zero for default.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// DatabaseConfig describes one database connection. Connections are
// YAML-only; per-connection secrets belong in the DSN via environment
// expansion in the deployment layer.
type DatabaseConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // postgres|mysql|sqlite|db2|mariadb|cockroachdb|yugabytedb
	Target  string `yaml:"target"`
	Enabled bool   `yaml:"enabled"`

	// DefaultParameters are merged under request parameters: group tag
	// (INTEGER, STRING, BOOLEAN, FLOAT) to key to value.
	DefaultParameters map[string]map[string]any `yaml:"default_parameters"`

	// MigrationsPath points at the schema migration directory (optional,
	// postgres-wire engines only).
	MigrationsPath string `yaml:"migrations_path"`

	// BootstrapPath points at the YAML bootstrap query set (optional).
	BootstrapPath string `yaml:"bootstrap"`
}

// Connection converts the config entry into the runtime model. Unknown
// parameter group tags are a configuration error.
func (c *DatabaseConfig) Connection() (*models.DatabaseConnection, error) {
	defaults := make(models.ParamMap, len(c.DefaultParameters))
	for group, kv := range c.DefaultParameters {
		tag := models.ParamGroup(group)
		known := false
		for _, g := range models.ParamGroups {
			if g == tag {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("database %q: unknown parameter group %q", c.Name, group)
		}
		values := make(map[string]any, len(kv))
		for k, v := range kv {
			values[k] = v
		}
		defaults[tag] = values
	}
	conn := models.NewDatabaseConnection(c.Name, c.Type, c.Target, c.Enabled, defaults)
	conn.MigrationsPath = c.MigrationsPath
	conn.BootstrapPath = c.BootstrapPath
	return conn, nil
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from the given path.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := cfg.validateDatabases(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided. Both cert
// and key must be provided together, and the files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (c *Config) validateDatabases() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("no databases configured")
	}
	seen := make(map[string]bool, len(c.Databases))
	for i := range c.Databases {
		db := &c.Databases[i]
		if db.Name == "" {
			return fmt.Errorf("database entry %d has no name", i)
		}
		if seen[db.Name] {
			return fmt.Errorf("duplicate database name %q", db.Name)
		}
		seen[db.Name] = true
		if db.Type == "" || db.Target == "" {
			return fmt.Errorf("database %q: type and target are required", db.Name)
		}
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}
