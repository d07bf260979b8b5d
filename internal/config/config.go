// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	BasePath       string `mapstructure:"FHIR_BASE_PATH"`
	DefaultVersion string `mapstructure:"FHIR_DEFAULT_VERSION"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	CacheBackend string        `mapstructure:"CACHE_BACKEND"` // memory | redis
	RedisURL     string        `mapstructure:"REDIS_URL"`
	CacheTTL     time.Duration `mapstructure:"CACHE_TTL"`

	AuthEnabled    bool   `mapstructure:"AUTH_ENABLED"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"` // HMAC dev secret

	TenantHeader string `mapstructure:"TENANT_HEADER"`

	ConfigDir   string `mapstructure:"CONFIG_DIR"`   // resource + search param documents
	ArtifactDir string `mapstructure:"ARTIFACT_DIR"` // conformance artifacts, per version
	ToolsFile   string `mapstructure:"TOOLS_FILE"`   // external operation tool declarations

	AsyncWorkers    int           `mapstructure:"ASYNC_WORKERS"`
	AsyncQueueDepth int           `mapstructure:"ASYNC_QUEUE_DEPTH"`
	AsyncTimeout    time.Duration `mapstructure:"ASYNC_TIMEOUT"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_BASE_PATH", "/fhir")
	v.SetDefault("FHIR_DEFAULT_VERSION", "R5")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("TENANT_HEADER", "X-Tenant-ID")
	v.SetDefault("CONFIG_DIR", "configs")
	v.SetDefault("ARTIFACT_DIR", "artifacts")
	v.SetDefault("ASYNC_WORKERS", 4)
	v.SetDefault("ASYNC_QUEUE_DEPTH", 256)
	v.SetDefault("ASYNC_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "8M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV",
		"FHIR_BASE_PATH", "FHIR_DEFAULT_VERSION",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CACHE_BACKEND", "REDIS_URL", "CACHE_TTL",
		"AUTH_ENABLED", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
		"TENANT_HEADER",
		"CONFIG_DIR", "ARTIFACT_DIR", "TOOLS_FILE",
		"ASYNC_WORKERS", "ASYNC_QUEUE_DEPTH", "ASYNC_TIMEOUT",
		"REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"CORS_ORIGINS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production refuses
// to start without real authentication, and a redis cache backend needs an
// address to reach.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.BasePath, "/") || (len(c.BasePath) > 1 && strings.HasSuffix(c.BasePath, "/")) {
		return fmt.Errorf("FHIR_BASE_PATH must start with \"/\" and carry no trailing slash, got %q", c.BasePath)
	}
	if _, ok := fhir.ParseVersion(c.DefaultVersion); !ok {
		return fmt.Errorf("FHIR_DEFAULT_VERSION must be a supported FHIR version, got %q", c.DefaultVersion)
	}

	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be \"memory\" or \"redis\", got %q", c.CacheBackend)
	}

	if c.IsProduction() && !c.AuthEnabled {
		return fmt.Errorf("AUTH_ENABLED must be true in production")
	}
	if c.AuthEnabled && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("authentication is enabled but neither AUTH_JWKS_URL nor AUTH_SIGNING_KEY is set")
	}
	if c.IsProduction() && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required in production; AUTH_SIGNING_KEY is a development shortcut")
	}

	if c.AsyncWorkers < 1 {
		return fmt.Errorf("ASYNC_WORKERS must be at least 1, got %d", c.AsyncWorkers)
	}
	if c.AsyncQueueDepth < 1 {
		return fmt.Errorf("ASYNC_QUEUE_DEPTH must be at least 1, got %d", c.AsyncQueueDepth)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	return nil
}

// Addr is the listen address derived from the configured port.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// FHIRDefaultVersion is the version served on unversioned paths. Validate
// guarantees the configured value parses; the zero config falls back to R5.
func (c *Config) FHIRDefaultVersion() fhir.Version {
	if v, ok := fhir.ParseVersion(c.DefaultVersion); ok {
		return v
	}
	return fhir.VersionR5
}
