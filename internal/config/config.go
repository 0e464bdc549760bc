package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/fhirmap/internal/mapping"
)

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	AuthMode     string   `mapstructure:"AUTH_MODE"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBSchema     string   `mapstructure:"DB_SCHEMA"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit    string   `mapstructure:"BODY_LIMIT"`

	OperationBodyLimit string        `mapstructure:"OPERATION_BODY_LIMIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`

	MappingMaxDepth      int    `mapstructure:"MAPPING_MAX_DEPTH"`
	MappingTranslateMiss string `mapstructure:"MAPPING_TRANSLATE_MISS"`
	MapDir               string `mapstructure:"MAP_DIR"`
	ConceptMapDir        string `mapstructure:"CONCEPT_MAP_DIR"`

	SyncBaseURL   string        `mapstructure:"SYNC_BASE_URL"`
	SyncRateRPS   float64       `mapstructure:"SYNC_RATE_RPS"`
	SyncTimeout   time.Duration `mapstructure:"SYNC_TIMEOUT"`
	SyncToken     string        `mapstructure:"SYNC_TOKEN"`
	ExtractWorker int           `mapstructure:"EXTRACT_WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS", "BODY_LIMIT",
	"OPERATION_BODY_LIMIT", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MAPPING_MAX_DEPTH", "MAPPING_TRANSLATE_MISS", "MAP_DIR", "CONCEPT_MAP_DIR",
	"SYNC_BASE_URL", "SYNC_RATE_RPS", "SYNC_TIMEOUT", "SYNC_TOKEN", "EXTRACT_WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("OPERATION_BODY_LIMIT", "50M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MAPPING_MAX_DEPTH", mapping.DefaultMaxDepth)
	v.SetDefault("MAPPING_TRANSLATE_MISS", "fail")
	v.SetDefault("SYNC_RATE_RPS", 10)
	v.SetDefault("SYNC_TIMEOUT", "30s")
	v.SetDefault("EXTRACT_WORKERS", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
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

// UsesDatabase reports whether stores are backed by PostgreSQL. Without a
// DATABASE_URL maps live in memory for the life of the process.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development gives "development" (no auth,
// all requests get admin) and anything else gives "external" (JWT).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// TranslateMissPolicy returns the parsed MAPPING_TRANSLATE_MISS value.
func (c *Config) TranslateMissPolicy() (mapping.TranslateMissPolicy, error) {
	return mapping.ParseTranslateMissPolicy(c.MappingTranslateMiss)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}
	if c.IsProduction() && !c.UsesDatabase() {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.MappingMaxDepth <= 0 {
		return fmt.Errorf("MAPPING_MAX_DEPTH must be positive, got %d", c.MappingMaxDepth)
	}
	if _, err := c.TranslateMissPolicy(); err != nil {
		return fmt.Errorf("MAPPING_TRANSLATE_MISS: %w", err)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}
	if c.ExtractWorker <= 0 {
		return fmt.Errorf("EXTRACT_WORKERS must be positive, got %d", c.ExtractWorker)
	}
	if c.SyncBaseURL != "" {
		if !strings.HasPrefix(c.SyncBaseURL, "http://") && !strings.HasPrefix(c.SyncBaseURL, "https://") {
			return fmt.Errorf("SYNC_BASE_URL must be an http(s) URL, got %q", c.SyncBaseURL)
		}
		if c.SyncRateRPS <= 0 {
			return fmt.Errorf("SYNC_RATE_RPS must be positive when SYNC_BASE_URL is set")
		}
	}
	return nil
}
