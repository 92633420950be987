// Package config loads the gateway configuration from the environment, an
// optional config file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`
	Addr     string `mapstructure:"addr"`

	DatabaseURL        string `mapstructure:"database_url"`
	DatabaseRequireTLS bool   `mapstructure:"database_require_tls"`
	DatabaseMaxConns   int32  `mapstructure:"database_max_conns"`

	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
	RedisRequireTLS    bool   `mapstructure:"redis_require_tls"`
	RedisTLS           bool   `mapstructure:"redis_tls"`
	RedisTLSInsecure   bool   `mapstructure:"redis_tls_insecure"`
	RedisTLSServerName string `mapstructure:"redis_tls_server_name"`
	RedisTLSCAFile     string `mapstructure:"redis_tls_ca_file"`

	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`
	StrictProdSecurity bool     `mapstructure:"strict_prod_security"`

	AuthMode          string        `mapstructure:"auth_mode"`
	OAuthClientID     string        `mapstructure:"oauth_client_id"`
	OAuthClientSecret string        `mapstructure:"oauth_client_secret"`
	OAuthAuthURL      string        `mapstructure:"oauth_auth_url"`
	OAuthTokenURL     string        `mapstructure:"oauth_token_url"`
	OAuthRedirectURL  string        `mapstructure:"oauth_redirect_url"`
	OAuthScopes       []string      `mapstructure:"oauth_scopes"`
	OAuthIssuers      []string      `mapstructure:"oauth_issuers"`
	JWKSURL           string        `mapstructure:"oauth_jwks_url"`
	TokenInfoURL      string        `mapstructure:"oauth_tokeninfo_url"`
	AuthDomain        string        `mapstructure:"auth_domain"`
	IdPTimeout        time.Duration `mapstructure:"idp_timeout"`

	SessionAbsoluteTTL   time.Duration `mapstructure:"session_absolute_ttl"`
	SessionIdleTTL       time.Duration `mapstructure:"session_idle_ttl"`
	SessionRefreshWindow time.Duration `mapstructure:"session_refresh_window"`
	CookieDomain         string        `mapstructure:"cookie_domain"`

	AccessCacheTTL       time.Duration `mapstructure:"access_cache_ttl"`
	AccessCacheSize      int           `mapstructure:"access_cache_size"`
	ResponseCacheTTL     time.Duration `mapstructure:"response_cache_ttl"`
	FlagsRefresh         time.Duration `mapstructure:"flags_refresh"`
	ListingDegradePolicy string        `mapstructure:"listing_degrade_policy"`

	ObjectStore    string `mapstructure:"object_store"`
	ObjectStoreDir string `mapstructure:"object_store_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	GCSPrefix      string `mapstructure:"gcs_prefix"`

	AttachmentMaxBytes     int64    `mapstructure:"attachment_max_bytes"`
	AttachmentAllowedTypes []string `mapstructure:"attachment_allowed_types"`

	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`

	KafkaBrokers          []string `mapstructure:"kafka_brokers"`
	KafkaDiagnosticsTopic string   `mapstructure:"kafka_diagnostics_topic"`
	KafkaStateBusTopic    string   `mapstructure:"kafka_statebus_topic"`

	BackgroundConcurrency int           `mapstructure:"background_concurrency"`
	BackgroundTimeout     time.Duration `mapstructure:"background_timeout"`

	OTelEndpoint   string        `mapstructure:"otel_exporter_otlp_endpoint"`
	OTelHeaders    string        `mapstructure:"otel_exporter_otlp_headers"`
	OTelInsecure   bool          `mapstructure:"otel_exporter_otlp_insecure"`
	OTelTimeout    time.Duration `mapstructure:"otel_exporter_otlp_timeout"`
	OTelRequired   bool          `mapstructure:"otel_required"`
	OTelSampler    string        `mapstructure:"otel_traces_sampler"`
	OTelSamplerArg string        `mapstructure:"otel_traces_sampler_arg"`
}

const (
	DegradeFail    = "fail"
	DegradeListing = "degrade"
)

var defaults = map[string]any{
	"app_env":   "development",
	"log_level": "info",
	"addr":      ":8080",

	"database_url":         "",
	"database_require_tls": false,
	"database_max_conns":   10,

	"redis_addr":            "",
	"redis_password":        "",
	"redis_db":              0,
	"redis_require_tls":     false,
	"redis_tls":             false,
	"redis_tls_insecure":    false,
	"redis_tls_server_name": "",
	"redis_tls_ca_file":     "",

	"cors_allowed_origins": "http://localhost:5173",
	"max_body_bytes":       16 << 20,
	"strict_prod_security": true,

	"auth_mode":           "jwks",
	"oauth_client_id":     "",
	"oauth_client_secret": "",
	"oauth_auth_url":      "https://accounts.google.com/o/oauth2/v2/auth",
	"oauth_token_url":     "https://oauth2.googleapis.com/token",
	"oauth_redirect_url":  "",
	"oauth_scopes":        "openid,email,profile",
	"oauth_issuers":       "https://accounts.google.com,accounts.google.com",
	"oauth_jwks_url":      "https://www.googleapis.com/oauth2/v3/certs",
	"oauth_tokeninfo_url": "https://oauth2.googleapis.com/tokeninfo",
	"auth_domain":         "google.com",
	"idp_timeout":         "5s",

	"session_absolute_ttl":   "24h",
	"session_idle_ttl":       "2h",
	"session_refresh_window": "60s",
	"cookie_domain":          "",

	"access_cache_ttl":       "5m",
	"access_cache_size":      4096,
	"response_cache_ttl":     "30s",
	"flags_refresh":          "30s",
	"listing_degrade_policy": DegradeFail,

	"object_store":     "memory",
	"object_store_dir": "./data/blobs",
	"gcs_bucket":       "",
	"gcs_prefix":       "",

	"attachment_max_bytes":     10 << 20,
	"attachment_allowed_types": "",

	"rate_limit_per_minute": 120,
	"rate_limit_window":     "1m",

	"kafka_brokers":           "",
	"kafka_diagnostics_topic": "shiftflow.diagnostics",
	"kafka_statebus_topic":    "shiftflow.statebus",

	"background_concurrency": 64,
	"background_timeout":     "10s",

	"otel_exporter_otlp_endpoint": "",
	"otel_exporter_otlp_headers":  "",
	"otel_exporter_otlp_insecure": false,
	"otel_exporter_otlp_timeout":  "5s",
	"otel_required":               false,
	"otel_traces_sampler":         "parentbased_traceidratio",
	"otel_traces_sampler_arg":     "1",
}

// Load parses args (without the program name), reads the optional config
// file and overlays the environment. Environment variables use the
// upper-cased key, e.g. DATABASE_URL.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (yaml, json, toml or env)")
	fs.String("addr", defaults["addr"].(string), "listen address")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	if err := v.BindPFlag("addr", fs.Lookup("addr")); err != nil {
		return Config{}, fmt.Errorf("bind addr flag: %w", err)
	}
	if path := strings.TrimSpace(*configPath); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.ObjectStore = strings.ToLower(strings.TrimSpace(c.ObjectStore))
	c.ListingDegradePolicy = strings.ToLower(strings.TrimSpace(c.ListingDegradePolicy))
	c.CORSAllowedOrigins = compact(c.CORSAllowedOrigins)
	c.OAuthScopes = compact(c.OAuthScopes)
	c.OAuthIssuers = compact(c.OAuthIssuers)
	c.AttachmentAllowedTypes = compact(c.AttachmentAllowedTypes)
	c.KafkaBrokers = compact(c.KafkaBrokers)
}

// Validate rejects values no component can run with. Production hardening
// lives in pkg/hardening.
func (c Config) Validate() error {
	switch c.AuthMode {
	case "jwks", "tokeninfo":
	default:
		return fmt.Errorf("AUTH_MODE must be jwks or tokeninfo, got %q", c.AuthMode)
	}
	switch c.ObjectStore {
	case "memory", "fs":
	case "gcs":
		if strings.TrimSpace(c.GCSBucket) == "" {
			return errors.New("OBJECT_STORE=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("OBJECT_STORE must be memory, fs or gcs, got %q", c.ObjectStore)
	}
	switch c.ListingDegradePolicy {
	case DegradeFail, DegradeListing:
	default:
		return fmt.Errorf("LISTING_DEGRADE_POLICY must be fail or degrade, got %q", c.ListingDegradePolicy)
	}
	if c.SessionAbsoluteTTL <= 0 || c.SessionIdleTTL <= 0 {
		return errors.New("session TTLs must be positive")
	}
	if c.SessionIdleTTL > c.SessionAbsoluteTTL {
		return errors.New("SESSION_IDLE_TTL must not exceed SESSION_ABSOLUTE_TTL")
	}
	if len(c.CORSAllowedOrigins) == 0 {
		return errors.New("CORS_ALLOWED_ORIGINS must name at least one origin")
	}
	if c.AttachmentMaxBytes <= 0 || c.MaxBodyBytes <= 0 {
		return errors.New("byte limits must be positive")
	}
	return nil
}

func (c Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development" || c.Env == "dev" || c.Env == "local"
}

// compact splits comma-joined entries and drops blanks, so both
// "a,b" from the environment and ["a","b"] from a file load the same.
func compact(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
