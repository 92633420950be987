// Package hardening rejects insecure gateway configurations in
// production-like environments.
package hardening

import (
	"fmt"
	"net/url"
	"strings"

	"shiftflow/pkg/config"
)

type Requirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	DatabaseRequireTLS bool
	RedisAddr          string
	RedisRequireTLS    bool
	RedisTLSInsecure   bool
	CORSAllowedOrigins []string
	OAuthRedirectURL   string
	CookieDomain       string
	RequiredSecrets    []Requirement
}

// FromConfig derives hardening options from the loaded gateway config.
func FromConfig(c config.Config) Options {
	return Options{
		Service:            "gateway",
		Environment:        c.Env,
		StrictProdSecurity: c.StrictProdSecurity,
		DatabaseRequireTLS: c.DatabaseRequireTLS,
		RedisAddr:          c.RedisAddr,
		RedisRequireTLS:    c.RedisRequireTLS,
		RedisTLSInsecure:   c.RedisTLSInsecure,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
		OAuthRedirectURL:   c.OAuthRedirectURL,
		CookieDomain:       c.CookieDomain,
		RequiredSecrets: []Requirement{
			{Name: "DATABASE_URL", Value: c.DatabaseURL},
			{Name: "OAUTH_CLIENT_ID", Value: c.OAuthClientID},
			{Name: "OAUTH_CLIENT_SECRET", Value: c.OAuthClientSecret},
		},
	}
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if raw := strings.TrimSpace(o.OAuthRedirectURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("%s: strict production hardening requires an https OAUTH_REDIRECT_URL, got %q", service, raw)
		}
	}
	if strings.TrimSpace(o.CookieDomain) == "" {
		return fmt.Errorf("%s: strict production hardening requires COOKIE_DOMAIN", service)
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(origins []string, service string) error {
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
