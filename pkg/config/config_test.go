package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.AuthMode != "jwks" || cfg.ObjectStore != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SessionAbsoluteTTL != 24*time.Hour || cfg.SessionIdleTTL != 2*time.Hour || cfg.SessionRefreshWindow != time.Minute {
		t.Fatalf("unexpected session defaults: %v %v %v", cfg.SessionAbsoluteTTL, cfg.SessionIdleTTL, cfg.SessionRefreshWindow)
	}
	if cfg.AccessCacheTTL != 5*time.Minute {
		t.Fatalf("expected 5m access cache ttl, got %v", cfg.AccessCacheTTL)
	}
	if len(cfg.OAuthScopes) != 3 || cfg.OAuthScopes[0] != "openid" {
		t.Fatalf("unexpected scopes %v", cfg.OAuthScopes)
	}
	if cfg.ListingDegradePolicy != DegradeFail {
		t.Fatalf("expected fail policy, got %q", cfg.ListingDegradePolicy)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/shiftflow")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com ,")
	t.Setenv("SESSION_IDLE_TTL", "30m")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("AUTH_MODE", " TokenInfo ")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/shiftflow" {
		t.Fatalf("database url not read from env: %q", cfg.DatabaseURL)
	}
	if strings.Join(cfg.CORSAllowedOrigins, "|") != "https://app.example.com|https://admin.example.com" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.SessionIdleTTL != 30*time.Minute || cfg.RateLimitPerMinute != 7 || !cfg.RedisRequireTLS {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.AuthMode != "tokeninfo" {
		t.Fatalf("expected normalized auth mode, got %q", cfg.AuthMode)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := "addr: \":9000\"\nobject_store: fs\nobject_store_dir: /var/blobs\nattachment_allowed_types:\n  - image/png\n  - application/pdf\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.ObjectStore != "fs" || cfg.ObjectStoreDir != "/var/blobs" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.AttachmentAllowedTypes) != 2 {
		t.Fatalf("unexpected types %v", cfg.AttachmentAllowedTypes)
	}

	cfg, err = Load([]string{"--config", path, "--addr", ":9100"})
	if err != nil {
		t.Fatalf("load with flag: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("flag should win over file, got %q", cfg.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"AUTH_MODE":              "password",
		"OBJECT_STORE":           "s3",
		"LISTING_DEGRADE_POLICY": "maybe",
		"SESSION_IDLE_TTL":       "48h",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(nil); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, val)
			}
		})
	}

	t.Run("gcs_without_bucket", func(t *testing.T) {
		t.Setenv("OBJECT_STORE", "gcs")
		if _, err := Load(nil); err == nil {
			t.Fatal("expected missing bucket error")
		}
	})
	t.Run("bad_flag", func(t *testing.T) {
		if _, err := Load([]string{"--nope"}); err == nil {
			t.Fatal("expected unknown flag error")
		}
	})
	t.Run("bad_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		if err := os.WriteFile(path, []byte("addr: [unterminated"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load([]string{"--config", path}); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestIsDevelopment(t *testing.T) {
	for env, want := range map[string]bool{"": true, "development": true, "local": true, "production": false, "staging": false} {
		if got := (Config{Env: env}).IsDevelopment(); got != want {
			t.Fatalf("IsDevelopment(%q) = %v, want %v", env, got, want)
		}
	}
}
