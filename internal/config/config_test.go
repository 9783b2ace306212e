package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("DATABASE_URL", "postgres://localhost/studio")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PROVIDER_BASE_URL", "https://provider.example.test/")
	t.Setenv("PROVIDER_API_KEY", "key")
	t.Setenv("CALLBACK_SIGNING_SECRET", "whsec_c2VjcmV0")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProviderBaseURL != "https://provider.example.test" {
		t.Errorf("trailing slash not trimmed: %s", cfg.ProviderBaseURL)
	}
	if cfg.ProviderSubmitTimeout != 10*time.Second || cfg.ProviderPollTimeout != 5*time.Second {
		t.Errorf("unexpected provider timeouts %s/%s", cfg.ProviderSubmitTimeout, cfg.ProviderPollTimeout)
	}
	if cfg.PollInitialInterval != 2*time.Second || cfg.PollHorizon != 10*time.Minute {
		t.Errorf("unexpected poll settings %s/%s", cfg.PollInitialInterval, cfg.PollHorizon)
	}
	if cfg.RateLimitMaxRequests != 5 || cfg.RateLimitWindow != 24*time.Hour {
		t.Errorf("unexpected rate limit %d/%s", cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	}
	if cfg.ArchiveEnabled() {
		t.Error("archive should be off without S3_BUCKET")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_HORIZON", "15m")
	t.Setenv("PROVIDER_SUBMIT_TIMEOUT", "7")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollHorizon != 15*time.Minute {
		t.Errorf("POLL_HORIZON: got %s", cfg.PollHorizon)
	}
	if cfg.ProviderSubmitTimeout != 7*time.Second {
		t.Errorf("bare seconds: got %s", cfg.ProviderSubmitTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.test" {
		t.Errorf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoad_Missing(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("S3_BUCKET", "results")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"JWT_SECRET", "S3_REGION", "S3_PUBLIC_BASE_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should name %s: %v", key, err)
		}
	}
}

func TestLoad_EnvFile(t *testing.T) {
	setRequired(t)
	// the file only fills variables that are absent from the environment
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "")
	os.Unsetenv("RATE_LIMIT_MAX_REQUESTS")
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("JWT_SECRET=from-file\nRATE_LIMIT_MAX_REQUESTS=9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_ENV_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWTSecret != "from-file" || cfg.RateLimitMaxRequests != 9 {
		t.Errorf("env file not applied: %+v", cfg)
	}
}
