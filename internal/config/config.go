// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	ProviderBaseURL       string
	ProviderAPIKey        string
	ProviderSubmitTimeout time.Duration
	ProviderPollTimeout   time.Duration
	CallbackURL           string
	CallbackSigningSecret string
	CallbackRatePerMinute int

	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollHorizon         time.Duration
	SweepInterval       time.Duration
	ReconcileInterval   time.Duration

	RateLimitMaxRequests    int
	RateLimitWindow         time.Duration
	DefaultMonthlyAllowance int

	CORSAllowedOrigins []string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// ArchiveEnabled reports whether results are copied to S3.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		ProviderBaseURL:       strings.TrimRight(os.Getenv("PROVIDER_BASE_URL"), "/"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),
		ProviderSubmitTimeout: getDuration("PROVIDER_SUBMIT_TIMEOUT", 10*time.Second),
		ProviderPollTimeout:   getDuration("PROVIDER_POLL_TIMEOUT", 5*time.Second),
		CallbackURL:           os.Getenv("CALLBACK_URL"),
		CallbackSigningSecret: os.Getenv("CALLBACK_SIGNING_SECRET"),
		CallbackRatePerMinute: getInt("CALLBACK_RATE_PER_MINUTE", 600),

		PollInitialInterval: getDuration("POLL_INITIAL_INTERVAL", 2*time.Second),
		PollMaxInterval:     getDuration("POLL_MAX_INTERVAL", 60*time.Second),
		PollHorizon:         getDuration("POLL_HORIZON", 10*time.Minute),
		SweepInterval:       getDuration("SWEEP_INTERVAL", time.Minute),
		ReconcileInterval:   getDuration("RECONCILE_INTERVAL", 24*time.Hour),

		RateLimitMaxRequests:    getInt("RATE_LIMIT_MAX_REQUESTS", 5),
		RateLimitWindow:         getDuration("RATE_LIMIT_WINDOW", 24*time.Hour),
		DefaultMonthlyAllowance: getInt("DEFAULT_MONTHLY_ALLOWANCE", 10),

		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "results"),
	}

	var missing []string
	for _, req := range []struct{ key, val string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"JWT_SECRET", cfg.JWTSecret},
		{"PROVIDER_BASE_URL", cfg.ProviderBaseURL},
		{"PROVIDER_API_KEY", cfg.ProviderAPIKey},
		{"CALLBACK_SIGNING_SECRET", cfg.CallbackSigningSecret},
	} {
		if req.val == "" {
			missing = append(missing, req.key)
		}
	}
	if cfg.ArchiveEnabled() {
		for _, req := range []struct{ key, val string }{
			{"S3_REGION", cfg.S3Region},
			{"S3_ACCESS_KEY", cfg.S3AccessKey},
			{"S3_SECRET_KEY", cfg.S3SecretKey},
			{"S3_PUBLIC_BASE_URL", cfg.S3PublicBaseURL},
		} {
			if req.val == "" {
				missing = append(missing, req.key)
			}
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.RateLimitMaxRequests <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive, got %d", cfg.RateLimitMaxRequests)
	}
	if cfg.PollInitialInterval <= 0 || cfg.PollMaxInterval < cfg.PollInitialInterval {
		return Config{}, fmt.Errorf("invalid poll intervals: initial=%s max=%s", cfg.PollInitialInterval, cfg.PollMaxInterval)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration accepts Go duration strings ("90s", "10m") or bare seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadEnvFile loads the first env file found. A missing file is not an
// error; real environment variables take precedence over the file.
func loadEnvFile() error {
	var candidates []string
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates, filepath.Join("configs", ".env"), ".env")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
