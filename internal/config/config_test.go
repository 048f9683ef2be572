package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

// baseEnv sets the minimum env for a valid config and points ENV_FILE at a
// path that does not exist so a stray .env cannot leak in.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "SIGNING_KEY", testSigningKey)
	setEnv(t, "ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
}

func TestLoadMissingSigningKey(t *testing.T) {
	setEnv(t, "ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	os.Unsetenv("SIGNING_KEY")
	os.Unsetenv("SIGNING_KEY_FILE")

	_, err := Load()
	if err == nil {
		t.Error("expected error when SIGNING_KEY missing")
	}
}

func TestLoadShortSigningKey(t *testing.T) {
	baseEnv(t)
	setEnv(t, "SIGNING_KEY", "too-short")
	if _, err := Load(); err == nil {
		t.Error("expected error for short signing key")
	}
}

func TestDefaults(t *testing.T) {
	baseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"ListenAddr", cfg.ListenAddr, ":8080"},
		{"BaseURL", cfg.BaseURL, "http://localhost:8080"},
		{"RateLimitMaxAttempts", cfg.RateLimitMaxAttempts, 15},
		{"RateLimitWindow", cfg.RateLimitWindow, 60 * time.Second},
		{"RateLimitBackend", cfg.RateLimitBackend, "bolt"},
		{"HTTPRateLimit", cfg.HTTPRateLimit, 50.0},
		{"HTTPRateBurst", cfg.HTTPRateBurst, 100},
		{"NotifyTimeout", cfg.NotifyTimeout, 5 * time.Second},
		{"PoolWorkers", cfg.PoolWorkers, 2},
		{"PoolQueueDepth", cfg.PoolQueueDepth, 1024},
		{"PoolMaxRetries", cfg.PoolMaxRetries, 3},
		{"PoolRetryBase", cfg.PoolRetryBase, time.Second},
		{"PoolMaxBackoff", cfg.PoolMaxBackoff, time.Minute},
		{"DataDir", cfg.DataDir, "/data"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"MetricsEnabled", cfg.MetricsEnabled, true},
		{"MetricsAddr", cfg.MetricsAddr, ":9090"},
		{"HealthAddr", cfg.HealthAddr, ":8081"},
		{"JanitorInterval", cfg.JanitorInterval, 10 * time.Minute},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 10 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.NotifyOn) != 2 || cfg.NotifyOn[0] != "granted" || cfg.NotifyOn[1] != "denied" {
		t.Errorf("NotifyOn: got %v", cfg.NotifyOn)
	}
	if cfg.AdminAPIKey != "" {
		t.Errorf("AdminAPIKey should default to empty, got %q", cfg.AdminAPIKey)
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "signing_key.txt")
	if err := os.WriteFile(keyFile, []byte("  "+testSigningKey+"-from-file  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	adminFile := filepath.Join(dir, "admin.txt")
	if err := os.WriteFile(adminFile, []byte("admin-secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	baseEnv(t)
	os.Unsetenv("SIGNING_KEY")
	setEnv(t, "SIGNING_KEY_FILE", keyFile)
	setEnv(t, "ADMIN_API_KEY_FILE", `"`+adminFile+`"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.SigningKey != testSigningKey+"-from-file" {
		t.Errorf("expected trimmed file secret, got %q", cfg.SigningKey)
	}
	if cfg.AdminAPIKey != "admin-secret" {
		t.Errorf("expected admin key from quoted path, got %q", cfg.AdminAPIKey)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	baseEnv(t)
	setEnv(t, "ADMIN_API_KEY_FILE", filepath.Join(t.TempDir(), "nope"))
	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "SIGNING_KEY=" + testSigningKey + "\nBASE_URL=https://geo.example\nLOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("SIGNING_KEY")
	os.Unsetenv("BASE_URL")
	setEnv(t, "ENV_FILE", path)
	setEnv(t, "LOG_LEVEL", "warn") // real env wins over the file
	t.Cleanup(func() {
		os.Unsetenv("SIGNING_KEY")
		os.Unsetenv("BASE_URL")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://geo.example" {
		t.Errorf("BaseURL from .env: got %q", cfg.BaseURL)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("environment should override .env, got LOG_LEVEL=%q", cfg.LogLevel)
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := map[string]string{
		`"quoted"`: "quoted",
		`'single'`: "single",
		`"mixed'`:  `"mixed'`,
		`"`:        `"`,
		"plain":    "plain",
		`""`:       "",
	}
	for in, want := range cases {
		if got := stripEnvQuotes(in); got != want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuotedEnvValues(t *testing.T) {
	baseEnv(t)
	setEnv(t, "BASE_URL", `"https://links.example"`)
	setEnv(t, "TRUSTED_PROXIES", `'10.0.0.0/8', "192.168.1.1"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://links.example" {
		t.Errorf("BaseURL: got %q", cfg.BaseURL)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.168.1.1" {
		t.Errorf("TrustedProxies: got %v", cfg.TrustedProxies)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{"valid_minimal", func(t *testing.T) {}, false},
		{"invalid_log_level", func(t *testing.T) { setEnv(t, "LOG_LEVEL", "invalid") }, true},
		{"valid_log_level_debug", func(t *testing.T) { setEnv(t, "LOG_LEVEL", "debug") }, false},
		{"invalid_log_format", func(t *testing.T) { setEnv(t, "LOG_FORMAT", "yaml") }, true},
		{"valid_log_format_text", func(t *testing.T) { setEnv(t, "LOG_FORMAT", "text") }, false},
		{"invalid_base_url", func(t *testing.T) { setEnv(t, "BASE_URL", "ftp://host") }, true},
		{"invalid_base_url_relative", func(t *testing.T) { setEnv(t, "BASE_URL", "/links") }, true},
		{"invalid_trusted_proxy", func(t *testing.T) { setEnv(t, "TRUSTED_PROXIES", "not-an-ip") }, true},
		{"valid_trusted_proxy_cidr", func(t *testing.T) { setEnv(t, "TRUSTED_PROXIES", "10.0.0.0/8,::1") }, false},
		{"invalid_backend", func(t *testing.T) { setEnv(t, "RATELIMIT_BACKEND", "memcached") }, true},
		{"redis_without_url", func(t *testing.T) { setEnv(t, "RATELIMIT_BACKEND", "redis") }, true},
		{"redis_bad_scheme", func(t *testing.T) {
			setEnv(t, "RATELIMIT_BACKEND", "redis")
			setEnv(t, "REDIS_URL", "http://redis:6379")
		}, true},
		{"redis_valid", func(t *testing.T) {
			setEnv(t, "RATELIMIT_BACKEND", "redis")
			setEnv(t, "REDIS_URL", "redis://redis:6379/0")
		}, false},
		{"max_attempts_zero_unlimited", func(t *testing.T) { setEnv(t, "RATELIMIT_MAX_ATTEMPTS", "0") }, false},
		{"max_attempts_negative", func(t *testing.T) { setEnv(t, "RATELIMIT_MAX_ATTEMPTS", "-1") }, true},
		{"window_zero", func(t *testing.T) { setEnv(t, "RATELIMIT_WINDOW", "0s") }, true},
		{"http_rate_disabled", func(t *testing.T) { setEnv(t, "HTTP_RATE_LIMIT", "0") }, false},
		{"http_burst_zero", func(t *testing.T) { setEnv(t, "HTTP_RATE_BURST", "0") }, true},
		{"webhook_bad_url", func(t *testing.T) { setEnv(t, "NOTIFY_WEBHOOK_URL", "not a url") }, true},
		{"webhook_bad_outcome", func(t *testing.T) {
			setEnv(t, "NOTIFY_WEBHOOK_URL", "https://hooks.example/geo")
			setEnv(t, "NOTIFY_ON", "granted,maybe")
		}, true},
		{"webhook_valid", func(t *testing.T) {
			setEnv(t, "NOTIFY_WEBHOOK_URL", "https://hooks.example/geo")
			setEnv(t, "NOTIFY_ON", "denied")
		}, false},
		{"invalid_pool_workers", func(t *testing.T) { setEnv(t, "POOL_WORKERS", "100") }, true},
		{"invalid_pool_queue_depth_zero", func(t *testing.T) { setEnv(t, "POOL_QUEUE_DEPTH", "0") }, true},
		{"pool_backoff_below_base", func(t *testing.T) { setEnv(t, "POOL_MAX_BACKOFF", "500ms") }, true},
		{"pool_backoff_custom", func(t *testing.T) { setEnv(t, "POOL_MAX_BACKOFF", "5m") }, false},
		{"invalid_janitor_interval_zero", func(t *testing.T) { setEnv(t, "JANITOR_INTERVAL", "0s") }, true},
		{"invalid_shutdown_timeout_zero", func(t *testing.T) { setEnv(t, "SHUTDOWN_TIMEOUT", "0s") }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			tc.setup(t)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
