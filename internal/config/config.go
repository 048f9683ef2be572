package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// MinSigningKeyBytes is the shortest accepted HS256 signing key.
const MinSigningKeyBytes = 32

// Config holds all application configuration.
type Config struct {
	// HTTP API
	ListenAddr     string   `koanf:"listen_addr"`
	BaseURL        string   `koanf:"base_url"`
	AdminAPIKey    string   `koanf:"admin_api_key"`
	TrustedProxies []string `koanf:"trusted_proxies"`
	HTTPRateLimit  float64  `koanf:"http_rate_limit"`
	HTTPRateBurst  int      `koanf:"http_rate_burst"`

	// Tokens
	SigningKey string `koanf:"signing_key"`

	// Verification rate limit
	RateLimitMaxAttempts int           `koanf:"ratelimit_max_attempts"`
	RateLimitWindow      time.Duration `koanf:"ratelimit_window"`
	RateLimitBackend     string        `koanf:"ratelimit_backend"`
	RedisURL             string        `koanf:"redis_url"`

	// Notifications
	NotifyWebhookURL string        `koanf:"notify_webhook_url"`
	NotifyOn         []string      `koanf:"notify_on"`
	NotifyTimeout    time.Duration `koanf:"notify_timeout"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`
	PoolMaxBackoff time.Duration `koanf:"pool_max_backoff"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.BaseURL = stripEnvQuotes(c.BaseURL)
	c.AdminAPIKey = stripEnvQuotes(c.AdminAPIKey)
	c.SigningKey = stripEnvQuotes(c.SigningKey)
	c.RateLimitBackend = stripEnvQuotes(c.RateLimitBackend)
	c.RedisURL = stripEnvQuotes(c.RedisURL)
	c.NotifyWebhookURL = stripEnvQuotes(c.NotifyWebhookURL)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.TrustedProxies {
		c.TrustedProxies[i] = stripEnvQuotes(s)
	}
	for i, s := range c.NotifyOn {
		c.NotifyOn[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":            ":8080",
		"base_url":               "http://localhost:8080",
		"http_rate_limit":        50,
		"http_rate_burst":        100,
		"ratelimit_max_attempts": 15,
		"ratelimit_window":       "60s",
		"ratelimit_backend":      "bolt",
		"notify_on":              "granted,denied",
		"notify_timeout":         "5s",
		"pool_workers":           2,
		"pool_queue_depth":       1024,
		"pool_max_retries":       3,
		"pool_retry_base":        "1s",
		"pool_max_backoff":       "1m",
		"data_dir":               "/data",
		"log_level":              "info",
		"log_format":             "json",
		"metrics_enabled":        true,
		"metrics_addr":           ":9090",
		"health_addr":            ":8081",
		"janitor_interval":       "10m",
		"shutdown_timeout":       "10s",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' -> x, "x" -> x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// loadDotEnv exports variables from ENV_FILE (default .env) into the process
// environment. Variables already set in the environment win. A missing file is
// not an error.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the environment (after an optional .env file),
// applying _FILE secret injection.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	// "." as delimiter keeps env vars with "_" as flat keys:
	// SIGNING_KEY -> "signing_key" maps to koanf:"signing_key" without nesting.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// comma-separated list fields that koanf won't split automatically
	cfg.TrustedProxies = splitCSV(k.String("trusted_proxies"))
	cfg.NotifyOn = splitCSV(k.String("notify_on"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return fmt.Errorf("SIGNING_KEY is required")
	}
	if len(c.SigningKey) < MinSigningKeyBytes {
		return fmt.Errorf("SIGNING_KEY must be at least %d bytes; got %d", MinSigningKeyBytes, len(c.SigningKey))
	}

	if err := validHTTPURL(c.BaseURL); err != nil {
		return fmt.Errorf("BASE_URL: %w", err)
	}

	if c.RateLimitMaxAttempts < 0 {
		return fmt.Errorf("RATELIMIT_MAX_ATTEMPTS must be >= 0; got %d", c.RateLimitMaxAttempts)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATELIMIT_WINDOW must be > 0; got %s", c.RateLimitWindow)
	}
	switch c.RateLimitBackend {
	case "bolt":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATELIMIT_BACKEND=redis")
		}
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return fmt.Errorf("REDIS_URL must start with redis:// or rediss://; got %q", c.RedisURL)
		}
	default:
		return fmt.Errorf("RATELIMIT_BACKEND must be bolt or redis; got %q", c.RateLimitBackend)
	}

	if c.HTTPRateLimit < 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT must be >= 0; got %v", c.HTTPRateLimit)
	}
	if c.HTTPRateLimit > 0 && c.HTTPRateBurst < 1 {
		return fmt.Errorf("HTTP_RATE_BURST must be >= 1 when HTTP_RATE_LIMIT is set; got %d", c.HTTPRateBurst)
	}

	for _, entry := range c.TrustedProxies {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("TRUSTED_PROXIES: invalid CIDR %q: %w", entry, err)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("TRUSTED_PROXIES: invalid IP address %q", entry)
		}
	}

	if c.NotifyWebhookURL != "" {
		if err := validHTTPURL(c.NotifyWebhookURL); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		for _, o := range c.NotifyOn {
			if o != "granted" && o != "denied" {
				return fmt.Errorf("NOTIFY_ON entries must be granted or denied; got %q", o)
			}
		}
		if c.NotifyTimeout <= 0 {
			return fmt.Errorf("NOTIFY_TIMEOUT must be > 0; got %s", c.NotifyTimeout)
		}
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1-64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}
	if c.PoolMaxBackoff < c.PoolRetryBase {
		return fmt.Errorf("POOL_MAX_BACKOFF must be >= POOL_RETRY_BASE; got %s < %s", c.PoolMaxBackoff, c.PoolRetryBase)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0; got %s", c.ShutdownTimeout)
	}
	return nil
}

func validHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http:// or https:// URL; got %q", raw)
	}
	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a file whose
// trimmed contents become the value.
var fileSecretKeys = []string{
	"signing_key",
	"admin_api_key",
	"redis_url",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		// the path itself may be quoted in a Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
