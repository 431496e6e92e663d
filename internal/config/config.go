package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	SessionSecret        string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	RefreshTokenBytes    int
	ReconcileKey         string
	SweepWorkers         int
	SweepTimeout         time.Duration
	RefreshFailureLimit  int
	ProviderBaseURL      string
	ProviderClientID     string
	ProviderTimeout      time.Duration
	OTPRequestInterval   time.Duration
	AdminPhone           string
	AdminName            string
	NotifyWebhookURL     string
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Production reports whether the service runs with production cookie policy.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	if sessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required")
	}
	reconcileKey := strings.TrimSpace(os.Getenv("RECONCILE_KEY"))
	if reconcileKey == "" {
		return Config{}, fmt.Errorf("RECONCILE_KEY is required")
	}
	providerBaseURL := strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	if providerBaseURL == "" {
		return Config{}, fmt.Errorf("PROVIDER_BASE_URL is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		SessionSecret:        sessionSecret,
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		RefreshTokenBytes:    getInt("REFRESH_TOKEN_BYTES", 32),
		ReconcileKey:         reconcileKey,
		SweepWorkers:         getInt("SWEEP_WORKERS", 4),
		SweepTimeout:         getDuration("SWEEP_TIMEOUT", 5*time.Minute),
		RefreshFailureLimit:  getInt("REFRESH_FAILURE_LIMIT", 3),
		ProviderBaseURL:      strings.TrimRight(providerBaseURL, "/"),
		ProviderClientID:     getEnv("PROVIDER_CLIENT_ID", "system-admin"),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 15*time.Second),
		OTPRequestInterval:   getDuration("OTP_REQUEST_INTERVAL", 30*time.Second),
		AdminPhone:           strings.TrimSpace(os.Getenv("ADMIN_PHONE")),
		AdminName:            getEnv("ADMIN_NAME", "Admin"),
		NotifyWebhookURL:     strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")),
		ServiceName:          getEnv("SERVICE_NAME", "batchline"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Reconcile-Key"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}
	if cfg.SweepWorkers < 1 {
		cfg.SweepWorkers = 1
	}
	if cfg.RefreshFailureLimit < 1 {
		cfg.RefreshFailureLimit = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
