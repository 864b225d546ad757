// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (empty = in-memory metadata store)
	DatabaseURL string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Encryption
	EncryptionSecret string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// Share links
	BaseURL string

	// Uploads
	MaxUploadSize       int64
	DefaultExpiryHours  int
	DefaultMaxDownloads int

	// Cleanup
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),

		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:    envOr("S3_BUCKET", "securedrop"),
		S3AccessKey: envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3UseSSL:    envBool("S3_USE_SSL", false),

		EncryptionSecret: envOr("ENCRYPTION_SECRET", ""),

		TLSCertFile: envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envOr("TLS_KEY_FILE", ""),

		JWTSecret: envOr("JWT_SECRET", ""),

		BaseURL: envOr("BASE_URL", "http://localhost:8080"),

		MaxUploadSize:       envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		DefaultExpiryHours:  envInt("DEFAULT_EXPIRY_HOURS", 24),
		DefaultMaxDownloads: envInt("DEFAULT_MAX_DOWNLOADS", 1),

		CleanupInterval: envDuration("CLEANUP_INTERVAL", time.Hour),
	}

	if cfg.EncryptionSecret == "" {
		return nil, fmt.Errorf("ENCRYPTION_SECRET is required")
	}
	if cfg.DefaultExpiryHours <= 0 {
		return nil, fmt.Errorf("DEFAULT_EXPIRY_HOURS must be positive")
	}
	if cfg.StorageBackend != "local" && cfg.StorageBackend != "s3" {
		return nil, fmt.Errorf("STORAGE_BACKEND must be \"local\" or \"s3\", got %q", cfg.StorageBackend)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
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

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
