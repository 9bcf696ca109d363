// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrS3BucketRequired is returned when an S3 region is set without a bucket.
	ErrS3BucketRequired = errors.New("config: S3_BUCKET is required when S3_REGION is set")
	// ErrInvalidChunkSize is returned when MAX_CHUNK_SIZE cannot be parsed.
	ErrInvalidChunkSize = errors.New("config: MAX_CHUNK_SIZE must be a size like 16MB")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Upload settings
	SessionTTL    time.Duration `env:"SESSION_TTL, default=24h" json:"session_ttl"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL, default=10m" json:"sweep_interval"`
	MaxChunkSize  string        `env:"MAX_CHUNK_SIZE, default=16MB" json:"max_chunk_size"`

	// Storage settings
	DataDir string `env:"DATA_DIR, default=/var/lib/chunkup" json:"data_dir"`

	// Optional S3 settings; when both bucket and region are set, chunks
	// are stored as remote multipart parts instead of local files.
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Optional DynamoDB settings; when set, sessions survive restarts.
	DynamoDBTable string `env:"DYNAMODB_TABLE" json:"dynamodb_table,omitempty"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 chunk storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// DynamoDBEnabled returns true if a DynamoDB session table is configured.
func (c *Config) DynamoDBEnabled() bool {
	return c.DynamoDBTable != ""
}

// MaxChunkBytes parses MAX_CHUNK_SIZE into a byte count.
func (c *Config) MaxChunkBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxChunkSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, c.MaxChunkSize)
	}
	return n, nil
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.S3Region != "" && c.S3Bucket == "" {
		return ErrS3BucketRequired
	}
	if _, err := c.MaxChunkBytes(); err != nil {
		return err
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, SessionTTL: %s, SweepInterval: %s, MaxChunkSize: %s, DataDir: %s, S3Bucket: %s, S3Region: %s, DynamoDBTable: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.SessionTTL,
		c.SweepInterval,
		c.MaxChunkSize,
		c.DataDir,
		c.S3Bucket,
		c.S3Region,
		c.DynamoDBTable,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
