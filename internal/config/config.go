package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the chat console service.
type Config struct {
	// Datastore backend type: "memory", "mongo", or "postgres".
	DatastoreType string

	// Connection URL for the configured datastore.
	DBURL string

	// Database name (mongo only).
	DBName string

	// Notify channel name (postgres only). All console instances sharing a
	// database must agree on it or they will not see each other's writes.
	PGNotifyChannel string

	// Cache backend type: "none" or "redis".
	CacheType string

	// Redis
	RedisURL string

	// How long a cached message view stays warm.
	SnapshotCacheTTL time.Duration

	// Attachment store type: "memory" or "s3".
	AttachType string

	// Maximum accepted attachment payload.
	AttachmentMaxSize int64

	// S3
	S3Bucket           string
	S3Prefix           string
	S3Region           string
	S3ExternalEndpoint string
	S3UsePathStyle     bool
	S3AccessKeyID      string
	S3SecretAccessKey  string

	// Lifetime of presigned attachment URLs handed to presentation.
	AttachmentURLExpiresIn time.Duration

	// SendMaxAttempts bounds how often a send renumbers and retries after a
	// sequence-number collision before giving up.
	SendMaxAttempts int

	// ResubscribeBackoff is the initial delay before reopening a snapshot
	// stream that terminated unexpectedly. Doubles up to ResubscribeBackoffMax.
	ResubscribeBackoff    time.Duration
	ResubscribeBackoffMax time.Duration

	// Sessions older than this without an attached stream are reaped.
	SessionIdleTimeout time.Duration

	// Server
	Listener    ListenerConfig
	AccessLog   bool
	CORSEnabled bool
	CORSOrigins string
	MaxBodySize int64

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR}
	// expansion. Defaults to "service=chat-console".
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:          "memory",
		DBName:                 "chat_console",
		PGNotifyChannel:        "chat_console_changes",
		CacheType:              "none",
		SnapshotCacheTTL:       10 * time.Minute,
		AttachType:             "memory",
		AttachmentMaxSize:      25 * 1024 * 1024, // 25 MB
		AttachmentURLExpiresIn: 24 * time.Hour,
		SendMaxAttempts:        5,
		ResubscribeBackoff:     time.Second,
		ResubscribeBackoffMax:  30 * time.Second,
		SessionIdleTimeout:     30 * time.Minute,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		AccessLog:     true,
		MaxBodySize:   50 * 1024 * 1024, // 2x attachment max-size
		MetricsLabels: "service=chat-console",
	}
}
