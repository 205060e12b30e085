package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-console/internal/config"
	registryattach "github.com/chirino/chat-console/internal/registry/attach"
	registrycache "github.com/chirino/chat-console/internal/registry/cache"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-console/internal/plugin/attach/memstore"
	_ "github.com/chirino/chat-console/internal/plugin/attach/s3store"
	_ "github.com/chirino/chat-console/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-console/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-console/internal/plugin/route/console"
	_ "github.com/chirino/chat-console/internal/plugin/route/system"
	_ "github.com/chirino/chat-console/internal/plugin/store/memory"
	_ "github.com/chirino/chat-console/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-console/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat console HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ACCESS_LOG"),
			Destination: &cfg.AccessLog,
			Value:       cfg.AccessLog,
			Usage:       "Enable HTTP access logging",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling for browser consoles on other origins",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; empty allows any origin",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Database name (mongo only)",
		},
		&cli.StringFlag{
			Name:        "pg-notify-channel",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_PG_NOTIFY_CHANNEL"),
			Destination: &cfg.PGNotifyChannel,
			Value:       cfg.PGNotifyChannel,
			Usage:       "LISTEN/NOTIFY channel for change notifications (postgres only)",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "snapshot-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_SNAPSHOT_CACHE_TTL"),
			Destination: &cfg.SnapshotCacheTTL,
			Value:       cfg.SnapshotCacheTTL,
			Usage:       "How long cached message views stay warm",
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_KIND"),
			Destination: &cfg.AttachType,
			Value:       cfg.AttachType,
			Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for attachments",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix inside the S3 bucket",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-region",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_REGION"),
			Destination: &cfg.S3Region,
			Usage:       "S3 region",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-external-endpoint",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "Public base URL for attachment downloads; when unset, presigned S3 URLs are used",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-access-key-id",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_ACCESS_KEY_ID"),
			Destination: &cfg.S3AccessKeyID,
			Usage:       "Static S3 access key id; when unset, the default AWS credential chain is used",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-secret-access-key",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_S3_SECRET_ACCESS_KEY"),
			Destination: &cfg.S3SecretAccessKey,
			Usage:       "Static S3 secret access key",
		},
		&cli.DurationFlag{
			Name:        "attachments-url-expires-in",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_ATTACHMENTS_URL_EXPIRES_IN"),
			Destination: &cfg.AttachmentURLExpiresIn,
			Value:       cfg.AttachmentURLExpiresIn,
			Usage:       "Lifetime of presigned attachment URLs",
		},

		// ── Sessions ──────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "session-idle-timeout",
			Category:    "Sessions:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_SESSION_IDLE_TIMEOUT"),
			Destination: &cfg.SessionIdleTimeout,
			Value:       cfg.SessionIdleTimeout,
			Usage:       "Sessions idle longer than this are reaped",
		},
		&cli.IntFlag{
			Name:        "send-max-attempts",
			Category:    "Sessions:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_SEND_MAX_ATTEMPTS"),
			Destination: &cfg.SendMaxAttempts,
			Value:       cfg.SendMaxAttempts,
			Usage:       "Renumber-and-retry attempts when a send hits a sequence-number collision",
		},
		&cli.DurationFlag{
			Name:        "resubscribe-backoff",
			Category:    "Sessions:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_RESUBSCRIBE_BACKOFF"),
			Destination: &cfg.ResubscribeBackoff,
			Value:       cfg.ResubscribeBackoff,
			Usage:       "Initial delay before reopening a failed snapshot stream; doubles per failure",
		},
		&cli.DurationFlag{
			Name:        "resubscribe-backoff-max",
			Category:    "Sessions:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_RESUBSCRIBE_BACKOFF_MAX"),
			Destination: &cfg.ResubscribeBackoffMax,
			Value:       cfg.ResubscribeBackoffMax,
			Usage:       "Upper bound for the resubscribe backoff",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_CONSOLE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAttachmentUpload(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isAttachmentUpload matches multipart uploads to the attachment endpoint,
// which enforce the attachment size limit themselves while streaming.
func isAttachmentUpload(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/attachments") {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
