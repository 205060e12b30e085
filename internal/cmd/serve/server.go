package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-console/internal/compose"
	"github.com/chirino/chat-console/internal/config"
	"github.com/chirino/chat-console/internal/plugin/route/console"
	routesystem "github.com/chirino/chat-console/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-console/internal/plugin/store/metrics"
	registryattach "github.com/chirino/chat-console/internal/registry/attach"
	registrycache "github.com/chirino/chat-console/internal/registry/cache"
	registryroute "github.com/chirino/chat-console/internal/registry/route"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/chirino/chat-console/internal/security"
	"github.com/chirino/chat-console/internal/session"
	"github.com/chirino/chat-console/internal/syncengine"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config   *config.Config
	Backend  registrystore.Backend
	Router   *gin.Engine
	Sessions *session.Manager
	Port     int

	httpServer   *http.Server
	stopSessions context.CancelFunc
}

// Shutdown stops accepting requests, destroys all sessions and closes the
// backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopSessions()
	err := s.httpServer.Shutdown(ctx)
	if cerr := s.Backend.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat console",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"attachments", cfg.AttachType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	ctx = config.WithContext(ctx, cfg)

	// Initialize the snapshot cache and inject it into the context so the
	// session factory can hand it to engines.
	var cache registrycache.SnapshotCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if cache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		cache = nil
	} else {
		ctx = registrycache.WithSnapshotCacheContext(ctx, cache)
	}

	// Initialize the backend store.
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	backend, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	backend = storemetrics.Wrap(backend)

	// Initialize the attachment store.
	attachLoader, err := registryattach.Select(cfg.AttachType)
	if err != nil {
		return nil, err
	}
	attachStore, err := attachLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize attachment store: %w", err)
	}

	// Every session gets its own engine and pipeline, pinned to the identity
	// the auth layer supplied at login.
	factory := func(ctx context.Context, tenantID, operatorID string) (*syncengine.Engine, *compose.Pipeline) {
		engine := syncengine.New(syncengine.Options{
			TenantID:   tenantID,
			OperatorID: operatorID,
			Backend:    backend,
			Cache:      cache,
			CacheTTL:   cfg.SnapshotCacheTTL,
			Backoff:    cfg.ResubscribeBackoff,
			BackoffMax: cfg.ResubscribeBackoffMax,
		})
		pipeline := compose.New(compose.Options{
			Source:      engine,
			Messages:    backend.Messages(),
			Index:       backend.Conversations(),
			Attachments: attachStore,
			AuthorTag:   operatorID,
			MaxAttempts: cfg.SendMaxAttempts,
		})
		return engine, pipeline
	}
	sessions := session.NewManager(factory, cfg.SessionIdleTimeout)
	sessionCtx, stopSessions := context.WithCancel(context.Background())
	go sessions.Start(sessionCtx)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLog {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	for _, loader := range registryroute.Loaders(registryroute.RouteTypeMain) {
		if err := loader(router); err != nil {
			stopSessions()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	for _, loader := range registryroute.Loaders(registryroute.RouteTypeManagement) {
		if err := loader(router); err != nil {
			stopSessions()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	console.MountRoutes(router, sessions)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		stopSessions()
		return nil, err
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:       cfg,
		Backend:      backend,
		Router:       router,
		Sessions:     sessions,
		Port:         port,
		httpServer:   httpServer,
		stopSessions: stopSessions,
	}, nil
}
