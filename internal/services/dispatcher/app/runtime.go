// Package app assembles the dispatcher service: queue backend, handler
// registry, poll loops, scheduled maintenance, the administrative HTTP
// surface, and a gRPC health endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/taskdepot/taskdepot/internal/platform/timeouts"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/adminapi"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/breaker"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/dispatch"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/handlers"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/notify"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/registry"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/storage"
	redisstore "github.com/taskdepot/taskdepot/internal/services/dispatcher/storage/redis"
	sqlitestore "github.com/taskdepot/taskdepot/internal/services/dispatcher/storage/sqlite"
)

// RuntimeConfig controls dispatcher startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port       int
	HealthPort int

	Driver    string
	DBPath    string
	RedisAddr string
	RedisDB   int

	RendererURL string
	FrontendURL string
	RelayURL    string
	NotifyURL   string
	CacheDir    string

	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	HistoryKeep  int
}

const (
	defaultAdminPort   = 8094
	defaultHealthPort  = 8095
	defaultDBPath      = "data/dispatcher.db"
	defaultCacheDir    = "data/cache"
	defaultLeaseTTL    = 5 * time.Minute
	defaultHistoryKeep = 10000
)

// Run starts the dispatcher runtime and blocks until ctx is canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultAdminPort
	}
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = defaultHealthPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.CacheDir) == "" {
		cfg.CacheDir = defaultCacheDir
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = defaultHistoryKeep
	}
	if strings.TrimSpace(cfg.Driver) == "" {
		cfg.Driver = storage.DriverSQLite
	}

	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.CacheDir} {
		if dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dispatcher data dir: %w", err)
		}
	}

	// History always lives in SQLite, even when dispatching through Redis:
	// history is durable and append-only, the live queue is not.
	sqliteStore, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open dispatcher sqlite store: %w", err)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			log.Printf("close dispatcher sqlite store: %v", closeErr)
		}
	}()

	var backend storage.QueueBackend = sqliteStore
	switch cfg.Driver {
	case storage.DriverSQLite:
	case storage.DriverRedis:
		redisStore, openErr := redisstore.Open(ctx, redisstore.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if openErr != nil {
			return fmt.Errorf("open dispatcher redis store: %w", openErr)
		}
		defer func() {
			if closeErr := redisStore.Close(); closeErr != nil {
				log.Printf("close dispatcher redis store: %v", closeErr)
			}
		}()
		backend = redisStore
	default:
		return fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}

	reg := registry.New()
	if strings.TrimSpace(cfg.RelayURL) != "" {
		emailHandler, handlerErr := handlers.NewEmailHandler(cfg.RelayURL, nil)
		if handlerErr != nil {
			return fmt.Errorf("configure email handler: %w", handlerErr)
		}
		if err := reg.Register(handlers.TypeSendEmail, emailHandler); err != nil {
			return fmt.Errorf("register email handler: %w", err)
		}
	}
	if strings.TrimSpace(cfg.RendererURL) != "" {
		cacheHandler, handlerErr := handlers.NewCacheHandler(cfg.RendererURL, cfg.FrontendURL, cfg.CacheDir, nil)
		if handlerErr != nil {
			return fmt.Errorf("configure cache handler: %w", handlerErr)
		}
		if err := reg.Register(handlers.TypeWarmCache, cacheHandler); err != nil {
			return fmt.Errorf("register cache handler: %w", err)
		}
	}

	var notifier notify.Notifier = notify.Noop{}
	if strings.TrimSpace(cfg.NotifyURL) != "" {
		sink, sinkErr := notify.NewHTTPSink(cfg.NotifyURL, nil)
		if sinkErr != nil {
			return fmt.Errorf("configure notification sink: %w", sinkErr)
		}
		notifier = sink
	}

	dispatcher, err := dispatch.New(backend, sqliteStore, reg, breaker.NewRegistry(), notifier, dispatch.Config{
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	apiServer, err := adminapi.New(backend, sqliteStore, reg, dispatcher)
	if err != nil {
		return fmt.Errorf("build admin api: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	httpErr := make(chan error, 1)
	go func() {
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			httpErr <- serveErr
			return
		}
		httpErr <- nil
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("shutdown admin api: %v", shutdownErr)
		}
		<-httpErr
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on dispatcher health port %d: %w", cfg.HealthPort, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("dispatcher.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		reclaimCtx, cancel := context.WithTimeout(context.Background(), timeouts.CollaboratorRequest)
		defer cancel()
		reclaimed, reclaimErr := backend.ReclaimStale(reclaimCtx, time.Now(), cfg.LeaseTTL)
		if reclaimErr != nil {
			log.Printf("reclaim stale tasks: %v", reclaimErr)
			return
		}
		if reclaimed > 0 {
			log.Printf("reclaimed %d stale tasks", reclaimed)
		}
	}); err != nil {
		return fmt.Errorf("schedule stale reclaim: %w", err)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		pruneCtx, cancel := context.WithTimeout(context.Background(), timeouts.CollaboratorRequest)
		defer cancel()
		pruned, pruneErr := sqliteStore.PruneHistory(pruneCtx, cfg.HistoryKeep)
		if pruneErr != nil {
			log.Printf("prune task history: %v", pruneErr)
			return
		}
		if pruned > 0 {
			log.Printf("pruned %d history records", pruned)
		}
	}); err != nil {
		return fmt.Errorf("schedule history prune: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Printf("dispatcher admin api listening at :%d, health at %v, driver %s", cfg.Port, listener.Addr(), backend.Driver())
	return dispatcher.Run(ctx)
}
