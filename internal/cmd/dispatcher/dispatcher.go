// Package dispatcher parses dispatcher command flags and launches the
// dispatcher runtime.
package dispatcher

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/taskdepot/taskdepot/internal/platform/cmd"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/app"
)

// Config holds dispatcher command configuration.
type Config struct {
	Port       int `env:"TASKDEPOT_DISPATCHER_PORT" envDefault:"8094"`
	HealthPort int `env:"TASKDEPOT_DISPATCHER_HEALTH_PORT" envDefault:"8095"`

	Driver    string `env:"TASKDEPOT_DISPATCHER_DRIVER" envDefault:"sqlite"`
	DBPath    string `env:"TASKDEPOT_DISPATCHER_DB_PATH" envDefault:"data/dispatcher.db"`
	RedisAddr string `env:"TASKDEPOT_DISPATCHER_REDIS_ADDR"`
	RedisDB   int    `env:"TASKDEPOT_DISPATCHER_REDIS_DB" envDefault:"0"`

	RendererURL string `env:"TASKDEPOT_DISPATCHER_RENDERER_URL"`
	FrontendURL string `env:"TASKDEPOT_DISPATCHER_FRONTEND_URL"`
	RelayURL    string `env:"TASKDEPOT_DISPATCHER_RELAY_URL"`
	NotifyURL   string `env:"TASKDEPOT_DISPATCHER_NOTIFY_URL"`
	CacheDir    string `env:"TASKDEPOT_DISPATCHER_CACHE_DIR" envDefault:"data/cache"`

	Workers      int           `env:"TASKDEPOT_DISPATCHER_WORKERS" envDefault:"4"`
	BatchSize    int           `env:"TASKDEPOT_DISPATCHER_BATCH_SIZE" envDefault:"10"`
	PollInterval time.Duration `env:"TASKDEPOT_DISPATCHER_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL     time.Duration `env:"TASKDEPOT_DISPATCHER_LEASE_TTL" envDefault:"5m"`
	HistoryKeep  int           `env:"TASKDEPOT_DISPATCHER_HISTORY_KEEP" envDefault:"10000"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The admin API HTTP port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The health gRPC server port")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "Queue backend driver (sqlite or redis)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The dispatcher SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis driver")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.RendererURL, "renderer-url", cfg.RendererURL, "Rendering service base URL for cache warming")
	fs.StringVar(&cfg.FrontendURL, "frontend-url", cfg.FrontendURL, "Frontend base URL forwarded to the renderer")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "Email relay base URL")
	fs.StringVar(&cfg.NotifyURL, "notify-url", cfg.NotifyURL, "Notification sink base URL")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Cache artifact directory")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent task executions per queue")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Dequeue batch size per poll")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Queue poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Running-task lease before stale reclaim")
	fs.IntVar(&cfg.HistoryKeep, "history-keep", cfg.HistoryKeep, "History records kept by retention pruning")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the dispatcher runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDispatcher, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:         cfg.Port,
			HealthPort:   cfg.HealthPort,
			Driver:       cfg.Driver,
			DBPath:       cfg.DBPath,
			RedisAddr:    cfg.RedisAddr,
			RedisDB:      cfg.RedisDB,
			RendererURL:  cfg.RendererURL,
			FrontendURL:  cfg.FrontendURL,
			RelayURL:     cfg.RelayURL,
			NotifyURL:    cfg.NotifyURL,
			CacheDir:     cfg.CacheDir,
			Workers:      cfg.Workers,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			LeaseTTL:     cfg.LeaseTTL,
			HistoryKeep:  cfg.HistoryKeep,
		})
	})
}
