/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the miles inventory server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and MILES_* environment configuration
  2. Apply command-line flag overrides
  3. Open the store (memory, SQLite or PostgreSQL + goose migrations)
  4. Connect the Redis balance cache (optional)
  5. Build the sales coordinator, API handler and router
  6. Start the audit scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides MILES_HTTP_PORT)
  -db      SQLite database path (selects the sqlite driver)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (MILES_HTTP_SHUTDOWN_TIMEOUT)
  3. Stop the audit scheduler
  4. Close Redis and the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/miles.db"

  # Run against PostgreSQL with a Redis cache
  MILES_STORAGE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/interleads/travelagency-system-sub000/api"
	"github.com/interleads/travelagency-system-sub000/config"
	"github.com/interleads/travelagency-system-sub000/logger"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/interleads/travelagency-system-sub000/store/cache"
	"github.com/interleads/travelagency-system-sub000/store/memory"
	"github.com/interleads/travelagency-system-sub000/store/postgres"
	"github.com/interleads/travelagency-system-sub000/store/sqlite"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides MILES_HTTP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (selects the sqlite driver)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.SQLitePath = *dbPath
	}

	log := logger.New(logger.Options{
		ServiceName: "miles-inventory",
		Level:       logger.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
		WarnStack:   cfg.Log.WarnStack,
	})
	ctx := context.Background()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server.exit", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) (err error) {
	// Initialize store
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	// Balance cache
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = cache.Open(ctx, cfg.Redis.URL)
		if err != nil {
			log.Error(ctx, "balance_cache.unavailable", err)
			rdb, err = nil, nil
		} else {
			defer func() { err = multierr.Append(err, rdb.Close()) }()
			log.Info(ctx, "balance_cache.connected")
		}
	}
	balances := cache.New(store, rdb, cfg.Redis.TTL)

	coordinator := sales.NewCoordinator(store,
		sales.WithEngineOptions(cfg.EngineOptions()...),
		sales.WithLogger(log),
		sales.WithInvalidator(balances),
	)
	handler := api.NewHandler(store, coordinator, balances, log)
	router := api.NewRouter(handler, cfg.HTTP.CORSOrigins...)

	scheduler := api.NewAuditScheduler(handler.Auditor, log)
	scheduler.CheckInterval = cfg.Audit.Interval
	scheduler.Enabled = cfg.Audit.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info(log.WithFields(ctx, map[string]any{
			"port":            cfg.HTTP.Port,
			"driver":          cfg.Storage.Driver,
			"shortfallPolicy": cfg.Engine.ShortfallPolicy,
		}), "server.starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info(ctx, "server.shutting_down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info(ctx, "server.stopped")
	return nil
}

// openStore opens the configured storage driver and returns its closer.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (api.Backend, func() error, error) {
	ctx = log.WithField(ctx, "driver", cfg.Storage.Driver)

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		log.Info(ctx, "store.opened")
		return memory.New(), func() error { return nil }, nil

	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
			log.Info(ctx, "store.migrated")
		}
		store := postgres.New(pool)
		log.Info(ctx, "store.opened")
		return store, store.Close, nil

	default:
		if dir := filepath.Dir(cfg.Storage.SQLitePath); cfg.Storage.SQLitePath != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		store, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		log.Info(log.WithField(ctx, "path", cfg.Storage.SQLitePath), "store.opened")
		return store, store.Close, nil
	}
}
