// Package main provides the tristore server entry point: the migration
// engine, the maintenance worker and the operations HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/hybridflow/tristore/internal/config"
	"github.com/hybridflow/tristore/internal/server"
	"github.com/hybridflow/tristore/pkg/archive"
	"github.com/hybridflow/tristore/pkg/engine"
	"github.com/hybridflow/tristore/pkg/ha"
	"github.com/hybridflow/tristore/pkg/maintenance"
	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store/graph"
	"github.com/hybridflow/tristore/pkg/store/neo4jstore"
	"github.com/hybridflow/tristore/pkg/store/relational"
	"github.com/hybridflow/tristore/pkg/store/vector"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "Path to YAML config file (env vars override)")
	// glog registers its flags on the stdlib flag set.
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("starting tristore server",
		"listen", cfg.Server.Listen,
		"retentionWindow", cfg.Retention.Window,
		"graphBackend", cfg.Stores.Graph.Backend,
		"archive", cfg.Archive.URI)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	registryDB, err := config.OpenDatabase(cfg.Registry.DSN)
	if err != nil {
		glog.Fatalf("Failed to open registry database: %v", err)
	}

	reg := registry.NewStore(registryDB)
	locker := ha.NewMigrationLocker(registryDB)
	if err := locker.WithLock(ctx, reg.AutoMigrate); err != nil {
		glog.Fatalf("Failed to migrate registry schema: %v", err)
	}

	stores, cleanup, err := setupStores(ctx, cfg, registryDB, locker)
	if err != nil {
		glog.Fatalf("Failed to set up stores: %v", err)
	}
	defer cleanup()

	blobs, err := archive.OpenBlobStore(ctx, cfg.Archive.URI, archive.S3Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
	})
	if err != nil {
		glog.Fatalf("Failed to open archive backend: %v", err)
	}

	retention := engine.NewRetentionManager(reg, stores, archive.NewArchiver(blobs), cfg.Retention.Window, logger)

	eng := engine.New(reg, stores, retention, engine.EngineConfig{
		Validator: engine.ValidatorConfig{
			Budget:     cfg.Validation.Timeout,
			SampleSize: cfg.Validation.SampleSize,
			PageSize:   cfg.Validation.PageSize,
			ScanRate:   rate.Limit(cfg.Validation.ScanRate),
		},
		RetentionWindow: cfg.Retention.Window,
	}, locker, logger)

	worker := maintenance.NewWorker(reg, eng, retention, &maintenance.Config{
		Enabled:         cfg.Maintenance.Enabled,
		Interval:        cfg.Maintenance.Interval,
		StaleDeadline:   cfg.Maintenance.StaleDeadline,
		RevalidateEvery: cfg.Maintenance.RevalidateEvery,
		LogRetention:    cfg.Maintenance.LogRetention,
	}, logger)
	go worker.Run(ctx)

	router := server.NewRouter(eng, server.Options{
		AuthSecret: cfg.Server.AuthSecret,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("tristore server ready", "listen", cfg.Server.Listen)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("tristore server stopped")
}

// setupStores builds the three adapters from config. The relational and
// embedded graph adapters can share the registry database or use their own.
func setupStores(ctx context.Context, cfg *config.Config, registryDB *gorm.DB, locker ha.MigrationLocker) (engine.StoreSet, func(), error) {
	var stores engine.StoreSet
	cleanup := func() {}

	contentDB := registryDB
	if cfg.Stores.Relational.DSN != "" {
		var err error
		contentDB, err = config.OpenDatabase(cfg.Stores.Relational.DSN)
		if err != nil {
			return stores, cleanup, fmt.Errorf("open content database: %w", err)
		}
	}

	rel := relational.New(contentDB)
	if err := locker.WithLock(ctx, rel.AutoMigrate); err != nil {
		return stores, cleanup, fmt.Errorf("migrate relational schema: %w", err)
	}
	stores.Relational = rel

	stores.Vector = vector.New(cfg.Stores.Vector.Dimension)

	switch cfg.Stores.Graph.Backend {
	case "neo4j":
		g, err := neo4jstore.Connect(ctx, cfg.Stores.Graph.URI,
			cfg.Stores.Graph.Username, cfg.Stores.Graph.Password, "")
		if err != nil {
			return stores, cleanup, fmt.Errorf("connect neo4j: %w", err)
		}
		stores.Graph = g
		cleanup = func() {
			if err := g.Close(context.Background()); err != nil {
				slog.Error("close neo4j driver", "error", err)
			}
		}
	default:
		g := graph.New(contentDB)
		if err := locker.WithLock(ctx, g.AutoMigrate); err != nil {
			return stores, cleanup, fmt.Errorf("migrate graph schema: %w", err)
		}
		stores.Graph = g
	}

	return stores, cleanup, nil
}
