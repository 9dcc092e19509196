package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"coffer/internal/server/api"
	"coffer/internal/server/config"
	"coffer/internal/server/database"
	"coffer/internal/server/service"
	"coffer/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"provider", cfg.StorageProvider,
		"isolation", cfg.IsolationStrategy,
		"cleanup_interval", cfg.CleanupInterval,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize the storage driver
	driver, err := buildDriver(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage driver", "error", err)
		os.Exit(1)
	}
	slog.Info("storage driver initialized", "provider", driver.Provider())

	factory := storage.NewStoreFactory(driver, storage.Keyspace{
		Strategy:     storage.IsolationStrategy(cfg.IsolationStrategy),
		SharedBucket: cfg.SharedBucket,
	})
	stores := service.StoreProviderFunc(func(workspaceID uuid.UUID) service.ObjectStore {
		return factory.ForWorkspace(workspaceID)
	})

	// Initialize repositories and services
	fileRepo := database.NewFileRepository(db)
	quotaRepo := database.NewQuotaRepository(db)
	auditRepo := database.NewAuditRepository(db)

	ledger := service.NewQuotaLedger(quotaRepo, database.QuotaDefaults{
		MaxStorageBytes:  cfg.DefaultMaxStorageBytes,
		MaxFiles:         cfg.DefaultMaxFiles,
		MaxFileSizeBytes: cfg.DefaultMaxFileSizeBytes,
	})
	audit := service.NewAuditLogger(auditRepo)
	files := service.NewFileService(fileRepo, ledger, stores, audit, driver.Provider(), cfg.SignedURLTTL)

	// Start cleanup service
	cleanup := service.NewCleanupService(fileRepo, quotaRepo, stores,
		cfg.OrphanAgeThreshold, cfg.SoftDeleteRetentionDays, cfg.CleanupInterval)
	cleanup.Start(context.Background())

	// Setup HTTP router
	handler := api.NewHandler(files, cleanup, db)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanup.Stop()

	slog.Info("server exited cleanly")
}

// buildDriver constructs the configured storage backend driver. All backend
// calls share one concurrency gate.
func buildDriver(ctx context.Context, cfg *config.Config) (storage.Driver, error) {
	gate := storage.NewGate(cfg.BackendConcurrency)

	switch cfg.StorageProvider {
	case config.ProviderMinIO:
		return storage.NewMinIODriver(storage.MinIOConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Secure:    cfg.MinioSecure,
			Region:    cfg.MinioRegion,
		}, gate)
	case config.ProviderS3:
		return storage.NewS3Driver(ctx, storage.S3Config{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			EndpointURL:     cfg.S3EndpointURL,
		}, gate)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}
