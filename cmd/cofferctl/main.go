package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"coffer/internal/server/config"
	"coffer/internal/server/database"
	"coffer/internal/server/service"
	"coffer/internal/server/storage"
)

// cofferctl runs the cleanup and reconciliation passes on demand, for cron
// jobs and operators. It reads the same environment variables as the server.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:          "cofferctl",
		Short:        "Operational commands for the coffer storage service",
		SilenceUsage: true,
	}

	var dryRun bool
	var retentionDays int

	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing anything")

	root.AddCommand(
		&cobra.Command{
			Use:   "cleanup-orphaned-files",
			Short: "Remove backend objects that have no database record",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCleanup(cmd.Context(), func(ctx context.Context, c *service.CleanupService) (any, error) {
					return c.CleanupOrphanedObjects(ctx, dryRun)
				})
			},
		},
		&cobra.Command{
			Use:   "cleanup-orphaned-records",
			Short: "Soft delete database records whose backend object is missing",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCleanup(cmd.Context(), func(ctx context.Context, c *service.CleanupService) (any, error) {
					return c.CleanupOrphanedRecords(ctx, dryRun)
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print database-wide storage aggregates",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCleanup(cmd.Context(), func(ctx context.Context, c *service.CleanupService) (any, error) {
					return c.StorageStats(ctx)
				})
			},
		},
	)

	softDeleted := &cobra.Command{
		Use:   "cleanup-soft-deleted",
		Short: "Permanently remove files soft deleted past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCleanup(cmd.Context(), func(ctx context.Context, c *service.CleanupService) (any, error) {
				return c.CleanupSoftDeleted(ctx, retentionDays, dryRun)
			})
		},
	}
	softDeleted.Flags().IntVar(&retentionDays, "retention-days", 0, "override the configured retention window")
	root.AddCommand(softDeleted)

	full := &cobra.Command{
		Use:   "full-cleanup",
		Short: "Run every cleanup pass and recompute quota counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCleanup(cmd.Context(), func(ctx context.Context, c *service.CleanupService) (any, error) {
				opts := service.DefaultCleanupOptions()
				opts.DryRun = dryRun
				opts.SoftDeletedRetentionDays = retentionDays
				return c.FullCleanup(ctx, opts)
			})
		},
	}
	full.Flags().IntVar(&retentionDays, "retention-days", 0, "override the configured retention window")
	root.AddCommand(full)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withCleanup wires the cleanup service from the environment, runs fn, and
// prints its result as indented JSON on stdout.
func withCleanup(ctx context.Context, fn func(context.Context, *service.CleanupService) (any, error)) error {
	cfg := config.Load()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	driver, err := buildDriver(ctx, cfg)
	if err != nil {
		return err
	}

	factory := storage.NewStoreFactory(driver, storage.Keyspace{
		Strategy:     storage.IsolationStrategy(cfg.IsolationStrategy),
		SharedBucket: cfg.SharedBucket,
	})
	stores := service.StoreProviderFunc(func(workspaceID uuid.UUID) service.ObjectStore {
		return factory.ForWorkspace(workspaceID)
	})

	cleanup := service.NewCleanupService(
		database.NewFileRepository(db),
		database.NewQuotaRepository(db),
		stores,
		cfg.OrphanAgeThreshold,
		cfg.SoftDeleteRetentionDays,
		cfg.CleanupInterval,
	)

	result, err := fn(ctx, cleanup)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

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
