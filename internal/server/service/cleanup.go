package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"coffer/internal/server/database"
)

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coffer_cleanup_runs_total",
		Help: "Completed cleanup runs by mode.",
	}, []string{"mode"})

	cleanupItemsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coffer_cleanup_items_removed_total",
		Help: "Objects and records removed by cleanup, by mode.",
	}, []string{"mode"})

	cleanupBytesFreedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coffer_cleanup_bytes_freed_total",
		Help: "Bytes freed in the storage backend by cleanup.",
	})

	cleanupErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coffer_cleanup_errors_total",
		Help: "Per-item errors encountered during cleanup runs.",
	})

	cleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coffer_cleanup_duration_seconds",
		Help:    "Duration of full cleanup runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// CleanupService reconciles the metadata database with the storage backend
// and garbage collects soft-deleted files. Every pass is batch-safe: a
// per-item failure is recorded in the report and the pass continues.
type CleanupService struct {
	files  FileRepository
	quotas QuotaRepository
	stores StoreProvider

	orphanAge     time.Duration
	retentionDays int
	interval      time.Duration

	runMu sync.Mutex // one cleanup run at a time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupService wires the cleanup engine.
func NewCleanupService(files FileRepository, quotas QuotaRepository, stores StoreProvider, orphanAge time.Duration, retentionDays int, interval time.Duration) *CleanupService {
	return &CleanupService{
		files:         files,
		quotas:        quotas,
		stores:        stores,
		orphanAge:     orphanAge,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// CleanupOptions selects which passes a full cleanup runs.
type CleanupOptions struct {
	DryRun          bool `json:"dry_run"`
	OrphanedObjects bool `json:"cleanup_orphaned_files"`
	OrphanedRecords bool `json:"cleanup_orphaned_records"`
	SoftDeleted     bool `json:"cleanup_soft_deleted"`
	// SoftDeletedRetentionDays overrides the configured retention window
	// when positive.
	SoftDeletedRetentionDays int `json:"soft_deleted_retention_days"`
}

// DefaultCleanupOptions runs every pass for real.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		OrphanedObjects: true,
		OrphanedRecords: true,
		SoftDeleted:     true,
	}
}

// OrphanedObjectsReport summarizes one orphaned-object pass.
type OrphanedObjectsReport struct {
	DryRun       bool     `json:"dry_run"`
	FilesFound   int      `json:"files_found"`
	FilesDeleted int      `json:"files_deleted"`
	BytesFreed   int64    `json:"bytes_freed"`
	Errors       []string `json:"errors,omitempty"`
}

// OrphanedRecordsReport summarizes one orphaned-record pass.
type OrphanedRecordsReport struct {
	DryRun         bool     `json:"dry_run"`
	RecordsFound   int      `json:"records_found"`
	RecordsDeleted int      `json:"records_deleted"`
	Errors         []string `json:"errors,omitempty"`
}

// SoftDeletedReport summarizes one soft-deleted GC pass.
type SoftDeletedReport struct {
	DryRun         bool     `json:"dry_run"`
	RetentionDays  int      `json:"retention_days"`
	FilesFound     int      `json:"files_found"`
	FilesDeleted   int      `json:"files_deleted"`
	RecordsDeleted int      `json:"records_deleted"`
	BytesFreed     int64    `json:"bytes_freed"`
	Errors         []string `json:"errors,omitempty"`
}

// CleanupReport is the result of a full cleanup run.
type CleanupReport struct {
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     time.Time              `json:"completed_at"`
	DryRun          bool                   `json:"dry_run"`
	OrphanedObjects *OrphanedObjectsReport `json:"orphaned_files,omitempty"`
	OrphanedRecords *OrphanedRecordsReport `json:"orphaned_records,omitempty"`
	SoftDeleted     *SoftDeletedReport     `json:"soft_deleted,omitempty"`
	StatsBefore     *database.StorageStats `json:"storage_stats_before,omitempty"`
	StatsAfter      *database.StorageStats `json:"storage_stats_after,omitempty"`
}

// CleanupOrphanedObjects finds objects in the backend with no live database
// record and removes those older than the orphan age threshold. Recent
// objects are skipped because they may belong to an upload whose record has
// not been committed yet.
func (c *CleanupService) CleanupOrphanedObjects(ctx context.Context, dryRun bool) (*OrphanedObjectsReport, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cleanupOrphanedObjects(ctx, dryRun)
}

func (c *CleanupService) cleanupOrphanedObjects(ctx context.Context, dryRun bool) (*OrphanedObjectsReport, error) {
	report := &OrphanedObjectsReport{DryRun: dryRun}
	cutoff := time.Now().UTC().Add(-c.orphanAge)

	workspaces, err := c.files.ListWorkspaceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	for _, ws := range workspaces {
		if err := c.orphanedObjectsForWorkspace(ctx, ws, cutoff, dryRun, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("workspace %s: %v", ws, err))
			slog.Error("orphaned object pass failed for workspace", "workspace_id", ws, "error", err)
		}
	}

	cleanupRunsTotal.WithLabelValues("orphaned_objects").Inc()
	cleanupErrorsTotal.Add(float64(len(report.Errors)))
	if !dryRun {
		cleanupItemsRemovedTotal.WithLabelValues("orphaned_objects").Add(float64(report.FilesDeleted))
		cleanupBytesFreedTotal.Add(float64(report.BytesFreed))
	}

	slog.Info("orphaned object cleanup finished",
		"dry_run", dryRun,
		"found", report.FilesFound,
		"deleted", report.FilesDeleted,
		"bytes_freed", report.BytesFreed,
		"errors", len(report.Errors),
	)
	return report, nil
}

func (c *CleanupService) orphanedObjectsForWorkspace(ctx context.Context, workspaceID uuid.UUID, cutoff time.Time, dryRun bool, report *OrphanedObjectsReport) error {
	known, err := c.files.ListFileKeysByWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to list file keys: %w", err)
	}
	knownKeys := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownKeys[k] = struct{}{}
	}

	store := c.stores.ForWorkspace(workspaceID)
	objects, err := store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backend objects: %w", err)
	}

	for _, obj := range objects {
		if _, ok := knownKeys[obj.Key]; ok {
			continue
		}
		if obj.LastModified.After(cutoff) {
			continue
		}

		report.FilesFound++
		if dryRun {
			report.BytesFreed += obj.Size
			continue
		}

		existed, err := store.Delete(ctx, obj.Key)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete %s: %v", obj.Key, err))
			continue
		}
		if existed {
			report.FilesDeleted++
			report.BytesFreed += obj.Size
		}
	}
	return nil
}

// CleanupOrphanedRecords finds database records older than the orphan age
// threshold whose object is missing from the backend and soft deletes them.
// The record is kept through the retention window so the miss is auditable.
func (c *CleanupService) CleanupOrphanedRecords(ctx context.Context, dryRun bool) (*OrphanedRecordsReport, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cleanupOrphanedRecords(ctx, dryRun)
}

func (c *CleanupService) cleanupOrphanedRecords(ctx context.Context, dryRun bool) (*OrphanedRecordsReport, error) {
	report := &OrphanedRecordsReport{DryRun: dryRun}
	cutoff := time.Now().UTC().Add(-c.orphanAge)

	candidates, err := c.files.ListOrphanCandidates(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan candidates: %w", err)
	}

	for _, record := range candidates {
		store := c.stores.ForWorkspace(record.WorkspaceID)
		exists, err := store.Exists(ctx, record.FileKey)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("check %s: %v", record.FileKey, err))
			continue
		}
		if exists {
			continue
		}

		report.RecordsFound++
		if dryRun {
			continue
		}

		if err := c.files.SoftDelete(ctx, record.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("soft delete %s: %v", record.ID, err))
			continue
		}
		// The record counted against quota while it looked active.
		if err := c.quotas.ApplyUsageDelta(ctx, record.WorkspaceID, -record.FileSize, -1); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("quota release %s: %v", record.ID, err))
		}
		report.RecordsDeleted++
	}

	cleanupRunsTotal.WithLabelValues("orphaned_records").Inc()
	cleanupErrorsTotal.Add(float64(len(report.Errors)))
	if !dryRun {
		cleanupItemsRemovedTotal.WithLabelValues("orphaned_records").Add(float64(report.RecordsDeleted))
	}

	slog.Info("orphaned record cleanup finished",
		"dry_run", dryRun,
		"found", report.RecordsFound,
		"deleted", report.RecordsDeleted,
		"errors", len(report.Errors),
	)
	return report, nil
}

// CleanupSoftDeleted permanently removes files soft deleted longer ago than
// the retention window. The object is removed before the record: if the
// object delete fails the record stays, and the next run retries.
func (c *CleanupService) CleanupSoftDeleted(ctx context.Context, retentionDays int, dryRun bool) (*SoftDeletedReport, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cleanupSoftDeleted(ctx, retentionDays, dryRun)
}

func (c *CleanupService) cleanupSoftDeleted(ctx context.Context, retentionDays int, dryRun bool) (*SoftDeletedReport, error) {
	if retentionDays <= 0 {
		retentionDays = c.retentionDays
	}
	report := &SoftDeletedReport{DryRun: dryRun, RetentionDays: retentionDays}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	records, err := c.files.ListSoftDeletedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list soft-deleted files: %w", err)
	}

	for _, record := range records {
		report.FilesFound++
		if dryRun {
			report.BytesFreed += record.FileSize
			continue
		}

		store := c.stores.ForWorkspace(record.WorkspaceID)
		existed, err := store.Delete(ctx, record.FileKey)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete object %s: %v", record.FileKey, err))
			continue
		}
		if existed {
			report.FilesDeleted++
			report.BytesFreed += record.FileSize
		}

		if err := c.files.HardDelete(ctx, record.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete record %s: %v", record.ID, err))
			continue
		}
		report.RecordsDeleted++
	}

	cleanupRunsTotal.WithLabelValues("soft_deleted").Inc()
	cleanupErrorsTotal.Add(float64(len(report.Errors)))
	if !dryRun {
		cleanupItemsRemovedTotal.WithLabelValues("soft_deleted").Add(float64(report.RecordsDeleted))
		cleanupBytesFreedTotal.Add(float64(report.BytesFreed))
	}

	slog.Info("soft-deleted cleanup finished",
		"dry_run", dryRun,
		"retention_days", retentionDays,
		"found", report.FilesFound,
		"deleted", report.FilesDeleted,
		"bytes_freed", report.BytesFreed,
		"errors", len(report.Errors),
	)
	return report, nil
}

// RecomputeQuotas overwrites every workspace's usage counters with the sum
// over its active files, repairing any drift left by failures between the
// backend and the database.
func (c *CleanupService) RecomputeQuotas(ctx context.Context) (int, error) {
	workspaces, err := c.files.ListWorkspaceIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}

	updated := 0
	for _, ws := range workspaces {
		bytes, count, err := c.files.SumActiveSizeAndCount(ctx, ws)
		if err != nil {
			slog.Error("failed to sum usage", "workspace_id", ws, "error", err)
			continue
		}
		if err := c.quotas.SetUsage(ctx, ws, bytes, count); err != nil {
			slog.Error("failed to set usage", "workspace_id", ws, "error", err)
			continue
		}
		updated++
	}
	return updated, nil
}

// StorageStats returns database-wide storage aggregates.
func (c *CleanupService) StorageStats(ctx context.Context) (*database.StorageStats, error) {
	return c.files.GetStorageStats(ctx)
}

// FullCleanup runs the selected passes in order, recomputes quota counters,
// and reports storage stats from before and after the run.
func (c *CleanupService) FullCleanup(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := time.Now().UTC()
	report := &CleanupReport{StartedAt: start, DryRun: opts.DryRun}

	if stats, err := c.files.GetStorageStats(ctx); err != nil {
		slog.Warn("failed to collect storage stats before cleanup", "error", err)
	} else {
		report.StatsBefore = stats
	}

	if opts.OrphanedObjects {
		r, err := c.cleanupOrphanedObjects(ctx, opts.DryRun)
		if err != nil {
			return nil, err
		}
		report.OrphanedObjects = r
	}
	if opts.OrphanedRecords {
		r, err := c.cleanupOrphanedRecords(ctx, opts.DryRun)
		if err != nil {
			return nil, err
		}
		report.OrphanedRecords = r
	}
	if opts.SoftDeleted {
		r, err := c.cleanupSoftDeleted(ctx, opts.SoftDeletedRetentionDays, opts.DryRun)
		if err != nil {
			return nil, err
		}
		report.SoftDeleted = r
	}

	if !opts.DryRun {
		if updated, err := c.RecomputeQuotas(ctx); err != nil {
			slog.Error("quota recompute failed", "error", err)
		} else {
			slog.Info("quota counters recomputed", "workspaces", updated)
		}
	}

	if stats, err := c.files.GetStorageStats(ctx); err != nil {
		slog.Warn("failed to collect storage stats after cleanup", "error", err)
	} else {
		report.StatsAfter = stats
	}

	report.CompletedAt = time.Now().UTC()
	cleanupRunsTotal.WithLabelValues("full").Inc()
	cleanupDuration.Observe(report.CompletedAt.Sub(start).Seconds())

	slog.Info("full cleanup finished",
		"dry_run", opts.DryRun,
		"duration", report.CompletedAt.Sub(start),
	)
	return report, nil
}

// Start launches the periodic cleanup loop. The first run happens
// immediately, then every interval until Stop.
func (c *CleanupService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		c.runScheduled(runCtx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.runScheduled(runCtx)
			}
		}
	}()

	slog.Info("cleanup scheduler started", "interval", c.interval)
}

func (c *CleanupService) runScheduled(ctx context.Context) {
	if _, err := c.FullCleanup(ctx, DefaultCleanupOptions()); err != nil {
		slog.Error("scheduled cleanup failed", "error", err)
	}
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (c *CleanupService) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}
