package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// QuotaDefaults are the limits applied when a workspace has no quota row yet.
// A zero value means unlimited.
type QuotaDefaults struct {
	MaxStorageBytes  int64
	MaxFiles         int64
	MaxFileSizeBytes int64
}

// QuotaRepository manages per-workspace quota rows and usage counters.
type QuotaRepository struct {
	db *DB
}

// NewQuotaRepository creates a new QuotaRepository.
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

const quotaColumns = `workspace_id, max_storage_bytes, max_files, max_file_size_bytes,
	used_storage_bytes, used_files, enforce_quota, created_at, updated_at`

// GetOrCreate returns the quota for a workspace, creating it with the given
// defaults when absent. Creation is race-safe: a concurrent insert loses to
// ON CONFLICT and the existing row is returned.
func (r *QuotaRepository) GetOrCreate(ctx context.Context, workspaceID uuid.UUID, defaults QuotaDefaults) (*StorageQuota, error) {
	quota, err := r.get(ctx, workspaceID)
	if err == nil {
		return quota, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO storage_quotas (workspace_id, max_storage_bytes, max_files, max_file_size_bytes, enforce_quota)
		VALUES ($1, NULLIF($2, 0), NULLIF($3, 0), NULLIF($4, 0), TRUE)
		ON CONFLICT (workspace_id) DO NOTHING
	`, workspaceID, defaults.MaxStorageBytes, defaults.MaxFiles, defaults.MaxFileSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota: %w", err)
	}

	quota, err = r.get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota after create: %w", err)
	}
	return quota, nil
}

// ApplyUsageDelta adjusts the usage counters by the given deltas in a single
// statement, clamped at zero. The arithmetic happens in the database so
// concurrent commits never lose updates.
func (r *QuotaRepository) ApplyUsageDelta(ctx context.Context, workspaceID uuid.UUID, deltaBytes, deltaFiles int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE storage_quotas SET
			used_storage_bytes = GREATEST(used_storage_bytes + $2, 0),
			used_files = GREATEST(used_files + $3, 0),
			updated_at = NOW()
		WHERE workspace_id = $1
	`, workspaceID, deltaBytes, deltaFiles)
	if err != nil {
		return fmt.Errorf("failed to apply usage delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no quota row for workspace %s", workspaceID)
	}
	return nil
}

// SetUsage overwrites the usage counters with recomputed ground-truth values.
// Used by reconciliation to correct drift.
func (r *QuotaRepository) SetUsage(ctx context.Context, workspaceID uuid.UUID, usedBytes, usedFiles int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE storage_quotas SET
			used_storage_bytes = $2,
			used_files = $3,
			updated_at = NOW()
		WHERE workspace_id = $1
	`, workspaceID, usedBytes, usedFiles)
	if err != nil {
		return fmt.Errorf("failed to set usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no quota row for workspace %s", workspaceID)
	}
	return nil
}

func (r *QuotaRepository) get(ctx context.Context, workspaceID uuid.UUID) (*StorageQuota, error) {
	q := &StorageQuota{}
	err := r.db.Pool.QueryRow(ctx,
		"SELECT "+quotaColumns+" FROM storage_quotas WHERE workspace_id = $1",
		workspaceID,
	).Scan(
		&q.WorkspaceID,
		&q.MaxStorageBytes,
		&q.MaxFiles,
		&q.MaxFileSizeBytes,
		&q.UsedStorageBytes,
		&q.UsedFiles,
		&q.EnforceQuota,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}
