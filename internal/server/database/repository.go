package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrFileNotFound = errors.New("file record not found")
)

const fileColumns = `id, file_key, original_filename, content_type, file_size, status,
	storage_provider, workspace_id, uploaded_by, metadata, folder_path, tags,
	is_public, expires_at, deleted_at, created_at, updated_at`

// FileRepository provides CRUD and aggregate queries over file records.
type FileRepository struct {
	db *DB
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db *DB) *FileRepository {
	return &FileRepository{db: db}
}

// Insert creates a new file record.
func (r *FileRepository) Insert(ctx context.Context, f *FileRecord) error {
	metadata, err := marshalJSONMap(f.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tags, err := marshalJSONMap(f.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO storage_files (
			id, file_key, original_filename, content_type, file_size, status,
			storage_provider, workspace_id, uploaded_by, metadata, folder_path,
			tags, is_public, expires_at, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		f.ID,
		f.FileKey,
		f.OriginalFilename,
		f.ContentType,
		f.FileSize,
		f.Status,
		f.StorageProvider,
		f.WorkspaceID,
		f.UploadedBy,
		metadata,
		f.FolderPath,
		tags,
		f.IsPublic,
		f.ExpiresAt,
		f.DeletedAt,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file record: %w", err)
	}
	return nil
}

// Update persists the mutable fields of a file record.
func (r *FileRepository) Update(ctx context.Context, f *FileRecord) error {
	metadata, err := marshalJSONMap(f.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tags, err := marshalJSONMap(f.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE storage_files SET
			status = $2, file_size = $3, metadata = $4, folder_path = $5,
			tags = $6, is_public = $7, expires_at = $8, deleted_at = $9,
			updated_at = NOW()
		WHERE id = $1
	`,
		f.ID, f.Status, f.FileSize, metadata, f.FolderPath,
		tags, f.IsPublic, f.ExpiresAt, f.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// SoftDelete marks a file as deleted without removing the row.
func (r *FileRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE storage_files
		SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to soft delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// Restore brings a soft-deleted file back to active.
func (r *FileRepository) Restore(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE storage_files
		SET status = 'active', deleted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'deleted'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to restore file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// HardDelete permanently removes a file record.
func (r *FileRepository) HardDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM storage_files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// FindByID retrieves a file record scoped to a workspace.
func (r *FileRepository) FindByID(ctx context.Context, workspaceID, id uuid.UUID) (*FileRecord, error) {
	row := r.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM storage_files WHERE id = $1 AND workspace_id = $2",
		id, workspaceID,
	)
	f, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

// ListActiveByWorkspace returns non-deleted files in a workspace, newest first,
// optionally filtered by folder path. The second return value is the total
// matching count before pagination.
func (r *FileRepository) ListActiveByWorkspace(ctx context.Context, workspaceID uuid.UUID, folderPath *string, limit, offset int) ([]*FileRecord, int64, error) {
	where := "workspace_id = $1 AND deleted_at IS NULL AND status != 'deleted'"
	args := []any{workspaceID}
	if folderPath != nil {
		where += " AND folder_path = $2"
		args = append(args, *folderPath)
	}

	var total int64
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM storage_files WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT "+fileColumns+" FROM storage_files WHERE "+where+
			" ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	files, err := r.queryFiles(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

// ListFileKeysByWorkspace returns the backend keys of every record in a
// workspace, for diffing against backend listings. Soft-deleted records are
// included: their object is referenced until the retention GC removes both.
func (r *FileRepository) ListFileKeysByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT file_key FROM storage_files WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan file key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ListOrphanCandidates returns non-deleted records created before the cutoff.
// Younger records are excluded so an in-flight upload is never misclassified.
func (r *FileRepository) ListOrphanCandidates(ctx context.Context, createdBefore time.Time) ([]*FileRecord, error) {
	return r.queryFiles(ctx,
		"SELECT "+fileColumns+" FROM storage_files WHERE deleted_at IS NULL AND status != 'deleted' AND created_at < $1",
		createdBefore,
	)
}

// ListSoftDeletedBefore returns records soft-deleted before the cutoff,
// i.e. those whose retention window has elapsed.
func (r *FileRepository) ListSoftDeletedBefore(ctx context.Context, deletedBefore time.Time) ([]*FileRecord, error) {
	return r.queryFiles(ctx,
		"SELECT "+fileColumns+" FROM storage_files WHERE deleted_at IS NOT NULL AND deleted_at < $1",
		deletedBefore,
	)
}

// SumActiveSizeAndCount returns the byte total and count of active files in a
// workspace. This is the ground truth the quota counters must converge to.
func (r *FileRepository) SumActiveSizeAndCount(ctx context.Context, workspaceID uuid.UUID) (int64, int64, error) {
	var bytes, count int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(file_size), 0), COUNT(*)
		FROM storage_files
		WHERE workspace_id = $1 AND status = 'active'
	`, workspaceID).Scan(&bytes, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum active files: %w", err)
	}
	return bytes, count, nil
}

// ListWorkspaceIDs returns every workspace that has file records or a quota row.
func (r *FileRepository) ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT workspace_id FROM storage_files
		UNION
		SELECT workspace_id FROM storage_quotas
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StatusStats returns per-status file counts and byte totals for a workspace.
func (r *FileRepository) StatusStats(ctx context.Context, workspaceID uuid.UUID) (map[FileStatus]StatusStat, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(file_size), 0)
		FROM storage_files
		WHERE workspace_id = $1
		GROUP BY status
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[FileStatus]StatusStat)
	for rows.Next() {
		var status FileStatus
		var stat StatusStat
		if err := rows.Scan(&status, &stat.Count, &stat.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan status stat: %w", err)
		}
		stats[status] = stat
	}
	return stats, rows.Err()
}

// GetStorageStats returns database-wide storage aggregates.
func (r *FileRepository) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE deleted_at IS NULL),
			COUNT(*) FILTER (WHERE deleted_at IS NOT NULL),
			COALESCE(SUM(file_size) FILTER (WHERE deleted_at IS NULL), 0),
			COALESCE(SUM(file_size), 0)
		FROM storage_files
	`).Scan(
		&stats.TotalFiles,
		&stats.ActiveFiles,
		&stats.DeletedFiles,
		&stats.ActiveBytes,
		&stats.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}
	return stats, nil
}

func (r *FileRepository) queryFiles(ctx context.Context, query string, args ...any) ([]*FileRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanFileRecord(row pgx.Row) (*FileRecord, error) {
	f := &FileRecord{}
	var metadata, tags []byte

	err := row.Scan(
		&f.ID,
		&f.FileKey,
		&f.OriginalFilename,
		&f.ContentType,
		&f.FileSize,
		&f.Status,
		&f.StorageProvider,
		&f.WorkspaceID,
		&f.UploadedBy,
		&metadata,
		&f.FolderPath,
		&tags,
		&f.IsPublic,
		&f.ExpiresAt,
		&f.DeletedAt,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if f.Metadata, err = unmarshalJSONMap(metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if f.Tags, err = unmarshalJSONMap(tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return f, nil
}

func marshalJSONMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSONMap(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
