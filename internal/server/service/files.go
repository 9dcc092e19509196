package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coffer/internal/server/database"
	"coffer/internal/server/storage"
)

var (
	// ErrNotFound is returned when a file does not exist in the caller's
	// workspace. Soft-deleted files are reported as not found on reads.
	ErrNotFound = errors.New("file not found")
	// ErrFileExpired is returned when a file exists but has passed its
	// expiration time.
	ErrFileExpired = errors.New("file has expired")
)

// FileService implements the file lifecycle: upload, download, soft and hard
// delete, restore, listing, signed URLs, and per-workspace stats. Every
// operation is scoped to one workspace; metadata and quota live in Postgres,
// content in the configured object storage backend.
type FileService struct {
	files  FileRepository
	ledger *QuotaLedger
	stores StoreProvider
	audit  *AuditLogger

	provider     string
	signedURLTTL time.Duration
}

// NewFileService wires the file service together.
func NewFileService(files FileRepository, ledger *QuotaLedger, stores StoreProvider, audit *AuditLogger, provider string, signedURLTTL time.Duration) *FileService {
	return &FileService{
		files:        files,
		ledger:       ledger,
		stores:       stores,
		audit:        audit,
		provider:     provider,
		signedURLTTL: signedURLTTL,
	}
}

// UploadRequest carries everything needed to store one file.
type UploadRequest struct {
	WorkspaceID uuid.UUID
	UploadedBy  *uuid.UUID
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
	Metadata    map[string]string
	FolderPath  *string
	Tags        map[string]string
	IsPublic    bool
	ExpiresAt   *time.Time
}

// Upload stores a file. The quota reservation happens before the backend
// write; if any later step fails the reservation and any written object are
// rolled back so quota usage stays consistent with what is actually stored.
func (s *FileService) Upload(ctx context.Context, req UploadRequest) (*database.FileRecord, error) {
	if req.Size < 0 {
		return nil, fmt.Errorf("%w: negative file size %d", storage.ErrValidation, req.Size)
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	if err := s.ledger.Reserve(ctx, req.WorkspaceID, req.Size); err != nil {
		return nil, err
	}

	store := s.stores.ForWorkspace(req.WorkspaceID)
	result, err := store.Upload(ctx, req.Content, req.Filename, req.ContentType, req.Size, req.Metadata)
	if err != nil {
		s.releaseReservation(ctx, req.WorkspaceID, req.Size)
		return nil, err
	}

	// The backend reports the actual byte count, which can differ from the
	// declared size for streamed uploads.
	if result.Size != req.Size {
		if err := s.ledger.Adjust(ctx, req.WorkspaceID, result.Size-req.Size, 0); err != nil {
			slog.Warn("failed to adjust quota to written size",
				"workspace_id", req.WorkspaceID, "error", err)
		}
	}

	now := time.Now().UTC()
	record := &database.FileRecord{
		ID:               uuid.New(),
		FileKey:          result.FileKey,
		OriginalFilename: req.Filename,
		ContentType:      req.ContentType,
		FileSize:         result.Size,
		Status:           database.StatusActive,
		StorageProvider:  s.provider,
		WorkspaceID:      req.WorkspaceID,
		UploadedBy:       req.UploadedBy,
		Metadata:         req.Metadata,
		FolderPath:       req.FolderPath,
		Tags:             req.Tags,
		IsPublic:         req.IsPublic,
		ExpiresAt:        req.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.files.Insert(ctx, record); err != nil {
		// Roll back the object and the reservation; otherwise the object
		// would linger until orphan reconciliation.
		if _, delErr := store.Delete(ctx, result.FileKey); delErr != nil {
			slog.Error("failed to remove object after insert failure",
				"file_key", result.FileKey, "error", delErr)
		}
		s.releaseReservation(ctx, req.WorkspaceID, result.Size)
		return nil, fmt.Errorf("failed to insert file record: %w", err)
	}

	s.audit.Record(ctx, AccessEvent{
		FileID: record.ID,
		UserID: req.UploadedBy,
		Action: "upload",
	})

	slog.Info("file uploaded",
		"file_id", record.ID,
		"workspace_id", req.WorkspaceID,
		"size", record.FileSize,
		"provider", s.provider,
	)
	return record, nil
}

func (s *FileService) releaseReservation(ctx context.Context, workspaceID uuid.UUID, size int64) {
	if err := s.ledger.Release(ctx, workspaceID, size); err != nil {
		slog.Error("failed to release quota reservation",
			"workspace_id", workspaceID, "size", size, "error", err)
	}
}

// Get returns the metadata record for an active file.
func (s *FileService) Get(ctx context.Context, workspaceID, fileID uuid.UUID) (*database.FileRecord, error) {
	record, err := s.findReadable(ctx, workspaceID, fileID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Download returns the content stream and metadata record for a file.
// The caller must close the stream.
func (s *FileService) Download(ctx context.Context, workspaceID, fileID uuid.UUID, userID *uuid.UUID) (io.ReadCloser, *database.FileRecord, error) {
	record, err := s.findReadable(ctx, workspaceID, fileID)
	if err != nil {
		return nil, nil, err
	}

	store := s.stores.ForWorkspace(workspaceID)
	body, _, err := store.Download(ctx, record.FileKey)
	if err != nil {
		return nil, nil, err
	}

	s.audit.Record(ctx, AccessEvent{FileID: record.ID, UserID: userID, Action: "download"})
	return body, record, nil
}

// Delete soft deletes a file by default, keeping the object for the
// retention window. With hard set, the object and the record are removed
// immediately. Both paths release the file's quota usage.
func (s *FileService) Delete(ctx context.Context, workspaceID, fileID uuid.UUID, userID *uuid.UUID, hard bool) error {
	record, err := s.find(ctx, workspaceID, fileID)
	if err != nil {
		return err
	}

	if hard {
		return s.hardDelete(ctx, record, userID)
	}

	if record.IsDeleted() {
		return ErrNotFound
	}
	if err := s.files.SoftDelete(ctx, record.ID); err != nil {
		return fmt.Errorf("failed to soft delete file: %w", err)
	}
	s.releaseReservation(ctx, workspaceID, record.FileSize)

	s.audit.Record(ctx, AccessEvent{FileID: record.ID, UserID: userID, Action: "delete"})
	slog.Info("file soft deleted", "file_id", record.ID, "workspace_id", workspaceID)
	return nil
}

func (s *FileService) hardDelete(ctx context.Context, record *database.FileRecord, userID *uuid.UUID) error {
	store := s.stores.ForWorkspace(record.WorkspaceID)
	if _, err := store.Delete(ctx, record.FileKey); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	// Quota was already released when the file was soft deleted.
	if !record.IsDeleted() {
		s.releaseReservation(ctx, record.WorkspaceID, record.FileSize)
	}
	if err := s.files.HardDelete(ctx, record.ID); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	s.audit.Record(ctx, AccessEvent{FileID: record.ID, UserID: userID, Action: "hard_delete"})
	slog.Info("file hard deleted", "file_id", record.ID, "workspace_id", record.WorkspaceID)
	return nil
}

// Restore brings a soft-deleted file back to active. The file's size and
// count are re-admitted against the quota, so a restore can fail with
// ErrQuotaExceeded if the workspace has filled up since the delete.
func (s *FileService) Restore(ctx context.Context, workspaceID, fileID uuid.UUID, userID *uuid.UUID) (*database.FileRecord, error) {
	record, err := s.find(ctx, workspaceID, fileID)
	if err != nil {
		return nil, err
	}
	if !record.IsDeleted() {
		return nil, fmt.Errorf("%w: file %s is not deleted", storage.ErrValidation, fileID)
	}

	if err := s.ledger.Reserve(ctx, workspaceID, record.FileSize); err != nil {
		return nil, err
	}
	if err := s.files.Restore(ctx, record.ID); err != nil {
		s.releaseReservation(ctx, workspaceID, record.FileSize)
		return nil, fmt.Errorf("failed to restore file: %w", err)
	}

	record.Status = database.StatusActive
	record.DeletedAt = nil

	s.audit.Record(ctx, AccessEvent{FileID: record.ID, UserID: userID, Action: "restore"})
	slog.Info("file restored", "file_id", record.ID, "workspace_id", workspaceID)
	return record, nil
}

// FileListPage is one page of a workspace file listing.
type FileListPage struct {
	Files   []*database.FileRecord `json:"files"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
	HasMore bool                   `json:"has_more"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// List returns a page of the workspace's active files, optionally filtered
// by folder path.
func (s *FileService) List(ctx context.Context, workspaceID uuid.UUID, folderPath *string, limit, offset int) (*FileListPage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	files, total, err := s.files.ListActiveByWorkspace(ctx, workspaceID, folderPath, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return &FileListPage{
		Files:   files,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+len(files)) < total,
	}, nil
}

// SignedURL generates a presigned URL for direct backend access to a file.
func (s *FileService) SignedURL(ctx context.Context, workspaceID, fileID uuid.UUID, userID *uuid.UUID, op storage.Operation, ttl time.Duration) (*storage.SignedURL, error) {
	record, err := s.findReadable(ctx, workspaceID, fileID)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.signedURLTTL
	}

	store := s.stores.ForWorkspace(workspaceID)
	signed, err := store.SignedURL(ctx, record.FileKey, op, ttl)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AccessEvent{
		FileID: record.ID,
		UserID: userID,
		Action: "signed_url_" + string(op),
	})
	return signed, nil
}

// WorkspaceStats aggregates quota state and per-status file counts for one
// workspace.
type WorkspaceStats struct {
	WorkspaceID         uuid.UUID `json:"workspace_id"`
	Provider            string    `json:"provider"`
	ActiveFiles         int64     `json:"active_files"`
	ActiveBytes         int64     `json:"active_size_bytes"`
	DeletedFiles        int64     `json:"deleted_files"`
	DeletedBytes        int64     `json:"deleted_size_bytes"`
	MaxStorageBytes     *int64    `json:"max_storage_bytes"`
	MaxFiles            *int64    `json:"max_files"`
	MaxFileSizeBytes    *int64    `json:"max_file_size_bytes"`
	UsedStorageBytes    int64     `json:"used_storage_bytes"`
	UsedFiles           int64     `json:"used_files"`
	EnforceQuota        bool      `json:"enforce_quota"`
	StorageUsagePercent *float64  `json:"storage_usage_percent"`
	FilesUsagePercent   *float64  `json:"files_usage_percent"`
}

// Stats returns the workspace's quota and usage breakdown.
func (s *FileService) Stats(ctx context.Context, workspaceID uuid.UUID) (*WorkspaceStats, error) {
	quota, err := s.ledger.Quota(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota: %w", err)
	}
	byStatus, err := s.files.StatusStats(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status stats: %w", err)
	}

	active := byStatus[database.StatusActive]
	deleted := byStatus[database.StatusDeleted]
	return &WorkspaceStats{
		WorkspaceID:         workspaceID,
		Provider:            s.provider,
		ActiveFiles:         active.Count,
		ActiveBytes:         active.Bytes,
		DeletedFiles:        deleted.Count,
		DeletedBytes:        deleted.Bytes,
		MaxStorageBytes:     quota.MaxStorageBytes,
		MaxFiles:            quota.MaxFiles,
		MaxFileSizeBytes:    quota.MaxFileSizeBytes,
		UsedStorageBytes:    quota.UsedStorageBytes,
		UsedFiles:           quota.UsedFiles,
		EnforceQuota:        quota.EnforceQuota,
		StorageUsagePercent: quota.StorageUsagePercent(),
		FilesUsagePercent:   quota.FilesUsagePercent(),
	}, nil
}

// find loads a record in the workspace, mapping a repository miss to
// ErrNotFound. Soft-deleted records are returned as is.
func (s *FileService) find(ctx context.Context, workspaceID, fileID uuid.UUID) (*database.FileRecord, error) {
	record, err := s.files.FindByID(ctx, workspaceID, fileID)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load file record: %w", err)
	}
	return record, nil
}

// findReadable loads a record and enforces read visibility: soft-deleted
// files read as missing, expired files as expired.
func (s *FileService) findReadable(ctx context.Context, workspaceID, fileID uuid.UUID) (*database.FileRecord, error) {
	record, err := s.find(ctx, workspaceID, fileID)
	if err != nil {
		return nil, err
	}
	if record.IsDeleted() {
		return nil, ErrNotFound
	}
	if record.IsExpired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: file %s expired at %s", ErrFileExpired, fileID, record.ExpiresAt.Format(time.RFC3339))
	}
	return record, nil
}
