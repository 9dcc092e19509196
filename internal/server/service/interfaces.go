package service

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"coffer/internal/server/database"
	"coffer/internal/server/storage"
)

// FileRepository is the metadata store consumed by the service layer.
// database.FileRepository implements it on Postgres; tests use fakes.
type FileRepository interface {
	Insert(ctx context.Context, f *database.FileRecord) error
	Update(ctx context.Context, f *database.FileRecord) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
	HardDelete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, workspaceID, id uuid.UUID) (*database.FileRecord, error)
	ListActiveByWorkspace(ctx context.Context, workspaceID uuid.UUID, folderPath *string, limit, offset int) ([]*database.FileRecord, int64, error)
	ListFileKeysByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]string, error)
	ListOrphanCandidates(ctx context.Context, createdBefore time.Time) ([]*database.FileRecord, error)
	ListSoftDeletedBefore(ctx context.Context, deletedBefore time.Time) ([]*database.FileRecord, error)
	SumActiveSizeAndCount(ctx context.Context, workspaceID uuid.UUID) (int64, int64, error)
	ListWorkspaceIDs(ctx context.Context) ([]uuid.UUID, error)
	StatusStats(ctx context.Context, workspaceID uuid.UUID) (map[database.FileStatus]database.StatusStat, error)
	GetStorageStats(ctx context.Context) (*database.StorageStats, error)
}

// QuotaRepository is the quota store consumed by the ledger and reconciliation.
type QuotaRepository interface {
	GetOrCreate(ctx context.Context, workspaceID uuid.UUID, defaults database.QuotaDefaults) (*database.StorageQuota, error)
	ApplyUsageDelta(ctx context.Context, workspaceID uuid.UUID, deltaBytes, deltaFiles int64) error
	SetUsage(ctx context.Context, workspaceID uuid.UUID, usedBytes, usedFiles int64) error
}

// AuditRepository appends access log entries.
type AuditRepository interface {
	Insert(ctx context.Context, e *database.AccessLogEntry) error
}

// ObjectStore is the workspace-scoped view of the storage backend consumed by
// the service layer. storage.WorkspaceStore implements it.
type ObjectStore interface {
	Upload(ctx context.Context, r io.Reader, filename, contentType string, size int64, metadata map[string]string) (*storage.UploadResult, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error)
	Delete(ctx context.Context, key string) (bool, error)
	ListAll(ctx context.Context) ([]storage.ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (*storage.ObjectInfo, error)
	SignedURL(ctx context.Context, key string, op storage.Operation, ttl time.Duration) (*storage.SignedURL, error)
	Prefix() string
}

// StoreProvider hands out ObjectStore handles per workspace.
type StoreProvider interface {
	ForWorkspace(workspaceID uuid.UUID) ObjectStore
}

// StoreProviderFunc adapts a function to the StoreProvider interface.
type StoreProviderFunc func(workspaceID uuid.UUID) ObjectStore

func (f StoreProviderFunc) ForWorkspace(workspaceID uuid.UUID) ObjectStore {
	return f(workspaceID)
}
