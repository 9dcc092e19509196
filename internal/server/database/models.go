package database

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of a stored file.
// Transitions: uploading -> active -> deleted -> (restored to active | purged).
type FileStatus string

const (
	StatusUploading FileStatus = "uploading"
	StatusActive    FileStatus = "active"
	StatusDeleted   FileStatus = "deleted"
	StatusArchived  FileStatus = "archived"
)

// FileRecord is the authoritative metadata for one stored object.
type FileRecord struct {
	ID               uuid.UUID
	FileKey          string // unique key in the storage backend
	OriginalFilename string
	ContentType      string
	FileSize         int64
	Status           FileStatus
	StorageProvider  string
	WorkspaceID      uuid.UUID
	UploadedBy       *uuid.UUID // nil when the uploader account was removed
	Metadata         map[string]string
	FolderPath       *string
	Tags             map[string]string
	IsPublic         bool
	ExpiresAt        *time.Time
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsDeleted reports whether the file is soft deleted.
func (f *FileRecord) IsDeleted() bool {
	return f.DeletedAt != nil || f.Status == StatusDeleted
}

// IsExpired reports whether the file has passed its expiration time.
func (f *FileRecord) IsExpired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}

// StorageQuota holds the per-workspace limits and running usage counters.
// A nil limit means unlimited.
type StorageQuota struct {
	WorkspaceID      uuid.UUID
	MaxStorageBytes  *int64
	MaxFiles         *int64
	MaxFileSizeBytes *int64
	UsedStorageBytes int64
	UsedFiles        int64
	EnforceQuota     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StorageUsagePercent returns the byte usage as a percentage of the limit,
// or nil when the quota is unlimited.
func (q *StorageQuota) StorageUsagePercent() *float64 {
	if q.MaxStorageBytes == nil || *q.MaxStorageBytes == 0 {
		return nil
	}
	p := float64(q.UsedStorageBytes) / float64(*q.MaxStorageBytes) * 100
	return &p
}

// FilesUsagePercent returns the file-count usage as a percentage of the limit,
// or nil when the quota is unlimited.
func (q *StorageQuota) FilesUsagePercent() *float64 {
	if q.MaxFiles == nil || *q.MaxFiles == 0 {
		return nil
	}
	p := float64(q.UsedFiles) / float64(*q.MaxFiles) * 100
	return &p
}

// AccessLogEntry is one append-only record of a file access event.
type AccessLogEntry struct {
	ID        uuid.UUID
	FileID    uuid.UUID
	UserID    *uuid.UUID
	Action    string
	IPAddress *string
	UserAgent *string
	Metadata  map[string]string
	CreatedAt time.Time
}

// StatusStat aggregates file count and byte total for one status.
type StatusStat struct {
	Count int64
	Bytes int64
}

// StorageStats holds database-wide storage aggregates.
type StorageStats struct {
	TotalFiles   int64 `json:"total_files"`
	ActiveFiles  int64 `json:"active_files"`
	DeletedFiles int64 `json:"deleted_files"`
	ActiveBytes  int64 `json:"active_size_bytes"`
	TotalBytes   int64 `json:"total_size_bytes"`
}
