// Package storage provides the backend driver abstraction and the
// workspace-scoped object store built on top of it.
//
// Drivers are namespace-agnostic: they operate on raw (bucket, key) pairs.
// Workspace isolation (key prefixes, bucket selection, cross-workspace
// checks) is the WorkspaceStore's responsibility.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors for backend operations.
var (
	// ErrNotFound means the requested object or bucket does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrBackendUnavailable means the backend could not be reached or
	// answered with a server-side failure.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrValidation means the request was rejected before any backend I/O.
	ErrValidation = errors.New("validation failed")
	// ErrCrossWorkspace means a key outside the caller's workspace namespace
	// was used. This is a programming or security error, never retried.
	ErrCrossWorkspace = errors.New("cross-workspace access denied")
)

// Operation is an HTTP verb a signed URL can be scoped to.
type Operation string

const (
	OpGet    Operation = "GET"
	OpPut    Operation = "PUT"
	OpDelete Operation = "DELETE"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SignedURL is a time-boxed credential for direct object access.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Operation Operation `json:"operation"`
}

// Driver is the uniform operation set over one physical backend.
//
// Delete is idempotent: deleting a missing key returns (false, nil).
// Stat returns (nil, nil) when the key is absent.
type Driver interface {
	// Provider returns the backend name ("minio" or "s3").
	Provider() string

	// EnsureBucket creates the bucket if it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error

	// Upload writes the reader's content under the given key and returns the
	// number of bytes written.
	Upload(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (int64, error)

	// Download returns the object content stream and its metadata.
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error)

	// Delete removes an object. The bool reports whether the object existed.
	Delete(ctx context.Context, bucket, key string) (bool, error)

	// List returns objects under a prefix in backend-default order, paginated
	// by limit and offset.
	List(ctx context.Context, bucket, prefix string, limit, offset int) ([]ObjectInfo, error)

	// ListAll returns every object under a prefix using the backend's native
	// pagination, for full reconciliation scans.
	ListAll(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// Exists reports whether an object is present.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Stat returns the object metadata, or (nil, nil) when absent.
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// SignedURL generates a presigned URL for the given operation and TTL.
	SignedURL(ctx context.Context, bucket, key string, op Operation, ttl time.Duration) (*SignedURL, error)

	// Copy duplicates an object within the bucket.
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
}
