package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IsolationStrategy selects how workspace namespaces map onto the backend.
type IsolationStrategy string

const (
	// IsolateByBucket gives every workspace its own bucket.
	IsolateByBucket IsolationStrategy = "bucket"
	// IsolateByPrefix stores all workspaces in one shared bucket under
	// workspaces/<id>/files/ key prefixes.
	IsolateByPrefix IsolationStrategy = "prefix"
)

// Keyspace resolves a workspace to its bucket and key prefix according to the
// configured isolation strategy.
type Keyspace struct {
	Strategy     IsolationStrategy
	SharedBucket string // used by IsolateByPrefix
}

// Bucket returns the bucket holding a workspace's objects.
func (k Keyspace) Bucket(workspaceID uuid.UUID) string {
	if k.Strategy == IsolateByBucket {
		return "workspace-" + strings.ToLower(workspaceID.String())
	}
	return k.SharedBucket
}

// Prefix returns the key prefix all of a workspace's objects live under.
// The workspace ID is part of the prefix under both strategies, so a key on
// its own identifies its owner and a foreign key is rejectable without any
// backend call.
func (k Keyspace) Prefix(workspaceID uuid.UUID) string {
	if k.Strategy == IsolateByBucket {
		return fmt.Sprintf("files/%s/", workspaceID)
	}
	return fmt.Sprintf("workspaces/%s/files/", workspaceID)
}

// UploadResult is returned after a successful backend upload.
type UploadResult struct {
	FileKey string `json:"file_key"`
	Size    int64  `json:"size"`
}

// WorkspaceStore exposes the driver operation set scoped to one workspace.
// It generates collision-resistant keys and rejects any key outside the
// workspace namespace before a single backend call is made.
type WorkspaceStore struct {
	driver      Driver
	keyspace    Keyspace
	workspaceID uuid.UUID

	ensureOnce sync.Once
	ensureErr  error
}

// NewWorkspaceStore creates a store handle for one workspace.
func NewWorkspaceStore(driver Driver, keyspace Keyspace, workspaceID uuid.UUID) *WorkspaceStore {
	return &WorkspaceStore{
		driver:      driver,
		keyspace:    keyspace,
		workspaceID: workspaceID,
	}
}

// WorkspaceID returns the workspace this store is bound to.
func (s *WorkspaceStore) WorkspaceID() uuid.UUID { return s.workspaceID }

// Prefix returns the workspace's key prefix.
func (s *WorkspaceStore) Prefix() string { return s.keyspace.Prefix(s.workspaceID) }

func (s *WorkspaceStore) bucket() string { return s.keyspace.Bucket(s.workspaceID) }

// GenerateKey produces a new unique key for a filename:
// <workspace-prefix><random-uuid>_<sanitized-name>. Two uploads of the same
// filename never collide because of the random component.
func (s *WorkspaceStore) GenerateKey(filename string) string {
	return s.Prefix() + uuid.NewString() + "_" + sanitizeFilename(filename)
}

// checkKey rejects keys outside the workspace namespace.
func (s *WorkspaceStore) checkKey(key string) error {
	if !strings.HasPrefix(key, s.Prefix()) {
		return fmt.Errorf("%w: key %q is outside workspace %s", ErrCrossWorkspace, key, s.workspaceID)
	}
	return nil
}

func (s *WorkspaceStore) ensureBucket(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		s.ensureErr = s.driver.EnsureBucket(ctx, s.bucket())
	})
	return s.ensureErr
}

// Upload validates the filename, generates a fresh key, stamps workspace
// metadata on the object, and writes it to the backend.
func (s *WorkspaceStore) Upload(ctx context.Context, r io.Reader, filename, contentType string, size int64, metadata map[string]string) (*UploadResult, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	key := s.GenerateKey(filename)

	stamped := map[string]string{
		"original-filename": filename,
		"workspace-id":      s.workspaceID.String(),
		"upload-timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		stamped[k] = v
	}

	written, err := s.driver.Upload(ctx, s.bucket(), key, r, size, contentType, stamped)
	if err != nil {
		return nil, err
	}
	return &UploadResult{FileKey: key, Size: written}, nil
}

// Download returns the object content stream and metadata for a key.
func (s *WorkspaceStore) Download(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := s.checkKey(key); err != nil {
		return nil, nil, err
	}
	return s.driver.Download(ctx, s.bucket(), key)
}

// Delete removes an object. The bool reports whether the object existed.
func (s *WorkspaceStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.checkKey(key); err != nil {
		return false, err
	}
	return s.driver.Delete(ctx, s.bucket(), key)
}

// List returns the workspace's objects under an optional sub-prefix.
func (s *WorkspaceStore) List(ctx context.Context, prefix string, limit, offset int) ([]ObjectInfo, error) {
	return s.driver.List(ctx, s.bucket(), s.Prefix()+prefix, limit, offset)
}

// ListAll returns the whole workspace namespace in one native backend scan.
// Used by reconciliation, which must see every object; offset paging would
// make the backend re-enumerate the prefix once per page.
func (s *WorkspaceStore) ListAll(ctx context.Context) ([]ObjectInfo, error) {
	return s.driver.ListAll(ctx, s.bucket(), s.Prefix())
}

// Exists reports whether an object is present.
func (s *WorkspaceStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.checkKey(key); err != nil {
		return false, err
	}
	return s.driver.Exists(ctx, s.bucket(), key)
}

// Stat returns object metadata, or (nil, nil) when absent.
func (s *WorkspaceStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}
	return s.driver.Stat(ctx, s.bucket(), key)
}

// SignedURL generates a presigned URL for a key in this workspace.
func (s *WorkspaceStore) SignedURL(ctx context.Context, key string, op Operation, ttl time.Duration) (*SignedURL, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}
	return s.driver.SignedURL(ctx, s.bucket(), key, op, ttl)
}

// Copy duplicates an object within the workspace namespace.
func (s *WorkspaceStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := s.checkKey(srcKey); err != nil {
		return err
	}
	if err := s.checkKey(dstKey); err != nil {
		return err
	}
	return s.driver.Copy(ctx, s.bucket(), srcKey, dstKey)
}

// Move renames an object via copy-then-delete. The two steps are not atomic:
// if the delete fails after a successful copy, the source remains as a
// duplicate until the orphaned-object reconciliation removes it.
func (s *WorkspaceStore) Move(ctx context.Context, srcKey, dstKey string) error {
	if err := s.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	if _, err := s.Delete(ctx, srcKey); err != nil {
		return fmt.Errorf("move left duplicate at %s: %w", srcKey, err)
	}
	return nil
}

// StoreFactory builds WorkspaceStore handles over one configured driver.
type StoreFactory struct {
	driver   Driver
	keyspace Keyspace
}

// NewStoreFactory creates a factory bound to a driver and isolation strategy.
func NewStoreFactory(driver Driver, keyspace Keyspace) *StoreFactory {
	return &StoreFactory{driver: driver, keyspace: keyspace}
}

// ForWorkspace returns a store handle scoped to the given workspace.
func (f *StoreFactory) ForWorkspace(workspaceID uuid.UUID) *WorkspaceStore {
	return NewWorkspaceStore(f.driver, f.keyspace, workspaceID)
}

// Driver returns the underlying backend driver.
func (f *StoreFactory) Driver() Driver { return f.driver }

// validateFilename rejects names that cannot become part of a storage key.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: empty filename", ErrValidation)
	}
	if strings.ContainsAny(name, "\x00") {
		return fmt.Errorf("%w: filename contains NUL", ErrValidation)
	}
	return nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes before filepath.Base, which is
	// platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = name[strings.LastIndex(name, "/")+1:]

	if len(name) > 200 {
		ext := filepath.Ext(name)
		name = name[:200-len(ext)] + ext
	}

	if name == "" || name == "." {
		name = "upload"
	}
	return name
}
