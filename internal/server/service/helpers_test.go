package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"coffer/internal/server/database"
	"coffer/internal/server/storage"
)

// --- In-memory file repository ---

type memFiles struct {
	mu      sync.Mutex
	records map[uuid.UUID]*database.FileRecord

	insertErr error
}

func newMemFiles() *memFiles {
	return &memFiles{records: make(map[uuid.UUID]*database.FileRecord)}
}

func (m *memFiles) Insert(_ context.Context, f *database.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := *f
	m.records[f.ID] = &cp
	return nil
}

func (m *memFiles) Update(_ context.Context, f *database.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[f.ID]; !ok {
		return database.ErrFileNotFound
	}
	cp := *f
	m.records[f.ID] = &cp
	return nil
}

func (m *memFiles) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.DeletedAt != nil {
		return database.ErrFileNotFound
	}
	now := time.Now().UTC()
	r.Status = database.StatusDeleted
	r.DeletedAt = &now
	return nil
}

func (m *memFiles) Restore(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != database.StatusDeleted {
		return database.ErrFileNotFound
	}
	r.Status = database.StatusActive
	r.DeletedAt = nil
	return nil
}

func (m *memFiles) HardDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return database.ErrFileNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memFiles) FindByID(_ context.Context, workspaceID, id uuid.UUID) (*database.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.WorkspaceID != workspaceID {
		return nil, database.ErrFileNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memFiles) ListActiveByWorkspace(_ context.Context, workspaceID uuid.UUID, folderPath *string, limit, offset int) ([]*database.FileRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*database.FileRecord
	for _, r := range m.records {
		if r.WorkspaceID != workspaceID || r.Status != database.StatusActive {
			continue
		}
		if folderPath != nil && (r.FolderPath == nil || *r.FolderPath != *folderPath) {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memFiles) ListFileKeysByWorkspace(_ context.Context, workspaceID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, r := range m.records {
		if r.WorkspaceID == workspaceID {
			keys = append(keys, r.FileKey)
		}
	}
	return keys, nil
}

func (m *memFiles) ListOrphanCandidates(_ context.Context, createdBefore time.Time) ([]*database.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.FileRecord
	for _, r := range m.records {
		if r.DeletedAt == nil && r.Status != database.StatusDeleted && r.CreatedAt.Before(createdBefore) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memFiles) ListSoftDeletedBefore(_ context.Context, deletedBefore time.Time) ([]*database.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.FileRecord
	for _, r := range m.records {
		if r.DeletedAt != nil && r.DeletedAt.Before(deletedBefore) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memFiles) SumActiveSizeAndCount(_ context.Context, workspaceID uuid.UUID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bytes, count int64
	for _, r := range m.records {
		if r.WorkspaceID == workspaceID && r.Status == database.StatusActive {
			bytes += r.FileSize
			count++
		}
	}
	return bytes, count, nil
}

func (m *memFiles) ListWorkspaceIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, r := range m.records {
		if !seen[r.WorkspaceID] {
			seen[r.WorkspaceID] = true
			out = append(out, r.WorkspaceID)
		}
	}
	return out, nil
}

func (m *memFiles) StatusStats(_ context.Context, workspaceID uuid.UUID) (map[database.FileStatus]database.StatusStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[database.FileStatus]database.StatusStat)
	for _, r := range m.records {
		if r.WorkspaceID != workspaceID {
			continue
		}
		s := out[r.Status]
		s.Count++
		s.Bytes += r.FileSize
		out[r.Status] = s
	}
	return out, nil
}

func (m *memFiles) GetStorageStats(_ context.Context) (*database.StorageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &database.StorageStats{}
	for _, r := range m.records {
		stats.TotalFiles++
		stats.TotalBytes += r.FileSize
		switch r.Status {
		case database.StatusActive:
			stats.ActiveFiles++
			stats.ActiveBytes += r.FileSize
		case database.StatusDeleted:
			stats.DeletedFiles++
		}
	}
	return stats, nil
}

// --- In-memory quota repository ---

type memQuotas struct {
	mu     sync.Mutex
	quotas map[uuid.UUID]*database.StorageQuota
}

func newMemQuotas() *memQuotas {
	return &memQuotas{quotas: make(map[uuid.UUID]*database.StorageQuota)}
}

func (m *memQuotas) GetOrCreate(_ context.Context, workspaceID uuid.UUID, defaults database.QuotaDefaults) (*database.StorageQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[workspaceID]
	if !ok {
		q = &database.StorageQuota{WorkspaceID: workspaceID, EnforceQuota: true}
		if defaults.MaxStorageBytes > 0 {
			v := defaults.MaxStorageBytes
			q.MaxStorageBytes = &v
		}
		if defaults.MaxFiles > 0 {
			v := defaults.MaxFiles
			q.MaxFiles = &v
		}
		if defaults.MaxFileSizeBytes > 0 {
			v := defaults.MaxFileSizeBytes
			q.MaxFileSizeBytes = &v
		}
		m.quotas[workspaceID] = q
	}
	cp := *q
	return &cp, nil
}

func (m *memQuotas) ApplyUsageDelta(_ context.Context, workspaceID uuid.UUID, deltaBytes, deltaFiles int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[workspaceID]
	if !ok {
		return fmt.Errorf("no quota row for workspace %s", workspaceID)
	}
	q.UsedStorageBytes = max(q.UsedStorageBytes+deltaBytes, 0)
	q.UsedFiles = max(q.UsedFiles+deltaFiles, 0)
	return nil
}

func (m *memQuotas) SetUsage(_ context.Context, workspaceID uuid.UUID, usedBytes, usedFiles int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[workspaceID]
	if !ok {
		q = &database.StorageQuota{WorkspaceID: workspaceID, EnforceQuota: true}
		m.quotas[workspaceID] = q
	}
	q.UsedStorageBytes = usedBytes
	q.UsedFiles = usedFiles
	return nil
}

func (m *memQuotas) usage(workspaceID uuid.UUID) (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[workspaceID]
	if !ok {
		return 0, 0
	}
	return q.UsedStorageBytes, q.UsedFiles
}

// --- In-memory audit repository ---

type memAudit struct {
	mu      sync.Mutex
	entries []*database.AccessLogEntry

	insertErr error
}

func (m *memAudit) Insert(_ context.Context, e *database.AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

// --- In-memory object store ---

type memObject struct {
	data         []byte
	lastModified time.Time
}

// memBackend is shared by the per-workspace memStore handles, mirroring how
// workspaces share one real backend.
type memBackend struct {
	mu      sync.Mutex
	objects map[uuid.UUID]map[string]*memObject

	uploadErr error
	deleteErr error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[uuid.UUID]map[string]*memObject)}
}

func (b *memBackend) provider() StoreProvider {
	return StoreProviderFunc(func(workspaceID uuid.UUID) ObjectStore {
		return &memStore{backend: b, workspaceID: workspaceID}
	})
}

func (b *memBackend) put(workspaceID uuid.UUID, key string, data []byte, lastModified time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[workspaceID]; !ok {
		b.objects[workspaceID] = make(map[string]*memObject)
	}
	b.objects[workspaceID][key] = &memObject{data: data, lastModified: lastModified}
}

func (b *memBackend) has(workspaceID uuid.UUID, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[workspaceID][key]
	return ok
}

type memStore struct {
	backend     *memBackend
	workspaceID uuid.UUID
}

func (s *memStore) Prefix() string { return "files/" }

func (s *memStore) Upload(_ context.Context, r io.Reader, filename, _ string, _ int64, _ map[string]string) (*storage.UploadResult, error) {
	if s.backend.uploadErr != nil {
		return nil, s.backend.uploadErr
	}
	if filename == "" {
		return nil, fmt.Errorf("%w: empty filename", storage.ErrValidation)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	key := s.Prefix() + uuid.NewString() + "_" + filename
	s.backend.put(s.workspaceID, key, data, time.Now().UTC())
	return &storage.UploadResult{FileKey: key, Size: int64(len(data))}, nil
}

func (s *memStore) Download(_ context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	obj, ok := s.backend.objects[s.workspaceID][key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	info := &storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

func (s *memStore) Delete(_ context.Context, key string) (bool, error) {
	if s.backend.deleteErr != nil {
		return false, s.backend.deleteErr
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if _, ok := s.backend.objects[s.workspaceID][key]; !ok {
		return false, nil
	}
	delete(s.backend.objects[s.workspaceID], key)
	return true, nil
}

func (s *memStore) ListAll(_ context.Context) ([]storage.ObjectInfo, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	var out []storage.ObjectInfo
	for key, obj := range s.backend.objects[s.workspaceID] {
		out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified})
	}
	return out, nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	return s.backend.has(s.workspaceID, key), nil
}

func (s *memStore) Stat(_ context.Context, key string) (*storage.ObjectInfo, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	obj, ok := s.backend.objects[s.workspaceID][key]
	if !ok {
		return nil, nil
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified}, nil
}

func (s *memStore) SignedURL(_ context.Context, key string, op storage.Operation, ttl time.Duration) (*storage.SignedURL, error) {
	if !s.backend.has(s.workspaceID, key) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return &storage.SignedURL{
		URL:       "https://mem/" + s.workspaceID.String() + "/" + key,
		ExpiresAt: time.Now().UTC().Add(ttl),
		Operation: op,
	}, nil
}

// --- Fixture ---

type fixture struct {
	files   *memFiles
	quotas  *memQuotas
	audit   *memAudit
	backend *memBackend
	ledger  *QuotaLedger
	svc     *FileService
}

func newFixture(defaults database.QuotaDefaults) *fixture {
	f := &fixture{
		files:   newMemFiles(),
		quotas:  newMemQuotas(),
		audit:   &memAudit{},
		backend: newMemBackend(),
	}
	f.ledger = NewQuotaLedger(f.quotas, defaults)
	f.svc = NewFileService(f.files, f.ledger, f.backend.provider(), NewAuditLogger(f.audit), "fake", time.Hour)
	return f
}

func (f *fixture) upload(t *testing.T, workspaceID uuid.UUID, filename, content string) *database.FileRecord {
	t.Helper()
	record, err := f.svc.Upload(context.Background(), UploadRequest{
		WorkspaceID: workspaceID,
		Filename:    filename,
		ContentType: "text/plain",
		Size:        int64(len(content)),
		Content:     strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("upload %s failed: %v", filename, err)
	}
	return record
}
