package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"coffer/internal/server/database"
)

// ErrQuotaExceeded is returned when an upload or restore would push a
// workspace past one of its limits.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// QuotaLedger serializes quota admission per workspace. Reserve runs the
// limit check and the usage commit under a per-workspace mutex, so two
// concurrent uploads cannot both pass a check that only one of them fits.
// The mutex is never held across backend I/O: callers reserve first, then
// write to the backend, and call Release if the write fails.
type QuotaLedger struct {
	quotas   QuotaRepository
	defaults database.QuotaDefaults

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewQuotaLedger creates a ledger over the quota repository. New workspaces
// get a quota row seeded from defaults on first use.
func NewQuotaLedger(quotas QuotaRepository, defaults database.QuotaDefaults) *QuotaLedger {
	return &QuotaLedger{
		quotas:   quotas,
		defaults: defaults,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (l *QuotaLedger) workspaceLock(workspaceID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[workspaceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[workspaceID] = m
	}
	return m
}

// Quota returns the workspace quota, creating it from defaults when absent.
func (l *QuotaLedger) Quota(ctx context.Context, workspaceID uuid.UUID) (*database.StorageQuota, error) {
	return l.quotas.GetOrCreate(ctx, workspaceID, l.defaults)
}

// CanUpload reports whether a file of the given size would be admitted, with
// a human-readable reason when it would not. It does not reserve anything.
func (l *QuotaLedger) CanUpload(ctx context.Context, workspaceID uuid.UUID, size int64) (bool, string, error) {
	q, err := l.quotas.GetOrCreate(ctx, workspaceID, l.defaults)
	if err != nil {
		return false, "", err
	}
	ok, reason := admit(q, size)
	return ok, reason, nil
}

// Reserve admits a file of the given size and commits the usage increment.
// On ErrQuotaExceeded nothing is committed. A successful Reserve must be
// paired with Release if the upload it covers does not complete.
func (l *QuotaLedger) Reserve(ctx context.Context, workspaceID uuid.UUID, size int64) error {
	lock := l.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	q, err := l.quotas.GetOrCreate(ctx, workspaceID, l.defaults)
	if err != nil {
		return err
	}
	if ok, reason := admit(q, size); !ok {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, reason)
	}
	return l.quotas.ApplyUsageDelta(ctx, workspaceID, size, 1)
}

// Release returns a reservation, decrementing usage by one file of the given
// size. Counters clamp at zero in the repository.
func (l *QuotaLedger) Release(ctx context.Context, workspaceID uuid.UUID, size int64) error {
	lock := l.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return l.quotas.ApplyUsageDelta(ctx, workspaceID, -size, -1)
}

// Adjust corrects usage by a raw delta without an admission check. Used when
// the backend reports a different written size than the declared one.
func (l *QuotaLedger) Adjust(ctx context.Context, workspaceID uuid.UUID, deltaBytes, deltaFiles int64) error {
	lock := l.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return l.quotas.ApplyUsageDelta(ctx, workspaceID, deltaBytes, deltaFiles)
}

// admit runs the limit checks in order: per-file size, total bytes, file
// count. Workspaces with enforcement disabled always pass.
func admit(q *database.StorageQuota, size int64) (bool, string) {
	if !q.EnforceQuota {
		return true, ""
	}
	if q.MaxFileSizeBytes != nil && *q.MaxFileSizeBytes > 0 && size > *q.MaxFileSizeBytes {
		return false, fmt.Sprintf("file size %d exceeds maximum %d bytes", size, *q.MaxFileSizeBytes)
	}
	if q.MaxStorageBytes != nil && *q.MaxStorageBytes > 0 && q.UsedStorageBytes+size > *q.MaxStorageBytes {
		return false, fmt.Sprintf("storage limit exceeded: %d of %d bytes used, %d requested",
			q.UsedStorageBytes, *q.MaxStorageBytes, size)
	}
	if q.MaxFiles != nil && *q.MaxFiles > 0 && q.UsedFiles+1 > *q.MaxFiles {
		return false, fmt.Sprintf("file count limit reached: %d of %d files", q.UsedFiles, *q.MaxFiles)
	}
	return true, ""
}
