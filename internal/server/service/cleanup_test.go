package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"coffer/internal/server/database"
	"coffer/internal/server/storage"
)

func newCleanupFixture() (*fixture, *CleanupService) {
	f := newFixture(database.QuotaDefaults{})
	cleanup := NewCleanupService(f.files, f.quotas, f.backend.provider(),
		24*time.Hour, 30, time.Hour)
	return f, cleanup
}

// seedRecord inserts a file record directly, bypassing the upload path, so
// tests can construct inconsistent states.
func seedRecord(t *testing.T, f *fixture, ws uuid.UUID, key string, size int64, status database.FileStatus, createdAt time.Time, deletedAt *time.Time) *database.FileRecord {
	t.Helper()
	record := &database.FileRecord{
		ID:               uuid.New(),
		FileKey:          key,
		OriginalFilename: "seed.txt",
		ContentType:      "text/plain",
		FileSize:         size,
		Status:           status,
		StorageProvider:  "fake",
		WorkspaceID:      ws,
		DeletedAt:        deletedAt,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	if err := f.files.Insert(context.Background(), record); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
	return record
}

// --- Orphaned objects ---

func TestCleanupOrphanedObjects(t *testing.T) {
	ctx := context.Background()

	t.Run("old unreferenced objects are removed, referenced ones kept", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()

		record := f.upload(t, ws, "kept.txt", "content")

		old := time.Now().UTC().Add(-25 * time.Hour)
		f.backend.put(ws, "files/orphan_old", []byte("orphan"), old)

		report, err := cleanup.CleanupOrphanedObjects(ctx, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.FilesFound != 1 || report.FilesDeleted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if report.BytesFreed != 6 {
			t.Errorf("expected 6 bytes freed, got %d", report.BytesFreed)
		}
		if f.backend.has(ws, "files/orphan_old") {
			t.Errorf("orphan survived")
		}
		if !f.backend.has(ws, record.FileKey) {
			t.Errorf("referenced object was removed")
		}
	})

	t.Run("recent unreferenced objects are left alone", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()

		// Anchor the workspace so the pass visits it.
		f.upload(t, ws, "anchor.txt", "x")

		recent := time.Now().UTC().Add(-time.Hour)
		f.backend.put(ws, "files/orphan_recent", []byte("inflight"), recent)

		report, err := cleanup.CleanupOrphanedObjects(ctx, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.FilesFound != 0 {
			t.Errorf("in-flight upload misclassified as orphan: %+v", report)
		}
		if !f.backend.has(ws, "files/orphan_recent") {
			t.Errorf("recent object was removed")
		}
	})

	t.Run("soft-deleted files are not orphans", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()

		old := time.Now().UTC().Add(-48 * time.Hour)
		deletedAt := time.Now().UTC().Add(-time.Hour)
		seedRecord(t, f, ws, "files/softdeleted", 4, database.StatusDeleted, old, &deletedAt)
		f.backend.put(ws, "files/softdeleted", []byte("data"), old)

		report, err := cleanup.CleanupOrphanedObjects(ctx, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.FilesFound != 0 {
			t.Errorf("soft-deleted object misclassified as orphan: %+v", report)
		}
		if !f.backend.has(ws, "files/softdeleted") {
			t.Errorf("soft-deleted object removed before retention elapsed")
		}
	})

	t.Run("dry run reports without deleting", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()
		f.upload(t, ws, "anchor.txt", "x")

		old := time.Now().UTC().Add(-25 * time.Hour)
		f.backend.put(ws, "files/orphan", []byte("orphan"), old)

		report, err := cleanup.CleanupOrphanedObjects(ctx, true)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.FilesFound != 1 || report.FilesDeleted != 0 {
			t.Errorf("unexpected dry-run report: %+v", report)
		}
		if report.BytesFreed != 6 {
			t.Errorf("dry run should report reclaimable bytes, got %d", report.BytesFreed)
		}
		if !f.backend.has(ws, "files/orphan") {
			t.Errorf("dry run deleted an object")
		}
	})

	t.Run("second run finds nothing", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()
		f.upload(t, ws, "anchor.txt", "x")
		f.backend.put(ws, "files/orphan", []byte("orphan"), time.Now().UTC().Add(-25*time.Hour))

		if _, err := cleanup.CleanupOrphanedObjects(ctx, false); err != nil {
			t.Fatalf("first run failed: %v", err)
		}
		report, err := cleanup.CleanupOrphanedObjects(ctx, false)
		if err != nil {
			t.Fatalf("second run failed: %v", err)
		}
		if report.FilesFound != 0 || report.FilesDeleted != 0 || report.BytesFreed != 0 {
			t.Errorf("second run was not a no-op: %+v", report)
		}
	})
}

// --- Orphaned records ---

func TestCleanupOrphanedRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("records without an object are soft deleted", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()

		old := time.Now().UTC().Add(-25 * time.Hour)
		orphan := seedRecord(t, f, ws, "files/missing", 9, database.StatusActive, old, nil)
		kept := seedRecord(t, f, ws, "files/present", 4, database.StatusActive, old, nil)
		f.backend.put(ws, "files/present", []byte("data"), old)
		f.quotas.SetUsage(ctx, ws, 13, 2)

		report, err := cleanup.CleanupOrphanedRecords(ctx, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.RecordsFound != 1 || report.RecordsDeleted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if f.files.records[orphan.ID].Status != database.StatusDeleted {
			t.Errorf("orphan record not soft deleted")
		}
		if f.files.records[kept.ID].Status != database.StatusActive {
			t.Errorf("healthy record touched")
		}
		if bytes, files := f.quotas.usage(ws); bytes != 4 || files != 1 {
			t.Errorf("quota not released for orphan record: bytes=%d files=%d", bytes, files)
		}
	})

	t.Run("recent records are skipped", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()
		recent := time.Now().UTC().Add(-time.Hour)
		record := seedRecord(t, f, ws, "files/inflight", 5, database.StatusActive, recent, nil)

		report, err := cleanup.CleanupOrphanedRecords(ctx, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.RecordsFound != 0 {
			t.Errorf("in-flight record misclassified: %+v", report)
		}
		if f.files.records[record.ID].Status != database.StatusActive {
			t.Errorf("in-flight record was touched")
		}
	})

	t.Run("dry run reports without mutating", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()
		old := time.Now().UTC().Add(-25 * time.Hour)
		record := seedRecord(t, f, ws, "files/missing", 5, database.StatusActive, old, nil)

		report, err := cleanup.CleanupOrphanedRecords(ctx, true)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.RecordsFound != 1 || report.RecordsDeleted != 0 {
			t.Errorf("unexpected dry-run report: %+v", report)
		}
		if f.files.records[record.ID].Status != database.StatusActive {
			t.Errorf("dry run mutated a record")
		}
	})
}

// --- Soft-deleted GC ---

func TestCleanupSoftDeleted(t *testing.T) {
	ctx := context.Background()

	t.Run("past retention both object and record are purged", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()

		created := time.Now().UTC().AddDate(0, 0, -60)
		expired := time.Now().UTC().AddDate(0, 0, -31)
		recent := time.Now().UTC().AddDate(0, 0, -29)

		purged := seedRecord(t, f, ws, "files/old", 5, database.StatusDeleted, created, &expired)
		kept := seedRecord(t, f, ws, "files/new", 3, database.StatusDeleted, created, &recent)
		f.backend.put(ws, "files/old", []byte("stale"), created)
		f.backend.put(ws, "files/new", []byte("new"), created)

		report, err := cleanup.CleanupSoftDeleted(ctx, 30, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.FilesFound != 1 || report.FilesDeleted != 1 || report.RecordsDeleted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if report.BytesFreed != 5 {
			t.Errorf("expected 5 bytes freed, got %d", report.BytesFreed)
		}
		if f.backend.has(ws, "files/old") {
			t.Errorf("expired object survived")
		}
		if _, ok := f.files.records[purged.ID]; ok {
			t.Errorf("expired record survived")
		}
		if !f.backend.has(ws, "files/new") {
			t.Errorf("object inside retention was removed")
		}
		if _, ok := f.files.records[kept.ID]; !ok {
			t.Errorf("record inside retention was removed")
		}
	})

	t.Run("missing object still purges the record", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		ws := uuid.New()
		created := time.Now().UTC().AddDate(0, 0, -60)
		expired := time.Now().UTC().AddDate(0, 0, -31)
		record := seedRecord(t, f, ws, "files/ghost", 5, database.StatusDeleted, created, &expired)

		report, err := cleanup.CleanupSoftDeleted(ctx, 30, false)
		if err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		if report.FilesDeleted != 0 || report.RecordsDeleted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
		if _, ok := f.files.records[record.ID]; ok {
			t.Errorf("record survived")
		}
	})

	t.Run("object delete failure keeps the record for retry", func(t *testing.T) {
		f, cleanup := newCleanupFixture()
		f.backend.deleteErr = storage.ErrBackendUnavailable
		ws := uuid.New()
		created := time.Now().UTC().AddDate(0, 0, -60)
		expired := time.Now().UTC().AddDate(0, 0, -31)
		record := seedRecord(t, f, ws, "files/stuck", 5, database.StatusDeleted, created, &expired)
		f.backend.put(ws, "files/stuck", []byte("stale"), created)

		report, err := cleanup.CleanupSoftDeleted(ctx, 30, false)
		if err != nil {
			t.Fatalf("cleanup run itself must not fail: %v", err)
		}
		if len(report.Errors) != 1 {
			t.Errorf("expected one per-item error, got %v", report.Errors)
		}
		if report.RecordsDeleted != 0 {
			t.Errorf("record deleted despite object failure")
		}
		if _, ok := f.files.records[record.ID]; !ok {
			t.Errorf("record removed while its object is stuck")
		}
	})
}

// --- Quota recompute ---

func TestRecomputeQuotas(t *testing.T) {
	ctx := context.Background()
	f, cleanup := newCleanupFixture()
	ws := uuid.New()

	old := time.Now().UTC().Add(-48 * time.Hour)
	seedRecord(t, f, ws, "files/a", 10, database.StatusActive, old, nil)
	seedRecord(t, f, ws, "files/b", 7, database.StatusActive, old, nil)
	deletedAt := time.Now().UTC()
	seedRecord(t, f, ws, "files/c", 100, database.StatusDeleted, old, &deletedAt)

	// Drifted counters.
	f.quotas.SetUsage(ctx, ws, 500, 9)

	updated, err := cleanup.RecomputeQuotas(ctx)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if updated != 1 {
		t.Errorf("expected 1 workspace updated, got %d", updated)
	}
	if bytes, files := f.quotas.usage(ws); bytes != 17 || files != 2 {
		t.Errorf("counters not converged: bytes=%d files=%d", bytes, files)
	}
}

// --- Full cleanup ---

func TestFullCleanup(t *testing.T) {
	ctx := context.Background()
	f, cleanup := newCleanupFixture()
	ws := uuid.New()

	old := time.Now().UTC().Add(-48 * time.Hour)
	expired := time.Now().UTC().AddDate(0, 0, -31)

	// One healthy file, one orphan object, one orphan record, one GC-able
	// soft delete.
	healthy := f.upload(t, ws, "healthy.txt", "content")
	f.backend.put(ws, "files/orphan_obj", []byte("orphan"), old)
	seedRecord(t, f, ws, "files/orphan_rec", 5, database.StatusActive, old, nil)
	gc := seedRecord(t, f, ws, "files/gc_me", 9, database.StatusDeleted, old, &expired)
	f.backend.put(ws, "files/gc_me", []byte("retention"), old)

	report, err := cleanup.FullCleanup(ctx, DefaultCleanupOptions())
	if err != nil {
		t.Fatalf("full cleanup failed: %v", err)
	}

	if report.OrphanedObjects == nil || report.OrphanedObjects.FilesDeleted != 1 {
		t.Errorf("orphan object pass: %+v", report.OrphanedObjects)
	}
	if report.OrphanedRecords == nil || report.OrphanedRecords.RecordsDeleted != 1 {
		t.Errorf("orphan record pass: %+v", report.OrphanedRecords)
	}
	if report.SoftDeleted == nil || report.SoftDeleted.RecordsDeleted != 1 {
		t.Errorf("soft-deleted pass: %+v", report.SoftDeleted)
	}
	if report.StatsBefore == nil || report.StatsAfter == nil {
		t.Fatalf("missing stats: %+v", report)
	}
	if report.StatsAfter.TotalFiles >= report.StatsBefore.TotalFiles {
		t.Errorf("stats did not shrink: before=%+v after=%+v", report.StatsBefore, report.StatsAfter)
	}

	// After the run the healthy file is intact and quota matches it alone.
	if !f.backend.has(ws, healthy.FileKey) {
		t.Errorf("healthy object removed")
	}
	if _, ok := f.files.records[gc.ID]; ok {
		t.Errorf("GC-able record survived")
	}
	if bytes, files := f.quotas.usage(ws); bytes != 7 || files != 1 {
		t.Errorf("quota not converged: bytes=%d files=%d", bytes, files)
	}
}
