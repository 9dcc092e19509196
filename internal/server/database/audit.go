package database

import (
	"context"
	"fmt"
)

// AuditRepository appends access log entries. The table is append-only; there
// is deliberately no update or delete path.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends one access log entry.
func (r *AuditRepository) Insert(ctx context.Context, e *AccessLogEntry) error {
	metadata, err := marshalJSONMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode access log metadata: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO storage_access_logs (id, file_id, user_id, action, ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		e.ID,
		e.FileID,
		e.UserID,
		e.Action,
		e.IPAddress,
		e.UserAgent,
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access log: %w", err)
	}
	return nil
}
