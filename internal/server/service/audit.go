package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coffer/internal/server/database"
)

// AuditLogger records file access events. Logging is best effort: a failed
// insert is logged and swallowed so it can never fail the operation that
// triggered it.
type AuditLogger struct {
	repo AuditRepository
}

// NewAuditLogger creates an audit logger over the access log repository.
func NewAuditLogger(repo AuditRepository) *AuditLogger {
	return &AuditLogger{repo: repo}
}

// AccessEvent describes one file access to record.
type AccessEvent struct {
	FileID    uuid.UUID
	UserID    *uuid.UUID
	Action    string
	IPAddress *string
	UserAgent *string
	Metadata  map[string]string
}

// Record appends the event to the access log.
func (a *AuditLogger) Record(ctx context.Context, ev AccessEvent) {
	entry := &database.AccessLogEntry{
		ID:        uuid.New(),
		FileID:    ev.FileID,
		UserID:    ev.UserID,
		Action:    ev.Action,
		IPAddress: ev.IPAddress,
		UserAgent: ev.UserAgent,
		Metadata:  ev.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.repo.Insert(ctx, entry); err != nil {
		slog.Warn("failed to record access log entry",
			"file_id", ev.FileID,
			"action", ev.Action,
			"error", err,
		)
	}
}
