package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StoreLogger persists entries into the audit_log table.
type StoreLogger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStoreLogger wraps an open connection pool.
func NewStoreLogger(db *sql.DB) *StoreLogger {
	return &StoreLogger{db: db, clock: time.Now}
}

// Record implements Logger.
func (l *StoreLogger) Record(ctx context.Context, entry Entry) error {
	stamp(&entry, l.clock)
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor_id, event_type, action, resource, metadata, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.TenantID, entry.ActorID, entry.Type, entry.Action, entry.Resource, metadata, entry.TS)
	if err != nil {
		return fmt.Errorf("audit: persist entry: %w", err)
	}
	return nil
}

var _ Logger = (*StoreLogger)(nil)
