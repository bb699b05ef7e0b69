package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to relay_audit_events.
// The table is INSERT-only; retention is an operational concern.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO relay_audit_events (
  id, workspace_id, type, call_id, conversation_id, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.WorkspaceID,
		e.Type,
		e.CallID,
		e.ConversationID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
