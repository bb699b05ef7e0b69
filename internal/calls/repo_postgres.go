package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepo persists calls and transcriptions in Postgres via database/sql.
//
// Tables: calls, transcriptions (see internal/migrations).
// UNIQUE constraints on calls.call_id and calls.conversation_id back the
// two-identifier addressing scheme.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `
call_id, conversation_id, workspace_id, channel, from_number, to_number, status,
start_time, end_time, summary, duration_seconds, cost, success, analysis, provider_data,
created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  call_id, conversation_id, workspace_id, channel, from_number, to_number, status,
  start_time, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		c.CallID,
		nullString(c.ConversationID),
		c.WorkspaceID,
		c.Channel,
		c.From,
		c.To,
		c.Status,
		c.StartTime,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateCall
	}
	return err
}

func (r *PostgresRepo) GetByCallID(ctx context.Context, callID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	return r.scanCall(r.db.QueryRowContext(ctx, q, callID))
}

func (r *PostgresRepo) GetByConversationID(ctx context.Context, conversationID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE conversation_id = $1`
	return r.scanCall(r.db.QueryRowContext(ctx, q, conversationID))
}

func (r *PostgresRepo) LinkConversationID(ctx context.Context, callID, conversationID string, now time.Time) error {
	const q = `
UPDATE calls SET conversation_id = $2, updated_at = $3
WHERE call_id = $1 AND conversation_id IS NULL
`
	res, err := r.db.ExecContext(ctx, q, callID, conversationID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the call is unknown or it is already linked.
		if _, err := r.GetByCallID(ctx, callID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (r *PostgresRepo) Complete(ctx context.Context, conversationID string, upd CompletionUpdate) (Call, error) {
	const q = `
UPDATE calls SET
  status = $2, end_time = $3, summary = $4, duration_seconds = $5, cost = $6,
  success = $7, analysis = $8, provider_data = $9, updated_at = $3
WHERE conversation_id = $1 AND status = 'in_progress'
RETURNING ` + callColumns
	c, err := r.scanCall(r.db.QueryRowContext(ctx, q,
		conversationID,
		upd.Status,
		upd.EndTime,
		upd.Summary,
		upd.DurationSeconds,
		upd.Cost,
		upd.Success,
		rawOrNil(upd.Analysis),
		rawOrNil(upd.ProviderData),
	))
	if errors.Is(err, ErrCallNotFound) {
		// Distinguish unknown conversation from a duplicate terminal delivery.
		cur, gerr := r.GetByConversationID(ctx, conversationID)
		if gerr != nil {
			return Call{}, gerr
		}
		return cur, ErrAlreadyTerminal
	}
	return c, err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, callID string, endTime time.Time) (Call, error) {
	const q = `
UPDATE calls SET status = 'failed', end_time = $2, updated_at = $2
WHERE call_id = $1 AND status = 'in_progress'
RETURNING ` + callColumns
	c, err := r.scanCall(r.db.QueryRowContext(ctx, q, callID, endTime))
	if errors.Is(err, ErrCallNotFound) {
		cur, gerr := r.GetByCallID(ctx, callID)
		if gerr != nil {
			return Call{}, gerr
		}
		return cur, ErrAlreadyTerminal
	}
	return c, err
}

func (r *PostgresRepo) CountTranscriptions(ctx context.Context, conversationID string) (int, error) {
	const q = `SELECT COUNT(*) FROM transcriptions WHERE conversation_id = $1`
	var n int
	if err := r.db.QueryRowContext(ctx, q, conversationID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PostgresRepo) AppendTranscription(ctx context.Context, tr Transcription) error {
	const q = `
INSERT INTO transcriptions (
  id, conversation_id, speaker, text, sequence_number, occurred_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := r.db.ExecContext(ctx, q,
		tr.ID,
		tr.ConversationID,
		tr.Speaker,
		tr.Text,
		tr.SequenceNumber,
		tr.OccurredAt,
		tr.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListTranscriptions(ctx context.Context, conversationID string) ([]Transcription, error) {
	const q = `
SELECT id, conversation_id, speaker, text, sequence_number, occurred_at, created_at
FROM transcriptions
WHERE conversation_id = $1
ORDER BY sequence_number ASC
`
	rows, err := r.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transcription, 0)
	for rows.Next() {
		var tr Transcription
		if err := rows.Scan(&tr.ID, &tr.ConversationID, &tr.Speaker, &tr.Text, &tr.SequenceNumber, &tr.OccurredAt, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListByWorkspace(ctx context.Context, workspaceID string, from, to time.Time) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE workspace_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCallFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepo) scanCall(row rowScanner) (Call, error) {
	c, err := scanCallFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrCallNotFound
	}
	return c, err
}

func scanCallFrom(row rowScanner) (Call, error) {
	var c Call
	var conversationID, summary sql.NullString
	var startTime, endTime sql.NullTime
	var durationSeconds sql.NullInt64
	var cost sql.NullFloat64
	var success sql.NullBool
	var analysis, providerData []byte

	err := row.Scan(
		&c.CallID,
		&conversationID,
		&c.WorkspaceID,
		&c.Channel,
		&c.From,
		&c.To,
		&c.Status,
		&startTime,
		&endTime,
		&summary,
		&durationSeconds,
		&cost,
		&success,
		&analysis,
		&providerData,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}

	c.ConversationID = conversationID.String
	c.Summary = summary.String
	c.DurationSeconds = int(durationSeconds.Int64)
	c.Cost = cost.Float64
	if success.Valid {
		v := success.Bool
		c.Success = &v
	}
	if startTime.Valid {
		t := startTime.Time
		c.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		c.EndTime = &t
	}
	if len(analysis) > 0 {
		c.Analysis = json.RawMessage(analysis)
	}
	if len(providerData) > 0 {
		c.ProviderData = json.RawMessage(providerData)
	}
	return c, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
