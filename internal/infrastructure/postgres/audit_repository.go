package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satp-gateway/satp-gateway/internal/domain/audit"
)

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

const auditColumns = `id, entry_id, session_id, outcome, stage, source_network, destination_network,
	token_type, amount, attempt_count, last_error, prev_hash, hash, signature, created_at`

func (r *AuditRepository) Append(ctx context.Context, entry *audit.Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log
		(entry_id, session_id, outcome, stage, source_network, destination_network,
		 token_type, amount, attempt_count, last_error, prev_hash, hash, signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, entry.EntryID, entry.SessionID, entry.Outcome, entry.Stage,
		entry.SourceNetwork, entry.DestinationNetwork, entry.TokenType,
		int64(entry.Amount), entry.AttemptCount, entry.LastError,
		entry.PrevHash, entry.Hash, entry.Signature, entry.CreatedAt)
	return err
}

func (r *AuditRepository) Latest(ctx context.Context) (*audit.Entry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log ORDER BY id DESC LIMIT 1
	`)
	entry, err := scanAuditEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func (r *AuditRepository) ListBySession(ctx context.Context, sessionID string) ([]*audit.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log WHERE session_id=$1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanAuditEntry(row pgx.Row) (*audit.Entry, error) {
	var (
		entry  audit.Entry
		amount int64
	)
	if err := row.Scan(&entry.ID, &entry.EntryID, &entry.SessionID, &entry.Outcome,
		&entry.Stage, &entry.SourceNetwork, &entry.DestinationNetwork,
		&entry.TokenType, &amount, &entry.AttemptCount, &entry.LastError,
		&entry.PrevHash, &entry.Hash, &entry.Signature, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.Amount = uint64(amount)
	return &entry, nil
}
