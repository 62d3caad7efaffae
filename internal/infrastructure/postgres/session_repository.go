package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// SessionRepository implements session.Repository over postgres. The retry
// budget fields are stored as text: the wire and storage formats keep them
// string-encoded, the domain works with integers and durations.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, session_id, stage, status, source_network_id, destination_network_id,
	source_asset, destination_asset, max_retries, max_timeout, attempt_count, last_error,
	receipts, stage_history, created_at, updated_at, completed_at`

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*session.Data, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM transfer_sessions WHERE session_id=$1
	`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SessionRepository) Put(ctx context.Context, data *session.Data) error {
	sourceAsset, err := json.Marshal(data.SourceAsset)
	if err != nil {
		return err
	}
	destinationAsset, err := json.Marshal(data.DestinationAsset)
	if err != nil {
		return err
	}
	receipts, err := json.Marshal(data.Receipts)
	if err != nil {
		return err
	}
	history, err := json.Marshal(data.StageHistory)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO transfer_sessions
		(session_id, stage, status, source_network_id, destination_network_id,
		 source_asset, destination_asset, max_retries, max_timeout, attempt_count,
		 last_error, receipts, stage_history, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (session_id) DO UPDATE SET
			stage=EXCLUDED.stage,
			status=EXCLUDED.status,
			attempt_count=EXCLUDED.attempt_count,
			last_error=EXCLUDED.last_error,
			receipts=EXCLUDED.receipts,
			stage_history=EXCLUDED.stage_history,
			updated_at=EXCLUDED.updated_at,
			completed_at=EXCLUDED.completed_at
	`, data.SessionID, data.Stage, data.Status, data.SourceNetworkID, data.DestinationNetworkID,
		sourceAsset, destinationAsset,
		strconv.Itoa(data.MaxRetries), data.MaxTimeout.String(), data.AttemptCount,
		data.LastError, receipts, history, data.CreatedAt, data.UpdatedAt, data.CompletedAt)
	return err
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM transfer_sessions WHERE session_id=$1`, sessionID)
	return err
}

func (r *SessionRepository) ListActive(ctx context.Context) ([]*session.Data, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM transfer_sessions WHERE status=$1 ORDER BY created_at
	`, session.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Data
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*session.Data, error) {
	var (
		data             session.Data
		sourceAsset      []byte
		destinationAsset []byte
		maxRetries       string
		maxTimeout       string
		receipts         []byte
		history          []byte
		completedAt      *time.Time
	)
	if err := row.Scan(&data.ID, &data.SessionID, &data.Stage, &data.Status,
		&data.SourceNetworkID, &data.DestinationNetworkID,
		&sourceAsset, &destinationAsset, &maxRetries, &maxTimeout,
		&data.AttemptCount, &data.LastError, &receipts, &history,
		&data.CreatedAt, &data.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(sourceAsset, &data.SourceAsset); err != nil {
		return nil, fmt.Errorf("decode source asset: %w", err)
	}
	if err := json.Unmarshal(destinationAsset, &data.DestinationAsset); err != nil {
		return nil, fmt.Errorf("decode destination asset: %w", err)
	}
	if len(receipts) > 0 {
		if err := json.Unmarshal(receipts, &data.Receipts); err != nil {
			return nil, fmt.Errorf("decode receipts: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &data.StageHistory); err != nil {
			return nil, fmt.Errorf("decode stage history: %w", err)
		}
	}

	retries, err := strconv.Atoi(maxRetries)
	if err != nil {
		return nil, fmt.Errorf("decode max_retries %q: %w", maxRetries, err)
	}
	timeout, err := time.ParseDuration(maxTimeout)
	if err != nil {
		return nil, fmt.Errorf("decode max_timeout %q: %w", maxTimeout, err)
	}
	data.MaxRetries = retries
	data.MaxTimeout = timeout
	data.CompletedAt = completedAt
	return &data, nil
}
