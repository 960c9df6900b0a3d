package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// SQLiteStore is a Store backed by the indexer_status table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// List returns the rows with failure state.
func (s *SQLiteStore) List(ctx context.Context) ([]*types.IndexerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT indexer_id, initial_failure, most_recent_failure, escalation_level, disabled_till
		FROM indexer_status
		WHERE escalation_level > 0
		ORDER BY indexer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexer status: %w", err)
	}
	defer rows.Close()

	var out []*types.IndexerStatus
	for rows.Next() {
		var (
			st                       types.IndexerStatus
			initial, recent, disable sql.NullTime
		)
		if err := rows.Scan(&st.IndexerID, &initial, &recent, &st.EscalationLevel, &disable); err != nil {
			return nil, fmt.Errorf("failed to scan indexer status: %w", err)
		}
		st.InitialFailure = fromNullTime(initial)
		st.MostRecentFailure = fromNullTime(recent)
		st.DisabledTill = fromNullTime(disable)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// Upsert stores the failure fields of status.
func (s *SQLiteStore) Upsert(ctx context.Context, st *types.IndexerStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_status (indexer_id, initial_failure, most_recent_failure, escalation_level, disabled_till)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(indexer_id) DO UPDATE SET
			initial_failure = excluded.initial_failure,
			most_recent_failure = excluded.most_recent_failure,
			escalation_level = excluded.escalation_level,
			disabled_till = excluded.disabled_till`,
		st.IndexerID, toNullTime(st.InitialFailure), toNullTime(st.MostRecentFailure), st.EscalationLevel, toNullTime(st.DisabledTill))
	if err != nil {
		return fmt.Errorf("failed to upsert indexer status: %w", err)
	}
	return nil
}

// Clear resets the failure fields of a row.
func (s *SQLiteStore) Clear(ctx context.Context, indexerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE indexer_status
		SET initial_failure = NULL, most_recent_failure = NULL, escalation_level = 0, disabled_till = NULL
		WHERE indexer_id = ?`, indexerID)
	if err != nil {
		return fmt.Errorf("failed to clear indexer status: %w", err)
	}
	return nil
}

// Delete removes a row.
func (s *SQLiteStore) Delete(ctx context.Context, indexerID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM indexer_status WHERE indexer_id = ?`, indexerID); err != nil {
		return fmt.Errorf("failed to delete indexer status: %w", err)
	}
	return nil
}

// GetCookies returns the stored cookies of an indexer.
func (s *SQLiteStore) GetCookies(ctx context.Context, indexerID int64) (string, *time.Time, error) {
	var (
		cookies sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT cookies, cookies_expiration FROM indexer_status WHERE indexer_id = ?`, indexerID).
		Scan(&cookies, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	return cookies.String, fromNullTime(expires), nil
}

// SaveCookies stores the cookies of an indexer.
func (s *SQLiteStore) SaveCookies(ctx context.Context, indexerID int64, cookies string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_status (indexer_id, cookies, cookies_expiration) VALUES (?, ?, ?)
		ON CONFLICT(indexer_id) DO UPDATE SET cookies = excluded.cookies, cookies_expiration = excluded.cookies_expiration`,
		indexerID, cookies, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}
	return nil
}

// ClearCookies removes the cookies of an indexer.
func (s *SQLiteStore) ClearCookies(ctx context.Context, indexerID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE indexer_status SET cookies = NULL, cookies_expiration = NULL WHERE indexer_id = ?`, indexerID)
	if err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// DeleteExpiredCookies removes cookies that expired before now.
func (s *SQLiteStore) DeleteExpiredCookies(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE indexer_status SET cookies = NULL, cookies_expiration = NULL
		WHERE cookies_expiration IS NOT NULL AND cookies_expiration < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cookies: %w", err)
	}
	return res.RowsAffected()
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
