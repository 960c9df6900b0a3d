package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore is a Store backed by the commands table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const commandColumns = `id, name, body, priority, status, triggered_by, message, exception, queued_at, started_at, ended_at`

func (s *SQLiteStore) Save(ctx context.Context, cmd *Command) error {
	body := "{}"
	if cmd.Body != nil {
		key, err := bodyKey(cmd.Body)
		if err != nil {
			return fmt.Errorf("failed to encode command body: %w", err)
		}
		body = key
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			exception = excluded.exception,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		cmd.ID, cmd.Name, body, int(cmd.Priority), string(cmd.Status), string(cmd.Trigger),
		cmd.Message, cmd.Exception, cmd.QueuedAt.UTC(), toNullTime(cmd.StartedAt), toNullTime(cmd.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to save command: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return cmd, nil
}

func (s *SQLiteStore) List(ctx context.Context, statuses []Status, limit int) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY queued_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM commands
		WHERE status IN ('completed', 'failed', 'aborted') AND ended_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished commands: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*Command, error) {
	var (
		cmd             Command
		body            string
		priority        int
		status, trigger string
		started, ended  sql.NullTime
	)
	err := row.Scan(&cmd.ID, &cmd.Name, &body, &priority, &status, &trigger,
		&cmd.Message, &cmd.Exception, &cmd.QueuedAt, &started, &ended)
	if err != nil {
		return nil, err
	}
	cmd.Priority = Priority(priority)
	cmd.Status = Status(status)
	cmd.Trigger = Trigger(trigger)
	if body != "" && body != "{}" {
		cmd.Body = json.RawMessage(body)
	}
	cmd.StartedAt = fromNullTime(started)
	cmd.EndedAt = fromNullTime(ended)
	return &cmd, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
