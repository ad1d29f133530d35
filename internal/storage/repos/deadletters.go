package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"corral/internal/model"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found")

// AddDeadLetter parks a message that exhausted delivery attempts.
func (s *Store) AddDeadLetter(ctx context.Context, msg model.Message, reason string, retries int) (model.DeadLetterEntry, error) {
	entry := model.DeadLetterEntry{
		ID:            newID(),
		Message:       msg,
		FailureReason: reason,
		RetryCount:    retries,
		FirstFailedAt: nowUTC(),
		LastAttemptAt: nowUTC(),
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO dead_letters (id, message_json, failure_reason, retry_count, first_failed_at, last_attempt_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, toJSON(msg), reason, retries,
		entry.FirstFailedAt.Format(timeFormat), entry.LastAttemptAt.Format(timeFormat))
	if err != nil {
		return model.DeadLetterEntry{}, fmt.Errorf("insert dead letter: %w", err)
	}
	return entry, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (model.DeadLetterEntry, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, message_json, failure_reason, retry_count, first_failed_at, last_attempt_at
FROM dead_letters WHERE id = ?`, id)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeadLetterEntry{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return entry, err
}

// ListDeadLetters returns entries oldest-first, capped at limit (<=0 means 100).
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, message_json, failure_reason, retry_count, first_failed_at, last_attempt_at
FROM dead_letters ORDER BY first_failed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// TouchDeadLetter bumps the retry count and last-attempt timestamp after a
// failed replay.
func (s *Store) TouchDeadLetter(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE dead_letters SET retry_count = retry_count + 1, last_attempt_at = ? WHERE id = ?`,
		nowUTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("touch dead letter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return nil
}

// RemoveDeadLetter deletes an entry after a successful replay or an operator
// discard.
func (s *Store) RemoveDeadLetter(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return nil
}

func (s *Store) DeadLetterDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("dead letter depth: %w", err)
	}
	return depth, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (model.DeadLetterEntry, error) {
	var (
		entry       model.DeadLetterEntry
		msgJSON     string
		firstFailed string
		lastAttempt string
	)
	if err := row.Scan(&entry.ID, &msgJSON, &entry.FailureReason, &entry.RetryCount, &firstFailed, &lastAttempt); err != nil {
		return model.DeadLetterEntry{}, err
	}
	entry.Message = fromJSON[model.Message](msgJSON)
	entry.FirstFailedAt = parseTS(firstFailed)
	entry.LastAttemptAt = parseTS(lastAttempt)
	return entry, nil
}
