package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"corral/internal/model"
)

var ErrBreakerNotFound = errors.New("breaker state not found")

// SaveBreakerState upserts the persisted circuit state for a channel so the
// breaker survives restarts.
func (s *Store) SaveBreakerState(ctx context.Context, st model.CircuitBreakerState) error {
	var opened sql.NullString
	if st.OpenedAt != nil {
		opened.Valid = true
		opened.String = st.OpenedAt.UTC().Format(timeFormat)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO breaker_state (channel, state, consecutive_failures, opened_at, probe_budget, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(channel) DO UPDATE SET
  state = excluded.state,
  consecutive_failures = excluded.consecutive_failures,
  opened_at = excluded.opened_at,
  probe_budget = excluded.probe_budget,
  updated_at = excluded.updated_at`,
		st.Channel, string(st.State), st.ConsecutiveFailures, opened, st.ProbeBudget,
		nowUTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

func (s *Store) GetBreakerState(ctx context.Context, channel string) (model.CircuitBreakerState, error) {
	var (
		st      model.CircuitBreakerState
		state   string
		opened  sql.NullString
		updated string
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT channel, state, consecutive_failures, opened_at, probe_budget, updated_at
FROM breaker_state WHERE channel = ?`, channel).
		Scan(&st.Channel, &state, &st.ConsecutiveFailures, &opened, &st.ProbeBudget, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CircuitBreakerState{}, fmt.Errorf("%w: %s", ErrBreakerNotFound, channel)
	}
	if err != nil {
		return model.CircuitBreakerState{}, fmt.Errorf("get breaker state: %w", err)
	}
	st.State = model.CircuitState(state)
	st.OpenedAt = parseTSPtr(opened)
	st.UpdatedAt = parseTS(updated)
	return st, nil
}
