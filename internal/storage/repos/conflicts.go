package repos

import (
	"context"
	"fmt"

	"corral/internal/model"
)

// AddConflict records a resolved conflict for audit. Records are never
// updated after insert.
func (s *Store) AddConflict(ctx context.Context, rec model.ConflictRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO conflicts (id, resource, winner_source, winner_action, outcomes_json, resolved_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Resource, rec.Resolution.SourceID, rec.Resolution.Action,
		toJSON(rec.Outcomes), rec.ResolvedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// ListConflicts returns recent conflict records, newest first. An empty
// resource matches all resources.
func (s *Store) ListConflicts(ctx context.Context, resource string, limit int) ([]model.ConflictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, resource, outcomes_json, resolved_at
FROM conflicts`
	args := []any{}
	if resource != "" {
		query += " WHERE resource = ?"
		args = append(args, resource)
	}
	query += " ORDER BY resolved_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var (
			rec      model.ConflictRecord
			outcomes string
			resolved string
		)
		if err := rows.Scan(&rec.ID, &rec.Resource, &outcomes, &resolved); err != nil {
			return nil, err
		}
		rec.Outcomes = fromJSON[[]model.RequestOutcome](outcomes)
		rec.ResolvedAt = parseTS(resolved)
		for _, o := range rec.Outcomes {
			if o.Won {
				rec.Resolution = o.Request
				break
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
