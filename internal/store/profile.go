package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// AppendProfileEntry inserts an immutable profile log row. There is no
// corresponding Update or Delete: the log is append-only by construction.
func (s *Store) AppendProfileEntry(ctx context.Context, e *task.ProfileEntry) error {
	if e.Payload == nil {
		return taskerr.New(taskerr.KindValidation, "profile entry payload must not be nil")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO client_profile_entries
			(id, client_id, created_at, author_kind, author_id, entry_type, payload, effective_date, archived)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ClientID, e.CreatedAt, e.AuthorKind, e.AuthorID, e.EntryType, payload, e.EffectiveDate, e.Archived)
	if err != nil {
		return fmt.Errorf("append profile entry: %w", err)
	}
	return nil
}

func scanProfileEntry(row interface {
	Scan(dest ...any) error
}) (*task.ProfileEntry, error) {
	var e task.ProfileEntry
	var payload []byte
	if err := row.Scan(&e.ID, &e.ClientID, &e.CreatedAt, &e.AuthorKind, &e.AuthorID,
		&e.EntryType, &payload, &e.EffectiveDate, &e.Archived); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &e, nil
}

const profileEntryColumns = `id, client_id, created_at, author_kind, author_id, entry_type, payload, effective_date, archived`

// ProfileView returns the latest non-archived payload per entry_type,
// computed with a single partition-by-entry-type window function, as
// the profile view's window-function projection needs.
func (s *Store) ProfileView(ctx context.Context, clientID string) (map[string]map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_type, payload FROM (
			SELECT entry_type, payload,
				ROW_NUMBER() OVER (PARTITION BY entry_type ORDER BY created_at DESC) AS rn
			FROM client_profile_entries
			WHERE client_id = $1 AND archived = false
		) ranked WHERE rn = 1`, clientID)
	if err != nil {
		return nil, fmt.Errorf("profile view query: %w", err)
	}
	defer rows.Close()

	view := make(map[string]map[string]any)
	for rows.Next() {
		var entryType string
		var payload []byte
		if err := rows.Scan(&entryType, &payload); err != nil {
			return nil, fmt.Errorf("scan profile view row: %w", err)
		}
		var v map[string]any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("unmarshal profile view payload: %w", err)
		}
		view[entryType] = v
	}
	return view, rows.Err()
}

// ProfileHistory returns entries chronologically, optionally filtered
// by entry type and limited. Archived rows ARE included here (only
// ProfileView excludes them).
func (s *Store) ProfileHistory(ctx context.Context, clientID, entryType string, limit int) ([]*task.ProfileEntry, error) {
	q := `SELECT ` + profileEntryColumns + ` FROM client_profile_entries WHERE client_id = $1`
	args := []any{clientID}
	if entryType != "" {
		q += ` AND entry_type = $2`
		args = append(args, entryType)
	}
	q += ` ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("profile history query: %w", err)
	}
	defer rows.Close()

	var out []*task.ProfileEntry
	for rows.Next() {
		e, err := scanProfileEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProfileCount returns the row count for a client, optionally filtered
// by entry type.
func (s *Store) ProfileCount(ctx context.Context, clientID, entryType string) (int, error) {
	q := `SELECT count(*) FROM client_profile_entries WHERE client_id = $1`
	args := []any{clientID}
	if entryType != "" {
		q += ` AND entry_type = $2`
		args = append(args, entryType)
	}
	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("profile count: %w", err)
	}
	return n, nil
}

// ArchiveOlderThanYears marks entries older than the retention window
// archived, excluding them from ProfileView while keeping them in
// ProfileHistory. No rows are ever deleted.
func (s *Store) ArchiveOlderThanYears(ctx context.Context, years int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE client_profile_entries SET archived = true
		WHERE archived = false AND created_at < now() - ($1 || ' years')::interval`, years)
	if err != nil {
		return 0, fmt.Errorf("archive old profile entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
