package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// CreateSkill inserts a new skill version. Two skills sharing a
// (skill_name, effective_date) pair are forbidden unconditionally
// the unique constraint on that pair enforces it, and a
// conflict here always surfaces as IntegrityViolation.
func (s *Store) CreateSkill(ctx context.Context, sk *task.Skill) error {
	content, err := json.Marshal(sk.Content)
	if err != nil {
		return fmt.Errorf("marshal skill content: %w", err)
	}
	extra, err := json.Marshal(sk.Extra)
	if err != nil {
		return fmt.Errorf("marshal skill extra: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO skills (skill_name, version, effective_date, content, tags, extra)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sk.Name, sk.Version, sk.EffectiveDate, content, sk.Tags, extra)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return taskerr.Wrap(taskerr.KindIntegrityViolation,
				fmt.Sprintf("skill %s already has a version effective %s", sk.Name, sk.EffectiveDate.Format("2006-01-02")), err)
		}
		return fmt.Errorf("create skill: %w", err)
	}
	return nil
}

func scanSkill(row pgx.Row) (*task.Skill, error) {
	var sk task.Skill
	var content, extra []byte
	if err := row.Scan(&sk.Name, &sk.Version, &sk.EffectiveDate, &content, &sk.Tags, &extra); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &sk.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(extra, &sk.Extra); err != nil {
		return nil, fmt.Errorf("unmarshal extra: %w", err)
	}
	return &sk, nil
}

const skillColumns = `skill_name, version, effective_date, content, tags, extra`

// SelectSkill returns the skill with the greatest effective_date <=
// Jan 1 of taxYear, or taskerr.KindMissingResource ("absent") if none
// exists — absence is not an error to the caller.
func (s *Store) SelectSkill(ctx context.Context, name string, taxYear int) (*task.Skill, error) {
	cutoff := time.Date(taxYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	row := s.pool.QueryRow(ctx, `
		SELECT `+skillColumns+` FROM skills
		WHERE skill_name = $1 AND effective_date <= $2
		ORDER BY effective_date DESC LIMIT 1`, name, cutoff)
	sk, err := scanSkill(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound(fmt.Sprintf("no skill %q effective on or before %s", name, cutoff.Format("2006-01-02")))
		}
		return nil, fmt.Errorf("select skill: %w", err)
	}
	return sk, nil
}

// ListSkillVersions returns every version of a named skill, most recent first.
func (s *Store) ListSkillVersions(ctx context.Context, name string) ([]*task.Skill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+skillColumns+` FROM skills WHERE skill_name = $1 ORDER BY effective_date DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("list skill versions: %w", err)
	}
	defer rows.Close()

	var out []*task.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}
