package persistence

import (
	"context"
	"fmt"
	"time"
)

// InstalledSkillRecord tracks where an installed skill came from so it can
// be updated later.
type InstalledSkillRecord struct {
	SkillID     string
	Source      string // "github" or "local"
	SourceURL   string
	Ref         string
	InstalledAt time.Time
	UpdatedAt   time.Time
}

func (s *Store) RegisterInstalledSkill(ctx context.Context, skillID, source, sourceURL, ref string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO installed_skills (skill_id, source, source_url, ref)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(skill_id) DO UPDATE SET
				source = excluded.source,
				source_url = excluded.source_url,
				ref = excluded.ref,
				updated_at = CURRENT_TIMESTAMP;
		`, skillID, source, sourceURL, ref)
		if err != nil {
			return fmt.Errorf("register installed skill: %w", err)
		}
		return nil
	})
}

func (s *Store) ListInstalledSkills(ctx context.Context) ([]InstalledSkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_id, source, source_url, ref, installed_at, updated_at
		FROM installed_skills ORDER BY skill_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list installed skills: %w", err)
	}
	defer rows.Close()

	var out []InstalledSkillRecord
	for rows.Next() {
		var rec InstalledSkillRecord
		if err := rows.Scan(&rec.SkillID, &rec.Source, &rec.SourceURL, &rec.Ref, &rec.InstalledAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan installed skill: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RemoveInstalledSkill(ctx context.Context, skillID string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM installed_skills WHERE skill_id = ?;`, skillID)
		if err != nil {
			return fmt.Errorf("remove installed skill: %w", err)
		}
		return nil
	})
}
