package postgres

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/jobdag"
)

// CreateBuild inserts a build. The (project, number) pair is unique, so two
// concurrent submissions cannot claim the same number.
func (s *PGStore) CreateBuild(ctx context.Context, b *jobdag.Build) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO builds (id, project_id, build_number, restart_counter, created_at) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.ProjectID, b.Number, b.RestartCounter, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("jobdag: insert build: %w", err)
	}
	return nil
}

// GetBuild fetches a build by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetBuild(ctx context.Context, buildID string) (*jobdag.Build, error) {
	var b jobdag.Build
	err := s.db.QueryRow(ctx,
		`SELECT id, project_id, build_number, restart_counter, created_at FROM builds WHERE id = $1`, buildID,
	).Scan(&b.ID, &b.ProjectID, &b.Number, &b.RestartCounter, &b.CreatedAt)

	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobdag: get build: %w", err)
	}
	return &b, nil
}

func (s *PGStore) NextBuildNumber(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(build_number), 0) + 1 FROM builds WHERE project_id = $1`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobdag: next build number: %w", err)
	}
	return n, nil
}
