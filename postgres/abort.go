package postgres

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/jobdag"
)

// RequestAbort records an abort request. Repeated requests are no-ops.
// Returns ErrJobNotFound if the job doesn't exist.
func (s *PGStore) RequestAbort(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO job_aborts (job_id) VALUES ($1) ON CONFLICT (job_id) DO NOTHING`, jobID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return jobdag.ErrJobNotFound
		}
		return fmt.Errorf("jobdag: request abort: %w", err)
	}
	return nil
}

// ListAborts returns the ids of jobs with a pending abort, oldest request
// first.
func (s *PGStore) ListAborts(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT job_id FROM job_aborts ORDER BY requested_at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("jobdag: list aborts: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobdag: scan abort: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobdag: rows aborts: %w", err)
	}
	return ids, nil
}

// ClearAbort removes a pending abort.
// No error if there is none.
func (s *PGStore) ClearAbort(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM job_aborts WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("jobdag: clear abort: %w", err)
	}
	return nil
}
