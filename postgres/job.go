package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meikuraledutech/jobdag"
)

const jobColumns = `id, build_id, project_id, name, kind, state, dependencies, cluster, cpu, memory,
	placement, timeout_seconds, environment, definition, message, created_at, start_date, end_date`

type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanJob(row rowScanner) (*jobdag.Job, error) {
	var (
		j       jobdag.Job
		timeout int64
	)
	err := row.Scan(
		&j.ID, &j.BuildID, &j.ProjectID, &j.Name, &j.Kind, &j.State,
		&j.Dependencies, &j.Cluster, &j.Resources.CPU, &j.Resources.Memory,
		&j.Placement, &timeout, &j.Environment, &j.Definition, &j.Message,
		&j.CreatedAt, &j.StartDate, &j.EndDate,
	)
	if err != nil {
		return nil, err
	}
	j.Timeout = time.Duration(timeout) * time.Second
	return &j, nil
}

// CreateJobs saves all jobs in one transaction.
func (s *PGStore) CreateJobs(ctx context.Context, jobs []jobdag.Job) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("jobdag: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertJobs(ctx, tx, jobs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("jobdag: commit: %w", err)
	}
	return nil
}

// CompleteGraph locks the creator row with the state update, so an abort
// racing the insert either lands first and the graph is discarded, or waits
// and finds the creator finished.
func (s *PGStore) CompleteGraph(ctx context.Context, creatorID string, jobs []jobdag.Job, t jobdag.Transition) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("jobdag: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := compareAndSet(ctx, tx, creatorID,
		[]jobdag.State{jobdag.StateRunning}, jobdag.StateFinished, t)
	if err != nil || !ok {
		return false, err
	}
	if err := insertJobs(ctx, tx, jobs); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("jobdag: commit: %w", err)
	}
	return true, nil
}

func insertJobs(ctx context.Context, tx pgx.Tx, jobs []jobdag.Job) error {
	for _, j := range jobs {
		deps, err := json.Marshal(j.Dependencies)
		if err != nil {
			return fmt.Errorf("jobdag: encode dependencies of %s: %w", j.ID, err)
		}
		placement, err := json.Marshal(j.Placement)
		if err != nil {
			return fmt.Errorf("jobdag: encode placement of %s: %w", j.ID, err)
		}
		env, err := json.Marshal(j.Environment)
		if err != nil {
			return fmt.Errorf("jobdag: encode environment of %s: %w", j.ID, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, build_id, project_id, name, kind, state, dependencies, cluster, cpu, memory,
				placement, timeout_seconds, environment, definition, message, created_at, start_date, end_date)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			j.ID, j.BuildID, j.ProjectID, j.Name, string(j.Kind), string(j.State), deps, j.Cluster,
			j.Resources.CPU, j.Resources.Memory, placement, int64(j.Timeout/time.Second), env,
			[]byte(j.Definition), j.Message, j.CreatedAt, j.StartDate, j.EndDate,
		); err != nil {
			return fmt.Errorf("jobdag: insert job %s: %w", j.Name, err)
		}
	}
	return nil
}

// GetJob fetches a single job by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetJob(ctx context.Context, jobID string) (*jobdag.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobdag: get job: %w", err)
	}
	return j, nil
}

// ListJobsByState returns jobs in any of states, oldest first.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListJobsByState(ctx context.Context, states ...jobdag.State) ([]jobdag.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) ORDER BY created_at, id`,
		stateStrings(states))
}

// ListBuildJobs returns every job of a build in creation order.
func (s *PGStore) ListBuildJobs(ctx context.Context, buildID string) ([]jobdag.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE build_id = $1 ORDER BY created_at, id`,
		buildID)
}

func (s *PGStore) listJobs(ctx context.Context, query string, args ...any) ([]jobdag.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobdag: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []jobdag.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobdag: scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobdag: rows jobs: %w", err)
	}
	return jobs, nil
}

// CompareAndSetState is a single conditional UPDATE; the row lock makes
// exactly one of several concurrent writers succeed.
func (s *PGStore) CompareAndSetState(ctx context.Context, jobID string, expected []jobdag.State, next jobdag.State, t jobdag.Transition) (bool, error) {
	return compareAndSet(ctx, s.db, jobID, expected, next, t)
}

func compareAndSet(ctx context.Context, q querier, jobID string, expected []jobdag.State, next jobdag.State, t jobdag.Transition) (bool, error) {
	ct, err := q.Exec(ctx,
		`UPDATE jobs SET
			state      = $1,
			message    = COALESCE(NULLIF($2, ''), message),
			cluster    = COALESCE(NULLIF($3, ''), cluster),
			start_date = COALESCE($4, start_date),
			end_date   = COALESCE($5, end_date)
		 WHERE id = $6 AND state = ANY($7)`,
		string(next), t.Message, t.Cluster, optionalTime(t.StartDate), optionalTime(t.EndDate),
		jobID, stateStrings(expected),
	)
	if err != nil {
		return false, fmt.Errorf("jobdag: update job state: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("jobdag: find job: %w", err)
	}
	if !exists {
		return false, jobdag.ErrJobNotFound
	}
	return false, nil
}

func stateStrings(states []jobdag.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
