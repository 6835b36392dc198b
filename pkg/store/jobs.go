package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

const jobColumns = `id, dispatch_id, agent_id, status, created_at, updated_at`

// GetJob fetches a job by its runner-assigned id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListActiveJobs returns jobs still reported as PENDING or RUNNING.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ReapZombieJobs fails jobs stuck in PENDING or RUNNING that no active
// dispatch accounts for and that have not been touched since the cutoff.
// These are rows orphaned by a crash between the runner starting a job and
// the dispatch transition that should have settled it.
func (s *Store) ReapZombieJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs j
		SET status = 'FAILED', updated_at = now()
		WHERE j.status IN ('PENDING', 'RUNNING')
		  AND j.updated_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM run_dispatches d
		      WHERE d.id = j.dispatch_id AND d.status IN ('running', 'paused'))`,
		before)
	if err != nil {
		return 0, fmt.Errorf("reap zombie jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap zombie jobs: rows affected: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j          models.Job
		dispatchID stdsql.NullString
		status     string
	)
	err := row.Scan(&j.ID, &dispatchID, &j.AgentID, &status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.DispatchID = nullStr(dispatchID)
	j.Status = models.JobStatus(status)
	return &j, nil
}
