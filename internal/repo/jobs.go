package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"propwatch/internal/domain"
)

const jobColumns = `seq,job_id,document_id,attempt,state,enqueued_at,available_at,COALESCE(timeout_at,''),COALESCE(lease_owner,''),COALESCE(last_error,'')`

func scanJob(row interface{ Scan(...any) error }) (domain.ProcessingJob, error) {
	var j domain.ProcessingJob
	err := row.Scan(&j.Seq, &j.JobID, &j.DocumentID, &j.Attempt, &j.State, &j.EnqueuedAt, &j.AvailableAt, &j.TimeoutAt, &j.LeaseOwner, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

// InsertJob adds a queued job. A second job for the same document is
// rejected by the unique index and reported as ErrConflict.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.ProcessingJob) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO processing_jobs(job_id,document_id,attempt,state,enqueued_at,available_at,last_error) VALUES (?,?,?,?,?,?,?)`,
		j.JobID, j.DocumentID, j.Attempt, j.State, j.EnqueuedAt, j.AvailableAt, nullable(j.LastError))
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("document %s already has a job: %w", j.DocumentID, ErrConflict)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, jobID string) (domain.ProcessingJob, error) {
	return scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE job_id=?`, jobID))
}

func (r Repo) GetJobByDocument(ctx context.Context, tx *sql.Tx, documentID string) (domain.ProcessingJob, error) {
	return scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE document_id=?`, documentID))
}

func (r Repo) queryJobs(ctx context.Context, q queryer, query string, args ...any) ([]domain.ProcessingJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ExpiredLeases returns leased jobs whose deadline is at or before now.
func (r Repo) ExpiredLeases(ctx context.Context, tx *sql.Tx, now string) ([]domain.ProcessingJob, error) {
	return r.queryJobs(ctx, r.on(tx), `SELECT `+jobColumns+` FROM processing_jobs WHERE state=? AND timeout_at<=? ORDER BY seq ASC`, domain.JobLeased, now)
}

// NextAvailableJob returns the oldest queued job that is eligible at now.
func (r Repo) NextAvailableJob(ctx context.Context, tx *sql.Tx, now string) (domain.ProcessingJob, error) {
	return scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE state=? AND available_at<=? ORDER BY seq ASC LIMIT 1`, domain.JobQueued, now))
}

// ClaimJob leases a queued job to owner until timeoutAt.
func (r Repo) ClaimJob(ctx context.Context, tx *sql.Tx, jobID, owner, timeoutAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE processing_jobs SET state=?, lease_owner=?, timeout_at=? WHERE job_id=? AND state=?`,
		domain.JobLeased, owner, timeoutAt, jobID, domain.JobQueued)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("claim job %s: %w", jobID, ErrPrecondition)
	}
	return nil
}

// ExtendJob moves the deadline of a lease that owner still holds at now.
func (r Repo) ExtendJob(ctx context.Context, tx *sql.Tx, jobID, owner, now, timeoutAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE processing_jobs SET timeout_at=? WHERE job_id=? AND state=? AND lease_owner=? AND timeout_at>?`,
		timeoutAt, jobID, domain.JobLeased, owner, now)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("extend job %s: %w", jobID, ErrPrecondition)
	}
	return nil
}

// ReleaseJob returns a job that owner still holds at now to the queue,
// keeping its attempt and its place in line.
func (r Repo) ReleaseJob(ctx context.Context, tx *sql.Tx, jobID, owner, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE processing_jobs SET state=?, lease_owner=NULL, timeout_at=NULL, available_at=? WHERE job_id=? AND state=? AND lease_owner=? AND timeout_at>?`,
		domain.JobQueued, now, jobID, domain.JobLeased, owner, now)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("release job %s: %w", jobID, ErrPrecondition)
	}
	return nil
}

// DeleteHeldJob removes a job that owner still holds at now.
func (r Repo) DeleteHeldJob(ctx context.Context, tx *sql.Tx, jobID, owner, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM processing_jobs WHERE job_id=? AND state=? AND lease_owner=? AND timeout_at>?`,
		jobID, domain.JobLeased, owner, now)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("delete held job %s: %w", jobID, ErrPrecondition)
	}
	return nil
}

func (r Repo) DeleteJob(ctx context.Context, tx *sql.Tx, jobID string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM processing_jobs WHERE job_id=?`, jobID)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

type JobFilters struct {
	State string
	Limit int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.ProcessingJob, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + jobColumns + ` FROM processing_jobs` + where(clauses) + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryJobs(ctx, r.DB, query, args...)
}

func (r Repo) CountJobsByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM processing_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}
