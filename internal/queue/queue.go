// Package queue is the durable job queue in front of the worker pool.
//
// Jobs live in the processing_jobs table with at most one row per document,
// so a document can never be leased twice at once. A lease carries a
// deadline; a lease that outlives it is reclaimed by the next Dequeue and
// counted as a failed attempt.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"propwatch/internal/audit"
	"propwatch/internal/domain"
	"propwatch/internal/repo"
	"propwatch/internal/telemetry"
)

var (
	// ErrLeaseLost means the lease expired or was reclaimed before the holder finished.
	ErrLeaseLost = errors.New("lease lost")
	// ErrClosed is returned by Dequeue once the context is done.
	ErrClosed = errors.New("queue closed")
)

const (
	DefaultLease        = 10 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultPollInterval = 2 * time.Second
)

// DefaultBackoff is the delay before attempt n+1, indexed by n-1.
var DefaultBackoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

type Lease struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Attempt    int       `json:"attempt"`
	Owner      string    `json:"owner"`
	Deadline   time.Time `json:"deadline"`
}

type Options struct {
	Lease        time.Duration
	MaxAttempts  int
	Backoff      []time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type Queue struct {
	db     *sql.DB
	repo   repo.Repo
	audit  audit.Writer
	opts   Options
	notify chan struct{}
}

func New(db *sql.DB, opts Options) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		db:     db,
		repo:   repo.Repo{DB: db},
		audit:  audit.Writer{Now: opts.Now},
		opts:   opts,
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) LeaseDuration() time.Duration { return q.opts.Lease }

func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// Backoff returns the delay applied after the given failed attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(q.opts.Backoff) {
		i = len(q.opts.Backoff) - 1
	}
	return q.opts.Backoff[i]
}

// Notify wakes one blocked Dequeue.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// EnqueueTx adds the first job for an uploaded document and moves the
// document to queued. The caller commits and then calls Notify.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, documentID, actor string) (domain.ProcessingJob, error) {
	now := domain.FormatTime(q.opts.Now())
	job := domain.ProcessingJob{
		JobID:       uuid.NewString(),
		DocumentID:  documentID,
		Attempt:     1,
		State:       domain.JobQueued,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	seq, err := q.repo.InsertJob(ctx, tx, job)
	if err != nil {
		return job, err
	}
	job.Seq = seq
	if err := q.repo.TransitionDocument(ctx, tx, repo.DocumentTransition{ID: documentID, To: domain.DocumentQueued, At: now}); err != nil {
		return job, err
	}
	if _, err := q.audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionJobEnqueued,
		Actor:          actor,
		BusinessRuleID: audit.RuleQueue,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      documentID,
		Payload:        audit.Payload{"job_id": job.JobID, "attempt": job.Attempt},
	}); err != nil {
		return job, err
	}
	return job, nil
}

// Enqueue is EnqueueTx in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, documentID, actor string) (domain.ProcessingJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	defer tx.Rollback()
	job, err := q.EnqueueTx(ctx, tx, documentID, actor)
	if err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	q.Notify()
	return job, nil
}

// Dequeue blocks until a job can be leased to owner or ctx is done.
func (q *Queue) Dequeue(ctx context.Context, owner string) (Lease, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		lease, ok, err := q.TryDequeue(ctx, owner)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return Lease{}, fmt.Errorf("%w: %v", ErrClosed, ctx.Err())
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// TryDequeue reclaims expired leases and then leases the oldest eligible
// job, all in one transaction. ok is false when nothing is eligible.
func (q *Queue) TryDequeue(ctx context.Context, owner string) (Lease, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, false, err
	}
	defer tx.Rollback()

	now := q.opts.Now()
	nowStr := domain.FormatTime(now)
	expired, err := q.repo.ExpiredLeases(ctx, tx, nowStr)
	if err != nil {
		return Lease{}, false, err
	}
	for _, job := range expired {
		q.opts.Logger.Warn("lease expired", "job_id", job.JobID, "document_id", job.DocumentID, "owner", job.LeaseOwner, "attempt", job.Attempt)
		telemetry.LeaseExpired()
		if _, err := q.failTx(ctx, tx, job, failure{cause: "lease expired", reason: audit.ActionLeaseExpired}, now); err != nil {
			return Lease{}, false, err
		}
	}

	job, err := q.repo.NextAvailableJob(ctx, tx, nowStr)
	if errors.Is(err, repo.ErrNotFound) {
		return Lease{}, false, tx.Commit()
	}
	if err != nil {
		return Lease{}, false, err
	}
	deadline := now.Add(q.opts.Lease)
	if err := q.repo.ClaimJob(ctx, tx, job.JobID, owner, domain.FormatTime(deadline)); err != nil {
		return Lease{}, false, err
	}
	doc, err := q.repo.GetDocument(ctx, tx, job.DocumentID)
	if err != nil {
		return Lease{}, false, err
	}
	switch doc.Status {
	case domain.DocumentQueued:
		if err := q.repo.TransitionDocument(ctx, tx, repo.DocumentTransition{ID: doc.ID, To: domain.DocumentProcessing, At: nowStr}); err != nil {
			return Lease{}, false, err
		}
	case domain.DocumentProcessing:
		// retry of an earlier attempt
	default:
		return Lease{}, false, fmt.Errorf("job %s references %s document %s", job.JobID, doc.Status, doc.ID)
	}
	if _, err := q.audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionJobLeased,
		BusinessRuleID: audit.RuleQueue,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      job.DocumentID,
		Payload:        audit.Payload{"job_id": job.JobID, "attempt": job.Attempt, "owner": owner, "deadline": domain.FormatTime(deadline)},
	}); err != nil {
		return Lease{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, false, err
	}
	// more work may be waiting for another worker
	q.Notify()
	return Lease{JobID: job.JobID, DocumentID: job.DocumentID, Attempt: job.Attempt, Owner: owner, Deadline: deadline}, true, nil
}

// Extend pushes the deadline of a lease that is still held.
func (q *Queue) Extend(ctx context.Context, lease Lease) (Lease, error) {
	now := q.opts.Now()
	deadline := now.Add(q.opts.Lease)
	err := q.repo.ExtendJob(ctx, nil, lease.JobID, lease.Owner, domain.FormatTime(now), domain.FormatTime(deadline))
	if errors.Is(err, repo.ErrPrecondition) {
		return lease, ErrLeaseLost
	}
	if err != nil {
		return lease, err
	}
	lease.Deadline = deadline
	return lease, nil
}

// Complete finishes a held lease. work runs inside the same transaction that
// releases the job and marks the document completed; if the lease is no
// longer held nothing is written and ErrLeaseLost is returned.
func (q *Queue) Complete(ctx context.Context, lease Lease, work func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := domain.FormatTime(q.opts.Now())
	if err := q.repo.DeleteHeldJob(ctx, tx, lease.JobID, lease.Owner, now); err != nil {
		if errors.Is(err, repo.ErrPrecondition) {
			return ErrLeaseLost
		}
		return err
	}
	if work != nil {
		if err := work(ctx, tx); err != nil {
			return err
		}
	}
	if err := q.repo.TransitionDocument(ctx, tx, repo.DocumentTransition{
		ID:         lease.DocumentID,
		To:         domain.DocumentCompleted,
		At:         now,
		ClearError: true,
		Finish:     true,
	}); err != nil {
		return err
	}
	if _, err := q.audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionDocumentCompleted,
		BusinessRuleID: audit.RuleQueue,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      lease.DocumentID,
		Payload:        audit.Payload{"job_id": lease.JobID, "attempt": lease.Attempt},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Release hands a held job back at the same attempt with no backoff. Workers
// use it when they stop mid-attempt; the document stays processing and its
// retry count is untouched.
func (q *Queue) Release(ctx context.Context, lease Lease, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := domain.FormatTime(q.opts.Now())
	if err := q.repo.ReleaseJob(ctx, tx, lease.JobID, lease.Owner, now); err != nil {
		if errors.Is(err, repo.ErrPrecondition) {
			return ErrLeaseLost
		}
		return err
	}
	if _, err := q.audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionJobReleased,
		BusinessRuleID: audit.RuleQueue,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      lease.DocumentID,
		Payload:        audit.Payload{"job_id": lease.JobID, "attempt": lease.Attempt, "owner": lease.Owner, "reason": reason},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	q.Notify()
	return nil
}

// Outcome describes what Fail did with a job.
type Outcome struct {
	Terminal    bool      `json:"terminal"`
	NextAttempt int       `json:"next_attempt,omitempty"`
	AvailableAt time.Time `json:"available_at,omitempty"`
}

// Fail records a failed attempt. Permanent failures and the last allowed
// attempt fail the document; otherwise a new job is scheduled after the
// backoff for this attempt and the document stays processing.
func (q *Queue) Fail(ctx context.Context, lease Lease, permanent bool, cause error) (Outcome, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	now := q.opts.Now()
	job, err := q.repo.GetJob(ctx, tx, lease.JobID)
	if errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, ErrLeaseLost
	}
	if err != nil {
		return Outcome{}, err
	}
	if job.State != domain.JobLeased || job.LeaseOwner != lease.Owner || job.TimeoutAt <= domain.FormatTime(now) {
		return Outcome{}, ErrLeaseLost
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	out, err := q.failTx(ctx, tx, job, failure{cause: msg, permanent: permanent, backoff: true, reason: audit.ActionJobRetried}, now)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

type failure struct {
	cause     string
	permanent bool
	backoff   bool
	// reason is the audit action used when the job is retried
	reason string
}

func (q *Queue) failTx(ctx context.Context, tx *sql.Tx, job domain.ProcessingJob, f failure, now time.Time) (Outcome, error) {
	nowStr := domain.FormatTime(now)
	if err := q.repo.DeleteJob(ctx, tx, job.JobID); err != nil {
		return Outcome{}, err
	}
	if f.permanent || job.Attempt >= q.opts.MaxAttempts {
		cause := f.cause
		if err := q.repo.TransitionDocument(ctx, tx, repo.DocumentTransition{
			ID:     job.DocumentID,
			To:     domain.DocumentFailed,
			At:     nowStr,
			Error:  &cause,
			Finish: true,
		}); err != nil {
			return Outcome{}, err
		}
		if _, err := q.audit.Append(ctx, tx, audit.Entry{
			Action:         audit.ActionJobFailed,
			BusinessRuleID: audit.RuleQueueExhausted,
			SubjectKind:    audit.SubjectDocument,
			SubjectID:      job.DocumentID,
			Payload:        audit.Payload{"job_id": job.JobID, "attempt": job.Attempt, "permanent": f.permanent, "cause": f.cause},
		}); err != nil {
			return Outcome{}, err
		}
		q.opts.Logger.Warn("document failed", "document_id", job.DocumentID, "attempt", job.Attempt, "permanent", f.permanent, "cause", f.cause)
		return Outcome{Terminal: true}, nil
	}

	available := now
	if f.backoff {
		available = now.Add(q.Backoff(job.Attempt))
	}
	next := domain.ProcessingJob{
		JobID:       uuid.NewString(),
		DocumentID:  job.DocumentID,
		Attempt:     job.Attempt + 1,
		State:       domain.JobQueued,
		EnqueuedAt:  nowStr,
		AvailableAt: domain.FormatTime(available),
		LastError:   f.cause,
	}
	if _, err := q.repo.InsertJob(ctx, tx, next); err != nil {
		return Outcome{}, err
	}
	if err := q.repo.RecordDocumentRetry(ctx, tx, job.DocumentID, f.cause, nowStr); err != nil {
		return Outcome{}, err
	}
	if _, err := q.audit.Append(ctx, tx, audit.Entry{
		Action:         f.reason,
		BusinessRuleID: audit.RuleQueueRetry,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      job.DocumentID,
		Payload: audit.Payload{
			"failed_job_id": job.JobID,
			"job_id":        next.JobID,
			"attempt":       next.Attempt,
			"available_at":  next.AvailableAt,
			"cause":         f.cause,
		},
	}); err != nil {
		return Outcome{}, err
	}
	q.opts.Logger.Info("job rescheduled", "document_id", job.DocumentID, "attempt", next.Attempt, "available_at", next.AvailableAt)
	return Outcome{NextAttempt: next.Attempt, AvailableAt: available}, nil
}
