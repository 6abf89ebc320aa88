// Package worker runs the processing pool: each worker leases a job,
// resolves the property, extracts metrics and commits the results together
// with any alerts they raise.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"propwatch/internal/alerts"
	"propwatch/internal/audit"
	"propwatch/internal/domain"
	"propwatch/internal/extract"
	"propwatch/internal/queue"
	"propwatch/internal/repo"
	"propwatch/internal/resolver"
	"propwatch/internal/storage"
	"propwatch/internal/telemetry"
)

// Outcomes reported by ProcessNext.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeLeaseLost = "lease_lost"
	// OutcomeReleased means the pool stopped mid-attempt and handed the job back.
	OutcomeReleased = "released"
)

type Pool struct {
	Queue     *queue.Queue
	Repo      repo.Repo
	Audit     audit.Writer
	Resolver  resolver.Resolver
	Extractor extract.Extractor
	Alerts    alerts.Engine
	Workers   int
	// ID prefixes lease owner names; defaults to host-pid.
	ID     string
	Now    func() time.Time
	Logger *slog.Logger
}

type Result struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	Alerts     int    `json:"alerts_created"`
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Pool) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Pool) owner(i int) string {
	id := p.ID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return fmt.Sprintf("%s/w%d", id, i)
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	var resErr *resolver.ResolutionError
	var parseErr *extract.ParseError
	var typeErr *extract.UnsupportedTypeError
	return errors.As(err, &resErr) ||
		errors.As(err, &parseErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrInvalidRef) ||
		errors.Is(err, repo.ErrNotFound)
}

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Workers
	if n <= 0 {
		n = 1
	}
	p.logger().Info("worker pool started", "workers", n, "lease", p.Queue.LeaseDuration())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		owner := p.owner(i)
		g.Go(func() error {
			return p.loop(gctx, owner)
		})
	}
	err := g.Wait()
	p.logger().Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, owner string) error {
	for {
		lease, err := p.Queue.Dequeue(ctx, owner)
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.logger().Error("dequeue failed", "owner", owner, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		res, err := p.handle(ctx, lease)
		if err != nil {
			p.logger().Error("recording job outcome failed", "document_id", lease.DocumentID, "error", err)
			continue
		}
		p.logger().Debug("job finished", "document_id", res.DocumentID, "outcome", res.Outcome, "attempt", res.Attempt)
	}
}

// ProcessNext leases and processes a single eligible job synchronously.
// ok is false when the queue had nothing eligible.
func (p *Pool) ProcessNext(ctx context.Context) (Result, bool, error) {
	lease, ok, err := p.Queue.TryDequeue(ctx, p.owner(0))
	if err != nil || !ok {
		return Result{}, ok, err
	}
	res, err := p.handle(ctx, lease)
	return res, true, err
}

// Drain processes eligible jobs until none are left and returns what ran.
func (p *Pool) Drain(ctx context.Context) ([]Result, error) {
	var out []Result
	for {
		res, ok, err := p.ProcessNext(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, res)
	}
}

func (p *Pool) handle(ctx context.Context, lease queue.Lease) (Result, error) {
	res := Result{DocumentID: lease.DocumentID, JobID: lease.JobID, Attempt: lease.Attempt}
	telemetry.WorkerBusy(1)
	defer telemetry.WorkerBusy(-1)
	start := time.Now()

	pctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(pctx, cancel, lease)
	}()
	created, docType, err := p.process(pctx, lease)
	cancel()
	wg.Wait()
	telemetry.ObserveJob(docType, time.Since(start))

	// record the outcome even if the pool is shutting down
	rctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		res.Alerts = created
		telemetry.JobOutcome(OutcomeCompleted)
		p.logger().Info("document completed", "document_id", lease.DocumentID, "attempt", lease.Attempt, "alerts_created", created)
		return res, nil
	case errors.Is(err, queue.ErrLeaseLost):
		res.Outcome = OutcomeLeaseLost
		res.Error = err.Error()
		telemetry.JobOutcome(OutcomeLeaseLost)
		p.logger().Warn("lease lost before completion", "document_id", lease.DocumentID, "job_id", lease.JobID)
		return res, nil
	}
	res.Error = err.Error()
	if ctx.Err() != nil {
		rerr := p.Queue.Release(rctx, lease, err.Error())
		if errors.Is(rerr, queue.ErrLeaseLost) {
			res.Outcome = OutcomeLeaseLost
			telemetry.JobOutcome(OutcomeLeaseLost)
			return res, nil
		}
		if rerr != nil {
			return res, rerr
		}
		res.Outcome = OutcomeReleased
		telemetry.JobOutcome(OutcomeReleased)
		p.logger().Info("job released on shutdown", "document_id", lease.DocumentID, "attempt", lease.Attempt)
		return res, nil
	}
	permanent := IsPermanent(err)
	out, ferr := p.Queue.Fail(rctx, lease, permanent, err)
	if errors.Is(ferr, queue.ErrLeaseLost) {
		res.Outcome = OutcomeLeaseLost
		telemetry.JobOutcome(OutcomeLeaseLost)
		return res, nil
	}
	if ferr != nil {
		return res, ferr
	}
	if out.Terminal {
		res.Outcome = OutcomeFailed
	} else {
		res.Outcome = OutcomeRetry
	}
	telemetry.JobOutcome(res.Outcome)
	p.logger().Warn("document attempt failed", "document_id", lease.DocumentID, "attempt", lease.Attempt, "permanent", permanent, "outcome", res.Outcome, "error", err)
	return res, nil
}

func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, lease queue.Lease) {
	every := p.Queue.LeaseDuration() / 3
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			next, err := p.Queue.Extend(ctx, lease)
			if errors.Is(err, queue.ErrLeaseLost) {
				p.logger().Warn("lease lost during processing", "document_id", lease.DocumentID)
				cancel()
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger().Error("lease extend failed", "document_id", lease.DocumentID, "error", err)
				continue
			}
			lease = next
		}
	}
}

// process runs one attempt. A panic becomes an ordinary transient error.
func (p *Pool) process(ctx context.Context, lease queue.Lease) (created int, docType string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger().Error("panic while processing", "document_id", lease.DocumentID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic while processing: %v", r)
		}
	}()
	doc, err := p.Repo.GetDocument(ctx, nil, lease.DocumentID)
	if err != nil {
		return 0, "", fmt.Errorf("load document: %w", err)
	}
	docType = doc.DeclaredType
	propertyID, _, err := p.Resolver.Resolve(ctx, doc.PropertyHint, resolver.Hint{FileName: doc.OriginalName})
	if err != nil {
		return 0, docType, err
	}
	result, err := p.Extractor.Extract(ctx, doc.StorageRef, doc.DeclaredType)
	if err != nil {
		return 0, docType, err
	}
	if err := ctx.Err(); err != nil {
		return 0, docType, fmt.Errorf("attempt interrupted: %w", err)
	}
	err = p.Queue.Complete(ctx, lease, func(ctx context.Context, tx *sql.Tx) error {
		n, err := p.store(ctx, tx, doc, propertyID, result)
		created = n
		return err
	})
	return created, docType, err
}

// store writes the metrics, the validation report and any alerts inside the
// completion transaction.
func (p *Pool) store(ctx context.Context, tx *sql.Tx, doc domain.Document, propertyID string, result extract.Result) (int, error) {
	at := domain.FormatTime(p.now())
	if err := p.Repo.SetDocumentProperty(ctx, tx, doc.ID, propertyID, at); err != nil {
		return 0, err
	}
	for _, m := range result.Metrics {
		if _, err := p.Repo.InsertMetric(ctx, tx, domain.ExtractedMetric{
			DocumentID:  doc.ID,
			PropertyID:  propertyID,
			MetricName:  m.Name,
			MetricValue: m.Value,
			Unit:        m.Unit,
			Confidence:  m.Confidence,
			Period:      result.Period,
			CreatedAt:   at,
		}); err != nil {
			return 0, fmt.Errorf("store metric %s: %w", m.Name, err)
		}
	}
	if _, err := p.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionValidation,
		BusinessRuleID: audit.RuleValidation,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      doc.ID,
		Payload: audit.Payload{
			"property_id": propertyID,
			"passed":      result.Report.Passed,
			"issues":      result.Report.Issues,
			"confidence":  extract.Confidence(result.Report),
			"rows":        result.Rows,
			"period":      result.Period,
		},
	}); err != nil {
		return 0, err
	}
	created := 0
	for _, m := range result.Metrics {
		_, isNew, err := p.Alerts.EvaluateTx(ctx, tx, propertyID, m.Name, m.Value)
		if err != nil {
			return 0, fmt.Errorf("evaluate %s: %w", m.Name, err)
		}
		if isNew {
			created++
		}
	}
	return created, nil
}
