// Package engine is the facade external callers use: document submission,
// status polling, alert listing, committee decisions and property state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"propwatch/internal/alerts"
	"propwatch/internal/audit"
	"propwatch/internal/config"
	"propwatch/internal/domain"
	"propwatch/internal/extract"
	"propwatch/internal/queue"
	"propwatch/internal/repo"
	"propwatch/internal/resolver"
	"propwatch/internal/storage"
	"propwatch/internal/telemetry"
	"propwatch/internal/worker"
	"propwatch/internal/workflow"
)

var ErrInvalidInput = errors.New("invalid input")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Config    *config.Config
	Store     storage.Store
	Queue     *queue.Queue
	Resolver  resolver.Resolver
	Extractor extract.Extractor
	Alerts    alerts.Engine
	Workflow  workflow.Manager
	Logger    *slog.Logger
	Now       func() time.Time
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// New wires every component against one database and clock.
func New(db *sql.DB, cfg *config.Config, store storage.Store, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	w := audit.Writer{Now: now}
	wf := workflow.Manager{DB: db, Repo: r, Audit: w, Now: now, Logger: logger.With("component", "workflow")}
	return Engine{
		DB:     db,
		Repo:   r,
		Audit:  w,
		Config: cfg,
		Store:  store,
		Queue: queue.New(db, queue.Options{
			Lease:        cfg.LeaseDuration(),
			MaxAttempts:  cfg.Queue.MaxAttempts,
			Backoff:      cfg.BackoffSchedule(),
			PollInterval: cfg.PollInterval(),
			Now:          now,
			Logger:       logger.With("component", "queue"),
		}),
		Resolver: resolver.Resolver{
			DB:         db,
			Repo:       r,
			Audit:      w,
			CodePrefix: cfg.Resolver.CodePrefix,
			CodeWidth:  cfg.Resolver.CodeWidth,
			Now:        now,
			Logger:     logger.With("component", "resolver"),
		},
		Extractor: extract.Extractor{Store: store},
		Alerts: alerts.Engine{
			DB:         db,
			Repo:       r,
			Audit:      w,
			Workflow:   wf,
			Thresholds: cfg.Thresholds,
			Now:        now,
			Logger:     logger.With("component", "alerts"),
		},
		Workflow: wf,
		Logger:   logger,
		Now:      now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Pool returns a worker pool sharing this engine's queue and components.
func (e Engine) Pool(workers int, id string) *worker.Pool {
	if workers <= 0 {
		workers = e.Config.Workers.Count
	}
	return &worker.Pool{
		Queue:     e.Queue,
		Repo:      e.Repo,
		Audit:     e.Audit,
		Resolver:  e.Resolver,
		Extractor: e.Extractor,
		Alerts:    e.Alerts,
		Workers:   workers,
		ID:        id,
		Now:       e.Now,
		Logger:    e.Logger.With("component", "worker"),
	}
}

type SubmitRequest struct {
	PropertyHint string
	DeclaredType string
	StorageRef   string
	// OriginalName feeds property inference; defaults to the base of StorageRef.
	OriginalName string
	Actor        string
}

// SubmitDocument records a stored document and enqueues its first job in
// one transaction. It is the only way documents enter the pipeline.
func (e Engine) SubmitDocument(ctx context.Context, req SubmitRequest) (domain.Document, error) {
	req.DeclaredType = strings.TrimSpace(req.DeclaredType)
	req.StorageRef = strings.TrimSpace(req.StorageRef)
	if req.DeclaredType == "" {
		return domain.Document{}, fmt.Errorf("%w: declared type is required", ErrInvalidInput)
	}
	if req.StorageRef == "" {
		return domain.Document{}, fmt.Errorf("%w: storage ref is required", ErrInvalidInput)
	}
	if _, err := storage.CleanKey(req.StorageRef); err != nil {
		return domain.Document{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if e.Store != nil {
		ok, err := e.Store.Exists(ctx, req.StorageRef)
		if err != nil {
			return domain.Document{}, fmt.Errorf("check storage ref: %w", err)
		}
		if !ok {
			return domain.Document{}, fmt.Errorf("%w: no object at %q", ErrInvalidInput, req.StorageRef)
		}
	}
	if req.OriginalName == "" {
		req.OriginalName = path.Base(req.StorageRef)
	}
	now := domain.FormatTime(e.now())
	doc := domain.Document{
		ID:           uuid.NewString(),
		PropertyHint: strings.TrimSpace(req.PropertyHint),
		OriginalName: req.OriginalName,
		StorageRef:   req.StorageRef,
		DeclaredType: req.DeclaredType,
		Status:       domain.DocumentUploaded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if _, err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionDocumentSubmitted,
		Actor:          req.Actor,
		BusinessRuleID: audit.RuleIngest,
		SubjectKind:    audit.SubjectDocument,
		SubjectID:      doc.ID,
		Payload: audit.Payload{
			"declared_type": doc.DeclaredType,
			"storage_ref":   doc.StorageRef,
			"property_hint": doc.PropertyHint,
		},
	}); err != nil {
		return domain.Document{}, err
	}
	if _, err := e.Queue.EnqueueTx(ctx, tx, doc.ID, req.Actor); err != nil {
		return domain.Document{}, fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	e.Queue.Notify()
	telemetry.DocumentSubmitted(doc.DeclaredType)
	e.Logger.Info("document submitted", "document_id", doc.ID, "type", doc.DeclaredType, "ref", doc.StorageRef)
	doc.Status = domain.DocumentQueued
	return doc, nil
}

// UploadDocument stores data in the object store and submits it.
func (e Engine) UploadDocument(ctx context.Context, fileName string, data []byte, req SubmitRequest) (domain.Document, error) {
	if e.Store == nil {
		return domain.Document{}, errors.New("no object store configured")
	}
	if len(data) == 0 {
		return domain.Document{}, fmt.Errorf("%w: document is empty", ErrInvalidInput)
	}
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "document.csv"
	}
	key := fmt.Sprintf("documents/%s/%s", domain.FormatTime(e.now())[:10], uuid.NewString()+"-"+base)
	ref, err := e.Store.Put(ctx, key, data)
	if err != nil {
		return domain.Document{}, fmt.Errorf("store document: %w", err)
	}
	req.StorageRef = ref
	if req.OriginalName == "" {
		req.OriginalName = base
	}
	return e.SubmitDocument(ctx, req)
}

type MetricSummary struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Confidence float64 `json:"confidence"`
}

type StatusView struct {
	DocumentID  string          `json:"document_id"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	PropertyID  *string         `json:"property_id,omitempty"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
	CompletedAt *string         `json:"completed_at,omitempty" format:"date-time"`
	Metrics     []MetricSummary `json:"metrics_summary,omitempty"`
}

// PollStatus is a read-only view of a document's progress.
func (e Engine) PollStatus(ctx context.Context, documentID string) (StatusView, error) {
	doc, err := e.Repo.GetDocument(ctx, nil, documentID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		DocumentID:  doc.ID,
		Status:      doc.Status,
		Error:       doc.Error,
		RetryCount:  doc.RetryCount,
		PropertyID:  doc.PropertyID,
		UpdatedAt:   doc.UpdatedAt,
		CompletedAt: doc.CompletedAt,
	}
	if doc.Status != domain.DocumentCompleted {
		return view, nil
	}
	metrics, err := e.Repo.ListMetrics(ctx, repo.MetricFilters{DocumentID: doc.ID})
	if err != nil {
		return view, err
	}
	for _, m := range metrics {
		view.Metrics = append(view.Metrics, MetricSummary{Name: m.MetricName, Value: m.MetricValue, Unit: m.Unit, Confidence: m.Confidence})
	}
	return view, nil
}

func (e Engine) ListAlerts(ctx context.Context, f repo.AlertFilters) ([]domain.Alert, error) {
	return e.Alerts.List(ctx, f)
}

func (e Engine) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	return e.Repo.GetAlert(ctx, nil, id)
}

func (e Engine) Decide(ctx context.Context, alertID, decision, actor, notes string) (workflow.DecisionResult, error) {
	return e.Workflow.Decide(ctx, alertID, decision, actor, notes)
}

func (e Engine) GetPropertyBlockedState(ctx context.Context, propertyID string) (bool, error) {
	return e.Workflow.Blocked(ctx, propertyID)
}

func (e Engine) PropertyState(ctx context.Context, propertyID string) (workflow.BlockedState, error) {
	return e.Workflow.State(ctx, propertyID)
}

func (e Engine) SetPropertyStatus(ctx context.Context, propertyID, status, actor string) (domain.Property, error) {
	return e.Workflow.SetPropertyStatus(ctx, propertyID, status, actor)
}

func (e Engine) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	return e.Repo.GetProperty(ctx, nil, id)
}

func (e Engine) ListProperties(ctx context.Context, f repo.PropertyFilters) ([]domain.Property, error) {
	res, err := e.Repo.ListProperties(ctx, f)
	if res == nil && err == nil {
		res = []domain.Property{}
	}
	return res, err
}

func (e Engine) ListDocuments(ctx context.Context, f repo.DocumentFilters) ([]domain.Document, error) {
	return e.Repo.ListDocuments(ctx, f)
}

func (e Engine) ListMetrics(ctx context.Context, f repo.MetricFilters) ([]domain.ExtractedMetric, error) {
	return e.Repo.ListMetrics(ctx, f)
}

func (e Engine) ListAudit(ctx context.Context, f repo.AuditFilters) ([]domain.AuditEntry, error) {
	res, err := e.Repo.ListAudit(ctx, f)
	if res == nil && err == nil {
		res = []domain.AuditEntry{}
	}
	return res, err
}

type PreviewRequest struct {
	DeclaredType string
	StorageRef   string
	// Content is parsed as is when set; StorageRef is then ignored.
	Content []byte
}

// Preview parses a document without persisting anything.
func (e Engine) Preview(ctx context.Context, req PreviewRequest) (extract.Result, error) {
	req.DeclaredType = strings.TrimSpace(req.DeclaredType)
	if req.DeclaredType == "" {
		return extract.Result{}, fmt.Errorf("%w: declared type is required", ErrInvalidInput)
	}
	if req.Content != nil {
		return extract.Parse(req.Content, req.DeclaredType)
	}
	if strings.TrimSpace(req.StorageRef) == "" {
		return extract.Result{}, fmt.Errorf("%w: storage ref or content is required", ErrInvalidInput)
	}
	return e.Extractor.Extract(ctx, req.StorageRef, req.DeclaredType)
}

// ListJobs returns queued and leased jobs in queue order.
func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.ProcessingJob, error) {
	res, err := e.Repo.ListJobs(ctx, f)
	if res == nil && err == nil {
		res = []domain.ProcessingJob{}
	}
	return res, err
}

type Stats struct {
	Documents map[string]int `json:"documents"`
	Jobs      map[string]int `json:"jobs"`
	Alerts    map[string]int `json:"alerts"`
}

func (e Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Documents, err = e.Repo.CountDocumentsByStatus(ctx); err != nil {
		return s, err
	}
	if s.Jobs, err = e.Repo.CountJobsByState(ctx); err != nil {
		return s, err
	}
	if s.Alerts, err = e.Repo.CountAlertsByStatus(ctx); err != nil {
		return s, err
	}
	return s, nil
}
