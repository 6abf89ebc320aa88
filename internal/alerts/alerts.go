// Package alerts compares extracted metrics with configured thresholds and
// raises one pending alert, with its workflow lock, per breaching metric.
package alerts

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"propwatch/internal/audit"
	"propwatch/internal/config"
	"propwatch/internal/domain"
	"propwatch/internal/repo"
	"propwatch/internal/telemetry"
	"propwatch/internal/workflow"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Workflow   workflow.Manager
	Thresholds []config.Threshold
	Now        func() time.Time
	Logger     *slog.Logger
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Threshold returns the configured threshold for metric.
func (e Engine) Threshold(metric string) (config.Threshold, bool) {
	for _, t := range e.Thresholds {
		if t.Metric == metric {
			return t, true
		}
	}
	return config.Threshold{}, false
}

// Deviation is the distance between value and the threshold in band units.
func Deviation(t config.Threshold, value float64) float64 {
	scale := t.Scale
	if scale <= 0 {
		scale = 1
	}
	d := math.Abs(value-t.Value) * scale
	return math.Round(d*1e6) / 1e6
}

// Breach reports whether value is on the wrong side of t. Any breach has at
// least the severity of the lowest band; higher bands apply once the
// deviation strictly exceeds their bound.
func Breach(t config.Threshold, value float64) (string, bool) {
	switch t.Direction {
	case "below":
		if value >= t.Value {
			return "", false
		}
	case "above":
		if value <= t.Value {
			return "", false
		}
	default:
		return "", false
	}
	if len(t.Bands) == 0 {
		return domain.SeverityWarning, true
	}
	bands := append([]config.Band(nil), t.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Over < bands[j].Over })
	dev := Deviation(t, value)
	severity := bands[0].Severity
	for _, b := range bands[1:] {
		if dev > b.Over {
			severity = b.Severity
		}
	}
	return severity, true
}

// Evaluate runs EvaluateTx in its own transaction.
func (e Engine) Evaluate(ctx context.Context, propertyID, metric string, value float64) (*domain.Alert, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	alert, created, err := e.EvaluateTx(ctx, tx, propertyID, metric, value)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return alert, created, nil
}

// EvaluateTx checks one metric. A breach with no open alert creates the
// alert and its lock; a breach with an open alert returns that alert;
// anything else returns nil. Open alerts are never resolved here.
func (e Engine) EvaluateTx(ctx context.Context, tx *sql.Tx, propertyID, metric string, value float64) (*domain.Alert, bool, error) {
	t, ok := e.Threshold(metric)
	if !ok {
		return nil, false, nil
	}
	severity, breached := Breach(t, value)
	if !breached {
		return nil, false, nil
	}
	open, err := e.Repo.GetOpenAlert(ctx, tx, propertyID, metric)
	if err == nil {
		return &open, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	alert := domain.Alert{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		MetricName: metric,
		Value:      value,
		Threshold:  t.Value,
		Direction:  t.Direction,
		Severity:   severity,
		Committee:  t.Committee,
		Status:     domain.AlertPending,
		CreatedAt:  domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAlert(ctx, tx, alert); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			existing, gerr := e.Repo.GetOpenAlert(ctx, tx, propertyID, metric)
			if gerr != nil {
				return nil, false, gerr
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	if _, err := e.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionAlertCreated,
		BusinessRuleID: audit.RuleAlert,
		SubjectKind:    audit.SubjectAlert,
		SubjectID:      alert.ID,
		Payload: audit.Payload{
			"property_id": propertyID,
			"metric_name": metric,
			"value":       value,
			"threshold":   t.Value,
			"direction":   t.Direction,
			"deviation":   Deviation(t, value),
			"severity":    severity,
			"committee":   t.Committee,
		},
	}); err != nil {
		return nil, false, err
	}
	if _, err := e.Workflow.LockTx(ctx, tx, propertyID, alert.ID); err != nil {
		return nil, false, err
	}
	telemetry.AlertCreated(metric, severity)
	e.logger().Info("alert raised", "alert_id", alert.ID, "property_id", propertyID, "metric", metric, "value", value, "severity", severity)
	return &alert, true, nil
}

// List returns alerts ordered critical first, then oldest first.
func (e Engine) List(ctx context.Context, f repo.AlertFilters) ([]domain.Alert, error) {
	res, err := e.Repo.ListAlerts(ctx, f)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Alert{}
	}
	return res, nil
}
