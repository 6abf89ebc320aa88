package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"propwatch/internal/domain"
)

const alertColumns = `id,property_id,metric_name,value,threshold,direction,severity,committee,status,COALESCE(notes,''),created_at,decided_at,decided_by`

func scanAlert(row interface{ Scan(...any) error }) (domain.Alert, error) {
	var a domain.Alert
	var decidedAt, decidedBy sql.NullString
	err := row.Scan(&a.ID, &a.PropertyID, &a.MetricName, &a.Value, &a.Threshold, &a.Direction, &a.Severity, &a.Committee, &a.Status, &a.Notes, &a.CreatedAt, &decidedAt, &decidedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DecidedAt = stringPtr(decidedAt)
	a.DecidedBy = stringPtr(decidedBy)
	return a, nil
}

// InsertAlert adds a pending alert. A second open alert for the same
// property and metric is rejected by a partial unique index (ErrConflict).
func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO alerts(id,property_id,metric_name,value,threshold,direction,severity,committee,status,notes,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.PropertyID, a.MetricName, a.Value, a.Threshold, a.Direction, a.Severity, a.Committee, a.Status, nullable(a.Notes), a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("open alert for %s/%s: %w", a.PropertyID, a.MetricName, ErrConflict)
	}
	return err
}

func (r Repo) GetAlert(ctx context.Context, tx *sql.Tx, id string) (domain.Alert, error) {
	return scanAlert(r.on(tx).QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=?`, id))
}

// GetOpenAlert returns the pending alert for a property and metric.
func (r Repo) GetOpenAlert(ctx context.Context, tx *sql.Tx, propertyID, metricName string) (domain.Alert, error) {
	return scanAlert(r.on(tx).QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE property_id=? AND metric_name=? AND status=?`,
		propertyID, metricName, domain.AlertPending))
}

// DecideAlert moves a pending alert to status. Zero rows means the alert was
// already decided or does not exist; the caller tells the two apart.
func (r Repo) DecideAlert(ctx context.Context, tx *sql.Tx, id, status, actor, notes, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE alerts SET status=?, decided_by=?, decided_at=?, notes=? WHERE id=? AND status=?`,
		status, actor, at, nullable(notes), id, domain.AlertPending)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

type AlertFilters struct {
	Status     string
	Severity   string
	Committee  string
	PropertyID string
	Limit      int
}

// ListAlerts orders by severity (critical first), then age, then id.
func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Committee != "" {
		clauses = append(clauses, "committee=?")
		args = append(args, f.Committee)
	}
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts` + where(clauses) +
		` ORDER BY CASE severity WHEN 'critical' THEN 2 WHEN 'warning' THEN 1 ELSE 0 END DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAlertsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM alerts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
