package repo

import (
	"context"
	"database/sql"

	"propwatch/internal/domain"
)

// InsertMetric appends one extracted metric. Rows are never updated.
func (r Repo) InsertMetric(ctx context.Context, tx *sql.Tx, m domain.ExtractedMetric) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO extracted_metrics(document_id,property_id,metric_name,metric_value,unit,confidence,period,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.DocumentID, m.PropertyID, m.MetricName, m.MetricValue, m.Unit, m.Confidence, nullable(m.Period), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type MetricFilters struct {
	DocumentID string
	PropertyID string
	MetricName string
	Limit      int
}

func (r Repo) ListMetrics(ctx context.Context, f MetricFilters) ([]domain.ExtractedMetric, error) {
	var clauses []string
	var args []any
	if f.DocumentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, f.DocumentID)
	}
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	if f.MetricName != "" {
		clauses = append(clauses, "metric_name=?")
		args = append(args, f.MetricName)
	}
	query := `SELECT id,document_id,property_id,metric_name,metric_value,unit,confidence,COALESCE(period,''),created_at FROM extracted_metrics` + where(clauses) + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExtractedMetric
	for rows.Next() {
		var m domain.ExtractedMetric
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.PropertyID, &m.MetricName, &m.MetricValue, &m.Unit, &m.Confidence, &m.Period, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
