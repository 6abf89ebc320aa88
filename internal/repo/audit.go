package repo

import (
	"context"
	"fmt"
	"strings"

	"propwatch/internal/domain"
)

type AuditFilters struct {
	Action      string
	SubjectKind string
	SubjectID   string
	// Cursor pages backwards: only entries with id < Cursor are returned.
	Cursor int64
	Limit  int
}

const auditColumns = `id,ts,action,actor,business_rule_id,subject_kind,subject_id,payload_json`

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.Actor, &e.BusinessRuleID, &e.SubjectKind, &e.SubjectID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListAudit returns the newest entries first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var clauses []string
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.SubjectKind != "" {
		clauses = append(clauses, "subject_kind=?")
		args = append(args, f.SubjectKind)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	args = append(args, limit)
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log`+where(clauses)+` ORDER BY id DESC LIMIT ?`, args...)
}

// AuditAfter returns entries with id greater than cursor in ascending order,
// optionally restricted to actions.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64, actions []string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if len(actions) > 0 {
		clauses = append(clauses, fmt.Sprintf("action IN (%s)", placeholders(len(actions))))
		for _, a := range actions {
			args = append(args, strings.TrimSpace(a))
		}
	}
	args = append(args, limit)
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log`+where(clauses)+` ORDER BY id ASC LIMIT ?`, args...)
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id)
	return id, err
}

func (r Repo) CountAudit(ctx context.Context, action, subjectID string) (int, error) {
	var clauses []string
	var args []any
	if action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, action)
	}
	if subjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, subjectID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where(clauses), args...).Scan(&n)
	return n, err
}
