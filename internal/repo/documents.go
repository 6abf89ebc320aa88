package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"propwatch/internal/domain"
)

const documentColumns = `id,property_id,COALESCE(property_hint,''),original_name,storage_ref,declared_type,status,retry_count,COALESCE(error,''),created_at,updated_at,completed_at`

func scanDocument(row interface{ Scan(...any) error }) (domain.Document, error) {
	var d domain.Document
	var propertyID, completedAt sql.NullString
	err := row.Scan(&d.ID, &propertyID, &d.PropertyHint, &d.OriginalName, &d.StorageRef, &d.DeclaredType, &d.Status, &d.RetryCount, &d.Error, &d.CreatedAt, &d.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.PropertyID = stringPtr(propertyID)
	d.CompletedAt = stringPtr(completedAt)
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO documents(id,property_id,property_hint,original_name,storage_ref,declared_type,status,retry_count,error,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, nullableStringPtr(d.PropertyID), nullable(d.PropertyHint), d.OriginalName, d.StorageRef, d.DeclaredType, d.Status, d.RetryCount, nullable(d.Error), d.CreatedAt, d.UpdatedAt, nullableStringPtr(d.CompletedAt))
	return err
}

func (r Repo) GetDocument(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(r.on(tx).QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

// DocumentTransition describes a guarded status move.
type DocumentTransition struct {
	ID    string
	To    string
	At    string
	Error *string
	// ClearError drops any error recorded by earlier attempts.
	ClearError bool
	Finish     bool
}

// TransitionDocument moves a document forward. The update only matches rows
// whose current status is a legal predecessor of t.To, so the status column
// never regresses. ErrNotFound or ErrPrecondition when nothing matched.
func (r Repo) TransitionDocument(ctx context.Context, tx *sql.Tx, t DocumentTransition) error {
	from := domain.DocumentPredecessors(t.To)
	if len(from) == 0 {
		return fmt.Errorf("no transition into %q", t.To)
	}
	args := []any{t.To, t.At}
	query := `UPDATE documents SET status=?, updated_at=?`
	switch {
	case t.ClearError:
		query += `, error=NULL`
	case t.Error != nil:
		query += `, error=?`
		args = append(args, *t.Error)
	}
	if t.Finish {
		query += `, completed_at=?`
		args = append(args, t.At)
	}
	query += ` WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, t.ID)
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.on(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		cur, err := r.GetDocument(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("document %s is %s, cannot become %s: %w", t.ID, cur.Status, t.To, ErrPrecondition)
	}
	return nil
}

func (r Repo) SetDocumentProperty(ctx context.Context, tx *sql.Tx, id, propertyID, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE documents SET property_id=?, updated_at=? WHERE id=?`, propertyID, at, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDocumentRetry bumps retry_count on a processing document and keeps
// the last cause. Status is left untouched.
func (r Repo) RecordDocumentRetry(ctx context.Context, tx *sql.Tx, id, cause, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE documents SET retry_count=retry_count+1, error=?, updated_at=? WHERE id=? AND status=?`,
		nullable(cause), at, id, domain.DocumentProcessing)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return fmt.Errorf("retry document %s: %w", id, ErrPrecondition)
	}
	return nil
}

type DocumentFilters struct {
	Status     string
	PropertyID string
	Limit      int
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	query := `SELECT ` + documentColumns + ` FROM documents` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDocumentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
