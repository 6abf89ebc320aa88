package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"propwatch/internal/domain"
)

const propertyColumns = `p.id,p.name,p.code,p.status,p.created_at,
EXISTS(SELECT 1 FROM workflow_locks l WHERE l.property_id=p.id AND l.status='locked') AS blocked`

func scanProperty(row interface{ Scan(...any) error }) (domain.Property, error) {
	var p domain.Property
	err := row.Scan(&p.ID, &p.Name, &p.Code, &p.Status, &p.CreatedAt, &p.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// NewProperty is the insert form of a property row.
type NewProperty struct {
	ID        string
	Name      string
	NameKey   string
	Code      string
	Seq       int64
	Status    string
	CreatedAt string
}

// InsertPropertyIfAbsent inserts p unless a property with the same name key
// exists. It reports whether this call created the row. A clash on code or
// seq surfaces as ErrConflict.
func (r Repo) InsertPropertyIfAbsent(ctx context.Context, tx *sql.Tx, p NewProperty) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO properties(id,name,name_key,code,seq,status,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(name_key) DO NOTHING`, p.ID, p.Name, p.NameKey, p.Code, p.Seq, p.Status, p.CreatedAt)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("insert property %s: %w", p.Code, ErrConflict)
	}
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

func (r Repo) NextPropertySeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM properties`).Scan(&seq)
	return seq, err
}

func (r Repo) GetPropertyByKey(ctx context.Context, tx *sql.Tx, nameKey string) (domain.Property, error) {
	return scanProperty(r.on(tx).QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties p WHERE p.name_key=?`, nameKey))
}

func (r Repo) GetProperty(ctx context.Context, tx *sql.Tx, id string) (domain.Property, error) {
	return scanProperty(r.on(tx).QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties p WHERE p.id=?`, id))
}

type PropertyFilters struct {
	Status  string
	Blocked *bool
	Limit   int
}

func (r Repo) ListProperties(ctx context.Context, f PropertyFilters) ([]domain.Property, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "p.status=?")
		args = append(args, f.Status)
	}
	if f.Blocked != nil {
		op := "NOT EXISTS"
		if *f.Blocked {
			op = "EXISTS"
		}
		clauses = append(clauses, op+"(SELECT 1 FROM workflow_locks l WHERE l.property_id=p.id AND l.status='locked')")
	}
	query := `SELECT ` + propertyColumns + ` FROM properties p` + where(clauses) + ` ORDER BY p.seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePropertyStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE properties SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// PropertyBlocked reports whether any workflow lock on the property is held.
func (r Repo) PropertyBlocked(ctx context.Context, tx *sql.Tx, propertyID string) (bool, error) {
	var blocked bool
	err := r.on(tx).QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workflow_locks WHERE property_id=? AND status='locked')`, propertyID).Scan(&blocked)
	return blocked, err
}
