package repo

import (
	"context"
	"database/sql"
	"errors"

	"propwatch/internal/domain"
)

const lockColumns = `id,property_id,alert_id,status,locked_at,unlocked_at`

func scanLock(row interface{ Scan(...any) error }) (domain.WorkflowLock, error) {
	var l domain.WorkflowLock
	var unlockedAt sql.NullString
	err := row.Scan(&l.ID, &l.PropertyID, &l.AlertID, &l.Status, &l.LockedAt, &unlockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	l.UnlockedAt = stringPtr(unlockedAt)
	return l, err
}

func (r Repo) InsertLock(ctx context.Context, tx *sql.Tx, l domain.WorkflowLock) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO workflow_locks(id,property_id,alert_id,status,locked_at,unlocked_at) VALUES (?,?,?,?,?,?)`,
		l.ID, l.PropertyID, l.AlertID, l.Status, l.LockedAt, nullableStringPtr(l.UnlockedAt))
	return err
}

func (r Repo) GetLockByAlert(ctx context.Context, tx *sql.Tx, alertID string) (domain.WorkflowLock, error) {
	return scanLock(r.on(tx).QueryRowContext(ctx, `SELECT `+lockColumns+` FROM workflow_locks WHERE alert_id=?`, alertID))
}

// UnlockByAlert releases the lock tied to alertID. It reports false when the
// lock was already released.
func (r Repo) UnlockByAlert(ctx context.Context, tx *sql.Tx, alertID, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE workflow_locks SET status=?, unlocked_at=? WHERE alert_id=? AND status=?`,
		domain.LockUnlocked, at, alertID, domain.LockLocked)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

func (r Repo) ListLocks(ctx context.Context, tx *sql.Tx, propertyID, status string) ([]domain.WorkflowLock, error) {
	var clauses []string
	var args []any
	if propertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, propertyID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+lockColumns+` FROM workflow_locks`+where(clauses)+` ORDER BY locked_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
