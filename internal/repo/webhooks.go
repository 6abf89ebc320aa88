package repo

import (
	"context"
	"database/sql"
	"errors"
)

// WebhookCursor returns the last audit id delivered to hookID. ok is false
// when the hook has never been seen.
func (r Repo) WebhookCursor(ctx context.Context, hookID string) (id int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT last_id FROM webhook_cursors WHERE hook_id=?`, hookID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// SetWebhookCursor records lastID as delivered to hookID. The cursor never moves backwards.
func (r Repo) SetWebhookCursor(ctx context.Context, hookID string, lastID int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_id,last_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET last_id=MAX(last_id,excluded.last_id), updated_at=excluded.updated_at`, hookID, lastID, now)
	return err
}
