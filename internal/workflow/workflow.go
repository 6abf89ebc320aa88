// Package workflow owns workflow locks: the blocking half of an alert. A
// property is blocked while any of its locks is held, and only a committee
// decision on the matching alert releases a lock.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"propwatch/internal/audit"
	"propwatch/internal/domain"
	"propwatch/internal/repo"
	"propwatch/internal/telemetry"
)

var (
	ErrInvalidDecision = errors.New("decision must be approve or reject")
	ErrActorRequired   = errors.New("actor is required")
	ErrInvalidStatus   = errors.New("invalid property status")
)

// StaleDecisionError reports a decision on an alert that is no longer pending.
type StaleDecisionError struct {
	AlertID string
	Status  string
}

func (e *StaleDecisionError) Error() string {
	return fmt.Sprintf("alert %s already %s", e.AlertID, e.Status)
}

// PropertyBlockedError reports a gated operation refused by held locks.
type PropertyBlockedError struct {
	PropertyID string
	Locks      int
}

func (e *PropertyBlockedError) Error() string {
	return fmt.Sprintf("property %s is blocked by %d pending alert(s)", e.PropertyID, e.Locks)
}

// Property statuses accepted by SetPropertyStatus.
var propertyStatuses = map[string]bool{
	"active":   true,
	"on_hold":  true,
	"archived": true,
}

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Now    func() time.Time
	Logger *slog.Logger
}

func (m Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// LockTx creates a held lock for alertID inside the transaction that
// created the alert.
func (m Manager) LockTx(ctx context.Context, tx *sql.Tx, propertyID, alertID string) (domain.WorkflowLock, error) {
	lock := domain.WorkflowLock{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		AlertID:    alertID,
		Status:     domain.LockLocked,
		LockedAt:   domain.FormatTime(m.now()),
	}
	if err := m.Repo.InsertLock(ctx, tx, lock); err != nil {
		return lock, fmt.Errorf("insert lock: %w", err)
	}
	if _, err := m.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionWorkflowLocked,
		BusinessRuleID: audit.RuleLock,
		SubjectKind:    audit.SubjectLock,
		SubjectID:      lock.ID,
		Payload:        audit.Payload{"property_id": propertyID, "alert_id": alertID},
	}); err != nil {
		return lock, err
	}
	return lock, nil
}

type DecisionResult struct {
	AlertID      string `json:"alert_id"`
	PropertyID   string `json:"property_id"`
	Status       string `json:"status"`
	DecidedBy    string `json:"decided_by"`
	DecidedAt    string `json:"decided_at" format:"date-time"`
	LockReleased bool   `json:"lock_released"`
	// Unlocked is true when the property holds no other lock after this decision.
	Unlocked bool `json:"unlocked"`
}

func decisionStatus(decision string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case domain.DecisionApprove, domain.AlertApproved:
		return domain.AlertApproved, nil
	case domain.DecisionReject, domain.AlertRejected:
		return domain.AlertRejected, nil
	}
	return "", ErrInvalidDecision
}

// Decide applies a committee decision to a pending alert, releases its lock
// and records one audit entry, all in one transaction. Only the first
// decision on an alert succeeds; later ones get *StaleDecisionError.
func (m Manager) Decide(ctx context.Context, alertID, decision, actor, notes string) (DecisionResult, error) {
	var res DecisionResult
	status, err := decisionStatus(decision)
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(actor) == "" {
		return res, ErrActorRequired
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	at := domain.FormatTime(m.now())
	ok, err := m.Repo.DecideAlert(ctx, tx, alertID, status, actor, notes, at)
	if err != nil {
		return res, err
	}
	if !ok {
		current, err := m.Repo.GetAlert(ctx, tx, alertID)
		if err != nil {
			return res, err
		}
		telemetry.Decision("stale")
		return res, &StaleDecisionError{AlertID: alertID, Status: current.Status}
	}
	alert, err := m.Repo.GetAlert(ctx, tx, alertID)
	if err != nil {
		return res, err
	}
	released, err := m.Repo.UnlockByAlert(ctx, tx, alertID, at)
	if err != nil {
		return res, err
	}
	blocked, err := m.Repo.PropertyBlocked(ctx, tx, alert.PropertyID)
	if err != nil {
		return res, err
	}
	if _, err := m.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionAlertDecided,
		Actor:          actor,
		BusinessRuleID: audit.RuleDecision,
		SubjectKind:    audit.SubjectAlert,
		SubjectID:      alertID,
		Payload: audit.Payload{
			"decision":         status,
			"notes":            notes,
			"property_id":      alert.PropertyID,
			"metric_name":      alert.MetricName,
			"lock_released":    released,
			"property_blocked": blocked,
		},
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	telemetry.Decision(status)
	m.logger().Info("alert decided", "alert_id", alertID, "decision", status, "actor", actor, "property_blocked", blocked)
	return DecisionResult{
		AlertID:      alertID,
		PropertyID:   alert.PropertyID,
		Status:       status,
		DecidedBy:    actor,
		DecidedAt:    at,
		LockReleased: released,
		Unlocked:     !blocked,
	}, nil
}

// Blocked reports whether the property holds any lock.
func (m Manager) Blocked(ctx context.Context, propertyID string) (bool, error) {
	if _, err := m.Repo.GetProperty(ctx, nil, propertyID); err != nil {
		return false, err
	}
	return m.Repo.PropertyBlocked(ctx, nil, propertyID)
}

type BlockedState struct {
	PropertyID string                `json:"property_id"`
	Blocked    bool                  `json:"blocked"`
	Locks      []domain.WorkflowLock `json:"locks"`
}

// State returns the blocked flag together with the locks causing it.
func (m Manager) State(ctx context.Context, propertyID string) (BlockedState, error) {
	if _, err := m.Repo.GetProperty(ctx, nil, propertyID); err != nil {
		return BlockedState{}, err
	}
	locks, err := m.Repo.ListLocks(ctx, nil, propertyID, domain.LockLocked)
	if err != nil {
		return BlockedState{}, err
	}
	if locks == nil {
		locks = []domain.WorkflowLock{}
	}
	return BlockedState{PropertyID: propertyID, Blocked: len(locks) > 0, Locks: locks}, nil
}

// SetPropertyStatus is the gated property operation: it is refused while
// the property is blocked.
func (m Manager) SetPropertyStatus(ctx context.Context, propertyID, status, actor string) (domain.Property, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !propertyStatuses[status] {
		return domain.Property{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()

	prop, err := m.Repo.GetProperty(ctx, tx, propertyID)
	if err != nil {
		return prop, err
	}
	locks, err := m.Repo.ListLocks(ctx, tx, propertyID, domain.LockLocked)
	if err != nil {
		return prop, err
	}
	if len(locks) > 0 {
		return prop, &PropertyBlockedError{PropertyID: propertyID, Locks: len(locks)}
	}
	if prop.Status == status {
		return prop, nil
	}
	if err := m.Repo.UpdatePropertyStatus(ctx, tx, propertyID, status); err != nil {
		return prop, err
	}
	if _, err := m.Audit.Append(ctx, tx, audit.Entry{
		Action:         audit.ActionPropertyStatus,
		Actor:          actor,
		BusinessRuleID: audit.RulePropertyStatus,
		SubjectKind:    audit.SubjectProperty,
		SubjectID:      propertyID,
		Payload:        audit.Payload{"from": prop.Status, "to": status},
	}); err != nil {
		return prop, err
	}
	if err := tx.Commit(); err != nil {
		return prop, err
	}
	prop.Status = status
	return prop, nil
}
