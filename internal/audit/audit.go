// Package audit appends entries to the append-only audit_log table.
// Every write happens inside the caller's transaction so an audited
// state change and its entry commit or roll back together.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"propwatch/internal/domain"
)

// Actions recorded in the audit log.
const (
	ActionDocumentSubmitted = "document.submitted"
	ActionJobEnqueued       = "job.enqueued"
	ActionJobLeased         = "job.leased"
	ActionJobRetried        = "job.retried"
	ActionJobReleased       = "job.released"
	ActionJobFailed         = "job.failed"
	ActionLeaseExpired      = "job.lease_expired"
	ActionDocumentCompleted = "document.completed"
	ActionValidation        = "document.validation"
	ActionPropertyCreated   = "property.created"
	ActionPropertyStatus    = "property.status_changed"
	ActionAlertCreated      = "alert.created"
	ActionWorkflowLocked    = "workflow.locked"
	ActionAlertDecided      = "alert.decided"
)

// Business rule identifiers attached to entries.
const (
	RuleIngest         = "BR-INGEST-001"
	RuleQueue          = "BR-QUEUE-001"
	RuleQueueRetry     = "BR-QUEUE-002"
	RuleQueueExhausted = "BR-QUEUE-003"
	RulePropertyCreate = "BR-PROP-001"
	RulePropertyStatus = "BR-PROP-002"
	RuleValidation     = "BR-VAL-001"
	RuleAlert          = "BR-ALERT-001"
	RuleLock           = "BR-LOCK-001"
	RuleDecision       = "BR-DECIDE-001"
)

// Subject kinds.
const (
	SubjectDocument = "document"
	SubjectJob      = "job"
	SubjectProperty = "property"
	SubjectAlert    = "alert"
	SubjectLock     = "lock"
)

// SystemActor is recorded for entries produced by workers rather than callers.
const SystemActor = "system"

type Payload map[string]any

type Entry struct {
	Action         string
	Actor          string
	BusinessRuleID string
	SubjectKind    string
	SubjectID      string
	Payload        Payload
}

type Writer struct {
	Now func() time.Time
}

// Append inserts e using tx and returns the new entry id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if tx == nil {
		return 0, errors.New("audit append requires a transaction")
	}
	if e.Action == "" || e.BusinessRuleID == "" {
		return 0, fmt.Errorf("audit entry needs action and business rule id")
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	actor := e.Actor
	if actor == "" {
		actor = SystemActor
	}
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal audit payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(ts,action,actor,business_rule_id,subject_kind,subject_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), e.Action, actor, e.BusinessRuleID, e.SubjectKind, e.SubjectID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return res.LastInsertId()
}

// Decode unmarshals the stored payload of an entry.
func Decode(entry domain.AuditEntry) (Payload, error) {
	var p Payload
	if entry.Payload == "" {
		return Payload{}, nil
	}
	if err := json.Unmarshal([]byte(entry.Payload), &p); err != nil {
		return nil, err
	}
	return p, nil
}
