package domain

import (
	"fmt"
	"time"
)

// TimeLayout is the storage format for every timestamp. Fixed width keeps
// lexicographic order equal to chronological order in SQL comparisons.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

const (
	DocumentUploaded   = "uploaded"
	DocumentQueued     = "queued"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
)

const (
	DocTypeRentRoll           = "rent_roll"
	DocTypeFinancialStatement = "financial_statement"
)

const (
	JobQueued = "queued"
	JobLeased = "leased"
)

const (
	AlertPending  = "pending"
	AlertApproved = "approved"
	AlertRejected = "rejected"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	LockLocked   = "locked"
	LockUnlocked = "unlocked"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type Property struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	Status    string `json:"status"`
	Blocked   bool   `json:"blocked"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Document struct {
	ID           string  `json:"id"`
	PropertyID   *string `json:"property_id,omitempty"`
	PropertyHint string  `json:"property_hint,omitempty"`
	OriginalName string  `json:"original_name"`
	StorageRef   string  `json:"storage_ref"`
	DeclaredType string  `json:"declared_type"`
	Status       string  `json:"status" enum:"uploaded,queued,processing,completed,failed"`
	RetryCount   int     `json:"retry_count"`
	Error        string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type ProcessingJob struct {
	Seq         int64  `json:"seq"`
	JobID       string `json:"job_id"`
	DocumentID  string `json:"document_id"`
	Attempt     int    `json:"attempt"`
	State       string `json:"state" enum:"queued,leased"`
	EnqueuedAt  string `json:"enqueued_at" format:"date-time"`
	AvailableAt string `json:"available_at" format:"date-time"`
	TimeoutAt   string `json:"timeout_at,omitempty" format:"date-time"`
	LeaseOwner  string `json:"lease_owner,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type ExtractedMetric struct {
	ID          int64   `json:"id"`
	DocumentID  string  `json:"document_id"`
	PropertyID  string  `json:"property_id"`
	MetricName  string  `json:"metric_name"`
	MetricValue float64 `json:"metric_value"`
	Unit        string  `json:"unit"`
	Confidence  float64 `json:"confidence"`
	Period      string  `json:"period,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Alert struct {
	ID         string  `json:"id"`
	PropertyID string  `json:"property_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Direction  string  `json:"direction" enum:"below,above"`
	Severity   string  `json:"severity" enum:"warning,critical"`
	Committee  string  `json:"committee"`
	Status     string  `json:"status" enum:"pending,approved,rejected"`
	Notes      string  `json:"notes,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	DecidedAt  *string `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy  *string `json:"decided_by,omitempty"`
}

type WorkflowLock struct {
	ID         string  `json:"id"`
	PropertyID string  `json:"property_id"`
	AlertID    string  `json:"alert_id"`
	Status     string  `json:"status" enum:"locked,unlocked"`
	LockedAt   string  `json:"locked_at" format:"date-time"`
	UnlockedAt *string `json:"unlocked_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Action         string `json:"action"`
	Actor          string `json:"actor"`
	BusinessRuleID string `json:"business_rule_id"`
	SubjectKind    string `json:"subject_kind"`
	SubjectID      string `json:"subject_id"`
	Payload        string `json:"payload_json"`
}

// documentRank orders document statuses; completed and failed are both terminal.
var documentRank = map[string]int{
	DocumentUploaded:   0,
	DocumentQueued:     1,
	DocumentProcessing: 2,
	DocumentCompleted:  3,
	DocumentFailed:     3,
}

// DocumentRank returns the position of status in the lifecycle, -1 if unknown.
func DocumentRank(status string) int {
	r, ok := documentRank[status]
	if !ok {
		return -1
	}
	return r
}

// EnsureDocumentTransition rejects any move that is not strictly forward:
// one step along the lifecycle, or from any open status to failed.
func EnsureDocumentTransition(oldStatus, newStatus string) error {
	from, to := DocumentRank(oldStatus), DocumentRank(newStatus)
	open := from >= 0 && from < documentRank[DocumentCompleted]
	if open && (newStatus == DocumentFailed || to == from+1) {
		return nil
	}
	return fmt.Errorf("invalid document status transition %s -> %s", oldStatus, newStatus)
}

var documentLifecycle = []string{DocumentUploaded, DocumentQueued, DocumentProcessing, DocumentCompleted, DocumentFailed}

// DocumentPredecessors lists the statuses EnsureDocumentTransition allows a
// document to leave for status.
func DocumentPredecessors(status string) []string {
	var res []string
	for _, from := range documentLifecycle {
		if EnsureDocumentTransition(from, status) == nil {
			res = append(res, from)
		}
	}
	return res
}
