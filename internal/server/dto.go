package server

import (
	"propwatch/internal/domain"
	"propwatch/internal/engine"
	"propwatch/internal/workflow"
)

// Request payloads

type SubmitDocumentRequest struct {
	PropertyHint string `json:"property_hint,omitempty" doc:"Declared property name; inferred from the file name when empty"`
	DeclaredType string `json:"declared_type" enum:"rent_roll,financial_statement"`
	StorageRef   string `json:"storage_ref,omitempty" doc:"Object key of an already stored document"`
	OriginalName string `json:"original_name,omitempty"`
	// Content uploads the document inline instead of referencing a stored object.
	Content *string `json:"content,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Notes    string `json:"notes,omitempty"`
}

type UpdatePropertyRequest struct {
	Status string `json:"status" enum:"active,on_hold,archived"`
}

// Response payloads

type SubmitDocumentResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	StorageRef string `json:"storage_ref"`
}

type AlertListResponse struct {
	Items []domain.Alert `json:"items"`
}

type PreviewRequest struct {
	DeclaredType string  `json:"declared_type" enum:"rent_roll,financial_statement"`
	StorageRef   string  `json:"storage_ref,omitempty"`
	Content      *string `json:"content,omitempty"`
}

type JobListResponse struct {
	Items []domain.ProcessingJob `json:"items"`
}

type PropertyListResponse struct {
	Items []domain.Property `json:"items"`
}

type PaginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type StatsResponse = engine.Stats

type DecisionResponse = workflow.DecisionResult

type BlockedResponse = workflow.BlockedState
