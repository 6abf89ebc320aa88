package propwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Propwatch HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Document is the submission acknowledgement.
type Document struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	StorageRef string `json:"storage_ref"`
}

// SubmitRequest references a stored object, or carries Content to upload inline.
type SubmitRequest struct {
	PropertyHint string  `json:"property_hint,omitempty"`
	DeclaredType string  `json:"declared_type"`
	StorageRef   string  `json:"storage_ref,omitempty"`
	OriginalName string  `json:"original_name,omitempty"`
	Content      *string `json:"content,omitempty"`
}

type MetricSummary struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Confidence float64 `json:"confidence"`
}

// Status is the polled processing state of a document.
type Status struct {
	DocumentID  string          `json:"document_id"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	PropertyID  *string         `json:"property_id,omitempty"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	Metrics     []MetricSummary `json:"metrics_summary,omitempty"`
}

// Terminal reports whether processing has finished one way or the other.
func (s Status) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

type Alert struct {
	ID         string  `json:"id"`
	PropertyID string  `json:"property_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Direction  string  `json:"direction"`
	Severity   string  `json:"severity"`
	Committee  string  `json:"committee"`
	Status     string  `json:"status"`
	Notes      string  `json:"notes,omitempty"`
	CreatedAt  string  `json:"created_at"`
	DecidedAt  *string `json:"decided_at,omitempty"`
	DecidedBy  *string `json:"decided_by,omitempty"`
}

// AlertQuery filters ListAlerts; zero fields are ignored.
type AlertQuery struct {
	Status     string
	Severity   string
	Committee  string
	PropertyID string
	Limit      int
}

type Decision struct {
	AlertID      string `json:"alert_id"`
	PropertyID   string `json:"property_id"`
	Status       string `json:"status"`
	DecidedBy    string `json:"decided_by"`
	DecidedAt    string `json:"decided_at"`
	LockReleased bool   `json:"lock_released"`
	Unlocked     bool   `json:"unlocked"`
}

type Property struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	Status    string `json:"status"`
	Blocked   bool   `json:"blocked"`
	CreatedAt string `json:"created_at"`
}

type Lock struct {
	ID         string  `json:"id"`
	PropertyID string  `json:"property_id"`
	AlertID    string  `json:"alert_id"`
	Status     string  `json:"status"`
	LockedAt   string  `json:"locked_at"`
	UnlockedAt *string `json:"unlocked_at,omitempty"`
}

type BlockedState struct {
	PropertyID string `json:"property_id"`
	Blocked    bool   `json:"blocked"`
	Locks      []Lock `json:"locks"`
}

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts"`
	Action         string `json:"action"`
	Actor          string `json:"actor"`
	BusinessRuleID string `json:"business_rule_id"`
	SubjectKind    string `json:"subject_kind"`
	SubjectID      string `json:"subject_id"`
	Payload        string `json:"payload_json"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

type Stats struct {
	Documents map[string]int `json:"documents"`
	Jobs      map[string]int `json:"jobs"`
	Alerts    map[string]int `json:"alerts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStaleDecision reports whether err is the conflict returned when an alert
// was already decided.
func IsStaleDecision(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_decision"
}

// IsPropertyBlocked reports whether err is the conflict returned for a
// blocked property.
func IsPropertyBlocked(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "property_blocked"
}

// Submit queues a document for processing.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, "documents", req, &resp)
	return resp, err
}

// Upload sends content inline and queues it.
func (c *Client) Upload(ctx context.Context, fileName, declaredType, propertyHint string, content []byte) (Document, error) {
	s := string(content)
	return c.Submit(ctx, SubmitRequest{
		PropertyHint: propertyHint,
		DeclaredType: declaredType,
		OriginalName: fileName,
		Content:      &s,
	})
}

// Status polls a document.
func (c *Client) Status(ctx context.Context, documentID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("documents/%s/status", url.PathEscape(documentID)), nil, &resp)
	return resp, err
}

// WaitTerminal polls until the document completes or fails, or ctx ends.
func (c *Client) WaitTerminal(ctx context.Context, documentID string, every time.Duration) (Status, error) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.Status(ctx, documentID)
		if err != nil || st.Terminal() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// ListAlerts returns alerts, most severe and oldest first.
func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	v := url.Values{}
	setQuery(v, "status", q.Status)
	setQuery(v, "severity", q.Severity)
	setQuery(v, "committee", q.Committee)
	setQuery(v, "property_id", q.PropertyID)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp struct {
		Items []Alert `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("alerts", v), nil, &resp)
	return resp.Items, err
}

// GetAlert fetches an alert by id.
func (c *Client) GetAlert(ctx context.Context, id string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodGet, "alerts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Decide approves or rejects a pending alert.
func (c *Client) Decide(ctx context.Context, alertID, decision, notes string) (Decision, error) {
	body := map[string]any{"decision": decision}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("alerts/%s/decision", url.PathEscape(alertID)), body, &resp)
	return resp, err
}

// ListProperties returns properties; blocked filters when non-nil.
func (c *Client) ListProperties(ctx context.Context, blocked *bool) ([]Property, error) {
	v := url.Values{}
	if blocked != nil {
		v.Set("blocked", strconv.FormatBool(*blocked))
	}
	var resp struct {
		Items []Property `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("properties", v), nil, &resp)
	return resp.Items, err
}

// GetProperty fetches a property by id.
func (c *Client) GetProperty(ctx context.Context, id string) (Property, error) {
	var resp Property
	err := c.do(ctx, http.MethodGet, "properties/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Blocked returns the blocked state of a property.
func (c *Client) Blocked(ctx context.Context, propertyID string) (BlockedState, error) {
	var resp BlockedState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("properties/%s/blocked", url.PathEscape(propertyID)), nil, &resp)
	return resp, err
}

// SetPropertyStatus changes a property's status.
func (c *Client) SetPropertyStatus(ctx context.Context, propertyID, status string) (Property, error) {
	var resp Property
	err := c.do(ctx, http.MethodPatch, "properties/"+url.PathEscape(propertyID), map[string]any{"status": status}, &resp)
	return resp, err
}

// AuditPage returns a page of audit entries, newest first.
func (c *Client) AuditPage(ctx context.Context, action string, limit int, cursor string) (PaginatedAudit, error) {
	v := url.Values{}
	setQuery(v, "action", action)
	setQuery(v, "cursor", cursor)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, withQuery("audit", v), nil, &resp)
	return resp, err
}

// Stats returns pipeline counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func setQuery(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}
