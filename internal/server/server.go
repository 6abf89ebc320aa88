package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"propwatch/internal/domain"
	"propwatch/internal/engine"
	"propwatch/internal/extract"
	"propwatch/internal/repo"
	"propwatch/internal/storage"
	"propwatch/internal/telemetry"
	"propwatch/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_decision"`
	Message string         `json:"message" example:"alert 1f0c already approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the propwatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", telemetry.Handler())
	hcfg := huma.DefaultConfig("Propwatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerProperties(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var stale *workflow.StaleDecisionError
	if errors.As(err, &stale) {
		return newAPIError(http.StatusConflict, "stale_decision", err.Error(), map[string]any{"alert_id": stale.AlertID, "status": stale.Status})
	}
	var blocked *workflow.PropertyBlockedError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusConflict, "property_blocked", err.Error(), map[string]any{"property_id": blocked.PropertyID, "locks": blocked.Locks})
	}
	var typeErr *extract.UnsupportedTypeError
	if errors.As(err, &typeErr) {
		return newAPIError(http.StatusUnprocessableEntity, "unsupported_type", err.Error(), map[string]any{"type": typeErr.Type})
	}
	var parseErr *extract.ParseError
	if errors.As(err, &parseErr) {
		return newAPIError(http.StatusUnprocessableEntity, "parse_failed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, workflow.ErrInvalidDecision) ||
		errors.Is(err, workflow.ErrInvalidStatus) ||
		errors.Is(err, workflow.ErrActorRequired) ||
		errors.Is(err, engine.ErrInvalidInput) ||
		errors.Is(err, storage.ErrInvalidRef) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Propwatch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Pipeline counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: stats}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Submit a stored document for processing",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SubmitDocumentRequest `json:"body"`
	}) (*struct {
		Body SubmitDocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := engine.SubmitRequest{
			PropertyHint: input.Body.PropertyHint,
			DeclaredType: input.Body.DeclaredType,
			StorageRef:   input.Body.StorageRef,
			OriginalName: input.Body.OriginalName,
			Actor:        actorID,
		}
		var (
			doc domain.Document
			err error
		)
		if input.Body.Content != nil {
			doc, err = e.UploadDocument(ctx, input.Body.OriginalName, []byte(*input.Body.Content), req)
		} else {
			if strings.TrimSpace(input.Body.StorageRef) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "storage_ref or content is required", nil)
			}
			doc, err = e.SubmitDocument(ctx, req)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitDocumentResponse `json:"body"`
		}{Body: SubmitDocumentResponse{DocumentID: doc.ID, Status: doc.Status, StorageRef: doc.StorageRef}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-document",
		Method:      http.MethodPost,
		Path:        "/documents/preview",
		Summary:     "Parse and validate a document without storing anything",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PreviewRequest `json:"body"`
	}) (*struct {
		Body extract.Result `json:"body"`
	}, error) {
		req := engine.PreviewRequest{DeclaredType: input.Body.DeclaredType, StorageRef: input.Body.StorageRef}
		if input.Body.Content != nil {
			req.Content = []byte(*input.Body.Content)
		}
		res, err := e.Preview(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body extract.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List queued and leased jobs",
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"queued,leased"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		items, err := e.ListJobs(ctx, repo.JobFilters{State: input.State, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-status",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/status",
		Summary:     "Poll document status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body engine.StatusView `json:"body"`
	}, error) {
		view, err := e.PollStatus(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusView `json:"body"`
		}{Body: view}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List alerts, most severe and oldest first",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,approved,rejected"`
		Severity   string `query:"severity" enum:"warning,critical"`
		Committee  string `query:"committee"`
		PropertyID string `query:"property_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body AlertListResponse `json:"body"`
	}, error) {
		items, err := e.ListAlerts(ctx, repo.AlertFilters{
			Status:     input.Status,
			Severity:   input.Severity,
			Committee:  input.Committee,
			PropertyID: input.PropertyID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertListResponse `json:"body"`
		}{Body: AlertListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-alert",
		Method:      http.MethodGet,
		Path:        "/alerts/{alert_id}",
		Summary:     "Get alert",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AlertID string `path:"alert_id"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		a, err := e.GetAlert(ctx, input.AlertID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/decision",
		Summary:     "Approve or reject a pending alert",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AlertID string          `path:"alert_id"`
		Body    DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Decide(ctx, input.AlertID, input.Body.Decision, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerProperties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-properties",
		Method:      http.MethodGet,
		Path:        "/properties",
		Summary:     "List properties",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		Blocked string `query:"blocked" enum:"true,false"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body PropertyListResponse `json:"body"`
	}, error) {
		f := repo.PropertyFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)}
		if input.Blocked != "" {
			b := input.Blocked == "true"
			f.Blocked = &b
		}
		items, err := e.ListProperties(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PropertyListResponse `json:"body"`
		}{Body: PropertyListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-property",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}",
		Summary:     "Get property",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		p, err := e.GetProperty(ctx, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "property-blocked",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}/blocked",
		Summary:     "Whether pending alerts block the property",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct {
		Body BlockedResponse `json:"body"`
	}, error) {
		state, err := e.PropertyState(ctx, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockedResponse `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-property",
		Method:      http.MethodPatch,
		Path:        "/properties/{property_id}",
		Summary:     "Change property status; refused while blocked",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PropertyID string                `path:"property_id"`
		Body       UpdatePropertyRequest `json:"body"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetPropertyStatus(ctx, input.PropertyID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Action      string `query:"action"`
		SubjectKind string `query:"subject_kind" enum:"document,job,property,alert,lock"`
		SubjectID   string `query:"subject_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body PaginatedAudit `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListAudit(ctx, repo.AuditFilters{
			Action:      input.Action,
			SubjectKind: input.SubjectKind,
			SubjectID:   input.SubjectID,
			Cursor:      cursorID,
			Limit:       limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedAudit{Items: items}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			resp.Items = items[:limit]
		}
		return &struct {
			Body PaginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
