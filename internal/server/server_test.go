package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"propwatch/internal/config"
	"propwatch/internal/db"
	"propwatch/internal/domain"
	"propwatch/internal/engine"
	"propwatch/internal/logging"
	"propwatch/internal/migrate"
	"propwatch/internal/storage"
	"propwatch/internal/workflow"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := storage.NewFS(cfg.ResolveStorageRoot(workspace))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	e := engine.New(conn, cfg, store, engine.Options{Logger: logging.Discard()})
	auth.Logger = logging.Discard()
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", v, err, string(data))
	}
	return v
}

// rentRoll builds a rent roll with the given number of units, the first
// occupied of them leased.
func rentRoll(property string, units, occupied int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#property: %s\n#period: 2026-09\n#total_units: %d\n", property, units)
	b.WriteString("unit,status,rent\n")
	for i := 1; i <= units; i++ {
		if i <= occupied {
			fmt.Fprintf(&b, "%d,occupied,1200.00\n", 100+i)
		} else {
			fmt.Fprintf(&b, "%d,vacant,0\n", 100+i)
		}
	}
	return b.String()
}

var analyst = map[string]string{"X-Actor-Id": "analyst1"}

func submitAndProcess(t *testing.T, srv *testServer, content string) SubmitDocumentResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"declared_type": domain.DocTypeRentRoll,
		"original_name": "harbor-view-rent-roll.csv",
		"content":       content,
	}, analyst)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	submitted := decode[SubmitDocumentResponse](t, data)
	if submitted.Status != domain.DocumentQueued {
		t.Fatalf("expected queued, got %s", submitted.Status)
	}
	if _, err := srv.Engine.Pool(1, "test").Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	return submitted
}

func TestSubmitAlertDecisionFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	client := srv.Client()

	submitted := submitAndProcess(t, srv, rentRoll("Harbor View", 25, 18))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+submitted.DocumentID+"/status", nil, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	view := decode[engine.StatusView](t, data)
	if view.Status != domain.DocumentCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.Error)
	}
	if view.PropertyID == nil {
		t.Fatalf("expected resolved property")
	}
	propertyID := *view.PropertyID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/alerts?status=pending", nil, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list alerts status %d: %s", res.StatusCode, string(data))
	}
	alerts := decode[AlertListResponse](t, data)
	if len(alerts.Items) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts.Items))
	}
	alert := alerts.Items[0]
	if alert.MetricName != "occupancy_rate" || alert.Severity != domain.SeverityCritical {
		t.Fatalf("unexpected alert %+v", alert)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/properties/"+propertyID+"/blocked", nil, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blocked status %d: %s", res.StatusCode, string(data))
	}
	if state := decode[BlockedResponse](t, data); !state.Blocked {
		t.Fatalf("expected property blocked")
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/properties/"+propertyID, map[string]any{"status": "archived"}, analyst)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while blocked, got %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "property_blocked") {
		t.Fatalf("expected property_blocked code: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/"+alert.ID+"/decision", map[string]any{"decision": "approve", "notes": "seasonal"}, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	decision := decode[DecisionResponse](t, data)
	if decision.Status != domain.AlertApproved || decision.DecidedBy != "analyst1" || !decision.Unlocked {
		t.Fatalf("unexpected decision %+v", decision)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/"+alert.ID+"/decision", map[string]any{"decision": "reject"}, analyst)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second decision, got %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "stale_decision") {
		t.Fatalf("expected stale_decision code: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/properties/"+propertyID, map[string]any{"status": "archived"}, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update property status %d: %s", res.StatusCode, string(data))
	}
	if p := decode[domain.Property](t, data); p.Status != "archived" {
		t.Fatalf("expected archived, got %s", p.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?action=alert.decided", nil, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	if page := decode[PaginatedAudit](t, data); len(page.Items) != 1 {
		t.Fatalf("expected one decision entry, got %d", len(page.Items))
	}
}

func TestConcurrentDecisionsOneWins(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	submitAndProcess(t, srv, rentRoll("Elm Court", 25, 18))

	alerts, err := srv.Engine.ListAlerts(context.Background(), repoPending())
	if err != nil || len(alerts) != 1 {
		t.Fatalf("list alerts: %v (%d)", err, len(alerts))
	}
	alertID := alerts[0].ID

	const callers = 4
	codes := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/alerts/"+alertID+"/decision", strings.NewReader(`{"decision":"approve"}`))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Actor-Id", fmt.Sprintf("analyst%d", i))
			res, err := srv.Client().Do(req)
			if err != nil {
				return
			}
			res.Body.Close()
			codes[i] = res.StatusCode
		}(i)
	}
	wg.Wait()
	ok, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != callers-1 {
		t.Fatalf("expected one winner, got codes %v", codes)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/alerts", nil, analyst)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header must be refused when not allowed, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/alerts", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	token, err := IssueToken("s3cret", "analyst1", []string{"finance"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/alerts", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/missing/status", nil, analyst)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/missing/decision", map[string]any{"decision": "approve"}, analyst)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown alert, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{"declared_type": "rent_roll"}, analyst)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without ref or content, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?cursor=abc", nil, analyst)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}

	if got := handleError(&workflow.StaleDecisionError{AlertID: "a", Status: "approved"}).GetStatus(); got != http.StatusConflict {
		t.Fatalf("stale decision mapped to %d", got)
	}
	if got := handleError(fmt.Errorf("wrap: %w", storage.ErrNotFound)).GetStatus(); got != http.StatusNotFound {
		t.Fatalf("missing object mapped to %d", got)
	}
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "actorHeader") || !strings.Contains(string(data), "/v0/alerts/{alert_id}/decision") {
		t.Fatalf("openapi missing expected content")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "propwatch_") {
		t.Fatalf("metrics endpoint status %d", res.StatusCode)
	}
}

func TestPreviewAndJobs(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowActorHeader: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/preview", map[string]any{
		"declared_type": domain.DocTypeRentRoll,
		"content":       rentRoll("Harbor View", 20, 17),
	}, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status %d: %s", res.StatusCode, string(data))
	}
	preview := decode[map[string]any](t, data)
	if preview["property_name"] != "Harbor View" {
		t.Fatalf("unexpected preview %v", preview)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/preview", map[string]any{
		"declared_type": domain.DocTypeRentRoll,
		"storage_ref":   "../../etc/passwd",
	}, analyst)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for escaping ref, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/preview", map[string]any{
		"declared_type": domain.DocTypeRentRoll,
		"storage_ref":   "inbox/missing.csv",
	}, analyst)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing object, got %d", res.StatusCode)
	}

	for _, ref := range []string{"../../etc/passwd", "inbox/missing.csv"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
			"declared_type": domain.DocTypeRentRoll,
			"storage_ref":   ref,
		}, analyst)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("submit %q: expected 400, got %d: %s", ref, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"declared_type": domain.DocTypeRentRoll,
		"original_name": "harbor-view-rent-roll.csv",
		"content":       rentRoll("Harbor View", 20, 17),
	}, analyst)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	submitted := decode[SubmitDocumentResponse](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs?state=queued", nil, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jobs status %d: %s", res.StatusCode, string(data))
	}
	jobs := decode[JobListResponse](t, data)
	if len(jobs.Items) != 1 || jobs.Items[0].DocumentID != submitted.DocumentID || jobs.Items[0].Attempt != 1 {
		t.Fatalf("unexpected jobs %+v", jobs.Items)
	}
}
