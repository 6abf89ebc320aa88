package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"propwatch/internal/config"
	"propwatch/internal/domain"
	"propwatch/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Relay forwards new audit entries to configured webhook endpoints.
// Each hook keeps its own cursor in the store. A hook seen for the first time
// starts at the latest entry; a known hook resumes where it stopped, so
// entries written while the relay was down are still delivered.
type Relay struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

// NewRelay returns nil when no webhook has a URL.
func NewRelay(r repo.Repo, hooks []config.Webhook, logger *slog.Logger) *Relay {
	var active []config.Webhook
	for _, h := range hooks {
		if strings.TrimSpace(h.URL) != "" {
			active = append(active, h)
		}
	}
	if len(active) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Repo:     r,
		Webhooks: active,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultWebhookInterval,
		Logger:   logger.With("component", "webhooks"),
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Relay) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per hook. A failed delivery leaves the
// cursor on the failed entry so it is retried on the next pass.
func (d *Relay) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Webhooks {
		key := hook.ID
		if key == "" {
			key = fmt.Sprintf("hook-%d", i)
		}
		d.dispatchWebhook(ctx, key, hook)
	}
}

func (d *Relay) dispatchWebhook(ctx context.Context, key string, hook config.Webhook) {
	cursor, ok := d.cursorFor(ctx, key)
	if !ok {
		return
	}
	entries, err := d.Repo.AuditAfter(ctx, defaultWebhookBatch, cursor, hook.Actions)
	if err != nil {
		d.Logger.Warn("fetch audit entries failed", "hook", key, "error", err)
		return
	}
	for _, entry := range entries {
		if err := d.post(ctx, hook, entry); err != nil {
			d.Logger.Warn("delivery failed", "hook", key, "url", hook.URL, "entry", entry.ID, "error", err)
			return
		}
		d.setCursor(ctx, key, entry.ID)
	}
}

// cursorFor reports false when the cursor could not be loaded; the hook is
// skipped for this pass.
func (d *Relay) cursorFor(ctx context.Context, key string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, ok, err := d.Repo.WebhookCursor(ctx, key)
	if err != nil {
		d.Logger.Warn("load cursor failed", "hook", key, "error", err)
		return 0, false
	}
	if !ok {
		if cur, err = d.Repo.LatestAuditID(ctx); err != nil {
			d.Logger.Warn("init cursor failed", "hook", key, "error", err)
			return 0, false
		}
		if err := d.Repo.SetWebhookCursor(ctx, key, cur, now()); err != nil {
			d.Logger.Warn("save cursor failed", "hook", key, "error", err)
		}
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *Relay) setCursor(ctx context.Context, key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
	if err := d.Repo.SetWebhookCursor(ctx, key, value, now()); err != nil {
		d.Logger.Warn("save cursor failed", "hook", key, "entry", value, "error", err)
	}
}

func now() string {
	return time.Now().UTC().Format(domain.TimeLayout)
}

type webhookEntry struct {
	ID             int64           `json:"id"`
	Action         string          `json:"action"`
	Actor          string          `json:"actor"`
	BusinessRuleID string          `json:"business_rule_id"`
	SubjectKind    string          `json:"subject_kind"`
	SubjectID      string          `json:"subject_id"`
	TS             string          `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
}

func (d *Relay) post(ctx context.Context, hook config.Webhook, entry domain.AuditEntry) error {
	payload := json.RawMessage("{}")
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	data, err := json.Marshal(webhookEntry{
		ID:             entry.ID,
		Action:         entry.Action,
		Actor:          entry.Actor,
		BusinessRuleID: entry.BusinessRuleID,
		SubjectKind:    entry.SubjectKind,
		SubjectID:      entry.SubjectID,
		TS:             entry.TS,
		Payload:        payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Propwatch-Action", entry.Action)
	req.Header.Set("X-Propwatch-Delivery", fmt.Sprintf("%d", entry.ID))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Propwatch-Signature", sign(secret, data))
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// sign returns the hex HMAC-SHA256 of body, prefixed with the scheme.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
