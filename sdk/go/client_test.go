package propwatchsdk

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"propwatch/internal/config"
	"propwatch/internal/db"
	"propwatch/internal/engine"
	"propwatch/internal/logging"
	"propwatch/internal/migrate"
	"propwatch/internal/server"
	"propwatch/internal/storage"
)

func newTestAPI(t *testing.T) (*Client, engine.Engine) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	store, err := storage.NewFS(cfg.ResolveStorageRoot(workspace))
	require.NoError(t, err)
	e := engine.New(conn, cfg, store, engine.Options{Logger: logging.Discard()})
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{AllowActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	c := New(srv.URL)
	c.ActorID = "analyst1"
	return c, e
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, e := newTestAPI(t)

	var b strings.Builder
	b.WriteString("#total_units: 25\nunit,status,rent\n")
	for i := 1; i <= 25; i++ {
		status := "vacant"
		if i <= 18 {
			status = "occupied"
		}
		fmt.Fprintf(&b, "%d,%s,1000\n", i, status)
	}
	doc, err := c.Upload(ctx, "maple-court-rent-roll.csv", "rent_roll", "Maple Court", []byte(b.String()))
	require.NoError(t, err)
	require.Equal(t, "queued", doc.Status)

	_, err = e.Pool(1, "sdk-test").Drain(ctx)
	require.NoError(t, err)

	st, err := c.WaitTerminal(ctx, doc.DocumentID, 0)
	require.NoError(t, err)
	require.Equal(t, "completed", st.Status)
	require.NotNil(t, st.PropertyID)

	alerts, err := c.ListAlerts(ctx, AlertQuery{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "critical", alerts[0].Severity)

	_, err = c.SetPropertyStatus(ctx, *st.PropertyID, "on_hold")
	require.True(t, IsPropertyBlocked(err), "got %v", err)

	d, err := c.Decide(ctx, alerts[0].ID, "reject", "data error")
	require.NoError(t, err)
	require.Equal(t, "rejected", d.Status)
	require.True(t, d.Unlocked)

	_, err = c.Decide(ctx, alerts[0].ID, "approve", "")
	require.True(t, IsStaleDecision(err), "got %v", err)

	state, err := c.Blocked(ctx, *st.PropertyID)
	require.NoError(t, err)
	require.False(t, state.Blocked)

	page, err := c.AuditPage(ctx, "alert.decided", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Documents["completed"])
}
