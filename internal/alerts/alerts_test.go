package alerts

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"propwatch/internal/audit"
	"propwatch/internal/config"
	"propwatch/internal/db"
	"propwatch/internal/domain"
	"propwatch/internal/logging"
	"propwatch/internal/migrate"
	"propwatch/internal/repo"
	"propwatch/internal/workflow"
)

type env struct {
	db     *sql.DB
	repo   repo.Repo
	now    time.Time
	engine Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := &env{db: conn, repo: repo.Repo{DB: conn}, now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	w := audit.Writer{Now: clock}
	wf := workflow.Manager{DB: conn, Repo: e.repo, Audit: w, Now: clock, Logger: logging.Discard()}
	e.engine = Engine{
		DB:         conn,
		Repo:       e.repo,
		Audit:      w,
		Workflow:   wf,
		Thresholds: config.Default().Thresholds,
		Now:        clock,
		Logger:     logging.Discard(),
	}
	return e
}

var propertySeq int64

func (e *env) property(t *testing.T, name string) string {
	t.Helper()
	propertySeq++
	p := repo.NewProperty{
		ID:        uuid.NewString(),
		Name:      name,
		NameKey:   name,
		Code:      uuid.NewString(),
		Seq:       propertySeq,
		Status:    "active",
		CreatedAt: domain.FormatTime(e.now),
	}
	ok, err := e.repo.InsertPropertyIfAbsent(context.Background(), nil, p)
	require.NoError(t, err)
	require.True(t, ok)
	return p.ID
}

func threshold(t *testing.T, metric string) config.Threshold {
	t.Helper()
	th, ok := Engine{Thresholds: config.Default().Thresholds}.Threshold(metric)
	require.True(t, ok, metric)
	return th
}

func TestBreachBands(t *testing.T) {
	occ := threshold(t, "occupancy_rate")
	exp := threshold(t, "expense_ratio")
	cases := []struct {
		name     string
		t        config.Threshold
		value    float64
		severity string
		breached bool
	}{
		{"far below", occ, 0.72, domain.SeverityCritical, true},
		{"slightly below", occ, 0.80, domain.SeverityWarning, true},
		{"ten points is not past the band", occ, 0.75, domain.SeverityWarning, true},
		{"at threshold", occ, 0.85, "", false},
		{"above a below threshold", occ, 0.97, "", false},
		{"expense at threshold", exp, 0.60, "", false},
		{"expense fifteen points over", exp, 0.75, domain.SeverityWarning, true},
		{"expense far over", exp, 0.80, domain.SeverityCritical, true},
		{"expense under", exp, 0.40, "", false},
		{"hair below the threshold", occ, 0.85 - 1e-9, domain.SeverityWarning, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			severity, breached := Breach(tc.t, tc.value)
			require.Equal(t, tc.breached, breached)
			require.Equal(t, tc.severity, severity)
		})
	}
	require.Equal(t, 13.0, Deviation(occ, 0.72))
}

func TestBreachBelowLowestBandStillAlerts(t *testing.T) {
	occ := config.Threshold{
		Metric:    "occupancy_rate",
		Value:     0.85,
		Direction: "below",
		Committee: "asset-management",
		Scale:     100,
		Bands:     []config.Band{{Over: 10, Severity: domain.SeverityCritical}, {Over: 5, Severity: domain.SeverityWarning}},
	}
	severity, breached := Breach(occ, 0.83)
	require.True(t, breached)
	require.Equal(t, domain.SeverityWarning, severity)
	severity, _ = Breach(occ, 0.78)
	require.Equal(t, domain.SeverityWarning, severity)
	severity, _ = Breach(occ, 0.70)
	require.Equal(t, domain.SeverityCritical, severity)

	occ.Bands = []config.Band{{Over: 5, Severity: domain.SeverityWarning}}
	e := newEnv(t)
	e.engine.Thresholds = []config.Threshold{occ}
	alert, created, err := e.engine.Evaluate(context.Background(), e.property(t, "elm court"), "occupancy_rate", 0.83)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.SeverityWarning, alert.Severity)
}

func TestEvaluateCreatesAlertWithLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t, "harbor view")

	alert, created, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.72)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, alert)
	require.Equal(t, domain.SeverityCritical, alert.Severity)
	require.Equal(t, domain.AlertPending, alert.Status)
	require.Equal(t, "asset-management", alert.Committee)
	require.Equal(t, 0.85, alert.Threshold)

	lock, err := e.repo.GetLockByAlert(ctx, nil, alert.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LockLocked, lock.Status)
	blocked, err := e.repo.PropertyBlocked(ctx, nil, pid)
	require.NoError(t, err)
	require.True(t, blocked)

	n, err := e.repo.CountAudit(ctx, audit.ActionAlertCreated, alert.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = e.repo.CountAudit(ctx, audit.ActionWorkflowLocked, lock.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEvaluateReturnsOpenAlert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t, "harbor view")

	first, created, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.80)
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.70)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, domain.SeverityWarning, second.Severity)

	locks, err := e.repo.ListLocks(ctx, nil, pid, domain.LockLocked)
	require.NoError(t, err)
	require.Len(t, locks, 1)
}

func TestRecoveredMetricDoesNotResolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t, "harbor view")

	alert, _, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.72)
	require.NoError(t, err)
	none, created, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.95)
	require.NoError(t, err)
	require.False(t, created)
	require.Nil(t, none)

	got, err := e.repo.GetAlert(ctx, nil, alert.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AlertPending, got.Status)
	blocked, err := e.repo.PropertyBlocked(ctx, nil, pid)
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestDecidedAlertAllowsNewAlert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t, "harbor view")

	first, _, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.72)
	require.NoError(t, err)
	_, err = e.engine.Workflow.Decide(ctx, first.ID, domain.DecisionApprove, "analyst1", "")
	require.NoError(t, err)

	second, created, err := e.engine.Evaluate(ctx, pid, "occupancy_rate", 0.72)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)
}

func TestUnknownMetricIsIgnored(t *testing.T) {
	e := newEnv(t)
	pid := e.property(t, "harbor view")
	alert, created, err := e.engine.Evaluate(context.Background(), pid, "total_rent", 1)
	require.NoError(t, err)
	require.False(t, created)
	require.Nil(t, alert)
}

func TestListOrdersBySeverityThenAge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.property(t, "a")
	b := e.property(t, "b")
	c := e.property(t, "c")

	oldWarning, _, err := e.engine.Evaluate(ctx, a, "occupancy_rate", 0.80)
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)
	oldCritical, _, err := e.engine.Evaluate(ctx, b, "occupancy_rate", 0.50)
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)
	newWarning, _, err := e.engine.Evaluate(ctx, c, "expense_ratio", 0.65)
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)
	newCritical, _, err := e.engine.Evaluate(ctx, a, "expense_ratio", 0.95)
	require.NoError(t, err)

	list, err := e.engine.List(ctx, repo.AlertFilters{})
	require.NoError(t, err)
	var ids []string
	for _, al := range list {
		ids = append(ids, al.ID)
	}
	require.Equal(t, []string{oldCritical.ID, newCritical.ID, oldWarning.ID, newWarning.ID}, ids)

	finance, err := e.engine.List(ctx, repo.AlertFilters{Committee: "finance"})
	require.NoError(t, err)
	require.Len(t, finance, 2)

	critical, err := e.engine.List(ctx, repo.AlertFilters{Severity: domain.SeverityCritical, PropertyID: a})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	require.Equal(t, newCritical.ID, critical[0].ID)
}
