package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"propwatch/internal/alerts"
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
	repo   repo.Repo
	wf     workflow.Manager
	alerts alerts.Engine
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := func() time.Time { return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	w := audit.Writer{Now: now}
	wf := workflow.Manager{DB: conn, Repo: r, Audit: w, Now: now, Logger: logging.Discard()}
	return env{
		repo: r,
		wf:   wf,
		alerts: alerts.Engine{
			DB: conn, Repo: r, Audit: w, Workflow: wf,
			Thresholds: config.Default().Thresholds,
			Now:        now,
			Logger:     logging.Discard(),
		},
	}
}

func (e env) property(t *testing.T) string {
	t.Helper()
	p := repo.NewProperty{
		ID:        uuid.NewString(),
		Name:      "Harbor View",
		NameKey:   "harbor view",
		Code:      "PROP-00001",
		Seq:       1,
		Status:    "active",
		CreatedAt: domain.FormatTime(time.Now()),
	}
	_, err := e.repo.InsertPropertyIfAbsent(context.Background(), nil, p)
	require.NoError(t, err)
	return p.ID
}

func (e env) alert(t *testing.T, pid, metric string, value float64) domain.Alert {
	t.Helper()
	a, created, err := e.alerts.Evaluate(context.Background(), pid, metric, value)
	require.NoError(t, err)
	require.True(t, created)
	return *a
}

func TestApproveReleasesLockOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t)
	a := e.alert(t, pid, "occupancy_rate", 0.72)

	blocked, err := e.wf.Blocked(ctx, pid)
	require.NoError(t, err)
	require.True(t, blocked)

	before, err := e.repo.LatestAuditID(ctx)
	require.NoError(t, err)
	res, err := e.wf.Decide(ctx, a.ID, domain.DecisionApprove, "analyst1", "seasonal dip")
	require.NoError(t, err)
	require.Equal(t, domain.AlertApproved, res.Status)
	require.Equal(t, "analyst1", res.DecidedBy)
	require.True(t, res.LockReleased)
	require.True(t, res.Unlocked)

	after, err := e.repo.LatestAuditID(ctx)
	require.NoError(t, err)
	require.Equal(t, before+1, after)

	got, err := e.repo.GetAlert(ctx, nil, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AlertApproved, got.Status)
	require.Equal(t, "seasonal dip", got.Notes)
	require.NotNil(t, got.DecidedBy)
	lock, err := e.repo.GetLockByAlert(ctx, nil, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LockUnlocked, lock.Status)
	require.NotNil(t, lock.UnlockedAt)

	_, err = e.wf.Decide(ctx, a.ID, domain.DecisionReject, "analyst2", "")
	var stale *workflow.StaleDecisionError
	require.True(t, errors.As(err, &stale))
	require.Equal(t, domain.AlertApproved, stale.Status)

	final, err := e.repo.LatestAuditID(ctx)
	require.NoError(t, err)
	require.Equal(t, after, final)
}

func TestDecideRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t)
	a := e.alert(t, pid, "occupancy_rate", 0.72)

	_, err := e.wf.Decide(ctx, a.ID, "maybe", "analyst1", "")
	require.ErrorIs(t, err, workflow.ErrInvalidDecision)
	_, err = e.wf.Decide(ctx, a.ID, domain.DecisionApprove, " ", "")
	require.ErrorIs(t, err, workflow.ErrActorRequired)
	_, err = e.wf.Decide(ctx, "missing", domain.DecisionApprove, "analyst1", "")
	require.ErrorIs(t, err, repo.ErrNotFound)

	got, err := e.repo.GetAlert(ctx, nil, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AlertPending, got.Status)
}

func TestPropertyStaysBlockedUntilEveryLockReleased(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t)
	occ := e.alert(t, pid, "occupancy_rate", 0.72)
	exp := e.alert(t, pid, "expense_ratio", 0.80)

	state, err := e.wf.State(ctx, pid)
	require.NoError(t, err)
	require.True(t, state.Blocked)
	require.Len(t, state.Locks, 2)

	_, err = e.wf.SetPropertyStatus(ctx, pid, "on_hold", "ops")
	var blockedErr *workflow.PropertyBlockedError
	require.True(t, errors.As(err, &blockedErr))
	require.Equal(t, 2, blockedErr.Locks)

	res, err := e.wf.Decide(ctx, occ.ID, domain.DecisionReject, "analyst1", "")
	require.NoError(t, err)
	require.True(t, res.LockReleased)
	require.False(t, res.Unlocked)
	blocked, err := e.wf.Blocked(ctx, pid)
	require.NoError(t, err)
	require.True(t, blocked)

	res, err = e.wf.Decide(ctx, exp.ID, domain.DecisionApprove, "cfo", "")
	require.NoError(t, err)
	require.True(t, res.Unlocked)

	state, err = e.wf.State(ctx, pid)
	require.NoError(t, err)
	require.False(t, state.Blocked)
	require.Empty(t, state.Locks)

	p, err := e.wf.SetPropertyStatus(ctx, pid, "on_hold", "ops")
	require.NoError(t, err)
	require.Equal(t, "on_hold", p.Status)
	n, err := e.repo.CountAudit(ctx, audit.ActionPropertyStatus, pid)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSetPropertyStatusValidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t)
	_, err := e.wf.SetPropertyStatus(ctx, pid, "demolished", "ops")
	require.ErrorIs(t, err, workflow.ErrInvalidStatus)
	_, err = e.wf.SetPropertyStatus(ctx, "missing", "archived", "ops")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = e.wf.Blocked(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pid := e.property(t)
	a := e.alert(t, pid, "occupancy_rate", 0.72)

	const callers = 6
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := domain.DecisionApprove
			if i%2 == 1 {
				decision = domain.DecisionReject
			}
			_, errs[i] = e.wf.Decide(ctx, a.ID, decision, "analyst", "")
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stale *workflow.StaleDecisionError
		require.True(t, errors.As(err, &stale), "unexpected error %v", err)
	}
	require.Equal(t, 1, wins)
	n, err := e.repo.CountAudit(ctx, audit.ActionAlertDecided, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
