package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"propwatch/internal/audit"
	"propwatch/internal/db"
	"propwatch/internal/domain"
	"propwatch/internal/logging"
	"propwatch/internal/migrate"
	"propwatch/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	db    *sql.DB
	repo  repo.Repo
	clock *clock
	q     *Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	q := New(conn, Options{
		Lease:        time.Minute,
		PollInterval: 10 * time.Millisecond,
		Now:          c.Now,
		Logger:       logging.Discard(),
	})
	return &env{db: conn, repo: repo.Repo{DB: conn}, clock: c, q: q}
}

func (e *env) submit(t *testing.T, name string) string {
	t.Helper()
	now := domain.FormatTime(e.clock.Now())
	doc := domain.Document{
		ID:           uuid.NewString(),
		OriginalName: name,
		StorageRef:   name,
		DeclaredType: domain.DocTypeRentRoll,
		Status:       domain.DocumentUploaded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, e.repo.InsertDocument(context.Background(), nil, doc))
	_, err := e.q.Enqueue(context.Background(), doc.ID, "tester")
	require.NoError(t, err)
	// distinct timestamps keep ordering assertions honest
	e.clock.Advance(time.Millisecond)
	return doc.ID
}

func (e *env) document(t *testing.T, id string) domain.Document {
	t.Helper()
	doc, err := e.repo.GetDocument(context.Background(), nil, id)
	require.NoError(t, err)
	return doc
}

func TestDequeueIsFIFO(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.submit(t, fmt.Sprintf("doc-%d.csv", i)))
	}
	for _, want := range ids {
		lease, ok, err := e.q.TryDequeue(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, lease.DocumentID)
		require.Equal(t, 1, lease.Attempt)
		require.Equal(t, domain.DocumentProcessing, e.document(t, want).Status)
	}
	_, ok, err := e.q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueueTwiceConflicts(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, "a.csv")
	_, err := e.q.Enqueue(context.Background(), id, "tester")
	require.Error(t, err)
}

func TestConcurrentDequeueLeasesEachJobOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	const docs = 5
	for i := 0; i < docs; i++ {
		e.submit(t, fmt.Sprintf("doc-%d.csv", i))
	}
	var (
		mu     sync.Mutex
		leased = map[string]int{}
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				lease, ok, err := e.q.TryDequeue(ctx, fmt.Sprintf("w%d", w))
				if err != nil || !ok {
					return
				}
				mu.Lock()
				leased[lease.DocumentID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	require.Len(t, leased, docs)
	for id, n := range leased {
		require.Equal(t, 1, n, "document %s leased %d times", id, n)
	}
}

func TestCompleteRunsWorkInTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.submit(t, "a.csv")
	lease, ok, err := e.q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	boom := errors.New("boom")
	err = e.q.Complete(ctx, lease, func(ctx context.Context, tx *sql.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, domain.DocumentProcessing, e.document(t, id).Status)
	job, err := e.repo.GetJobByDocument(ctx, nil, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobLeased, job.State)

	require.NoError(t, e.q.Complete(ctx, lease, nil))
	doc := e.document(t, id)
	require.Equal(t, domain.DocumentCompleted, doc.Status)
	require.NotNil(t, doc.CompletedAt)
	_, err = e.repo.GetJobByDocument(ctx, nil, id)
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.ErrorIs(t, e.q.Complete(ctx, lease, nil), ErrLeaseLost)
}

func TestTransientFailuresRetryWithBackoffThenFail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.submit(t, "a.csv")

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		lease, ok, err := e.q.TryDequeue(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be eligible", attempt)
		require.Equal(t, attempt, lease.Attempt)

		out, err := e.q.Fail(ctx, lease, false, fmt.Errorf("transient %d", attempt))
		require.NoError(t, err)
		if attempt == DefaultMaxAttempts {
			require.True(t, out.Terminal)
			break
		}
		require.False(t, out.Terminal)
		require.Equal(t, attempt+1, out.NextAttempt)
		wait := DefaultBackoff[attempt-1]
		require.Equal(t, e.clock.Now().Add(wait), out.AvailableAt)

		doc := e.document(t, id)
		require.Equal(t, domain.DocumentProcessing, doc.Status)
		require.Equal(t, attempt, doc.RetryCount)

		// not eligible until the backoff has elapsed
		_, ok, err = e.q.TryDequeue(ctx, "w1")
		require.NoError(t, err)
		require.False(t, ok)
		e.clock.Advance(wait)
	}
	doc := e.document(t, id)
	require.Equal(t, domain.DocumentFailed, doc.Status)
	require.Equal(t, "transient 3", doc.Error)
	require.Equal(t, DefaultMaxAttempts-1, doc.RetryCount)

	n, err := e.repo.CountAudit(ctx, audit.ActionJobFailed, id)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.submit(t, "a.csv")
	lease, _, err := e.q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	out, err := e.q.Fail(ctx, lease, true, errors.New("bad input"))
	require.NoError(t, err)
	require.True(t, out.Terminal)
	doc := e.document(t, id)
	require.Equal(t, domain.DocumentFailed, doc.Status)
	require.Equal(t, 0, doc.RetryCount)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.submit(t, "a.csv")
	first, ok, err := e.q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	e.clock.Advance(30 * time.Second)
	_, err = e.q.Extend(ctx, first)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Minute)
	second, ok, err := e.q.TryDequeue(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, second.DocumentID)
	require.Equal(t, 2, second.Attempt)
	require.Equal(t, "w2", second.Owner)

	require.ErrorIs(t, e.q.Complete(ctx, first, nil), ErrLeaseLost)
	_, err = e.q.Fail(ctx, first, false, errors.New("late"))
	require.ErrorIs(t, err, ErrLeaseLost)
	_, err = e.q.Extend(ctx, first)
	require.ErrorIs(t, err, ErrLeaseLost)

	doc := e.document(t, id)
	require.Equal(t, domain.DocumentProcessing, doc.Status)
	require.Equal(t, 1, doc.RetryCount)
	n, err := e.repo.CountAudit(ctx, audit.ActionLeaseExpired, id)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReleaseKeepsAttemptAndPlace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.submit(t, "a.csv")
	second := e.submit(t, "b.csv")

	lease, ok, err := e.q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, lease.DocumentID)
	require.NoError(t, e.q.Release(ctx, lease, "shutting down"))

	doc := e.document(t, first)
	require.Equal(t, domain.DocumentProcessing, doc.Status)
	require.Equal(t, 0, doc.RetryCount)

	again, ok, err := e.q.TryDequeue(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, again.DocumentID)
	require.Equal(t, 1, again.Attempt)
	require.Equal(t, lease.JobID, again.JobID)
	require.ErrorIs(t, e.q.Release(ctx, lease, "stale holder"), ErrLeaseLost)

	e.clock.Advance(2 * time.Minute)
	require.ErrorIs(t, e.q.Release(ctx, again, "too late"), ErrLeaseLost)

	n, err := e.repo.CountAudit(ctx, audit.ActionJobReleased, first)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, domain.DocumentQueued, e.document(t, second).Status)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan Lease, 1)
	go func() {
		lease, err := e.q.Dequeue(ctx, "w1")
		if err == nil {
			got <- lease
		}
		close(got)
	}()
	id := e.submit(t, "late.csv")
	lease, ok := <-got
	require.True(t, ok)
	require.Equal(t, id, lease.DocumentID)
}

func TestDequeueStopsWithContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.q.Dequeue(ctx, "w1")
	require.Error(t, err)
}

func TestBackoffClampsToLastStep(t *testing.T) {
	q := New(nil, Options{})
	require.Equal(t, 60*time.Second, q.Backoff(1))
	require.Equal(t, 300*time.Second, q.Backoff(2))
	require.Equal(t, 900*time.Second, q.Backoff(3))
	require.Equal(t, 900*time.Second, q.Backoff(7))
}
