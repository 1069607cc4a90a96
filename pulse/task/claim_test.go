package task

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/db"
	agentpulsetest "github.com/teranos/agentpulse/internal/testing"
)

func dueAt(d time.Duration) *time.Time {
	ts := baseTime.Add(d)
	return &ts
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestClaimDue_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t3 := createTask(t, s, CreateParams{NextRunAt: dueAt(-1 * time.Minute)})
	t1 := createTask(t, s, CreateParams{NextRunAt: dueAt(-3 * time.Minute)})
	t2 := createTask(t, s, CreateParams{NextRunAt: dueAt(-2 * time.Minute)})

	claim, err := s.ClaimDue(ctx, ClaimOptions{Limit: 2, Now: baseTime})
	require.NoError(t, err)
	defer claim.Rollback()

	assert.Equal(t, []string{t1.ID, t2.ID}, taskIDs(claim.Tasks))
	assert.NotContains(t, taskIDs(claim.Tasks), t3.ID)
}

func TestClaimDue_TieBreaksOnID(t *testing.T) {
	s := newTestStore(t)
	a := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})
	b := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})

	claim, err := s.ClaimDue(context.Background(), ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	defer claim.Rollback()

	want := []string{a.ID, b.ID}
	if b.ID < a.ID {
		want = []string{b.ID, a.ID}
	}
	assert.Equal(t, want, taskIDs(claim.Tasks))
}

func TestClaimDue_SkipsIneligible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})
	createTask(t, s, CreateParams{NextRunAt: dueAt(time.Minute)}) // future
	createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute), Disabled: true})
	deleted := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})
	require.NoError(t, s.SoftDelete(ctx, deleted.ID))
	exact := createTask(t, s, CreateParams{NextRunAt: dueAt(0)})

	claim, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	defer claim.Rollback()

	assert.ElementsMatch(t, []string{due.ID, exact.ID}, taskIDs(claim.Tasks))
}

func TestClaimDue_FiltersModes(t *testing.T) {
	s := newTestStore(t)
	createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute), ScheduleMode: "nightly"})
	immediate := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute), ScheduleMode: "immediate"})
	manual := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute), ScheduleMode: "manual"})

	claim, err := s.ClaimDue(context.Background(), ClaimOptions{Now: baseTime, Modes: []string{"immediate", "manual"}})
	require.NoError(t, err)
	defer claim.Rollback()

	assert.ElementsMatch(t, []string{immediate.ID, manual.ID}, taskIDs(claim.Tasks))
}

func TestClaimDue_DefaultLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < DefaultClaimLimit+5; i++ {
		createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})
	}

	claim, err := s.ClaimDue(context.Background(), ClaimOptions{Limit: -1, Now: baseTime})
	require.NoError(t, err)
	defer claim.Rollback()
	assert.Len(t, claim.Tasks, DefaultClaimLimit)
}

func TestClaim_AdvanceCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})

	claim, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)

	next := baseTime.Add(time.Hour)
	require.NoError(t, claim.Advance(ctx, claim.Tasks[0], next))
	require.NoError(t, claim.RecordRun(ctx, task.ID, "run-1", "queued", ""))
	require.NoError(t, claim.Commit())
	require.NoError(t, claim.Rollback(), "rollback after commit is a no-op")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.NextRunAt)
	assert.Equal(t, "queued", got.LastRunStatus)

	again, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	defer again.Rollback()
	assert.Empty(t, again.Tasks, "advanced task is no longer due")

	assert.Error(t, claim.Advance(ctx, task, next), "finished claim rejects updates")
}

func TestClaim_RollbackReleases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})

	claim, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	require.NoError(t, claim.Advance(ctx, claim.Tasks[0], baseTime.Add(time.Hour)))
	require.NoError(t, claim.Rollback())

	again, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	defer again.Rollback()
	assert.Equal(t, []string{task.ID}, taskIDs(again.Tasks), "crashed claimer leaves the task claimable")
}

func TestClaim_Disable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Minute)})

	claim, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	require.NoError(t, claim.Disable(ctx, claim.Tasks[0]))
	assert.False(t, claim.Tasks[0].Enabled)
	require.NoError(t, claim.Commit())

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	again, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	defer again.Rollback()
	assert.Empty(t, again.Tasks)
}

func TestClaimDue_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := NewStore(agentpulsetest.CreateFileDB(t), SQLite)
	s.now = func() time.Time { return baseTime }
	ctx := context.Background()

	const tasks = 10
	for i := 0; i < tasks; i++ {
		createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Duration(i+1) * time.Second)})
	}

	const claimers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed [][]string
		total   int
		errs    []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A claimer that loses the write lock comes back empty and polls again
			for time.Now().Before(deadline) {
				mu.Lock()
				done := total == tasks
				mu.Unlock()
				if done {
					return
				}

				claim, err := s.ClaimDue(ctx, ClaimOptions{Limit: 3, Now: baseTime})
				if err != nil {
					fail(err)
					return
				}
				for _, task := range claim.Tasks {
					if err := claim.Advance(ctx, task, baseTime.Add(time.Hour)); err != nil {
						claim.Rollback()
						fail(err)
						return
					}
				}
				if err := claim.Commit(); err != nil {
					fail(err)
					return
				}
				if len(claim.Tasks) == 0 {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				mu.Lock()
				claimed = append(claimed, taskIDs(claim.Tasks))
				total += len(claim.Tasks)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)

	seen := map[string]bool{}
	for _, ids := range claimed {
		for _, id := range ids {
			assert.False(t, seen[id], "task %s claimed twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, tasks)
}

func TestClaimDue_SQLiteContentionReturnsEmptyBatch(t *testing.T) {
	s := NewStore(agentpulsetest.CreateFileDB(t), SQLite)
	s.now = func() time.Time { return baseTime }
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, createTask(t, s, CreateParams{NextRunAt: dueAt(-time.Duration(4-i) * time.Minute)}).ID)
	}

	first, err := s.ClaimDue(ctx, ClaimOptions{Limit: 2, Now: baseTime})
	require.NoError(t, err)
	require.Equal(t, ids[:2], taskIDs(first.Tasks))

	started := time.Now()
	blocked, err := s.ClaimDue(ctx, ClaimOptions{Limit: 2, Now: baseTime})
	waited := time.Since(started)
	require.NoError(t, err, "a claimer behind the write lock is not an error")
	assert.Empty(t, blocked.Tasks)
	assert.Nil(t, blocked.Tx())
	assert.GreaterOrEqual(t, waited, SQLiteClaimWait/2)
	assert.Less(t, waited, 2*time.Second, "waits ClaimWait, not the connection busy_timeout")
	require.NoError(t, blocked.Commit())
	require.NoError(t, blocked.Rollback())

	for _, task := range first.Tasks {
		require.NoError(t, first.Advance(ctx, task, baseTime.Add(time.Hour)))
	}
	require.NoError(t, first.Commit())

	next, err := s.ClaimDue(ctx, ClaimOptions{Limit: 2, Now: baseTime})
	require.NoError(t, err)
	defer next.Rollback()
	assert.Equal(t, ids[2:], taskIDs(next.Tasks))
}

func TestClaim_RestoresBusyTimeout(t *testing.T) {
	database := agentpulsetest.CreateTestDB(t)
	s := NewStore(database, SQLite)
	s.now = func() time.Time { return baseTime }

	claim, err := s.ClaimDue(context.Background(), ClaimOptions{Now: baseTime})
	require.NoError(t, err)
	require.NoError(t, claim.Commit())

	// The test database has a single pooled connection, the one the claim used
	var timeout int64
	require.NoError(t, database.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, int64(db.SQLiteBusyTimeoutMS), timeout)
}

func TestClaimDue_PostgresSkipLocked(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := NewStore(mockDB, Postgres)
	now := baseTime

	cols := []string{"id", "owner_id", "name", "prompt", "enabled", "cron", "timezone", "schedule_mode",
		"workspace_scope", "session_id", "config_snapshot", "next_run_at", "last_run_id",
		"last_run_status", "last_error", "is_deleted", "created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("next_run_at <= $1 AND schedule_mode IN ($2, $3) ORDER BY next_run_at ASC, id ASC LIMIT $4 FOR UPDATE SKIP LOCKED")).
		WithArgs(now, "nightly", "scheduled", DefaultClaimLimit).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"t1", "u1", "n", "p", true, "0 2 * * *", "UTC", "nightly",
			"session", nil, `{"skill_ids":[1]}`, now.Add(-time.Minute), nil,
			nil, nil, false, now, now,
		))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_tasks SET next_run_at = $1, updated_at = $2 WHERE id = $3")).
		WithArgs(now.Add(time.Hour), sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claim, err := s.ClaimDue(context.Background(), ClaimOptions{Now: now, Modes: []string{"nightly", "scheduled"}})
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)
	assert.Equal(t, []interface{}{float64(1)}, claim.Tasks[0].ConfigSnapshot["skill_ids"])

	require.NoError(t, claim.Advance(context.Background(), claim.Tasks[0], now.Add(time.Hour)))
	require.NoError(t, claim.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDue_QueryErrorRollsBack(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = NewStore(mockDB, Postgres).ClaimDue(context.Background(), ClaimOptions{Now: baseTime})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDue_SubSecondDueTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, s, CreateParams{NextRunAt: dueAt(500 * time.Millisecond)})

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(500*time.Millisecond), got.NextRunAt)

	early, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime.Add(499 * time.Millisecond)})
	require.NoError(t, err)
	assert.Empty(t, early.Tasks, "not due until its exact instant")
	require.NoError(t, early.Rollback())

	onTime, err := s.ClaimDue(ctx, ClaimOptions{Now: baseTime.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	defer onTime.Rollback()
	assert.Equal(t, []string{task.ID}, taskIDs(onTime.Tasks))
}
