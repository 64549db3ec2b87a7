package crystal

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/errors"
	fathomtest "github.com/fathom-vault/fathom/internal/testing"
)

func TestScheduleGetDefault(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)

	sched, err := store.Get("fathom")
	require.NoError(t, err)
	assert.False(t, sched.Enabled)
	assert.Equal(t, DefaultIntervalDays, sched.IntervalDays)
	assert.Nil(t, sched.NextFireAt)
}

func TestScheduleSetEnableArms(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)

	before := time.Now().UTC()
	sched, err := store.Set("fathom", true, 3)
	require.NoError(t, err)

	assert.True(t, sched.Enabled)
	assert.Equal(t, 3, sched.IntervalDays)
	require.NotNil(t, sched.NextFireAt)
	assert.WithinDuration(t, before.Add(3*24*time.Hour), *sched.NextFireAt, 5*time.Second)

	// Round-trips
	got, err := store.Get("fathom")
	require.NoError(t, err)
	assert.Equal(t, sched.IntervalDays, got.IntervalDays)
	require.NotNil(t, got.NextFireAt)
}

func TestScheduleSetUnchangedKeepsCountdown(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)

	first, err := store.Set("fathom", true, 7)
	require.NoError(t, err)

	second, err := store.Set("fathom", true, 7)
	require.NoError(t, err)
	require.NotNil(t, second.NextFireAt)
	assert.WithinDuration(t, *first.NextFireAt, *second.NextFireAt, time.Second)
}

func TestScheduleSetDisableClears(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)

	_, err := store.Set("fathom", true, 7)
	require.NoError(t, err)

	sched, err := store.Set("fathom", false, 7)
	require.NoError(t, err)
	assert.Nil(t, sched.NextFireAt)
}

func TestScheduleSetRejectsInvalidInterval(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)

	_, err := store.Set("fathom", true, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInterval))
}

func TestScheduleAdvanceAfterFire(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)

	_, err := store.Set("fathom", true, 2)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	dueTime := now.Add(-1 * time.Hour)
	require.NoError(t, store.AdvanceAfterFire("fathom", dueTime, now))

	sched, err := store.Get("fathom")
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireAt)
	assert.Equal(t, dueTime.Add(2*24*time.Hour), sched.NextFireAt.UTC())

	// Five days overdue: skip the missed slots entirely
	stale := now.Add(-5 * 24 * time.Hour)
	require.NoError(t, store.AdvanceAfterFire("fathom", stale, now))
	sched, err = store.Get("fathom")
	require.NoError(t, err)
	assert.Equal(t, stale.Add(6*24*time.Hour), sched.NextFireAt.UTC())
	assert.True(t, sched.NextFireAt.After(now))
}

func backdateSchedule(t *testing.T, store *ScheduleStore, workspace string, at time.Time) {
	t.Helper()
	_, err := store.db.Exec(`UPDATE crystal_schedule SET next_fire_at = ? WHERE workspace = ?`,
		at.UTC().Format(time.RFC3339), workspace)
	require.NoError(t, err)
}

func TestScheduleTickerSpawnsWhenDue(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)
	runner := newFakeRunner()
	orchestrator := NewOrchestrator(runner, time.Minute, zap.NewNop().Sugar())
	ticker := NewScheduleTicker(store, orchestrator, time.Second, zap.NewNop().Sugar())

	_, err := store.Set("fathom", true, 1)
	require.NoError(t, err)

	now := time.Now().UTC()
	backdateSchedule(t, store, "fathom", now.Add(-time.Minute))

	require.NoError(t, ticker.checkDue(now))

	active := orchestrator.ActiveJob("fathom")
	require.NotNil(t, active)
	assert.Equal(t, JobStatusRunning, active.Status)

	// Schedule advanced to a future slot
	sched, err := store.Get("fathom")
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireAt)
	assert.True(t, sched.NextFireAt.After(now))
}

func TestScheduleTickerNoOpWhenJobRunning(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)
	runner := newFakeRunner()
	orchestrator := NewOrchestrator(runner, time.Minute, zap.NewNop().Sugar())
	ticker := NewScheduleTicker(store, orchestrator, time.Second, zap.NewNop().Sugar())

	// Occupy the workspace slot with a manual job
	manual, err := orchestrator.Spawn("fathom", SpawnRequest{})
	require.NoError(t, err)

	_, err = store.Set("fathom", true, 1)
	require.NoError(t, err)
	now := time.Now().UTC()
	backdateSchedule(t, store, "fathom", now.Add(-time.Minute))

	require.NoError(t, ticker.checkDue(now))

	// The running job is untouched and the cycle was skipped, not queued
	active := orchestrator.ActiveJob("fathom")
	require.NotNil(t, active)
	assert.Equal(t, manual.ID, active.ID)

	// nextFireAt still advanced a full interval
	sched, err := store.Get("fathom")
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireAt)
	assert.True(t, sched.NextFireAt.After(now))
}

func TestScheduleTickerSetIntervalWakesLoop(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)
	runner := newFakeRunner()
	orchestrator := NewOrchestrator(runner, time.Minute, zap.NewNop().Sugar())
	ticker := NewScheduleTicker(store, orchestrator, time.Hour, zap.NewNop().Sugar())

	_, err := store.Set("fathom", true, 1)
	require.NoError(t, err)
	backdateSchedule(t, store, "fathom", time.Now().UTC().Add(-time.Minute))

	ticker.Start()
	defer ticker.Stop()

	// An hour-long tick would never fire this schedule; shortening the
	// interval must take effect without waiting out the old cadence
	ticker.SetInterval(10 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for orchestrator.ActiveJob("fathom") == nil {
		select {
		case <-deadline:
			t.Fatal("shortened tick interval never fired the due schedule")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduleTickerIgnoresDisabled(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewScheduleStore(db)
	runner := newFakeRunner()
	orchestrator := NewOrchestrator(runner, time.Minute, zap.NewNop().Sugar())
	ticker := NewScheduleTicker(store, orchestrator, time.Second, zap.NewNop().Sugar())

	_, err := store.Set("fathom", false, 1)
	require.NoError(t, err)

	require.NoError(t, ticker.checkDue(time.Now().UTC()))
	assert.Nil(t, orchestrator.ActiveJob("fathom"))
}
