package ping

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-vault/fathom/errors"
	fathomtest "github.com/fathom-vault/fathom/internal/testing"
)

func ptr[T any](v T) *T {
	return &v
}

func TestCreateRoutineDefaults(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, DefaultName, routine.Name)
	assert.False(t, routine.Enabled)
	assert.Equal(t, DefaultIntervalMinutes, routine.IntervalMinutes)
	assert.Nil(t, routine.NextFireAt, "disabled routine must not be armed")
	assert.Nil(t, routine.LastFireAt)
	assert.True(t, routine.ContextSources.Time)
	assert.Empty(t, routine.ContextSources.Scripts)
	assert.Empty(t, routine.ContextSources.Texts)

	// Round-trips through SQLite
	retrieved, err := store.Get("fathom", routine.ID)
	require.NoError(t, err)
	assert.Equal(t, routine.ID, retrieved.ID)
	assert.Equal(t, routine.Name, retrieved.Name)
	assert.Equal(t, routine.ContextSources, retrieved.ContextSources)
}

func TestCreateEnabledRoutineArmsNextFire(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	before := time.Now().UTC()
	routine, err := store.Create("fathom", CreateRequest{
		Name:            ptr("Morning ping"),
		Enabled:         ptr(true),
		IntervalMinutes: ptr(30),
	})
	require.NoError(t, err)

	require.NotNil(t, routine.NextFireAt)
	expected := before.Add(30 * time.Minute)
	assert.WithinDuration(t, expected, *routine.NextFireAt, 5*time.Second)
}

func TestCreateRejectsInvalidInterval(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Create("fathom", CreateRequest{IntervalMinutes: ptr(0)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInterval))
}

func TestListRoutinesCreationOrder(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	names := []string{"first", "second", "third"}
	for _, name := range names {
		_, err := store.Create("fathom", CreateRequest{Name: ptr(name)})
		require.NoError(t, err)
	}

	// Routine in another workspace must not leak in
	_, err := store.Create("other", CreateRequest{Name: ptr("elsewhere")})
	require.NoError(t, err)

	routines, err := store.List("fathom")
	require.NoError(t, err)
	require.Len(t, routines, 3)
	for i, name := range names {
		assert.Equal(t, name, routines[i].Name)
	}
}

func TestGetRoutineNotFound(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Get("fathom", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestPatchEnableArmsRoutine(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{IntervalMinutes: ptr(15)})
	require.NoError(t, err)
	require.Nil(t, routine.NextFireAt)

	before := time.Now().UTC()
	patched, err := store.Patch("fathom", routine.ID, RoutinePatch{Enabled: ptr(true)})
	require.NoError(t, err)

	require.NotNil(t, patched.NextFireAt)
	assert.WithinDuration(t, before.Add(15*time.Minute), *patched.NextFireAt, 5*time.Second)
}

func TestPatchDisableClearsNextFire(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{Enabled: ptr(true)})
	require.NoError(t, err)
	require.NotNil(t, routine.NextFireAt)

	patched, err := store.Patch("fathom", routine.ID, RoutinePatch{Enabled: ptr(false)})
	require.NoError(t, err)
	assert.Nil(t, patched.NextFireAt)
}

func TestPatchIntervalChangeRestartsCountdown(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{
		Enabled:         ptr(true),
		IntervalMinutes: ptr(60),
	})
	require.NoError(t, err)

	before := time.Now().UTC()
	patched, err := store.Patch("fathom", routine.ID, RoutinePatch{IntervalMinutes: ptr(5)})
	require.NoError(t, err)

	require.NotNil(t, patched.NextFireAt)
	// Countdown restarts at now + newInterval, not prorated from the old one
	assert.WithinDuration(t, before.Add(5*time.Minute), *patched.NextFireAt, 5*time.Second)
}

func TestPatchIntervalWhileDisabledStaysUnarmed(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{})
	require.NoError(t, err)

	patched, err := store.Patch("fathom", routine.ID, RoutinePatch{IntervalMinutes: ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, patched.IntervalMinutes)
	assert.Nil(t, patched.NextFireAt)
}

func TestPatchPartialLeavesOtherFieldsAlone(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{
		Name: ptr("original"),
		ContextSources: ptr(ContextSources{
			Time:    true,
			Scripts: []ScriptSource{{Label: "S", Command: "echo s", Enabled: true}},
			Texts:   []TextSource{{Label: "T", Content: "note", Enabled: true}},
		}),
	})
	require.NoError(t, err)

	patched, err := store.Patch("fathom", routine.ID, RoutinePatch{Name: ptr("renamed")})
	require.NoError(t, err)

	assert.Equal(t, "renamed", patched.Name)
	assert.Equal(t, routine.IntervalMinutes, patched.IntervalMinutes)
	assert.Equal(t, routine.ContextSources, patched.ContextSources)
}

func TestPatchContextSourcesReplacesSlices(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{
		ContextSources: ptr(ContextSources{
			Time:    true,
			Scripts: []ScriptSource{{Label: "Old", Command: "old", Enabled: true}},
			Texts:   []TextSource{{Label: "Keep", Content: "kept", Enabled: true}},
		}),
	})
	require.NoError(t, err)

	newScripts := []ScriptSource{
		{Label: "A", Command: "a", Enabled: true},
		{Label: "B", Command: "b", Enabled: false},
	}
	patched, err := store.Patch("fathom", routine.ID, RoutinePatch{
		ContextSources: &ContextSourcesPatch{Scripts: &newScripts},
	})
	require.NoError(t, err)

	// Supplied slice replaces wholesale; untouched fields persist
	assert.Equal(t, newScripts, patched.ContextSources.Scripts)
	assert.True(t, patched.ContextSources.Time)
	require.Len(t, patched.ContextSources.Texts, 1)
	assert.Equal(t, "kept", patched.ContextSources.Texts[0].Content)
}

func TestPatchRejectsInvalidInterval(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{})
	require.NoError(t, err)

	_, err = store.Patch("fathom", routine.ID, RoutinePatch{IntervalMinutes: ptr(-3)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInterval))
}

func TestPatchNotFound(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Patch("fathom", "missing", RoutinePatch{Name: ptr("x")})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDeleteRoutineIdempotent(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{})
	require.NoError(t, err)

	require.NoError(t, store.Delete("fathom", routine.ID))
	_, err = store.Get("fathom", routine.ID)
	assert.True(t, errors.IsNotFoundError(err))

	// Second delete of the same id is not an error
	require.NoError(t, store.Delete("fathom", routine.ID))
}

func TestFireNowArmsImmediately(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{
		Enabled:         ptr(true),
		IntervalMinutes: ptr(60),
	})
	require.NoError(t, err)

	fired, err := store.FireNow("fathom", routine.ID)
	require.NoError(t, err)

	require.NotNil(t, fired.NextFireAt)
	assert.WithinDuration(t, time.Now().UTC(), *fired.NextFireAt, 5*time.Second)
	assert.Equal(t, 60, fired.IntervalMinutes)

	due, err := store.ListDue(time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, routine.ID, due[0].ID)
}

func TestFireNowRejectsDisabledRoutine(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	routine, err := store.Create("fathom", CreateRequest{})
	require.NoError(t, err)

	_, err = store.FireNow("fathom", routine.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRoutineDisabled))
}

func TestListDueFiltersAndOrders(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	past, err := store.Create("fathom", CreateRequest{Name: ptr("past"), Enabled: ptr(true)})
	require.NoError(t, err)
	older, err := store.Create("fathom", CreateRequest{Name: ptr("older"), Enabled: ptr(true)})
	require.NoError(t, err)
	_, err = store.Create("fathom", CreateRequest{Name: ptr("future"), Enabled: ptr(true)})
	require.NoError(t, err)
	disabled, err := store.Create("fathom", CreateRequest{Name: ptr("disabled")})
	require.NoError(t, err)
	_ = disabled

	// Backdate the two due routines directly
	_, err = db.Exec(`UPDATE ping_routines SET next_fire_at = ? WHERE id = ?`,
		now.Add(-5*time.Minute).Format(time.RFC3339), past.ID)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE ping_routines SET next_fire_at = ? WHERE id = ?`,
		now.Add(-20*time.Minute).Format(time.RFC3339), older.ID)
	require.NoError(t, err)

	due, err := store.ListDue(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "older", due[0].Name)
	assert.Equal(t, "past", due[1].Name)
}

func TestRescheduleAfterFireAdvancesWholeIntervals(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	routine, err := store.Create("fathom", CreateRequest{
		Enabled:         ptr(true),
		IntervalMinutes: ptr(10),
	})
	require.NoError(t, err)

	// Fired on time: next = fireTime + interval
	fireTime := now.Add(-time.Second)
	updated, err := store.RescheduleAfterFire("fathom", routine.ID, fireTime, now)
	require.NoError(t, err)
	require.NotNil(t, updated.LastFireAt)
	assert.WithinDuration(t, fireTime, *updated.LastFireAt, time.Second)
	require.NotNil(t, updated.NextFireAt)
	assert.WithinDuration(t, fireTime.Add(10*time.Minute), *updated.NextFireAt, time.Second)

	// Fired 35 minutes late: skip the missed slots, land on the next future one
	staleFire := now.Add(-35 * time.Minute)
	updated, err = store.RescheduleAfterFire("fathom", routine.ID, staleFire, now)
	require.NoError(t, err)
	require.NotNil(t, updated.NextFireAt)
	assert.WithinDuration(t, staleFire.Add(40*time.Minute), *updated.NextFireAt, time.Second)
	assert.True(t, updated.NextFireAt.After(now))
}

func TestNextScheduled(t *testing.T) {
	db := fathomtest.CreateTestDB(t)
	store := NewStore(db)

	next, err := store.NextScheduled()
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = store.Create("fathom", CreateRequest{Name: ptr("later"), Enabled: ptr(true), IntervalMinutes: ptr(120)})
	require.NoError(t, err)
	soon, err := store.Create("fathom", CreateRequest{Name: ptr("soon"), Enabled: ptr(true), IntervalMinutes: ptr(10)})
	require.NoError(t, err)

	next, err = store.NextScheduled()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, soon.ID, next.ID)
}

func TestListDueQueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	store := NewStore(mockDB)
	_, err = store.ListDue(time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list due routines")
	assert.NoError(t, mock.ExpectationsWereMet())
}
