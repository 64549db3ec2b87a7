package ping

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathom-vault/fathom/errors"
)

// Store handles persistence of ping routines.
//
// All operations are serialized behind one mutex so a scheduler tick can
// never interleave with a patch, delete, or fire-now for the same routine.
// This is stricter than the per-workspace serialization the system needs,
// but routine counts are small and SQLite is single-writer anyway.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new routine store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewRoutineID generates a short unique id for a new routine.
func NewRoutineID() string {
	return uuid.NewString()[:8]
}

const routineColumns = `workspace, id, name, enabled, interval_minutes,
       next_fire_at, last_fire_at, context_sources, created_at, updated_at`

// List returns all routines for a workspace in creation order.
func (s *Store) List(workspace string) ([]*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT `+routineColumns+`
		FROM ping_routines
		WHERE workspace = ?
		ORDER BY created_at ASC, rowid ASC
	`, workspace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list routines")
	}
	defer rows.Close()

	var routines []*Routine
	for rows.Next() {
		routine, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		routines = append(routines, routine)
	}

	return routines, rows.Err()
}

// Get retrieves one routine by workspace and id.
func (s *Store) Get(workspace, id string) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(workspace, id)
}

// get is the lock-free variant for internal composition. Caller holds s.mu.
func (s *Store) get(workspace, id string) (*Routine, error) {
	row := s.db.QueryRow(`
		SELECT `+routineColumns+`
		FROM ping_routines
		WHERE workspace = ? AND id = ?
	`, workspace, id)

	routine, err := scanRoutine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("routine %s in workspace %s", id, workspace)
		}
		return nil, err
	}
	return routine, nil
}

// Create adds a new routine with defaults applied: disabled, 60 minute
// interval, name "New Routine". An enabled create arms the routine at
// now + interval.
func (s *Store) Create(workspace string, req CreateRequest) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	routine := &Routine{
		ID:              NewRoutineID(),
		Workspace:       workspace,
		Name:            DefaultName,
		Enabled:         false,
		IntervalMinutes: DefaultIntervalMinutes,
		ContextSources:  DefaultContextSources(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.Name != nil && *req.Name != "" {
		routine.Name = *req.Name
	}
	if req.Enabled != nil {
		routine.Enabled = *req.Enabled
	}
	if req.IntervalMinutes != nil {
		if *req.IntervalMinutes < 1 {
			return nil, errors.Wrapf(errors.ErrInvalidInterval, "intervalMinutes %d", *req.IntervalMinutes)
		}
		routine.IntervalMinutes = *req.IntervalMinutes
	}
	if req.ContextSources != nil {
		routine.ContextSources = *req.ContextSources
	}

	if routine.Enabled {
		next := now.Add(time.Duration(routine.IntervalMinutes) * time.Minute)
		routine.NextFireAt = &next
	}

	sources, err := json.Marshal(routine.ContextSources)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal context sources")
	}

	_, err = s.db.Exec(`
		INSERT INTO ping_routines (`+routineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		routine.Workspace,
		routine.ID,
		routine.Name,
		routine.Enabled,
		routine.IntervalMinutes,
		nullableTime(routine.NextFireAt),
		nullableTime(routine.LastFireAt),
		string(sources),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create routine")
		err = errors.WithDetailf(err, "Routine ID: %s", routine.ID)
		err = errors.WithDetailf(err, "Workspace: %s", workspace)
		return nil, err
	}

	return routine, nil
}

// Patch merges only the supplied fields into a routine.
//
// nextFireAt is recomputed when enabled transitions false→true, or when
// intervalMinutes changes while the routine is enabled: the countdown
// restarts at now + newInterval rather than prorating the remainder.
// Disabling clears nextFireAt.
func (s *Store) Patch(workspace, id string, patch RoutinePatch) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routine, err := s.get(workspace, id)
	if err != nil {
		return nil, err
	}

	if patch.IntervalMinutes != nil && *patch.IntervalMinutes < 1 {
		return nil, errors.Wrapf(errors.ErrInvalidInterval, "intervalMinutes %d", *patch.IntervalMinutes)
	}

	wasEnabled := routine.Enabled
	intervalChanged := false

	if patch.Name != nil {
		routine.Name = *patch.Name
		if routine.Name == "" {
			routine.Name = "Untitled"
		}
	}
	if patch.IntervalMinutes != nil && *patch.IntervalMinutes != routine.IntervalMinutes {
		routine.IntervalMinutes = *patch.IntervalMinutes
		intervalChanged = true
	}
	if patch.Enabled != nil {
		routine.Enabled = *patch.Enabled
	}
	if patch.ContextSources != nil {
		if patch.ContextSources.Time != nil {
			routine.ContextSources.Time = *patch.ContextSources.Time
		}
		if patch.ContextSources.Scripts != nil {
			routine.ContextSources.Scripts = *patch.ContextSources.Scripts
		}
		if patch.ContextSources.Texts != nil {
			routine.ContextSources.Texts = *patch.ContextSources.Texts
		}
	}

	now := time.Now().UTC()
	switch {
	case !routine.Enabled:
		routine.NextFireAt = nil
	case !wasEnabled, intervalChanged, routine.NextFireAt == nil:
		next := now.Add(time.Duration(routine.IntervalMinutes) * time.Minute)
		routine.NextFireAt = &next
	}
	routine.UpdatedAt = now

	if err := s.save(routine); err != nil {
		return nil, err
	}
	return routine, nil
}

// Delete removes a routine and thereby cancels any pending fire.
// Idempotent: deleting an absent routine is not an error.
func (s *Store) Delete(workspace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM ping_routines WHERE workspace = ? AND id = ?`, workspace, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete routine %s", id)
	}
	return nil
}

// FireNow arms a routine to fire on the next scheduler tick by setting
// nextFireAt to now. The interval and enabled state are untouched; the
// post-fire reschedule then runs normally.
//
// Fire-now against a disabled routine is rejected: a disabled routine has
// no live countdown to preempt, and silently enabling it would be a larger
// state change than the caller asked for.
func (s *Store) FireNow(workspace, id string) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routine, err := s.get(workspace, id)
	if err != nil {
		return nil, err
	}
	if !routine.Enabled {
		return nil, errors.Wrapf(errors.ErrRoutineDisabled, "routine %s", id)
	}

	now := time.Now().UTC()
	routine.NextFireAt = &now
	routine.UpdatedAt = now

	if err := s.save(routine); err != nil {
		return nil, err
	}
	return routine, nil
}

// ListDue returns enabled routines across all workspaces whose nextFireAt
// is at or before now, ordered oldest due first.
func (s *Store) ListDue(now time.Time) ([]*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT `+routineColumns+`
		FROM ping_routines
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at ASC
		LIMIT 100
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due routines")
	}
	defer rows.Close()

	var routines []*Routine
	for rows.Next() {
		routine, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		routines = append(routines, routine)
	}

	return routines, rows.Err()
}

// NextScheduled returns the soonest armed routine, or nil when nothing is
// scheduled. Used for the scheduler's status line.
func (s *Store) NextScheduled() (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT ` + routineColumns + `
		FROM ping_routines
		WHERE enabled = 1 AND next_fire_at IS NOT NULL
		ORDER BY next_fire_at ASC
		LIMIT 1
	`)

	routine, err := scanRoutine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return routine, nil
}

// RescheduleAfterFire records a completed fire: lastFireAt becomes the
// scheduled fire time and nextFireAt advances by whole intervals from that
// scheduled time until strictly after now. Rescheduling from the scheduled
// time (not the tick's wall clock) keeps repeated late ticks from drifting
// the cadence; advancing past now keeps a long outage from producing a
// burst of immediate refires.
func (s *Store) RescheduleAfterFire(workspace, id string, fireTime, now time.Time) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routine, err := s.get(workspace, id)
	if err != nil {
		return nil, err
	}

	fireTime = fireTime.UTC()
	interval := time.Duration(routine.IntervalMinutes) * time.Minute
	next := fireTime.Add(interval)
	for !next.After(now.UTC()) {
		next = next.Add(interval)
	}

	routine.LastFireAt = &fireTime
	routine.NextFireAt = &next
	routine.UpdatedAt = time.Now().UTC()

	if err := s.save(routine); err != nil {
		return nil, err
	}
	return routine, nil
}

// save writes all mutable routine fields. Caller holds s.mu.
func (s *Store) save(routine *Routine) error {
	sources, err := json.Marshal(routine.ContextSources)
	if err != nil {
		return errors.Wrap(err, "failed to marshal context sources")
	}

	result, err := s.db.Exec(`
		UPDATE ping_routines
		SET name = ?,
		    enabled = ?,
		    interval_minutes = ?,
		    next_fire_at = ?,
		    last_fire_at = ?,
		    context_sources = ?,
		    updated_at = ?
		WHERE workspace = ? AND id = ?
	`,
		routine.Name,
		routine.Enabled,
		routine.IntervalMinutes,
		nullableTime(routine.NextFireAt),
		nullableTime(routine.LastFireAt),
		string(sources),
		routine.UpdatedAt.Format(time.RFC3339),
		routine.Workspace,
		routine.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update routine")
		err = errors.WithDetailf(err, "Routine ID: %s", routine.ID)
		err = errors.WithDetailf(err, "Workspace: %s", routine.Workspace)
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("routine %s in workspace %s", routine.ID, routine.Workspace)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoutine(row rowScanner) (*Routine, error) {
	var routine Routine
	var createdAt, updatedAt, sources string
	var nextFireAt, lastFireAt sql.NullString

	err := row.Scan(
		&routine.Workspace,
		&routine.ID,
		&routine.Name,
		&routine.Enabled,
		&routine.IntervalMinutes,
		&nextFireAt,
		&lastFireAt,
		&sources,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Timestamp parse failures indicate data corruption or schema mismatch
	routine.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for routine %s", routine.ID)
	}
	routine.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for routine %s", routine.ID)
	}
	routine.NextFireAt, err = parseNullableTime(nextFireAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_fire_at for routine %s", routine.ID)
	}
	routine.LastFireAt, err = parseNullableTime(lastFireAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_fire_at for routine %s", routine.ID)
	}

	if err := json.Unmarshal([]byte(sources), &routine.ContextSources); err != nil {
		return nil, errors.Wrapf(err, "failed to parse context_sources for routine %s", routine.ID)
	}

	return &routine, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
