package crystal

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/errors"
)

// DefaultIntervalDays is the regeneration cadence a workspace starts with
const DefaultIntervalDays = 7

// Schedule is the per-workspace singleton regeneration cadence. When due
// it spawns a synthesis job with no additional context.
type Schedule struct {
	Workspace    string     `json:"workspace"`
	Enabled      bool       `json:"enabled"`
	IntervalDays int        `json:"intervalDays"`
	NextFireAt   *time.Time `json:"nextFireAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ScheduleStore persists regeneration schedules, one row per workspace.
type ScheduleStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewScheduleStore creates a new schedule store
func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// Get returns the workspace's schedule. A workspace that has never been
// configured gets the disabled default, not an error.
func (s *ScheduleStore) Get(workspace string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(workspace)
}

func (s *ScheduleStore) get(workspace string) (*Schedule, error) {
	row := s.db.QueryRow(`
		SELECT workspace, enabled, interval_days, next_fire_at, updated_at
		FROM crystal_schedule
		WHERE workspace = ?
	`, workspace)

	var sched Schedule
	var nextFireAt sql.NullString
	var updatedAt string

	err := row.Scan(&sched.Workspace, &sched.Enabled, &sched.IntervalDays, &nextFireAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Schedule{
				Workspace:    workspace,
				Enabled:      false,
				IntervalDays: DefaultIntervalDays,
			}, nil
		}
		return nil, errors.Wrapf(err, "failed to get schedule for workspace %s", workspace)
	}

	sched.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for workspace %s", workspace)
	}
	if nextFireAt.Valid {
		t, err := time.Parse(time.RFC3339, nextFireAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_fire_at for workspace %s", workspace)
		}
		sched.NextFireAt = &t
	}

	return &sched, nil
}

// Set replaces the workspace's schedule configuration. Enabling (or
// changing the interval while enabled) restarts the countdown at
// now + interval; disabling clears it.
func (s *ScheduleStore) Set(workspace string, enabled bool, intervalDays int) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intervalDays < 1 {
		return nil, errors.Wrapf(errors.ErrInvalidInterval, "intervalDays %d", intervalDays)
	}

	current, err := s.get(workspace)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sched := &Schedule{
		Workspace:    workspace,
		Enabled:      enabled,
		IntervalDays: intervalDays,
		UpdatedAt:    now,
	}
	if enabled {
		if current.Enabled && current.IntervalDays == intervalDays && current.NextFireAt != nil {
			// Unchanged cadence keeps its countdown
			sched.NextFireAt = current.NextFireAt
		} else {
			next := now.Add(time.Duration(intervalDays) * 24 * time.Hour)
			sched.NextFireAt = &next
		}
	}

	if err := s.save(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// ListDue returns enabled schedules due at or before now.
func (s *ScheduleStore) ListDue(now time.Time) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT workspace, enabled, interval_days, next_fire_at, updated_at
		FROM crystal_schedule
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at ASC
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	defer rows.Close()

	var due []*Schedule
	for rows.Next() {
		var sched Schedule
		var nextFireAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&sched.Workspace, &sched.Enabled, &sched.IntervalDays, &nextFireAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		sched.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if nextFireAt.Valid {
			t, err := time.Parse(time.RFC3339, nextFireAt.String)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse next_fire_at for workspace %s", sched.Workspace)
			}
			sched.NextFireAt = &t
		}
		due = append(due, &sched)
	}

	return due, rows.Err()
}

// AdvanceAfterFire moves nextFireAt forward by whole intervals from the due
// time until strictly after now. Called for every fire, including ones the
// orchestrator rejected: a busy cycle is skipped, never queued.
func (s *ScheduleStore) AdvanceAfterFire(workspace string, dueTime, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := s.get(workspace)
	if err != nil {
		return err
	}
	if !sched.Enabled {
		return nil
	}

	interval := time.Duration(sched.IntervalDays) * 24 * time.Hour
	next := dueTime.UTC().Add(interval)
	for !next.After(now.UTC()) {
		next = next.Add(interval)
	}

	sched.NextFireAt = &next
	sched.UpdatedAt = time.Now().UTC()
	return s.save(sched)
}

func (s *ScheduleStore) save(sched *Schedule) error {
	var nextFireAt interface{}
	if sched.NextFireAt != nil {
		nextFireAt = sched.NextFireAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO crystal_schedule (workspace, enabled, interval_days, next_fire_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			enabled = excluded.enabled,
			interval_days = excluded.interval_days,
			next_fire_at = excluded.next_fire_at,
			updated_at = excluded.updated_at
	`,
		sched.Workspace,
		sched.Enabled,
		sched.IntervalDays,
		nextFireAt,
		sched.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save schedule for workspace %s", sched.Workspace)
	}
	return nil
}

// ScheduleTicker drives the regeneration schedule: it wakes periodically,
// finds due workspaces, and asks the orchestrator to spawn. A spawn that
// loses to an already-running job is a no-op for that cycle; the schedule
// still advances so the busy cycle is skipped rather than retried early.
type ScheduleTicker struct {
	store        *ScheduleStore
	orchestrator *Orchestrator
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	reload       chan struct{}
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	interval time.Duration
}

// NewScheduleTicker creates the regeneration schedule ticker
func NewScheduleTicker(store *ScheduleStore, orchestrator *Orchestrator, interval time.Duration, logger *zap.SugaredLogger) *ScheduleTicker {
	return NewScheduleTickerWithContext(context.Background(), store, orchestrator, interval, logger)
}

// NewScheduleTickerWithContext creates a ticker with a parent context
func NewScheduleTickerWithContext(ctx context.Context, store *ScheduleStore, orchestrator *Orchestrator, interval time.Duration, log *zap.SugaredLogger) *ScheduleTicker {
	tickerCtx, cancel := context.WithCancel(ctx)
	return &ScheduleTicker{
		store:        store,
		orchestrator: orchestrator,
		interval:     interval,
		ctx:          tickerCtx,
		cancel:       cancel,
		reload:       make(chan struct{}, 1),
		logger:       log,
	}
}

// Start begins the ticker loop
func (t *ScheduleTicker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Crystal schedule ticker started", "interval", t.currentInterval())
}

// SetInterval changes the tick cadence while the ticker runs.
// Non-positive values are ignored.
func (t *ScheduleTicker) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.mu.Lock()
	changed := t.interval != interval
	t.interval = interval
	t.mu.Unlock()

	if !changed {
		return
	}
	select {
	case t.reload <- struct{}{}:
	default:
	}
	t.logger.Infow("Crystal schedule tick interval updated", "interval", interval)
}

func (t *ScheduleTicker) currentInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Stop gracefully stops the ticker
func (t *ScheduleTicker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Crystal schedule ticker stopped")
}

func (t *ScheduleTicker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.reload:
			ticker.Reset(t.currentInterval())
		case tickTime := <-ticker.C:
			if err := t.checkDue(tickTime); err != nil {
				t.logger.Warnw("Crystal schedule tick error", "error", err)
			}
		}
	}
}

// checkDue fires every due workspace once and advances its schedule.
func (t *ScheduleTicker) checkDue(now time.Time) error {
	due, err := t.store.ListDue(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, sched := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		dueTime := now
		if sched.NextFireAt != nil {
			dueTime = *sched.NextFireAt
		}

		job, err := t.orchestrator.Spawn(sched.Workspace, SpawnRequest{})
		switch {
		case errors.IsAlreadyRunningError(err):
			t.logger.Infow("Crystal regeneration skipped, job already running",
				"workspace", sched.Workspace)
		case err != nil:
			t.logger.Errorw("Crystal regeneration spawn failed",
				"workspace", sched.Workspace,
				"error", err)
		default:
			t.logger.Infow("Crystal regeneration spawned",
				"workspace", sched.Workspace,
				"job_id", job.ID)
		}

		// The schedule advances even on a skipped or failed cycle
		if err := t.store.AdvanceAfterFire(sched.Workspace, dueTime, now); err != nil {
			t.logger.Errorw("Failed to advance crystal schedule",
				"workspace", sched.Workspace,
				"error", err)
		}
	}

	return nil
}
