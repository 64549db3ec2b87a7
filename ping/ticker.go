package ping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/errors"
)

// Sink receives composed ping text for delivery to an agent session.
// Defined here rather than importing the session package to avoid a
// circular dependency with transports that also read routine state.
// Cancelling the context must abort a delivery in progress.
type Sink interface {
	Deliver(ctx context.Context, workspace, text string) error
}

// Scheduler drives recurring pings. It wakes at a fixed interval,
// collects routines whose nextFireAt has arrived, composes their context
// and hands the text to the sink.
type Scheduler struct {
	store    *Store
	sink     Sink
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	reload   chan struct{}
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastDueCount    int
}

// SchedulerConfig contains configuration for the ping scheduler
type SchedulerConfig struct {
	Interval time.Duration // How often to check for due routines (default: 1 second)
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 1 * time.Second,
	}
}

// NewScheduler creates a new ping scheduler
func NewScheduler(store *Store, sink Sink, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), store, sink, cfg, logger)
}

// NewSchedulerWithContext creates a scheduler with a parent context
func NewSchedulerWithContext(ctx context.Context, store *Store, sink Sink, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		store:    store,
		sink:     sink,
		interval: cfg.Interval,
		ctx:      schedCtx,
		cancel:   cancel,
		reload:   make(chan struct{}, 1),
		logger:   log,
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Ping scheduler started", "interval", s.currentInterval())
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Ping scheduler stopped")
}

// SetInterval changes the tick cadence while the scheduler runs.
// Non-positive values are ignored.
func (s *Scheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.interval != interval
	s.interval = interval
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.reload <- struct{}{}:
	default:
	}
	s.logger.Infow("Ping scheduler interval updated", "interval", interval)
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reload:
			ticker.Reset(s.currentInterval())
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = tickTime
			s.ticksSinceStart++
			s.mu.Unlock()

			s.logNextFireInfo(tickTime)

			if err := s.checkDue(tickTime); err != nil {
				// Don't spam logs - log errors at warn level
				s.logger.Warnw("Ping tick error", "error", err, "tick", s.ticksSinceStart)
			}
		}
	}
}

// logNextFireInfo logs time until the next armed routine fires.
// Only logs when the due count changes so an idle scheduler stays quiet.
func (s *Scheduler) logNextFireInfo(now time.Time) {
	next, err := s.store.NextScheduled()
	if err != nil {
		s.logger.Warnw("Failed to get next scheduled routine", "error", err)
		return
	}

	dueCount := 0
	if next != nil {
		due, err := s.store.ListDue(now)
		if err == nil {
			dueCount = len(due)
		}
	}

	s.mu.Lock()
	hasChanged := dueCount != s.lastDueCount
	s.lastDueCount = dueCount
	s.mu.Unlock()

	if !hasChanged {
		return
	}

	if next == nil || next.NextFireAt == nil {
		s.logger.Infow("Ping - no routines armed")
		return
	}

	timeUntil := next.NextFireAt.Sub(now)
	if timeUntil < 0 {
		timeUntil = 0
	}

	msg := fmt.Sprintf("Ping - next routine '%s' in %s", next.Name, timeUntil.Round(time.Second))
	if dueCount > 0 {
		msg += fmt.Sprintf(", %d due now", dueCount)
	}

	// Add system metrics when available
	if vm, err := mem.VirtualMemory(); err == nil {
		msg += fmt.Sprintf(" │ Mem: %.1f/%.1fGB (%.0f%%)",
			float64(vm.Used)/(1024*1024*1024),
			float64(vm.Total)/(1024*1024*1024),
			vm.UsedPercent)
	}

	s.logger.Infow(msg)
}

// checkDue finds routines that are due at the given time and fires them.
// Exposed on the struct (rather than inlined in run) so tests can drive
// ticks with synthetic clocks.
func (s *Scheduler) checkDue(now time.Time) error {
	routines, err := s.store.ListDue(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due routines")
	}

	if len(routines) == 0 {
		return nil
	}

	for _, routine := range routines {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if err := s.fire(routine, now); err != nil {
			s.logger.Errorw("Failed to fire routine",
				"routine_id", routine.ID,
				"workspace", routine.Workspace,
				"error", err)
			// Continue with other routines even if one fails
			continue
		}
	}

	return nil
}

// fire composes the routine's context, reschedules it, and hands the text
// to the sink. The reschedule happens before delivery so a slow or failing
// sink can never cause a refire loop.
func (s *Scheduler) fire(routine *Routine, now time.Time) error {
	fireTime := now
	if routine.NextFireAt != nil {
		fireTime = *routine.NextFireAt
	}

	text := Compose(routine.ContextSources, now)

	updated, err := s.store.RescheduleAfterFire(routine.Workspace, routine.ID, fireTime, now)
	if err != nil {
		if errors.IsNotFoundError(err) {
			// Deleted between ListDue and now - the fire is cancelled
			s.logger.Debugw("Routine deleted before fire", "routine_id", routine.ID)
			return nil
		}
		return errors.Wrap(err, "failed to reschedule routine")
	}

	if text == "" {
		s.logger.Debugw("Routine fired with no enabled sources, skipping delivery",
			"routine_id", routine.ID,
			"workspace", routine.Workspace)
		return nil
	}

	s.logger.Infow("Ping firing",
		"routine_id", routine.ID,
		"routine_name", routine.Name,
		"workspace", routine.Workspace,
		"next_fire_at", updated.NextFireAt.Format(time.RFC3339))

	// Fire-and-forget: sink delivery must not block the tick loop. The
	// scheduler context aborts a pending delivery so Stop never waits out
	// a slow sink.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sink.Deliver(s.ctx, routine.Workspace, text); err != nil {
			s.logger.Warnw("Ping delivery failed",
				"routine_id", routine.ID,
				"workspace", routine.Workspace,
				"error", err)
		}
	}()

	return nil
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.interval,
	}
}
