package crystal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 64

	// DefaultTaskTimeout is the silence window after which a job with no
	// events is declared failed
	DefaultTaskTimeout = 10 * time.Minute
)

// Runner executes the external synthesis task. Run returns a channel on
// which the task reports progress events followed by exactly one terminal
// event, then closes it. Cancelling the context must terminate the task.
type Runner interface {
	Run(ctx context.Context, workspace string, req SpawnRequest) (<-chan Event, error)
}

// jobState couples a job with its live subscribers and the cancel func for
// its runner context.
type jobState struct {
	job         *Job
	subscribers []chan Event
	cancel      context.CancelFunc
}

// Orchestrator owns the single active synthesis job per workspace.
//
// The active-job slot is acquired check-and-set under one mutex, so two
// concurrent Spawn calls for the same workspace race safely: exactly one
// wins, the other gets ErrAlreadyRunning. Routines and schedules only
// request job creation through Spawn; nothing outside this package mutates
// job state.
type Orchestrator struct {
	runner      Runner
	taskTimeout time.Duration
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	jobs   map[string]*jobState // by job id
	active map[string]string    // workspace -> running job id
	latest map[string]string    // workspace -> most recent job id (terminal jobs retained for inspection)
}

// NewOrchestrator creates a job orchestrator. taskTimeout bounds the
// silence window; zero selects the default of 10 minutes.
func NewOrchestrator(runner Runner, taskTimeout time.Duration, logger *zap.SugaredLogger) *Orchestrator {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Orchestrator{
		runner:      runner,
		taskTimeout: taskTimeout,
		logger:      logger,
		jobs:        make(map[string]*jobState),
		active:      make(map[string]string),
		latest:      make(map[string]string),
	}
}

// Spawn starts a synthesis job for the workspace and returns its handle
// immediately; it never blocks on task completion. Fails with
// ErrAlreadyRunning while the workspace's previous job is still running.
// The previous terminal job for the workspace is dropped at this point.
func (o *Orchestrator) Spawn(workspace string, req SpawnRequest) (*Job, error) {
	o.mu.Lock()
	if runningID, ok := o.active[workspace]; ok {
		o.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrAlreadyRunning, "job %s in workspace %s", runningID, workspace)
	}

	job := &Job{
		ID:        NewJobID(),
		Workspace: workspace,
		Status:    JobStatusRunning,
		Progress:  0,
		Stage:     "Starting…",
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &jobState{job: job, cancel: cancel}

	// Claim the slot before releasing the lock so a concurrent Spawn
	// observes it even while the runner is still starting
	if prevID, ok := o.latest[workspace]; ok {
		delete(o.jobs, prevID)
	}
	o.jobs[job.ID] = state
	o.active[workspace] = job.ID
	o.latest[workspace] = job.ID
	o.mu.Unlock()

	events, err := o.runner.Run(ctx, workspace, req)
	if err != nil {
		cancel()
		o.resolve(state, JobStatusFailed, errors.Wrap(err, "failed to start synthesis task").Error())
		return nil, errors.Wrap(err, "failed to start synthesis task")
	}

	o.logger.Infow("Crystal job spawned",
		"job_id", job.ID,
		"workspace", workspace,
		"strip_system_prompt", req.StripSystemPrompt,
		"has_additional_context", req.AdditionalContext != "")

	go o.relay(state, events)

	handle := *job
	return &handle, nil
}

// relay forwards runner events to subscribers until the terminal event, the
// silence watchdog, or a closed channel ends the job. Once running, every
// failure becomes job state; nothing propagates back to the Spawn caller.
func (o *Orchestrator) relay(state *jobState, events <-chan Event) {
	watchdog := time.NewTimer(o.timeout())
	defer watchdog.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Runner closed without a terminal event
				o.resolve(state, JobStatusFailed, "synthesis task ended without reporting a result")
				return
			}

			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(o.timeout())

			switch ev.Type {
			case EventTypeProgress:
				o.applyProgress(state, ev)
			case EventTypeDone:
				status := ev.Status
				if !status.IsTerminal() {
					status = JobStatusFailed
				}
				o.resolve(state, status, ev.Error)
				return
			}

		case <-watchdog.C:
			window := o.timeout()
			o.logger.Warnw("Crystal job timed out",
				"job_id", state.job.ID,
				"workspace", state.job.Workspace,
				"silence_window", window)
			state.cancel()
			o.resolve(state, JobStatusFailed,
				errors.Wrapf(errors.ErrTimeout, "no progress within %s", window).Error())
			// The cancelled runner may still be blocked on a send, at
			// minimum its terminal event. Drain until it closes the
			// channel so its goroutine can exit.
			for range events {
			}
			return
		}
	}
}

// SetTaskTimeout updates the silence window for new jobs and for running
// jobs at their next watchdog reset. Non-positive values are ignored.
func (o *Orchestrator) SetTaskTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.taskTimeout = d
	o.mu.Unlock()
}

func (o *Orchestrator) timeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.taskTimeout
}

// applyProgress clamps the reported progress to [0,100] and fans it out.
// A decrease reported by the task is propagated as-is.
func (o *Orchestrator) applyProgress(state *jobState, ev Event) {
	if ev.Progress < 0 {
		ev.Progress = 0
	}
	if ev.Progress > 100 {
		ev.Progress = 100
	}

	o.mu.Lock()
	job := state.job
	if job.Status.IsTerminal() {
		// Progress after the terminal event is dropped
		o.mu.Unlock()
		return
	}
	job.Progress = ev.Progress
	job.Stage = ev.Stage
	subscribers := append([]chan Event(nil), state.subscribers...)
	o.mu.Unlock()

	o.logger.Debugw("Crystal progress",
		"job_id", job.ID,
		"progress", ev.Progress,
		"stage", ev.Stage)

	for _, ch := range subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber - drop the update rather than block the task
		}
	}
}

// resolve marks the job terminal exactly once, notifies subscribers, and
// releases the workspace's active-job slot. The terminal job is retained
// for inspection until the workspace's next spawn.
func (o *Orchestrator) resolve(state *jobState, status JobStatus, errMsg string) {
	o.mu.Lock()
	job := state.job
	if job.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	job.Status = status
	job.Error = errMsg
	job.CompletedAt = &now
	if status == JobStatusDone {
		job.Progress = 100
	}

	if o.active[job.Workspace] == job.ID {
		delete(o.active, job.Workspace)
	}
	subscribers := state.subscribers
	state.subscribers = nil
	o.mu.Unlock()

	state.cancel()

	if status == JobStatusFailed {
		o.logger.Warnw("Crystal job failed",
			"job_id", job.ID,
			"workspace", job.Workspace,
			"error", errMsg,
			"last_progress", job.Progress,
			"last_stage", job.Stage)
	} else {
		o.logger.Infow("Crystal job done",
			"job_id", job.ID,
			"workspace", job.Workspace,
			"duration", now.Sub(job.CreatedAt).Round(time.Second))
	}

	terminal := Event{Type: EventTypeDone, Status: status, Error: errMsg}
	for _, ch := range subscribers {
		select {
		case ch <- terminal:
		default:
			// Full buffer: evict the oldest queued progress event to make
			// room. No other sender remains, so the retry cannot block.
			select {
			case <-ch:
			default:
			}
			ch <- terminal
		}
		close(ch)
	}
}

// GetJob returns a snapshot of a job by id.
func (o *Orchestrator) GetJob(jobID string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.jobs[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", jobID)
	}
	snapshot := *state.job
	return &snapshot, nil
}

// ActiveJob returns the workspace's running job, or nil when the slot is
// free.
func (o *Orchestrator) ActiveJob(workspace string) *Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, ok := o.active[workspace]
	if !ok {
		return nil
	}
	snapshot := *o.jobs[id].job
	return &snapshot
}

// Subscribe attaches to a job's event stream from this point onward;
// earlier progress is not replayed. The channel closes after the terminal
// event (delivered immediately if the job is already terminal). The cancel
// func detaches early and is safe to call more than once.
func (o *Orchestrator) Subscribe(jobID string) (<-chan Event, func(), error) {
	o.mu.Lock()

	state, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return nil, nil, errors.NewNotFoundError("job %s", jobID)
	}

	ch := make(chan Event, SubscriberChannelBufferSize)
	if state.job.Status.IsTerminal() {
		ch <- Event{Type: EventTypeDone, Status: state.job.Status, Error: state.job.Error}
		close(ch)
		o.mu.Unlock()
		return ch, func() {}, nil
	}

	state.subscribers = append(state.subscribers, ch)
	o.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.unsubscribe(state, ch)
		})
	}
	return ch, cancel, nil
}

// unsubscribe detaches a subscriber channel without closing it; resolve
// owns channel close for attached subscribers.
func (o *Orchestrator) unsubscribe(state *jobState, ch chan Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, sub := range state.subscribers {
		if sub == ch {
			state.subscribers = append(state.subscribers[:i], state.subscribers[i+1:]...)
			return
		}
	}
}
