// Package session delivers composed ping text into the live agent session.
// The session itself (a long-lived tmux pane running the agent CLI) is an
// external collaborator; this package only injects text into it.
package session

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathom-vault/fathom/errors"
)

// TmuxConfig configures delivery into the persistent tmux session.
type TmuxConfig struct {
	Session             string // tmux session name
	PaneIDFile          string // optional file holding the target pane id
	AgentBinary         string
	AgentModel          string
	WorkDir             string
	DeliveriesPerMinute int // rate limit on injections; 0 disables limiting
}

// TmuxSink injects ping text into the persistent tmux session with
// send-keys. Deliveries are rate limited so a burst of due routines cannot
// flood the live session faster than the agent can absorb input.
type TmuxSink struct {
	cfg     TmuxConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	mu      sync.Mutex
}

// NewTmuxSink creates a tmux-backed delivery sink
func NewTmuxSink(cfg TmuxConfig, logger *zap.SugaredLogger) *TmuxSink {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.DeliveriesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.DeliveriesPerMinute)), 1)
	}
	return &TmuxSink{cfg: cfg, limiter: limiter, logger: logger}
}

// Deliver injects text into the session as one user message. Starts the
// session first when it is not running. Failures are returned for the
// caller to log; routine state is unaffected either way. Cancelling ctx
// aborts the delivery, including its readiness and flush waits, so a
// shutting-down scheduler is never stuck behind a cold session start.
func (s *TmuxSink) Deliver(ctx context.Context, workspace, text string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "delivery rate limiter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning() {
		if err := s.start(); err != nil {
			return errors.Wrap(err, "session not running and could not be started")
		}
		// Give the agent time to become ready for input
		if err := sleepCtx(ctx, 10*time.Second); err != nil {
			return errors.Wrap(err, "cancelled while session was warming up")
		}
	}

	pane := s.targetPane()

	// Send the text literally, then Enter after a flush pause
	if err := exec.Command("tmux", "send-keys", "-t", pane, "-l", text).Run(); err != nil {
		return errors.Wrapf(err, "failed to send text to pane %s", pane)
	}
	if err := sleepCtx(ctx, time.Second); err != nil {
		return errors.Wrap(err, "cancelled before input flush")
	}
	if err := exec.Command("tmux", "send-keys", "-t", pane, "", "Enter").Run(); err != nil {
		return errors.Wrapf(err, "failed to send enter to pane %s", pane)
	}

	s.logger.Debugw("Delivered ping to session",
		"workspace", workspace,
		"pane", pane,
		"length", len(text))
	return nil
}

// SetRateLimit updates the delivery rate limit; 0 or a negative value
// disables limiting. Safe to call while deliveries are in flight.
func (s *TmuxSink) SetRateLimit(deliveriesPerMinute int) {
	if deliveriesPerMinute > 0 {
		s.limiter.SetLimit(rate.Every(time.Minute / time.Duration(deliveriesPerMinute)))
	} else {
		s.limiter.SetLimit(rate.Inf)
	}
}

// sleepCtx waits out the duration unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRunning reports whether the tmux session exists.
func (s *TmuxSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning()
}

func (s *TmuxSink) isRunning() bool {
	return exec.Command("tmux", "has-session", "-t", s.cfg.Session).Run() == nil
}

// EnsureRunning starts the session if it is not already up.
func (s *TmuxSink) EnsureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning() {
		return nil
	}
	return s.start()
}

// Restart kills and relaunches the session, resuming the previous
// conversation.
func (s *TmuxSink) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning() {
		if err := exec.Command("tmux", "kill-session", "-t", s.cfg.Session).Run(); err != nil {
			return errors.Wrap(err, "failed to kill session")
		}
		time.Sleep(time.Second)
	}
	return s.startWithArgs("--continue")
}

func (s *TmuxSink) start() error {
	return s.startWithArgs()
}

func (s *TmuxSink) startWithArgs(extra ...string) error {
	args := []string{"new-session", "-d", "-s", s.cfg.Session, s.cfg.AgentBinary}
	args = append(args, extra...)
	args = append(args,
		"--model", s.cfg.AgentModel,
		"--permission-mode", "bypassPermissions",
	)

	cmd := exec.Command("tmux", args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = sessionEnv()
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to start session %s", s.cfg.Session)
	}

	// Give the agent a moment to initialize
	time.Sleep(2 * time.Second)
	if !s.isRunning() {
		return errors.Newf("session %s exited immediately after start", s.cfg.Session)
	}

	s.logger.Infow("Session started", "session", s.cfg.Session)
	return nil
}

// targetPane resolves the main pane target: the pane-id file when the
// launcher wrote one, otherwise the session-level target.
func (s *TmuxSink) targetPane() string {
	if s.cfg.PaneIDFile != "" {
		if data, err := os.ReadFile(s.cfg.PaneIDFile); err == nil {
			if pane := strings.TrimSpace(string(data)); pane != "" {
				return pane
			}
		}
	}
	return s.cfg.Session
}

// sessionEnv strips the nested-session guard variable so the agent CLI can
// start inside a session launched by another agent.
func sessionEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
