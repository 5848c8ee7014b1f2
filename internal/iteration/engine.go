package iteration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/breaker"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/lifecycle"
	"github.com/kandev/afk-supervisor/internal/logs"
	"github.com/kandev/afk-supervisor/internal/oracle"
	"github.com/kandev/afk-supervisor/internal/process"
	"github.com/kandev/afk-supervisor/internal/progress"
	"github.com/kandev/afk-supervisor/internal/store"
	"go.uber.org/zap"
)

// Engine drives sessions through their iteration loop, one goroutine per
// session (the "task-per-session" model from spec.md §5).
type Engine struct {
	cfg        Config
	lifecycle  *lifecycle.Manager
	progress   *progress.Tracker
	logs       *logs.Manager
	monitor    *process.Monitor
	breakers   *breaker.Registry
	oracle     *oracle.Gateway
	logger     *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an Engine wiring every collaborating component.
func New(cfg Config, lc *lifecycle.Manager, pt *progress.Tracker, lm *logs.Manager, mon *process.Monitor, br *breaker.Registry, gw *oracle.Gateway, log *logger.Logger) *Engine {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.IterationTimeout <= 0 {
		cfg.IterationTimeout = 30 * time.Minute
	}
	if cfg.AttemptBudget <= 0 {
		cfg.AttemptBudget = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if cfg.DefaultResetWait <= 0 {
		cfg.DefaultResetWait = 15 * time.Minute
	}
	if cfg.ForceKillDeadline <= 0 {
		cfg.ForceKillDeadline = 5 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		lifecycle: lc,
		progress:  pt,
		logs:      lm,
		monitor:   mon,
		breakers:  br,
		oracle:    gw,
		logger:    log.WithFields(zap.String("component", "iteration_engine")),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Launch plans and starts a new session's iteration loop in its own
// goroutine, returning immediately with the persisted Session.
func (e *Engine) Launch(parentCtx context.Context, task string, explicitIterations int, explicitModel, workingDir string) (*store.Session, error) {
	chosen := plan(parentCtx, e.oracle, task, explicitIterations, explicitModel)

	sess, err := e.lifecycle.Create(parentCtx, task, lifecycle.Options{
		IterationsPlanned: chosen.Iterations,
		Model:             chosen.Model,
		WorkingDir:        workingDir,
		Metadata: map[string]any{
			"plan_source":     chosen.Source,
			"plan_confidence": chosen.Confidence,
			"plan_reasoning":  chosen.Reasoning,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[sess.ID] = cancel
	e.mu.Unlock()

	go e.runSession(ctx, sess)

	return sess, nil
}

// Stop trips the cancellation token for sessionID. The running iteration
// reacts at its next suspension point within ForceKillDeadline.
func (e *Engine) Stop(sessionID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Resume restarts the iteration loop for a session recovered at startup
// (idempotence on crash), continuing from iterations_completed+1.
func (e *Engine) Resume(parentCtx context.Context, sess *store.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[sess.ID] = cancel
	e.mu.Unlock()
	go e.runSession(ctx, sess)
}

func (e *Engine) finish(sessionID string) {
	e.mu.Lock()
	delete(e.cancels, sessionID)
	e.mu.Unlock()
}

func (e *Engine) runSession(ctx context.Context, sess *store.Session) {
	defer e.finish(sess.ID)
	log := e.logger.WithSessionID(sess.ID)

	if sess.Status == store.StatusCreated {
		if err := e.lifecycle.SetStatus(ctx, sess.ID, store.StatusStarting, nil); err != nil {
			log.Error("failed to transition to starting", zap.Error(err))
			return
		}
	}
	if err := e.logs.OpenStream(sess.ID); err != nil {
		log.Error("failed to open log stream", zap.Error(err))
	}
	e.progress.Load(sess.ID, sess.IterationsPlanned)

	if sess.Status != store.StatusRunning {
		if err := e.lifecycle.SetStatus(ctx, sess.ID, store.StatusRunning, nil); err != nil {
			log.Error("failed to transition to running", zap.Error(err))
			return
		}
	}

	startAt := sess.IterationsCompleted + 1
	for n := startAt; n <= sess.IterationsPlanned; n++ {
		select {
		case <-ctx.Done():
			e.stopSession(ctx, sess.ID)
			return
		default:
		}

		ok := e.runIteration(ctx, sess, n, log)
		if !ok {
			return // runIteration already transitioned to a terminal status
		}
		if err := e.lifecycle.IncrementIteration(ctx, sess.ID, n); err != nil {
			log.Error("failed to persist iteration count", zap.Error(err))
		}
	}

	summary := fmt.Sprintf("completed all %d planned iterations", sess.IterationsPlanned)
	e.progress.CompleteSession(sess.ID, summary, "completed")
	if err := e.lifecycle.Complete(ctx, sess.ID); err != nil {
		log.Error("failed to mark session complete", zap.Error(err))
	}
}

// runIteration drives a single iteration through its attempt budget,
// returning false if the session reached a terminal state (failed or
// stopped) and the caller should stop the loop.
func (e *Engine) runIteration(ctx context.Context, sess *store.Session, n int, log *logger.Logger) bool {
	goal := fmt.Sprintf("iteration %d/%d", n, sess.IterationsPlanned)
	e.progress.StartIteration(sess.ID, n, goal)

	for attempt := 1; attempt <= e.cfg.AttemptBudget; attempt++ {
		// Each circuit fails the iteration fast with a typed error rather
		// than retrying against a breaker it already knows is open.
		if err := e.breakers.Allow(breaker.CategoryWorker); err != nil {
			log.Warn("worker circuit open; failing iteration fast", zap.Int("iteration", n))
			e.progress.FailIteration(sess.ID, err.Error())
			e.markFailed(ctx, sess.ID, err.Error(), log)
			return false
		}
		if err := e.breakers.Allow(breaker.CategoryFilesystem); err != nil {
			log.Warn("filesystem circuit open; failing iteration fast", zap.Int("iteration", n))
			e.markFailed(ctx, sess.ID, err.Error(), log)
			return false
		}
		if err := e.breakers.Allow(breaker.CategoryProcessSpawn); err != nil {
			log.Warn("process spawn circuit open; failing iteration fast", zap.Int("iteration", n))
			e.progress.FailIteration(sess.ID, err.Error())
			e.markFailed(ctx, sess.ID, err.Error(), log)
			return false
		}

		outcome, spawnErr := e.attempt(ctx, sess, n, log)
		if spawnErr == nil {
			e.breakers.RecordSuccess(breaker.CategoryProcessSpawn)
		}
		if spawnErr != nil {
			if kind, ok := apperrors.KindOf(spawnErr); ok && kind == apperrors.KindCancelled {
				e.progress.FailIteration(sess.ID, "cancelled")
				e.markStopped(ctx, sess.ID, log)
				return false
			}
			e.breakers.RecordFailure(breaker.CategoryProcessSpawn)
			log.Warn("iteration spawn failed", zap.Error(spawnErr), zap.Int("attempt", attempt))
			if attempt >= e.cfg.AttemptBudget {
				e.progress.FailIteration(sess.ID, spawnErr.Error())
				e.markFailed(ctx, sess.ID, spawnErr.Error(), log)
				return false
			}
			if !e.sleepCancellable(ctx, Backoff(e.cfg.BackoffBase, e.cfg.BackoffCap, attempt)) {
				e.markStopped(ctx, sess.ID, log)
				return false
			}
			continue
		}

		switch outcome.Class {
		case ExitClassSuccess:
			e.breakers.RecordSuccess(breaker.CategoryWorker)
			e.progress.CompleteIteration(sess.ID, "iteration completed successfully", nil, nil, nil)
			return true

		case ExitClassUsageLimit:
			log.Warn("usage limit hit; sleeping until reset", zap.Duration("reset_after", outcome.ResetAfter))
			e.progress.LogAction(sess.ID, "usage_limit", "wait_for_reset", outcome.Message, false)
			if !e.sleepCancellable(ctx, outcome.ResetAfter) {
				e.markStopped(ctx, sess.ID, log)
				return false
			}
			// Usage-limit waits don't count against the attempt budget.
			attempt--
			continue

		default:
			e.breakers.RecordFailure(breaker.CategoryWorker)
			e.progress.LogAction(sess.ID, "worker_exit", string(outcome.Class), outcome.Message, false)
			if !outcome.Retryable || attempt >= e.cfg.AttemptBudget {
				e.progress.FailIteration(sess.ID, outcome.Message)
				e.markFailed(ctx, sess.ID, outcome.Message, log)
				return false
			}
			if !e.sleepCancellable(ctx, Backoff(e.cfg.BackoffBase, e.cfg.BackoffCap, attempt)) {
				e.markStopped(ctx, sess.ID, log)
				return false
			}
		}
	}

	e.progress.FailIteration(sess.ID, "attempt budget exhausted")
	e.markFailed(ctx, sess.ID, "attempt budget exhausted", log)
	return false
}

// attempt spawns one worker child for iteration n and waits for its result.
func (e *Engine) attempt(ctx context.Context, sess *store.Session, n int, log *logger.Logger) (Outcome, error) {
	goal := fmt.Sprintf("iteration %d/%d", n, sess.IterationsPlanned)

	c, err := spawn(ctx, e.cfg, sess.ID, sess.WorkingDir, goal, func(stream, line string) {
		e.logs.Append(sess.ID, fmt.Sprintf("[%s] %s", stream, line))
	})
	if err != nil {
		return Outcome{}, err
	}

	e.monitor.Register(sess.ID, c.pid(), nil)
	if err := e.lifecycle.SetPID(ctx, sess.ID, c.pid()); err != nil {
		log.Warn("failed to persist pid", zap.Error(err))
	}
	defer e.monitor.Unregister(sess.ID)

	outcome, err := c.wait(ctx, e.cfg.IterationTimeout, e.cfg.ForceKillDeadline, e.cfg.DefaultResetWait)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// sleepCancellable sleeps for d, returning false if ctx is cancelled first.
func (e *Engine) sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) markFailed(ctx context.Context, sessionID, reason string, log *logger.Logger) {
	if err := e.lifecycle.Fail(context.Background(), sessionID, reason); err != nil {
		log.Error("failed to mark session failed", zap.Error(err))
	}
}

func (e *Engine) markStopped(ctx context.Context, sessionID string, log *logger.Logger) {
	if err := e.lifecycle.SetStatus(context.Background(), sessionID, store.StatusStopped, nil); err != nil {
		log.Error("failed to mark session stopped", zap.Error(err))
	}
}

func (e *Engine) stopSession(ctx context.Context, sessionID string) {
	e.monitor.StopSession(context.Background(), sessionID)
	if err := e.lifecycle.SetStatus(context.Background(), sessionID, store.StatusStopped, nil); err != nil {
		e.logger.Warn("failed to mark session stopped", zap.String("session_id", sessionID), zap.Error(err))
	}
	e.progress.CompleteSession(sessionID, "stopped by cancellation", "stopped")
}
