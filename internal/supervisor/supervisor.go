// Package supervisor wires the Session Store, Progress Tracker, Log
// Manager, Process Monitor, Circuit Breaker Registry, Oracle Gateway,
// Lifecycle Manager, Iteration Engine, Cleanup Engine, and Schedule
// Engine into the single public surface described by spec.md §2: submit,
// stop, resume, get, list, tail, stats, cleanup.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/breaker"
	"github.com/kandev/afk-supervisor/internal/cleanup"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/config"
	"github.com/kandev/afk-supervisor/internal/iteration"
	"github.com/kandev/afk-supervisor/internal/lifecycle"
	"github.com/kandev/afk-supervisor/internal/logs"
	"github.com/kandev/afk-supervisor/internal/oracle"
	"github.com/kandev/afk-supervisor/internal/process"
	"github.com/kandev/afk-supervisor/internal/progress"
	"github.com/kandev/afk-supervisor/internal/schedule"
	"github.com/kandev/afk-supervisor/internal/store"
	"go.uber.org/zap"
)

// Supervisor is the root object: one per running afk-supervisor process.
type Supervisor struct {
	cfg *config.Config

	store     *store.Store
	progress  *progress.Tracker
	logs      *logs.Manager
	monitor   *process.Monitor
	breakers  *breaker.Registry
	oracle    *oracle.Gateway
	lifecycle *lifecycle.Manager
	iteration *iteration.Engine
	cleanup   *cleanup.Engine
	schedule  *schedule.Engine

	logger *logger.Logger

	shutdownDeadline time.Duration
	cleanupInterval  time.Duration
}

// Filters narrows List to a subset of sessions.
type Filters struct {
	Statuses []store.Status
}

// New constructs every component from cfg and wires them together. It does
// not start background loops or recover in-flight sessions; call Start for
// that.
func New(cfg *config.Config, log *logger.Logger) (*Supervisor, error) {
	dbPath := cfg.Database.Path
	if cfg.Database.Driver == "sqlite" && !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.DataRoot, dbPath)
	}
	st, err := store.Open(cfg.Database.Driver, dbPath, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, err
	}

	pt, err := progress.New(filepath.Join(cfg.DataRoot, "progress"), log)
	if err != nil {
		return nil, err
	}

	lm, err := logs.New(logs.Config{
		Dir:           filepath.Join(cfg.DataRoot, "logs"),
		MaxLogSizeMiB: cfg.LogManager.MaxLogSizeMiB,
		RetentionDays: cfg.LogManager.RetentionDays,
	}, log)
	if err != nil {
		return nil, err
	}

	mon := process.New(log)
	breakers := breaker.NewRegistry(log)
	pt.SetPersistFailureHook(func(error) { breakers.RecordFailure(breaker.CategoryFilesystem) })
	lm.SetWriteFailureHook(func(error) { breakers.RecordFailure(breaker.CategoryFilesystem) })

	gw := oracle.New(oracle.Config{
		Binary:            cfg.Oracle.Binary,
		CronTimeout:       cfg.Oracle.CronTimeout,
		ComplexityTimeout: cfg.Oracle.ComplexityTimeout,
		MaxRetries:        cfg.Oracle.MaxRetries,
		CacheTTL:          cfg.Oracle.CacheTTL,
		CacheSize:         cfg.Oracle.CacheSize,
	}, log)

	lc := lifecycle.New(st, lm, log)

	ie := iteration.New(iteration.Config{
		WorkerBinary:      cfg.Worker.Binary,
		WorkerEnv:         cfg.Worker.Env,
		ProbeTimeout:      cfg.Iteration.ProbeTimeout,
		IterationTimeout:  cfg.Iteration.IterationTimeout,
		AttemptBudget:     cfg.Iteration.AttemptBudget,
		BackoffBase:       cfg.Iteration.BackoffBase,
		BackoffCap:        cfg.Iteration.BackoffCap,
		DefaultResetWait:  cfg.Iteration.DefaultResetWait,
		ForceKillDeadline: cfg.Iteration.ForceKillDeadline,
	}, lc, pt, lm, mon, breakers, gw, log)

	retentionDays := make(map[store.Status]int, len(cfg.Cleanup.RetentionDays))
	for k, v := range cfg.Cleanup.RetentionDays {
		retentionDays[store.Status(k)] = v
	}
	ce, err := cleanup.New(st, lm, cleanup.Config{
		LogsDir:   filepath.Join(cfg.DataRoot, "logs"),
		AuditDir:  filepath.Join(cfg.DataRoot, "audit"),
		LegacyDir: filepath.Join(cfg.DataRoot, "legacy_registry"),
		Policy: cleanup.RetentionPolicy{
			RetentionDays:      retentionDays,
			PreserveRecent:     cfg.Cleanup.PreserveRecent,
			LegacyRegistryDays: cfg.Cleanup.LegacyRegistryDays,
		},
	}, log)
	if err != nil {
		return nil, err
	}

	se, err := schedule.New(schedule.Config{Dir: filepath.Join(cfg.DataRoot, "schedules")}, gw, ie, log)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		cfg:              cfg,
		store:            st,
		progress:         pt,
		logs:             lm,
		monitor:          mon,
		breakers:         breakers,
		oracle:           gw,
		lifecycle:        lc,
		iteration:        ie,
		cleanup:          ce,
		schedule:         se,
		logger:           log.WithFields(zap.String("component", "supervisor")),
		shutdownDeadline: 10 * time.Second,
		cleanupInterval:  cfg.Cleanup.Interval,
	}, nil
}

// Start runs the crash-recovery scan over non-terminal sessions, restores
// persisted schedules, and launches the Cleanup Engine's ticker. Call once
// after New, before serving requests.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recoverInFlightSessions(ctx); err != nil {
		s.logger.Error("crash recovery scan failed", zap.Error(err))
	}
	if err := s.schedule.Restore(); err != nil {
		s.logger.Error("failed to restore schedules", zap.Error(err))
	}
	go s.cleanup.Run(ctx, s.cleanupInterval)
	return nil
}

// recoverInFlightSessions implements the "idempotence on crash" contract:
// every non-terminal session left over from a prior process is either
// resumed (if its worker still appears alive) or marked failed.
func (s *Supervisor) recoverInFlightSessions(ctx context.Context) error {
	nonTerminal := []store.Status{store.StatusCreated, store.StatusStarting, store.StatusRunning}
	sessions, err := s.store.ListByStatus(ctx, nonTerminal)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		fallbackPID := 0
		if sess.PID != nil {
			fallbackPID = *sess.PID
		}
		result := s.monitor.Validate(sess.ID, fallbackPID, s.cfg.Worker.Binary)

		if result.IsActive {
			s.logger.Info("resuming session with live worker", zap.String("session_id", sess.ID))
			s.iteration.Resume(ctx, sess)
			continue
		}

		s.logger.Warn("marking orphaned non-terminal session failed on restart", zap.String("session_id", sess.ID))
		if err := s.lifecycle.Fail(ctx, sess.ID, "supervisor_restart"); err != nil {
			s.logger.Error("failed to mark recovered session failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// Submit plans and launches a new session.
func (s *Supervisor) Submit(ctx context.Context, task string, iterations int, model, workingDir string) (*store.Session, error) {
	return s.iteration.Launch(ctx, task, iterations, model, workingDir)
}

// Stop cancels a running session's iteration loop.
func (s *Supervisor) Stop(sessionID string) {
	s.iteration.Stop(sessionID)
}

// Resume restarts a non-terminal session's iteration loop. Terminal
// sessions (including failed ones) are rejected with InvalidState.
func (s *Supervisor) Resume(ctx context.Context, sessionID string) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return apperrors.InvalidState(fmt.Sprintf("session %s is terminal (%s) and cannot be resumed", sessionID, sess.Status))
	}
	s.iteration.Resume(ctx, sess)
	return nil
}

// Get returns a session's current lifecycle view.
func (s *Supervisor) Get(ctx context.Context, sessionID string) (*lifecycle.View, error) {
	return s.lifecycle.GetStatus(ctx, sessionID)
}

// List returns sessions matching filters, or every session if filters is
// empty.
func (s *Supervisor) List(ctx context.Context, filters Filters) ([]*store.Session, error) {
	if len(filters.Statuses) == 0 {
		return s.store.ListAll(ctx)
	}
	return s.store.ListByStatus(ctx, filters.Statuses)
}

// Tail streams a session's log tail (n lines) followed by subsequent
// appends until the returned CancelFunc is invoked.
func (s *Supervisor) Tail(sessionID string, n int, onLine func(string)) (logs.CancelFunc, error) {
	return s.logs.Follow(sessionID, n, onLine)
}

// Stats returns aggregate session counts and duration/success statistics.
func (s *Supervisor) Stats(ctx context.Context) (*lifecycle.Stats, error) {
	return s.lifecycle.Stats(ctx)
}

// Cleanup runs one cleanup sweep immediately, outside the regular ticker.
func (s *Supervisor) Cleanup(ctx context.Context, dryRun bool) (*cleanup.Summary, error) {
	return s.cleanup.Sweep(ctx, dryRun)
}

// Schedules exposes the Schedule Engine for callers that need its fuller
// create/list/stop/delete surface.
func (s *Supervisor) Schedules() *schedule.Engine {
	return s.schedule
}

// Shutdown stops the Schedule Engine's timers, cancels every running or
// starting session, and then waits until the shutdown deadline (or ctx)
// expires before closing the store. It does not watch for the worker
// children's exit, so with any such session it returns only at the
// deadline. Sessions still running then are left to the next process's
// crash-recovery scan.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.schedule.Shutdown()

	sessions, err := s.store.ListByStatus(ctx, []store.Status{store.StatusRunning, store.StatusStarting})
	if err != nil {
		return err
	}

	deadline, cancel := context.WithTimeout(ctx, s.shutdownDeadline)
	defer cancel()

	g, gCtx := errgroup.WithContext(deadline)
	for _, sess := range sessions {
		id := sess.ID
		g.Go(func() error {
			s.iteration.Stop(id)
			select {
			case <-gCtx.Done():
			case <-time.After(s.shutdownDeadline):
			}
			return nil
		})
	}
	_ = g.Wait()

	return s.store.Close()
}
