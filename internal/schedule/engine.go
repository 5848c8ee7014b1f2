package schedule

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/oracle"
	"github.com/kandev/afk-supervisor/internal/store"
)

// Submitter is the subset of the Iteration Engine the Schedule Engine
// needs to fire a schedule: launching a new session for the configured
// command.
type Submitter interface {
	Launch(ctx context.Context, task string, explicitIterations int, explicitModel, workingDir string) (*store.Session, error)
}

// Engine owns the schedule set, a cron timer per enabled schedule, and
// the persisted schedules.json file.
type Engine struct {
	dir       string
	oracle    *oracle.Gateway
	submitter Submitter
	logger    *logger.Logger

	mu        sync.Mutex
	schedules map[string]*Schedule
	timers    map[string]*cron.Cron
}

// Config configures an Engine.
type Config struct {
	Dir string
}

// New builds a Schedule Engine rooted at cfg.Dir.
func New(cfg Config, gw *oracle.Gateway, sub Submitter, log *logger.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apperrors.FilesystemError(err, false)
	}
	return &Engine{
		dir:       cfg.Dir,
		oracle:    gw,
		submitter: sub,
		logger:    log.WithFields(zap.String("component", "schedule_engine")),
		schedules: make(map[string]*Schedule),
		timers:    make(map[string]*cron.Cron),
	}, nil
}

// Restore loads persisted schedules and activates the enabled ones. Call
// once at startup before Create/List/etc are used concurrently.
func (e *Engine) Restore() error {
	loaded := e.load()

	e.mu.Lock()
	for i := range loaded {
		sch := loaded[i]
		e.schedules[sch.ID] = &sch
	}
	e.mu.Unlock()

	for _, sch := range loaded {
		if sch.Enabled {
			if err := e.startTimer(sch.ID); err != nil {
				e.logger.Warn("failed to restore schedule timer", zap.String("schedule_id", sch.ID), zap.Error(err))
			}
		}
	}
	e.logger.Info("restored schedules", zap.Int("count", len(loaded)))
	return nil
}

// Create parses naturalLanguage via the Oracle Gateway into a cron
// expression, persists a new schedule, and (if opts.Enabled) starts its
// timer.
func (e *Engine) Create(ctx context.Context, naturalLanguage, command string, opts Options) (*Schedule, error) {
	if e.oracle == nil {
		return nil, apperrors.OracleUnavailable(fmt.Errorf("no oracle gateway configured"))
	}
	resp, err := e.oracle.ParseCron(ctx, naturalLanguage, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard(resp.Cron); err != nil {
		return nil, apperrors.OracleInvalidResponse(fmt.Errorf("oracle produced invalid cron expression %q: %w", resp.Cron, err))
	}

	location := opts.Timezone
	if location == "" {
		location = "UTC"
	} else if _, err := time.LoadLocation(location); err != nil {
		return nil, apperrors.InvalidState(fmt.Sprintf("unknown timezone %q: %v", location, err))
	}

	sch := &Schedule{
		ID:          uuid.NewString(),
		NaturalLang: naturalLanguage,
		Cron:        resp.Cron,
		CronType:    resp.Type,
		Explanation: resp.Explanation,
		Command:     command,
		Model:       opts.Model,
		Iterations:  opts.Iterations,
		WorkingDir:  opts.WorkingDir,
		Enabled:     opts.Enabled,
		Location:    location,
		CreatedAt:   time.Now().UTC(),
	}
	sch.NextRun = e.computeNextRun(sch)

	e.mu.Lock()
	e.schedules[sch.ID] = sch
	e.persistLocked()
	e.mu.Unlock()

	if sch.Enabled {
		if err := e.startTimer(sch.ID); err != nil {
			return sch, err
		}
	}
	return sch, nil
}

// List returns a snapshot of every schedule.
func (e *Engine) List() []Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Schedule, 0, len(e.schedules))
	for _, sch := range e.schedules {
		out = append(out, *sch)
	}
	return out
}

// Get returns one schedule by id.
func (e *Engine) Get(id string) (*Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sch, ok := e.schedules[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("schedule %s not found", id))
	}
	cp := *sch
	return &cp, nil
}

// Stop disables a schedule's timer without deleting it. Idempotent.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	sch, ok := e.schedules[id]
	if !ok {
		e.mu.Unlock()
		return apperrors.NotFound(fmt.Sprintf("schedule %s not found", id))
	}
	sch.Enabled = false
	sch.NextRun = nil
	e.persistLocked()
	e.mu.Unlock()

	e.stopTimer(id)
	return nil
}

// Delete removes a schedule entirely. Idempotent: deleting an unknown id
// is not an error.
func (e *Engine) Delete(id string) error {
	e.stopTimer(id)

	e.mu.Lock()
	delete(e.schedules, id)
	e.persistLocked()
	e.mu.Unlock()
	return nil
}

// Shutdown stops every active timer. Persisted state is left untouched so
// Restore can reactivate enabled schedules on the next startup.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.timers))
	for id := range e.timers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.stopTimer(id)
	}
}

// startTimer creates and starts a dedicated cron.Cron for id. A schedule
// gets its own Cron instance (rather than one shared scheduler) so Stop
// can cleanly halt a single schedule without touching the others.
func (e *Engine) startTimer(id string) error {
	e.mu.Lock()
	sch, ok := e.schedules[id]
	if !ok {
		e.mu.Unlock()
		return apperrors.NotFound(fmt.Sprintf("schedule %s not found", id))
	}
	expr := sch.Cron
	e.mu.Unlock()

	loc, err := time.LoadLocation(sch.Location)
	if err != nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(expr, func() { e.fire(id) }); err != nil {
		return apperrors.InvalidState(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	c.Start()

	e.mu.Lock()
	if old, exists := e.timers[id]; exists {
		e.mu.Unlock()
		<-old.Stop().Done()
		e.mu.Lock()
	}
	e.timers[id] = c
	if s := e.schedules[id]; s != nil {
		s.Enabled = true
		s.NextRun = e.computeNextRun(s)
		e.persistLocked()
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) stopTimer(id string) {
	e.mu.Lock()
	c, ok := e.timers[id]
	if ok {
		delete(e.timers, id)
	}
	e.mu.Unlock()
	if ok {
		<-c.Stop().Done()
	}
}

// fire runs the schedule's command synchronously and records the result.
// A fire never disables the schedule, per spec.
func (e *Engine) fire(id string) {
	e.mu.Lock()
	sch, ok := e.schedules[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	command, model, workingDir, iterations := sch.Command, sch.Model, sch.WorkingDir, sch.Iterations
	e.mu.Unlock()

	start := time.Now()
	sess, err := e.submitter.Launch(context.Background(), command, iterations, model, workingDir)
	duration := time.Since(start)

	result := &RunResult{RanAt: start, DurationMS: duration.Milliseconds()}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		e.logger.Warn("scheduled run failed to launch", zap.String("schedule_id", id), zap.Error(err))
	} else {
		result.Success = true
		result.Output = fmt.Sprintf("launched session %s", sess.ID)
	}

	e.mu.Lock()
	if s, ok := e.schedules[id]; ok {
		now := start
		s.LastRun = &now
		s.RunCount++
		s.LastResult = result
		s.NextRun = e.computeNextRun(s)
		e.persistLocked()
	}
	e.mu.Unlock()
}

// computeNextRun parses the schedule's cron expression and returns its
// next fire time in the schedule's stored location.
func (e *Engine) computeNextRun(sch *Schedule) *time.Time {
	if !sch.Enabled {
		return nil
	}
	schedule, err := cron.ParseStandard(sch.Cron)
	if err != nil {
		return nil
	}
	loc, err := time.LoadLocation(sch.Location)
	if err != nil {
		loc = time.UTC
	}
	next := schedule.Next(time.Now().In(loc))
	return &next
}

// persistLocked writes the current schedule set to disk. Caller must hold
// e.mu.
func (e *Engine) persistLocked() {
	out := make([]Schedule, 0, len(e.schedules))
	for _, sch := range e.schedules {
		out = append(out, *sch)
	}
	e.save(out)
}
