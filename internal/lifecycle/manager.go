// Package lifecycle is the Lifecycle Manager: the single writer that
// owns the Session state machine (created -> starting -> running ->
// terminal) and serializes every field mutation against the Session
// Store, grounded on the teacher's InstanceStore/manager_lifecycle.go
// shape generalized from container instances to supervised sessions.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/logs"
	"github.com/kandev/afk-supervisor/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transitions is the explicit state-machine table from spec.md's
// "created -> starting -> running -> {completed|failed|stopped}; any
// state -> error is allowed; terminal states are sinks" rule. In addition,
// failed is reachable from every non-terminal state (crash recovery and
// fail-fast paths fail sessions that never reached running), and stopped
// is reachable from starting.
var transitions = map[store.Status]map[store.Status]bool{
	store.StatusCreated: {
		store.StatusStarting: true,
		store.StatusFailed:   true,
		store.StatusError:    true,
	},
	store.StatusStarting: {
		store.StatusRunning: true,
		store.StatusFailed:  true,
		store.StatusError:   true,
		store.StatusStopped: true,
	},
	store.StatusRunning: {
		store.StatusCompleted: true,
		store.StatusFailed:    true,
		store.StatusStopped:   true,
		store.StatusError:     true,
	},
}

func canTransition(from, to store.Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true // idempotent no-op, e.g. duplicate running heartbeats
	}
	if to == store.StatusError {
		return true
	}
	return transitions[from][to]
}

// Options configures Create.
type Options struct {
	IterationsPlanned int
	Model             string
	WorkingDir        string
	Metadata          map[string]any
}

// View is the externally visible session projection returned by GetStatus.
type View struct {
	ID                  string
	Task                string
	Status              store.Status
	CurrentIteration    int
	TotalIterations     int
	DurationS           float64
	TailOfOutput        []string
}

// Stats summarizes all sessions for the supervisor's stats() operation.
type Stats struct {
	Total           int
	ByStatus        map[store.Status]int
	AvgDurationS    float64
	SuccessRatioPct float64
	TotalDurationS  float64
}

// Manager is the Lifecycle Manager.
type Manager struct {
	store  *store.Store
	logs   *logs.Manager
	logger *logger.Logger
}

// New builds a Manager over st (session persistence) and lg (log tails
// for getStatus's tail_of_output).
func New(st *store.Store, lg *logs.Manager, log *logger.Logger) *Manager {
	return &Manager{
		store:  st,
		logs:   lg,
		logger: log.WithFields(zap.String("component", "lifecycle_manager")),
	}
}

// Create generates an id, persists a new session with status=created,
// and returns it.
func (m *Manager) Create(ctx context.Context, task string, opts Options) (*store.Session, error) {
	if opts.IterationsPlanned <= 0 {
		opts.IterationsPlanned = 1
	}
	sess := &store.Session{
		ID:                  uuid.NewString(),
		Task:                task,
		Status:              store.StatusCreated,
		IterationsPlanned:   opts.IterationsPlanned,
		IterationsCompleted: 0,
		Model:               opts.Model,
		WorkingDir:          opts.WorkingDir,
		CreatedAt:           time.Now().UnixMilli(),
		Metadata:            opts.Metadata,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created", zap.String("session_id", sess.ID), zap.String("task", task))
	return sess, nil
}

// SetStatus validates the transition, stamps started_at/completed_at as
// appropriate, and persists via the Session Store. Attempting a
// transition out of a terminal status is apperrors.InvalidState.
func (m *Manager) SetStatus(ctx context.Context, id string, status store.Status, errMsg *string) error {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(current.Status, status) {
		return apperrors.InvalidState(fmt.Sprintf("cannot transition session %s from %s to %s", id, current.Status, status))
	}

	patch := store.Patch{Status: &status}
	now := time.Now().UnixMilli()
	if status == store.StatusRunning && current.Status != store.StatusRunning {
		patch.StartedAt = &now
	}
	if status.Terminal() {
		patch.CompletedAt = &now
	}
	if errMsg != nil {
		patch.Error = errMsg
	}

	if err := m.store.Update(ctx, id, patch); err != nil {
		return err
	}
	m.logger.Info("session status changed",
		zap.String("session_id", id), zap.String("from", string(current.Status)), zap.String("to", string(status)))
	return nil
}

// Fail transitions id to failed with the given error message.
func (m *Manager) Fail(ctx context.Context, id, errMsg string) error {
	return m.SetStatus(ctx, id, store.StatusFailed, &errMsg)
}

// Complete transitions id to completed.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.SetStatus(ctx, id, store.StatusCompleted, nil)
}

// IncrementIteration records a newly completed iteration count, rejecting
// any value beyond iterations_planned.
func (m *Manager) IncrementIteration(ctx context.Context, id string, completed int) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if completed > sess.IterationsPlanned {
		return apperrors.InvalidState(fmt.Sprintf("iterations_completed %d exceeds iterations_planned %d", completed, sess.IterationsPlanned))
	}
	return m.store.Update(ctx, id, store.Patch{IterationsCompleted: &completed})
}

// SetPID records the worker's current OS PID as advisory metadata.
func (m *Manager) SetPID(ctx context.Context, id string, pid int) error {
	return m.store.Update(ctx, id, store.Patch{PID: &pid})
}

// GetStatus returns the externally visible view of a session.
func (m *Manager) GetStatus(ctx context.Context, id string) (*View, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var duration float64
	if sess.StartedAt != nil {
		end := time.Now().UnixMilli()
		if sess.CompletedAt != nil {
			end = *sess.CompletedAt
		}
		duration = float64(end-*sess.StartedAt) / 1000.0
	}

	var tail []string
	if m.logs != nil {
		if lines, err := m.logs.ReadTail(id, 20); err == nil {
			tail = lines
		}
	}

	return &View{
		ID:               sess.ID,
		Task:             sess.Task,
		Status:           sess.Status,
		CurrentIteration: sess.IterationsCompleted,
		TotalIterations:  sess.IterationsPlanned,
		DurationS:        duration,
		TailOfOutput:     tail,
	}, nil
}

// CleanupCompleted deletes terminal sessions older than olderThanDays
// (by completed_at) and their log files, returning the count deleted.
func (m *Manager) CleanupCompleted(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	sessions, err := m.store.ListByStatus(ctx, []store.Status{
		store.StatusCompleted, store.StatusFailed, store.StatusStopped, store.StatusError,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, sess := range sessions {
		if sess.CompletedAt == nil || *sess.CompletedAt >= cutoff {
			continue
		}
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			m.logger.Warn("failed to delete session row during cleanup", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		if m.logs != nil {
			if err := m.logs.Delete(sess.ID); err != nil {
				m.logger.Warn("failed to delete log file during cleanup", zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
		deleted++
	}
	return deleted, nil
}

// Stats summarizes every session in the store.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	sessions, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[store.Status]int)}
	var totalDuration float64
	var durationCount int
	var succeeded, terminalCount int

	for _, sess := range sessions {
		stats.Total++
		stats.ByStatus[sess.Status]++

		if sess.Status.Terminal() {
			terminalCount++
			if sess.Status == store.StatusCompleted {
				succeeded++
			}
		}
		if sess.StartedAt != nil && sess.CompletedAt != nil {
			totalDuration += float64(*sess.CompletedAt-*sess.StartedAt) / 1000.0
			durationCount++
		}
	}

	stats.TotalDurationS = totalDuration
	if durationCount > 0 {
		stats.AvgDurationS = totalDuration / float64(durationCount)
	}
	if terminalCount > 0 {
		stats.SuccessRatioPct = float64(succeeded) / float64(terminalCount) * 100
	}
	return stats, nil
}
