package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"go.uber.org/zap"
)

const currentVersion = 1

// Tracker manages one journal file per session under dir.
type Tracker struct {
	dir    string
	logger *logger.Logger

	mu    sync.Mutex // guards state map
	state map[string]*sessionState

	onPersistFailure func(error)
}

// SetPersistFailureHook registers fn to be called whenever save() exhausts
// its retries without durably persisting a journal, e.g. to trip the
// filesystem circuit breaker.
func (t *Tracker) SetPersistFailureHook(fn func(error)) {
	t.onPersistFailure = fn
}

type sessionState struct {
	mu      sync.Mutex // serializes writes for this session (single-writer)
	journal *Journal
}

// New creates a Tracker rooted at dir, creating it if necessary.
func New(dir string, log *logger.Logger) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.FilesystemError(err, false)
	}
	return &Tracker{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "progress_tracker")),
		state:  make(map[string]*sessionState),
	}, nil
}

func (t *Tracker) path(sessionID string) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s-progress.json", sessionID))
}

func (t *Tracker) backupPath(sessionID string) string {
	return t.path(sessionID) + ".backup"
}

func (t *Tracker) stateFor(sessionID string) *sessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[sessionID]
	if !ok {
		st = &sessionState{}
		t.state[sessionID] = st
	}
	return st
}

// Load reads the journal for sessionID, recovering from the sibling backup
// if the primary file is corrupt, and starting a fresh journal if both
// fail. Load never returns an error past this boundary: session survival
// outranks journal completeness.
func (t *Tracker) Load(sessionID string, totalIterations int) *Journal {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if j := t.tryReadValid(t.path(sessionID)); j != nil {
		st.journal = j
		return j
	}
	if j := t.tryReadValid(t.backupPath(sessionID)); j != nil {
		t.logger.Warn("recovered journal from backup", zap.String("session_id", sessionID))
		st.journal = j
		return j
	}

	t.logger.Warn("starting fresh journal; no valid journal or backup found", zap.String("session_id", sessionID))
	j := &Journal{
		SessionID:       sessionID,
		StartTime:       time.Now().UTC(),
		TotalIterations: totalIterations,
		Status:          "created",
		Iterations:      []Iteration{},
		Milestones:      []Milestone{},
		LastUpdate:      time.Now().UTC(),
		Version:         currentVersion,
	}
	st.journal = j
	return j
}

func (t *Tracker) tryReadValid(path string) *Journal {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil
	}
	if !validate(&j) {
		return nil
	}
	return &j
}

func validate(j *Journal) bool {
	if j.SessionID == "" {
		return false
	}
	if j.CurrentIteration < 0 {
		return false
	}
	if j.TotalIterations <= 0 {
		return false
	}
	if j.Iterations == nil || j.Milestones == nil {
		return false
	}
	return true
}

// save persists j using the five-step atomic-write protocol from spec §4.B:
// backup current, write tmp, rename, verify, remove backup; on verify
// failure restore from backup and retry with exponential backoff.
func (t *Tracker) save(sessionID string, j *Journal) {
	j.LastUpdate = time.Now().UTC()
	j.Version = currentVersion

	target := t.path(sessionID)
	backup := t.backupPath(sessionID)

	delays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := t.attemptSave(sessionID, j, target, backup); err != nil {
			lastErr = err
			if attempt < len(delays) {
				time.Sleep(delays[attempt])
			}
			continue
		}
		return
	}
	t.logger.Error("failed to persist journal after retries; continuing without durable journal",
		zap.String("session_id", sessionID), zap.Error(lastErr))
	if t.onPersistFailure != nil {
		t.onPersistFailure(lastErr)
	}
}

func (t *Tracker) attemptSave(sessionID string, j *Journal, target, backup string) error {
	if data, err := os.ReadFile(target); err == nil {
		_ = os.WriteFile(backup, data, 0o644)
	}

	payload, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", target, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}

	if !t.verify(target, sessionID, j.LastUpdate) {
		if data, err := os.ReadFile(backup); err == nil {
			_ = os.WriteFile(target, data, 0o644)
		}
		return fmt.Errorf("verification failed after write")
	}

	os.Remove(backup)
	return nil
}

func (t *Tracker) verify(path, sessionID string, lastUpdate time.Time) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return false
	}
	return j.SessionID == sessionID && j.LastUpdate.Equal(lastUpdate)
}

// StartIteration appends a new iteration entry with status=running.
func (t *Tracker) StartIteration(sessionID string, n int, goal string) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil {
		return
	}
	j.Iterations = append(j.Iterations, Iteration{
		Number: n,
		Goal:   goal,
		Start:  time.Now().UTC(),
		Status: IterationRunning,
	})
	j.CurrentIteration = n
	t.save(sessionID, j)
}

// LogAction appends to the current iteration's action list.
func (t *Tracker) LogAction(sessionID, actionType, action, result string, success bool) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil || len(j.Iterations) == 0 {
		return
	}
	idx := len(j.Iterations) - 1
	j.Iterations[idx].Actions = append(j.Iterations[idx].Actions, Action{
		Timestamp: time.Now().UTC(),
		Type:      actionType,
		Action:    action,
		Result:    result,
		Success:   success,
	})
	t.save(sessionID, j)
}

// AddMilestone appends a milestone to the session summary band.
func (t *Tracker) AddMilestone(sessionID, text, impact string) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil {
		return
	}
	j.Milestones = append(j.Milestones, Milestone{
		Timestamp: time.Now().UTC(),
		Text:      text,
		Impact:    impact,
	})
	t.save(sessionID, j)
}

// ProgressUpdate is a coalesced partial update for UpdateProgress.
type ProgressUpdate struct {
	Status           *string
	CurrentIteration *int
	Metadata         map[string]any
}

// UpdateProgress coalesces a state update, auto-healing gaps by inserting
// placeholder iterations (reason "auto-created") if CurrentIteration jumps
// ahead of the recorded entries.
func (t *Tracker) UpdateProgress(sessionID string, u ProgressUpdate) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil {
		return
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.CurrentIteration != nil {
		for n := len(j.Iterations) + 1; n <= *u.CurrentIteration; n++ {
			j.Iterations = append(j.Iterations, Iteration{
				Number:      n,
				Start:       time.Now().UTC(),
				Status:      IterationCompleted,
				Summary:     "auto-created",
				AutoCreated: true,
			})
		}
		j.CurrentIteration = *u.CurrentIteration
	}
	if u.Metadata != nil {
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		for k, v := range u.Metadata {
			j.Metadata[k] = v
		}
	}
	t.save(sessionID, j)
}

// CompleteIteration closes the current iteration.
func (t *Tracker) CompleteIteration(sessionID, summary string, achievements, challenges, nextSteps []string) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil || len(j.Iterations) == 0 {
		return
	}
	idx := len(j.Iterations) - 1
	end := time.Now().UTC()
	j.Iterations[idx].End = &end
	j.Iterations[idx].Status = IterationCompleted
	j.Iterations[idx].DurationS = end.Sub(j.Iterations[idx].Start).Seconds()
	j.Iterations[idx].Summary = summary
	j.Iterations[idx].Achievements = achievements
	j.Iterations[idx].Challenges = challenges
	j.Iterations[idx].NextSteps = nextSteps
	t.save(sessionID, j)
}

// FailIteration closes the current iteration as failed.
func (t *Tracker) FailIteration(sessionID, reason string) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil || len(j.Iterations) == 0 {
		return
	}
	idx := len(j.Iterations) - 1
	end := time.Now().UTC()
	j.Iterations[idx].End = &end
	j.Iterations[idx].Status = IterationFailed
	j.Iterations[idx].DurationS = end.Sub(j.Iterations[idx].Start).Seconds()
	j.Iterations[idx].Summary = reason
	t.save(sessionID, j)
}

// CompleteSession closes the journal.
func (t *Tracker) CompleteSession(sessionID, summary, finalStatus string) {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	j := st.journal
	if j == nil {
		return
	}
	j.OverallSummary = summary
	j.Status = finalStatus
	t.save(sessionID, j)
}

// Snapshot returns a copy of the in-memory journal for sessionID, or nil.
func (t *Tracker) Snapshot(sessionID string) *Journal {
	st := t.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.journal == nil {
		return nil
	}
	cp := *st.journal
	return &cp
}
