// Package process is the Process Monitor: the in-memory authority on
// whether a supervised session's worker child is currently alive.
package process

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kandev/afk-supervisor/internal/common/logger"
	"go.uber.org/zap"
)

// Record is what the monitor tracks for one supervised session.
type Record struct {
	SessionID     string
	PID           int
	AuxPIDs       []int
	RegisteredAt  time.Time
	LastActivity  time.Time // set at Register and advanced only by TouchActivity, for Validate's 15-min rule
}

// Monitor is a thread-safe registry of currently supervised child
// processes, grounded on the teacher's InstanceStore (primary map plus
// secondary indices) and its launcher's signal-escalation shutdown.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  *logger.Logger

	shutdownOnce sync.Once
}

// New creates an empty Monitor.
func New(log *logger.Logger) *Monitor {
	return &Monitor{
		records: make(map[string]*Record),
		logger:  log.WithFields(zap.String("component", "process_monitor")),
	}
}

// Register records a session's worker PID (and optional auxiliary PIDs,
// e.g. a platform wake-lock helper).
func (m *Monitor) Register(sessionID string, pid int, auxPIDs []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sessionID] = &Record{
		SessionID:    sessionID,
		PID:          pid,
		AuxPIDs:      auxPIDs,
		RegisteredAt: time.Now(),
		LastActivity: time.Now(),
	}
}

// Unregister removes sessionID from the registry. Idempotent.
func (m *Monitor) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
}

// TouchActivity records that sessionID had recent journal activity, for
// Validate's 15-minute staleness rule.
func (m *Monitor) TouchActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[sessionID]; ok {
		r.LastActivity = time.Now()
	}
}

// IsActive reports whether sessionID is currently registered.
func (m *Monitor) IsActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[sessionID]
	return ok
}

// Info returns a copy of the record for sessionID, if present.
func (m *Monitor) Info(sessionID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ListAll returns a copy of every tracked record.
func (m *Monitor) ListAll() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

// IsPidAlive performs a best-effort liveness probe using signal 0
// (POSIX semantics: delivery is skipped but error reporting still occurs).
func IsPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

// ValidationResult is the 4-tuple returned by Validate.
type ValidationResult struct {
	InRegistry               bool
	PidAlive                 bool
	RecentJournalActivity    bool
	WorkerProcessFingerprint bool
	IsActive                 bool // any-of the above
}

// Validate checks whether sessionID is actually alive by every available
// signal: registry presence, PID liveness, recent activity, and a
// process-table fingerprint match. Recent activity is true only for a
// registered session whose LastActivity is under 15 minutes old; the
// journal file itself is not read, so an unregistered session never has
// recent activity.
func (m *Monitor) Validate(sessionID string, fallbackPID int, workerBinary string) ValidationResult {
	m.mu.RLock()
	rec, inRegistry := m.records[sessionID]
	var pid int
	var lastActivity time.Time
	if inRegistry {
		pid = rec.PID
		lastActivity = rec.LastActivity
	} else {
		pid = fallbackPID
	}
	m.mu.RUnlock()

	pidAlive := pid > 0 && IsPidAlive(pid)
	recent := inRegistry && time.Since(lastActivity) < 15*time.Minute
	fingerprint := hasFingerprint(sessionID, workerBinary)

	return ValidationResult{
		InRegistry:               inRegistry,
		PidAlive:                 pidAlive,
		RecentJournalActivity:    recent,
		WorkerProcessFingerprint: fingerprint,
		IsActive:                 inRegistry || pidAlive || recent || fingerprint,
	}
}

// FindOrphans enumerates system processes whose command line matches a
// worker invocation (by fingerprint) but whose session id is not in the
// registry.
func (m *Monitor) FindOrphans(workerBinary string) []OrphanProcess {
	m.mu.RLock()
	known := make(map[string]bool, len(m.records))
	for id := range m.records {
		known[id] = true
	}
	m.mu.RUnlock()

	var orphans []OrphanProcess
	for _, op := range scanWorkerProcesses(workerBinary) {
		if !known[op.SessionID] {
			orphans = append(orphans, op)
		}
	}
	return orphans
}

// OrphanProcess is a worker-fingerprinted process discovered in the system
// process table.
type OrphanProcess struct {
	PID       int
	SessionID string
}

// fingerprintMarker is the argv token the supervisor injects into every
// worker child's command line so FindOrphans/hasFingerprint can attribute
// a bare OS process back to its session without parsing arbitrary output.
const fingerprintMarker = "--afk-session="

// FingerprintArg builds the argv token a spawned worker should carry.
func FingerprintArg(sessionID string) string {
	return fingerprintMarker + sessionID
}

func hasFingerprint(sessionID, workerBinary string) bool {
	for _, op := range scanWorkerProcesses(workerBinary) {
		if op.SessionID == sessionID {
			return true
		}
	}
	return false
}

func scanWorkerProcesses(workerBinary string) []OrphanProcess {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil // not on a /proc-bearing OS; best-effort only
	}
	var found []OrphanProcess
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile("/proc/" + e.Name() + "/cmdline")
		if err != nil {
			continue
		}
		args := strings.Split(strings.Trim(string(cmdline), "\x00"), "\x00")
		if len(args) == 0 {
			continue
		}
		if !strings.Contains(args[0], workerBinary) {
			continue
		}
		for _, a := range args[1:] {
			if strings.HasPrefix(a, fingerprintMarker) {
				found = append(found, OrphanProcess{PID: pid, SessionID: strings.TrimPrefix(a, fingerprintMarker)})
				break
			}
		}
	}
	return found
}

// KillOrphans sends a graceful signal to every orphan, then after 5s
// force-kills any still alive.
func (m *Monitor) KillOrphans(workerBinary string) {
	for _, op := range m.FindOrphans(workerBinary) {
		gracefulThenForce(op.PID, nil)
	}
}

// StopSession sends a graceful signal to sessionID's main and auxiliary
// PIDs, escalating to SIGKILL after 5s, then unregisters it. Idempotent:
// an unregistered or already-dead session is a no-op success.
func (m *Monitor) StopSession(ctx context.Context, sessionID string) {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1 + len(rec.AuxPIDs))
	go func() { defer wg.Done(); gracefulThenForce(rec.PID, ctx.Done()) }()
	for _, aux := range rec.AuxPIDs {
		aux := aux
		go func() { defer wg.Done(); gracefulThenForce(aux, ctx.Done()) }()
	}
	wg.Wait()

	m.Unregister(sessionID)
}

// gracefulThenForce sends SIGTERM, waits up to 5s (or until cancel fires),
// then sends SIGKILL if the process is still alive. Tolerates "already
// dead" as success at every step, mirroring the teacher launcher's Stop.
func gracefulThenForce(pid int, cancel <-chan struct{}) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !IsPidAlive(pid) {
				return
			}
		case <-deadline:
			_ = syscall.Kill(pid, syscall.SIGKILL)
			return
		case <-cancel:
			_ = syscall.Kill(pid, syscall.SIGKILL)
			return
		}
	}
}

// StopAll stops every registered session's process. Called from the
// supervisor's shutdown handler.
func (m *Monitor) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		id := id
		go func() { defer wg.Done(); m.StopSession(ctx, id) }()
	}
	wg.Wait()
}
