// Package cleanup is the Cleanup Engine: a retention-driven sweep of
// terminal sessions, their log files, and a legacy registry directory,
// run on its own ticker.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/logs"
	"github.com/kandev/afk-supervisor/internal/store"
	"go.uber.org/zap"
)

// RetentionPolicy maps a terminal status to how many days its sessions
// are kept, and how many of the most recent are always preserved
// regardless of age.
type RetentionPolicy struct {
	RetentionDays      map[store.Status]int
	PreserveRecent     int
	LegacyRegistryDays int
}

// DefaultPolicy matches spec.md §4.G's stated defaults.
func DefaultPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays: map[store.Status]int{
			store.StatusCompleted: 7,
			store.StatusFailed:    30,
			store.StatusError:     30,
			store.StatusStopped:   14,
		},
		PreserveRecent:     10,
		LegacyRegistryDays: 7,
	}
}

// Deletion records one item removed by a sweep, for the audit log.
type Deletion struct {
	Kind   string `json:"kind"` // "session" | "log" | "legacy"
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Summary is the result of one sweep.
type Summary struct {
	Scanned        int        `json:"scanned"`
	Deleted        int        `json:"deleted"`
	Preserved      int        `json:"preserved"`
	Errors         []string   `json:"errors"`
	BytesReclaimed int64      `json:"bytes_reclaimed"`
	Deletions      []Deletion `json:"deletions"`
}

// auditStats is the §6 stats shape: counts only, no per-item detail.
type auditStats struct {
	Scanned    int   `json:"scanned"`
	Deleted    int   `json:"deleted"`
	Preserved  int   `json:"preserved"`
	Errors     int   `json:"errors"`
	SpaceSaved int64 `json:"spaceSaved"`
}

// auditRecord matches spec.md §6's audit record shape exactly:
// {timestamp, operation, mode, stats, deletions, errors}.
type auditRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	Operation string     `json:"operation"`
	Mode      string     `json:"mode"` // "dry-run" | "execute"
	Stats     auditStats `json:"stats"`
	Deletions []Deletion `json:"deletions"`
	Errors    []string   `json:"errors"`
}

// Engine performs retention sweeps against the Session Store, Log
// Manager, and a legacy directory.
type Engine struct {
	store     *store.Store
	logs      *logs.Manager
	logsDir   string
	auditDir  string
	legacyDir string
	policy    RetentionPolicy
	logger    *logger.Logger
}

// Config configures an Engine.
type Config struct {
	LogsDir   string
	AuditDir  string
	LegacyDir string
	Policy    RetentionPolicy
}

// New builds a cleanup Engine.
func New(st *store.Store, lm *logs.Manager, cfg Config, log *logger.Logger) (*Engine, error) {
	if cfg.Policy.RetentionDays == nil {
		cfg.Policy = DefaultPolicy()
	}
	if err := os.MkdirAll(cfg.AuditDir, 0o755); err != nil {
		return nil, apperrors.FilesystemError(err, false)
	}
	return &Engine{
		store:     st,
		logs:      lm,
		logsDir:   cfg.LogsDir,
		auditDir:  cfg.AuditDir,
		legacyDir: cfg.LegacyDir,
		policy:    cfg.Policy,
		logger:    log.WithFields(zap.String("component", "cleanup_engine")),
	}, nil
}

// Sweep runs all five phases in the canonical order (row before log). In
// dry-run mode, phases 1-3 only compute what would be deleted.
func (e *Engine) Sweep(ctx context.Context, dryRun bool) (*Summary, error) {
	summary := &Summary{}

	if err := e.sweepDatabase(ctx, dryRun, summary); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
	if err := e.sweepOrphanedLogs(ctx, dryRun, summary); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
	if err := e.sweepLegacyDirectory(dryRun, summary); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}

	e.writeAudit(dryRun, *summary)
	return summary, nil
}

// sweepDatabase preserves the N most recent sessions per terminal status,
// then deletes any remaining session (and its log) whose terminal time
// is older than that status's retention cutoff.
func (e *Engine) sweepDatabase(ctx context.Context, dryRun bool, summary *Summary) error {
	statuses := []store.Status{store.StatusCompleted, store.StatusFailed, store.StatusError, store.StatusStopped}
	sessions, err := e.store.ListByStatus(ctx, statuses)
	if err != nil {
		return err
	}

	byStatus := make(map[store.Status][]*store.Session)
	for _, sess := range sessions {
		byStatus[sess.Status] = append(byStatus[sess.Status], sess)
	}

	for status, group := range byStatus {
		summary.Scanned += len(group)
		days, ok := e.policy.RetentionDays[status]
		if !ok {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

		// Order the bucket by terminal time, newest first (sessions without
		// a completed_at last), then preserve the first PreserveRecent.
		sort.SliceStable(group, func(a, b int) bool {
			ca, cb := group[a].CompletedAt, group[b].CompletedAt
			if ca == nil || cb == nil {
				return ca != nil && cb == nil
			}
			return *ca > *cb
		})
		for i, sess := range group {
			if i < e.policy.PreserveRecent {
				summary.Preserved++
				continue
			}
			if sess.CompletedAt == nil || *sess.CompletedAt >= cutoff {
				summary.Preserved++
				continue
			}

			if dryRun {
				summary.Deletions = append(summary.Deletions, Deletion{Kind: "session", ID: sess.ID, Reason: "retention cutoff"})
				summary.Deleted++
				continue
			}

			if err := e.store.Delete(ctx, sess.ID); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("delete session %s: %v", sess.ID, err))
				continue
			}
			if e.logsDir != "" {
				path := filepath.Join(e.logsDir, sess.ID+".log")
				if info, err := os.Stat(path); err == nil {
					summary.BytesReclaimed += info.Size()
				}
			}
			if e.logs != nil {
				_ = e.logs.Delete(sess.ID)
			}
			summary.Deletions = append(summary.Deletions, Deletion{Kind: "session", ID: sess.ID, Reason: "retention cutoff"})
			summary.Deleted++
		}
	}
	return nil
}

// sweepOrphanedLogs deletes log files (keyed via logs.SessionIDFromLogFile,
// which also matches rotated/compressed siblings) whose session id is no
// longer present in the store.
func (e *Engine) sweepOrphanedLogs(ctx context.Context, dryRun bool, summary *Summary) error {
	if e.logsDir == "" {
		return nil
	}
	known, err := e.store.ListAll(ctx)
	if err != nil {
		return err
	}
	knownIDs := make(map[string]bool, len(known))
	for _, sess := range known {
		knownIDs[sess.ID] = true
	}

	entries, err := os.ReadDir(e.logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sessionID, ok := logs.SessionIDFromLogFile(entry.Name())
		if !ok || knownIDs[sessionID] {
			continue
		}
		summary.Scanned++
		full := filepath.Join(e.logsDir, entry.Name())

		if dryRun {
			summary.Deletions = append(summary.Deletions, Deletion{Kind: "log", ID: sessionID, Reason: "orphaned log file"})
			summary.Deleted++
			continue
		}

		info, statErr := entry.Info()
		if err := os.Remove(full); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("remove orphan log %s: %v", full, err))
			continue
		}
		if statErr == nil {
			summary.BytesReclaimed += info.Size()
		}
		summary.Deletions = append(summary.Deletions, Deletion{Kind: "log", ID: sessionID, Reason: "orphaned log file"})
		summary.Deleted++
	}
	return nil
}

// sweepLegacyDirectory removes items older than LegacyRegistryDays from a
// best-effort legacy registry path. Missing directory is not an error.
func (e *Engine) sweepLegacyDirectory(dryRun bool, summary *Summary) error {
	if e.legacyDir == "" {
		return nil
	}
	entries, err := os.ReadDir(e.legacyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -e.policy.LegacyRegistryDays)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		summary.Scanned++
		if info.ModTime().After(cutoff) {
			summary.Preserved++
			continue
		}
		full := filepath.Join(e.legacyDir, entry.Name())
		if dryRun {
			summary.Deletions = append(summary.Deletions, Deletion{Kind: "legacy", ID: entry.Name(), Reason: "older than legacy retention"})
			summary.Deleted++
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("remove legacy item %s: %v", full, err))
			continue
		}
		summary.BytesReclaimed += info.Size()
		summary.Deletions = append(summary.Deletions, Deletion{Kind: "legacy", ID: entry.Name(), Reason: "older than legacy retention"})
		summary.Deleted++
	}
	return nil
}

// writeAudit appends a JSON-lines record of the sweep, best-effort.
func (e *Engine) writeAudit(dryRun bool, summary Summary) {
	mode := "execute"
	if dryRun {
		mode = "dry-run"
	}
	rec := auditRecord{
		Timestamp: time.Now().UTC(),
		Operation: "cleanup",
		Mode:      mode,
		Stats: auditStats{
			Scanned:    summary.Scanned,
			Deleted:    summary.Deleted,
			Preserved:  summary.Preserved,
			Errors:     len(summary.Errors),
			SpaceSaved: summary.BytesReclaimed,
		},
		Deletions: summary.Deletions,
		Errors:    summary.Errors,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		e.logger.Warn("failed to marshal audit record", zap.Error(err))
		return
	}
	data = append(data, '\n')

	f, err := os.OpenFile(filepath.Join(e.auditDir, "cleanup-audit.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Warn("failed to open audit log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		e.logger.Warn("failed to write audit record", zap.Error(err))
	}
}

// Run starts a background ticker that sweeps every interval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx, false); err != nil {
				e.logger.Error("cleanup sweep failed", zap.Error(err))
			}
		}
	}
}
