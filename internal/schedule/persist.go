package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

func (e *Engine) path() string {
	return filepath.Join(e.dir, "schedules.json")
}

func (e *Engine) backupPath() string {
	return e.path() + ".backup"
}

// load reads schedules.json, falling back to its backup if the primary is
// missing or corrupt, per the same recovery order as the Progress
// Tracker's journal Load.
func (e *Engine) load() []Schedule {
	if f := e.tryReadValid(e.path()); f != nil {
		return f.Schedules
	}
	if f := e.tryReadValid(e.backupPath()); f != nil {
		e.logger.Warn("recovered schedules from backup")
		return f.Schedules
	}
	return nil
}

func (e *Engine) tryReadValid(path string) *file {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	return &f
}

// save persists the current schedule set with a backup-then-write-then-
// verify-then-remove-backup sequence, restoring from backup and retrying
// with exponential backoff on verification failure.
func (e *Engine) save(schedules []Schedule) {
	f := file{Version: currentVersion, Schedules: schedules}

	target := e.path()
	backup := e.backupPath()

	delays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := e.attemptSave(f, target, backup); err != nil {
			lastErr = err
			if attempt < len(delays) {
				time.Sleep(delays[attempt])
			}
			continue
		}
		return
	}
	e.logger.Error("failed to persist schedules after retries; continuing without durable state", zap.Error(lastErr))
}

func (e *Engine) attemptSave(f file, target, backup string) error {
	if data, err := os.ReadFile(target); err == nil {
		_ = os.WriteFile(backup, data, 0o644)
	}

	payload, err := json.MarshalIndent(f, "", "  ")
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

	if !e.verify(target, len(f.Schedules)) {
		if data, err := os.ReadFile(backup); err == nil {
			_ = os.WriteFile(target, data, 0o644)
		}
		return fmt.Errorf("verification failed after write")
	}

	os.Remove(backup)
	return nil
}

func (e *Engine) verify(path string, expectedCount int) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return false
	}
	return len(f.Schedules) == expectedCount
}
