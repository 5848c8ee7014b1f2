package logs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"go.uber.org/zap"
)

// Manager owns one append stream per session under dir.
type Manager struct {
	dir           string
	maxSizeMiB    int
	retentionDays int
	logger        *logger.Logger

	mu      sync.Mutex
	streams map[string]*stream

	onWriteFailure func(error)
}

// SetWriteFailureHook registers fn to be called whenever a log write fails,
// e.g. to trip the filesystem circuit breaker.
func (m *Manager) SetWriteFailureHook(fn func(error)) {
	m.onWriteFailure = fn
}

type stream struct {
	mu     sync.Mutex
	lj     *lumberjack.Logger
	path   string
}

// Config configures a Manager.
type Config struct {
	Dir           string
	MaxLogSizeMiB int // default 10 MiB
	RetentionDays int // default 30 days
}

// New creates a Manager rooted at cfg.Dir.
func New(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.MaxLogSizeMiB <= 0 {
		cfg.MaxLogSizeMiB = 10
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, apperrors.FilesystemError(err, false)
	}
	return &Manager{
		dir:           cfg.Dir,
		maxSizeMiB:    cfg.MaxLogSizeMiB,
		retentionDays: cfg.RetentionDays,
		logger:        log.WithFields(zap.String("component", "log_manager")),
		streams:       make(map[string]*stream),
	}, nil
}

func (m *Manager) path(sessionID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.log", sessionID))
}

// OpenStream opens (creating if necessary) the append stream for
// sessionID, writing a banner with the session id and start time. It is a
// no-op when the stream is already open.
func (m *Manager) OpenStream(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[sessionID]; ok {
		return nil
	}
	path := m.path(sessionID)
	st := &stream{
		path: path,
		lj: &lumberjack.Logger{
			Filename: path,
			MaxSize:  m.maxSizeMiB,
			Compress: true,
		},
	}
	m.streams[sessionID] = st

	banner := fmt.Sprintf("=== session %s started at %s ===\n", sessionID, time.Now().UTC().Format(time.RFC3339))
	if _, err := st.lj.Write([]byte(banner)); err != nil {
		m.logger.Warn("failed to write log banner", zap.String("session_id", sessionID), zap.Error(err))
		if m.onWriteFailure != nil {
			m.onWriteFailure(err)
		}
	}
	return nil
}

func (m *Manager) getStream(sessionID string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[sessionID]
}

// Append timestamps each line and writes it, fail-open: errors are logged
// and dropped rather than propagated, so a slow or broken log disk never
// blocks the worker.
func (m *Manager) Append(sessionID, text string) {
	st := m.getStream(sessionID)
	if st == nil {
		if err := m.OpenStream(sessionID); err != nil {
			m.logger.Error("failed to open log stream", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		st = m.getStream(sessionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ts := time.Now().Format("15:04:05")
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if _, err := st.lj.Write([]byte(fmt.Sprintf("[%s] %s\n", ts, line))); err != nil {
			m.logger.Warn("dropping log line after write failure",
				zap.String("session_id", sessionID), zap.Error(err))
			if m.onWriteFailure != nil {
				m.onWriteFailure(err)
			}
			return
		}
	}
}

// Close stops buffering writes for sessionID, allowing its handle to be
// released. Idempotent.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[sessionID]
	if !ok {
		return nil
	}
	delete(m.streams, sessionID)
	return st.lj.Close()
}

// Delete closes sessionID's stream (if open) and removes its log file and
// any rotated/compressed siblings from disk. Idempotent.
func (m *Manager) Delete(sessionID string) error {
	if err := m.Close(sessionID); err != nil {
		m.logger.Warn("failed to close log stream before delete", zap.String("session_id", sessionID), zap.Error(err))
	}

	path := m.path(sessionID)
	matches, err := filepath.Glob(path + "*")
	if err != nil {
		return os.Remove(path)
	}
	// lumberjack names backups "<id>-<timestamp>.log[.gz]".
	rotated, _ := filepath.Glob(filepath.Join(m.dir, sessionID+"-*"))
	for _, f := range rotated {
		if id, ok := SessionIDFromLogFile(filepath.Base(f)); ok && id == sessionID {
			matches = append(matches, f)
		}
	}
	var lastErr error
	for _, f := range matches {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return lastErr
}

// ReadAll returns the full contents of sessionID's current log file.
func (m *Manager) ReadAll(sessionID string) (string, error) {
	data, err := os.ReadFile(m.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound(fmt.Sprintf("no log for session %s", sessionID))
		}
		return "", apperrors.ClassifyFilesystemError(err)
	}
	return string(data), nil
}

// ReadTail returns the last n lines of sessionID's log.
func (m *Manager) ReadTail(sessionID string, n int) ([]string, error) {
	f, err := os.Open(m.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound(fmt.Sprintf("no log for session %s", sessionID))
		}
		return nil, apperrors.ClassifyFilesystemError(err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(ring) < n {
			ring = append(ring, line)
		} else {
			copy(ring, ring[1:])
			ring[n-1] = line
		}
	}
	return ring, nil
}

// CancelFunc stops a Follow subscription.
type CancelFunc func()

// Follow emits the existing tail (n lines) then streams subsequent appends
// to onLine until the returned CancelFunc is invoked. Implemented by
// polling the file's size, which is robust across lumberjack rotations
// (a rotation truncates/renames the underlying file; the next poll simply
// resumes reading the fresh file from offset zero).
func (m *Manager) Follow(sessionID string, n int, onLine func(string)) (CancelFunc, error) {
	tail, _ := m.ReadTail(sessionID, n) // a not-yet-existing file just means an empty tail
	for _, line := range tail {
		onLine(line)
	}

	stop := make(chan struct{})
	go func() {
		var offset int64
		if fi, err := os.Stat(m.path(sessionID)); err == nil {
			offset = fi.Size()
		}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f, err := os.Open(m.path(sessionID))
				if err != nil {
					continue
				}
				fi, err := f.Stat()
				if err != nil {
					f.Close()
					continue
				}
				if fi.Size() < offset {
					offset = 0 // rotated out from under us
				}
				if fi.Size() > offset {
					if _, err := f.Seek(offset, 0); err == nil {
						scanner := bufio.NewScanner(f)
						for scanner.Scan() {
							onLine(scanner.Text())
						}
						offset = fi.Size()
					}
				}
				f.Close()
			}
		}
	}()

	return func() { close(stop) }, nil
}

// Search scans sessionID's log for pattern, returning up to MaxResults
// matches. Pattern is interpreted as a regex when opts.Regex is set,
// otherwise as a literal substring.
func (m *Manager) Search(sessionID, pattern string, opts SearchOptions) ([]Match, error) {
	f, err := os.Open(m.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound(fmt.Sprintf("no log for session %s", sessionID))
		}
		return nil, apperrors.ClassifyFilesystemError(err)
	}
	defer f.Close()

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 1000
	}

	var re *regexp.Regexp
	if opts.Regex {
		expr := pattern
		if opts.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err = regexp.Compile(expr)
		if err != nil {
			return nil, apperrors.InvalidState(fmt.Sprintf("invalid search pattern: %v", err))
		}
	}

	needle := pattern
	if opts.CaseInsensitive && re == nil {
		needle = strings.ToLower(pattern)
	}

	var matches []Match
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		var hit bool
		if re != nil {
			hit = re.MatchString(line)
		} else if opts.CaseInsensitive {
			hit = strings.Contains(strings.ToLower(line), needle)
		} else {
			hit = strings.Contains(line, needle)
		}
		if hit {
			matches = append(matches, Match{LineNumber: lineNo, Content: line})
			if len(matches) >= maxResults {
				break
			}
		}
	}
	return matches, nil
}

// StatsFor returns size, created, modified, and line count for sessionID's log.
func (m *Manager) StatsFor(sessionID string) (Stats, error) {
	path := m.path(sessionID)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, apperrors.NotFound(fmt.Sprintf("no log for session %s", sessionID))
		}
		return Stats{}, apperrors.ClassifyFilesystemError(err)
	}

	f, err := os.Open(path)
	if err != nil {
		return Stats{}, apperrors.ClassifyFilesystemError(err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
	}

	created := fi.ModTime()
	if birth, err := fileBirthTime(path); err == nil {
		created = birth
	}

	return Stats{
		Size:     fi.Size(),
		Created:  created,
		Modified: fi.ModTime(),
		Lines:    lines,
	}, nil
}

// Rotate forces a rotation of sessionID's log regardless of current size.
func (m *Manager) Rotate(sessionID string) error {
	st := m.getStream(sessionID)
	if st == nil {
		return apperrors.NotFound(fmt.Sprintf("no open stream for session %s", sessionID))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.lj.Rotate(); err != nil {
		return apperrors.ClassifyFilesystemError(err)
	}
	return nil
}

// CleanupOlderThan deletes log files (and their rotated/compressed
// siblings) whose mtime is older than days.
func (m *Manager) CleanupOlderThan(days int) (deleted int, bytesReclaimed int64, err error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, 0, apperrors.ClassifyFilesystemError(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			full := filepath.Join(m.dir, e.Name())
			if rmErr := os.Remove(full); rmErr == nil {
				deleted++
				bytesReclaimed += info.Size()
			}
		}
	}
	return deleted, bytesReclaimed, nil
}

// rotatedSuffix matches the "-2006-01-02T15-04-05.000" timestamp lumberjack
// inserts before ".log" when it renames a backup.
var rotatedSuffix = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.\d{3}$`)

// SessionIDFromLogFile extracts the session id from a log manager's file
// name, used by the Cleanup Engine's orphaned-log sweep. Returns ok=false
// for filenames that don't match the "<id>.log" or rotated/compressed
// ("<id>-<timestamp>.log[.gz]") pattern.
func SessionIDFromLogFile(name string) (string, bool) {
	base := name
	if idx := strings.Index(base, ".log"); idx >= 0 {
		return rotatedSuffix.ReplaceAllString(base[:idx], ""), true
	}
	return "", false
}
