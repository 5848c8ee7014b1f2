package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/db"
)

// Store is the persistent Session table. It is safe for concurrent use by
// many readers; writes to a given row are expected to be serialized by the
// caller (the Lifecycle Manager), per the single-writer convention.
type Store struct {
	pool *db.Pool
}

// Open opens (and migrates) the session store backed by driver/path/dsn.
func Open(driver, path, dsn string, maxConns, minConns int) (*Store, error) {
	pool, err := db.Open(driver, path, dsn, maxConns, minConns)
	if err != nil {
		return nil, apperrors.DbUnavailable(err)
	}
	if err := migrate(pool.Writer()); err != nil {
		_ = pool.Close()
		return nil, apperrors.DbUnavailable(err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

const busyRetries = 3

var busyBackoff = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}

// withBusyRetry runs fn at most busyRetries times in all, retrying when it
// fails with a transient "database is locked/busy" condition, per spec
// §4.A's DbBusy contract, surfacing DbUnavailable if every attempt fails.
func withBusyRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyErr(err) {
			return err
		}
		if attempt < busyRetries-1 {
			time.Sleep(busyBackoff[attempt])
		}
	}
	return apperrors.DbUnavailable(lastErr)
}

func isBusyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// Create inserts a new session row. Fails with Duplicate if id already
// exists.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess.CreatedAt == 0 {
		sess.CreatedAt = nowMillis()
	}
	metaJSON, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return apperrors.InvalidState(fmt.Sprintf("invalid metadata: %v", err))
	}
	sess.MetadataJSON = metaJSON

	return withBusyRetry(func() error {
		_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
			INSERT INTO sessions (id, task, status, iterations_planned, iterations_completed,
				model, working_dir, created_at, started_at, completed_at, pid, metadata, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), sess.ID, sess.Task, sess.Status, sess.IterationsPlanned, sess.IterationsCompleted,
			sess.Model, sess.WorkingDir, sess.CreatedAt, sess.StartedAt, sess.CompletedAt,
			sess.PID, sess.MetadataJSON, sess.Error)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return apperrors.Duplicate(fmt.Sprintf("session %s already exists", sess.ID))
			}
			return err
		}
		return nil
	})
}

// Get retrieves a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.pool.Reader().GetContext(ctx, &sess, s.pool.Reader().Rebind(`
		SELECT id, task, status, iterations_planned, iterations_completed, model,
			working_dir, created_at, started_at, completed_at, pid, metadata, error
		FROM sessions WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	unmarshalMetadata(&sess)
	return &sess, nil
}

// Update applies a partial patch to a session. Rejects transitions out of a
// terminal status.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	return withBusyRetry(func() error {
		tx, err := s.pool.Writer().BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current Session
		err = tx.GetContext(ctx, &current, tx.Rebind(`
			SELECT id, task, status, iterations_planned, iterations_completed, model,
				working_dir, created_at, started_at, completed_at, pid, metadata, error
			FROM sessions WHERE id = ?
		`), id)
		if err == sql.ErrNoRows {
			return apperrors.NotFound(fmt.Sprintf("session %s not found", id))
		}
		if err != nil {
			return err
		}

		if current.Status.Terminal() {
			return apperrors.InvalidState(fmt.Sprintf("session %s is terminal (%s) and cannot be updated", id, current.Status))
		}

		setClauses := []string{}
		args := []any{}
		if patch.Status != nil {
			setClauses = append(setClauses, "status = ?")
			args = append(args, *patch.Status)
		}
		if patch.IterationsCompleted != nil {
			if *patch.IterationsCompleted > current.IterationsPlanned {
				return apperrors.InvalidState("iterations_completed cannot exceed iterations_planned")
			}
			setClauses = append(setClauses, "iterations_completed = ?")
			args = append(args, *patch.IterationsCompleted)
		}
		if patch.StartedAt != nil {
			setClauses = append(setClauses, "started_at = ?")
			args = append(args, *patch.StartedAt)
		}
		if patch.CompletedAt != nil {
			setClauses = append(setClauses, "completed_at = ?")
			args = append(args, *patch.CompletedAt)
		}
		if patch.PID != nil {
			setClauses = append(setClauses, "pid = ?")
			args = append(args, *patch.PID)
		}
		if patch.Metadata != nil {
			metaJSON, err := marshalMetadata(patch.Metadata)
			if err != nil {
				return apperrors.InvalidState(fmt.Sprintf("invalid metadata: %v", err))
			}
			setClauses = append(setClauses, "metadata = ?")
			args = append(args, metaJSON)
		}
		if patch.Error != nil {
			setClauses = append(setClauses, "error = ?")
			args = append(args, *patch.Error)
		}
		if len(setClauses) == 0 {
			return nil
		}
		args = append(args, id)
		query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(setClauses, ", "))
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Delete removes a session row. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	return withBusyRetry(func() error {
		_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`DELETE FROM sessions WHERE id = ?`), id)
		return err
	})
}

// ListByStatus returns sessions whose status is in statuses, newest first.
func (s *Store) ListByStatus(ctx context.Context, statuses []Status) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, task, status, iterations_planned, iterations_completed, model,
			working_dir, created_at, started_at, completed_at, pid, metadata, error
		FROM sessions WHERE status IN (?) ORDER BY created_at DESC`, statuses)
	if err != nil {
		return nil, err
	}
	query = s.pool.Reader().Rebind(query)

	var sessions []*Session
	if err := s.pool.Reader().SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		unmarshalMetadata(sess)
	}
	return sessions, nil
}

// ListAll returns every session, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.pool.Reader().SelectContext(ctx, &sessions, `
		SELECT id, task, status, iterations_planned, iterations_completed, model,
			working_dir, created_at, started_at, completed_at, pid, metadata, error
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		unmarshalMetadata(sess)
	}
	return sessions, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(sess *Session) {
	if sess.MetadataJSON == "" {
		return
	}
	_ = json.Unmarshal([]byte(sess.MetadataJSON), &sess.Metadata)
}
