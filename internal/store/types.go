// Package store is the Session Store: the durable, single-source-of-truth
// mapping from session id to Session row, with secondary indices by status
// and creation time.
package store

// Status is a session's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Terminal reports whether s is one of the sink states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// Session is the authoritative record for a supervised background task.
type Session struct {
	ID                   string         `db:"id" json:"id"`
	Task                 string         `db:"task" json:"task"`
	Status               Status         `db:"status" json:"status"`
	IterationsPlanned    int            `db:"iterations_planned" json:"iterations_planned"`
	IterationsCompleted  int            `db:"iterations_completed" json:"iterations_completed"`
	Model                string         `db:"model" json:"model"`
	WorkingDir           string         `db:"working_dir" json:"working_dir"`
	CreatedAt            int64          `db:"created_at" json:"created_at"`
	StartedAt            *int64         `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *int64         `db:"completed_at" json:"completed_at,omitempty"`
	PID                  *int           `db:"pid" json:"pid,omitempty"`
	MetadataJSON         string         `db:"metadata" json:"-"`
	Metadata             map[string]any `db:"-" json:"metadata,omitempty"`
	Error                *string        `db:"error" json:"error,omitempty"`
}

// Patch is a partial update applied by Update. Nil fields are left
// unchanged.
type Patch struct {
	Status              *Status
	IterationsCompleted *int
	StartedAt           *int64
	CompletedAt         *int64
	PID                 *int
	Metadata            map[string]any
	Error                *string
}
