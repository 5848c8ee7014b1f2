// Package progress is the Progress Tracker: a per-session iteration journal
// with crash-safe atomic writes, living at progress/<id>-progress.json.
package progress

import "time"

// IterationStatus is the state of a single iteration entry.
type IterationStatus string

const (
	IterationRunning   IterationStatus = "running"
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
)

// Action is one recorded step taken during an iteration.
type Action struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Success   bool      `json:"success"`
}

// Iteration is one journal entry.
type Iteration struct {
	Number       int             `json:"number"`
	Goal         string          `json:"goal,omitempty"`
	Start        time.Time       `json:"start"`
	End          *time.Time      `json:"end,omitempty"`
	Status       IterationStatus `json:"status"`
	DurationS    float64         `json:"duration_s"`
	Actions      []Action        `json:"actions"`
	Achievements []string        `json:"achievements,omitempty"`
	Challenges   []string        `json:"challenges,omitempty"`
	NextSteps    []string        `json:"next_steps,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	AutoCreated  bool            `json:"auto_created,omitempty"`
}

// Milestone is an entry in the session's summary band.
type Milestone struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Impact    string    `json:"impact,omitempty"`
}

// Journal is the on-disk progress document for one session.
type Journal struct {
	SessionID        string            `json:"sessionId"`
	StartTime        time.Time         `json:"startTime"`
	TotalIterations  int               `json:"totalIterations"`
	CurrentIteration int               `json:"currentIteration"`
	Status           string            `json:"status"`
	Iterations       []Iteration       `json:"iterations"`
	Milestones       []Milestone       `json:"milestones"`
	OverallSummary   string            `json:"overallSummary,omitempty"`
	LastUpdate       time.Time         `json:"lastUpdate"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Version          int               `json:"version"`
	Error            string            `json:"error,omitempty"`
}
