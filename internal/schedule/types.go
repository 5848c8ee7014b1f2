// Package schedule is the Schedule Engine: cron-driven recurring task
// submission, persisted as a single schedules.json file using the same
// atomic tmp-write/rename/verify/backup protocol as the Progress Tracker's
// journal files.
package schedule

import "time"

// Schedule is one recurring task definition.
type Schedule struct {
	ID          string     `json:"id"`
	NaturalLang string     `json:"natural_language"`
	Cron        string     `json:"cron"`
	CronType    string     `json:"cron_type"` // oracle's classification: "once" | "recurring"
	Explanation string     `json:"explanation"`
	Command     string     `json:"command"`
	Model       string     `json:"model,omitempty"`
	Iterations  int        `json:"iterations,omitempty"`
	WorkingDir  string     `json:"working_dir,omitempty"`
	Enabled     bool       `json:"enabled"`
	Location    string     `json:"location"` // IANA zone name, "" means UTC
	CreatedAt   time.Time  `json:"created_at"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	RunCount    int        `json:"run_count"`
	LastResult  *RunResult `json:"last_result,omitempty"`
}

// RunResult records the outcome of the most recent fire.
type RunResult struct {
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RanAt      time.Time `json:"ran_at"`
}

// Options configures a new schedule beyond its natural-language cron spec.
type Options struct {
	Model      string
	Iterations int
	WorkingDir string
	Enabled    bool
	Timezone   string // IANA zone name, e.g. "America/New_York"; "" means UTC
}

// file is the on-disk persisted shape: a version tag plus the schedule set.
type file struct {
	Version   int        `json:"version"`
	Schedules []Schedule `json:"schedules"`
}

const currentVersion = 1
