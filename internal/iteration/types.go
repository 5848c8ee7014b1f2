// Package iteration is the Iteration Engine: drives one session through
// up to its planned number of iterations, each a spawned worker child,
// with retry/backoff, usage-limit handling, and circuit-breaker
// integration. Grounded on the teacher's orchestrator scheduler loop
// shape (ticker + per-task dispatch + retry bookkeeping) generalized
// from "dequeue a task" to "drive one session's iterations," and on
// agentctl/launcher.Launcher for the child process lifecycle itself.
package iteration

import "time"

// Plan is the chosen iteration count/model for a session, either from
// the Oracle Gateway or the local heuristic fallback.
type Plan struct {
	Iterations int
	Model      string
	Source     string // "oracle" | "oracle+heuristic" | "heuristic" | "explicit"
	Confidence float64
	Reasoning  string
}

// ExitClass further classifies a non-zero worker exit.
type ExitClass string

const (
	ExitClassUsageLimit ExitClass = "usage_limit"
	ExitClassNetwork    ExitClass = "network"
	ExitClassAuth       ExitClass = "auth"
	ExitClassWorker     ExitClass = "worker"
	ExitClassSuccess    ExitClass = "success"
)

// Outcome is the result of one spawned child's run.
type Outcome struct {
	Class      ExitClass
	ExitCode   int
	Retryable  bool
	ResetAfter time.Duration // only meaningful for ExitClassUsageLimit
	Message    string
}

// Config bundles the timeouts/budgets the engine consults per iteration.
type Config struct {
	WorkerBinary      string
	WorkerEnv         map[string]string
	ProbeTimeout      time.Duration
	IterationTimeout  time.Duration
	AttemptBudget     int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	DefaultResetWait  time.Duration
	ForceKillDeadline time.Duration
}
