package iteration

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// usageLimitFingerprints is the case-insensitive stderr fingerprint set
// from spec.md §4.F.3 that identifies a worker call blocked by an
// upstream rate/usage limit rather than a genuine failure.
var usageLimitFingerprints = []string{
	"usage limit",
	"rate limit",
	"quota exceeded",
	"too many requests",
	"limit exceeded",
}

// resetPattern matches "reset in N (seconds|minutes|hours)" inside a
// usage-limit message, case-insensitively.
var resetPattern = regexp.MustCompile(`(?i)reset in (\d+)\s*(second|minute|hour)s?`)

// HasUsageLimitFingerprint reports whether stderr text indicates the
// worker was blocked by an external usage/rate limit.
func HasUsageLimitFingerprint(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, fp := range usageLimitFingerprints {
		if strings.Contains(lower, fp) {
			return true
		}
	}
	return false
}

// ParseResetWait extracts the reset duration from a usage-limit message,
// defaulting to defaultWait when the message doesn't match the expected
// "reset in N unit" shape.
func ParseResetWait(stderr string, defaultWait time.Duration) time.Duration {
	m := resetPattern.FindStringSubmatch(stderr)
	if m == nil {
		return defaultWait
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return defaultWait
	}
	switch strings.ToLower(m[2]) {
	case "second":
		return time.Duration(n) * time.Second
	case "minute":
		return time.Duration(n) * time.Minute
	case "hour":
		return time.Duration(n) * time.Hour
	default:
		return defaultWait
	}
}

// retryableExitCodes is the set of WorkerError exit codes §4.F.3.e treats
// as retryable (SIGINT/128+2, SIGTERM/128+15, and a plain generic failure).
var retryableExitCodes = map[int]bool{1: true, 130: true, 143: true}

// Classify maps an exit code and stderr text to the outcome used by the
// retry loop, per spec.md §4.F.3.e's exact ordering: success, then
// usage-limit, then network, then auth, then generic worker error.
func Classify(exitCode int, stderr string, defaultResetWait time.Duration) Outcome {
	if exitCode == 0 {
		return Outcome{Class: ExitClassSuccess, ExitCode: 0}
	}

	lower := strings.ToLower(stderr)

	if HasUsageLimitFingerprint(stderr) {
		return Outcome{
			Class:      ExitClassUsageLimit,
			ExitCode:   exitCode,
			Retryable:  true,
			ResetAfter: ParseResetWait(stderr, defaultResetWait),
			Message:    "worker hit a usage/rate limit",
		}
	}

	if strings.Contains(lower, "network") || strings.Contains(lower, "connection") {
		return Outcome{Class: ExitClassNetwork, ExitCode: exitCode, Retryable: true, Message: "network error"}
	}

	if strings.Contains(lower, "auth") || strings.Contains(lower, "permission") {
		return Outcome{Class: ExitClassAuth, ExitCode: exitCode, Retryable: false, Message: "authentication/permission error"}
	}

	return Outcome{
		Class:     ExitClassWorker,
		ExitCode:  exitCode,
		Retryable: retryableExitCodes[exitCode],
		Message:   "worker exited with an error",
	}
}

// Backoff computes the exponential retry delay for attempt (1-based),
// capped at cap: base * 2^(attempt-1).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
