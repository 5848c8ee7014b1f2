package breaker

import (
	"sync"
	"time"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"go.uber.org/zap"
)

// Category names the three circuits the supervisor trips independently.
type Category string

const (
	CategoryWorker       Category = "worker"
	CategoryProcessSpawn Category = "process_spawn"
	CategoryFilesystem   Category = "filesystem"
)

// defaultConfigs hold the per-category thresholds: worker failures are the
// most consequential (a misbehaving oracle/model can loop indefinitely) so
// they trip fastest, after the fewest failures (3 within 30s); filesystem
// hiccups are usually transient so they tolerate the most failures over
// the shortest window (10 within 10s).
var defaultConfigs = map[Category]Config{
	CategoryWorker:       {FailureThreshold: 3, Window: 30 * time.Second, CooldownPeriod: 30 * time.Second, HalfOpenCloseOnNSucc: 2},
	CategoryProcessSpawn: {FailureThreshold: 5, Window: 60 * time.Second, CooldownPeriod: 60 * time.Second},
	CategoryFilesystem:   {FailureThreshold: 10, Window: 10 * time.Second, CooldownPeriod: 10 * time.Second},
}

// Registry owns one Breaker per category.
type Registry struct {
	mu       sync.Mutex
	breakers map[Category]*Breaker
	logger   *logger.Logger
}

// NewRegistry builds a Registry with the three supervisor categories
// pre-populated using their default thresholds.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		breakers: make(map[Category]*Breaker),
		logger:   log.WithFields(zap.String("component", "circuit_breaker")),
	}
	for cat, cfg := range defaultConfigs {
		cat := cat
		cfg.OnStateChange = func(from, to State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("category", string(cat)),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
		r.breakers[cat] = New(cfg)
	}
	return r
}

// Get returns the breaker for category, creating one with fallback
// thresholds (5 failures within 30s, 30s cooldown) if category is
// unrecognized.
func (r *Registry) Get(category Category) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[category]; ok {
		return b
	}
	b := New(Config{FailureThreshold: 5, Window: 30 * time.Second, CooldownPeriod: 30 * time.Second})
	r.breakers[category] = b
	return b
}

// Allow reports whether a call in category may proceed, returning a
// CircuitOpen apperror when it may not.
func (r *Registry) Allow(category Category) error {
	if r.Get(category).Allow() {
		return nil
	}
	return apperrors.CircuitOpen(string(category))
}

// RecordSuccess/RecordFailure forward to the category's breaker.
func (r *Registry) RecordSuccess(category Category) { r.Get(category).RecordSuccess() }
func (r *Registry) RecordFailure(category Category) { r.Get(category).RecordFailure() }

// Snapshot reports every category's current state, used by stats().
func (r *Registry) Snapshot() map[Category]State {
	r.mu.Lock()
	cats := make([]Category, 0, len(r.breakers))
	for c := range r.breakers {
		cats = append(cats, c)
	}
	r.mu.Unlock()

	out := make(map[Category]State, len(cats))
	for _, c := range cats {
		out[c] = r.Get(c).State()
	}
	return out
}
