package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config configures a Gateway.
type Config struct {
	Binary            string
	CronTimeout       time.Duration
	ComplexityTimeout time.Duration
	MaxRetries        int
	CacheTTL          time.Duration
	CacheSize         int
}

// Gateway shells out to a configured oracle binary for each request,
// grounded on the teacher launcher's subprocess-lifecycle shape
// (exec.Command, piped stdin/stdout, bounded wait) simplified from a
// long-lived server process to a one-shot request/reply call.
type Gateway struct {
	cfg    Config
	logger *logger.Logger
	cache  *cache
	group  singleflight.Group

	available atomic.Bool
	probeOnce sync.Once
}

// New builds a Gateway. Availability starts out assumed true; the binary
// is probed only by an explicit Probe or by a call made while the gateway
// is marked unavailable.
func New(cfg Config, log *logger.Logger) *Gateway {
	if cfg.CronTimeout <= 0 {
		cfg.CronTimeout = 120 * time.Second
	}
	if cfg.ComplexityTimeout <= 0 {
		cfg.ComplexityTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	g := &Gateway{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "oracle_gateway")),
		cache:  newCache(cfg.CacheSize, cfg.CacheTTL),
	}
	g.available.Store(true)
	return g
}

// Probe checks whether the oracle binary can be found (exec.LookPath); it
// sends no request. The result is cached until the next Probe call. call
// runs it before each attempt while the last result is unavailable, which
// includes after a call has failed with OracleUnavailable.
func (g *Gateway) Probe(ctx context.Context) bool {
	if _, err := exec.LookPath(g.cfg.Binary); err != nil {
		g.available.Store(false)
		return false
	}
	g.available.Store(true)
	return true
}

// Available reports the last-known probe result.
func (g *Gateway) Available() bool {
	return g.available.Load()
}

// AnalyzeComplexity asks the oracle to assess task's complexity, caching
// by normalized task text.
func (g *Gateway) AnalyzeComplexity(ctx context.Context, task string) (*ComplexityResponse, error) {
	key := normalize(task)
	if v, ok := g.cache.get(key); ok {
		return v.(*ComplexityResponse), nil
	}

	v, err := g.group.Do(key, func() (any, error) {
		req := request{Kind: kindComplexity, Task: task}
		var resp ComplexityResponse
		if err := g.call(ctx, g.cfg.ComplexityTimeout, req, &resp); err != nil {
			return nil, err
		}
		if err := validateComplexity(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, err
	}
	result := v.(*ComplexityResponse)
	g.cache.set(key, result)
	return result, nil
}

// ParseCron asks the oracle to translate a natural-language schedule
// expression plus ISO reference time into a cron spec.
func (g *Gateway) ParseCron(ctx context.Context, naturalLanguage, referenceTimeISO string) (*CronResponse, error) {
	key := "cron:" + normalize(naturalLanguage) + "|" + referenceTimeISO
	if v, ok := g.cache.get(key); ok {
		return v.(*CronResponse), nil
	}

	v, err := g.group.Do(key, func() (any, error) {
		req := request{Kind: kindCron, NaturalLang: naturalLanguage, ReferenceTime: referenceTimeISO}
		var resp CronResponse
		if err := g.call(ctx, g.cfg.CronTimeout, req, &resp); err != nil {
			return nil, err
		}
		if resp.Cron == "" {
			return nil, apperrors.OracleInvalidResponse(fmt.Errorf("empty cron field"))
		}
		return &resp, nil
	})
	if err != nil {
		return nil, err
	}
	result := v.(*CronResponse)
	g.cache.set(key, result)
	return result, nil
}

// call invokes the oracle binary once per attempt, retrying up to
// cfg.MaxRetries times with a progressive delay on transient failure.
func (g *Gateway) call(ctx context.Context, timeout time.Duration, req request, out any) error {
	if !g.Available() {
		if !g.Probe(ctx) {
			return apperrors.OracleUnavailable(fmt.Errorf("oracle binary %q not found", g.cfg.Binary))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return apperrors.Cancelled()
			}
		}

		err := g.callOnce(ctx, timeout, req, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return err
		}
	}
	g.available.Store(false)
	return apperrors.OracleUnavailable(lastErr)
}

func (g *Gateway) callOnce(ctx context.Context, timeout time.Duration, req request, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return apperrors.OracleInvalidResponse(err)
	}

	cmd := exec.CommandContext(callCtx, g.cfg.Binary)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return apperrors.Timeout("oracle call timed out")
		}
		g.logger.Warn("oracle subprocess failed", zap.Error(err), zap.String("stderr", stderr.String()))
		return apperrors.OracleUnavailable(err)
	}

	jsonBlob := extractJSONObject(stdout.String())
	if jsonBlob == "" {
		return apperrors.OracleInvalidResponse(fmt.Errorf("no JSON object found in oracle output"))
	}
	if err := json.Unmarshal([]byte(jsonBlob), out); err != nil {
		return apperrors.OracleInvalidResponse(err)
	}
	return nil
}

// extractJSONObject finds the first balanced top-level {...} region in s,
// tolerating surrounding prose an LLM-backed oracle might emit.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func validateComplexity(r *ComplexityResponse) error {
	switch r.Complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
	default:
		return apperrors.OracleInvalidResponse(fmt.Errorf("invalid complexity %q", r.Complexity))
	}
	if r.Iterations < 1 || r.Iterations > 20 {
		return apperrors.OracleInvalidResponse(fmt.Errorf("iterations %d out of range [1,20]", r.Iterations))
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return apperrors.OracleInvalidResponse(fmt.Errorf("confidence %f out of range [0,1]", r.Confidence))
	}
	return nil
}
