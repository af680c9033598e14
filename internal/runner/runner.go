// Package runner executes audits of single pages under throttling and commits
// the result to the result store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/metrics"
)

// DefaultMaxAttempts bounds the engine runs spent on one URL.
const DefaultMaxAttempts = 5

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the number of engine runs allowed per URL.
	MaxAttempts int
	// RetryDelay is slept between attempts. Zero retries immediately.
	RetryDelay time.Duration
	// Port is the remote debugging port handed to the engine.
	Port int
}

// Runner audits a URL until the scores are complete or attempts run out.
type Runner struct {
	engine audit.Engine
	store  audit.ResultStore
	clock  audit.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Runner.
func New(engine audit.Engine, store audit.ResultStore, clock audit.Clock, cfg Config, logger *zap.Logger) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("audit engine is required")
	}
	if store == nil {
		return nil, errors.New("result store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Runner{engine: engine, store: store, clock: clock, cfg: cfg, logger: logger}, nil
}

// MaxAttempts returns the configured attempt bound.
func (r *Runner) MaxAttempts() int {
	return r.cfg.MaxAttempts
}

// Run audits url with the CPU slowdown multiplier and stores the committed
// attempt. A non-final attempt with missing scores is discarded; the final
// attempt is committed whatever its scores. Cancellation is observed between
// attempts only.
func (r *Runner) Run(ctx context.Context, url string, multiplier float64) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", errors.New("url is required")
	}
	opts := audit.AuditOptions{
		Throttling: audit.Throttling{
			Network:               audit.MobileSlow4G,
			CPUSlowdownMultiplier: multiplier,
		},
		Port: r.cfg.Port,
	}
	callCtx := context.WithoutCancel(ctx)
	logger := r.logger.With(zap.String("url", url), zap.Float64("multiplier", multiplier))

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.wait(ctx); err != nil {
				return "", err
			}
		}
		final := attempt == r.cfg.MaxAttempts

		start := time.Now()
		report, err := r.engine.Audit(callCtx, url, opts)
		elapsed := time.Since(start)
		if err != nil {
			if !errors.Is(err, audit.ErrAuditAttemptFailed) {
				metrics.ObserveAuditAttempt(url, metrics.OutcomeError, elapsed)
				return "", fmt.Errorf("audit %s: %w", url, err)
			}
			metrics.ObserveAuditAttempt(url, metrics.OutcomeFailed, elapsed)
			if final {
				return "", fmt.Errorf("audit %s after %d attempts: %w", url, attempt, err)
			}
			logger.Warn("audit attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if missing := report.Scores.Missing(); len(missing) > 0 {
			metrics.ObserveAuditAttempt(url, metrics.OutcomeIncomplete, elapsed)
			if !final {
				logger.Info("audit scores incomplete, retrying",
					zap.Int("attempt", attempt),
					zap.Strings("missing", missing),
				)
				continue
			}
			logger.Warn("committing incomplete audit on final attempt",
				zap.Int("attempt", attempt),
				zap.Strings("missing", missing),
			)
		} else {
			metrics.ObserveAuditAttempt(url, metrics.OutcomeComplete, elapsed)
		}

		entry := audit.NewEntry(url, report, multiplier, r.clock.Now().UTC())
		id, err := r.store.Put(callCtx, entry)
		if err != nil {
			return "", fmt.Errorf("store result for %s: %w", url, err)
		}
		logger.Info("audit committed", zap.String("id", id), zap.Int("attempt", attempt), zap.Duration("duration", elapsed))
		return id, nil
	}
	return "", fmt.Errorf("audit %s: no attempts made", url)
}

func (r *Runner) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("audit canceled: %w", err)
	}
	if r.cfg.RetryDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(r.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("audit canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
