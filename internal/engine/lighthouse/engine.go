// Package lighthouse runs audits through the Lighthouse CLI attached to the
// shared browser's remote debugging port.
package lighthouse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// Categories audited on every run.
var Categories = []string{categoryPerformance, categoryAccessibility, categoryBestPractices, categorySEO, categoryPWA}

// CommandFunc executes the Lighthouse binary and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args []string) ([]byte, error)

// Config controls how Lighthouse is invoked.
type Config struct {
	// Binary is the lighthouse executable.
	Binary string
	// WorkDir holds the per-run output directories. Defaults to the OS temp dir.
	WorkDir string
	// Timeout bounds a single run.
	Timeout time.Duration
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
}

// Engine implements audit.Engine on top of the Lighthouse CLI.
type Engine struct {
	cfg    Config
	exec   CommandFunc
	logger *zap.Logger
}

// New constructs an Engine. A nil command uses os/exec.
func New(cfg Config, command CommandFunc, logger *zap.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "lighthouse"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if command == nil {
		command = execCommand
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, exec: command, logger: logger}, nil
}

func execCommand(ctx context.Context, name string, args []string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// Audit runs Lighthouse once against url. Runs that start but produce no usable
// report wrap audit.ErrAuditAttemptFailed; a missing binary does not.
func (e *Engine) Audit(ctx context.Context, url string, opts audit.AuditOptions) (audit.Report, error) {
	dir, err := os.MkdirTemp(e.cfg.WorkDir, "lighthouse-*")
	if err != nil {
		return audit.Report{}, fmt.Errorf("create lighthouse work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.logger.Debug("remove lighthouse work dir", zap.String("dir", dir), zap.Error(rmErr))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	outputBase := filepath.Join(dir, "report")
	args := Args(url, outputBase, opts, e.cfg.ExtraArgs)
	start := time.Now()
	out, err := e.exec(runCtx, e.cfg.Binary, args)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return audit.Report{}, fmt.Errorf("lighthouse binary %q: %w", e.cfg.Binary, err)
		}
		e.logger.Warn("lighthouse run failed",
			zap.String("url", url),
			zap.Duration("duration", time.Since(start)),
			zap.String("output", tail(out, 512)),
			zap.Error(err),
		)
		return audit.Report{}, fmt.Errorf("%w: %w", audit.ErrAuditAttemptFailed, err)
	}

	raw, err := os.ReadFile(outputBase + ".report.json")
	if err != nil {
		return audit.Report{}, fmt.Errorf("%w: read json report: %w", audit.ErrAuditAttemptFailed, err)
	}
	html, err := os.ReadFile(outputBase + ".report.html")
	if err != nil {
		return audit.Report{}, fmt.Errorf("%w: read html report: %w", audit.ErrAuditAttemptFailed, err)
	}
	report, runtimeErr, err := ParseReport(raw, html)
	if err != nil {
		return audit.Report{}, err
	}
	if runtimeErr != "" {
		e.logger.Warn("lighthouse reported a runtime error", zap.String("url", url), zap.String("error", runtimeErr))
	}
	e.logger.Debug("lighthouse run finished",
		zap.String("url", url),
		zap.Duration("duration", time.Since(start)),
		zap.Float64("benchmark_index", report.BenchmarkIndex),
		zap.Strings("missing", report.Scores.Missing()),
	)
	return report, nil
}

// Args builds the Lighthouse command line for one run.
func Args(url, outputBase string, opts audit.AuditOptions, extra []string) []string {
	net := opts.Throttling.Network
	cpu := opts.Throttling.CPUSlowdownMultiplier
	if cpu <= 0 {
		cpu = 1
	}
	args := []string{
		url,
		"--port=" + strconv.Itoa(opts.Port),
		"--output=json",
		"--output=html",
		"--output-path=" + outputBase,
		"--quiet",
		"--only-categories=" + strings.Join(Categories, ","),
		"--form-factor=mobile",
		"--throttling-method=simulate",
		"--throttling.rttMs=" + formatFloat(net.RTTMs),
		"--throttling.throughputKbps=" + formatFloat(net.ThroughputKbps),
		"--throttling.requestLatencyMs=" + formatFloat(net.RequestLatencyMs),
		"--throttling.downloadThroughputKbps=" + formatFloat(net.DownloadThroughputKbps),
		"--throttling.uploadThroughputKbps=" + formatFloat(net.UploadThroughputKbps),
		"--throttling.cpuSlowdownMultiplier=" + formatFloat(cpu),
	}
	return append(args, extra...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tail(out []byte, n int) string {
	if len(out) <= n {
		return string(out)
	}
	return string(out[len(out)-n:])
}
