// Package calibrate derives the host-relative CPU slowdown multiplier used to
// throttle every audit, caching the raw benchmark index across runs.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

const (
	// IndexFileName is the file under the cache root holding the raw index.
	IndexFileName = "benchmarkIndex"

	defaultSamples = 5
)

// Config controls calibration.
type Config struct {
	// CacheDir holds the persisted raw index file.
	CacheDir string
	// Root is the page audited to sample the index.
	Root string
	// Samples is the number of audits averaged on a cache miss (default 5).
	Samples int
	// Port is the remote debugging port passed to the audit engine.
	Port int
}

// Calibrator samples and caches the host benchmark index.
type Calibrator struct {
	cfg       Config
	engine    audit.Engine
	navigator audit.Navigator
	logger    *zap.Logger
}

// New constructs a Calibrator. navigator may be nil when the engine opens its
// own page.
func New(cfg Config, engine audit.Engine, navigator audit.Navigator, logger *zap.Logger) (*Calibrator, error) {
	if strings.TrimSpace(cfg.CacheDir) == "" {
		return nil, errors.New("cache dir is required")
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("root url is required")
	}
	if engine == nil {
		return nil, errors.New("audit engine is required")
	}
	if cfg.Samples <= 0 {
		cfg.Samples = defaultSamples
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calibrator{
		cfg:       cfg,
		engine:    engine,
		navigator: navigator,
		logger:    logger,
	}, nil
}

// IndexPath returns the location of the persisted raw index.
func (c *Calibrator) IndexPath() string {
	return filepath.Join(c.cfg.CacheDir, IndexFileName)
}

// Calibrate returns the CPU slowdown multiplier for this host. A persisted raw
// index is converted directly; otherwise the index is sampled, averaged, and
// persisted before conversion. It fails with audit.ErrCalibrationUnavailable
// when the index is below MinViableIndex.
func (c *Calibrator) Calibrate(ctx context.Context) (float64, error) {
	raw, ok, err := c.loadIndex()
	if err != nil {
		return 0, err
	}
	if !ok {
		raw, err = c.sample(ctx)
		if err != nil {
			return 0, err
		}
		// The raw average is persisted, never the multiplier.
		if err := c.storeIndex(raw); err != nil {
			return 0, err
		}
	}
	multiplier, viable := Multiplier(raw)
	if !viable {
		return 0, fmt.Errorf("%w: benchmark index %.1f below %d", audit.ErrCalibrationUnavailable, raw, MinViableIndex)
	}
	c.logger.Info("calibration complete",
		zap.Float64("benchmark_index", raw),
		zap.Float64("multiplier", multiplier),
		zap.Bool("cached", ok),
	)
	return multiplier, nil
}

// Invalidate removes the persisted index so the next Calibrate re-samples.
func (c *Calibrator) Invalidate() error {
	if err := os.Remove(c.IndexPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove benchmark index: %w", err)
	}
	return nil
}

func (c *Calibrator) loadIndex() (float64, bool, error) {
	data, err := os.ReadFile(c.IndexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read benchmark index: %w", err)
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || raw <= 0 {
		c.logger.Warn("ignoring unreadable benchmark index", zap.String("path", c.IndexPath()), zap.ByteString("value", data))
		return 0, false, nil
	}
	return raw, true, nil
}

func (c *Calibrator) storeIndex(raw float64) error {
	if err := os.MkdirAll(c.cfg.CacheDir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	value := strconv.FormatFloat(raw, 'f', -1, 64)
	if err := os.WriteFile(c.IndexPath(), []byte(value), 0o600); err != nil {
		return fmt.Errorf("write benchmark index: %w", err)
	}
	return nil
}

func (c *Calibrator) sample(ctx context.Context) (float64, error) {
	// In-flight browser and engine calls are not interrupted by cancellation;
	// ctx is only checked between them.
	callCtx := context.WithoutCancel(ctx)
	if c.navigator != nil {
		if err := c.navigator.Visit(callCtx, c.cfg.Root); err != nil {
			return 0, fmt.Errorf("open calibration page: %w", err)
		}
	}
	opts := audit.AuditOptions{
		Throttling: audit.Throttling{Network: audit.MobileSlow4G, CPUSlowdownMultiplier: 1},
		Port:       c.cfg.Port,
	}
	var sum float64
	for i := 0; i < c.cfg.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("calibration canceled: %w", err)
		}
		report, err := c.engine.Audit(callCtx, c.cfg.Root, opts)
		if err != nil {
			return 0, fmt.Errorf("calibration sample %d: %w", i+1, err)
		}
		if report.BenchmarkIndex <= 0 {
			return 0, fmt.Errorf("calibration sample %d: engine reported no benchmark index", i+1)
		}
		c.logger.Debug("benchmark sample", zap.Int("sample", i+1), zap.Float64("benchmark_index", report.BenchmarkIndex))
		sum += report.BenchmarkIndex
	}
	return sum / float64(c.cfg.Samples), nil
}
