package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/app"
	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/config"
	"github.com/JakeFAU/pageaudit/internal/discover"
	"github.com/JakeFAU/pageaudit/internal/logging"
	"github.com/JakeFAU/pageaudit/internal/preflight"
)

type rootOptions struct {
	configPath      string
	reloadBenchmark bool
	reloadTests     bool
}

// newRootCmd creates the pageaudit command. run is swapped out in tests.
func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "pageaudit <url>",
		Short: "Audit every page of a website and serve the results.",
		Long: `pageaudit crawls one website from its root URL, runs Lighthouse against
every discovered page under a host-calibrated CPU throttle, caches the
results, and streams progress to a dashboard over WebSocket.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("exactly one root url is required")
			}
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml)")
	flags.Int("max-urls", 200, "maximum number of pages to discover and test")
	flags.StringSlice("exclude", nil, "glob patterns matched against path?query#fragment to skip")
	flags.BoolVar(&opts.reloadBenchmark, "reload-benchmark", false, "discard the cached benchmark index")
	flags.BoolVar(&opts.reloadTests, "reload-tests", false, "discard every cached test result")
	return cmd
}

var run = func(ctx context.Context, cfg config.Config, opts rootOptions, rawRoot string) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	target, err := buildTarget(cfg, rawRoot)
	if err != nil {
		return err
	}

	prober := preflight.New(preflight.Config{
		UserAgent: cfg.Preflight.UserAgent,
		Timeout:   cfg.Preflight.Timeout,
	}, nil, logger.Named("preflight"))
	if _, err := prober.Probe(ctx, target.Root); err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, target, app.Options{}, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	if opts.reloadBenchmark {
		if err := a.Calibrator().Invalidate(); err != nil {
			return fmt.Errorf("reload benchmark: %w", err)
		}
		logger.Info("benchmark index discarded")
	}
	if opts.reloadTests {
		if err := a.Store().Reset(ctx); err != nil {
			return fmt.Errorf("reload tests: %w", err)
		}
		logger.Info("cached test results discarded")
	}

	return a.Serve(ctx)
}

// buildTarget normalizes the root and validates the crawl bounds before any
// network or browser work starts.
func buildTarget(cfg config.Config, rawRoot string) (audit.Target, error) {
	target := audit.Target{
		Root:    discover.Normalize(rawRoot),
		MaxURLs: cfg.Discovery.MaxURLs,
		Exclude: cfg.Discovery.Exclude,
	}
	if err := target.Validate(); err != nil {
		return audit.Target{}, err
	}
	if _, err := discover.NewMatcher(target.Exclude); err != nil {
		return audit.Target{}, err
	}
	return target, nil
}
