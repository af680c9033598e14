// Package app builds and holds the long-lived services of one pageaudit run
// and serves the progress channel and artifact API until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pageaudit/internal/api"
	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/browser"
	"github.com/JakeFAU/pageaudit/internal/calibrate"
	"github.com/JakeFAU/pageaudit/internal/channel"
	"github.com/JakeFAU/pageaudit/internal/clock/system"
	"github.com/JakeFAU/pageaudit/internal/config"
	"github.com/JakeFAU/pageaudit/internal/discover"
	"github.com/JakeFAU/pageaudit/internal/engine/lighthouse"
	"github.com/JakeFAU/pageaudit/internal/id/uuid"
	"github.com/JakeFAU/pageaudit/internal/progress"
	"github.com/JakeFAU/pageaudit/internal/progress/sinks"
	"github.com/JakeFAU/pageaudit/internal/runner"
	"github.com/JakeFAU/pageaudit/internal/storage/gcs"
	"github.com/JakeFAU/pageaudit/internal/storage/local"
	"github.com/JakeFAU/pageaudit/internal/storage/memory"
	"github.com/JakeFAU/pageaudit/internal/storage/postgres"
	"github.com/JakeFAU/pageaudit/internal/workflow"
)

const defaultShutdownTimeout = 10 * time.Second

// Options carries the collaborators New would otherwise build itself.
type Options struct {
	// Engine replaces the Lighthouse CLI adapter.
	Engine audit.Engine
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// App holds the services shared by every session.
type App struct {
	cfg    config.Config
	target audit.Target
	logger *zap.Logger

	browser    *browser.Browser
	calibrator *calibrate.Calibrator
	store      audit.ResultStore
	workflow   *workflow.Workflow
	hub        *progress.Hub
	channel    *channel.Server
	api        *api.Server

	gcsClient    *storage.Client
	pgStore      *postgres.ResultStore
	pubsubClient *pubsub.Client

	fatal chan error
}

// New wires every service for target. Chrome and Lighthouse are not started
// until the first session needs them.
func New(ctx context.Context, cfg config.Config, target audit.Target, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, target: target, logger: logger, fatal: make(chan error, 1)}
	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.cfg
	cacheRoot, err := cfg.CacheRoot()
	if err != nil {
		return err
	}

	a.store, err = a.buildStore(ctx)
	if err != nil {
		return fmt.Errorf("init result store: %w", err)
	}

	a.browser, err = browser.New(browser.Config{
		Port:              cfg.Browser.Port,
		ExecPath:          cfg.Browser.ExecPath,
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		SettleDelay:       cfg.Browser.SettleDelay,
	}, a.logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("init browser: %w", err)
	}

	engine := opts.Engine
	if engine == nil {
		engine, err = lighthouse.New(lighthouse.Config{
			Binary:    cfg.Lighthouse.Binary,
			Timeout:   cfg.Lighthouse.Timeout,
			ExtraArgs: cfg.Lighthouse.ExtraArgs,
		}, nil, a.logger.Named("lighthouse"))
		if err != nil {
			return fmt.Errorf("init audit engine: %w", err)
		}
	}

	a.calibrator, err = calibrate.New(calibrate.Config{
		CacheDir: cacheRoot,
		Root:     a.target.Root,
		Samples:  cfg.Calibration.Samples,
		Port:     a.browser.Port(),
	}, engine, a.browser, a.logger.Named("calibrate"))
	if err != nil {
		return fmt.Errorf("init calibrator: %w", err)
	}

	discoverer, err := discover.New(a.browser, a.logger.Named("discover"))
	if err != nil {
		return fmt.Errorf("init discoverer: %w", err)
	}

	clock := system.New()
	testRunner, err := runner.New(engine, a.store, clock, runner.Config{
		MaxAttempts: cfg.Lighthouse.MaxAttempts,
		RetryDelay:  cfg.Lighthouse.RetryDelay,
		Port:        a.browser.Port(),
	}, a.logger.Named("runner"))
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	a.hub, err = a.buildHub(ctx, opts.Registerer)
	if err != nil {
		return fmt.Errorf("init progress hub: %w", err)
	}

	ids := uuid.New()
	a.workflow, err = workflow.New(workflow.Deps{
		Calibrator: a.calibrator,
		Discoverer: discoverer,
		Runner:     testRunner,
		Store:      a.store,
		Clock:      clock,
		IDs:        ids,
		Progress:   a.hub,
	}, a.target, a.logger.Named("workflow"))
	if err != nil {
		return fmt.Errorf("init workflow: %w", err)
	}

	a.channel, err = channel.NewServer(fatalOnCalibration{wf: a.workflow, fatal: a.fatal}, a.store, a.hub, channel.Config{
		NotFoundAsError: cfg.Channel.NotFoundAsError,
		WriteTimeout:    cfg.Channel.WriteTimeout,
	}, a.logger.Named("channel"))
	if err != nil {
		return fmt.Errorf("init progress channel: %w", err)
	}

	a.api = api.NewServer(a.store, ids, api.Config{
		PublicBaseURL:  cfg.API.PublicBaseURL,
		CacheMaxAge:    cfg.API.CacheMaxAge,
		RequestTimeout: cfg.API.RequestTimeout,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) buildStore(ctx context.Context) (audit.ResultStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory result store; results are lost on exit")
		return memory.NewResultStore(), nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		a.logger.Info("using gcs result store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:   a.cfg.Storage.PostgresDSN,
			Table: a.cfg.Storage.PostgresTable,
		})
		if err != nil {
			return nil, err
		}
		a.pgStore = store
		a.logger.Info("using postgres result store", zap.String("table", a.cfg.Storage.PostgresTable))
		return store, nil
	default:
		dir, err := a.cfg.TestsDir()
		if err != nil {
			return nil, err
		}
		return local.New(local.Config{BaseDir: dir})
	}
}

func (a *App) buildHub(ctx context.Context, reg prometheus.Registerer) (*progress.Hub, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), promSink}

	if a.cfg.PubSub.Enabled() {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		topic := client.Topic(a.cfg.PubSub.TopicName)
		hubSinks = append(hubSinks, sinks.NewPubSubSink(sinks.NewTopicPublisher(topic), a.logger.Named("pubsub")))
		a.logger.Info("publishing test results", zap.String("topic", topic.String()))
	}

	return progress.NewHub(progress.Config{Logger: a.logger.Named("hub")}, hubSinks...), nil
}

// Calibrator exposes the calibrator for startup resets.
func (a *App) Calibrator() *calibrate.Calibrator {
	return a.calibrator
}

// Store exposes the result store for startup resets.
func (a *App) Store() audit.ResultStore {
	return a.store
}

// Serve listens on the configured ports and blocks until ctx ends or a
// session fails calibration. Only the calibration failure is returned.
func (a *App) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	channelLn, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.Server.ChannelPort))
	if err != nil {
		return fmt.Errorf("listen progress channel: %w", err)
	}
	apiLn, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.Server.APIPort))
	if err != nil {
		_ = channelLn.Close()
		return fmt.Errorf("listen artifact api: %w", err)
	}
	return a.serve(ctx, channelLn, apiLn)
}

func (a *App) serve(ctx context.Context, channelLn, apiLn net.Listener) error {
	channelSrv := &http.Server{Handler: a.channel, ReadHeaderTimeout: 5 * time.Second}
	apiSrv := &http.Server{Handler: a.api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	a.logger.Info("pageaudit ready",
		zap.String("root", a.target.Root),
		zap.Int("max_urls", a.target.MaxURLs),
		zap.Strings("exclude", a.target.Exclude),
		zap.String("progress_channel", "ws://"+channelLn.Addr().String()),
		zap.String("artifact_api", "http://"+apiLn.Addr().String()),
		zap.String("storage", a.cfg.Storage.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := channelSrv.Serve(channelLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("progress channel: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := apiSrv.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("artifact api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-a.fatal:
			a.logger.Error("calibration failed, shutting down", zap.Error(err))
			return err
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		a.logger.Info("shutdown initiated")
		var errs []error
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown artifact api: %w", err))
		}
		if err := channelSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown progress channel: %w", err))
		}
		if err := a.channel.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close channel connections: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close releases the browser, flushes progress sinks and closes storage clients.
func (a *App) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
}

// fatalOnCalibration runs sessions and reports the first calibration failure,
// which ends the process.
type fatalOnCalibration struct {
	wf    *workflow.Workflow
	fatal chan<- error
}

func (f fatalOnCalibration) Run(ctx context.Context, emit workflow.EmitFunc) error {
	err := f.wf.Run(ctx, emit)
	if errors.Is(err, audit.ErrCalibrationUnavailable) {
		select {
		case f.fatal <- err:
		default:
		}
	}
	return err
}
