// Package workflow sequences one audit session: calibrate the host, discover
// the site, then test every page that has no stored result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/metrics"
	"github.com/JakeFAU/pageaudit/internal/progress"
)

// Calibrator yields the CPU slowdown multiplier for this host.
type Calibrator interface {
	Calibrate(ctx context.Context) (float64, error)
}

// Discoverer lists the pages of the target site.
type Discoverer interface {
	Discover(ctx context.Context, target audit.Target) ([]string, error)
}

// TestRunner audits one page and commits the result.
type TestRunner interface {
	Run(ctx context.Context, url string, multiplier float64) (string, error)
}

// SessionIDs creates identifiers for sessions.
type SessionIDs interface {
	NewSessionID() (uuid.UUID, error)
}

// Event is one step reported to the session's caller.
type Event struct {
	Stage  progress.Stage
	Status progress.Status
	// Multiplier is set on a successful calibration.
	Multiplier float64
	// URLs is the discovery result in test order.
	URLs []string
	URL  string
	ID   string
	Err  error
}

// EmitFunc receives session events in order. It is called from the goroutine
// running the session.
type EmitFunc func(Event)

// Deps groups the collaborators of a Workflow.
type Deps struct {
	Calibrator Calibrator
	Discoverer Discoverer
	Runner     TestRunner
	Store      audit.ResultStore
	Clock      audit.Clock
	IDs        SessionIDs
	// Progress receives a copy of every event; optional.
	Progress progress.Emitter
}

// Workflow runs audit sessions one at a time. The browser and engine behind
// the Runner are shared, so a second session waits until the first ends.
type Workflow struct {
	deps   Deps
	target audit.Target
	logger *zap.Logger

	sem chan struct{}

	mu    sync.Mutex
	state State
}

// New constructs a Workflow for target.
func New(deps Deps, target audit.Target, logger *zap.Logger) (*Workflow, error) {
	switch {
	case deps.Calibrator == nil:
		return nil, errors.New("calibrator is required")
	case deps.Discoverer == nil:
		return nil, errors.New("discoverer is required")
	case deps.Runner == nil:
		return nil, errors.New("test runner is required")
	case deps.Store == nil:
		return nil, errors.New("result store is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("session id generator is required")
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Workflow{
		deps:   deps,
		target: target,
		logger: logger,
		sem:    make(chan struct{}, 1),
		state:  StateIdle,
	}, nil
}

// State returns the state of the current or most recent session.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run executes one session, reporting each step through emit. It blocks until
// any running session finishes. Cancellation is checked before every stage and
// every page; work already handed to the calibrator, discoverer or runner is
// not interrupted. A page whose test fails is reported and skipped. Calibration
// and discovery failures end the session and are returned.
func (w *Workflow) Run(ctx context.Context, emit EmitFunc) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for session slot: %w", ctx.Err())
	}
	defer func() { <-w.sem }()

	sessionID, err := w.deps.IDs.NewSessionID()
	if err != nil {
		return err
	}
	s := &session{
		w:       w,
		id:      progress.UUIDToBytes(sessionID),
		emit:    emit,
		started: w.deps.Clock.Now(),
		logger:  w.logger.With(zap.String("session_id", sessionID.String())),
	}
	s.publish(Event{Stage: progress.StageSession, Status: progress.StatusInProgress}, 0)
	w.setState(StateOpened)

	err = s.run(ctx)
	status := progress.StatusSuccess
	if err != nil {
		status = progress.StatusError
		w.setState(StateFailed)
	} else {
		w.setState(StateIdle)
	}
	s.publish(Event{Stage: progress.StageSession, Status: status, Err: err}, w.deps.Clock.Now().Sub(s.started))
	return err
}

type session struct {
	w       *Workflow
	id      [16]byte
	emit    EmitFunc
	started time.Time
	logger  *zap.Logger
}

func (s *session) run(ctx context.Context) error {
	w := s.w

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	w.setState(StateCalibrating)
	s.send(Event{Stage: progress.StageCalibrate, Status: progress.StatusInProgress}, 0)
	start := w.deps.Clock.Now()
	multiplier, err := w.deps.Calibrator.Calibrate(ctx)
	if err != nil {
		s.send(Event{Stage: progress.StageCalibrate, Status: progress.StatusError, Err: err}, w.deps.Clock.Now().Sub(start))
		return fmt.Errorf("calibrate: %w", err)
	}
	metrics.SetBenchmarkMultiplier(multiplier)
	s.send(Event{Stage: progress.StageCalibrate, Status: progress.StatusSuccess, Multiplier: multiplier}, w.deps.Clock.Now().Sub(start))
	w.setState(StateCalibrated)

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	w.setState(StateDiscovering)
	s.send(Event{Stage: progress.StageDiscover, Status: progress.StatusInProgress}, 0)
	start = w.deps.Clock.Now()
	urls, err := w.deps.Discoverer.Discover(ctx, w.target)
	if err != nil {
		s.send(Event{Stage: progress.StageDiscover, Status: progress.StatusError, Err: err}, w.deps.Clock.Now().Sub(start))
		return fmt.Errorf("discover: %w", err)
	}
	s.send(Event{Stage: progress.StageDiscover, Status: progress.StatusSuccess, URLs: urls}, w.deps.Clock.Now().Sub(start))
	w.setState(StateDiscovered)

	w.setState(StateTesting)
	for _, url := range urls {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		s.test(ctx, url, multiplier)
	}
	return nil
}

func (s *session) test(ctx context.Context, url string, multiplier float64) {
	w := s.w
	id := audit.ID(url)
	exists, err := w.deps.Store.Exists(context.WithoutCancel(ctx), id)
	if err != nil {
		s.logger.Warn("result lookup failed, testing anyway", zap.String("url", url), zap.Error(err))
	}
	metrics.ObserveResultCache(exists)
	if exists {
		s.send(Event{Stage: progress.StageRunTest, Status: progress.StatusSuccess, URL: url, ID: id}, 0)
		return
	}

	s.send(Event{Stage: progress.StageRunTest, Status: progress.StatusInProgress, URL: url, ID: id}, 0)
	start := w.deps.Clock.Now()
	committed, err := w.deps.Runner.Run(ctx, url, multiplier)
	elapsed := w.deps.Clock.Now().Sub(start)
	if err != nil {
		s.logger.Warn("page test failed", zap.String("url", url), zap.Error(err))
		s.send(Event{Stage: progress.StageRunTest, Status: progress.StatusFailed, URL: url, ID: id, Err: err}, elapsed)
		return
	}
	s.send(Event{Stage: progress.StageRunTest, Status: progress.StatusSuccess, URL: url, ID: committed}, elapsed)
}

func (s *session) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		s.logger.Info("session canceled", zap.Stringer("state", s.w.State()))
		return fmt.Errorf("session canceled: %w", err)
	}
	return nil
}

// send delivers evt to the caller and the progress hub.
func (s *session) send(evt Event, dur time.Duration) {
	if s.emit != nil {
		s.emit(evt)
	}
	s.publish(evt, dur)
}

func (s *session) publish(evt Event, dur time.Duration) {
	if s.w.deps.Progress == nil {
		return
	}
	pe := progress.Event{
		SessionID:  s.id,
		TS:         s.w.deps.Clock.Now().UTC(),
		Stage:      evt.Stage,
		Status:     evt.Status,
		URL:        evt.URL,
		ID:         evt.ID,
		URLs:       len(evt.URLs),
		Multiplier: evt.Multiplier,
		Dur:        dur,
	}
	if pe.Dur < 0 {
		pe.Dur = 0
	}
	if evt.Err != nil {
		pe.Note = evt.Err.Error()
	}
	s.w.deps.Progress.Emit(pe)
}
