package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pageaudit/internal/progress"
)

// PrometheusSink exports session progress metrics via Prometheus. It owns all
// collectors for sessions started/completed/running and per-stage counters.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	stageEvents    *prometheus.CounterVec
	testDuration   *prometheus.HistogramVec
	discoveredURLs prometheus.Gauge

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageaudit_sessions_started_total",
			Help: "Total audit sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pageaudit_sessions_completed_total",
			Help: "Total audit sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pageaudit_sessions_running",
			Help: "Current number of running audit sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pageaudit_session_runtime_seconds",
			Help:    "Wall time per completed session.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"result"}),
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pageaudit_stage_events_total",
			Help: "Progress events partitioned by stage and status.",
		}, []string{"stage", "status"}),
		testDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pageaudit_test_duration_seconds",
			Help:    "Duration of page tests including retries, partitioned by status.",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		discoveredURLs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pageaudit_discovered_urls",
			Help: "Number of URLs found by the most recent discovery.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.stageEvents,
		s.testDuration,
		s.discoveredURLs,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.stageEvents.WithLabelValues(string(evt.Stage), string(evt.Status)).Inc()
	switch evt.Stage {
	case progress.StageSession:
		s.handleSessionEvent(evt)
	case progress.StageDiscover:
		if evt.Status == progress.StatusSuccess {
			s.discoveredURLs.Set(float64(evt.URLs))
		}
	case progress.StageRunTest:
		if evt.Status.Terminal() && evt.Dur > 0 {
			s.testDuration.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) handleSessionEvent(evt progress.Event) {
	if evt.Status == progress.StatusInProgress {
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
		return
	}
	result := string(evt.Status)
	s.sessionsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
