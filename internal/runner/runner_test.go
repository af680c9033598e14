package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/storage/memory"
)

type scriptedEngine struct {
	mu      sync.Mutex
	results []engineResult
	calls   int
	opts    []audit.AuditOptions
}

type engineResult struct {
	report audit.Report
	err    error
}

func (e *scriptedEngine) Audit(_ context.Context, _ string, opts audit.AuditOptions) (audit.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.calls
	e.calls++
	e.opts = append(e.opts, opts)
	if idx >= len(e.results) {
		return audit.Report{}, errors.New("unexpected engine call")
	}
	return e.results[idx].report, e.results[idx].err
}

func (e *scriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func ptr(v float64) *float64 { return &v }

func completeReport(perf float64) audit.Report {
	return audit.Report{
		Summary: audit.Summary{Scores: audit.Scores{
			Performance:   ptr(perf),
			Accessibility: ptr(0.9),
			BestPractices: ptr(0.8),
			SEO:           ptr(1),
			PWA:           ptr(0.3),
		}},
		BenchmarkIndex: 1000,
		HTML:           fmt.Sprintf("<html>%v</html>", perf),
	}
}

func incompleteReport(perf float64) audit.Report {
	r := completeReport(perf)
	r.Scores.PWA = nil
	return r
}

func withoutPerformance(r audit.Report) audit.Report {
	r.Scores.Performance = nil
	return r
}

func newRunner(t *testing.T, engine audit.Engine, store audit.ResultStore) *Runner {
	t.Helper()
	r, err := New(engine, store, fixedClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}, Config{Port: 9222}, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRunCommitsFirstCompleteAttempt(t *testing.T) {
	t.Parallel()

	engine := &scriptedEngine{results: []engineResult{
		{report: incompleteReport(0.1)},
		{report: incompleteReport(0.2)},
		{report: incompleteReport(0.3)},
		{report: incompleteReport(0.4)},
		{report: completeReport(0.5)},
	}}
	store := memory.NewResultStore()
	r := newRunner(t, engine, store)

	id, err := r.Run(context.Background(), "https://site.com/a", 2.4)
	require.NoError(t, err)
	assert.Equal(t, audit.ID("https://site.com/a"), id)
	assert.Equal(t, 5, engine.Calls())

	entry, err := store.Get(context.Background(), audit.Lookup{ID: id})
	require.NoError(t, err)
	require.NotNil(t, entry.Summary.Scores.Performance)
	assert.InDelta(t, 0.5, *entry.Summary.Scores.Performance, 1e-9)
	assert.True(t, entry.Summary.Scores.Complete())
	assert.InDelta(t, 2.4, entry.Multiplier, 1e-9)
	assert.Equal(t, "https://site.com/a", entry.URL)
	assert.Equal(t, "<html>0.5</html>", entry.HTML)
}

func TestRunRetriesMissingPerformanceScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		last     audit.Report
		wantPerf *float64
	}{
		{name: "fifth attempt complete", last: completeReport(0.6), wantPerf: ptr(0.6)},
		{name: "fifth attempt still missing", last: withoutPerformance(completeReport(0.6)), wantPerf: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := &scriptedEngine{}
			for range 4 {
				engine.results = append(engine.results, engineResult{report: withoutPerformance(completeReport(0.2))})
			}
			engine.results = append(engine.results, engineResult{report: tt.last})
			store := memory.NewResultStore()

			id, err := newRunner(t, engine, store).Run(context.Background(), "https://site.com/perf", 2)
			require.NoError(t, err)
			assert.Equal(t, 5, engine.Calls())

			entry, err := store.Get(context.Background(), audit.Lookup{ID: id})
			require.NoError(t, err)
			if tt.wantPerf == nil {
				assert.Nil(t, entry.Summary.Scores.Performance)
				assert.False(t, entry.Summary.Scores.Complete())
				return
			}
			require.NotNil(t, entry.Summary.Scores.Performance)
			assert.InDelta(t, *tt.wantPerf, *entry.Summary.Scores.Performance, 1e-9)
		})
	}
}

func TestRunStopsAtFirstCompleteAttempt(t *testing.T) {
	t.Parallel()

	engine := &scriptedEngine{results: []engineResult{
		{report: incompleteReport(0.1)},
		{report: completeReport(0.7)},
	}}
	store := memory.NewResultStore()
	r := newRunner(t, engine, store)

	id, err := r.Run(context.Background(), "https://site.com", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, engine.Calls())
	entry, err := store.Get(context.Background(), audit.Lookup{ID: id})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, *entry.Summary.Scores.Performance, 1e-9)
}

func TestRunCommitsFinalIncompleteAttempt(t *testing.T) {
	t.Parallel()

	engine := &scriptedEngine{}
	for i := 1; i <= 5; i++ {
		engine.results = append(engine.results, engineResult{report: incompleteReport(float64(i) / 10)})
	}
	store := memory.NewResultStore()
	r := newRunner(t, engine, store)

	id, err := r.Run(context.Background(), "https://site.com/b", 3)
	require.NoError(t, err)
	assert.Equal(t, 5, engine.Calls())

	entry, err := store.Get(context.Background(), audit.Lookup{URL: "https://site.com/b"})
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
	assert.InDelta(t, 0.5, *entry.Summary.Scores.Performance, 1e-9)
	assert.Equal(t, []string{"pwa"}, entry.Summary.Scores.Missing())
}

func TestRunRetriesFailedAttempts(t *testing.T) {
	t.Parallel()

	failed := fmt.Errorf("lighthouse exited: %w", audit.ErrAuditAttemptFailed)
	engine := &scriptedEngine{results: []engineResult{
		{err: failed},
		{err: failed},
		{report: completeReport(0.9)},
	}}
	r := newRunner(t, engine, memory.NewResultStore())

	_, err := r.Run(context.Background(), "https://site.com", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.Calls())
}

func TestRunFailsWhenEveryAttemptFails(t *testing.T) {
	t.Parallel()

	failed := fmt.Errorf("no report: %w", audit.ErrAuditAttemptFailed)
	engine := &scriptedEngine{}
	for i := 0; i < 5; i++ {
		engine.results = append(engine.results, engineResult{err: failed})
	}
	store := memory.NewResultStore()
	r := newRunner(t, engine, store)

	_, err := r.Run(context.Background(), "https://site.com", 1)
	require.ErrorIs(t, err, audit.ErrAuditAttemptFailed)
	assert.Equal(t, 5, engine.Calls())
	assert.Equal(t, 0, store.Len())
}

func TestRunReturnsEngineErrorsImmediately(t *testing.T) {
	t.Parallel()

	boom := errors.New("browser disconnected")
	engine := &scriptedEngine{results: []engineResult{{err: boom}}}
	store := memory.NewResultStore()
	r := newRunner(t, engine, store)

	_, err := r.Run(context.Background(), "https://site.com", 1)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 0, store.Len())
}

func TestRunPassesThrottling(t *testing.T) {
	t.Parallel()

	engine := &scriptedEngine{results: []engineResult{{report: completeReport(1)}}}
	r := newRunner(t, engine, memory.NewResultStore())

	_, err := r.Run(context.Background(), "https://site.com", 2.4)
	require.NoError(t, err)
	require.Len(t, engine.opts, 1)
	assert.Equal(t, audit.MobileSlow4G, engine.opts[0].Throttling.Network)
	assert.InDelta(t, 2.4, engine.opts[0].Throttling.CPUSlowdownMultiplier, 1e-9)
	assert.Equal(t, 9222, engine.opts[0].Port)
}

func TestRunHonorsCancellationBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	engine := &cancelingEngine{cancel: cancel}
	r := newRunner(t, engine, memory.NewResultStore())

	_, err := r.Run(ctx, "https://site.com", 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, engine.calls)
}

type cancelingEngine struct {
	cancel context.CancelFunc
	calls  int
}

func (e *cancelingEngine) Audit(ctx context.Context, _ string, _ audit.AuditOptions) (audit.Report, error) {
	e.calls++
	e.cancel()
	if ctx.Err() != nil {
		return audit.Report{}, errors.New("call context must not be canceled")
	}
	return incompleteReport(0.1), nil
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	clock := fixedClock{}
	store := memory.NewResultStore()
	engine := &scriptedEngine{}

	_, err := New(nil, store, clock, Config{}, nil)
	require.Error(t, err)
	_, err = New(engine, nil, clock, Config{}, nil)
	require.Error(t, err)
	_, err = New(engine, store, nil, Config{}, nil)
	require.Error(t, err)

	r, err := New(engine, store, clock, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, r.MaxAttempts())
}
