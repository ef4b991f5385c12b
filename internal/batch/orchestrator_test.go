package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/price-cache/internal/upstream"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testBatchConfig() *config.BatchConfig {
	return &config.BatchConfig{
		RateLimitBackoff:    60 * time.Second,
		SymbolDelay:         0,
		ProgressLogInterval: 50,
	}
}

type barCall struct {
	symbol string
	force  bool
}

type barSourceFake struct {
	mu    sync.Mutex
	fn    func(symbol string, attempt int) error
	calls []barCall
	seen  map[string]int
}

func (b *barSourceFake) GetBars(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) ([]models.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen == nil {
		b.seen = make(map[string]int)
	}
	b.seen[symbol]++
	b.calls = append(b.calls, barCall{symbol: symbol, force: forceRefresh})
	if b.fn != nil {
		if err := b.fn(symbol, b.seen[symbol]); err != nil {
			return nil, err
		}
	}
	return []models.Bar{{Symbol: symbol}}, nil
}

func (b *barSourceFake) symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.symbol
	}
	return out
}

type progressUpdate struct {
	processed int
	failed    int
}

type jobStoreFake struct {
	mu        sync.Mutex
	nextID    int64
	job       *models.BatchJob
	progress  []progressUpdate
	cached    []string
	marked    []string
	stats     *models.DBStats
	done      chan struct{}
	createErr error
}

func newJobStoreFake() *jobStoreFake {
	return &jobStoreFake{done: make(chan struct{})}
}

func (s *jobStoreFake) CreateJob(ctx context.Context, jobType string, tickersTotal int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.nextID++
	s.job = &models.BatchJob{
		ID:           s.nextID,
		JobType:      jobType,
		Status:       models.JobStatusRunning,
		TickersTotal: tickersTotal,
		StartedAt:    time.Now().UTC(),
	}
	return s.nextID, nil
}

func (s *jobStoreFake) UpdateJobProgress(ctx context.Context, jobID int64, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progressUpdate{processed: processed, failed: failed})
	s.job.TickersProcessed = processed
	s.job.TickersFailed = failed
	return nil
}

func (s *jobStoreFake) CompleteJob(ctx context.Context, jobID int64, status, errorSummary string) error {
	s.mu.Lock()
	now := time.Now().UTC()
	s.job.Status = status
	s.job.ErrorSummary = errorSummary
	s.job.CompletedAt = &now
	s.mu.Unlock()
	close(s.done)
	return nil
}

func (s *jobStoreFake) GetJob(ctx context.Context, jobID int64) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || s.job.ID != jobID {
		return nil, nil
	}
	job := *s.job
	return &job, nil
}

func (s *jobStoreFake) GetLatestJob(ctx context.Context) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return nil, nil
	}
	job := *s.job
	return &job, nil
}

func (s *jobStoreFake) GetCachedSymbols(ctx context.Context) ([]string, error) {
	return s.cached, nil
}

func (s *jobStoreFake) MarkFullRefresh(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, symbol)
	return nil
}

func (s *jobStoreFake) GetDBStats(ctx context.Context) (*models.DBStats, error) {
	if s.stats == nil {
		return &models.DBStats{}, nil
	}
	return s.stats, nil
}

func (s *jobStoreFake) snapshotProgress() []progressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progressUpdate(nil), s.progress...)
}

type universeFake struct {
	symbols []string
	err     error
}

func (u *universeFake) Symbols(ctx context.Context) ([]string, error) {
	return u.symbols, u.err
}

type eventsFake struct {
	mu        sync.Mutex
	progress  []*models.JobEvent
	completed []*models.JobEvent
}

func (e *eventsFake) PublishJobProgress(event *models.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, event)
	return nil
}

func (e *eventsFake) PublishJobCompleted(event *models.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, event)
	return nil
}

func newTestOrchestrator(bars BarSource, store Store, universe UniverseSource, events EventPublisher) *Orchestrator {
	o := NewOrchestrator(testBatchConfig(), bars, store, universe, events, nil, nil, NewRegistry(), testLogger())
	o.sleepFn = func(time.Duration) {}
	return o
}

func tenSymbols() []string {
	out := make([]string, 10)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%d", i)
	}
	return out
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	failing := map[string]bool{"SYM2": true, "SYM5": true, "SYM8": true}
	bars := &barSourceFake{
		fn: func(symbol string, attempt int) error {
			if failing[symbol] {
				return errors.New("no data for you")
			}
			return nil
		},
	}
	store := newJobStoreFake()
	universe := &universeFake{symbols: tenSymbols()}
	events := &eventsFake{}
	o := newTestOrchestrator(bars, store, universe, events)

	job, err := o.RunBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), false)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobStatusCompletedWithErrors, job.Status)
	assert.Equal(t, models.JobTypeUniverseFull, job.JobType)
	assert.Equal(t, 10, job.TickersTotal)
	assert.Equal(t, 10, job.TickersProcessed)
	assert.Equal(t, 3, job.TickersFailed)
	assert.Equal(t, "Failed tickers: SYM2, SYM5, SYM8", job.ErrorSummary)
	require.NotNil(t, job.CompletedAt)

	// Every symbol is attempted in universe order despite the failures.
	assert.Equal(t, tenSymbols(), bars.symbols())

	// Progress is persisted after every symbol, failure counts included.
	progress := store.snapshotProgress()
	require.Len(t, progress, 10)
	assert.Equal(t, progressUpdate{processed: 3, failed: 1}, progress[2])
	assert.Equal(t, progressUpdate{processed: 10, failed: 3}, progress[9])

	assert.Len(t, events.progress, 10)
	require.Len(t, events.completed, 1)
	assert.Equal(t, models.JobStatusCompletedWithErrors, events.completed[0].Status)
}

func TestRunBatchCleanCompletion(t *testing.T) {
	bars := &barSourceFake{}
	store := newJobStoreFake()
	o := newTestOrchestrator(bars, store, &universeFake{symbols: []string{"AAPL", "MSFT"}}, nil)

	job, err := o.RunBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), false)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorSummary)
	assert.Equal(t, 2, job.TickersProcessed)
	assert.Zero(t, job.TickersFailed)
}

func TestRunBatchForceRefreshReachesFetches(t *testing.T) {
	bars := &barSourceFake{}
	store := newJobStoreFake()
	o := newTestOrchestrator(bars, store, &universeFake{symbols: []string{"AAPL"}}, nil)

	_, err := o.RunBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), true)
	require.NoError(t, err)

	require.Len(t, bars.calls, 1)
	assert.True(t, bars.calls[0].force)
	assert.Equal(t, []string{"AAPL"}, store.marked, "forced success bumps last_full_refresh")
}

func TestRateLimitedSymbolRetriesAfterBackoff(t *testing.T) {
	bars := &barSourceFake{
		fn: func(symbol string, attempt int) error {
			if symbol == "AAPL" && attempt == 1 {
				return fmt.Errorf("AAPL: %w", upstream.ErrRateLimited)
			}
			return nil
		},
	}
	store := newJobStoreFake()
	o := newTestOrchestrator(bars, store, &universeFake{symbols: []string{"AAPL", "MSFT"}}, nil)

	var slept []time.Duration
	o.sleepFn = func(d time.Duration) { slept = append(slept, d) }

	job, err := o.RunBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), false)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Zero(t, job.TickersFailed)
	assert.Equal(t, []string{"AAPL", "AAPL", "MSFT"}, bars.symbols())
	require.NotEmpty(t, slept)
	assert.Equal(t, 60*time.Second, slept[0])
}

func TestRateLimitedTwiceCountsAsFailed(t *testing.T) {
	bars := &barSourceFake{
		fn: func(symbol string, attempt int) error {
			return fmt.Errorf("%s: %w", symbol, upstream.ErrRateLimited)
		},
	}
	store := newJobStoreFake()
	o := newTestOrchestrator(bars, store, &universeFake{symbols: []string{"AAPL"}}, nil)

	job, err := o.RunBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), false)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompletedWithErrors, job.Status)
	assert.Equal(t, 1, job.TickersFailed)
	assert.Len(t, bars.calls, 2)
}

func TestStartBatchRejectsSecondJob(t *testing.T) {
	release := make(chan struct{})
	bars := &barSourceFake{
		fn: func(symbol string, attempt int) error {
			<-release
			return nil
		},
	}
	store := newJobStoreFake()
	o := newTestOrchestrator(bars, store, &universeFake{symbols: []string{"AAPL"}}, nil)

	firstID, total, err := o.StartBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	conflictID, _, err := o.StartBatch(context.Background(), time.Now().AddDate(0, 0, -30), time.Now(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobAlreadyRunning))
	assert.Equal(t, firstID, conflictID)

	// No second job row was created.
	store.mu.Lock()
	assert.Equal(t, int64(1), store.nextID)
	store.mu.Unlock()

	close(release)
	select {
	case <-store.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never completed")
	}

	require.Eventually(t, func() bool {
		_, running := o.registry.Active()
		return !running
	}, 2*time.Second, 10*time.Millisecond, "registry never released")
}

func TestFailedSummary(t *testing.T) {
	testCases := []struct {
		name     string
		symbols  []string
		expected string
	}{
		{
			name:     "single failure",
			symbols:  []string{"AAPL"},
			expected: "Failed tickers: AAPL",
		},
		{
			name:     "exactly ten failures",
			symbols:  []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"},
			expected: "Failed tickers: A, B, C, D, E, F, G, H, I, J",
		},
		{
			name:     "overflow is counted not listed",
			symbols:  []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"},
			expected: "Failed tickers: A, B, C, D, E, F, G, H, I, J and 2 more",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, failedSummary(tc.symbols))
		})
	}
}

func TestCoverageReport(t *testing.T) {
	store := newJobStoreFake()
	store.cached = []string{"SYM0", "SYM1", "SYM2", "SYM3", "SYM4", "SYM5", "SYM6", "DELISTED"}
	earliest := time.Date(2016, 1, 18, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	store.stats = &models.DBStats{EarliestDate: &earliest, LatestDate: &latest}

	o := newTestOrchestrator(&barSourceFake{}, store, &universeFake{symbols: tenSymbols()}, nil)

	report, err := o.CoverageReport(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, report.TotalUniverse)
	assert.Equal(t, 7, report.CachedCount)
	assert.Equal(t, 3, report.MissingCount)
	assert.Equal(t, 70.0, report.CoveragePct)
	assert.Equal(t, []string{"SYM7", "SYM8", "SYM9"}, report.SampleMissing)
	assert.Equal(t, &earliest, report.EarliestDate)
	assert.Equal(t, &latest, report.LatestDate)
}

func TestCoverageReportCapsMissingSample(t *testing.T) {
	symbols := make([]string, 30)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}
	store := newJobStoreFake()
	o := newTestOrchestrator(&barSourceFake{}, store, &universeFake{symbols: symbols}, nil)

	report, err := o.CoverageReport(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 30, report.MissingCount)
	assert.Len(t, report.SampleMissing, 20)
	assert.Equal(t, "SYM00", report.SampleMissing[0])
}
