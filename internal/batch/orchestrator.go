package batch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/upstream"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// BarSource is the slice of the cache manager the orchestrator drives.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) ([]models.Bar, error)
}

// Store persists job rows and answers the coverage queries behind reports.
type Store interface {
	CreateJob(ctx context.Context, jobType string, tickersTotal int) (int64, error)
	UpdateJobProgress(ctx context.Context, jobID int64, processed, failed int) error
	CompleteJob(ctx context.Context, jobID int64, status, errorSummary string) error
	GetJob(ctx context.Context, jobID int64) (*models.BatchJob, error)
	GetLatestJob(ctx context.Context) (*models.BatchJob, error)
	GetCachedSymbols(ctx context.Context) ([]string, error)
	GetDBStats(ctx context.Context) (*models.DBStats, error)
	MarkFullRefresh(ctx context.Context, symbol string) error
}

// UniverseSource supplies the symbols a universe-wide job iterates over.
type UniverseSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// EventPublisher pushes job lifecycle events to subscribers. A nil publisher
// disables events.
type EventPublisher interface {
	PublishJobProgress(event *models.JobEvent) error
	PublishJobCompleted(event *models.JobEvent) error
}

// SnapshotCache holds short-lived report snapshots. A nil cache disables
// snapshotting.
type SnapshotCache interface {
	GetCoverageReport(ctx context.Context) (*models.CoverageReport, error)
	SetCoverageReport(ctx context.Context, report *models.CoverageReport) error
	GetDBStats(ctx context.Context) (*models.DBStats, error)
	SetDBStats(ctx context.Context, stats *models.DBStats) error
	InvalidateSnapshots(ctx context.Context) error
}

// JobMetrics records job progress gauges. A nil sink disables recording.
type JobMetrics interface {
	WriteJobMetric(ctx context.Context, jobID int64, processed, failed, total int)
}

// Orchestrator runs universe-wide caching jobs: one symbol at a time, one
// job at a time, with per-symbol failure isolation so a bad ticker never
// aborts the batch.
type Orchestrator struct {
	bars      BarSource
	store     Store
	universe  UniverseSource
	events    EventPublisher
	snapshots SnapshotCache
	metrics   JobMetrics
	registry  *Registry
	logger    *logrus.Entry

	backoff     time.Duration
	symbolDelay time.Duration
	logInterval int

	// sleepFn is swapped out in tests so backoffs do not stall the suite.
	sleepFn func(time.Duration)
}

// NewOrchestrator builds an Orchestrator. events, snapshots and metrics may
// each be nil.
func NewOrchestrator(
	cfg *config.BatchConfig,
	bars BarSource,
	store Store,
	universe UniverseSource,
	events EventPublisher,
	snapshots SnapshotCache,
	metrics JobMetrics,
	registry *Registry,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		bars:        bars,
		store:       store,
		universe:    universe,
		events:      events,
		snapshots:   snapshots,
		metrics:     metrics,
		registry:    registry,
		logger:      logger.WithField("component", "batch-orchestrator"),
		backoff:     cfg.RateLimitBackoff,
		symbolDelay: cfg.SymbolDelay,
		logInterval: cfg.ProgressLogInterval,
		sleepFn:     time.Sleep,
	}
}

// StartBatch launches a universe-wide caching job in the background and
// returns its id and symbol count. When another job is already running it
// returns that job's id with ErrJobAlreadyRunning and creates no row. The
// job itself is never cancelled; it runs to completion regardless of the
// caller's context.
func (o *Orchestrator) StartBatch(ctx context.Context, start, end time.Time, forceRefresh bool) (int64, int, error) {
	if !o.registry.Acquire() {
		id, _ := o.registry.Active()
		return id, 0, ErrJobAlreadyRunning
	}

	symbols, err := o.universe.Symbols(ctx)
	if err != nil {
		o.registry.Release()
		return 0, 0, fmt.Errorf("load universe: %w", err)
	}

	jobID, err := o.store.CreateJob(ctx, models.JobTypeUniverseFull, len(symbols))
	if err != nil {
		o.registry.Release()
		return 0, 0, fmt.Errorf("create job: %w", err)
	}
	o.registry.SetActive(jobID)

	o.logger.WithField("job_id", jobID).Infof("starting batch over %d symbols (%s to %s)",
		len(symbols), start.Format(models.DateLayout), end.Format(models.DateLayout))

	go func() {
		defer o.registry.Release()
		o.run(context.Background(), jobID, symbols, start, end, forceRefresh)
	}()

	return jobID, len(symbols), nil
}

// RunBatch runs a universe-wide caching job synchronously and returns the
// final job row. Used by the CLI, which wants to block until done.
func (o *Orchestrator) RunBatch(ctx context.Context, start, end time.Time, forceRefresh bool) (*models.BatchJob, error) {
	if !o.registry.Acquire() {
		id, _ := o.registry.Active()
		return nil, fmt.Errorf("%w (job %d)", ErrJobAlreadyRunning, id)
	}
	defer o.registry.Release()

	symbols, err := o.universe.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	jobID, err := o.store.CreateJob(ctx, models.JobTypeUniverseFull, len(symbols))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	o.registry.SetActive(jobID)

	o.run(ctx, jobID, symbols, start, end, forceRefresh)
	return o.store.GetJob(ctx, jobID)
}

// Job returns a job row by id, or nil when it does not exist.
func (o *Orchestrator) Job(ctx context.Context, jobID int64) (*models.BatchJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// LatestJob returns the most recently started job row, or nil when no job
// has ever run.
func (o *Orchestrator) LatestJob(ctx context.Context) (*models.BatchJob, error) {
	return o.store.GetLatestJob(ctx)
}

func (o *Orchestrator) run(ctx context.Context, jobID int64, symbols []string, start, end time.Time, forceRefresh bool) {
	began := time.Now()
	log := o.logger.WithField("job_id", jobID)

	var processed, failed int
	var failedSymbols []string

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("batch job panicked: %v", r)
			if err := o.store.CompleteJob(ctx, jobID, models.JobStatusFailed, fmt.Sprintf("%v", r)); err != nil {
				log.Errorf("mark job failed: %v", err)
			}
			o.publishCompleted(jobID, models.JobStatusFailed, processed, failed, len(symbols))
		}
	}()

	for i, symbol := range symbols {
		if err := o.cacheSymbol(ctx, symbol, start, end, forceRefresh); err != nil {
			failed++
			failedSymbols = append(failedSymbols, symbol)
			log.WithField("symbol", symbol).Warnf("failed to cache: %v", err)
		}
		processed = i + 1

		// Progress survives a crash: persisted after every symbol.
		if err := o.store.UpdateJobProgress(ctx, jobID, processed, failed); err != nil {
			log.Warnf("persist progress: %v", err)
		}
		o.publishProgress(jobID, symbol, processed, failed, len(symbols))
		if o.metrics != nil {
			o.metrics.WriteJobMetric(ctx, jobID, processed, failed, len(symbols))
		}

		if o.logInterval > 0 && processed%o.logInterval == 0 {
			log.Infof("progress: %d/%d (%d failed)", processed, len(symbols), failed)
		}
		if o.symbolDelay > 0 && i < len(symbols)-1 {
			o.sleepFn(o.symbolDelay)
		}
	}

	status := models.JobStatusCompleted
	summary := ""
	if failed > 0 {
		status = models.JobStatusCompletedWithErrors
		summary = failedSummary(failedSymbols)
	}
	if err := o.store.CompleteJob(ctx, jobID, status, summary); err != nil {
		log.Errorf("complete job: %v", err)
	}
	o.publishCompleted(jobID, status, processed, failed, len(symbols))
	if o.snapshots != nil {
		if err := o.snapshots.InvalidateSnapshots(ctx); err != nil {
			log.Debugf("invalidate snapshots: %v", err)
		}
	}

	log.Infof("batch finished in %s: %d processed, %d failed, status=%s",
		time.Since(began).Round(time.Second), processed, failed, status)
}

// cacheSymbol fetches one symbol through the cache manager. A rate-limited
// fetch backs off once for the configured duration and retries; any second
// failure is the symbol's final result. Forced runs re-fetch everything, so
// a successful symbol also gets its full-refresh timestamp bumped.
func (o *Orchestrator) cacheSymbol(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) error {
	_, err := o.bars.GetBars(ctx, symbol, start, end, forceRefresh)
	if err != nil && upstream.IsRateLimited(err) {
		o.logger.WithField("symbol", symbol).Infof("rate limited, backing off %s before retry", o.backoff)
		o.sleepFn(o.backoff)
		_, err = o.bars.GetBars(ctx, symbol, start, end, forceRefresh)
	}
	if err != nil {
		return err
	}

	if forceRefresh {
		if err := o.store.MarkFullRefresh(ctx, symbol); err != nil {
			o.logger.WithField("symbol", symbol).Warnf("mark full refresh: %v", err)
		}
	}
	return nil
}

func (o *Orchestrator) publishProgress(jobID int64, symbol string, processed, failed, total int) {
	if o.events == nil {
		return
	}
	err := o.events.PublishJobProgress(&models.JobEvent{
		JobID:     jobID,
		Type:      models.JobEventProgress,
		Symbol:    symbol,
		Processed: processed,
		Failed:    failed,
		Total:     total,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Debugf("publish progress event: %v", err)
	}
}

func (o *Orchestrator) publishCompleted(jobID int64, status string, processed, failed, total int) {
	if o.events == nil {
		return
	}
	err := o.events.PublishJobCompleted(&models.JobEvent{
		JobID:     jobID,
		Type:      models.JobEventCompleted,
		Status:    status,
		Processed: processed,
		Failed:    failed,
		Total:     total,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Debugf("publish completed event: %v", err)
	}
}

// failedSummary formats the terminal error summary: the first ten failed
// tickers by name, then a count of the rest.
func failedSummary(symbols []string) string {
	head := symbols
	if len(head) > 10 {
		head = head[:10]
	}
	summary := "Failed tickers: " + strings.Join(head, ", ")
	if rest := len(symbols) - len(head); rest > 0 {
		summary += fmt.Sprintf(" and %d more", rest)
	}
	return summary
}

// CoverageReport compares the universe against cached symbols. Served from
// the snapshot cache when fresh; recomputed and re-snapshotted otherwise.
func (o *Orchestrator) CoverageReport(ctx context.Context) (*models.CoverageReport, error) {
	if o.snapshots != nil {
		if cached, err := o.snapshots.GetCoverageReport(ctx); err == nil && cached != nil {
			return cached, nil
		}
	}

	symbols, err := o.universe.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	cachedSymbols, err := o.store.GetCachedSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cached symbols: %w", err)
	}

	cachedSet := make(map[string]struct{}, len(cachedSymbols))
	for _, s := range cachedSymbols {
		cachedSet[s] = struct{}{}
	}
	var missing []string
	for _, s := range symbols {
		if _, ok := cachedSet[s]; !ok {
			missing = append(missing, s)
		}
	}

	report := &models.CoverageReport{
		TotalUniverse: len(symbols),
		CachedCount:   len(symbols) - len(missing),
		MissingCount:  len(missing),
		SampleMissing: missing,
	}
	if len(missing) > 20 {
		report.SampleMissing = missing[:20]
	}
	if len(symbols) > 0 {
		report.CoveragePct = math.Round(float64(report.CachedCount)/float64(len(symbols))*1000) / 10
	}
	if stats, err := o.store.GetDBStats(ctx); err == nil && stats != nil {
		report.EarliestDate = stats.EarliestDate
		report.LatestDate = stats.LatestDate
	}

	if o.snapshots != nil {
		if err := o.snapshots.SetCoverageReport(ctx, report); err != nil {
			o.logger.Debugf("snapshot coverage report: %v", err)
		}
	}
	return report, nil
}

// DBStats returns store-wide statistics, snapshot-cached like the coverage
// report.
func (o *Orchestrator) DBStats(ctx context.Context) (*models.DBStats, error) {
	if o.snapshots != nil {
		if cached, err := o.snapshots.GetDBStats(ctx); err == nil && cached != nil {
			return cached, nil
		}
	}

	stats, err := o.store.GetDBStats(ctx)
	if err != nil {
		return nil, err
	}

	if o.snapshots != nil {
		if err := o.snapshots.SetDBStats(ctx, stats); err != nil {
			o.logger.Debugf("snapshot db stats: %v", err)
		}
	}
	return stats, nil
}
