package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/cache"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// adjustmentSampleDays is how far back the sweeper samples fresh closes when
// checking a rolling-refresh candidate for upstream re-adjustments.
const adjustmentSampleDays = 7

// SweeperStore is the metadata surface the sweeper reads and updates.
type SweeperStore interface {
	GetTickersNeedingRefresh(ctx context.Context, fullCutoff, rollingCutoff time.Time, limit int) ([]string, error)
	GetMetadata(ctx context.Context, symbol string) (*models.SymbolMetadata, error)
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
	MarkFullRefresh(ctx context.Context, symbol string) error
}

// BarSource is the slice of the cache manager the sweeper refreshes through.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time, forceRefresh bool) ([]models.Bar, error)
}

// Sweeper walks symbols whose cached data has gone stale and refreshes each
// one according to the policy: appends for fresh symbols, a re-fetched
// rolling window for aging ones, and a ground-up refresh when the history
// itself is overdue or upstream prices have been re-adjusted.
type Sweeper struct {
	store   SweeperStore
	bars    BarSource
	fetcher cache.Fetcher
	policy  *cache.Policy
	cfg     *config.Config
	logger  *logrus.Entry
}

// NewSweeper creates a stale-data sweeper.
func NewSweeper(
	cfg *config.Config,
	store SweeperStore,
	bars BarSource,
	fetcher cache.Fetcher,
	policy *cache.Policy,
	logger *logrus.Logger,
) *Sweeper {
	return &Sweeper{
		store:   store,
		bars:    bars,
		fetcher: fetcher,
		policy:  policy,
		cfg:     cfg,
		logger:  logger.WithField("component", "stale-sweeper"),
	}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Escalated int `json:"escalated"`
	Failed    int `json:"failed"`
}

// Sweep refreshes up to the configured number of stale symbols, oldest
// first. Failures are isolated per symbol.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	symbols, err := s.store.GetTickersNeedingRefresh(ctx, s.policy.FullCutoff(), s.policy.RollingCutoff(), s.cfg.Scheduler.SweepLimit)
	if err != nil {
		return nil, fmt.Errorf("list stale tickers: %w", err)
	}
	if len(symbols) == 0 {
		s.logger.Debug("no stale tickers")
		return &SweepResult{}, nil
	}

	s.logger.Infof("refreshing %d stale tickers", len(symbols))
	result := &SweepResult{Checked: len(symbols)}
	today := s.policy.Today()

	for _, symbol := range symbols {
		escalated, err := s.refreshSymbol(ctx, symbol, today)
		if err != nil {
			result.Failed++
			s.logger.WithField("symbol", symbol).Warnf("refresh failed: %v", err)
			continue
		}
		result.Refreshed++
		if escalated {
			result.Escalated++
		}
	}

	s.logger.Infof("sweep done: %d checked, %d refreshed, %d escalated, %d failed",
		result.Checked, result.Refreshed, result.Escalated, result.Failed)
	return result, nil
}

func (s *Sweeper) refreshSymbol(ctx context.Context, symbol string, today time.Time) (bool, error) {
	meta, err := s.store.GetMetadata(ctx, symbol)
	if err != nil {
		return false, err
	}
	strategy := s.policy.DecideStrategy(meta)
	historicalStart := s.cfg.HistoricalStart()

	switch strategy {
	case cache.StrategyFull:
		return false, s.fullRefresh(ctx, symbol, historicalStart, today)

	case cache.StrategyRolling:
		if s.adjustmentDetected(ctx, symbol, today) {
			s.logger.WithField("symbol", symbol).Info("cached closes diverge from upstream, escalating to full refresh")
			return true, s.fullRefresh(ctx, symbol, historicalStart, today)
		}
		r, ok := s.policy.ComputeFetchRange(cache.StrategyRolling, meta, historicalStart, today)
		if !ok {
			return false, nil
		}
		// Force so the covered window is dropped and fetched fresh.
		_, err := s.bars.GetBars(ctx, symbol, r.Start, r.End, true)
		return false, err

	default:
		r, ok := s.policy.ComputeFetchRange(cache.StrategyAppend, meta, historicalStart, today)
		if !ok {
			return false, nil
		}
		_, err := s.bars.GetBars(ctx, symbol, r.Start, r.End, false)
		return false, err
	}
}

func (s *Sweeper) fullRefresh(ctx context.Context, symbol string, start, end time.Time) error {
	if _, err := s.bars.GetBars(ctx, symbol, start, end, true); err != nil {
		return err
	}
	return s.store.MarkFullRefresh(ctx, symbol)
}

// adjustmentDetected samples the last few days upstream and compares the
// closes with what is cached. Sampling errors never block the refresh; they
// just skip the escalation check.
func (s *Sweeper) adjustmentDetected(ctx context.Context, symbol string, today time.Time) bool {
	start := today.AddDate(0, 0, -adjustmentSampleDays)

	cached, err := s.store.GetBars(ctx, symbol, start, today)
	if err != nil || len(cached) == 0 {
		return false
	}
	fresh, err := s.fetcher.FetchDailyBars(ctx, symbol, start, today)
	if err != nil {
		s.logger.WithField("symbol", symbol).Debugf("adjustment sample fetch failed: %v", err)
		return false
	}
	return s.policy.DetectAdjustment(cached, fresh)
}
