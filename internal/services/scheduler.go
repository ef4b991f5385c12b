package services

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/universe"
	"github.com/price-cache/pkg/config"
)

// UniverseRefresher re-fetches the constituent list on schedule.
type UniverseRefresher interface {
	Refresh(ctx context.Context, force bool) (*universe.RefreshResult, error)
}

// Scheduler drives the recurring maintenance work: the nightly stale-data
// sweep and the weekly universe refresh.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	universe UniverseRefresher
	cfg      *config.SchedulerConfig
	logger   *logrus.Entry
}

// NewScheduler creates a scheduler with second-granularity cron specs.
func NewScheduler(cfg *config.SchedulerConfig, sweeper *Sweeper, universeRefresher UniverseRefresher, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		sweeper:  sweeper,
		universe: universeRefresher,
		cfg:      cfg,
		logger:   logger.WithField("component", "scheduler"),
	}
}

// Start registers the schedules and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.StaleSweepSpec, s.runSweep); err != nil {
		return fmt.Errorf("schedule stale sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.UniverseRefreshSpec, s.runUniverseRefresh); err != nil {
		return fmt.Errorf("schedule universe refresh: %w", err)
	}

	s.cron.Start()
	s.logger.Infof("scheduler started (sweep %q, universe refresh %q)",
		s.cfg.StaleSweepSpec, s.cfg.UniverseRefreshSpec)
	return nil
}

// Stop stops the cron runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runSweep() {
	result, err := s.sweeper.Sweep(context.Background())
	if err != nil {
		s.logger.Errorf("scheduled sweep failed: %v", err)
		return
	}
	if result.Checked > 0 {
		s.logger.Infof("scheduled sweep: %d checked, %d refreshed, %d escalated, %d failed",
			result.Checked, result.Refreshed, result.Escalated, result.Failed)
	}
}

func (s *Scheduler) runUniverseRefresh() {
	result, err := s.universe.Refresh(context.Background(), false)
	if err != nil {
		s.logger.Errorf("scheduled universe refresh failed: %v", err)
		return
	}
	if result.Skipped {
		s.logger.Debug("universe list still fresh, refresh skipped")
		return
	}
	s.logger.Infof("universe refreshed: %d constituents (+%d, -%d)",
		result.TickerCount, len(result.Added), len(result.Removed))
}
