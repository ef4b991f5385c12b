package cache

import (
	"math"
	"time"

	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// Strategy names how much of a symbol's history a refresh should cover.
type Strategy string

const (
	// StrategyAppend fetches only the tail beyond the cached span.
	StrategyAppend Strategy = "append"
	// StrategyRolling re-fetches a recent window to pick up late corrections.
	StrategyRolling Strategy = "rolling"
	// StrategyFull re-fetches the entire requested range, e.g. after a
	// split or dividend re-adjusts history.
	StrategyFull Strategy = "full"
)

// Policy decides how aggressively cached history gets refreshed. All
// decisions are made against calendar days in UTC.
type Policy struct {
	alwaysFetchDays        int
	rollingWindowDays      int
	rollingRefreshInterval int
	fullRefreshInterval    int
	adjustmentTolerance    float64

	// nowFn is swapped out in tests to pin the current day.
	nowFn func() time.Time
}

// NewPolicy builds a Policy from the cache configuration.
func NewPolicy(cfg *config.CacheConfig) *Policy {
	return &Policy{
		alwaysFetchDays:        cfg.AlwaysFetchDays,
		rollingWindowDays:      cfg.RollingWindowDays,
		rollingRefreshInterval: cfg.RollingRefreshIntervalDays,
		fullRefreshInterval:    cfg.FullRefreshIntervalDays,
		adjustmentTolerance:    cfg.AdjustmentTolerance,
		nowFn:                  time.Now,
	}
}

// Today returns the current UTC calendar day the policy evaluates against.
func (p *Policy) Today() time.Time {
	return models.Day(p.nowFn().UTC())
}

// RollingCutoff returns the last-updated threshold below which a symbol is
// due for a rolling refresh.
func (p *Policy) RollingCutoff() time.Time {
	return p.nowFn().UTC().AddDate(0, 0, -p.rollingRefreshInterval)
}

// FullCutoff returns the last-full-refresh threshold below which a symbol is
// due for a full refresh.
func (p *Policy) FullCutoff() time.Time {
	return p.nowFn().UTC().AddDate(0, 0, -p.fullRefreshInterval)
}

// RollingWindowStart returns the earliest day a rolling refresh reaches back to.
func (p *Policy) RollingWindowStart() time.Time {
	return p.Today().AddDate(0, 0, -p.rollingWindowDays)
}

// DecideStrategy picks a refresh strategy for a symbol from its metadata.
// Symbols with no cached history always get a full refresh; after that the
// staleness of the last full refresh wins over the staleness of the last
// incremental update.
func (p *Policy) DecideStrategy(meta *models.SymbolMetadata) Strategy {
	if meta == nil || !meta.HasCoverage() {
		return StrategyFull
	}
	if meta.LastFullRefresh == nil || meta.LastFullRefresh.Before(p.FullCutoff()) {
		return StrategyFull
	}
	if meta.LastUpdated == nil || meta.LastUpdated.Before(p.RollingCutoff()) {
		return StrategyRolling
	}
	return StrategyAppend
}

// ComputeFetchRange translates a strategy into the concrete date range to
// fetch for a request spanning [reqStart, reqEnd]. The boolean is false when
// the strategy requires no fetch at all, which happens in append mode when
// the cache already extends past the end of the request.
func (p *Policy) ComputeFetchRange(strategy Strategy, meta *models.SymbolMetadata, reqStart, reqEnd time.Time) (models.DateRange, bool) {
	today := p.Today()
	reqStart = models.Day(reqStart)
	reqEnd = models.Day(reqEnd)

	switch strategy {
	case StrategyAppend:
		if meta == nil || meta.LastDate == nil {
			// Nothing cached to append to; fall through to a full fetch.
			return models.DateRange{Start: reqStart, End: reqEnd}, true
		}
		// Always re-fetch the last couple of days so corrections to the
		// most recent closes are picked up even on pure appends.
		fetchStart := today.AddDate(0, 0, -p.alwaysFetchDays)
		if next := models.Day(*meta.LastDate).AddDate(0, 0, 1); next.Before(fetchStart) {
			fetchStart = next
		}
		if fetchStart.After(reqEnd) {
			return models.DateRange{}, false
		}
		return models.DateRange{Start: fetchStart, End: reqEnd}, true

	case StrategyRolling:
		start := p.RollingWindowStart()
		if reqStart.After(start) {
			start = reqStart
		}
		return models.DateRange{Start: start, End: reqEnd}, true

	default:
		return models.DateRange{Start: reqStart, End: reqEnd}, true
	}
}

// DetectAdjustment reports whether freshly fetched closes diverge from the
// cached ones, which signals that the upstream has re-adjusted history (a
// split or dividend) and the whole symbol needs a full refresh. Bars are
// matched by trading date; fresh dates absent from the cache are ignored.
func (p *Policy) DetectAdjustment(cached, fresh []models.Bar) bool {
	if len(cached) == 0 || len(fresh) == 0 {
		return false
	}
	closes := make(map[string]float64, len(cached))
	for _, b := range cached {
		closes[b.DateString()] = b.Close
	}
	for _, b := range fresh {
		cachedClose, ok := closes[b.DateString()]
		if !ok {
			continue
		}
		if cachedClose == 0 || b.Close == 0 {
			return true
		}
		if math.Abs(b.Close-cachedClose)/cachedClose > p.adjustmentTolerance {
			return true
		}
	}
	return false
}
