package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// testPolicy pins "today" so strategy decisions are deterministic.
func testPolicy(t *testing.T, today string) *Policy {
	t.Helper()
	p := NewPolicy(&config.CacheConfig{
		AlwaysFetchDays:            2,
		RollingWindowDays:          90,
		RollingRefreshIntervalDays: 7,
		FullRefreshIntervalDays:    30,
		AdjustmentTolerance:        0.01,
	})
	now := day(t, today)
	p.nowFn = func() time.Time { return now }
	return p
}

func TestDecideStrategy(t *testing.T) {
	p := testPolicy(t, "2024-03-15")

	testCases := []struct {
		name     string
		meta     *models.SymbolMetadata
		expected Strategy
	}{
		{
			name:     "no metadata",
			meta:     nil,
			expected: StrategyFull,
		},
		{
			name:     "metadata without coverage",
			meta:     &models.SymbolMetadata{Symbol: "AAPL"},
			expected: StrategyFull,
		},
		{
			name: "never fully refreshed",
			meta: &models.SymbolMetadata{
				Symbol:      "AAPL",
				FirstDate:   dayPtr(t, "2020-01-01"),
				LastDate:    dayPtr(t, "2024-03-14"),
				TotalBars:   1000,
				LastUpdated: dayPtr(t, "2024-03-14"),
			},
			expected: StrategyFull,
		},
		{
			name: "full refresh older than 30 days",
			meta: &models.SymbolMetadata{
				Symbol:          "AAPL",
				FirstDate:       dayPtr(t, "2020-01-01"),
				LastDate:        dayPtr(t, "2024-03-14"),
				TotalBars:       1000,
				LastUpdated:     dayPtr(t, "2024-03-14"),
				LastFullRefresh: dayPtr(t, "2024-02-10"),
			},
			expected: StrategyFull,
		},
		{
			name: "fresh full refresh but never updated",
			meta: &models.SymbolMetadata{
				Symbol:          "AAPL",
				FirstDate:       dayPtr(t, "2020-01-01"),
				LastDate:        dayPtr(t, "2024-03-14"),
				TotalBars:       1000,
				LastFullRefresh: dayPtr(t, "2024-03-01"),
			},
			expected: StrategyRolling,
		},
		{
			name: "update older than 7 days",
			meta: &models.SymbolMetadata{
				Symbol:          "AAPL",
				FirstDate:       dayPtr(t, "2020-01-01"),
				LastDate:        dayPtr(t, "2024-03-07"),
				TotalBars:       1000,
				LastUpdated:     dayPtr(t, "2024-03-05"),
				LastFullRefresh: dayPtr(t, "2024-03-01"),
			},
			expected: StrategyRolling,
		},
		{
			name: "update exactly at the rolling cutoff",
			meta: &models.SymbolMetadata{
				Symbol:          "AAPL",
				FirstDate:       dayPtr(t, "2020-01-01"),
				LastDate:        dayPtr(t, "2024-03-08"),
				TotalBars:       1000,
				LastUpdated:     dayPtr(t, "2024-03-08"),
				LastFullRefresh: dayPtr(t, "2024-03-01"),
			},
			expected: StrategyAppend,
		},
		{
			name: "everything fresh",
			meta: &models.SymbolMetadata{
				Symbol:          "AAPL",
				FirstDate:       dayPtr(t, "2020-01-01"),
				LastDate:        dayPtr(t, "2024-03-14"),
				TotalBars:       1000,
				LastUpdated:     dayPtr(t, "2024-03-14"),
				LastFullRefresh: dayPtr(t, "2024-03-01"),
			},
			expected: StrategyAppend,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, p.DecideStrategy(tc.meta))
		})
	}
}

func TestComputeFetchRange(t *testing.T) {
	p := testPolicy(t, "2024-03-15")

	testCases := []struct {
		name       string
		strategy   Strategy
		meta       *models.SymbolMetadata
		reqStart   string
		reqEnd     string
		expectNone bool
		expected   models.DateRange
	}{
		{
			name:     "append starts at the always-fetch horizon when caught up",
			strategy: StrategyAppend,
			meta:     metaWithSpan(t, "2020-01-01", "2024-03-13", 1000),
			reqStart: "2024-01-01",
			reqEnd:   "2024-03-15",
			expected: models.DateRange{Start: day(t, "2024-03-13"), End: day(t, "2024-03-15")},
		},
		{
			name:     "append starts after the cached tail when behind",
			strategy: StrategyAppend,
			meta:     metaWithSpan(t, "2020-01-01", "2024-02-01", 1000),
			reqStart: "2024-01-01",
			reqEnd:   "2024-03-15",
			expected: models.DateRange{Start: day(t, "2024-02-02"), End: day(t, "2024-03-15")},
		},
		{
			name:       "append skips the fetch when the request ends in the past",
			strategy:   StrategyAppend,
			meta:       metaWithSpan(t, "2020-01-01", "2024-03-14", 1000),
			reqStart:   "2024-01-01",
			reqEnd:     "2024-03-10",
			expectNone: true,
		},
		{
			name:     "append without cached tail falls back to the full request",
			strategy: StrategyAppend,
			meta:     nil,
			reqStart: "2024-01-01",
			reqEnd:   "2024-03-15",
			expected: models.DateRange{Start: day(t, "2024-01-01"), End: day(t, "2024-03-15")},
		},
		{
			name:     "rolling clamps old requests to the window",
			strategy: StrategyRolling,
			meta:     metaWithSpan(t, "2020-01-01", "2024-03-10", 1000),
			reqStart: "2020-01-01",
			reqEnd:   "2024-03-15",
			expected: models.DateRange{Start: day(t, "2023-12-16"), End: day(t, "2024-03-15")},
		},
		{
			name:     "rolling keeps requests already inside the window",
			strategy: StrategyRolling,
			meta:     metaWithSpan(t, "2020-01-01", "2024-03-10", 1000),
			reqStart: "2024-02-01",
			reqEnd:   "2024-03-15",
			expected: models.DateRange{Start: day(t, "2024-02-01"), End: day(t, "2024-03-15")},
		},
		{
			name:     "full covers the entire request",
			strategy: StrategyFull,
			meta:     metaWithSpan(t, "2020-01-01", "2024-03-10", 1000),
			reqStart: "2016-01-18",
			reqEnd:   "2024-03-15",
			expected: models.DateRange{Start: day(t, "2016-01-18"), End: day(t, "2024-03-15")},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := p.ComputeFetchRange(tc.strategy, tc.meta, day(t, tc.reqStart), day(t, tc.reqEnd))
			if tc.expectNone {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestDetectAdjustment(t *testing.T) {
	p := testPolicy(t, "2024-03-15")

	bar := func(date string, close float64) models.Bar {
		return models.Bar{Symbol: "AAPL", Date: day(t, date), Close: close}
	}

	testCases := []struct {
		name     string
		cached   []models.Bar
		fresh    []models.Bar
		expected bool
	}{
		{
			name:     "identical closes",
			cached:   []models.Bar{bar("2024-03-11", 172.75), bar("2024-03-12", 173.23)},
			fresh:    []models.Bar{bar("2024-03-11", 172.75), bar("2024-03-12", 173.23)},
			expected: false,
		},
		{
			name:     "divergence within tolerance",
			cached:   []models.Bar{bar("2024-03-11", 100.00)},
			fresh:    []models.Bar{bar("2024-03-11", 100.90)},
			expected: false,
		},
		{
			name:     "divergence beyond tolerance",
			cached:   []models.Bar{bar("2024-03-11", 100.00)},
			fresh:    []models.Bar{bar("2024-03-11", 104.00)},
			expected: true,
		},
		{
			name:     "cached close of zero",
			cached:   []models.Bar{bar("2024-03-11", 0)},
			fresh:    []models.Bar{bar("2024-03-11", 25.00)},
			expected: true,
		},
		{
			name:     "fresh close of zero",
			cached:   []models.Bar{bar("2024-03-11", 25.00)},
			fresh:    []models.Bar{bar("2024-03-11", 0)},
			expected: true,
		},
		{
			name:     "no overlapping dates",
			cached:   []models.Bar{bar("2024-03-08", 100.00)},
			fresh:    []models.Bar{bar("2024-03-11", 250.00)},
			expected: false,
		},
		{
			name:     "nothing cached",
			cached:   nil,
			fresh:    []models.Bar{bar("2024-03-11", 250.00)},
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, p.DetectAdjustment(tc.cached, tc.fresh))
		})
	}
}
