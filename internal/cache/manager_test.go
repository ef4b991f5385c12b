package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/price-cache/internal/upstream"
	"github.com/price-cache/pkg/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fetchCall struct {
	symbol string
	start  time.Time
	end    time.Time
}

type fetcherFake struct {
	fetchFn func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
	calls   []fetchCall
}

func (f *fetcherFake) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	f.calls = append(f.calls, fetchCall{symbol: symbol, start: start, end: end})
	if f.fetchFn != nil {
		return f.fetchFn(ctx, symbol, start, end)
	}
	return nil, nil
}

type storeFake struct {
	metadataFn func(ctx context.Context, symbol string) (*models.SymbolMetadata, error)
	getBarsFn  func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
	upsertFn   func(ctx context.Context, symbol string, bars []models.Bar) (int, error)

	upserted      [][]models.Bar
	deletedRanges []models.DateRange
	deletedAll    []string
	getBarsCalls  int
}

func (s *storeFake) UpsertBars(ctx context.Context, symbol string, bars []models.Bar) (int, error) {
	s.upserted = append(s.upserted, bars)
	if s.upsertFn != nil {
		return s.upsertFn(ctx, symbol, bars)
	}
	return len(bars), nil
}

func (s *storeFake) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	s.getBarsCalls++
	if s.getBarsFn != nil {
		return s.getBarsFn(ctx, symbol, start, end)
	}
	return nil, nil
}

func (s *storeFake) DeleteBars(ctx context.Context, symbol string, start, end time.Time) (int64, error) {
	s.deletedRanges = append(s.deletedRanges, models.DateRange{Start: start, End: end})
	return 0, nil
}

func (s *storeFake) DeleteAllBars(ctx context.Context, symbol string) (int64, error) {
	s.deletedAll = append(s.deletedAll, symbol)
	return 42, nil
}

func (s *storeFake) GetMetadata(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
	if s.metadataFn != nil {
		return s.metadataFn(ctx, symbol)
	}
	return nil, nil
}

type metricsFake struct {
	symbols   []string
	successes []bool
}

func (m *metricsFake) WriteFetchMetric(ctx context.Context, symbol string, barCount int, duration time.Duration, success bool) {
	m.symbols = append(m.symbols, symbol)
	m.successes = append(m.successes, success)
}

func TestGetBarsEmptyCacheFetchesExactlyOnce(t *testing.T) {
	store := &storeFake{}
	fetcher := &fetcherFake{
		fetchFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return []models.Bar{{Symbol: symbol, Date: start, Close: 100}}, nil
		},
	}
	m := NewManager(store, fetcher, nil, testLogger())

	_, err := m.GetBars(context.Background(), "aapl", day(t, "2020-01-01"), day(t, "2020-06-30"), false)
	require.NoError(t, err)

	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, "AAPL", fetcher.calls[0].symbol)
	assert.Equal(t, day(t, "2020-01-01"), fetcher.calls[0].start)
	assert.Equal(t, day(t, "2020-06-30"), fetcher.calls[0].end)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, 1, store.getBarsCalls)
}

func TestGetBarsFullCoverageSkipsUpstream(t *testing.T) {
	cached := []models.Bar{
		{Symbol: "AAPL", Date: day(t, "2020-02-03"), Close: 77.17},
		{Symbol: "AAPL", Date: day(t, "2020-02-04"), Close: 79.71},
	}
	store := &storeFake{
		metadataFn: func(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
			return metaWithSpan(t, "2020-01-01", "2020-06-30", 125), nil
		},
		getBarsFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return cached, nil
		},
	}
	fetcher := &fetcherFake{}
	m := NewManager(store, fetcher, nil, testLogger())

	bars, err := m.GetBars(context.Background(), "AAPL", day(t, "2020-02-01"), day(t, "2020-05-15"), false)
	require.NoError(t, err)
	assert.Equal(t, cached, bars)
	assert.Empty(t, fetcher.calls)
	assert.Empty(t, store.upserted)
}

func TestGetBarsExtendsBothEdges(t *testing.T) {
	store := &storeFake{
		metadataFn: func(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
			return metaWithSpan(t, "2020-01-01", "2020-06-30", 125), nil
		},
	}
	fetcher := &fetcherFake{
		fetchFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return []models.Bar{{Symbol: symbol, Date: start, Close: 100}}, nil
		},
	}
	m := NewManager(store, fetcher, nil, testLogger())

	_, err := m.GetBars(context.Background(), "AAPL", day(t, "2019-12-01"), day(t, "2020-08-01"), false)
	require.NoError(t, err)

	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, day(t, "2019-12-01"), fetcher.calls[0].start)
	assert.Equal(t, day(t, "2019-12-31"), fetcher.calls[0].end)
	assert.Equal(t, day(t, "2020-07-01"), fetcher.calls[1].start)
	assert.Equal(t, day(t, "2020-08-01"), fetcher.calls[1].end)
}

func TestGetBarsForceRefreshInvalidatesFirst(t *testing.T) {
	store := &storeFake{}
	store.metadataFn = func(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
		// Invalidating the range empties the cache, so metadata is gone by
		// the time the manager consults it.
		if len(store.deletedRanges) > 0 {
			return nil, nil
		}
		return metaWithSpan(t, "2020-01-01", "2020-06-30", 125), nil
	}
	fetcher := &fetcherFake{
		fetchFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return []models.Bar{{Symbol: symbol, Date: start, Close: 100}}, nil
		},
	}
	m := NewManager(store, fetcher, nil, testLogger())

	_, err := m.GetBars(context.Background(), "AAPL", day(t, "2020-01-01"), day(t, "2020-06-30"), true)
	require.NoError(t, err)

	require.Len(t, store.deletedRanges, 1)
	assert.Equal(t, day(t, "2020-01-01"), store.deletedRanges[0].Start)
	assert.Equal(t, day(t, "2020-06-30"), store.deletedRanges[0].End)
	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, day(t, "2020-01-01"), fetcher.calls[0].start)
	assert.Equal(t, day(t, "2020-06-30"), fetcher.calls[0].end)
}

func TestGetBarsAuthDeniedRetriesFullRange(t *testing.T) {
	store := &storeFake{
		metadataFn: func(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
			return metaWithSpan(t, "2020-01-01", "2020-06-30", 125), nil
		},
	}
	fetcher := &fetcherFake{}
	fetcher.fetchFn = func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
		if len(fetcher.calls) == 1 {
			return nil, fmt.Errorf("%s: %w", symbol, upstream.ErrNotAuthorized)
		}
		return []models.Bar{{Symbol: symbol, Date: start, Close: 100}}, nil
	}
	m := NewManager(store, fetcher, nil, testLogger())

	_, err := m.GetBars(context.Background(), "AAPL", day(t, "2019-12-01"), day(t, "2020-08-01"), false)
	require.NoError(t, err)

	// One denied ranged fetch, then one retry spanning the whole request.
	// The second missing range is never attempted separately.
	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, day(t, "2019-12-01"), fetcher.calls[1].start)
	assert.Equal(t, day(t, "2020-08-01"), fetcher.calls[1].end)
}

func TestGetBarsAuthDeniedTwiceServesCached(t *testing.T) {
	cached := []models.Bar{{Symbol: "AAPL", Date: day(t, "2020-03-02"), Close: 74.54}}
	store := &storeFake{
		metadataFn: func(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
			return metaWithSpan(t, "2020-01-01", "2020-06-30", 125), nil
		},
		getBarsFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return cached, nil
		},
	}
	fetcher := &fetcherFake{
		fetchFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return nil, fmt.Errorf("%s: %w", symbol, upstream.ErrNotAuthorized)
		},
	}
	m := NewManager(store, fetcher, nil, testLogger())

	bars, err := m.GetBars(context.Background(), "AAPL", day(t, "2019-12-01"), day(t, "2020-08-01"), false)
	require.NoError(t, err)
	assert.Equal(t, cached, bars)
	assert.Len(t, fetcher.calls, 2)
}

func TestGetBarsPropagatesOtherErrors(t *testing.T) {
	store := &storeFake{}
	fetcher := &fetcherFake{
		fetchFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return nil, fmt.Errorf("%s: %w", symbol, upstream.ErrRateLimited)
		},
	}
	m := NewManager(store, fetcher, nil, testLogger())

	_, err := m.GetBars(context.Background(), "AAPL", day(t, "2020-01-01"), day(t, "2020-06-30"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrRateLimited))
	assert.Len(t, fetcher.calls, 1)
	assert.Zero(t, store.getBarsCalls)
}

func TestGetBarsEmptyUpstreamStillReadsBack(t *testing.T) {
	store := &storeFake{}
	fetcher := &fetcherFake{} // returns no bars
	m := NewManager(store, fetcher, nil, testLogger())

	bars, err := m.GetBars(context.Background(), "AAPL", day(t, "2020-01-04"), day(t, "2020-01-05"), false)
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Empty(t, store.upserted)
	assert.Equal(t, 1, store.getBarsCalls)
}

func TestGetBarsRejectsInvertedRange(t *testing.T) {
	store := &storeFake{}
	fetcher := &fetcherFake{}
	m := NewManager(store, fetcher, nil, testLogger())

	_, err := m.GetBars(context.Background(), "AAPL", day(t, "2020-06-30"), day(t, "2020-01-01"), false)
	require.Error(t, err)
	assert.Empty(t, fetcher.calls)
}

func TestGetBarsRecordsFetchMetrics(t *testing.T) {
	store := &storeFake{}
	fetcher := &fetcherFake{
		fetchFn: func(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
			return nil, errors.New("upstream exploded")
		},
	}
	metrics := &metricsFake{}
	m := NewManager(store, fetcher, metrics, testLogger())

	_, err := m.GetBars(context.Background(), "AAPL", day(t, "2020-01-01"), day(t, "2020-06-30"), false)
	require.Error(t, err)
	require.Len(t, metrics.successes, 1)
	assert.False(t, metrics.successes[0])
	assert.Equal(t, []string{"AAPL"}, metrics.symbols)
}

func TestInvalidateTicker(t *testing.T) {
	store := &storeFake{}
	m := NewManager(store, &fetcherFake{}, nil, testLogger())

	deleted, err := m.InvalidateTicker(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	assert.Equal(t, []string{"AAPL"}, store.deletedAll)
}

func TestGetCacheStatusNormalizesSymbol(t *testing.T) {
	var seen string
	store := &storeFake{
		metadataFn: func(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
			seen = symbol
			return nil, nil
		},
	}
	m := NewManager(store, &fetcherFake{}, nil, testLogger())

	meta, err := m.GetCacheStatus(context.Background(), " msft ")
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, "MSFT", seen)
}
