package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/price-cache/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *PolygonClient {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewPolygonClient(&config.PolygonConfig{
		APIKey:         "test-key",
		BaseURL:        baseURL,
		RateLimitDelay: 0,
		RequestTimeout: 5 * time.Second,
	}, log)
}

func TestFetchDailyBarsPagination(t *testing.T) {
	var secondPageKey string

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/v2/aggs/ticker/AAPL/range/1/day/2020-01-01/2020-01-10", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		assert.Equal(t, "true", r.URL.Query().Get("adjusted"))
		assert.Equal(t, "asc", r.URL.Query().Get("sort"))

		fmt.Fprintf(w, `{
			"ticker": "AAPL",
			"status": "OK",
			"resultsCount": 2,
			"results": [
				{"t": 1577923200000, "o": 74.06, "h": 75.15, "l": 73.80, "c": 75.09, "v": 135480400},
				{"t": 1578009600000, "o": 74.29, "h": 75.14, "l": 74.13, "c": 74.36, "v": 146322800}
			],
			"next_url": "%s/v2/aggs/cursor/page2"
		}`, srv.URL)
	})

	mux.HandleFunc("/v2/aggs/cursor/page2", func(w http.ResponseWriter, r *http.Request) {
		secondPageKey = r.URL.Query().Get("apiKey")
		fmt.Fprint(w, `{
			"ticker": "AAPL",
			"status": "OK",
			"resultsCount": 1,
			"results": [
				{"t": 1578268800000, "o": 73.45, "h": 74.99, "l": 73.19, "c": 74.95, "v": 118387200}
			]
		}`)
	})

	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	start, _ := time.Parse("2006-01-02", "2020-01-01")
	end, _ := time.Parse("2006-01-02", "2020-01-10")

	bars, err := client.FetchDailyBars(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	// Credential must be re-attached to the continuation URL.
	assert.Equal(t, "test-key", secondPageKey)

	// Epoch-millisecond timestamps map to UTC calendar dates in order.
	assert.Equal(t, "2020-01-02", bars[0].DateString())
	assert.Equal(t, "2020-01-03", bars[1].DateString())
	assert.Equal(t, "2020-01-06", bars[2].DateString())
	assert.Equal(t, "AAPL", bars[0].Symbol)
	assert.Equal(t, 75.09, bars[0].Close)
	assert.Equal(t, 135480400.0, bars[0].Volume)
}

func TestFetchDailyBarsErrorMapping(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		assertFn func(t *testing.T, err error)
	}{
		{
			name:   "429 maps to rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"status":"ERROR","error":"too many requests"}`,
			assertFn: func(t *testing.T, err error) {
				assert.True(t, IsRateLimited(err))
				assert.False(t, IsNotAuthorized(err))
			},
		},
		{
			name:   "403 maps to not authorized",
			status: http.StatusForbidden,
			body:   `{"status":"NOT_AUTHORIZED","message":"not entitled"}`,
			assertFn: func(t *testing.T, err error) {
				assert.True(t, IsNotAuthorized(err))
				assert.False(t, IsRateLimited(err))
			},
		},
		{
			name:   "401 maps to not authorized",
			status: http.StatusUnauthorized,
			body:   `{"status":"ERROR"}`,
			assertFn: func(t *testing.T, err error) {
				assert.True(t, IsNotAuthorized(err))
			},
		},
		{
			name:   "OK envelope with NOT_AUTHORIZED status maps to not authorized",
			status: http.StatusOK,
			body:   `{"status":"NOT_AUTHORIZED","message":"plan does not cover this range"}`,
			assertFn: func(t *testing.T, err error) {
				assert.True(t, IsNotAuthorized(err))
			},
		},
		{
			name:   "500 surfaces as generic error",
			status: http.StatusInternalServerError,
			body:   `{"status":"ERROR","error":"boom"}`,
			assertFn: func(t *testing.T, err error) {
				assert.Error(t, err)
				assert.False(t, IsRateLimited(err))
				assert.False(t, IsNotAuthorized(err))
				assert.Contains(t, err.Error(), "status=500")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			client := newTestClient(srv.URL)
			start, _ := time.Parse("2006-01-02", "2020-01-01")
			end, _ := time.Parse("2006-01-02", "2020-01-10")

			bars, err := client.FetchDailyBars(context.Background(), "MSFT", start, end)
			require.Error(t, err)
			assert.Nil(t, bars)
			tc.assertFn(t, err)
		})
	}
}

func TestFetchDailyBarsEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ticker":"XYZ","status":"OK","resultsCount":0,"queryCount":0}`)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	start, _ := time.Parse("2006-01-02", "2020-01-01")
	end, _ := time.Parse("2006-01-02", "2020-01-10")

	bars, err := client.FetchDailyBars(context.Background(), "XYZ", start, end)
	require.NoError(t, err)
	assert.Empty(t, bars)
}
