package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// aggBar is one aggregate result in the provider's wire format.
// Timestamps are epoch milliseconds at the start of the trading day.
type aggBar struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// aggsResponse is the provider's aggregates envelope.
type aggsResponse struct {
	Ticker       string   `json:"ticker"`
	Status       string   `json:"status"`
	ResultsCount int      `json:"resultsCount"`
	Results      []aggBar `json:"results"`
	NextURL      string   `json:"next_url"`
	Message      string   `json:"message"`
}

// PolygonClient fetches daily aggregate bars from the Polygon REST API.
// The API credential is bound at construction.
type PolygonClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	logger    *logrus.Entry
	rateLimit time.Duration
	lastCall  time.Time
}

// NewPolygonClient creates a new Polygon REST API client
func NewPolygonClient(cfg *config.PolygonConfig, logger *logrus.Logger) *PolygonClient {
	return &PolygonClient{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		logger:    logger.WithField("component", "polygon-rest"),
		rateLimit: cfg.RateLimitDelay,
	}
}

// FetchDailyBars fetches daily bars for [start, end] inclusive, following
// pagination continuations until exhausted before returning. Results are
// ordered ascending by date. Rate-limit and authorization failures are
// returned as ErrRateLimited / ErrNotAuthorized wrapped errors.
func (p *PolygonClient) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s",
		p.baseURL, url.PathEscape(symbol),
		start.Format(models.DateLayout), end.Format(models.DateLayout))

	params := url.Values{}
	params.Add("adjusted", "true")
	params.Add("sort", "asc")
	params.Add("limit", "50000")
	params.Add("apiKey", p.apiKey)

	next := fmt.Sprintf("%s?%s", endpoint, params.Encode())

	var bars []models.Bar
	pages := 0

	for next != "" {
		data, err := p.fetchPage(ctx, symbol, next)
		if err != nil {
			return nil, err
		}

		for _, r := range data.Results {
			bars = append(bars, models.Bar{
				Symbol: symbol,
				Date:   models.Day(time.UnixMilli(r.Timestamp).UTC()),
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
		pages++

		// Continuation URLs come back without the credential.
		next = data.NextURL
		if next != "" {
			next, err = p.withAPIKey(next)
			if err != nil {
				return nil, err
			}
		}
	}

	p.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"start":  start.Format(models.DateLayout),
		"end":    end.Format(models.DateLayout),
		"bars":   len(bars),
		"pages":  pages,
	}).Debug("Fetched daily bars")

	return bars, nil
}

// fetchPage executes one aggregates request and maps provider failures
// onto the error taxonomy.
func (p *PolygonClient) fetchPage(ctx context.Context, symbol, fullURL string) (*aggsResponse, error) {
	p.enforceRateLimit()

	req, err := http.NewRequestWithContext(ctx, "GET", fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: %w", symbol, ErrRateLimited)
	case http.StatusForbidden, http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: %w", symbol, ErrNotAuthorized)
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error for %s: status=%d, body=%s", symbol, resp.StatusCode, string(body))
	}

	var data aggsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// Restricted slices can also surface as an OK envelope with an
	// error status.
	if data.Status == "NOT_AUTHORIZED" {
		return nil, fmt.Errorf("%s: %s: %w", symbol, data.Message, ErrNotAuthorized)
	}

	return &data, nil
}

// withAPIKey appends the credential to a continuation URL.
func (p *PolygonClient) withAPIKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid continuation URL: %w", err)
	}
	q := u.Query()
	q.Set("apiKey", p.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// enforceRateLimit ensures we don't exceed API rate limits
func (p *PolygonClient) enforceRateLimit() {
	if p.rateLimit <= 0 {
		return
	}
	elapsed := time.Since(p.lastCall)
	if elapsed < p.rateLimit {
		time.Sleep(p.rateLimit - elapsed)
	}
	p.lastCall = time.Now()
}
