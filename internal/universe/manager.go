package universe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// Wikipedia rejects requests without a browser user agent.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

const sourceWikipedia = "wikipedia"

// Store persists the constituent list and keeps symbol metadata flags in
// sync with it.
type Store interface {
	ReplaceConstituents(ctx context.Context, entries []models.UniverseEntry, source string) error
	GetConstituents(ctx context.Context) ([]models.UniverseEntry, error)
	GetUniverseListMetadata(ctx context.Context) (*models.UniverseListMetadata, error)
	SyncUniverseFlags(ctx context.Context, symbols []string) error
}

// Manager maintains the symbol universe: it scrapes the constituent list
// from its source, persists it, and serves it from an in-memory mirror.
// The static fallback list keeps batch jobs running when both the source
// and the database come up empty.
type Manager struct {
	store  Store
	client *http.Client
	cfg    *config.UniverseConfig
	logger *logrus.Entry

	mu      sync.RWMutex
	symbols []string
}

// NewManager builds a universe Manager.
func NewManager(cfg *config.UniverseConfig, store Store, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
		logger: logger.WithField("component", "universe"),
	}
}

// RefreshResult describes the outcome of a constituent list refresh.
type RefreshResult struct {
	Skipped     bool     `json:"skipped"`
	TickerCount int      `json:"ticker_count"`
	Added       []string `json:"added,omitempty"`
	Removed     []string `json:"removed,omitempty"`
}

// Symbols returns the current universe tickers, refreshing the list from
// the source when it has gone stale. Source failures fall back to the
// persisted list, and an empty database falls back to the static list, so
// callers always get a usable universe.
func (m *Manager) Symbols(ctx context.Context) ([]string, error) {
	if _, err := m.Refresh(ctx, false); err != nil {
		m.logger.Warnf("universe refresh failed, keeping existing list: %v", err)
	}

	m.mu.RLock()
	if len(m.symbols) > 0 {
		defer m.mu.RUnlock()
		return append([]string(nil), m.symbols...), nil
	}
	m.mu.RUnlock()

	entries, err := m.store.GetConstituents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load constituents: %w", err)
	}
	if len(entries) > 0 {
		symbols := make([]string, len(entries))
		for i, e := range entries {
			symbols[i] = e.Symbol
		}
		m.setCache(symbols)
		return symbols, nil
	}

	m.logger.Warn("no cached constituent list, using static fallback")
	return fallbackConstituents(), nil
}

// Entries returns the persisted constituent list with its refresh metadata.
func (m *Manager) Entries(ctx context.Context) ([]models.UniverseEntry, *models.UniverseListMetadata, error) {
	entries, err := m.store.GetConstituents(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load constituents: %w", err)
	}
	meta, err := m.store.GetUniverseListMetadata(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load universe metadata: %w", err)
	}
	return entries, meta, nil
}

// Refresh re-fetches the constituent list from the source and persists it.
// Without force it is a no-op while the persisted list is younger than the
// configured refresh interval. The existing list is never replaced with a
// failed or empty fetch.
func (m *Manager) Refresh(ctx context.Context, force bool) (*RefreshResult, error) {
	if !force {
		meta, err := m.store.GetUniverseListMetadata(ctx)
		if err != nil {
			return nil, fmt.Errorf("load universe metadata: %w", err)
		}
		if meta != nil && time.Since(meta.RefreshedAt) < time.Duration(m.cfg.RefreshDays)*24*time.Hour {
			return &RefreshResult{Skipped: true, TickerCount: meta.ConstituentCount}, nil
		}
	}

	entries, err := m.fetchFromSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch constituents: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("constituent source returned no symbols")
	}

	previous, err := m.store.GetConstituents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load previous constituents: %w", err)
	}
	added, removed := diffSymbols(previous, entries)

	if err := m.store.ReplaceConstituents(ctx, entries, sourceWikipedia); err != nil {
		return nil, fmt.Errorf("store constituents: %w", err)
	}

	symbols := make([]string, len(entries))
	for i, e := range entries {
		symbols[i] = e.Symbol
	}
	if err := m.store.SyncUniverseFlags(ctx, symbols); err != nil {
		m.logger.Warnf("sync universe flags: %v", err)
	}
	m.setCache(symbols)

	if len(added) > 0 {
		m.logger.Infof("universe additions: %v", added)
	}
	if len(removed) > 0 {
		m.logger.Infof("universe removals: %v", removed)
	}
	m.logger.Infof("universe refreshed: %d constituents", len(entries))

	return &RefreshResult{TickerCount: len(entries), Added: added, Removed: removed}, nil
}

func (m *Manager) setCache(symbols []string) {
	m.mu.Lock()
	m.symbols = symbols
	m.mu.Unlock()
}

func (m *Manager) fetchFromSource(ctx context.Context) ([]models.UniverseEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request constituents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("constituent source returned status %d", resp.StatusCode)
	}
	return parseConstituents(resp.Body)
}

// parseConstituents extracts (symbol, company name) pairs from the first
// wikitable on the constituents page. Column positions are located from the
// header row; when no symbol header is found the first column is assumed,
// matching the page's long-standing layout.
func parseConstituents(r io.Reader) ([]models.UniverseEntry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse constituents page: %w", err)
	}

	table := doc.Find("table.wikitable").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no constituents table found")
	}

	symbolCol, nameCol := -1, -1
	table.Find("tr").First().Find("th").Each(func(i int, th *goquery.Selection) {
		header := strings.ToLower(strings.TrimSpace(th.Text()))
		switch {
		case symbolCol == -1 && (strings.Contains(header, "symbol") || strings.Contains(header, "ticker")):
			symbolCol = i
		case nameCol == -1 && (strings.Contains(header, "security") || strings.Contains(header, "company") || strings.Contains(header, "name")):
			nameCol = i
		}
	})
	if symbolCol == -1 {
		symbolCol = 0
	}

	var entries []models.UniverseEntry
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() <= symbolCol {
			return // header or malformed row
		}
		symbol := cleanSymbol(cells.Eq(symbolCol).Text())
		if symbol == "" {
			return
		}
		entry := models.UniverseEntry{Symbol: symbol}
		if nameCol >= 0 && cells.Length() > nameCol {
			entry.CompanyName = strings.TrimSpace(cells.Eq(nameCol).Text())
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

// cleanSymbol strips footnote markers and whitespace. Share-class dots are
// kept as-is since the upstream provider uses the same notation.
func cleanSymbol(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "["); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return strings.ToUpper(s)
}

func diffSymbols(previous []models.UniverseEntry, current []models.UniverseEntry) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(previous))
	for _, e := range previous {
		oldSet[e.Symbol] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(current))
	for _, e := range current {
		newSet[e.Symbol] = struct{}{}
	}

	for s := range newSet {
		if _, ok := oldSet[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range oldSet {
		if _, ok := newSet[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
