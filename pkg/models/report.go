package models

import "time"

// CoverageReport summarizes how much of the universe has cached data.
type CoverageReport struct {
	TotalUniverse int        `json:"total_universe"`
	CachedCount   int        `json:"cached_count"`
	MissingCount  int        `json:"missing_count"`
	CoveragePct   float64    `json:"coverage_pct"`
	EarliestDate  *time.Time `json:"earliest_date"`
	LatestDate    *time.Time `json:"latest_date"`
	SampleMissing []string   `json:"sample_missing"`
}

// DBStats is an operational snapshot of the durable store.
type DBStats struct {
	TotalBars    int64          `json:"total_bars"`
	SymbolCount  int            `json:"symbol_count"`
	UniverseSize int            `json:"universe_size"`
	EarliestDate *time.Time     `json:"earliest_date"`
	LatestDate   *time.Time     `json:"latest_date"`
	JobCounts    map[string]int `json:"job_counts"`
}

// UniverseEntry is one constituent of the configured symbol universe.
type UniverseEntry struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	CompanyName string    `json:"company_name" db:"company_name"`
	AddedAt     time.Time `json:"added_at" db:"added_at"`
}

// UniverseListMetadata records when and from where the constituent
// list was last refreshed.
type UniverseListMetadata struct {
	RefreshedAt      time.Time `json:"refreshed_at" db:"refreshed_at"`
	Source           string    `json:"source" db:"source"`
	ConstituentCount int       `json:"constituent_count" db:"constituent_count"`
}
