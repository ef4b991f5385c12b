package models

import "time"

// Symbol status values stored in symbol_metadata.status.
const (
	SymbolStatusActive   = "active"
	SymbolStatusDelisted = "delisted"
)

// SymbolMetadata describes the cached coverage for one symbol.
// FirstDate/LastDate bound the contiguous span considered cached;
// TotalBars always equals the stored row count for the symbol.
type SymbolMetadata struct {
	Symbol          string     `json:"symbol" db:"symbol"`
	FirstDate       *time.Time `json:"first_date" db:"first_date"`
	LastDate        *time.Time `json:"last_date" db:"last_date"`
	LastUpdated     *time.Time `json:"last_updated" db:"last_updated"`
	LastFullRefresh *time.Time `json:"last_full_refresh" db:"last_full_refresh"`
	TotalBars       int        `json:"total_bars" db:"total_bars"`
	InUniverse      bool       `json:"in_universe" db:"in_universe"`
	Status          string     `json:"status" db:"status"`
}

// HasCoverage reports whether the symbol has any cached bars.
func (m *SymbolMetadata) HasCoverage() bool {
	return m != nil && m.TotalBars > 0 && m.FirstDate != nil && m.LastDate != nil
}
