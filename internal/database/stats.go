package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/price-cache/pkg/models"
)

// GetDBStats returns an operational snapshot of the durable store.
func (mc *MySQLClient) GetDBStats(ctx context.Context) (*models.DBStats, error) {
	stats := &models.DBStats{}

	err := mc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_bars`).Scan(&stats.TotalBars)
	if err != nil {
		return nil, fmt.Errorf("failed to count bars: %w", err)
	}

	err = mc.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(in_universe), 0)
		FROM symbol_metadata
	`).Scan(&stats.SymbolCount, &stats.UniverseSize)
	if err != nil {
		return nil, fmt.Errorf("failed to count symbols: %w", err)
	}

	var earliest, latest sql.NullTime
	err = mc.db.QueryRowContext(ctx, `
		SELECT MIN(first_date), MAX(last_date)
		FROM symbol_metadata
	`).Scan(&earliest, &latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read date bounds: %w", err)
	}
	if earliest.Valid {
		stats.EarliestDate = &earliest.Time
	}
	if latest.Valid {
		stats.LatestDate = &latest.Time
	}

	jobCounts, err := mc.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats.JobCounts = jobCounts

	return stats, nil
}
