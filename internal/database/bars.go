package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/price-cache/pkg/models"
)

// Bar store operations. Bars are keyed by (symbol, trading_date); writes are
// idempotent upserts. Coverage metadata is recomputed from the bar rows in
// the same transaction as every write or delete, so symbol_metadata.total_bars
// always matches the stored row count.

// UpsertBars stores bars for a symbol and recomputes coverage metadata
// transactionally. Returns the number of bars written.
func (mc *MySQLClient) UpsertBars(ctx context.Context, symbol string, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	err := mc.ExecTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_bars (symbol, trading_date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				open = VALUES(open),
				high = VALUES(high),
				low = VALUES(low),
				close = VALUES(close),
				volume = VALUES(volume)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			if _, err := stmt.ExecContext(ctx,
				symbol,
				bar.Date.Format(models.DateLayout),
				bar.Open,
				bar.High,
				bar.Low,
				bar.Close,
				bar.Volume,
			); err != nil {
				return fmt.Errorf("failed to upsert bar %s/%s: %w", symbol, bar.DateString(), err)
			}
		}

		return recomputeMetadata(ctx, tx, symbol)
	})
	if err != nil {
		return 0, err
	}

	return len(bars), nil
}

// GetBars reads bars for [start, end] inclusive, ascending by date.
func (mc *MySQLClient) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	query := `
		SELECT symbol, trading_date, open, high, low, close, volume
		FROM daily_bars
		WHERE symbol = ? AND trading_date >= ? AND trading_date <= ?
		ORDER BY trading_date ASC
	`

	rows, err := mc.db.QueryContext(ctx, query, symbol,
		start.Format(models.DateLayout), end.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var bar models.Bar
		if err := rows.Scan(
			&bar.Symbol,
			&bar.Date,
			&bar.Open,
			&bar.High,
			&bar.Low,
			&bar.Close,
			&bar.Volume,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, bar)
	}

	return bars, rows.Err()
}

// DeleteBars removes bars inside [start, end] and recomputes metadata.
// Returns the number of rows removed.
func (mc *MySQLClient) DeleteBars(ctx context.Context, symbol string, start, end time.Time) (int64, error) {
	var removed int64

	err := mc.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM daily_bars
			WHERE symbol = ? AND trading_date >= ? AND trading_date <= ?
		`, symbol, start.Format(models.DateLayout), end.Format(models.DateLayout))
		if err != nil {
			return fmt.Errorf("failed to delete bars: %w", err)
		}
		removed, _ = res.RowsAffected()

		return recomputeMetadata(ctx, tx, symbol)
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// DeleteAllBars removes every bar for a symbol and its metadata row.
func (mc *MySQLClient) DeleteAllBars(ctx context.Context, symbol string) (int64, error) {
	var removed int64

	err := mc.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM daily_bars WHERE symbol = ?`, symbol)
		if err != nil {
			return fmt.Errorf("failed to delete bars: %w", err)
		}
		removed, _ = res.RowsAffected()

		return recomputeMetadata(ctx, tx, symbol)
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// GetMetadata returns coverage metadata for a symbol, or nil when absent.
func (mc *MySQLClient) GetMetadata(ctx context.Context, symbol string) (*models.SymbolMetadata, error) {
	query := `
		SELECT symbol, first_date, last_date, last_updated, last_full_refresh,
		       total_bars, in_universe, status
		FROM symbol_metadata
		WHERE symbol = ?
	`

	meta := &models.SymbolMetadata{}
	err := mc.db.QueryRowContext(ctx, query, symbol).Scan(
		&meta.Symbol,
		&meta.FirstDate,
		&meta.LastDate,
		&meta.LastUpdated,
		&meta.LastFullRefresh,
		&meta.TotalBars,
		&meta.InUniverse,
		&meta.Status,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}

	return meta, nil
}

// MarkFullRefresh records that a symbol just had a full re-fetch.
func (mc *MySQLClient) MarkFullRefresh(ctx context.Context, symbol string) error {
	_, err := mc.db.ExecContext(ctx, `
		UPDATE symbol_metadata
		SET last_full_refresh = NOW()
		WHERE symbol = ?
	`, symbol)
	if err != nil {
		return fmt.Errorf("failed to mark full refresh: %w", err)
	}
	return nil
}

// GetTickersNeedingRefresh returns universe symbols due for a refresh,
// oldest-updated first: never fully refreshed, full refresh past the full
// cutoff, or last update past the rolling cutoff.
func (mc *MySQLClient) GetTickersNeedingRefresh(ctx context.Context, fullCutoff, rollingCutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT symbol FROM symbol_metadata
		WHERE in_universe = 1
		  AND ((last_full_refresh IS NULL OR last_full_refresh < ?)
		    OR (last_updated IS NULL OR last_updated < ?))
		ORDER BY last_updated ASC
		LIMIT ?
	`

	rows, err := mc.db.QueryContext(ctx, query, fullCutoff, rollingCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickers needing refresh: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}

	return symbols, rows.Err()
}

// GetCachedSymbols returns all symbols that have a metadata row.
func (mc *MySQLClient) GetCachedSymbols(ctx context.Context) ([]string, error) {
	rows, err := mc.db.QueryContext(ctx, `SELECT symbol FROM symbol_metadata ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}

	return symbols, rows.Err()
}

// recomputeMetadata rebuilds a symbol's coverage row from its bar rows
// inside the caller's transaction. With no bars left the metadata row is
// removed, so status lookups report the symbol as absent.
func recomputeMetadata(ctx context.Context, tx *sql.Tx, symbol string) error {
	var (
		firstDate sql.NullTime
		lastDate  sql.NullTime
		total     int
	)

	err := tx.QueryRowContext(ctx, `
		SELECT MIN(trading_date), MAX(trading_date), COUNT(*)
		FROM daily_bars
		WHERE symbol = ?
	`, symbol).Scan(&firstDate, &lastDate, &total)
	if err != nil {
		return fmt.Errorf("failed to recompute coverage: %w", err)
	}

	if total == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM symbol_metadata WHERE symbol = ?`, symbol); err != nil {
			return fmt.Errorf("failed to clear metadata: %w", err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO symbol_metadata (symbol, first_date, last_date, last_updated, total_bars)
		VALUES (?, ?, ?, NOW(), ?)
		ON DUPLICATE KEY UPDATE
			first_date = VALUES(first_date),
			last_date = VALUES(last_date),
			last_updated = VALUES(last_updated),
			total_bars = VALUES(total_bars)
	`, symbol, firstDate.Time.Format(models.DateLayout), lastDate.Time.Format(models.DateLayout), total)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}

	return nil
}
