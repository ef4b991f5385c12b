package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/price-cache/pkg/models"
)

// Universe constituent tables. The constituent list is replaced wholesale on
// refresh; membership flags are mirrored into symbol_metadata.in_universe so
// coverage queries never need a join.

// ReplaceConstituents swaps the stored constituent list and records the
// refresh in universe_list_metadata.
func (mc *MySQLClient) ReplaceConstituents(ctx context.Context, entries []models.UniverseEntry, source string) error {
	return mc.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM universe_constituents`); err != nil {
			return fmt.Errorf("failed to clear constituents: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO universe_constituents (symbol, company_name)
			VALUES (?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare constituent insert: %w", err)
		}
		defer stmt.Close()

		for _, entry := range entries {
			if _, err := stmt.ExecContext(ctx, entry.Symbol, entry.CompanyName); err != nil {
				return fmt.Errorf("failed to insert constituent %s: %w", entry.Symbol, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO universe_list_metadata (id, refreshed_at, source, constituent_count)
			VALUES (1, NOW(), ?, ?)
			ON DUPLICATE KEY UPDATE
				refreshed_at = VALUES(refreshed_at),
				source = VALUES(source),
				constituent_count = VALUES(constituent_count)
		`, source, len(entries))
		if err != nil {
			return fmt.Errorf("failed to update list metadata: %w", err)
		}

		return nil
	})
}

// GetConstituents returns the stored universe list ordered by symbol.
func (mc *MySQLClient) GetConstituents(ctx context.Context) ([]models.UniverseEntry, error) {
	rows, err := mc.db.QueryContext(ctx, `
		SELECT symbol, company_name, added_at
		FROM universe_constituents
		ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query constituents: %w", err)
	}
	defer rows.Close()

	var entries []models.UniverseEntry
	for rows.Next() {
		var entry models.UniverseEntry
		if err := rows.Scan(&entry.Symbol, &entry.CompanyName, &entry.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan constituent: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetUniverseListMetadata returns the refresh record, or nil when the list
// has never been populated.
func (mc *MySQLClient) GetUniverseListMetadata(ctx context.Context) (*models.UniverseListMetadata, error) {
	meta := &models.UniverseListMetadata{}
	err := mc.db.QueryRowContext(ctx, `
		SELECT refreshed_at, source, constituent_count
		FROM universe_list_metadata
		WHERE id = 1
	`).Scan(&meta.RefreshedAt, &meta.Source, &meta.ConstituentCount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list metadata: %w", err)
	}

	return meta, nil
}

// SyncUniverseFlags marks the given symbols as universe members (creating
// metadata rows for symbols not yet cached) and clears the flag on symbols
// that have left the universe.
func (mc *MySQLClient) SyncUniverseFlags(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	return mc.ExecTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO symbol_metadata (symbol, in_universe)
			VALUES (?, 1)
			ON DUPLICATE KEY UPDATE in_universe = 1
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare flag upsert: %w", err)
		}
		defer stmt.Close()

		for _, symbol := range symbols {
			if _, err := stmt.ExecContext(ctx, strings.ToUpper(symbol)); err != nil {
				return fmt.Errorf("failed to flag %s: %w", symbol, err)
			}
		}

		// Clear membership for symbols no longer in the list.
		placeholders := strings.TrimRight(strings.Repeat("?,", len(symbols)), ",")
		args := make([]interface{}, 0, len(symbols))
		for _, symbol := range symbols {
			args = append(args, strings.ToUpper(symbol))
		}

		query := fmt.Sprintf(`
			UPDATE symbol_metadata
			SET in_universe = 0
			WHERE in_universe = 1 AND symbol NOT IN (%s)
		`, placeholders)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to clear departed flags: %w", err)
		}

		return nil
	})
}
