package cache

import (
	"time"

	"github.com/price-cache/pkg/models"
)

// MissingRanges compares a requested window against the cached coverage for a
// symbol and returns the date ranges that still have to be fetched upstream.
//
// Coverage is tracked as a single contiguous span [FirstDate, LastDate], so
// only the edges are ever extended: a leading range when the request starts
// before the cached span and a trailing range when it ends after. Days inside
// the span are trusted as complete; non-trading days leave holes there that
// no amount of refetching would fill.
func MissingRanges(meta *models.SymbolMetadata, start, end time.Time) []models.DateRange {
	if meta == nil || !meta.HasCoverage() {
		return []models.DateRange{{Start: start, End: end}}
	}

	cachedFirst := models.Day(*meta.FirstDate)
	cachedLast := models.Day(*meta.LastDate)

	var missing []models.DateRange
	if start.Before(cachedFirst) {
		missing = append(missing, models.DateRange{
			Start: start,
			End:   cachedFirst.AddDate(0, 0, -1),
		})
	}
	if end.After(cachedLast) {
		missing = append(missing, models.DateRange{
			Start: cachedLast.AddDate(0, 0, 1),
			End:   end,
		})
	}
	return missing
}
