package models

import (
	"time"
)

// DateLayout is the wire and storage format for trading dates.
const DateLayout = "2006-01-02"

// Bar represents one trading day's OHLCV record for a symbol.
// Uniqueness is (symbol, trading date); stores are idempotent upserts.
type Bar struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Date   time.Time `json:"date" db:"trading_date"`
	Open   float64   `json:"open" db:"open"`
	High   float64   `json:"high" db:"high"`
	Low    float64   `json:"low" db:"low"`
	Close  float64   `json:"close" db:"close"`
	Volume float64   `json:"volume" db:"volume"`
}

// DateString returns the bar's trading date in YYYY-MM-DD form.
func (b *Bar) DateString() string {
	return b.Date.Format(DateLayout)
}

// Day truncates t to a UTC calendar date (midnight).
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// DateRange is an inclusive [Start, End] span of trading dates.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}
