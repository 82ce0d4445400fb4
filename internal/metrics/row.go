package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// AverageWindows are the rolling windows (years) reported per metric.
var AverageWindows = []int{3, 5, 8}

// YearMetrics is the derived annual series entry for one fiscal year. Null
// values mean not disclosed or not computable, never zero.
type YearMetrics struct {
	Year          int
	EPS           decimal.NullDecimal
	CashDividend  decimal.NullDecimal
	StockDividend decimal.NullDecimal
	TotalDividend decimal.NullDecimal
	PayoutRatio   decimal.NullDecimal
	Yield         decimal.NullDecimal
	ROE           decimal.NullDecimal
}

// WindowAverages carries the null-aware rolling means for one window size.
type WindowAverages struct {
	Years       int
	Dividend    decimal.NullDecimal
	PayoutRatio decimal.NullDecimal
	Yield       decimal.NullDecimal
	ROE         decimal.NullDecimal
}

// QuarterGrowth is the year-over-year cumulative-EPS comparison for one
// quarter: (prior, current, growth). Growth is null when the prior value is
// zero or either side is missing.
type QuarterGrowth struct {
	Quarter    int
	PriorEPS   decimal.NullDecimal
	CurrentEPS decimal.NullDecimal
	Growth     decimal.NullDecimal
}

// Row is the full derived metrics output for one security. It is recomputed
// whole from the history store; identical store contents yield an identical
// row.
type Row struct {
	Code            string
	Name            string
	Market          string
	LatestClose     decimal.Decimal
	LatestCloseDate time.Time

	// Years is the annual series, oldest-first, at most the configured
	// window length.
	Years []YearMetrics

	// Averages holds the 3/5/8-year rolling means.
	Averages []WindowAverages

	// RecentYields are the three most recent annual dividend yields,
	// newest-first, reported individually for trend screening.
	RecentYields [3]decimal.NullDecimal

	// QuarterGrowth covers Q1 through Q4 of the most recent quarterly year.
	QuarterGrowth [4]QuarterGrowth

	// Trailing4QEPS is the sum of the four most recent single-quarter EPS
	// values; Trailing4QGrowth compares it against the prior full-year EPS.
	Trailing4QEPS    decimal.NullDecimal
	Trailing4QGrowth decimal.NullDecimal
}
