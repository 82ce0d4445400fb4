package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dividend-screener/internal/market"
	"dividend-screener/internal/storage"
)

// ErrInsufficientData marks a row that was still emitted but with nulled
// fields because the store lacks the underlying disclosures. Non-fatal.
var ErrInsufficientData = errors.New("metrics: insufficient data")

// Options tune aggregation.
type Options struct {
	// WindowYears bounds the annual series length (10 fiscal years).
	WindowYears int
}

// Aggregator computes a security's metrics row as a pure function of the
// history store's contents for that security. No write side effects, safe to
// run in parallel across securities.
type Aggregator struct {
	opts       Options
	store      storage.HistoryStore
	securities storage.SecurityStore
	logger     zerolog.Logger
}

// New constructs an Aggregator.
func New(opts Options, store storage.HistoryStore, securities storage.SecurityStore, logger zerolog.Logger) *Aggregator {
	if opts.WindowYears <= 0 {
		opts.WindowYears = 10
	}
	return &Aggregator{
		opts:       opts,
		store:      store,
		securities: securities,
		logger:     logger.With().Str("component", "aggregator").Logger(),
	}
}

// seriesKey addresses cumulative quarterly values.
type seriesKey struct {
	year    int
	quarter int
}

// history is the per-security lookup set extracted from raw observations.
type history struct {
	cumEPS   map[seriesKey]decimal.Decimal // cumulative EPS per (year, quarter)
	profit   map[int]decimal.Decimal      // annual profit (Q4 income statement)
	equityQ4 map[int]decimal.Decimal      // year-end equity (Q4 balance sheet)
	cashDiv  map[int]decimal.Decimal
	stockDiv map[int]decimal.Decimal
}

// Compute derives the metrics row for one security. A missing security is the
// only hard failure; missing disclosures yield a row with nulls wrapped in
// ErrInsufficientData.
func (a *Aggregator) Compute(ctx context.Context, code string) (Row, error) {
	sec, err := a.securities.GetSecurity(ctx, code)
	if err != nil {
		return Row{}, fmt.Errorf("load security %s: %w", code, err)
	}

	observations, err := a.store.GetObservations(ctx, code)
	if err != nil {
		return Row{}, fmt.Errorf("load history %s: %w", code, err)
	}

	h := buildHistory(observations)

	row := Row{
		Code:            sec.Code,
		Name:            sec.Name,
		Market:          string(sec.Market),
		LatestClose:     sec.LatestClose,
		LatestCloseDate: sec.LatestCloseDate,
	}

	years := h.yearRange(a.opts.WindowYears)
	if len(years) == 0 {
		a.logger.Debug().Str("code", code).Msg("no annual disclosures on record")
		for i := range row.QuarterGrowth {
			row.QuarterGrowth[i].Quarter = i + 1
		}
		for _, n := range AverageWindows {
			row.Averages = append(row.Averages, WindowAverages{Years: n})
		}
		return row, fmt.Errorf("%s: %w", code, ErrInsufficientData)
	}

	var (
		divSeries    []decimal.NullDecimal
		payoutSeries []decimal.NullDecimal
		yieldSeries  []decimal.NullDecimal
		roeSeries    []decimal.NullDecimal
	)

	for _, year := range years {
		ym := YearMetrics{Year: year}
		ym.EPS = lookup(h.cumEPS, seriesKey{year, 4})
		ym.CashDividend = lookup(h.cashDiv, year)
		ym.StockDividend = lookup(h.stockDiv, year)
		ym.TotalDividend = sumNullable(ym.CashDividend, ym.StockDividend)
		ym.PayoutRatio = payoutRatio(ym.TotalDividend, ym.EPS)
		ym.Yield = dividendYield(ym.TotalDividend, sec.LatestClose)
		ym.ROE = h.roe(year)

		row.Years = append(row.Years, ym)
		divSeries = append(divSeries, ym.TotalDividend)
		payoutSeries = append(payoutSeries, ym.PayoutRatio)
		yieldSeries = append(yieldSeries, ym.Yield)
		roeSeries = append(roeSeries, ym.ROE)
	}

	for _, n := range AverageWindows {
		row.Averages = append(row.Averages, WindowAverages{
			Years:       n,
			Dividend:    RollingAverage(divSeries, n),
			PayoutRatio: RollingAverage(payoutSeries, n),
			Yield:       RollingAverage(yieldSeries, n),
			ROE:         RollingAverage(roeSeries, n),
		})
	}

	for i := 0; i < 3 && i < len(yieldSeries); i++ {
		row.RecentYields[i] = yieldSeries[len(yieldSeries)-1-i]
	}

	a.fillQuarterGrowth(&row, h)
	a.fillTrailingFourQuarters(&row, h)

	return row, nil
}

// buildHistory extracts the lookup tables the formulas need.
func buildHistory(observations []market.Observation) history {
	h := history{
		cumEPS:   make(map[seriesKey]decimal.Decimal),
		profit:   make(map[int]decimal.Decimal),
		equityQ4: make(map[int]decimal.Decimal),
		cashDiv:  make(map[int]decimal.Decimal),
		stockDiv: make(map[int]decimal.Decimal),
	}

	for _, obs := range observations {
		switch obs.Kind {
		case market.KindIncomeStatement:
			if obs.Period.IsAnnual() {
				continue
			}
			key := seriesKey{obs.Period.Year, obs.Period.Quarter}
			if eps := obs.Field(market.FieldEPS); eps.Valid {
				h.cumEPS[key] = eps.Decimal
			}
			if obs.Period.Quarter == 4 {
				if profit := obs.Field(market.FieldProfit); profit.Valid {
					h.profit[obs.Period.Year] = profit.Decimal
				}
			}
		case market.KindBalanceSheet:
			if obs.Period.Quarter != 4 {
				continue
			}
			if equity := obs.Field(market.FieldEquity); equity.Valid {
				h.equityQ4[obs.Period.Year] = equity.Decimal
			}
		case market.KindDividend:
			if !obs.Period.IsAnnual() {
				continue
			}
			// A disclosed zero is a value, not a gap: it must flow into the
			// payout ratio and the rolling averages.
			if cash := obs.Field(market.FieldCashDividend); cash.Valid {
				h.cashDiv[obs.Period.Year] = cash.Decimal
			}
			if stock := obs.Field(market.FieldStockDividend); stock.Valid {
				h.stockDiv[obs.Period.Year] = stock.Decimal
			}
		}
	}
	return h
}

// yearRange returns the contiguous fiscal span ending at the most recent year
// with data, at most windowYears long, oldest-first. Interior years without
// disclosures stay in the range so window arithmetic sees their nulls.
func (h history) yearRange(windowYears int) []int {
	latest, earliest := 0, 0
	seen := func(year int) {
		if latest == 0 || year > latest {
			latest = year
		}
		if earliest == 0 || year < earliest {
			earliest = year
		}
	}
	for key := range h.cumEPS {
		seen(key.year)
	}
	for year := range h.cashDiv {
		seen(year)
	}
	for year := range h.stockDiv {
		seen(year)
	}
	if latest == 0 {
		return nil
	}

	first := latest - windowYears + 1
	if earliest > first {
		first = earliest
	}
	years := make([]int, 0, latest-first+1)
	for year := first; year <= latest; year++ {
		years = append(years, year)
	}
	return years
}

// roe = annual profit / average equity, where average equity is the mean of
// the prior year-end and current year-end equity (falling back to whichever
// exists). 與 GoodInfo 等網站的算法一致。
func (h history) roe(year int) decimal.NullDecimal {
	profit, ok := h.profit[year]
	if !ok {
		return decimal.NullDecimal{}
	}

	begin, hasBegin := h.equityQ4[year-1]
	end, hasEnd := h.equityQ4[year]

	var avgEquity decimal.Decimal
	switch {
	case hasBegin && hasEnd:
		avgEquity = begin.Add(end).Div(decimal.NewFromInt(2))
	case hasEnd:
		avgEquity = end
	case hasBegin:
		avgEquity = begin
	default:
		return decimal.NullDecimal{}
	}

	if avgEquity.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(profit.Div(avgEquity))
}

func (a *Aggregator) fillQuarterGrowth(row *Row, h history) {
	latest := 0
	for key := range h.cumEPS {
		if key.year > latest {
			latest = key.year
		}
	}

	for q := 1; q <= 4; q++ {
		qg := QuarterGrowth{Quarter: q}
		if latest != 0 {
			qg.CurrentEPS = lookup(h.cumEPS, seriesKey{latest, q})
			qg.PriorEPS = lookup(h.cumEPS, seriesKey{latest - 1, q})
			qg.Growth = GrowthRate(qg.PriorEPS, qg.CurrentEPS)
		}
		row.QuarterGrowth[q-1] = qg
	}
}

// fillTrailingFourQuarters derives single-quarter EPS from the cumulative
// series and sums the four most recent quarters, then compares against the
// prior full-year EPS.
func (a *Aggregator) fillTrailingFourQuarters(row *Row, h history) {
	var latest seriesKey
	for key := range h.cumEPS {
		if key.year > latest.year || (key.year == latest.year && key.quarter > latest.quarter) {
			latest = key
		}
	}
	if latest.year == 0 {
		return
	}

	sum := decimal.Zero
	any := false
	cursor := latest
	for i := 0; i < 4; i++ {
		if sq, ok := h.singleQuarterEPS(cursor); ok {
			sum = sum.Add(sq)
			any = true
		}
		if cursor.quarter == 1 {
			cursor = seriesKey{cursor.year - 1, 4}
		} else {
			cursor.quarter--
		}
	}
	if !any {
		return
	}
	row.Trailing4QEPS = decimal.NewNullDecimal(sum)

	priorAnnual := lookup(h.cumEPS, seriesKey{latest.year - 1, 4})
	row.Trailing4QGrowth = GrowthRate(priorAnnual, row.Trailing4QEPS)
}

// singleQuarterEPS un-accumulates the cumulative quarterly EPS series.
func (h history) singleQuarterEPS(key seriesKey) (decimal.Decimal, bool) {
	cum, ok := h.cumEPS[key]
	if !ok {
		return decimal.Decimal{}, false
	}
	if key.quarter == 1 {
		return cum, true
	}
	prev, ok := h.cumEPS[seriesKey{key.year, key.quarter - 1}]
	if !ok {
		return decimal.Decimal{}, false
	}
	return cum.Sub(prev), true
}

// RollingAverage is the null-aware mean over the most recent n entries of an
// oldest-first series. Reported only if at least ceil(n/2) non-null values
// exist in the window; otherwise explicitly absent.
func RollingAverage(series []decimal.NullDecimal, n int) decimal.NullDecimal {
	if n <= 0 {
		return decimal.NullDecimal{}
	}

	window := series
	if len(window) > n {
		window = window[len(window)-n:]
	}

	sum := decimal.Zero
	count := 0
	for _, v := range window {
		if v.Valid {
			sum = sum.Add(v.Decimal)
			count++
		}
	}

	minSamples := (n + 1) / 2
	if count < minSamples {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(int64(count))))
}

// GrowthRate computes (current - prior) / |prior|, undefined when prior is
// zero or either side is missing. Never divides by zero, never substitutes a
// sentinel.
func GrowthRate(prior, current decimal.NullDecimal) decimal.NullDecimal {
	if !prior.Valid || !current.Valid || prior.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(current.Decimal.Sub(prior.Decimal).Div(prior.Decimal.Abs()))
}

// payoutRatio = total dividend / EPS, undefined when EPS <= 0.
func payoutRatio(totalDividend, eps decimal.NullDecimal) decimal.NullDecimal {
	if !totalDividend.Valid || !eps.Valid || eps.Decimal.LessThanOrEqual(decimal.Zero) {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(totalDividend.Decimal.Div(eps.Decimal))
}

// dividendYield = total dividend / closing price basis, null when the basis
// is unavailable.
func dividendYield(totalDividend decimal.NullDecimal, close decimal.Decimal) decimal.NullDecimal {
	if !totalDividend.Valid || close.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(totalDividend.Decimal.Div(close))
}

// sumNullable adds two nullable values; null when both are null.
func sumNullable(a, b decimal.NullDecimal) decimal.NullDecimal {
	switch {
	case a.Valid && b.Valid:
		return decimal.NewNullDecimal(a.Decimal.Add(b.Decimal))
	case a.Valid:
		return a
	case b.Valid:
		return b
	}
	return decimal.NullDecimal{}
}

func lookup[K comparable](m map[K]decimal.Decimal, key K) decimal.NullDecimal {
	if v, ok := m[key]; ok {
		return decimal.NewNullDecimal(v)
	}
	return decimal.NullDecimal{}
}
