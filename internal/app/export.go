package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"dividend-screener/internal/metrics"
	"dividend-screener/internal/storage"
)

// Export recomputes the metrics table from the history store and renders it
// as CSV and/or a PNG chart of the top 3-year average yields.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := a.computeTable(ctx, store, opts.MaxRows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no securities with stored history; nothing to export")
		return nil
	}

	a.Logger.Info().Int("rows", len(rows)).Msg("exporting metrics table")

	if opts.CSVPath != "" {
		if err := writeMetricsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeYieldChartPNG(opts.PNGPath, rows); err != nil {
			return err
		}
	}
	return nil
}

// computeTable derives rows for every stored security above the price floor.
func (a *App) computeTable(ctx context.Context, store *storage.Store, maxRows int) ([]metrics.Row, error) {
	securities, err := store.ListSecurities(ctx)
	if err != nil {
		return nil, err
	}

	aggregator := metrics.New(metrics.Options{
		WindowYears: a.Config.Metrics.WindowYears,
	}, store, store, a.Logger)

	floor := decimal.NewFromFloat(a.Config.Universe.MinPrice)
	rows := make([]metrics.Row, 0, len(securities))
	for _, sec := range securities {
		if sec.LatestClose.LessThan(floor) {
			continue
		}
		row, computeErr := aggregator.Compute(ctx, sec.Code)
		if computeErr != nil && !errors.Is(computeErr, metrics.ErrInsufficientData) {
			a.Logger.Error().Err(computeErr).Str("code", sec.Code).Msg("skip security in export")
			continue
		}
		rows = append(rows, row)
		if len(rows) >= maxRows {
			break
		}
	}
	return rows, nil
}

func writeMetricsCSV(path string, rows []metrics.Row) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	years := collectYears(rows)

	header := []string{"code", "name", "market", "close", "close_date"}
	for _, y := range years {
		header = append(header,
			fmt.Sprintf("eps_%d", y),
			fmt.Sprintf("dividend_%d", y),
			fmt.Sprintf("yield_%d", y),
			fmt.Sprintf("roe_%d", y),
		)
	}
	for _, n := range metrics.AverageWindows {
		header = append(header,
			fmt.Sprintf("avg_dividend_%dy", n),
			fmt.Sprintf("avg_payout_%dy", n),
			fmt.Sprintf("avg_yield_%dy", n),
			fmt.Sprintf("avg_roe_%dy", n),
		)
	}
	header = append(header, "yield_latest", "yield_prev1", "yield_prev2")
	for q := 1; q <= 4; q++ {
		header = append(header,
			fmt.Sprintf("q%d_eps_prior", q),
			fmt.Sprintf("q%d_eps_current", q),
			fmt.Sprintf("q%d_eps_growth", q),
		)
	}
	header = append(header, "trailing_4q_eps", "trailing_4q_growth")

	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		byYear := make(map[int]metrics.YearMetrics, len(row.Years))
		for _, ym := range row.Years {
			byYear[ym.Year] = ym
		}

		record := []string{row.Code, row.Name, row.Market, row.LatestClose.String(), formatDate(row.LatestCloseDate)}
		for _, y := range years {
			ym := byYear[y]
			record = append(record, nullStr(ym.EPS), nullStr(ym.TotalDividend), nullStr(ym.Yield), nullStr(ym.ROE))
		}
		for _, avg := range row.Averages {
			record = append(record, nullStr(avg.Dividend), nullStr(avg.PayoutRatio), nullStr(avg.Yield), nullStr(avg.ROE))
		}
		for _, y := range row.RecentYields {
			record = append(record, nullStr(y))
		}
		for _, qg := range row.QuarterGrowth {
			record = append(record, nullStr(qg.PriorEPS), nullStr(qg.CurrentEPS), nullStr(qg.Growth))
		}
		record = append(record, nullStr(row.Trailing4QEPS), nullStr(row.Trailing4QGrowth))

		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

const chartTopN = 20

// writeYieldChartPNG renders the highest 3-year average yields as bars.
func writeYieldChartPNG(path string, rows []metrics.Row) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type entry struct {
		code  string
		value float64
	}
	entries := make([]entry, 0, len(rows))
	for _, row := range rows {
		for _, avg := range row.Averages {
			if avg.Years == 3 && avg.Yield.Valid {
				entries = append(entries, entry{code: row.Code, value: avg.Yield.Decimal.InexactFloat64()})
			}
		}
	}
	if len(entries) == 0 {
		return errors.New("no securities with a 3-year average yield to chart")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].value > entries[j].value })
	if len(entries) > chartTopN {
		entries = entries[:chartTopN]
	}

	bars := make([]chart.Value, 0, len(entries))
	for _, e := range entries {
		bars = append(bars, chart.Value{Label: e.code, Value: e.value})
	}

	graph := chart.BarChart{
		Title:    "3-year average dividend yield",
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Bars:     bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func collectYears(rows []metrics.Row) []int {
	seen := make(map[int]struct{})
	for _, row := range rows {
		for _, ym := range row.Years {
			seen[ym.Year] = struct{}{}
		}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

func nullStr(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
