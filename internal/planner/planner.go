package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"dividend-screener/internal/market"
	"dividend-screener/internal/storage"
)

// rocEpochYear converts Gregorian to ROC fiscal years (民國紀年).
const rocEpochYear = 1911

// Options tune plan computation.
type Options struct {
	YearsBack   int
	MaxRetries  int
	PriceMaxAge time.Duration
}

// Plan is the ordered fetch work for one pass, together with units excluded
// because their retry budget is spent or the failure is permanent.
type Plan struct {
	Units              []market.FetchUnit
	PermanentlyMissing []market.FetchUnit
}

// Planner computes the minimal set of still-missing (security, period, kind)
// units against the history store's current coverage. Repeated passes strictly
// shrink the missing set: a unit stored once is never re-requested unless the
// staleness rule for volatile kinds triggers.
type Planner struct {
	opts     Options
	store    storage.HistoryStore
	failures storage.FailureStore
	now      func() time.Time
	logger   zerolog.Logger
}

// New constructs a Planner.
func New(opts Options, store storage.HistoryStore, failures storage.FailureStore, logger zerolog.Logger) *Planner {
	if opts.YearsBack <= 0 {
		opts.YearsBack = 10
	}
	return &Planner{
		opts:     opts,
		store:    store,
		failures: failures,
		now:      time.Now,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// WithClock overrides the planner's time source.
func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.now = clock
	return p
}

// Compute builds the fetch plan for the given universe.
func (p *Planner) Compute(ctx context.Context, universe []market.Security) (Plan, error) {
	now := p.now()
	required := p.requiredUnits(universe, now)
	if len(required) == 0 {
		return Plan{}, nil
	}

	covered, err := p.store.Coverage(ctx, required)
	if err != nil {
		return Plan{}, fmt.Errorf("query coverage: %w", err)
	}

	exhausted, err := p.exhaustedUnits(ctx)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{}
	for _, unit := range required {
		if fetchedAt, ok := covered[unit.Key()]; ok && !p.stale(unit, fetchedAt, now) {
			continue
		}
		if _, gone := exhausted[unit.Key()]; gone {
			plan.PermanentlyMissing = append(plan.PermanentlyMissing, unit)
			continue
		}
		plan.Units = append(plan.Units, unit)
	}

	orderUnits(plan.Units)
	orderUnits(plan.PermanentlyMissing)

	p.logger.Info().
		Int("required", len(required)).
		Int("missing", len(plan.Units)).
		Int("permanently_missing", len(plan.PermanentlyMissing)).
		Msg("fetch plan computed")
	return plan, nil
}

// requiredUnits enumerates the unit universe: quarterly statements and annual
// dividends for the trailing fiscal window, plus one price unit per security.
func (p *Planner) requiredUnits(universe []market.Security, now time.Time) []market.FetchUnit {
	latest := now.Year() - rocEpochYear
	first := latest - p.opts.YearsBack + 1

	units := make([]market.FetchUnit, 0, len(universe)*p.opts.YearsBack*9)
	for _, sec := range universe {
		for year := first; year <= latest; year++ {
			for _, kind := range []market.ReportKind{market.KindIncomeStatement, market.KindBalanceSheet, market.KindCashFlow} {
				for quarter := 1; quarter <= 4; quarter++ {
					period := market.Quarterly(year, quarter)
					if !disclosable(period, now) {
						continue
					}
					units = append(units, market.FetchUnit{Code: sec.Code, Period: period, Kind: kind})
				}
			}
			period := market.Annual(year)
			if disclosable(period, now) {
				units = append(units, market.FetchUnit{Code: sec.Code, Period: period, Kind: market.KindDividend})
			}
		}
		units = append(units, market.FetchUnit{
			Code:   sec.Code,
			Period: market.Annual(latest),
			Kind:   market.KindPrice,
		})
	}
	return units
}

// disclosable reports whether the fiscal period has ended, so a disclosure can
// exist at all. Annual dividend announcements follow the year they cover.
func disclosable(p market.Period, now time.Time) bool {
	endYear := p.Year + rocEpochYear
	endMonth := time.December
	if !p.IsAnnual() {
		endMonth = time.Month(p.Quarter * 3)
	}
	end := time.Date(endYear, endMonth+1, 1, 0, 0, 0, 0, time.UTC)
	return end.Before(now) || end.Equal(now)
}

// stale applies the volatile-kind freshness rule. Financial statements never
// go stale once fetched; restatements are handled through the audit log.
func (p *Planner) stale(unit market.FetchUnit, fetchedAt time.Time, now time.Time) bool {
	if unit.Kind != market.KindPrice {
		return false
	}
	if p.opts.PriceMaxAge <= 0 {
		return false
	}
	return now.Sub(fetchedAt) > p.opts.PriceMaxAge
}

// exhaustedUnits collects units that must not be re-requested: non-retryable
// failures, and retryable ones past the retry budget.
func (p *Planner) exhaustedUnits(ctx context.Context) (map[string]struct{}, error) {
	exhausted := make(map[string]struct{})
	if p.failures == nil {
		return exhausted, nil
	}
	records, err := p.failures.ListFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fetch failures: %w", err)
	}
	for _, rec := range records {
		if !rec.Retryable || rec.Attempts > p.opts.MaxRetries {
			exhausted[rec.Unit.Key()] = struct{}{}
		}
	}
	return exhausted, nil
}

var kindOrder = map[market.ReportKind]int{
	market.KindIncomeStatement: 0,
	market.KindBalanceSheet:    1,
	market.KindCashFlow:        2,
	market.KindDividend:        3,
	market.KindPrice:           4,
}

// orderUnits groups by report kind so same-shape requests batch together, and
// fills oldest periods first so an interrupted run keeps a useful prefix.
func orderUnits(units []market.FetchUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Period != b.Period {
			return a.Period.Before(b.Period)
		}
		return a.Code < b.Code
	})
}
