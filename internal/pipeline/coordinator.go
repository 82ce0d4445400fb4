package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dividend-screener/internal/fetcher"
	"dividend-screener/internal/market"
	"dividend-screener/internal/metrics"
	"dividend-screener/internal/planner"
	"dividend-screener/internal/quota"
	"dividend-screener/internal/storage"
)

// Store is the persistence surface the coordinator needs. The single pg store
// satisfies all of it; tests substitute an in-memory fake.
type Store interface {
	storage.HistoryStore
	storage.SecurityStore
	storage.FailureStore
}

// RowComputer derives one security's metrics row.
type RowComputer interface {
	Compute(ctx context.Context, code string) (metrics.Row, error)
}

// Options tune a coordinator run.
type Options struct {
	BatchSize   int
	Parallelism int
}

// Coordinator drives one run: plan missing units, fetch them under the quota
// ledger, merge into the store, then aggregate metrics rows. All state needed
// for recovery lives in the store, so an interrupted run resumes by simply
// planning again.
type Coordinator struct {
	opts     Options
	ledger   *quota.Ledger
	planner  *planner.Planner
	fetch    fetcher.ObservationFetcher
	universe fetcher.UniverseProvider
	store    Store
	rows     RowComputer
	logger   zerolog.Logger

	tracker statusTracker
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	lastTable []metrics.Row
}

// New constructs a Coordinator.
func New(opts Options, ledger *quota.Ledger, pln *planner.Planner, fetch fetcher.ObservationFetcher, universe fetcher.UniverseProvider, store Store, rows RowComputer, logger zerolog.Logger) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Coordinator{
		opts:     opts,
		ledger:   ledger,
		planner:  pln,
		fetch:    fetch,
		universe: universe,
		store:    store,
		rows:     rows,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		sleep:    sleepCtx,
	}
}

// WithSleep overrides the deferred-wait sleeper. Used by tests to avoid real
// delays.
func (c *Coordinator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Coordinator {
	c.sleep = sleep
	return c
}

// GetRunStatus reports the current {state, units remaining, next retry}.
func (c *Coordinator) GetRunStatus() Status {
	return c.tracker.get()
}

// GetMetricsTable returns the last completed run's rows, ordered by code.
func (c *Coordinator) GetMetricsTable() []metrics.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table := make([]metrics.Row, len(c.lastTable))
	copy(table, c.lastTable)
	return table
}

// Run executes the full pipeline once.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	summary := Summary{SecurityErrors: make(map[string]string)}

	c.tracker.set(StatePlanning, 0, nil)
	securities, err := c.refreshUniverse(ctx)
	if err != nil {
		return summary, err
	}

	firstPass := true
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		c.tracker.set(StatePlanning, 0, nil)
		plan, err := c.planner.Compute(ctx, securities)
		if err != nil {
			return summary, fmt.Errorf("plan fetch units: %w", err)
		}
		if firstPass {
			summary.Planned = len(plan.Units)
			firstPass = false
		}
		summary.PermanentlyMissing = plan.PermanentlyMissing
		if len(plan.Units) == 0 {
			break
		}

		batch, retryAt, err := c.reserveBatch(plan.Units)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			summary.Deferrals++
			c.tracker.set(StateDeferred, len(plan.Units), &retryAt)
			c.logger.Info().Time("retry_at", retryAt).Int("remaining", len(plan.Units)).Msg("quota exhausted, deferring")
			if err := c.sleep(ctx, time.Until(retryAt)); err != nil {
				return summary, err
			}
			continue
		}

		c.tracker.set(StateFetching, len(plan.Units), nil)
		results, failures := c.fetchBatch(ctx, batch)
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		c.tracker.set(StateMerging, len(plan.Units)-len(results), nil)
		merged, mergeErr := c.mergeBatch(ctx, results)
		summary.Fetched += merged
		if mergeErr != nil {
			return summary, mergeErr
		}

		for _, f := range failures {
			rec, recErr := c.recordFailure(ctx, f)
			if recErr != nil {
				return summary, recErr
			}
			summary.Failures = append(summary.Failures, rec)
		}
	}

	c.tracker.set(StateAggregating, 0, nil)
	rows, secErrs, err := c.aggregate(ctx, securities)
	if err != nil {
		return summary, err
	}
	summary.Rows = rows
	for code, msg := range secErrs {
		summary.SecurityErrors[code] = msg
	}

	c.mu.Lock()
	c.lastTable = rows
	c.mu.Unlock()

	c.tracker.set(StateDone, 0, nil)
	c.logger.Info().
		Int("planned", summary.Planned).
		Int("fetched", summary.Fetched).
		Int("failures", len(summary.Failures)).
		Int("permanently_missing", len(summary.PermanentlyMissing)).
		Int("rows", len(summary.Rows)).
		Msg("run complete")
	return summary, nil
}

// refreshUniverse lists the day's securities and refreshes the store's copy.
func (c *Coordinator) refreshUniverse(ctx context.Context) ([]market.Security, error) {
	securities, err := c.universe.ListSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list securities: %w", err)
	}
	for _, sec := range securities {
		if err := c.store.UpsertSecurity(ctx, sec); err != nil {
			return nil, fmt.Errorf("refresh security %s: %w", sec.Code, err)
		}
	}
	c.logger.Info().Int("securities", len(securities)).Msg("universe refreshed")
	return securities, nil
}

// reserveBatch asks the ledger for the next batch. On partial quota it shrinks
// the batch to what is grantable; with zero quota it returns the retry time.
func (c *Coordinator) reserveBatch(units []market.FetchUnit) ([]market.FetchUnit, time.Time, error) {
	n := len(units)
	if n > c.opts.BatchSize {
		n = c.opts.BatchSize
	}
	// Reserve errors on n > limit, so an oversized batch config must shrink to
	// the window budget rather than abort the run.
	if limit := c.ledger.Limit(); n > limit {
		n = limit
	}

	res, err := c.ledger.Reserve(n)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reserve quota: %w", err)
	}
	if res.Granted {
		return units[:n], time.Time{}, nil
	}

	if remaining := c.ledger.Remaining(); remaining > 0 {
		partial, err := c.ledger.Reserve(remaining)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("reserve partial quota: %w", err)
		}
		if partial.Granted {
			return units[:remaining], time.Time{}, nil
		}
	}
	return nil, res.RetryAt, nil
}

type fetchFailure struct {
	unit      market.FetchUnit
	retryable bool
	message   string
}

// fetchBatch retrieves the batch with bounded parallelism. Fetch failures are
// collected, never propagated.
func (c *Coordinator) fetchBatch(ctx context.Context, batch []market.FetchUnit) ([]market.Observation, []fetchFailure) {
	var (
		mu       sync.Mutex
		results  []market.Observation
		failures []fetchFailure
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Parallelism)
	for _, unit := range batch {
		unit := unit
		group.Go(func() error {
			obs, err := c.fetch.Fetch(groupCtx, unit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fetchFailure{
					unit:      unit,
					retryable: fetcher.IsRetryable(err),
					message:   err.Error(),
				})
				return nil
			}
			results = append(results, obs)
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Unit().Key() < results[j].Unit().Key() })
	sort.Slice(failures, func(i, j int) bool { return failures[i].unit.Key() < failures[j].unit.Key() })
	return results, failures
}

// mergeBatch commits fetched observations. A unit only counts as covered once
// its upsert has committed, so a crash mid-merge re-plans the rest.
func (c *Coordinator) mergeBatch(ctx context.Context, results []market.Observation) (int, error) {
	merged := 0
	for _, obs := range results {
		if err := c.store.UpsertObservation(ctx, obs); err != nil {
			return merged, fmt.Errorf("merge %s: %w", obs.Unit(), err)
		}
		if err := c.store.ClearFailure(ctx, obs.Unit()); err != nil {
			return merged, fmt.Errorf("clear failure %s: %w", obs.Unit(), err)
		}
		merged++
	}
	return merged, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, f fetchFailure) (UnitFailure, error) {
	attempts, err := c.store.RecordFailure(ctx, f.unit, f.retryable, f.message)
	if err != nil {
		return UnitFailure{}, fmt.Errorf("record failure %s: %w", f.unit, err)
	}
	c.logger.Warn().
		Str("unit", f.unit.Key()).
		Bool("retryable", f.retryable).
		Int("attempts", attempts).
		Str("error", f.message).
		Msg("fetch failed")
	return UnitFailure{Unit: f.unit, Retryable: f.retryable, Attempts: attempts, Message: f.message}, nil
}

// aggregate computes rows for every security in the universe. Insufficient
// data is non-fatal; per-security hard failures are collected, never abort
// the run.
func (c *Coordinator) aggregate(ctx context.Context, securities []market.Security) ([]metrics.Row, map[string]string, error) {
	var (
		mu      sync.Mutex
		rows    []metrics.Row
		secErrs = make(map[string]string)
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Parallelism)
	for _, sec := range securities {
		sec := sec
		group.Go(func() error {
			row, err := c.rows.Compute(groupCtx, sec.Code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil, errors.Is(err, metrics.ErrInsufficientData):
				rows = append(rows, row)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				secErrs[sec.Code] = err.Error()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })
	return rows, secErrs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
