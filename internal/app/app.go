package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dividend-screener/internal/config"
	"dividend-screener/internal/fetcher"
	"dividend-screener/internal/market"
	"dividend-screener/internal/metrics"
	"dividend-screener/internal/pipeline"
	"dividend-screener/internal/planner"
	"dividend-screener/internal/quota"
	"dividend-screener/internal/scheduler"
	"dividend-screener/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// RunOptions configure the run command.
type RunOptions struct {
	Daemon bool
}

// ExportOptions hold parameters for exporting the metrics table.
type ExportOptions struct {
	CSVPath string
	PNGPath string
	MaxRows int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PlanOptions configure the plan dry-run.
type PlanOptions struct {
	Limit int
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool).WithLogger(a.Logger)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) markets() []market.Market {
	markets := make([]market.Market, 0, len(a.Config.Universe.Markets))
	for _, m := range a.Config.Universe.Markets {
		markets = append(markets, market.Market(m))
	}
	return markets
}

func (a *App) newUniverse() fetcher.UniverseProvider {
	return fetcher.NewExchangeUniverse(fetcher.UniverseOptions{
		TWSEBaseURL: a.Config.Fetch.TWSEBaseURL,
		TPEXBaseURL: a.Config.Fetch.TPEXBaseURL,
		Timeout:     a.Config.Fetch.RequestTimeout,
		UserAgent:   a.Config.Fetch.UserAgent,
		MinPrice:    decimal.NewFromFloat(a.Config.Universe.MinPrice),
		Markets:     a.markets(),
	}, a.Logger)
}

func (a *App) newCoordinator(store *storage.Store) (*pipeline.Coordinator, error) {
	ledger, err := quota.NewLedger(a.Config.Quota.Limit, a.Config.Quota.Window)
	if err != nil {
		return nil, err
	}

	pln := planner.New(planner.Options{
		YearsBack:   a.Config.Planner.YearsBack,
		MaxRetries:  a.Config.Planner.MaxRetries,
		PriceMaxAge: a.Config.Planner.PriceMaxAge,
	}, store, store, a.Logger)

	reports := fetcher.NewReportClient(fetcher.ReportOptions{
		BaseURL:   a.Config.Fetch.MOPSBaseURL,
		Timeout:   a.Config.Fetch.RequestTimeout,
		UserAgent: a.Config.Fetch.UserAgent,
	}, a.Logger)

	aggregator := metrics.New(metrics.Options{
		WindowYears: a.Config.Metrics.WindowYears,
	}, store, store, a.Logger)

	return pipeline.New(pipeline.Options{
		BatchSize:   a.Config.Planner.BatchSize,
		Parallelism: a.Config.Fetch.Parallelism,
	}, ledger, pln, reports, a.newUniverse(), store, aggregator, a.Logger), nil
}

// Run executes the pipeline once, or on an aligned schedule with --daemon.
// A postgres advisory lock guarantees the single-writer discipline.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	coordinator, err := a.newCoordinator(store)
	if err != nil {
		return err
	}

	runOnce := func(ctx context.Context) error {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, a.Config.Scheduler.AdvisoryLockKey)
		if lockErr != nil {
			return fmt.Errorf("acquire run lock: %w", lockErr)
		}
		if !acquired {
			a.Logger.Warn().Msg("另一個 run 正在執行，跳過")
			return nil
		}
		defer unlock()

		summary, runErr := coordinator.Run(ctx)
		if runErr != nil {
			return runErr
		}
		a.logSummary(summary)
		return nil
	}

	if !opts.Daemon {
		err = runOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting scheduled runs")
	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return runOnce(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) logSummary(summary pipeline.Summary) {
	event := a.Logger.Info().
		Int("planned", summary.Planned).
		Int("fetched", summary.Fetched).
		Int("deferrals", summary.Deferrals).
		Int("failures", len(summary.Failures)).
		Int("permanently_missing", len(summary.PermanentlyMissing)).
		Int("rows", len(summary.Rows))
	if len(summary.SecurityErrors) > 0 {
		codes := make([]string, 0, len(summary.SecurityErrors))
		for code := range summary.SecurityErrors {
			codes = append(codes, code)
		}
		event = event.Strs("errored_securities", codes)
	}
	event.Msg("run summary")
}
