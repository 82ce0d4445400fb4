package app

import (
	"context"
	"fmt"

	"dividend-screener/internal/planner"
)

// Plan is the dry-run: compute the missing-unit plan against the store's
// current coverage without fetching anything.
func (a *App) Plan(ctx context.Context, opts PlanOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	universe, err := a.newUniverse().ListSecurities(ctx)
	if err != nil {
		return err
	}

	pln := planner.New(planner.Options{
		YearsBack:   a.Config.Planner.YearsBack,
		MaxRetries:  a.Config.Planner.MaxRetries,
		PriceMaxAge: a.Config.Planner.PriceMaxAge,
	}, store, store, a.Logger)

	plan, err := pln.Compute(ctx, universe)
	if err != nil {
		return err
	}

	fmt.Printf("universe: %d securities\n", len(universe))
	fmt.Printf("missing units: %d\n", len(plan.Units))
	fmt.Printf("permanently missing: %d\n\n", len(plan.PermanentlyMissing))

	for i, unit := range plan.Units {
		if i >= opts.Limit {
			fmt.Printf("... and %d more\n", len(plan.Units)-opts.Limit)
			break
		}
		fmt.Println(unit.Key())
	}
	return nil
}
