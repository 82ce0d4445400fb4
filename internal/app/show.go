package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// Show prints store statistics, outstanding fetch failures, and recent
// restatements.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	observations, err := store.CountObservations(ctx)
	if err != nil {
		return err
	}
	securities, err := store.ListSecurities(ctx)
	if err != nil {
		return err
	}
	failures, err := store.ListFailures(ctx)
	if err != nil {
		return err
	}
	restatements, err := store.ListRestatements(ctx, opts.Limit)
	if err != nil {
		return err
	}

	fmt.Printf("securities: %d\n", len(securities))
	fmt.Printf("observations: %d\n", observations)
	fmt.Printf("outstanding failures: %d\n", len(failures))
	fmt.Printf("recent restatements: %d\n\n", len(restatements))

	if len(failures) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UNIT\tRETRYABLE\tATTEMPTS\tLAST ERROR")
		shown := 0
		for _, f := range failures {
			if shown >= opts.Limit {
				break
			}
			fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", f.Unit.Key(), f.Retryable, f.Attempts, f.LastError)
			shown++
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println()
	}

	if len(restatements) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UNIT\tFIELD\tOLD\tNEW\tFETCHED")
		for _, r := range restatements {
			oldVal, newVal := "-", "-"
			if r.OldValue != nil {
				oldVal = *r.OldValue
			}
			if r.NewValue != nil {
				newVal = *r.NewValue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Unit.Key(), r.Field, oldVal, newVal, r.FetchedAt.Format("2006-01-02 15:04"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	return nil
}
