package storage

import (
	"time"

	"dividend-screener/internal/market"
)

// FailureRecord tracks fetch failures per unit so retry budgets survive
// process restarts.
type FailureRecord struct {
	Unit      market.FetchUnit
	Retryable bool
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// RestatementRecord is one audited overwrite of a previously non-null field.
type RestatementRecord struct {
	ID        int64
	Unit      market.FetchUnit
	Field     string
	OldValue  *string
	NewValue  *string
	FetchedAt time.Time
	CreatedAt time.Time
}
