package fetcher

import (
	"context"
	"errors"
	"fmt"

	"dividend-screener/internal/market"
)

// ObservationFetcher retrieves one raw observation per fetch unit. Failures
// are reported as *FetchError so the caller can classify retryability.
type ObservationFetcher interface {
	Fetch(ctx context.Context, unit market.FetchUnit) (market.Observation, error)
}

// UniverseProvider lists the day's tradable, price-filtered securities.
type UniverseProvider interface {
	ListSecurities(ctx context.Context) ([]market.Security, error)
}

// FetchError carries the retryable/non-retryable classification mandated for
// fetch failures: network and timeout problems are retryable, malformed or
// not-found responses are not.
type FetchError struct {
	Unit      market.FetchUnit
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	class := "non-retryable"
	if e.Retryable {
		class = "retryable"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Unit, class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable fetch failure. Errors that
// are not FetchErrors (context cancellation, programming errors) are treated
// as retryable so a planning pass can try again.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

func retryableErr(unit market.FetchUnit, err error) *FetchError {
	return &FetchError{Unit: unit, Retryable: true, Err: err}
}

func permanentErr(unit market.FetchUnit, err error) *FetchError {
	return &FetchError{Unit: unit, Retryable: false, Err: err}
}
