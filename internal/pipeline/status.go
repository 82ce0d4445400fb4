package pipeline

import (
	"sync"
	"time"

	"dividend-screener/internal/market"
	"dividend-screener/internal/metrics"
)

// State names the coordinator's run phase. Transitions follow
// Planning → Fetching → Merging → Aggregating → Done, with Fetching able to
// fall back through Deferred to Planning after the quota wait.
type State string

const (
	StateIdle        State = "idle"
	StatePlanning    State = "planning"
	StateFetching    State = "fetching"
	StateDeferred    State = "deferred"
	StateMerging     State = "merging"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
)

// Status is the observable run state.
type Status struct {
	State          State
	UnitsRemaining int
	NextRetryAt    *time.Time
}

// UnitFailure records one failed fetch with its classification.
type UnitFailure struct {
	Unit      market.FetchUnit
	Retryable bool
	Attempts  int
	Message   string
}

// Summary is the per-run result artifact: the metrics table plus collected
// failures. Per-unit and per-security problems are surfaced here instead of
// aborting the run.
type Summary struct {
	Planned            int
	Fetched            int
	Deferrals          int
	Failures           []UnitFailure
	PermanentlyMissing []market.FetchUnit
	Rows               []metrics.Row
	SecurityErrors     map[string]string
}

// statusTracker guards concurrent status reads during a run.
type statusTracker struct {
	mu     sync.RWMutex
	status Status
}

func (t *statusTracker) set(state State, remaining int, retryAt *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = Status{State: state, UnitsRemaining: remaining, NextRetryAt: retryAt}
}

func (t *statusTracker) get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}
