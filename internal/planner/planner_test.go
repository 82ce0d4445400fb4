package planner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dividend-screener/internal/market"
	"dividend-screener/internal/storage"
)

type memCoverage struct {
	covered map[string]time.Time
}

func newMemCoverage() *memCoverage {
	return &memCoverage{covered: make(map[string]time.Time)}
}

func (m *memCoverage) UpsertObservation(ctx context.Context, obs market.Observation) error {
	m.covered[obs.Unit().Key()] = obs.FetchedAt
	return nil
}

func (m *memCoverage) GetObservations(ctx context.Context, code string) ([]market.Observation, error) {
	return nil, nil
}

func (m *memCoverage) Coverage(ctx context.Context, units []market.FetchUnit) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, u := range units {
		if at, ok := m.covered[u.Key()]; ok {
			out[u.Key()] = at
		}
	}
	return out, nil
}

type memFailures struct {
	records []storage.FailureRecord
}

func (m *memFailures) RecordFailure(ctx context.Context, unit market.FetchUnit, retryable bool, msg string) (int, error) {
	m.records = append(m.records, storage.FailureRecord{Unit: unit, Retryable: retryable, Attempts: 1, LastError: msg})
	return 1, nil
}

func (m *memFailures) ListFailures(ctx context.Context) ([]storage.FailureRecord, error) {
	return m.records, nil
}

func (m *memFailures) ClearFailure(ctx context.Context, unit market.FetchUnit) error {
	return nil
}

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) // ROC 年 114, Q2 未結束

func testPlanner(store storage.HistoryStore, failures storage.FailureStore, opts Options) *Planner {
	return New(opts, store, failures, zerolog.Nop()).WithClock(func() time.Time { return testNow })
}

func universeOf(codes ...string) []market.Security {
	secs := make([]market.Security, 0, len(codes))
	for _, code := range codes {
		secs = append(secs, market.Security{Code: code, Market: market.MarketListed})
	}
	return secs
}

func TestComputeEnumeratesDisclosablePeriods(t *testing.T) {
	store := newMemCoverage()
	p := testPlanner(store, &memFailures{}, Options{YearsBack: 2})

	plan, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// 113 全年四季 + 114 Q1，三種報表；股利僅 113 年度；價格一筆。
	want := 3*5 + 1 + 1
	if len(plan.Units) != want {
		t.Fatalf("units = %d, want %d", len(plan.Units), want)
	}

	for _, unit := range plan.Units {
		if unit.Kind == market.KindIncomeStatement && unit.Period.Year == 114 && unit.Period.Quarter > 1 {
			t.Fatalf("未結束的季度不應出現在計畫內: %s", unit)
		}
	}
}

func TestComputeOrdersByKindThenOldestPeriod(t *testing.T) {
	store := newMemCoverage()
	p := testPlanner(store, &memFailures{}, Options{YearsBack: 3})

	plan, err := p.Compute(context.Background(), universeOf("2330", "1101"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	lastKindRank := -1
	var lastPeriod market.Period
	for _, unit := range plan.Units {
		rank := kindOrder[unit.Kind]
		if rank < lastKindRank {
			t.Fatalf("report kind 應分組排序, got %s after rank %d", unit.Kind, lastKindRank)
		}
		if rank > lastKindRank {
			lastKindRank = rank
			lastPeriod = unit.Period
			continue
		}
		if unit.Period.Before(lastPeriod) {
			t.Fatalf("同類報表應由最舊期間開始: %s after %s", unit.Period, lastPeriod)
		}
		lastPeriod = unit.Period
	}
}

func TestComputeSkipsCoveredUnits(t *testing.T) {
	store := newMemCoverage()
	p := testPlanner(store, &memFailures{}, Options{YearsBack: 2})

	first, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// 存入第一個單位後重新規劃，缺口應正好少一。
	unit := first.Units[0]
	err = store.UpsertObservation(context.Background(), market.Observation{
		Code: unit.Code, Period: unit.Period, Kind: unit.Kind, FetchedAt: testNow,
	})
	if err != nil {
		t.Fatalf("UpsertObservation: %v", err)
	}

	second, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(second.Units) != len(first.Units)-1 {
		t.Fatalf("units = %d, want %d", len(second.Units), len(first.Units)-1)
	}
	for _, u := range second.Units {
		if u.Key() == unit.Key() {
			t.Fatal("已覆蓋的單位不應重複出現")
		}
	}
}

func TestComputeConvergesWithoutRerequesting(t *testing.T) {
	store := newMemCoverage()
	p := testPlanner(store, &memFailures{}, Options{YearsBack: 3, PriceMaxAge: 365 * 24 * time.Hour})

	requested := make(map[string]int)
	passes := 0
	for {
		plan, err := p.Compute(context.Background(), universeOf("2330", "1101", "2412"))
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if len(plan.Units) == 0 {
			break
		}
		passes++
		if passes > 10 {
			t.Fatal("計畫未收斂")
		}
		for _, unit := range plan.Units {
			requested[unit.Key()]++
			obs := market.Observation{Code: unit.Code, Period: unit.Period, Kind: unit.Kind, FetchedAt: testNow}
			if err := store.UpsertObservation(context.Background(), obs); err != nil {
				t.Fatalf("UpsertObservation: %v", err)
			}
		}
	}

	for key, count := range requested {
		if count > 1 {
			t.Fatalf("unit %s 被重複要求 %d 次", key, count)
		}
	}
}

func TestComputePriceStaleness(t *testing.T) {
	store := newMemCoverage()
	p := testPlanner(store, &memFailures{}, Options{YearsBack: 1, PriceMaxAge: 24 * time.Hour})

	plan, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for _, unit := range plan.Units {
		obs := market.Observation{Code: unit.Code, Period: unit.Period, Kind: unit.Kind, FetchedAt: testNow.Add(-48 * time.Hour)}
		if err := store.UpsertObservation(context.Background(), obs); err != nil {
			t.Fatalf("UpsertObservation: %v", err)
		}
	}

	second, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// 財報一旦入庫不會過期；只有價格超過 max age 需要重抓。
	if len(second.Units) != 1 {
		t.Fatalf("units = %d, want 1 (stale price only)", len(second.Units))
	}
	if second.Units[0].Kind != market.KindPrice {
		t.Fatalf("stale unit kind = %s, want price", second.Units[0].Kind)
	}
}

func TestComputeExcludesExhaustedUnits(t *testing.T) {
	store := newMemCoverage()
	failures := &memFailures{}
	p := testPlanner(store, failures, Options{YearsBack: 1, MaxRetries: 2})

	base, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	permanent := base.Units[0]
	retryableSpent := base.Units[1]
	stillRetryable := base.Units[2]
	failures.records = []storage.FailureRecord{
		{Unit: permanent, Retryable: false, Attempts: 1},
		{Unit: retryableSpent, Retryable: true, Attempts: 3},
		{Unit: stillRetryable, Retryable: true, Attempts: 2},
	}

	plan, err := p.Compute(context.Background(), universeOf("2330"))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if len(plan.PermanentlyMissing) != 2 {
		t.Fatalf("permanently missing = %d, want 2", len(plan.PermanentlyMissing))
	}
	for _, unit := range plan.Units {
		if unit.Key() == permanent.Key() || unit.Key() == retryableSpent.Key() {
			t.Fatalf("耗盡重試額度的單位不應再被規劃: %s", unit)
		}
	}
	found := false
	for _, unit := range plan.Units {
		if unit.Key() == stillRetryable.Key() {
			found = true
		}
	}
	if !found {
		t.Fatal("重試額度內的單位應保留在計畫中")
	}
}
