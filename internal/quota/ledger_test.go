package quota

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewLedgerRejectsMisconfiguration(t *testing.T) {
	if _, err := NewLedger(0, time.Hour); err == nil {
		t.Fatal("limit 0 應報錯")
	}
	if _, err := NewLedger(-5, time.Hour); err == nil {
		t.Fatal("負的 limit 應報錯")
	}
	if _, err := NewLedger(10, 0); err == nil {
		t.Fatal("window 0 應報錯")
	}
}

func TestReserveGrantsWithinBudget(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC))
	ledger, err := NewLedger(10, time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	res, err := ledger.Reserve(7)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.Granted {
		t.Fatal("7/10 應直接核准")
	}
	if got := ledger.Remaining(); got != 3 {
		t.Fatalf("Remaining = %d, want 3", got)
	}
}

func TestReserveDefersWithExactRetryTime(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	ledger, err := NewLedger(10, time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	if _, err := ledger.Reserve(6); err != nil {
		t.Fatalf("Reserve(6): %v", err)
	}

	clock.Advance(20 * time.Minute)
	if _, err := ledger.Reserve(4); err != nil {
		t.Fatalf("Reserve(4): %v", err)
	}

	// Budget is full. Reserving 5 needs the first 5 of the 6 oldest calls
	// (at t0) gone, so retry opens exactly one window after t0.
	res, err := ledger.Reserve(5)
	if err != nil {
		t.Fatalf("Reserve(5): %v", err)
	}
	if res.Granted {
		t.Fatal("超出額度不應核准")
	}
	wantRetry := start.Add(time.Hour)
	if !res.RetryAt.Equal(wantRetry) {
		t.Fatalf("RetryAt = %s, want %s", res.RetryAt, wantRetry)
	}
	if res.RetryAfter != 40*time.Minute {
		t.Fatalf("RetryAfter = %s, want 40m", res.RetryAfter)
	}
}

func TestReserveAfterWindowRollover(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC))
	ledger, err := NewLedger(5, time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	if _, err := ledger.Reserve(5); err != nil {
		t.Fatalf("Reserve(5): %v", err)
	}
	if res, _ := ledger.Reserve(1); res.Granted {
		t.Fatal("額度用盡不應再核准")
	}

	clock.Advance(time.Hour + time.Second)
	res, err := ledger.Reserve(5)
	if err != nil {
		t.Fatalf("Reserve after rollover: %v", err)
	}
	if !res.Granted {
		t.Fatal("視窗滾動後應重新核准")
	}
}

func TestReserveLargerThanLimit(t *testing.T) {
	ledger, err := NewLedger(5, time.Hour)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if _, err := ledger.Reserve(6); err == nil {
		t.Fatal("超過總額度的預約應報錯")
	}
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	const limit = 100
	clock := newFakeClock(time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC))
	ledger, err := NewLedger(limit, time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				res, err := ledger.Reserve(3)
				if err != nil {
					t.Errorf("Reserve: %v", err)
					return
				}
				if res.Granted {
					mu.Lock()
					granted += 3
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if granted > limit {
		t.Fatalf("核准總量 %d 超過上限 %d", granted, limit)
	}
	if ledger.Remaining() != limit-granted {
		t.Fatalf("Remaining = %d, want %d", ledger.Remaining(), limit-granted)
	}
}
