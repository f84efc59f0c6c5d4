package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/swapnest/escrowd/internal/metrics"
)

func TestScheduler_AutoReleasesPastGrace(t *testing.T) {
	gw := newMockGateway()
	store := NewMemoryStore()
	svc := NewService(store, gw, testLogger())
	ctx := context.Background()

	acknowledged := advance(t, svc, StatusSellerAcknowledged)
	completed := advance(t, svc, StatusDeliveryConfirmed)

	time.Sleep(5 * time.Millisecond)

	sched := NewScheduler(svc, store, time.Minute, time.Millisecond, 100, testLogger())
	sched.sweep(ctx)

	for _, id := range []string{acknowledged.ID, completed.ID} {
		got, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusReleased {
			t.Errorf("Escrow %s: expected status released, got %s", id, got.Status)
		}
		if !got.AutoReleased {
			t.Errorf("Escrow %s: expected AutoReleased", id)
		}
		if got.PayoutRef == "" {
			t.Errorf("Escrow %s: expected payout reference", id)
		}
	}
	if gw.transferCount() != 2 {
		t.Errorf("Expected 2 transfers, got %d", gw.transferCount())
	}
}

func TestScheduler_RespectsGraceWindow(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newMockGateway(), testLogger())
	ctx := context.Background()

	e := advance(t, svc, StatusSellerAcknowledged)

	sched := NewScheduler(svc, store, time.Minute, time.Hour, 100, testLogger())
	sched.sweep(ctx)

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusSellerAcknowledged {
		t.Errorf("Escrow inside grace window must be untouched, got %s", got.Status)
	}
}

func TestScheduler_SkipsDisputed(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newMockGateway(), testLogger())
	ctx := context.Background()

	e := advance(t, svc, StatusDeliveryConfirmed)
	if _, err := svc.Dispute(ctx, e.ID, e.Version, testBuyer, "wrong item"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	sched := NewScheduler(svc, store, time.Minute, time.Millisecond, 100, testLogger())
	sched.sweep(ctx)

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusDisputed {
		t.Errorf("Disputed escrow must never auto-release, got %s", got.Status)
	}
}

func TestScheduler_RetriesStuckPayout(t *testing.T) {
	gw := &failingGateway{chargeOK: true, transferErr: ErrGatewayUnavailable}
	store := NewMemoryStore()
	svc := NewService(store, gw, testLogger())
	ctx := context.Background()

	e := advance(t, svc, StatusReleaseAuthorized)
	if _, err := svc.Release(ctx, e.ID, e.Version, testBuyer); err == nil {
		t.Fatal("Expected release to fail while the gateway is down")
	}

	sched := NewScheduler(svc, store, time.Minute, time.Hour, 100, testLogger())

	// Gateway still down: the sweep retries and fails, status unchanged.
	sched.sweep(ctx)
	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusReleaseAuthorized {
		t.Errorf("Expected status release_authorized while gateway down, got %s", got.Status)
	}

	// Gateway back: the next sweep completes the payout.
	gw.transferErr = nil
	sched.sweep(ctx)
	got, err = svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusReleased {
		t.Errorf("Expected status released after retry, got %s", got.Status)
	}
	if got.AutoReleased {
		t.Error("Payout retry must not relabel a human confirmation as auto-released")
	}
}

// A sweep racing a buyer's own confirm+release must produce exactly
// one effective payout, whoever wins.
func TestScheduler_SweepRacesBuyerConfirm(t *testing.T) {
	gw := newMockGateway()
	store := NewMemoryStore()
	svc := NewService(store, gw, testLogger())
	ctx := context.Background()

	sched := NewScheduler(svc, store, time.Minute, time.Millisecond, 100, testLogger())

	const rounds = 10
	ids := make([]string, 0, rounds)
	for i := 0; i < rounds; i++ {
		e := advance(t, svc, StatusSellerAcknowledged)
		ids = append(ids, e.ID)
		time.Sleep(2 * time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sched.sweep(ctx)
		}()
		go func() {
			defer wg.Done()
			confirmed, err := svc.Confirm(ctx, e.ID, 0, testBuyer)
			if err != nil {
				// Lost the confirm race to the sweep.
				return
			}
			// The losing releaser may see a version conflict; the
			// winner already moved the funds.
			_, _ = svc.Release(ctx, confirmed.ID, confirmed.Version, testBuyer)
		}()
		wg.Wait()

		got, err := svc.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusReleased {
			t.Fatalf("Round %d: expected released, got %s", i, got.Status)
		}
		if got.PayoutRef == "" {
			t.Fatalf("Round %d: expected payout reference", i)
		}

		history, err := svc.History(ctx, e.ID)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		releases := 0
		for _, tr := range history {
			if tr.Name == "release" {
				releases++
			}
		}
		if releases != 1 {
			t.Fatalf("Round %d: expected exactly 1 release transition, got %d", i, releases)
		}
	}

	if gw.transferCount() != rounds {
		t.Errorf("Expected %d effective transfers, got %d", rounds, gw.transferCount())
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		got, _ := svc.Get(ctx, id)
		if seen[got.PayoutRef] {
			t.Errorf("Payout reference %s reused across escrows", got.PayoutRef)
		}
		seen[got.PayoutRef] = true
	}
}

func TestScheduler_AutoReleaseMetricCountedOnce(t *testing.T) {
	gw := newMockGateway()
	store := NewMemoryStore()
	svc := NewService(store, gw, testLogger())
	ctx := context.Background()

	e := advance(t, svc, StatusSellerAcknowledged)
	time.Sleep(5 * time.Millisecond)

	before := promtest.ToFloat64(metrics.AutoReleasedTotal)

	sched := NewScheduler(svc, store, time.Minute, time.Millisecond, 100, testLogger())
	sched.sweep(ctx)

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusReleased {
		t.Fatalf("Expected released, got %s", got.Status)
	}
	if delta := promtest.ToFloat64(metrics.AutoReleasedTotal) - before; delta != 1 {
		t.Errorf("Expected auto-release counter to grow by 1, grew by %v", delta)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newMockGateway(), testLogger())

	sched := NewScheduler(svc, store, 10*time.Millisecond, time.Millisecond, 100, testLogger())
	go sched.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	if !sched.Running() {
		t.Error("Expected scheduler to report running")
	}

	sched.Stop()
	time.Sleep(30 * time.Millisecond)
	if sched.Running() {
		t.Error("Expected scheduler to stop")
	}
}

func TestScheduler_SweptEscrowEndToEnd(t *testing.T) {
	gw := newMockGateway()
	store := NewMemoryStore()
	svc := NewService(store, gw, testLogger())
	ctx := context.Background()

	e := advance(t, svc, StatusDeliveryConfirmed)
	time.Sleep(5 * time.Millisecond)

	sched := NewScheduler(svc, store, 10*time.Millisecond, time.Millisecond, 100, testLogger())
	go sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == StatusReleased {
			history, err := svc.History(ctx, e.ID)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			last := history[len(history)-1]
			if last.ActorRole != RoleSystem {
				t.Errorf("Expected system actor on final transition, got %s", last.ActorRole)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Escrow was not auto-released before the deadline")
}
