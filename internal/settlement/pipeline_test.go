package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/pricing"
)

// fakeGateway scripts charge outcomes per attempt and counts calls.
type fakeGateway struct {
	mu           sync.Mutex
	chargeErrs   []error // consumed per call; nil slice means always succeed
	chargeCalls  int
	payoutCalls  int
	refundCalls  int
	payoutErr    error
	chargeRefs   []string
}

func (f *fakeGateway) Charge(_ context.Context, _ money.Money, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	if len(f.chargeErrs) > 0 {
		err := f.chargeErrs[0]
		f.chargeErrs = f.chargeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	ref := "ch_" + newID()
	f.chargeRefs = append(f.chargeRefs, ref)
	return ref, nil
}

func (f *fakeGateway) Payout(_ context.Context, _ money.Money, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payoutCalls++
	if f.payoutErr != nil {
		return "", f.payoutErr
	}
	return "po_" + newID(), nil
}

func (f *fakeGateway) Refund(_ context.Context, _ string, _ money.Money) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	return "re_" + newID(), nil
}

func timeoutErr() error {
	return apperr.External("stripe", "charge:timeout", true, errors.New("gateway timeout"))
}

func declineErr() error {
	return apperr.External("stripe", "charge:card_declined", false, errors.New("card declined"))
}

func testBreakdown(t *testing.T) pricing.Breakdown {
	t.Helper()
	b, err := pricing.NewCalculator(pricing.DefaultConfig()).Price(4, models.IssueFlatTire, 1.0, 0, 0.08)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func completedRescue(id string) *models.Rescue {
	return &models.Rescue{
		ID:         id,
		RiderID:    "rider1",
		Status:     models.StatusCompleted,
		Assignment: &models.Assignment{DriverID: "d1", MatchedAt: time.Now()},
	}
}

func newTestPipeline(gw *fakeGateway) (*Pipeline, *MemStore) {
	store := NewMemStore()
	p := NewPipeline(store, gw, slog.Default(), 3, time.Millisecond)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p, store
}

func TestChargeRetriesThenSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{chargeErrs: []error{timeoutErr(), timeoutErr(), nil}}
	p, _ := newTestPipeline(gw)

	rec, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", rec.Status)
	}
	if gw.chargeCalls != 3 {
		t.Fatalf("expected 3 charge attempts, got %d", gw.chargeCalls)
	}
	if len(gw.chargeRefs) != 1 {
		t.Fatalf("expected exactly one external charge, got %d", len(gw.chargeRefs))
	}
	if rec.ChargeRef != gw.chargeRefs[0] {
		t.Fatalf("charge ref mismatch: %s vs %s", rec.ChargeRef, gw.chargeRefs[0])
	}
	if rec.PayoutRef == "" {
		t.Fatal("expected payout to follow a successful charge")
	}
}

func TestChargeExhaustsRetriesAndFails(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{chargeErrs: []error{timeoutErr(), timeoutErr(), timeoutErr(), timeoutErr()}}
	p, _ := newTestPipeline(gw)

	rec, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if gw.chargeCalls != 3 {
		t.Fatalf("expected maxAttempts=3 calls, got %d", gw.chargeCalls)
	}
	if rec.Failure == nil || rec.Failure.Code != "charge:timeout" {
		t.Fatalf("expected failure reason recorded, got %+v", rec.Failure)
	}
	if gw.payoutCalls != 0 {
		t.Fatal("no payout should run for a failed charge")
	}
}

func TestHardDeclineFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{chargeErrs: []error{declineErr()}}
	p, _ := newTestPipeline(gw)

	rec, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if gw.chargeCalls != 1 {
		t.Fatalf("hard decline should not retry, got %d calls", gw.chargeCalls)
	}
}

func TestSettleIsIdempotentUnderRedelivery(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	p, _ := newTestPipeline(gw)
	r := completedRescue("r1")
	b := testBreakdown(t)

	first, err := p.Settle(ctx, r, b)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Settle(ctx, r, b)
	if err != nil {
		t.Fatal(err)
	}
	if gw.chargeCalls != 1 {
		t.Fatalf("redelivery must not charge again, got %d calls", gw.chargeCalls)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one record, got %s and %s", first.ID, second.ID)
	}
}

func TestConcurrentRetrySingleWinner(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{chargeErrs: []error{declineErr()}}
	p, store := newTestPipeline(gw)

	rec, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("setup: expected failed, got %s", rec.Status)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Retry(ctx, rec.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !apperr.IsConflict(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one retry to win the FAILED->PROCESSING CAS, got %d", wins)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusSucceeded {
		t.Fatalf("expected the winning retry to settle, got %s", got.Status)
	}
	// one decline in setup plus one successful retry attempt
	if gw.chargeCalls != 2 {
		t.Fatalf("expected 2 gateway calls total, got %d", gw.chargeCalls)
	}
}

// gatedGateway holds every payout call at the gateway boundary until
// the test releases it, so concurrent callers are observably inside.
type gatedGateway struct {
	fakeGateway
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGateway) Payout(ctx context.Context, amt money.Money, acct string) (string, error) {
	if g.release != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeGateway.Payout(ctx, amt, acct)
}

func TestConcurrentPayoutSingleTransfer(t *testing.T) {
	ctx := context.Background()
	gw := &gatedGateway{}
	store := NewMemStore()
	p := NewPipeline(store, gw, slog.Default(), 3, time.Millisecond)
	p.sleep = func(context.Context, time.Duration) error { return nil }

	// charge succeeds, payout is deferred: SUCCEEDED with no payout ref
	gw.payoutErr = timeoutErr()
	r := completedRescue("r1")
	b := testBreakdown(t)
	rec, err := p.Settle(ctx, r, b)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded || rec.PayoutRef != "" {
		t.Fatalf("setup: want succeeded with deferred payout, got %s/%q", rec.Status, rec.PayoutRef)
	}

	gw.payoutErr = nil
	gw.entered = make(chan struct{}, 2)
	gw.release = make(chan struct{})
	setupCalls := gw.payoutCalls

	// a redelivered task and the sweep drive the same record at once
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = p.Settle(ctx, r, b)
	}()
	go func() {
		defer wg.Done()
		_ = p.RunPayoutSweep(ctx, 100, 2)
	}()

	<-gw.entered
	select {
	case <-gw.entered:
		t.Fatal("two workers reached the gateway for one payout")
	case <-time.After(50 * time.Millisecond):
	}
	close(gw.release)
	wg.Wait()

	if got := gw.payoutCalls - setupCalls; got != 1 {
		t.Fatalf("expected exactly one transfer, got %d", got)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.PayoutRef == "" || got.PayoutRef == payoutClaim {
		t.Fatalf("expected a recorded payout ref, got %q", got.PayoutRef)
	}
}

func TestRetryRedrivesPendingRecord(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	p, store := newTestPipeline(gw)

	// prepared at completion time but the task never arrived
	rec, err := p.Prepare(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("setup: expected pending, got %s", rec.Status)
	}

	got, err := p.Retry(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("expected retry to settle the pending record, got %s", got.Status)
	}
	stored, _ := store.Get(ctx, rec.ID)
	if stored.ChargeRef == "" || stored.PayoutRef == "" {
		t.Fatalf("expected charge and payout recorded, got %+v", stored)
	}
}

func TestPendingSweepRedrivesStrandedRecord(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	p, store := newTestPipeline(gw)

	rec, err := p.Prepare(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}

	// a record younger than minAge is left for its in-flight task
	if err := p.RunPendingSweep(ctx, time.Hour, 100, 2); err != nil {
		t.Fatal(err)
	}
	if gw.chargeCalls != 0 {
		t.Fatalf("fresh pending record must not be swept, got %d charges", gw.chargeCalls)
	}

	if err := p.RunPendingSweep(ctx, 0, 100, 2); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusSucceeded {
		t.Fatalf("expected sweep to settle the stranded record, got %s", got.Status)
	}
	if gw.chargeCalls != 1 {
		t.Fatalf("expected one charge, got %d", gw.chargeCalls)
	}
}

func TestPayoutSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{payoutErr: timeoutErr()}
	p, store := newTestPipeline(gw)

	rec, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	if rec.PayoutRef != "" {
		t.Fatal("setup: payout should have been deferred")
	}

	gw.payoutErr = nil
	if err := p.RunPayoutSweep(ctx, 100, 2); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.PayoutRef == "" {
		t.Fatal("sweep should have recorded the payout")
	}
	calls := gw.payoutCalls
	// a second sweep finds nothing to do
	if err := p.RunPayoutSweep(ctx, 100, 2); err != nil {
		t.Fatal(err)
	}
	if gw.payoutCalls != calls {
		t.Fatalf("second sweep must not pay again: %d -> %d", calls, gw.payoutCalls)
	}
}

func TestRefundClampsToTotal(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	p, _ := newTestPipeline(gw)

	rec, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t))
	if err != nil {
		t.Fatal(err)
	}
	over := money.MustNew(rec.Breakdown.Total.Amount*2, rec.Breakdown.Total.Currency)
	got, err := p.Refund(ctx, "r1", &over)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
	if got.RefundedAmount == nil || got.RefundedAmount.Amount != rec.Breakdown.Total.Amount {
		t.Fatalf("refund should clamp to total, got %+v", got.RefundedAmount)
	}
	// original total stays untouched
	if got.Breakdown.Total.Amount != rec.Breakdown.Total.Amount {
		t.Fatal("refund must not rewrite the original breakdown")
	}
}

func TestRefundRequiresSettledCharge(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{chargeErrs: []error{declineErr()}}
	p, _ := newTestPipeline(gw)
	if _, err := p.Settle(ctx, completedRescue("r1"), testBreakdown(t)); err != nil {
		t.Fatal(err)
	}
	_, err := p.Refund(ctx, "r1", nil)
	if !apperr.IsBusinessRule(err) {
		t.Fatalf("expected BusinessRuleError, got %v", err)
	}
	// no record at all for an uncharged rescue
	_, err = p.Refund(ctx, "r2", nil)
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
