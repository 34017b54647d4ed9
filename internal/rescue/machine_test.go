package rescue

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

func newTestMachine() (*Machine, *MemStore, *geo.MemIndex) {
	store := NewMemStore()
	idx := geo.NewMemIndex()
	return NewMachine(store, idx, slog.Default()), store, idx
}

func newRescue(id, rider string) *models.Rescue {
	return &models.Rescue{
		ID:            id,
		RiderID:       rider,
		Pickup:        models.Coord{Lat: 37.7749, Lon: -122.4194},
		IssueType:     models.IssueFlatTire,
		PriceEstimate: money.MustNew(3564, "USD"),
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to models.RescueStatus }{
		{models.StatusRequested, models.StatusMatched},
		{models.StatusRequested, models.StatusFailed},
		{models.StatusMatched, models.StatusAccepted},
		{models.StatusMatched, models.StatusRequested},
		{models.StatusAccepted, models.StatusEnRoute},
		{models.StatusEnRoute, models.StatusArrived},
		{models.StatusEnRoute, models.StatusCancelledBySystem},
		{models.StatusArrived, models.StatusInProgress},
		{models.StatusInProgress, models.StatusCompleted},
	}
	for _, c := range legal {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be legal", c.from, c.to)
		}
	}
	illegal := []struct{ from, to models.RescueStatus }{
		{models.StatusRequested, models.StatusAccepted},
		{models.StatusRequested, models.StatusCancelledByDriver},
		{models.StatusMatched, models.StatusCancelledByDriver},
		{models.StatusArrived, models.StatusCancelledByRider},
		{models.StatusCompleted, models.StatusInProgress},
		{models.StatusFailed, models.StatusRequested},
		{models.StatusCancelledByRider, models.StatusMatched},
	}
	for _, c := range illegal {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}
}

func TestGuardRejectsStaleExpected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMachine()
	r := newRescue("r1", "rider1")
	if err := m.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusRequested, To: models.StatusMatched,
		Actor: models.ActorSystem, DriverID: "d1",
	}); err != nil {
		t.Fatal(err)
	}
	// second matcher still believes the rescue is REQUESTED
	_, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusRequested, To: models.StatusMatched,
		Actor: models.ActorSystem, DriverID: "d2",
	})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMachine()
	r := newRescue("r1", "rider1")
	if err := m.Create(ctx, r); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Transition(ctx, TransitionRequest{
				RescueID: "r1", Expected: models.StatusRequested, To: models.StatusMatched,
				Actor: models.ActorSystem, DriverID: "d1",
			})
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
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}

	got, _ := m.Get(ctx, "r1")
	// timeline: requested + matched, no corruption from losers
	if len(got.Timeline) != 2 {
		t.Fatalf("expected 2 timeline entries, got %d", len(got.Timeline))
	}
	for i := 1; i < len(got.Timeline); i++ {
		if got.Timeline[i].At.Before(got.Timeline[i-1].At) {
			t.Fatal("timeline out of order")
		}
	}
}

func TestOneActiveRescuePerRider(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMachine()
	if err := m.Create(ctx, newRescue("r1", "rider1")); err != nil {
		t.Fatal(err)
	}
	err := m.Create(ctx, newRescue("r2", "rider1"))
	if !apperr.IsBusinessRule(err) {
		t.Fatalf("expected BusinessRuleError, got %v", err)
	}
	// a terminal rescue frees the rider
	if _, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusRequested, To: models.StatusCancelledByRider,
		Actor: models.ActorRider,
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.Create(ctx, newRescue("r3", "rider1")); err != nil {
		t.Fatalf("expected create after terminal rescue, got %v", err)
	}
}

func TestTerminalReleasesDriverClaim(t *testing.T) {
	ctx := context.Background()
	m, _, idx := newTestMachine()
	_ = idx.Upsert(ctx, models.DriverAvailability{DriverID: "d1", Online: true, Available: true})
	if ok, _ := idx.Claim(ctx, "d1", "r1"); !ok {
		t.Fatal("claim failed")
	}
	if err := m.Create(ctx, newRescue("r1", "rider1")); err != nil {
		t.Fatal(err)
	}
	steps := []TransitionRequest{
		{RescueID: "r1", Expected: models.StatusRequested, To: models.StatusMatched, DriverID: "d1", Actor: models.ActorSystem},
		{RescueID: "r1", Expected: models.StatusMatched, To: models.StatusAccepted, Actor: models.ActorDriver},
		{RescueID: "r1", Expected: models.StatusAccepted, To: models.StatusEnRoute, Actor: models.ActorDriver},
		{RescueID: "r1", Expected: models.StatusEnRoute, To: models.StatusCancelledByRider, Actor: models.ActorRider},
	}
	for _, s := range steps {
		if _, err := m.Transition(ctx, s); err != nil {
			t.Fatalf("%s -> %s: %v", s.Expected, s.To, err)
		}
	}
	d, err := idx.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.ActiveRescueID != "" || !d.Available {
		t.Fatalf("expected driver released after terminal cancel, got %+v", d)
	}
}

func TestTerminalRescueIsImmutable(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMachine()
	if err := m.Create(ctx, newRescue("r1", "rider1")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusRequested, To: models.StatusFailed,
		Actor: models.ActorSystem, Note: "no drivers in range",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusFailed, To: models.StatusRequested,
		Actor: models.ActorSystem,
	})
	if !apperr.IsBusinessRule(err) {
		t.Fatalf("expected BusinessRuleError on terminal rescue, got %v", err)
	}
}

func TestDeclineClearsAssignment(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMachine()
	if err := m.Create(ctx, newRescue("r1", "rider1")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusRequested, To: models.StatusMatched,
		Actor: models.ActorSystem, DriverID: "d1",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Transition(ctx, TransitionRequest{
		RescueID: "r1", Expected: models.StatusMatched, To: models.StatusRequested,
		Actor: models.ActorDriver, Note: "driver declined",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Assignment != nil {
		t.Fatalf("decline should unbind the driver, got %+v", got.Assignment)
	}
	if got.Status != models.StatusRequested {
		t.Fatalf("expected requested, got %s", got.Status)
	}
}
