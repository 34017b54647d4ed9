package geo

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(37.7749, -122.4194, 37.7749, -122.4194); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	ab := Haversine(37.7749, -122.4194, 37.8044, -122.2712)
	ba := Haversine(37.8044, -122.2712, 37.7749, -122.4194)
	if math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("expected symmetric distance, got %f vs %f", ab, ba)
	}
	if ab < 7 || ab > 9 {
		t.Fatalf("SF to Oakland should be ~8mi, got %f", ab)
	}
}

func driver(id string, lat, lon float64) models.DriverAvailability {
	return models.DriverAvailability{
		DriverID:  id,
		Loc:       models.Coord{Lat: lat, Lon: lon},
		Online:    true,
		Available: true,
	}
}

func TestNearbySortsAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()
	origin := models.Coord{Lat: 37.7749, Lon: -122.4194}

	// ~1.2mi and ~3.4mi north of the origin, plus one offline and one
	// far outside the radius.
	_ = idx.Upsert(ctx, driver("near", 37.7923, -122.4194))
	_ = idx.Upsert(ctx, driver("far", 37.8242, -122.4194))
	off := driver("offline", 37.7760, -122.4194)
	off.Online = false
	off.Available = false
	_ = idx.Upsert(ctx, off)
	_ = idx.Upsert(ctx, driver("outside", 38.5, -122.4194))

	cands, err := idx.Nearby(ctx, origin, 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Driver.DriverID != "near" || cands[1].Driver.DriverID != "far" {
		t.Fatalf("expected [near, far], got [%s, %s]", cands[0].Driver.DriverID, cands[1].Driver.DriverID)
	}
	if cands[0].DistanceMiles >= cands[1].DistanceMiles {
		t.Fatalf("expected ascending distance, got %f then %f", cands[0].DistanceMiles, cands[1].DistanceMiles)
	}
}

func TestClaimExcludesFromNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()
	_ = idx.Upsert(ctx, driver("d1", 37.7760, -122.4194))

	ok, err := idx.Claim(ctx, "d1", "rescue-1")
	if err != nil || !ok {
		t.Fatalf("expected claim to succeed, ok=%v err=%v", ok, err)
	}
	cands, _ := idx.Nearby(ctx, models.Coord{Lat: 37.7749, Lon: -122.4194}, 10, 20)
	if len(cands) != 0 {
		t.Fatalf("claimed driver should not be a candidate, got %d", len(cands))
	}

	_ = idx.Release(ctx, "d1")
	cands, _ = idx.Nearby(ctx, models.Coord{Lat: 37.7749, Lon: -122.4194}, 10, 20)
	if len(cands) != 1 {
		t.Fatalf("released driver should be a candidate again, got %d", len(cands))
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()
	_ = idx.Upsert(ctx, driver("d1", 37.7760, -122.4194))

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		rescueID := "rescue-" + string(rune('a'+i%26))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if ok, _ := idx.Claim(ctx, "d1", id); ok {
				wins <- id
			}
		}(rescueID)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", len(winners))
	}
	d, err := idx.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.ActiveRescueID != winners[0] {
		t.Fatalf("active rescue %q does not match winner %q", d.ActiveRescueID, winners[0])
	}
	if d.Available {
		t.Fatal("claimed driver must not be available")
	}
}

func TestUpsertDiscardsStalePosition(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()

	now := time.Now()
	fresh := driver("d1", 37.7800, -122.4100)
	fresh.Updated = now
	_ = idx.Upsert(ctx, fresh)

	// an older position delivered late, e.g. over the queue after a
	// newer one arrived over HTTP
	stale := driver("d1", 37.7000, -122.5000)
	stale.Updated = now.Add(-30 * time.Second)
	_ = idx.Upsert(ctx, stale)

	d, _ := idx.Get(ctx, "d1")
	if d.Loc != fresh.Loc {
		t.Fatalf("stale position overwrote the fresh one: %+v", d.Loc)
	}
	if !d.Updated.Equal(now) {
		t.Fatalf("expected timestamp %v kept, got %v", now, d.Updated)
	}
}

func TestUpsertPreservesClaim(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()
	_ = idx.Upsert(ctx, driver("d1", 37.7760, -122.4194))
	if ok, _ := idx.Claim(ctx, "d1", "rescue-1"); !ok {
		t.Fatal("claim failed")
	}

	// A location push while claimed must not free the driver.
	_ = idx.Upsert(ctx, driver("d1", 37.7800, -122.4100))
	d, _ := idx.Get(ctx, "d1")
	if d.ActiveRescueID != "rescue-1" || d.Available {
		t.Fatalf("location push clobbered claim: %+v", d)
	}
}
