package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

// Candidate is one driver returned by a radius query.
type Candidate struct {
	Driver        models.DriverAvailability
	DistanceMiles float64
}

// Index is the geospatial store consumed by the dispatch coordinator and
// the broadcaster. Claim is the single race-prevention point for driver
// binding: it succeeds only if the driver is currently unclaimed.
type Index interface {
	// Upsert records a position. Last writer by Updated wins: a
	// position older than the stored one is discarded, so the direct
	// HTTP path and the Kafka consumer path cannot regress each other.
	Upsert(ctx context.Context, d models.DriverAvailability) error
	Get(ctx context.Context, driverID string) (models.DriverAvailability, error)
	Nearby(ctx context.Context, origin models.Coord, radiusMiles float64, limit int) ([]Candidate, error)
	Claim(ctx context.Context, driverID, rescueID string) (bool, error)
	Release(ctx context.Context, driverID string) error
}

// MemIndex is the in-process implementation used in tests and single-node
// runs. The mutex stands in for the store-side atomicity RedisIndex gets
// from SET NX.
type MemIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverAvailability
}

func NewMemIndex() *MemIndex {
	return &MemIndex{drivers: make(map[string]models.DriverAvailability)}
}

func (g *MemIndex) Upsert(_ context.Context, d models.DriverAvailability) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	if cur, ok := g.drivers[d.DriverID]; ok {
		if d.Updated.Before(cur.Updated) {
			return nil
		}
		// location pushes never overwrite an existing claim
		d.ActiveRescueID = cur.ActiveRescueID
		if d.ActiveRescueID != "" {
			d.Available = false
		}
	}
	g.drivers[d.DriverID] = d
	return nil
}

func (g *MemIndex) Get(_ context.Context, driverID string) (models.DriverAvailability, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.DriverAvailability{}, apperr.NotFound("driver", driverID)
	}
	return d, nil
}

func (g *MemIndex) Nearby(_ context.Context, origin models.Coord, radiusMiles float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for _, d := range g.drivers {
		if !d.Online || !d.Available || d.ActiveRescueID != "" {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusMiles {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceMiles: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMiles < out[j].DistanceMiles })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *MemIndex) Claim(_ context.Context, driverID, rescueID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return false, apperr.NotFound("driver", driverID)
	}
	if d.ActiveRescueID != "" {
		return false, nil
	}
	d.ActiveRescueID = rescueID
	d.Available = false
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return true, nil
}

func (g *MemIndex) Release(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	d.ActiveRescueID = ""
	d.Available = d.Online
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return nil
}

// Haversine distance in statute miles.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 3958.7613
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
