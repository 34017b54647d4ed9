// Package broadcast fans driver location pushes out to rescue
// subscribers as distance/ETA updates. It is a derived, best-effort
// stream; rescue state lives in the state machine, never here.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/observability"
)

// RescueLoader is the read-only slice of the rescue store we need.
type RescueLoader interface {
	Get(ctx context.Context, id string) (*models.Rescue, error)
}

// LocationSink republishes accepted updates downstream (Kafka).
type LocationSink interface {
	PublishLocation(ctx context.Context, upd models.LocationUpdate) error
}

type Broadcaster struct {
	geo         geo.Index
	rescues     RescueLoader
	sink        LocationSink // optional
	avgSpeedMph float64
	log         *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	subs     map[string]map[chan models.ETAUpdate]struct{}
}

func New(geoIdx geo.Index, rescues RescueLoader, sink LocationSink, avgSpeedMph float64, log *slog.Logger) *Broadcaster {
	if avgSpeedMph <= 0 {
		avgSpeedMph = 18 // city average for a van with a bike rack
	}
	return &Broadcaster{
		geo:         geoIdx,
		rescues:     rescues,
		sink:        sink,
		avgSpeedMph: avgSpeedMph,
		log:         log,
		lastSeen:    make(map[string]time.Time),
		subs:        make(map[string]map[chan models.ETAUpdate]struct{}),
	}
}

// Subscribe opens a buffered channel for one rescue's ETA stream. The
// returned cancel func must be called when the subscriber goes away.
func (b *Broadcaster) Subscribe(rescueID string) (<-chan models.ETAUpdate, func()) {
	ch := make(chan models.ETAUpdate, 16)
	b.mu.Lock()
	if b.subs[rescueID] == nil {
		b.subs[rescueID] = make(map[chan models.ETAUpdate]struct{})
	}
	b.subs[rescueID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[rescueID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, rescueID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Report ingests one driver location push. Out-of-order updates (older
// timestamp than the last accepted one for that driver) are discarded;
// accepted ones update the geo index and, when the driver is bound to an
// active rescue, fan out a recomputed distance/ETA.
func (b *Broadcaster) Report(ctx context.Context, upd models.LocationUpdate) error {
	if upd.DriverID == "" {
		return apperr.Validation("driver_id", "required")
	}
	if upd.Timestamp.IsZero() {
		upd.Timestamp = time.Now()
	}

	b.mu.Lock()
	last, seen := b.lastSeen[upd.DriverID]
	if seen && !upd.Timestamp.After(last) {
		b.mu.Unlock()
		observability.BroadcastDropped.Inc()
		return nil
	}
	b.lastSeen[upd.DriverID] = upd.Timestamp
	b.mu.Unlock()
	if !seen {
		observability.DriversSeen.Inc()
	}

	if err := b.geo.Upsert(ctx, models.DriverAvailability{
		DriverID:  upd.DriverID,
		Loc:       upd.Loc,
		Online:    true,
		Available: true,
		Updated:   upd.Timestamp,
	}); err != nil {
		return err
	}

	if b.sink != nil {
		if err := b.sink.PublishLocation(ctx, upd); err != nil {
			b.log.Warn("location republish failed", "driver_id", upd.DriverID, "error", err)
		}
	}

	d, err := b.geo.Get(ctx, upd.DriverID)
	if err != nil || d.ActiveRescueID == "" {
		return nil
	}
	r, err := b.rescues.Get(ctx, d.ActiveRescueID)
	if err != nil {
		return nil
	}
	if r.Status != models.StatusEnRoute && r.Status != models.StatusArrived {
		return nil
	}

	dist := geo.Haversine(upd.Loc.Lat, upd.Loc.Lon, r.Pickup.Lat, r.Pickup.Lon)
	eta := dist / b.avgSpeedMph * 3600
	b.publish(r.ID, models.ETAUpdate{
		RescueID:      r.ID,
		DriverID:      upd.DriverID,
		Loc:           upd.Loc,
		DistanceMiles: dist,
		ETASeconds:    eta,
		Timestamp:     upd.Timestamp,
	})
	return nil
}

// publish delivers without blocking; slow subscribers lose updates
// rather than stalling the stream.
func (b *Broadcaster) publish(rescueID string, upd models.ETAUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[rescueID] {
		select {
		case ch <- upd:
			observability.BroadcastFanouts.Inc()
		default:
		}
	}
}
