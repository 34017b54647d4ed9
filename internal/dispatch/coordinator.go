// Package dispatch finds and binds exactly one available driver to a
// requested rescue, or fails deterministically. The driver claim in the
// geo index is the race-prevention point; the rescue status guard
// resolves offer-timeout vs. accept races.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/observability"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/rescue"
)

// Offer is what a claimed driver sees and must answer within the window.
type Offer struct {
	RescueID      string           `json:"rescue_id"`
	Pickup        models.Coord     `json:"pickup"`
	IssueType     models.IssueType `json:"issue_type"`
	DistanceMiles float64          `json:"distance_miles"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// Notifier delivers an offer to one driver. Delivery is best-effort;
// an unreachable driver simply times out.
type Notifier interface {
	Offer(driverID string, offer Offer) error
}

type Config struct {
	RadiusMiles    float64
	CandidateLimit int
	OfferTimeout   time.Duration
	// MaxAttempts bounds how many claimed offers one rescue may burn
	// through before dispatch gives up.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{RadiusMiles: 10, CandidateLimit: 20, OfferTimeout: 30 * time.Second, MaxAttempts: 20}
}

type search struct {
	pickup   models.Coord
	issue    models.IssueType
	tried    map[string]bool
	attempts int
	timer    *time.Timer
	driverID string
}

type Coordinator struct {
	geo      geo.Index
	machine  *rescue.Machine
	notifier Notifier
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	searches map[string]*search
}

func NewCoordinator(geoIdx geo.Index, machine *rescue.Machine, notifier Notifier, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.RadiusMiles <= 0 {
		cfg.RadiusMiles = DefaultConfig().RadiusMiles
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultConfig().CandidateLimit
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultConfig().OfferTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Coordinator{
		geo:      geoIdx,
		machine:  machine,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		searches: make(map[string]*search),
	}
}

// Dispatch starts the search for a REQUESTED rescue. It returns once a
// driver is claimed and offered (or the rescue has failed); accept,
// decline and timeout then drive the rest asynchronously.
func (c *Coordinator) Dispatch(ctx context.Context, rescueID string) error {
	r, err := c.machine.Get(ctx, rescueID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusRequested {
		return apperr.BusinessRule("not_dispatchable", "rescue "+rescueID+" is "+string(r.Status))
	}
	c.mu.Lock()
	if _, ok := c.searches[rescueID]; !ok {
		c.searches[rescueID] = &search{pickup: r.Pickup, issue: r.IssueType, tried: make(map[string]bool)}
	}
	c.mu.Unlock()
	return c.advance(ctx, rescueID)
}

// advance claims the nearest untried candidate and offers the rescue.
func (c *Coordinator) advance(ctx context.Context, rescueID string) error {
	c.mu.Lock()
	s, ok := c.searches[rescueID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if s.attempts >= c.cfg.MaxAttempts {
		return c.fail(ctx, rescueID, "no drivers accepted")
	}

	cands, err := c.geo.Nearby(ctx, s.pickup, c.cfg.RadiusMiles, c.cfg.CandidateLimit)
	if err != nil {
		return err
	}

	for _, cand := range cands {
		id := cand.Driver.DriverID
		if s.tried[id] {
			continue
		}
		claimed, err := c.geo.Claim(ctx, id, rescueID)
		if err != nil {
			c.log.Warn("claim attempt failed", "driver_id", id, "rescue_id", rescueID, "error", err)
			continue
		}
		s.tried[id] = true
		if !claimed {
			// another dispatch won this driver
			continue
		}
		s.attempts++

		if _, err := c.machine.Transition(ctx, rescue.TransitionRequest{
			RescueID: rescueID,
			Expected: models.StatusRequested,
			To:       models.StatusMatched,
			Actor:    models.ActorSystem,
			DriverID: id,
		}); err != nil {
			_ = c.geo.Release(ctx, id)
			if apperr.IsConflict(err) {
				// rescue left REQUESTED underneath us (rider cancel)
				c.clear(rescueID)
				return nil
			}
			return err
		}

		observability.DispatchClaims.Inc()
		expires := time.Now().Add(c.cfg.OfferTimeout)
		if c.notifier != nil {
			if err := c.notifier.Offer(id, Offer{
				RescueID:      rescueID,
				Pickup:        s.pickup,
				IssueType:     s.issue,
				DistanceMiles: cand.DistanceMiles,
				ExpiresAt:     expires,
			}); err != nil {
				c.log.Warn("offer delivery failed", "driver_id", id, "rescue_id", rescueID, "error", err)
			}
		}

		c.mu.Lock()
		s.driverID = id
		s.timer = time.AfterFunc(c.cfg.OfferTimeout, func() { c.handleTimeout(rescueID, id) })
		c.mu.Unlock()

		c.log.Info("driver offered", "rescue_id", rescueID, "driver_id", id, "distance_miles", cand.DistanceMiles)
		return nil
	}

	reason := "no drivers accepted"
	if s.attempts == 0 {
		reason = "no drivers in range"
	}
	return c.fail(ctx, rescueID, reason)
}

// HandleResponse applies a driver's accept or decline. A late response
// after the offer window simply loses the status-guard race and gets a
// ConflictError.
func (c *Coordinator) HandleResponse(ctx context.Context, rescueID, driverID string, accept bool) (*models.Rescue, error) {
	r, err := c.machine.Get(ctx, rescueID)
	if err != nil {
		return nil, err
	}
	if r.Assignment == nil || r.Assignment.DriverID != driverID {
		return nil, apperr.BusinessRule("not_offered", "rescue "+rescueID+" is not offered to driver "+driverID)
	}

	c.stopTimer(rescueID)

	if accept {
		r, err := c.machine.Transition(ctx, rescue.TransitionRequest{
			RescueID: rescueID,
			Expected: models.StatusMatched,
			To:       models.StatusAccepted,
			Actor:    models.ActorDriver,
		})
		if err != nil {
			return nil, err
		}
		c.clear(rescueID)
		return r, nil
	}

	r, err = c.machine.Transition(ctx, rescue.TransitionRequest{
		RescueID: rescueID,
		Expected: models.StatusMatched,
		To:       models.StatusRequested,
		Actor:    models.ActorDriver,
		Note:     "driver declined",
	})
	if err != nil {
		return nil, err
	}
	_ = c.geo.Release(ctx, driverID)
	observability.DispatchDeclines.Inc()
	if err := c.advance(ctx, rescueID); err != nil {
		return nil, err
	}
	return c.machine.Get(ctx, rescueID)
}

// handleTimeout fires when the offer window elapses. The MATCHED guard
// makes it a no-op if the driver accepted (or the rescue terminated)
// first.
func (c *Coordinator) handleTimeout(rescueID, driverID string) {
	ctx := context.Background()
	if _, err := c.machine.Transition(ctx, rescue.TransitionRequest{
		RescueID: rescueID,
		Expected: models.StatusMatched,
		To:       models.StatusRequested,
		Actor:    models.ActorSystem,
		Note:     "offer timed out",
	}); err != nil {
		if apperr.IsConflict(err) || apperr.IsBusinessRule(err) {
			c.clearIfSettled(ctx, rescueID)
			return
		}
		c.log.Error("timeout transition failed", "rescue_id", rescueID, "error", err)
		return
	}
	_ = c.geo.Release(ctx, driverID)
	observability.DispatchDeclines.Inc()
	c.log.Info("offer timed out", "rescue_id", rescueID, "driver_id", driverID)
	if err := c.advance(ctx, rescueID); err != nil {
		c.log.Error("escalation failed", "rescue_id", rescueID, "error", err)
	}
}

// CancelSearch drops in-flight search state, e.g. after a rider cancel.
func (c *Coordinator) CancelSearch(rescueID string) {
	c.stopTimer(rescueID)
	c.clear(rescueID)
}

func (c *Coordinator) fail(ctx context.Context, rescueID, reason string) error {
	defer c.clear(rescueID)
	if _, err := c.machine.Transition(ctx, rescue.TransitionRequest{
		RescueID: rescueID,
		Expected: models.StatusRequested,
		To:       models.StatusFailed,
		Actor:    models.ActorSystem,
		Note:     reason,
	}); err != nil {
		if apperr.IsConflict(err) {
			return nil
		}
		return err
	}
	observability.DispatchFailures.Inc()
	c.log.Info("dispatch failed", "rescue_id", rescueID, "reason", reason)
	return nil
}

func (c *Coordinator) stopTimer(rescueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.searches[rescueID]; ok && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (c *Coordinator) clear(rescueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.searches[rescueID]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.searches, rescueID)
	}
}

func (c *Coordinator) clearIfSettled(ctx context.Context, rescueID string) {
	r, err := c.machine.Get(ctx, rescueID)
	if err != nil || r.Status.Terminal() || r.Status == models.StatusAccepted ||
		r.Status == models.StatusEnRoute || r.Status == models.StatusArrived || r.Status == models.StatusInProgress {
		c.clear(rescueID)
	}
}
