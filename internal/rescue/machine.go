// Package rescue owns the rescue record and its lifecycle. All mutations
// flow through the guarded transition below; once a rescue reaches a
// terminal status it never changes again.
package rescue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/observability"
)

// transitions is the legal edge set of the lifecycle. MATCHED back to
// REQUESTED is the driver-decline branch: the rescue re-enters the search
// pool instead of terminally cancelling.
var transitions = map[models.RescueStatus][]models.RescueStatus{
	models.StatusRequested:  {models.StatusMatched, models.StatusCancelledByRider, models.StatusFailed},
	models.StatusMatched:    {models.StatusAccepted, models.StatusRequested, models.StatusCancelledByRider},
	models.StatusAccepted:   {models.StatusEnRoute, models.StatusCancelledByRider, models.StatusCancelledByDriver},
	models.StatusEnRoute:    {models.StatusArrived, models.StatusCancelledByRider, models.StatusCancelledByDriver, models.StatusCancelledBySystem},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelledBySystem},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelledBySystem},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to models.RescueStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionRequest carries everything one guarded transition needs.
// Expected is the optimistic-concurrency guard: the transition is
// rejected if the stored status differs.
type TransitionRequest struct {
	RescueID string
	Expected models.RescueStatus
	To       models.RescueStatus
	Actor    models.Actor
	Note     string

	// DriverID is set when entering MATCHED.
	DriverID string
	// FinalPrice is set when entering COMPLETED.
	FinalPrice *money.Money
}

// Machine is the single writer for rescue records. It applies guarded
// transitions and releases the driver claim when a rescue terminates.
type Machine struct {
	store Store
	geo   geo.Index
	log   *slog.Logger
}

func NewMachine(store Store, geoIdx geo.Index, log *slog.Logger) *Machine {
	return &Machine{store: store, geo: geoIdx, log: log}
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Rescue, error) {
	return m.store.Get(ctx, id)
}

// Create registers a new rescue in REQUESTED. The store enforces the
// one-active-rescue-per-rider rule.
func (m *Machine) Create(ctx context.Context, r *models.Rescue) error {
	if err := m.store.Create(ctx, r); err != nil {
		return err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusRequested)).Inc()
	m.log.Info("rescue created", "rescue_id", r.ID, "rider_id", r.RiderID, "issue", r.IssueType)
	return nil
}

// Transition applies one guarded status change. It returns
// BusinessRuleError for illegal edges, ConflictError when the expected
// status lost a concurrent race, and the updated rescue on success.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*models.Rescue, error) {
	if req.Expected.Terminal() {
		return nil, apperr.BusinessRule("terminal_rescue", fmt.Sprintf("rescue %s is already %s", req.RescueID, req.Expected))
	}
	if !CanTransition(req.Expected, req.To) {
		return nil, apperr.BusinessRule("illegal_transition", fmt.Sprintf("%s -> %s is not allowed", req.Expected, req.To))
	}
	r, err := m.store.Transition(ctx, req)
	if err != nil {
		if apperr.IsConflict(err) {
			observability.TransitionConflicts.Inc()
		}
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(req.To)).Inc()
	m.log.Info("rescue transition",
		"rescue_id", req.RescueID,
		"from", req.Expected,
		"to", req.To,
		"actor", req.Actor,
	)

	if req.To.Terminal() && r.Assignment != nil {
		if err := m.geo.Release(ctx, r.Assignment.DriverID); err != nil {
			// the claim key is still held; flag for ops
			m.log.Error("driver release failed", "driver_id", r.Assignment.DriverID, "rescue_id", r.ID, "error", err)
		}
	}
	return r, nil
}
