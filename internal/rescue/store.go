package rescue

import (
	"context"
	"sync"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

// Store defines persistence for rescues. Transition must be a single
// atomic compare-and-set on status so the guard holds across processes.
type Store interface {
	Create(ctx context.Context, r *models.Rescue) error
	Get(ctx context.Context, id string) (*models.Rescue, error)
	Transition(ctx context.Context, req TransitionRequest) (*models.Rescue, error)
	HasActiveByRider(ctx context.Context, riderID string) (bool, error)
}

type MemStore struct {
	mu      sync.RWMutex
	rescues map[string]*models.Rescue
}

func NewMemStore() *MemStore {
	return &MemStore{rescues: make(map[string]*models.Rescue)}
}

func (m *MemStore) Create(_ context.Context, r *models.Rescue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rescues {
		if existing.RiderID == r.RiderID && !existing.Status.Terminal() {
			return apperr.BusinessRule("active_rescue_exists", "rider "+r.RiderID+" already has a rescue in flight")
		}
	}
	now := time.Now()
	r.Status = models.StatusRequested
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Timeline = append(r.Timeline, models.TimelineEntry{Status: models.StatusRequested, At: now})
	m.rescues[r.ID] = cloneRescue(r)
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*models.Rescue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rescues[id]
	if !ok {
		return nil, apperr.NotFound("rescue", id)
	}
	return cloneRescue(r), nil
}

func (m *MemStore) Transition(_ context.Context, req TransitionRequest) (*models.Rescue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rescues[req.RescueID]
	if !ok {
		return nil, apperr.NotFound("rescue", req.RescueID)
	}
	if r.Status != req.Expected {
		return nil, apperr.Conflict("rescue", req.RescueID, string(req.Expected))
	}
	now := time.Now()
	applyTransition(r, req, now)
	return cloneRescue(r), nil
}

func (m *MemStore) HasActiveByRider(_ context.Context, riderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rescues {
		if r.RiderID == riderID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// applyTransition mutates r under the caller's lock. The timeline is
// append-only; entries are never rewritten.
func applyTransition(r *models.Rescue, req TransitionRequest, now time.Time) {
	r.Status = req.To
	r.UpdatedAt = now
	r.Timeline = append(r.Timeline, models.TimelineEntry{Status: req.To, Note: req.Note, At: now})

	switch req.To {
	case models.StatusMatched:
		r.Assignment = &models.Assignment{DriverID: req.DriverID, MatchedAt: now}
	case models.StatusRequested:
		// driver declined; the rescue re-enters the search pool unbound
		r.Assignment = nil
	case models.StatusAccepted:
		if r.Assignment != nil {
			t := now
			r.Assignment.AcceptedAt = &t
		}
	case models.StatusArrived:
		if r.Assignment != nil {
			t := now
			r.Assignment.ArrivedAt = &t
		}
	case models.StatusCompleted:
		if req.FinalPrice != nil {
			p := *req.FinalPrice
			r.FinalPrice = &p
		}
	}
}

func cloneRescue(r *models.Rescue) *models.Rescue {
	out := *r
	out.Timeline = append([]models.TimelineEntry(nil), r.Timeline...)
	if r.Assignment != nil {
		a := *r.Assignment
		out.Assignment = &a
	}
	if r.Dropoff != nil {
		d := *r.Dropoff
		out.Dropoff = &d
	}
	if r.FinalPrice != nil {
		p := *r.FinalPrice
		out.FinalPrice = &p
	}
	return &out
}
