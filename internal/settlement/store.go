package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

// payoutClaim marks a payout reservation in the payout_ref slot until
// the real gateway reference replaces it. Gateway refs are prefixed
// ("po_", "tr_"), so the marker cannot collide with one.
const payoutClaim = "claimed"

// Store persists payment records. CompareAndSetStatus and the Mark*
// methods are single atomic conditional updates; they are the only way
// a record's status moves.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByRescue(ctx context.Context, rescueID string) (*Record, error)
	// CompareAndSetStatus succeeds only if the stored status equals expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, to Status) (bool, error)
	// MarkCharged moves PROCESSING -> SUCCEEDED and records the charge ref.
	MarkCharged(ctx context.Context, id, chargeRef string, attempts int) error
	// MarkFailed moves PROCESSING -> FAILED and records the reason.
	MarkFailed(ctx context.Context, id string, reason FailureReason, attempts int) error
	// ClaimPayout reserves the payout stage: it succeeds only when the
	// record is SUCCEEDED and carries neither a payout ref nor a claim,
	// so exactly one caller wins. The winner records the real ref with
	// MarkPayout, or releases the claim if the gateway call fails.
	ClaimPayout(ctx context.Context, id string) (bool, error)
	ReleasePayoutClaim(ctx context.Context, id string) error
	// MarkPayout replaces the caller's claim with the gateway ref.
	MarkPayout(ctx context.Context, id, payoutRef string) error
	// MarkRefunded moves SUCCEEDED -> REFUNDED, keeping the refunded
	// amount separate from the original total.
	MarkRefunded(ctx context.Context, id, refundRef string, amount money.Money) (bool, error)
	// ListSucceededWithoutPayout feeds the recurring payout sweep.
	ListSucceededWithoutPayout(ctx context.Context, limit int) ([]*Record, error)
	// ListPendingOlderThan feeds the pending sweep that re-drives
	// records whose settlement task never arrived.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
}

type MemStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byRescue map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record), byRescue: make(map[string]string)}
}

func (m *MemStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRescue[rec.RescueID]; ok {
		return apperr.BusinessRule("settlement_exists", "rescue "+rec.RescueID+" already has a payment record")
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := *rec
	m.records[rec.ID] = &cp
	m.byRescue[rec.RescueID] = rec.ID
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("payment_record", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) GetByRescue(_ context.Context, rescueID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRescue[rescueID]
	if !ok {
		return nil, apperr.NotFound("payment_record", "rescue:"+rescueID)
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemStore) CompareAndSetStatus(_ context.Context, id string, expected, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, apperr.NotFound("payment_record", id)
	}
	if rec.Status != expected {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) MarkCharged(_ context.Context, id, chargeRef string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return apperr.NotFound("payment_record", id)
	}
	if rec.Status != StatusProcessing {
		return apperr.Conflict("payment_record", id, string(StatusProcessing))
	}
	rec.Status = StatusSucceeded
	rec.ChargeRef = chargeRef
	rec.Attempts = attempts
	rec.Failure = nil
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) MarkFailed(_ context.Context, id string, reason FailureReason, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return apperr.NotFound("payment_record", id)
	}
	if rec.Status != StatusProcessing {
		return apperr.Conflict("payment_record", id, string(StatusProcessing))
	}
	rec.Status = StatusFailed
	rec.Failure = &reason
	rec.Attempts = attempts
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) ClaimPayout(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, apperr.NotFound("payment_record", id)
	}
	if rec.Status != StatusSucceeded || rec.PayoutRef != "" {
		return false, nil
	}
	rec.PayoutRef = payoutClaim
	rec.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) ReleasePayoutClaim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return apperr.NotFound("payment_record", id)
	}
	if rec.PayoutRef == payoutClaim {
		rec.PayoutRef = ""
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemStore) MarkPayout(_ context.Context, id, payoutRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return apperr.NotFound("payment_record", id)
	}
	if rec.PayoutRef != payoutClaim {
		return apperr.Conflict("payment_record", id, "payout claim held")
	}
	rec.PayoutRef = payoutRef
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) MarkRefunded(_ context.Context, id, refundRef string, amount money.Money) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, apperr.NotFound("payment_record", id)
	}
	if rec.Status != StatusSucceeded {
		return false, nil
	}
	rec.Status = StatusRefunded
	rec.RefundRef = refundRef
	amt := amount
	rec.RefundedAmount = &amt
	rec.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) ListSucceededWithoutPayout(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range m.records {
		if rec.Status == StatusSucceeded && rec.PayoutRef == "" {
			cp := *rec
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) ListPendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range m.records {
		if rec.Status == StatusPending && rec.CreatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
