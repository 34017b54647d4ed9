package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/observability"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/payments"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/pricing"
)

// Pipeline drives charge -> payout for completed rescues and refunds for
// cancellations. Safe to call from multiple workers: every status move
// is a compare-and-set in the store.
type Pipeline struct {
	store       Store
	gateway     payments.Gateway
	log         *slog.Logger
	maxAttempts int
	baseBackoff time.Duration

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(store Store, gateway payments.Gateway, log *slog.Logger, maxAttempts int, baseBackoff time.Duration) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &Pipeline{
		store:       store,
		gateway:     gateway,
		log:         log,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Settle is the entrypoint for rescue-completed tasks. The task queue
// delivers at least once, so Settle first looks for an existing record
// and resumes from whatever state it is in.
func (p *Pipeline) Settle(ctx context.Context, r *models.Rescue, breakdown pricing.Breakdown) (*Record, error) {
	rec, err := p.Prepare(ctx, r, breakdown)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case StatusPending:
		ok, err := p.store.CompareAndSetStatus(ctx, rec.ID, StatusPending, StatusProcessing)
		if err != nil {
			return nil, err
		}
		if !ok {
			// another worker took it
			return p.store.Get(ctx, rec.ID)
		}
		rec.Status = StatusProcessing
		return p.charge(ctx, rec)
	case StatusSucceeded:
		if rec.PayoutRef == "" {
			p.payout(ctx, rec)
		}
		return p.store.Get(ctx, rec.ID)
	default:
		// PROCESSING is owned elsewhere; FAILED waits for an explicit
		// retry; REFUNDED is final.
		return rec, nil
	}
}

// Prepare records a pending settlement for a completed rescue without
// touching the gateway. The HTTP layer calls it before enqueueing the
// settlement task so the worker never needs the price breakdown again.
func (p *Pipeline) Prepare(ctx context.Context, r *models.Rescue, breakdown pricing.Breakdown) (*Record, error) {
	if r.Status != models.StatusCompleted {
		return nil, apperr.BusinessRule("not_completed", "rescue "+r.ID+" is "+string(r.Status))
	}
	rec, err := p.store.GetByRescue(ctx, r.ID)
	if err == nil {
		return rec, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	driverID := ""
	if r.Assignment != nil {
		driverID = r.Assignment.DriverID
	}
	rec = &Record{
		ID:        newID(),
		RescueID:  r.ID,
		RiderID:   r.RiderID,
		DriverID:  driverID,
		Status:    StatusPending,
		Breakdown: breakdown,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		if apperr.IsBusinessRule(err) {
			// lost the creation race to a duplicate delivery
			return p.store.GetByRescue(ctx, r.ID)
		}
		return nil, err
	}
	return rec, nil
}

// charge calls the gateway with bounded retries and exponential backoff.
// Exactly one external charge is created: the loop stops on the first
// success and records its reference before the payout stage starts.
func (p *Pipeline) charge(ctx context.Context, rec *Record) (*Record, error) {
	attempts := rec.Attempts
	backoff := p.baseBackoff
	for {
		attempts++
		ref, err := p.gateway.Charge(ctx, rec.Breakdown.Total, rec.RiderID)
		if err == nil {
			if err := p.store.MarkCharged(ctx, rec.ID, ref, attempts); err != nil {
				return nil, err
			}
			observability.SettlementOutcomes.WithLabelValues("charge", "succeeded").Inc()
			p.log.Info("charge succeeded", "payment_id", rec.ID, "rescue_id", rec.RescueID, "charge_ref", ref, "attempts", attempts)
			rec.Status = StatusSucceeded
			rec.ChargeRef = ref
			p.payout(ctx, rec)
			return p.store.Get(ctx, rec.ID)
		}

		if apperr.IsRetryable(err) && attempts < p.maxAttempts {
			observability.GatewayRetries.Inc()
			p.log.Warn("charge attempt failed, retrying", "payment_id", rec.ID, "attempt", attempts, "backoff", backoff, "error", err)
			if serr := p.sleep(ctx, backoff); serr != nil {
				// shutdown mid-retry: leave PROCESSING for the next delivery
				return rec, serr
			}
			backoff *= 2
			continue
		}

		reason := failureFrom(err)
		if merr := p.store.MarkFailed(ctx, rec.ID, reason, attempts); merr != nil {
			return nil, merr
		}
		observability.SettlementOutcomes.WithLabelValues("charge", "failed").Inc()
		p.log.Error("charge permanently failed", "payment_id", rec.ID, "rescue_id", rec.RescueID, "code", reason.Code, "attempts", attempts)
		return p.store.Get(ctx, rec.ID)
	}
}

// Retry re-drives a permanently failed charge, or a record still
// PENDING because its settlement task was never delivered. The
// compare-and-set to PROCESSING means two concurrent retries produce
// exactly one new attempt run.
func (p *Pipeline) Retry(ctx context.Context, recordID string) (*Record, error) {
	rec, err := p.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	from := StatusFailed
	if rec.Status == StatusPending {
		from = StatusPending
	}
	ok, err := p.store.CompareAndSetStatus(ctx, recordID, from, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("payment_record", recordID, string(from))
	}
	rec.Status = StatusProcessing
	rec.Attempts = 0
	return p.charge(ctx, rec)
}

// payout transfers the driver's share. The payout claim compare-and-set
// happens before the gateway call, so concurrent drivers of one record
// (a redelivered task racing the sweep) produce exactly one transfer.
// A claim is released on gateway failure so the sweep can re-drive it.
func (p *Pipeline) payout(ctx context.Context, rec *Record) {
	if rec.PayoutRef != "" || rec.DriverID == "" {
		return
	}
	ok, err := p.store.ClaimPayout(ctx, rec.ID)
	if err != nil {
		p.log.Error("payout claim failed", "payment_id", rec.ID, "error", err)
		return
	}
	if !ok {
		// another worker holds the claim or already recorded the payout
		return
	}
	ref, err := p.gateway.Payout(ctx, rec.Breakdown.DriverPayout, rec.DriverID)
	if err != nil {
		if rerr := p.store.ReleasePayoutClaim(ctx, rec.ID); rerr != nil {
			p.log.Error("payout claim not released", "payment_id", rec.ID, "error", rerr)
		}
		observability.SettlementOutcomes.WithLabelValues("payout", "deferred").Inc()
		p.log.Warn("payout deferred", "payment_id", rec.ID, "driver_id", rec.DriverID, "error", err)
		return
	}
	if err := p.store.MarkPayout(ctx, rec.ID, ref); err != nil {
		p.log.Error("payout recorded at gateway but not persisted", "payment_id", rec.ID, "payout_ref", ref, "error", err)
		return
	}
	observability.SettlementOutcomes.WithLabelValues("payout", "succeeded").Inc()
	p.log.Info("payout succeeded", "payment_id", rec.ID, "driver_id", rec.DriverID, "payout_ref", ref)
}

// RunPayoutSweep finds succeeded charges with no payout recorded and
// (re)drives the payout stage with bounded concurrency.
func (p *Pipeline) RunPayoutSweep(ctx context.Context, limit, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}
	recs, err := p.store.ListSucceededWithoutPayout(ctx, limit)
	if err != nil {
		return err
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, rec := range recs {
		rec := rec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.payout(ctx, rec)
		}()
	}
	wg.Wait()
	return nil
}

// RunPendingSweep re-drives records stuck in PENDING because the
// settlement task was never delivered (enqueue failed or the queue
// dropped it). Only records older than minAge are touched so the sweep
// does not race a task that is still in flight.
func (p *Pipeline) RunPendingSweep(ctx context.Context, minAge time.Duration, limit, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}
	recs, err := p.store.ListPendingOlderThan(ctx, time.Now().Add(-minAge), limit)
	if err != nil {
		return err
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, rec := range recs {
		rec := rec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ok, err := p.store.CompareAndSetStatus(ctx, rec.ID, StatusPending, StatusProcessing)
			if err != nil || !ok {
				return
			}
			rec.Status = StatusProcessing
			if _, err := p.charge(ctx, rec); err != nil {
				p.log.Error("pending sweep charge failed", "payment_id", rec.ID, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Refund returns up to the charged amount after a cancellation. A nil
// amount refunds the full total; larger requests are clamped.
func (p *Pipeline) Refund(ctx context.Context, rescueID string, amount *money.Money) (*Record, error) {
	rec, err := p.store.GetByRescue(ctx, rescueID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusSucceeded || rec.ChargeRef == "" {
		return nil, apperr.BusinessRule("not_refundable", "payment "+rec.ID+" has no settled charge")
	}
	amt := rec.Breakdown.Total
	if amount != nil {
		amt, err = amount.Min(rec.Breakdown.Total)
		if err != nil {
			return nil, err
		}
	}
	ref, err := p.gateway.Refund(ctx, rec.ChargeRef, amt)
	if err != nil {
		observability.SettlementOutcomes.WithLabelValues("refund", "failed").Inc()
		return nil, err
	}
	ok, err := p.store.MarkRefunded(ctx, rec.ID, ref, amt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("payment_record", rec.ID, string(StatusSucceeded))
	}
	observability.SettlementOutcomes.WithLabelValues("refund", "succeeded").Inc()
	p.log.Info("refund issued", "payment_id", rec.ID, "rescue_id", rescueID, "amount", amt, "refund_ref", ref)
	return p.store.Get(ctx, rec.ID)
}

func failureFrom(err error) FailureReason {
	var ee *apperr.ExternalError
	if errors.As(err, &ee) {
		return FailureReason{Code: ee.Code, Message: ee.Error()}
	}
	return FailureReason{Code: "unknown", Message: err.Error()}
}
