// Package settlement runs the charge -> payout -> refund pipeline for
// completed rescues. Every status change is a compare-and-set so retries
// and at-least-once task delivery cannot double-charge.
package settlement

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/pricing"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// FailureReason carries the gateway error that stopped a settlement.
type FailureReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is the audit row for one rescue settlement. Records are never
// deleted; a permanently failed one stays FAILED until an operator
// triggers an explicit retry.
type Record struct {
	ID        string            `json:"id"`
	RescueID  string            `json:"rescue_id"`
	RiderID   string            `json:"rider_id"`
	DriverID  string            `json:"driver_id"`
	Status    Status            `json:"status"`
	Breakdown pricing.Breakdown `json:"breakdown"`
	Attempts  int               `json:"attempts"`
	Failure   *FailureReason    `json:"failure,omitempty"`

	ChargeRef      string       `json:"charge_ref,omitempty"`
	PayoutRef      string       `json:"payout_ref,omitempty"`
	RefundRef      string       `json:"refund_ref,omitempty"`
	RefundedAmount *money.Money `json:"refunded_amount,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
