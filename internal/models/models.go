package models

import (
	"time"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IssueType identifies what went wrong with the rider's vehicle and
// selects the base fee for the rescue.
type IssueType string

const (
	IssueFlatTire    IssueType = "flat_tire"
	IssueDeadBattery IssueType = "dead_battery"
	IssueMechanical  IssueType = "mechanical"
	IssueLockedOut   IssueType = "locked_out"
	IssueOther       IssueType = "other"
)

func (t IssueType) Valid() bool {
	switch t {
	case IssueFlatTire, IssueDeadBattery, IssueMechanical, IssueLockedOut, IssueOther:
		return true
	}
	return false
}

// RescueStatus uses the domain vocabulary everywhere, including JSON.
type RescueStatus string

const (
	StatusRequested         RescueStatus = "requested"
	StatusMatched           RescueStatus = "matched"
	StatusAccepted          RescueStatus = "accepted"
	StatusEnRoute           RescueStatus = "en_route"
	StatusArrived           RescueStatus = "arrived"
	StatusInProgress        RescueStatus = "in_progress"
	StatusCompleted         RescueStatus = "completed"
	StatusCancelledByRider  RescueStatus = "cancelled_by_rider"
	StatusCancelledByDriver RescueStatus = "cancelled_by_driver"
	StatusCancelledBySystem RescueStatus = "cancelled_by_system"
	StatusFailed            RescueStatus = "failed"
)

// Terminal reports whether a rescue in this status can never change again.
func (s RescueStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByRider, StatusCancelledByDriver, StatusCancelledBySystem, StatusFailed:
		return true
	}
	return false
}

// Actor identifies who requested a transition.
type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
	ActorSystem Actor = "system"
)

// TimelineEntry is one append-only audit record on a rescue.
type TimelineEntry struct {
	Status RescueStatus `json:"status"`
	Note   string       `json:"note,omitempty"`
	At     time.Time    `json:"at"`
}

// Assignment binds a claimed driver to a rescue.
type Assignment struct {
	DriverID   string     `json:"driver_id"`
	MatchedAt  time.Time  `json:"matched_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt  *time.Time `json:"arrived_at,omitempty"`
}

type Rescue struct {
	ID            string          `json:"id"`
	RiderID       string          `json:"rider_id"`
	Status        RescueStatus    `json:"status"`
	Pickup        Coord           `json:"pickup"`
	Dropoff       *Coord          `json:"dropoff,omitempty"`
	IssueType     IssueType       `json:"issue_type"`
	PriceEstimate money.Money     `json:"price_estimate"`
	FinalPrice    *money.Money    `json:"final_price,omitempty"`
	Assignment    *Assignment     `json:"assignment,omitempty"`
	Timeline      []TimelineEntry `json:"timeline"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DriverAvailability is the dispatch view of one driver. An empty
// ActiveRescueID means unclaimed; a claimed driver is never available.
type DriverAvailability struct {
	DriverID       string    `json:"driver_id"`
	Loc            Coord     `json:"loc"`
	Online         bool      `json:"online"`
	Available      bool      `json:"available"`
	ActiveRescueID string    `json:"active_rescue_id,omitempty"`
	Updated        time.Time `json:"updated"`
}

// LocationUpdate is one driver position push.
type LocationUpdate struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Timestamp time.Time `json:"timestamp"`
}

// ETAUpdate is the derived stream fanned out to rescue subscribers.
type ETAUpdate struct {
	RescueID      string    `json:"rescue_id"`
	DriverID      string    `json:"driver_id"`
	Loc           Coord     `json:"loc"`
	DistanceMiles float64   `json:"distance_miles"`
	ETASeconds    float64   `json:"eta_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}
