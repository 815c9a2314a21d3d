package models

import "time"

type ShipmentStatus string

// Статусы груза. Переходы задаёт shipmentTransitions, не меняйте порядок без него.
const (
	ShipmentStatusOpen       ShipmentStatus = "open"
	ShipmentStatusRequested  ShipmentStatus = "requested"
	ShipmentStatusAccepted   ShipmentStatus = "accepted"
	ShipmentStatusInProgress ShipmentStatus = "in_progress"
	ShipmentStatusCompleted  ShipmentStatus = "completed"
	ShipmentStatusFailed     ShipmentStatus = "failed"
	ShipmentStatusCancelled  ShipmentStatus = "cancelled"
)

// shipmentTransitions is the legal-successor table. Terminal statuses have no
// entry: nothing leaves completed/failed/cancelled.
var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentStatusOpen:       {ShipmentStatusRequested, ShipmentStatusAccepted, ShipmentStatusCancelled},
	ShipmentStatusRequested:  {ShipmentStatusRequested, ShipmentStatusAccepted, ShipmentStatusCancelled},
	ShipmentStatusAccepted:   {ShipmentStatusInProgress, ShipmentStatusCancelled},
	ShipmentStatusInProgress: {ShipmentStatusCompleted, ShipmentStatusFailed},
}

func (s ShipmentStatus) String() string {
	return string(s)
}

func (s ShipmentStatus) IsValid() bool {
	switch s {
	case ShipmentStatusOpen, ShipmentStatusRequested, ShipmentStatusAccepted,
		ShipmentStatusInProgress, ShipmentStatusCompleted, ShipmentStatusFailed, ShipmentStatusCancelled:
		return true
	default:
		return false
	}
}

func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentStatusCompleted || s == ShipmentStatusFailed || s == ShipmentStatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ShipmentStatus) CanTransitionTo(next ShipmentStatus) bool {
	for _, to := range shipmentTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// RequiresDriver reports whether a shipment in this status must carry an
// assigned driver.
func (s ShipmentStatus) RequiresDriver() bool {
	return s == ShipmentStatusAccepted || s == ShipmentStatusInProgress || s == ShipmentStatusCompleted
}

// TransitionSources lists the statuses from which `to` is reachable.
func TransitionSources(to ShipmentStatus) []ShipmentStatus {
	var out []ShipmentStatus
	for from, tos := range shipmentTransitions {
		for _, t := range tos {
			if t == to && from != to {
				out = append(out, from)
			}
		}
	}
	return out
}

type Shipment struct {
	ID               uint64
	VendorID         string
	PickupLocation   string
	DeliveryLocation string
	CargoType        string
	WeightKG         float64
	Dimensions       string
	PriceCents       int64
	MinBidCents      *int64
	Status           ShipmentStatus
	DriverID         *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ShipmentCreateInput struct {
	VendorID         string
	PickupLocation   string
	DeliveryLocation string
	CargoType        string
	WeightKG         float64
	Dimensions       string
	PriceCents       int64
	MinBidCents      *int64
}

// ShipmentUpdateInput carries vendor edits allowed while the shipment is
// still open. Nil fields are left untouched.
type ShipmentUpdateInput struct {
	PickupLocation   *string
	DeliveryLocation *string
	CargoType        *string
	WeightKG         *float64
	Dimensions       *string
	PriceCents       *int64
	MinBidCents      *int64
}

// ShipmentFilter narrows List queries. Zero values mean "no filter".
type ShipmentFilter struct {
	VendorID string
	DriverID string
	Status   ShipmentStatus
	Limit    int
	Offset   int
}
