package models

import "time"

type RequestOutcome string

const (
	RequestOutcomePending   RequestOutcome = "pending"
	RequestOutcomeAccepted  RequestOutcome = "accepted"
	RequestOutcomeRejected  RequestOutcome = "rejected"
	RequestOutcomeWithdrawn RequestOutcome = "withdrawn"
	// RequestOutcomeExpired is written by the sweeper when a pending request
	// outlives the configured TTL. Distinct from withdrawn, which records a
	// driver action.
	RequestOutcomeExpired RequestOutcome = "expired"
)

func (o RequestOutcome) String() string {
	return string(o)
}

func (o RequestOutcome) IsValid() bool {
	switch o {
	case RequestOutcomePending, RequestOutcomeAccepted, RequestOutcomeRejected,
		RequestOutcomeWithdrawn, RequestOutcomeExpired:
		return true
	default:
		return false
	}
}

// IsResolved reports whether the request has reached a final outcome.
func (o RequestOutcome) IsResolved() bool {
	return o != RequestOutcomePending
}

// Request is a driver's bid on an open shipment. Many requests may coexist
// for one shipment; at most one ever becomes accepted.
type Request struct {
	ID          uint64
	ShipmentID  uint64
	DriverID    string
	Outcome     RequestOutcome
	RequestedAt time.Time
	ResolvedAt  *time.Time
}
