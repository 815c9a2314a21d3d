package messages

import "time"

// ShipmentStatusChanged is published after every committed lifecycle
// transition. Keyed by shipment id so per-shipment order is preserved.
type ShipmentStatusChanged struct {
	ShipmentID uint64 `json:"shipment_id"`
	VendorID   string `json:"vendor_id"`

	OldStatus string  `json:"old_status,omitempty"`
	NewStatus string  `json:"new_status"`
	DriverID  *string `json:"driver_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
