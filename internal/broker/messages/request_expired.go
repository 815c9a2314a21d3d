package messages

import "time"

// RequestExpired is published by the sweeper for every pending request it
// resolves to expired, so downstream consumers (notification stubs, driver
// apps) can tell drivers their bid lapsed.
type RequestExpired struct {
	RequestID   uint64    `json:"request_id"`
	ShipmentID  uint64    `json:"shipment_id"`
	DriverID    string    `json:"driver_id"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiredAt   time.Time `json:"expired_at"`
}
