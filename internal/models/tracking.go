package models

import "time"

// TrackingEntry is one immutable checkpoint in a shipment's history. Entries
// are append-only: никогда не обновляются и не удаляются.
type TrackingEntry struct {
	ID         uint64
	ShipmentID uint64
	Status     ShipmentStatus
	Location   string
	Note       string
	RecordedAt time.Time
	CreatedAt  time.Time
}

type TrackingEntryInput struct {
	ShipmentID uint64
	Status     ShipmentStatus
	Location   string
	Note       string
}
