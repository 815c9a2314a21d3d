package models

import "time"

type SenderRole string

const (
	SenderRoleVendor SenderRole = "vendor"
	SenderRoleDriver SenderRole = "driver"
)

func (r SenderRole) IsValid() bool {
	return r == SenderRoleVendor || r == SenderRoleDriver
}

// ThreadKey identifies the single conversation allowed between one vendor and
// one driver about one shipment.
type ThreadKey struct {
	ShipmentID uint64
	VendorID   string
	DriverID   string
}

type ChatThread struct {
	ID         uint64
	ShipmentID uint64
	VendorID   string
	DriverID   string
	CreatedAt  time.Time
}

// ChatMessage. ID doubles as the insertion sequence: when two messages carry
// the same sent_at, readers order by ID.
type ChatMessage struct {
	ID            uint64
	ThreadID      uint64
	SenderID      string
	SenderRole    SenderRole
	Body          string
	AttachmentURL string
	SentAt        time.Time
	Deleted       bool
	DeletedAt     *time.Time
}

type ChatMessageInput struct {
	Key           ThreadKey
	SenderID      string
	SenderRole    SenderRole
	Body          string
	AttachmentURL string
}
