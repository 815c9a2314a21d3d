package messages

import "time"

// ChatMessageCreated fans a stored chat message out to every API replica, so
// subscribers connected to a different instance still receive live events.
// Keyed by thread id.
type ChatMessageCreated struct {
	MessageID  uint64 `json:"message_id"`
	ThreadID   uint64 `json:"thread_id"`
	ShipmentID uint64 `json:"shipment_id"`
	VendorID   string `json:"vendor_id"`
	DriverID   string `json:"driver_id"`

	SenderID      string `json:"sender_id"`
	SenderRole    string `json:"sender_role"`
	Body          string `json:"body"`
	AttachmentURL string `json:"attachment_url,omitempty"`

	SentAt time.Time `json:"sent_at"`
}
