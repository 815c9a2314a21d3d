package pgloadboard

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  vendor_id TEXT NOT NULL,
  pickup_location TEXT NOT NULL,
  delivery_location TEXT NOT NULL,
  cargo_type TEXT NOT NULL,
  weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
  dimensions TEXT NOT NULL DEFAULT '',
  price_cents BIGINT NOT NULL,
  min_bid_cents BIGINT NULL,
  status TEXT NOT NULL,
  driver_id TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_vendor_id ON shipments(vendor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_driver_id ON shipments(driver_id) WHERE driver_id IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS requests (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  driver_id TEXT NOT NULL,
  outcome TEXT NOT NULL DEFAULT 'pending',
  requested_at TIMESTAMPTZ NOT NULL,
  resolved_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_shipment_id ON requests(shipment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_pending_requested_at ON requests(requested_at) WHERE outcome = 'pending'`,
		// Один водитель — не больше одной активной заявки на груз.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_requests_pending_per_driver ON requests(shipment_id, driver_id) WHERE outcome = 'pending'`,
		`
CREATE TABLE IF NOT EXISTS tracking_entries (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  status TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT '',
  recorded_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_entries_shipment_id_recorded_at ON tracking_entries(shipment_id, recorded_at, id)`,
		`
CREATE TABLE IF NOT EXISTS chat_threads (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id),
  vendor_id TEXT NOT NULL,
  driver_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (shipment_id, vendor_id, driver_id)
)`,
		`
CREATE TABLE IF NOT EXISTS chat_messages (
  id BIGSERIAL PRIMARY KEY,
  thread_id BIGINT NOT NULL REFERENCES chat_threads(id),
  sender_id TEXT NOT NULL,
  sender_role TEXT NOT NULL,
  body TEXT NOT NULL,
  attachment_url TEXT NOT NULL DEFAULT '',
  sent_at TIMESTAMPTZ NOT NULL,
  deleted BOOLEAN NOT NULL DEFAULT FALSE,
  deleted_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_thread_id_sent_at ON chat_messages(thread_id, sent_at, id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
