package pgloadboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/models"
)

func insertTrackingEntry(ctx context.Context, tx pgx.Tx, shipmentID uint64, status models.ShipmentStatus, location, note string, at time.Time) error {
	_, err := tx.Exec(ctx, `
INSERT INTO tracking_entries (shipment_id, status, location, note, recorded_at, created_at)
VALUES ($1, $2, $3, $4, $5, $5)
`, shipmentID, status, location, note, at.UTC())
	return errors.Wrap(err, "insert tracking entry")
}

// AppendTrackingEntry is the dumb append-only sink. It never looks at the
// shipment's current status and never fails on business rules.
func (s *Storage) AppendTrackingEntry(ctx context.Context, in models.TrackingEntryInput) (*models.TrackingEntry, error) {
	now := time.Now().UTC()

	var e models.TrackingEntry
	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_entries (shipment_id, status, location, note, recorded_at, created_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING id, shipment_id, status, location, note, recorded_at, created_at
`, in.ShipmentID, in.Status, in.Location, in.Note, now).Scan(
		&e.ID, &e.ShipmentID, &e.Status, &e.Location, &e.Note, &e.RecordedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "append tracking entry")
	}
	return &e, nil
}

// ListTrackingEntries reads history oldest-first. afterID is a resume cursor:
// pass the last seen entry id to continue, 0 to start from the beginning.
func (s *Storage) ListTrackingEntries(ctx context.Context, shipmentID uint64, afterID uint64, limit int) ([]*models.TrackingEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, status, location, note, recorded_at, created_at
FROM tracking_entries
WHERE shipment_id = $1 AND id > $2
ORDER BY recorded_at ASC, id ASC
LIMIT $3
`, shipmentID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking entries")
	}
	defer rows.Close()

	var out []*models.TrackingEntry
	for rows.Next() {
		var e models.TrackingEntry
		if err := rows.Scan(&e.ID, &e.ShipmentID, &e.Status, &e.Location, &e.Note, &e.RecordedAt, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan tracking entry")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
