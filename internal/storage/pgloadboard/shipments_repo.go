package pgloadboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/models"
)

const shipmentCols = `
  id, vendor_id, pickup_location, delivery_location,
  cargo_type, weight_kg, dimensions,
  price_cents, min_bid_cents,
  status, driver_id,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var minBid *int64
	var driverID *string
	if err := row.Scan(
		&sh.ID, &sh.VendorID, &sh.PickupLocation, &sh.DeliveryLocation,
		&sh.CargoType, &sh.WeightKG, &sh.Dimensions,
		&sh.PriceCents, &minBid,
		&sh.Status, &driverID,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sh.MinBidCents = minBid
	sh.DriverID = driverID
	return &sh, nil
}

func statusStrings(ss []models.ShipmentStatus) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	return out
}

// CreateShipment inserts the shipment as open and appends the initial
// tracking entry in the same transaction, so the log covers the whole life.
func (s *Storage) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
INSERT INTO shipments (
  vendor_id, pickup_location, delivery_location,
  cargo_type, weight_kg, dimensions,
  price_cents, min_bid_cents,
  status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
RETURNING`+shipmentCols,
		in.VendorID, in.PickupLocation, in.DeliveryLocation,
		in.CargoType, in.WeightKG, in.Dimensions,
		in.PriceCents, in.MinBidCents,
		models.ShipmentStatusOpen, now)

	sh, err := scanShipment(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}

	if err := insertTrackingEntry(ctx, tx, sh.ID, models.ShipmentStatusOpen, in.PickupLocation, "shipment created", now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sh, nil
}

func (s *Storage) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentCols+` FROM shipments WHERE id = $1`, id)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "shipment %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

func (s *Storage) ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+shipmentCols+`
FROM shipments
WHERE ($1 = '' OR vendor_id = $1)
  AND ($2 = '' OR driver_id = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC, id DESC
LIMIT $4 OFFSET $5
`, f.VendorID, f.DriverID, string(f.Status), limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpdateShipmentDetails applies vendor edits. Conditional on status = open so
// a concurrent accept can't race the edit into a bound shipment.
func (s *Storage) UpdateShipmentDetails(ctx context.Context, id uint64, vendorID string, in models.ShipmentUpdateInput) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `
UPDATE shipments SET
  pickup_location   = COALESCE($3, pickup_location),
  delivery_location = COALESCE($4, delivery_location),
  cargo_type        = COALESCE($5, cargo_type),
  weight_kg         = COALESCE($6, weight_kg),
  dimensions        = COALESCE($7, dimensions),
  price_cents       = COALESCE($8, price_cents),
  min_bid_cents     = COALESCE($9, min_bid_cents),
  updated_at        = now()
WHERE id = $1 AND vendor_id = $2 AND status = $10
RETURNING`+shipmentCols,
		id, vendorID,
		in.PickupLocation, in.DeliveryLocation, in.CargoType,
		in.WeightKG, in.Dimensions, in.PriceCents, in.MinBidCents,
		models.ShipmentStatusOpen)

	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainShipmentMiss(ctx, id, vendorID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update shipment details")
	}
	return sh, nil
}

// explainShipmentMiss turns a zero-row conditional update into the specific
// business error the caller must surface.
func (s *Storage) explainShipmentMiss(ctx context.Context, id uint64, vendorID string) error {
	return s.explainTransitionMiss(ctx, id, vendorID, "")
}

func (s *Storage) explainTransitionMiss(ctx context.Context, id uint64, vendorID, driverID string) error {
	cur, err := s.GetShipmentByID(ctx, id)
	if err != nil {
		return err
	}
	if vendorID != "" && cur.VendorID != vendorID {
		return errors.Wrapf(models.ErrNotAuthorized, "shipment %d belongs to another vendor", id)
	}
	if driverID != "" && (cur.DriverID == nil || *cur.DriverID != driverID) {
		return errors.Wrapf(models.ErrNotAuthorized, "shipment %d is not assigned to driver %s", id, driverID)
	}
	return errors.Wrapf(models.ErrInvalidTransition, "shipment %d is %s", id, cur.Status)
}

// ShipmentTransition describes one atomic lifecycle step: the conditional
// status write, the driver binding change, the request resolution, and the
// tracking entry it must leave behind.
type ShipmentTransition struct {
	ShipmentID uint64
	From       []models.ShipmentStatus
	To         models.ShipmentStatus

	// SetDriver binds the driver on accept; ClearDriver unbinds on
	// cancellation after accept. Mutually exclusive.
	SetDriver   *string
	ClearDriver bool

	// RejectPending closes every still-pending request as rejected in the
	// same transaction (vendor cancellation after requests exist).
	RejectPending bool

	// RequireVendor / RequireDriver fold the actor check into the same
	// conditional write. Empty string skips the check.
	RequireVendor string
	RequireDriver string

	Location string
	Note     string
}

// TransitionShipment is the single write path for status changes. Первый
// закоммиченный писатель выигрывает: проверка статуса и запись выполняются
// одним условным UPDATE. Returns the updated shipment and the status it left.
func (s *Storage) TransitionShipment(ctx context.Context, tr ShipmentTransition) (*models.Shipment, models.ShipmentStatus, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, "", errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sh models.Shipment
	var minBid *int64
	var driverID *string
	var oldStatus models.ShipmentStatus
	err = tx.QueryRow(ctx, `
UPDATE shipments s SET
  status = $2,
  driver_id = CASE
    WHEN $3::text IS NOT NULL THEN $3
    WHEN $4 THEN NULL
    ELSE s.driver_id
  END,
  updated_at = $5
FROM (SELECT id, status FROM shipments WHERE id = $1 FOR UPDATE) old
WHERE s.id = old.id AND old.status = ANY($6)
  AND ($7 = '' OR s.vendor_id = $7)
  AND ($8 = '' OR s.driver_id = $8)
RETURNING
  s.id, s.vendor_id, s.pickup_location, s.delivery_location,
  s.cargo_type, s.weight_kg, s.dimensions,
  s.price_cents, s.min_bid_cents,
  s.status, s.driver_id,
  s.created_at, s.updated_at,
  old.status`,
		tr.ShipmentID, tr.To, tr.SetDriver, tr.ClearDriver, now, statusStrings(tr.From),
		tr.RequireVendor, tr.RequireDriver).Scan(
		&sh.ID, &sh.VendorID, &sh.PickupLocation, &sh.DeliveryLocation,
		&sh.CargoType, &sh.WeightKG, &sh.Dimensions,
		&sh.PriceCents, &minBid,
		&sh.Status, &driverID,
		&sh.CreatedAt, &sh.UpdatedAt,
		&oldStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", s.explainTransitionMiss(ctx, tr.ShipmentID, tr.RequireVendor, tr.RequireDriver)
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "transition shipment")
	}
	sh.MinBidCents = minBid
	sh.DriverID = driverID

	if tr.RejectPending {
		_, err := tx.Exec(ctx, `
UPDATE requests SET outcome = $2, resolved_at = $3
WHERE shipment_id = $1 AND outcome = $4
`, tr.ShipmentID, models.RequestOutcomeRejected, now, models.RequestOutcomePending)
		if err != nil {
			return nil, "", errors.Wrap(err, "reject pending requests")
		}
	}

	if err := insertTrackingEntry(ctx, tx, tr.ShipmentID, tr.To, tr.Location, tr.Note, now); err != nil {
		return nil, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", errors.Wrap(err, "commit tx")
	}
	return &sh, oldStatus, nil
}
