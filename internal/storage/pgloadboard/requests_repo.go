package pgloadboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/models"
)

const requestCols = ` id, shipment_id, driver_id, outcome, requested_at, resolved_at`

func scanRequest(row pgx.Row) (*models.Request, error) {
	var r models.Request
	var resolvedAt *time.Time
	if err := row.Scan(&r.ID, &r.ShipmentID, &r.DriverID, &r.Outcome, &r.RequestedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.ResolvedAt = resolvedAt
	return &r, nil
}

// SubmitRequest creates a pending request against an open/requested shipment
// and bumps an open shipment to requested in the same transaction. The
// FOR UPDATE on the shipment row serializes submissions against concurrent
// accepts, so a request can never land on an already-bound shipment.
func (s *Storage) SubmitRequest(ctx context.Context, shipmentID uint64, driverID string) (*models.Request, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status models.ShipmentStatus
	err = tx.QueryRow(ctx, `SELECT status FROM shipments WHERE id = $1 FOR UPDATE`, shipmentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "shipment %d", shipmentID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock shipment")
	}

	if status != models.ShipmentStatusOpen && status != models.ShipmentStatusRequested {
		return nil, errors.Wrapf(models.ErrShipmentNotOpen, "shipment %d is %s", shipmentID, status)
	}

	if status == models.ShipmentStatusOpen {
		if _, err := tx.Exec(ctx, `UPDATE shipments SET status = $2, updated_at = $3 WHERE id = $1`,
			shipmentID, models.ShipmentStatusRequested, now); err != nil {
			return nil, errors.Wrap(err, "mark shipment requested")
		}
		if err := insertTrackingEntry(ctx, tx, shipmentID, models.ShipmentStatusRequested, "", "driver request received", now); err != nil {
			return nil, err
		}
	}

	// Повторная заявка того же водителя возвращает уже существующую pending.
	row := tx.QueryRow(ctx, `
INSERT INTO requests (shipment_id, driver_id, outcome, requested_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (shipment_id, driver_id) WHERE outcome = 'pending'
DO UPDATE SET driver_id = EXCLUDED.driver_id
RETURNING`+requestCols,
		shipmentID, driverID, models.RequestOutcomePending, now)
	req, err := scanRequest(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert request")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return req, nil
}

func (s *Storage) GetRequestByID(ctx context.Context, id uint64) (*models.Request, error) {
	row := s.db.QueryRow(ctx, `SELECT`+requestCols+` FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "request %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select request")
	}
	return req, nil
}

func (s *Storage) ListRequestsByShipment(ctx context.Context, shipmentID uint64) ([]*models.Request, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+requestCols+`
FROM requests
WHERE shipment_id = $1
ORDER BY requested_at ASC, id ASC
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select requests")
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan request")
		}
		out = append(out, req)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// AcceptRequest resolves the accept race. The conditional shipment update is
// the lock point: concurrent accepts of sibling requests queue on the row,
// and every loser observes the already-changed status and fails cleanly with
// ErrRequestAlreadyResolved. Locks are always taken shipment-first, then
// request rows, so sibling accepts cannot deadlock.
func (s *Storage) AcceptRequest(ctx context.Context, requestID uint64, vendorID string) (*models.Request, *models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	req, err := scanRequest(tx.QueryRow(ctx, `SELECT`+requestCols+` FROM requests WHERE id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, errors.Wrapf(models.ErrNotFound, "request %d", requestID)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "select request")
	}
	if req.Outcome.IsResolved() {
		return nil, nil, errors.Wrapf(models.ErrRequestAlreadyResolved, "request %d is %s", requestID, req.Outcome)
	}

	row := tx.QueryRow(ctx, `
UPDATE shipments SET status = $2, driver_id = $3, updated_at = $4
WHERE id = $1 AND status = ANY($5) AND ($6 = '' OR vendor_id = $6)
RETURNING`+shipmentCols,
		req.ShipmentID, models.ShipmentStatusAccepted, req.DriverID, now,
		statusStrings([]models.ShipmentStatus{models.ShipmentStatusOpen, models.ShipmentStatusRequested}),
		vendorID)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, s.explainAcceptMiss(ctx, req.ShipmentID, vendorID)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "bind shipment")
	}

	// Перечитываем под замком: между select и CAS заявку могли отозвать.
	winner, err := scanRequest(tx.QueryRow(ctx, `
UPDATE requests SET outcome = $2, resolved_at = $3
WHERE id = $1 AND outcome = $4
RETURNING`+requestCols,
		requestID, models.RequestOutcomeAccepted, now, models.RequestOutcomePending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, errors.Wrapf(models.ErrRequestAlreadyResolved, "request %d", requestID)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "accept request")
	}

	if _, err := tx.Exec(ctx, `
UPDATE requests SET outcome = $2, resolved_at = $3
WHERE shipment_id = $1 AND outcome = $4
`, req.ShipmentID, models.RequestOutcomeRejected, now, models.RequestOutcomePending); err != nil {
		return nil, nil, errors.Wrap(err, "reject sibling requests")
	}

	if err := insertTrackingEntry(ctx, tx, req.ShipmentID, models.ShipmentStatusAccepted, "", "driver "+req.DriverID+" assigned", now); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit tx")
	}
	return winner, sh, nil
}

func (s *Storage) explainAcceptMiss(ctx context.Context, shipmentID uint64, vendorID string) error {
	cur, err := s.GetShipmentByID(ctx, shipmentID)
	if err != nil {
		return err
	}
	if vendorID != "" && cur.VendorID != vendorID {
		return errors.Wrapf(models.ErrNotAuthorized, "shipment %d belongs to another vendor", shipmentID)
	}
	return errors.Wrapf(models.ErrRequestAlreadyResolved, "shipment %d is already %s", shipmentID, cur.Status)
}

func (s *Storage) WithdrawRequest(ctx context.Context, requestID uint64, driverID string) (*models.Request, error) {
	now := time.Now().UTC()

	req, err := scanRequest(s.db.QueryRow(ctx, `
UPDATE requests SET outcome = $3, resolved_at = $4
WHERE id = $1 AND driver_id = $2 AND outcome = $5
RETURNING`+requestCols,
		requestID, driverID, models.RequestOutcomeWithdrawn, now, models.RequestOutcomePending))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetRequestByID(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.DriverID != driverID {
			return nil, errors.Wrapf(models.ErrNotAuthorized, "request %d belongs to another driver", requestID)
		}
		return nil, errors.Wrapf(models.ErrRequestAlreadyResolved, "request %d is %s", requestID, cur.Outcome)
	}
	if err != nil {
		return nil, errors.Wrap(err, "withdraw request")
	}
	return req, nil
}

// ClaimExpiredRequests resolves pending requests older than cutoff to
// expired. SKIP LOCKED keeps sweeper replicas off each other's batches.
func (s *Storage) ClaimExpiredRequests(ctx context.Context, cutoff time.Time, limit int) ([]*models.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()

	rows, err := s.db.Query(ctx, `
UPDATE requests SET outcome = $1, resolved_at = $2
WHERE id IN (
  SELECT id FROM requests
  WHERE outcome = $3 AND requested_at < $4
  ORDER BY requested_at ASC
  LIMIT $5
  FOR UPDATE SKIP LOCKED
)
RETURNING`+requestCols,
		models.RequestOutcomeExpired, now, models.RequestOutcomePending, cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "expire requests")
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan expired request")
		}
		out = append(out, req)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
