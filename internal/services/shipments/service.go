package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/broker/messages"
	"github.com/loadhub/loadboard/internal/cache"
	"github.com/loadhub/loadboard/internal/models"
	"github.com/loadhub/loadboard/internal/storage/pgloadboard"
)

type Repository interface {
	CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error)
	GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error)
	ListShipments(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error)
	UpdateShipmentDetails(ctx context.Context, id uint64, vendorID string, in models.ShipmentUpdateInput) (*models.Shipment, error)
	TransitionShipment(ctx context.Context, tr pgloadboard.ShipmentTransition) (*models.Shipment, models.ShipmentStatus, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Service drives the shipment lifecycle. Every mutating call resolves to one
// conditional write in the repository; the service adds validation, actor
// checks, cache upkeep and event publication.
type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration

	producer Producer
	topic    string
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration, producer Producer, topic string) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL, producer: producer, topic: topic}
}

func (s *Service) Create(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	if in.VendorID == "" {
		return nil, errors.Wrap(models.ErrValidation, "vendorId is required")
	}
	if strings.TrimSpace(in.PickupLocation) == "" {
		return nil, errors.Wrap(models.ErrValidation, "pickupLocation is required")
	}
	if strings.TrimSpace(in.DeliveryLocation) == "" {
		return nil, errors.Wrap(models.ErrValidation, "deliveryLocation is required")
	}
	if in.PriceCents <= 0 {
		return nil, errors.Wrap(models.ErrValidation, "priceCents must be positive")
	}
	if in.MinBidCents != nil && *in.MinBidCents < 0 {
		return nil, errors.Wrap(models.ErrValidation, "minBidCents must not be negative")
	}

	sh, err := s.repo.CreateShipment(ctx, in)
	if err != nil {
		return nil, err
	}

	s.afterChange(ctx, sh, "")
	return sh, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.Shipment, error) {
	if id == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "shipmentId is required")
	}

	if s.cache != nil && s.currentTTL > 0 {
		b, ok, err := s.cache.Get(ctx, currentKey(id))
		if err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.repo.GetShipmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, sh)
	return sh, nil
}

func (s *Service) List(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, errors.Wrapf(models.ErrValidation, "unknown status %q", f.Status)
	}
	return s.repo.ListShipments(ctx, f)
}

// UpdateDetails applies vendor edits; legal only while the shipment is open.
func (s *Service) UpdateDetails(ctx context.Context, id uint64, vendorID string, in models.ShipmentUpdateInput) (*models.Shipment, error) {
	if vendorID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "vendorId is required")
	}
	if in.PriceCents != nil && *in.PriceCents <= 0 {
		return nil, errors.Wrap(models.ErrValidation, "priceCents must be positive")
	}

	sh, err := s.repo.UpdateShipmentDetails(ctx, id, vendorID, in)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, sh)
	return sh, nil
}

// Cancel is vendor-initiated and legal from open/requested/accepted. It
// clears the driver binding and resolves every outstanding request to
// rejected in the same atomic step.
func (s *Service) Cancel(ctx context.Context, id uint64, vendorID string) (*models.Shipment, error) {
	if vendorID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "vendorId is required")
	}
	return s.transition(ctx, pgloadboard.ShipmentTransition{
		ShipmentID:    id,
		From:          models.TransitionSources(models.ShipmentStatusCancelled),
		To:            models.ShipmentStatusCancelled,
		ClearDriver:   true,
		RejectPending: true,
		RequireVendor: vendorID,
		Note:          "cancelled by vendor",
	})
}

// Start moves accepted → in_progress; assigned driver only.
func (s *Service) Start(ctx context.Context, id uint64, driverID, location string) (*models.Shipment, error) {
	if driverID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "driverId is required")
	}
	return s.transition(ctx, pgloadboard.ShipmentTransition{
		ShipmentID:    id,
		From:          []models.ShipmentStatus{models.ShipmentStatusAccepted},
		To:            models.ShipmentStatusInProgress,
		RequireDriver: driverID,
		Location:      location,
		Note:          "driver started execution",
	})
}

// Complete moves in_progress → completed; assigned driver only.
func (s *Service) Complete(ctx context.Context, id uint64, driverID, location string) (*models.Shipment, error) {
	if driverID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "driverId is required")
	}
	return s.transition(ctx, pgloadboard.ShipmentTransition{
		ShipmentID:    id,
		From:          []models.ShipmentStatus{models.ShipmentStatusInProgress},
		To:            models.ShipmentStatusCompleted,
		RequireDriver: driverID,
		Location:      location,
		Note:          "delivery completed",
	})
}

// Fail records a driver-reported failure; terminal.
func (s *Service) Fail(ctx context.Context, id uint64, driverID, note string) (*models.Shipment, error) {
	if driverID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "driverId is required")
	}
	if note == "" {
		note = "driver reported failure"
	}
	// Водитель отвязывается: failed, как и cancelled, груз не держит.
	return s.transition(ctx, pgloadboard.ShipmentTransition{
		ShipmentID:    id,
		From:          []models.ShipmentStatus{models.ShipmentStatusInProgress},
		To:            models.ShipmentStatusFailed,
		RequireDriver: driverID,
		ClearDriver:   true,
		Note:          note,
	})
}

func (s *Service) transition(ctx context.Context, tr pgloadboard.ShipmentTransition) (*models.Shipment, error) {
	sh, old, err := s.repo.TransitionShipment(ctx, tr)
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, sh, old)
	return sh, nil
}

// afterChange refreshes the cache and publishes the status event. Both are
// best effort: the transition already committed.
func (s *Service) afterChange(ctx context.Context, sh *models.Shipment, old models.ShipmentStatus) {
	s.cacheSet(ctx, sh)

	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.ShipmentStatusChanged{
		ShipmentID: sh.ID,
		VendorID:   sh.VendorID,
		OldStatus:  string(old),
		NewStatus:  string(sh.Status),
		DriverID:   sh.DriverID,
		OccurredAt: sh.UpdatedAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = s.producer.Publish(ctx, s.topic, []byte(fmt.Sprintf("%d", sh.ID)), b)
}

func (s *Service) cacheSet(ctx context.Context, sh *models.Shipment) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, _ := json.Marshal(sh)
	_ = s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL)
}

func currentKey(id uint64) string {
	return fmt.Sprintf("shipment:%d:current", id)
}
