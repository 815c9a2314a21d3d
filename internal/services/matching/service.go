package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/broker/messages"
	"github.com/loadhub/loadboard/internal/cache"
	"github.com/loadhub/loadboard/internal/models"
)

type Repository interface {
	SubmitRequest(ctx context.Context, shipmentID uint64, driverID string) (*models.Request, error)
	GetRequestByID(ctx context.Context, id uint64) (*models.Request, error)
	ListRequestsByShipment(ctx context.Context, shipmentID uint64) ([]*models.Request, error)
	AcceptRequest(ctx context.Context, requestID uint64, vendorID string) (*models.Request, *models.Shipment, error)
	WithdrawRequest(ctx context.Context, requestID uint64, driverID string) (*models.Request, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Service resolves competing driver requests into at most one assignment.
// The atomicity lives in the repository's conditional writes; the service is
// validation, rate limiting and post-commit bookkeeping.
type Service struct {
	repo  Repository
	cache cache.BytesCache

	rl                RateLimiter
	requestsPerMinute int64

	producer Producer
	topic    string
}

func New(repo Repository, c cache.BytesCache, rl RateLimiter, requestsPerMinute int64, producer Producer, topic string) *Service {
	return &Service{
		repo: repo, cache: c,
		rl: rl, requestsPerMinute: requestsPerMinute,
		producer: producer, topic: topic,
	}
}

// SubmitRequest files a pending bid. Fails with ErrShipmentNotOpen once the
// shipment has left open/requested.
func (s *Service) SubmitRequest(ctx context.Context, shipmentID uint64, driverID string) (*models.Request, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "shipmentId is required")
	}
	if driverID == "" {
		return nil, errors.Wrap(models.ErrValidation, "driverId is required")
	}

	if s.rl != nil && s.requestsPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:requests:%s:%s", driverID, time.Now().UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, minuteKey, s.requestsPerMinute, 70*time.Second)
		if err == nil && !allowed {
			return nil, errors.Wrapf(models.ErrRateLimited, "driver %s sent %d requests this minute", driverID, n)
		}
	}

	req, err := s.repo.SubmitRequest(ctx, shipmentID, driverID)
	if err != nil {
		return nil, err
	}

	// Заявка могла перевести груз open → requested; кэш статуса устарел.
	s.invalidate(ctx, shipmentID)
	return req, nil
}

// AcceptRequest confirms one bid. Exactly one concurrent caller wins; every
// other one gets ErrRequestAlreadyResolved. Auto-accept bots go through this
// same method and inherit the same guarantee.
func (s *Service) AcceptRequest(ctx context.Context, requestID uint64, vendorID string) (*models.Request, error) {
	if requestID == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "requestId is required")
	}
	if vendorID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "vendorId is required")
	}

	win, sh, err := s.repo.AcceptRequest(ctx, requestID, vendorID)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, sh.ID)
	s.publishStatus(ctx, sh)
	return win, nil
}

func (s *Service) WithdrawRequest(ctx context.Context, requestID uint64, driverID string) (*models.Request, error) {
	if requestID == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "requestId is required")
	}
	if driverID == "" {
		return nil, errors.Wrap(models.ErrNotAuthorized, "driverId is required")
	}
	return s.repo.WithdrawRequest(ctx, requestID, driverID)
}

// ListRequests is the vendor's view of bids on their shipment.
func (s *Service) ListRequests(ctx context.Context, shipmentID uint64) ([]*models.Request, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "shipmentId is required")
	}
	return s.repo.ListRequestsByShipment(ctx, shipmentID)
}

func (s *Service) invalidate(ctx context.Context, shipmentID uint64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, fmt.Sprintf("shipment:%d:current", shipmentID))
}

func (s *Service) publishStatus(ctx context.Context, sh *models.Shipment) {
	if s.producer == nil || s.topic == "" {
		return
	}
	b, err := json.Marshal(messages.ShipmentStatusChanged{
		ShipmentID: sh.ID,
		VendorID:   sh.VendorID,
		NewStatus:  string(sh.Status),
		DriverID:   sh.DriverID,
		OccurredAt: sh.UpdatedAt,
	})
	if err != nil {
		return
	}
	_ = s.producer.Publish(ctx, s.topic, []byte(fmt.Sprintf("%d", sh.ID)), b)
}
