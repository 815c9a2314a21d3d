package trackinglog

import (
	"context"

	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/models"
)

type Repository interface {
	AppendTrackingEntry(ctx context.Context, in models.TrackingEntryInput) (*models.TrackingEntry, error)
	ListTrackingEntries(ctx context.Context, shipmentID uint64, afterID uint64, limit int) ([]*models.TrackingEntry, error)
}

// Service is the append-only checkpoint log. It is deliberately dumb: it
// takes the status label the caller gives it and never inspects the shipment,
// so location pings keep flowing no matter what state the load is in.
type Service struct {
	repo Repository
}

func New(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Append(ctx context.Context, in models.TrackingEntryInput) (*models.TrackingEntry, error) {
	if in.ShipmentID == 0 {
		return nil, errors.Wrap(models.ErrValidation, "shipmentId is required")
	}
	if in.Status == "" {
		return nil, errors.Wrap(models.ErrValidation, "status label is required")
	}
	if !in.Status.IsValid() {
		return nil, errors.Wrapf(models.ErrValidation, "unknown status label %q", in.Status)
	}
	return s.repo.AppendTrackingEntry(ctx, in)
}

// History reads oldest-first. afterID is a resume cursor: callers re-issue
// the call with the last entry id they saw and continue without gaps.
func (s *Service) History(ctx context.Context, shipmentID uint64, afterID uint64, limit int) ([]*models.TrackingEntry, error) {
	if shipmentID == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "shipmentId is required")
	}
	return s.repo.ListTrackingEntries(ctx, shipmentID, afterID, limit)
}
