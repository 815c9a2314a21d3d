package matching

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loadhub/loadboard/internal/broker/messages"
	"github.com/loadhub/loadboard/internal/models"
)

type fakeRepo struct {
	request  *models.Request
	shipment *models.Shipment
	err      error

	submitted []string
	accepted  []uint64
	withdrawn []uint64
}

func (f *fakeRepo) SubmitRequest(ctx context.Context, shipmentID uint64, driverID string) (*models.Request, error) {
	f.submitted = append(f.submitted, driverID)
	return f.request, f.err
}
func (f *fakeRepo) GetRequestByID(ctx context.Context, id uint64) (*models.Request, error) {
	return f.request, f.err
}
func (f *fakeRepo) ListRequestsByShipment(ctx context.Context, shipmentID uint64) ([]*models.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*models.Request{f.request}, nil
}
func (f *fakeRepo) AcceptRequest(ctx context.Context, requestID uint64, vendorID string) (*models.Request, *models.Shipment, error) {
	f.accepted = append(f.accepted, requestID)
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.request, f.shipment, nil
}
func (f *fakeRepo) WithdrawRequest(ctx context.Context, requestID uint64, driverID string) (*models.Request, error) {
	f.withdrawn = append(f.withdrawn, requestID)
	return f.request, f.err
}

type fakeCache struct {
	m map[string][]byte
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	return nil
}
func (c *fakeCache) Del(ctx context.Context, key string) error {
	delete(c.m, key)
	return nil
}

type fakeLimiter struct {
	allowed bool
	count   int64
	keys    []string
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	l.keys = append(l.keys, key)
	return l.allowed, l.count, nil
}

type capturingProducer struct {
	values [][]byte
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.values = append(p.values, value)
	return nil
}

func pendingReq() *models.Request {
	return &models.Request{
		ID: 3, ShipmentID: 7, DriverID: "driver-9",
		Outcome: models.RequestOutcomePending, RequestedAt: time.Now().UTC(),
	}
}

func TestService_SubmitRequest_validate(t *testing.T) {
	s := New(&fakeRepo{}, nil, nil, 0, nil, "")

	_, err := s.SubmitRequest(context.Background(), 0, "driver-9")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.SubmitRequest(context.Background(), 7, "")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestService_SubmitRequest_rateLimited(t *testing.T) {
	r := &fakeRepo{request: pendingReq()}
	rl := &fakeLimiter{allowed: false, count: 31}
	s := New(r, nil, rl, 30, nil, "")

	_, err := s.SubmitRequest(context.Background(), 7, "driver-9")
	require.ErrorIs(t, err, models.ErrRateLimited)
	require.Empty(t, r.submitted) // до репозитория не дошли
	require.Contains(t, rl.keys[0], "rl:requests:driver-9:")
}

func TestService_SubmitRequest_invalidatesCache(t *testing.T) {
	r := &fakeRepo{request: pendingReq()}
	c := &fakeCache{m: map[string][]byte{"shipment:7:current": []byte(`{}`)}}
	s := New(r, c, nil, 0, nil, "")

	req, err := s.SubmitRequest(context.Background(), 7, "driver-9")
	require.NoError(t, err)
	require.Equal(t, models.RequestOutcomePending, req.Outcome)
	require.NotContains(t, c.m, "shipment:7:current")
}

func TestService_AcceptRequest_publishesAndInvalidates(t *testing.T) {
	driver := "driver-9"
	accepted := pendingReq()
	accepted.Outcome = models.RequestOutcomeAccepted
	r := &fakeRepo{
		request: accepted,
		shipment: &models.Shipment{
			ID: 7, VendorID: "vendor-1",
			Status: models.ShipmentStatusAccepted, DriverID: &driver,
			UpdatedAt: time.Now().UTC(),
		},
	}
	c := &fakeCache{m: map[string][]byte{"shipment:7:current": []byte(`{}`)}}
	p := &capturingProducer{}
	s := New(r, c, nil, 0, p, "shipment.status_changed")

	win, err := s.AcceptRequest(context.Background(), 3, "vendor-1")
	require.NoError(t, err)
	require.Equal(t, models.RequestOutcomeAccepted, win.Outcome)
	require.NotContains(t, c.m, "shipment:7:current")

	require.Len(t, p.values, 1)
	var ev messages.ShipmentStatusChanged
	require.NoError(t, json.Unmarshal(p.values[0], &ev))
	require.Equal(t, "accepted", ev.NewStatus)
	require.NotNil(t, ev.DriverID)
	require.Equal(t, "driver-9", *ev.DriverID)
}

func TestService_AcceptRequest_lostRace(t *testing.T) {
	r := &fakeRepo{err: models.ErrRequestAlreadyResolved}
	p := &capturingProducer{}
	s := New(r, nil, nil, 0, p, "shipment.status_changed")

	_, err := s.AcceptRequest(context.Background(), 3, "vendor-1")
	require.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
	require.Empty(t, p.values)
}

func TestService_WithdrawRequest_validate(t *testing.T) {
	r := &fakeRepo{request: pendingReq()}
	s := New(r, nil, nil, 0, nil, "")

	_, err := s.WithdrawRequest(context.Background(), 0, "driver-9")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.WithdrawRequest(context.Background(), 3, "")
	require.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = s.WithdrawRequest(context.Background(), 3, "driver-9")
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, r.withdrawn)
}
