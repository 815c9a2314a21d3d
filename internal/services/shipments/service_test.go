package shipments

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loadhub/loadboard/internal/broker/messages"
	"github.com/loadhub/loadboard/internal/models"
	"github.com/loadhub/loadboard/internal/storage/pgloadboard"
)

type fakeRepo struct {
	created   models.ShipmentCreateInput
	shipment  *models.Shipment
	oldStatus models.ShipmentStatus
	err       error

	getCalls    int
	transitions []pgloadboard.ShipmentTransition
}

func (f *fakeRepo) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	f.created = in
	return f.shipment, f.err
}
func (f *fakeRepo) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.shipment, nil
}
func (f *fakeRepo) ListShipments(ctx context.Context, fl models.ShipmentFilter) ([]*models.Shipment, error) {
	return []*models.Shipment{f.shipment}, f.err
}
func (f *fakeRepo) UpdateShipmentDetails(ctx context.Context, id uint64, vendorID string, in models.ShipmentUpdateInput) (*models.Shipment, error) {
	return f.shipment, f.err
}
func (f *fakeRepo) TransitionShipment(ctx context.Context, tr pgloadboard.ShipmentTransition) (*models.Shipment, models.ShipmentStatus, error) {
	f.transitions = append(f.transitions, tr)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.shipment, f.oldStatus, nil
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

type capturingProducer struct {
	topics []string
	keys   []string
	values [][]byte
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, string(key))
	p.values = append(p.values, value)
	return nil
}

func openShipment() *models.Shipment {
	now := time.Now().UTC()
	return &models.Shipment{
		ID:               7,
		VendorID:         "vendor-1",
		PickupLocation:   "Warsaw",
		DeliveryLocation: "Berlin",
		CargoType:        "pallets",
		WeightKG:         120,
		PriceCents:       50000,
		Status:           models.ShipmentStatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestService_Create_validate(t *testing.T) {
	s := New(&fakeRepo{}, nil, 0, nil, "")

	_, err := s.Create(context.Background(), models.ShipmentCreateInput{})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = s.Create(context.Background(), models.ShipmentCreateInput{
		VendorID: "v1", PickupLocation: "A", DeliveryLocation: "B", PriceCents: 0,
	})
	require.ErrorIs(t, err, models.ErrValidation)

	neg := int64(-1)
	_, err = s.Create(context.Background(), models.ShipmentCreateInput{
		VendorID: "v1", PickupLocation: "A", DeliveryLocation: "B", PriceCents: 100, MinBidCents: &neg,
	})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestService_Create_publishesStatusEvent(t *testing.T) {
	r := &fakeRepo{shipment: openShipment()}
	p := &capturingProducer{}
	s := New(r, nil, 0, p, "shipment.status_changed")

	sh, err := s.Create(context.Background(), models.ShipmentCreateInput{
		VendorID: "vendor-1", PickupLocation: "Warsaw", DeliveryLocation: "Berlin", PriceCents: 50000,
	})
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusOpen, sh.Status)

	require.Len(t, p.values, 1)
	require.Equal(t, "7", p.keys[0])
	var ev messages.ShipmentStatusChanged
	require.NoError(t, json.Unmarshal(p.values[0], &ev))
	require.Equal(t, "open", ev.NewStatus)
	require.Empty(t, ev.OldStatus)
}

func TestService_Get_cacheHit(t *testing.T) {
	r := &fakeRepo{}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 5*time.Minute, nil, "")

	want := openShipment()
	b, _ := json.Marshal(want)
	c.m["shipment:7:current"] = b

	got, err := s.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, 0, r.getCalls) // БД не трогали
}

func TestService_Get_cacheMissFills(t *testing.T) {
	r := &fakeRepo{shipment: openShipment()}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 5*time.Minute, nil, "")

	_, err := s.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, r.getCalls)
	require.Contains(t, c.m, "shipment:7:current")
}

func TestService_Cancel_buildsTransition(t *testing.T) {
	sh := openShipment()
	sh.Status = models.ShipmentStatusCancelled
	r := &fakeRepo{shipment: sh, oldStatus: models.ShipmentStatusRequested}
	s := New(r, nil, 0, nil, "")

	_, err := s.Cancel(context.Background(), 7, "vendor-1")
	require.NoError(t, err)
	require.Len(t, r.transitions, 1)

	tr := r.transitions[0]
	require.Equal(t, models.ShipmentStatusCancelled, tr.To)
	require.ElementsMatch(t,
		[]models.ShipmentStatus{models.ShipmentStatusOpen, models.ShipmentStatusRequested, models.ShipmentStatusAccepted},
		tr.From)
	require.True(t, tr.ClearDriver)
	require.True(t, tr.RejectPending)
	require.Equal(t, "vendor-1", tr.RequireVendor)

	_, err = s.Cancel(context.Background(), 7, "")
	require.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestService_Start_requiresAssignedDriver(t *testing.T) {
	sh := openShipment()
	sh.Status = models.ShipmentStatusInProgress
	r := &fakeRepo{shipment: sh, oldStatus: models.ShipmentStatusAccepted}
	s := New(r, nil, 0, nil, "")

	_, err := s.Start(context.Background(), 7, "driver-9", "Warsaw depot")
	require.NoError(t, err)

	tr := r.transitions[0]
	require.Equal(t, []models.ShipmentStatus{models.ShipmentStatusAccepted}, tr.From)
	require.Equal(t, models.ShipmentStatusInProgress, tr.To)
	require.Equal(t, "driver-9", tr.RequireDriver)
	require.Equal(t, "Warsaw depot", tr.Location)

	_, err = s.Start(context.Background(), 7, "", "")
	require.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestService_Fail_defaultNote(t *testing.T) {
	sh := openShipment()
	sh.Status = models.ShipmentStatusFailed
	r := &fakeRepo{shipment: sh, oldStatus: models.ShipmentStatusInProgress}
	s := New(r, nil, 0, nil, "")

	_, err := s.Fail(context.Background(), 7, "driver-9", "")
	require.NoError(t, err)
	require.Equal(t, "driver reported failure", r.transitions[0].Note)
	require.Equal(t, models.ShipmentStatusFailed, r.transitions[0].To)
	require.True(t, r.transitions[0].ClearDriver)
}

func TestService_List_rejectsUnknownStatus(t *testing.T) {
	s := New(&fakeRepo{shipment: openShipment()}, nil, 0, nil, "")

	_, err := s.List(context.Background(), models.ShipmentFilter{Status: "burning"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = s.List(context.Background(), models.ShipmentFilter{Status: models.ShipmentStatusOpen})
	require.NoError(t, err)
}

// condStore mimics the storage contract in memory: conditional update keyed
// on the current status, driver binding applied in the same step.
type condStore struct {
	sh models.Shipment
}

func (c *condStore) apply(tr pgloadboard.ShipmentTransition) bool {
	ok := false
	for _, from := range tr.From {
		if c.sh.Status == from {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if tr.RequireDriver != "" && (c.sh.DriverID == nil || *c.sh.DriverID != tr.RequireDriver) {
		return false
	}
	c.sh.Status = tr.To
	if tr.SetDriver != nil {
		c.sh.DriverID = tr.SetDriver
	}
	if tr.ClearDriver {
		c.sh.DriverID = nil
	}
	return true
}

// Randomized mix of legal and illegal conditional writes: the driver binding
// invariant (driver set ⇔ status holds a driver) must survive every outcome.
func TestDriverBinding_InvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	driver := "driver-9"

	ops := []pgloadboard.ShipmentTransition{
		{From: []models.ShipmentStatus{models.ShipmentStatusOpen, models.ShipmentStatusRequested},
			To: models.ShipmentStatusRequested},
		{From: []models.ShipmentStatus{models.ShipmentStatusOpen, models.ShipmentStatusRequested},
			To: models.ShipmentStatusAccepted, SetDriver: &driver},
		{From: []models.ShipmentStatus{models.ShipmentStatusAccepted},
			To: models.ShipmentStatusInProgress, RequireDriver: driver},
		{From: []models.ShipmentStatus{models.ShipmentStatusInProgress},
			To: models.ShipmentStatusCompleted, RequireDriver: driver},
		{From: []models.ShipmentStatus{models.ShipmentStatusInProgress},
			To: models.ShipmentStatusFailed, RequireDriver: driver, ClearDriver: true},
		{From: models.TransitionSources(models.ShipmentStatusCancelled),
			To: models.ShipmentStatusCancelled, ClearDriver: true},
		// Заведомо нелегальные попытки: CAS обязан их отбрасывать.
		{From: []models.ShipmentStatus{models.ShipmentStatusInProgress},
			To: models.ShipmentStatusCompleted, RequireDriver: "driver-impostor"},
		{From: []models.ShipmentStatus{models.ShipmentStatusCompleted},
			To: models.ShipmentStatusOpen},
	}

	for run := 0; run < 100; run++ {
		store := &condStore{sh: models.Shipment{ID: 1, Status: models.ShipmentStatusOpen}}
		for step := 0; step < 30; step++ {
			store.apply(ops[rng.Intn(len(ops))])

			hasDriver := store.sh.DriverID != nil
			require.Equal(t, store.sh.Status.RequiresDriver(), hasDriver,
				"status %s with driver=%v", store.sh.Status, hasDriver)
		}
	}
}

// Random walks over the status table: terminal states never have successors,
// and every state that requires a driver is only reachable from open/requested
// (via accept) or another driver-holding state.
func TestStatusTable_RandomWalks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	all := []models.ShipmentStatus{
		models.ShipmentStatusOpen, models.ShipmentStatusRequested, models.ShipmentStatusAccepted,
		models.ShipmentStatusInProgress, models.ShipmentStatusCompleted,
		models.ShipmentStatusFailed, models.ShipmentStatusCancelled,
	}

	for walk := 0; walk < 200; walk++ {
		cur := models.ShipmentStatusOpen
		for step := 0; step < 10; step++ {
			var next []models.ShipmentStatus
			for _, st := range all {
				if st != cur && cur.CanTransitionTo(st) {
					next = append(next, st)
				}
			}
			if cur.IsTerminal() {
				require.Empty(t, next, "terminal status %s has successors", cur)
				break
			}
			require.NotEmpty(t, next, "non-terminal status %s is stuck", cur)

			prev := cur
			cur = next[rng.Intn(len(next))]
			if cur.RequiresDriver() && !prev.RequiresDriver() {
				// Единственный вход в accepted из open/requested — это accept,
				// который и привязывает водителя.
				require.Equal(t, models.ShipmentStatusAccepted, cur)
			}
		}
	}
}
