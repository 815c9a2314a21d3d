package loadboard_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loadhub/loadboard/internal/models"
	"github.com/loadhub/loadboard/internal/services/chat"
)

type fakeShipments struct {
	shipment *models.Shipment
	err      error

	lastCreate models.ShipmentCreateInput
	lastFilter models.ShipmentFilter
	started    []string
}

func (f *fakeShipments) Create(_ context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	f.lastCreate = in
	return f.shipment, f.err
}
func (f *fakeShipments) Get(_ context.Context, id uint64) (*models.Shipment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.shipment, nil
}
func (f *fakeShipments) List(_ context.Context, fl models.ShipmentFilter) ([]*models.Shipment, error) {
	f.lastFilter = fl
	if f.err != nil {
		return nil, f.err
	}
	return []*models.Shipment{f.shipment}, nil
}
func (f *fakeShipments) UpdateDetails(_ context.Context, id uint64, vendorID string, _ models.ShipmentUpdateInput) (*models.Shipment, error) {
	return f.shipment, f.err
}
func (f *fakeShipments) Cancel(_ context.Context, id uint64, vendorID string) (*models.Shipment, error) {
	return f.shipment, f.err
}
func (f *fakeShipments) Start(_ context.Context, id uint64, driverID, location string) (*models.Shipment, error) {
	f.started = append(f.started, driverID+"@"+location)
	return f.shipment, f.err
}
func (f *fakeShipments) Complete(_ context.Context, id uint64, driverID, location string) (*models.Shipment, error) {
	return f.shipment, f.err
}
func (f *fakeShipments) Fail(_ context.Context, id uint64, driverID, note string) (*models.Shipment, error) {
	return f.shipment, f.err
}

type fakeMatching struct {
	request *models.Request
	err     error
}

func (f *fakeMatching) SubmitRequest(_ context.Context, shipmentID uint64, driverID string) (*models.Request, error) {
	return f.request, f.err
}
func (f *fakeMatching) AcceptRequest(_ context.Context, requestID uint64, vendorID string) (*models.Request, error) {
	return f.request, f.err
}
func (f *fakeMatching) WithdrawRequest(_ context.Context, requestID uint64, driverID string) (*models.Request, error) {
	return f.request, f.err
}
func (f *fakeMatching) ListRequests(_ context.Context, shipmentID uint64) ([]*models.Request, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.request == nil {
		return nil, nil
	}
	return []*models.Request{f.request}, nil
}

func pendingRequestFrom(driverID string) *models.Request {
	return &models.Request{
		ID: 3, ShipmentID: 7, DriverID: driverID,
		Outcome: models.RequestOutcomePending, RequestedAt: time.Now().UTC(),
	}
}

type fakeTracking struct {
	entry *models.TrackingEntry
	last  models.TrackingEntryInput
	err   error
}

func (f *fakeTracking) Append(_ context.Context, in models.TrackingEntryInput) (*models.TrackingEntry, error) {
	f.last = in
	return f.entry, f.err
}
func (f *fakeTracking) History(_ context.Context, shipmentID, afterID uint64, limit int) ([]*models.TrackingEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*models.TrackingEntry{f.entry}, nil
}

type fakeChat struct {
	msg     *models.ChatMessage
	lastIn  models.ChatMessageInput
	lastKey models.ThreadKey
	err     error
}

func (f *fakeChat) Send(_ context.Context, in models.ChatMessageInput) (*models.ChatMessage, error) {
	f.lastIn = in
	return f.msg, f.err
}
func (f *fakeChat) Messages(_ context.Context, key models.ThreadKey, afterID uint64, limit int) ([]*models.ChatMessage, error) {
	f.lastKey = key
	if f.err != nil {
		return nil, f.err
	}
	return []*models.ChatMessage{f.msg}, nil
}
func (f *fakeChat) Delete(_ context.Context, messageID uint64, requesterID string) error {
	return f.err
}
func (f *fakeChat) Subscribe(_ context.Context, key models.ThreadKey, buffer int) (*chat.Subscription, error) {
	return nil, f.err
}

func strPtr(s string) *string { return &s }

func testShipment() *models.Shipment {
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

func newTestAPI(sh *fakeShipments, m *fakeMatching, tr *fakeTracking, ch *fakeChat) http.Handler {
	if sh == nil {
		sh = &fakeShipments{shipment: testShipment()}
	}
	if m == nil {
		m = &fakeMatching{}
	}
	if tr == nil {
		tr = &fakeTracking{}
	}
	if ch == nil {
		ch = &fakeChat{}
	}
	return New(sh, m, tr, ch).Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, actorID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Healthz(t *testing.T) {
	rec := doJSON(t, newTestAPI(nil, nil, nil, nil), http.MethodGet, "/healthz", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPI_RequiresIdentity(t *testing.T) {
	h := newTestAPI(nil, nil, nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/v1/shipments/7", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/shipments/7", "u1", "admin", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_CreateShipment(t *testing.T) {
	sh := &fakeShipments{shipment: testShipment()}
	h := newTestAPI(sh, nil, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments", "vendor-1", roleVendor, map[string]any{
		"pickup_location":   "Warsaw",
		"delivery_location": "Berlin",
		"cargo_type":        "pallets",
		"weight_kg":         120,
		"price_cents":       50000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "vendor-1", sh.lastCreate.VendorID)

	var got shipmentDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, uint64(7), got.ID)
	require.Equal(t, "open", got.Status)
}

func TestAPI_CreateShipment_WrongRole(t *testing.T) {
	h := newTestAPI(nil, nil, nil, nil)
	rec := doJSON(t, h, http.MethodPost, "/v1/shipments", "driver-1", roleDriver, map[string]any{})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_ListShipments_Filter(t *testing.T) {
	sh := &fakeShipments{shipment: testShipment()}
	h := newTestAPI(sh, nil, nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/v1/shipments?status=open&vendor_id=vendor-1&limit=10", "driver-1", roleDriver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.ShipmentStatusOpen, sh.lastFilter.Status)
	require.Equal(t, "vendor-1", sh.lastFilter.VendorID)
	require.Equal(t, 10, sh.lastFilter.Limit)
}

func TestAPI_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		body string
	}{
		{models.ErrNotFound, http.StatusNotFound, "not_found"},
		{models.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
		{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{models.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{models.ErrValidation, http.StatusBadRequest, "validation"},
	}
	for _, tc := range cases {
		sh := &fakeShipments{err: tc.err}
		h := newTestAPI(sh, nil, nil, nil)
		rec := doJSON(t, h, http.MethodGet, "/v1/shipments/7", "vendor-1", roleVendor, nil)
		require.Equal(t, tc.code, rec.Code, tc.body)

		var eb errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
		require.Equal(t, tc.body, eb.Code)
	}
}

func TestAPI_StartShipment(t *testing.T) {
	sh := &fakeShipments{shipment: testShipment()}
	h := newTestAPI(sh, nil, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/start", "driver-9", roleDriver, map[string]any{
		"location": "Poznan",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"driver-9@Poznan"}, sh.started)
}

func TestAPI_SubmitAndAcceptRequest(t *testing.T) {
	now := time.Now().UTC()
	m := &fakeMatching{request: &models.Request{
		ID: 3, ShipmentID: 7, DriverID: "driver-9",
		Outcome: models.RequestOutcomePending, RequestedAt: now,
	}}
	h := newTestAPI(nil, m, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/requests", "driver-9", roleDriver, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	m.request.Outcome = models.RequestOutcomeAccepted
	rec = doJSON(t, h, http.MethodPost, "/v1/requests/3/accept", "vendor-1", roleVendor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got requestDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "accepted", got.Outcome)
}

func TestAPI_AcceptRequest_LostRace(t *testing.T) {
	m := &fakeMatching{err: models.ErrRequestAlreadyResolved}
	h := newTestAPI(nil, m, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/requests/3/accept", "vendor-1", roleVendor, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	require.Equal(t, "request_already_resolved", eb.Code)
}

func TestAPI_AppendTracking_DefaultsStatus(t *testing.T) {
	tr := &fakeTracking{entry: &models.TrackingEntry{
		ID: 1, ShipmentID: 7, Status: models.ShipmentStatusInProgress, RecordedAt: time.Now().UTC(),
	}}
	h := newTestAPI(nil, nil, tr, nil)

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/tracking", "driver-9", roleDriver, map[string]any{
		"location": "Lodz",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, models.ShipmentStatusInProgress, tr.last.Status)
	require.Equal(t, "Lodz", tr.last.Location)
}

func TestAPI_SendMessage_BuildsThreadKey(t *testing.T) {
	ch := &fakeChat{msg: &models.ChatMessage{
		ID: 1, ThreadID: 2, SenderID: "driver-9",
		SenderRole: models.SenderRoleDriver, Body: "eta 18:00", SentAt: time.Now().UTC(),
	}}
	h := newTestAPI(nil, &fakeMatching{request: pendingRequestFrom("driver-9")}, nil, ch)

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/chat/driver-9/messages", "driver-9", roleDriver, map[string]any{
		"body": "eta 18:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, models.ThreadKey{ShipmentID: 7, VendorID: "vendor-1", DriverID: "driver-9"}, ch.lastIn.Key)
	require.Equal(t, models.SenderRoleDriver, ch.lastIn.SenderRole)
}

func TestAPI_SendMessage_StrangerDriverForbidden(t *testing.T) {
	h := newTestAPI(nil, nil, nil, &fakeChat{})

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/chat/driver-9/messages", "driver-2", roleDriver, map[string]any{
		"body": "hi",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_Chat_UnassociatedDriverNotFound(t *testing.T) {
	// Водитель без заявки и без назначения: треда для него не существует.
	h := newTestAPI(nil, &fakeMatching{}, nil, &fakeChat{})

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/chat/driver-9/messages", "driver-9", roleDriver, map[string]any{
		"body": "hi",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	require.Equal(t, "not_found", eb.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/shipments/7/chat/driver-9/messages", "vendor-1", roleVendor, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Chat_AssignedDriverReachableWithoutRequests(t *testing.T) {
	shipment := testShipment()
	shipment.Status = models.ShipmentStatusAccepted
	shipment.DriverID = strPtr("driver-9")
	ch := &fakeChat{msg: &models.ChatMessage{ID: 1, ThreadID: 2, Body: "hi", SenderRole: models.SenderRoleDriver}}
	h := newTestAPI(&fakeShipments{shipment: shipment}, &fakeMatching{}, nil, ch)

	rec := doJSON(t, h, http.MethodPost, "/v1/shipments/7/chat/driver-9/messages", "driver-9", roleDriver, map[string]any{
		"body": "hi",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, models.ThreadKey{ShipmentID: 7, VendorID: "vendor-1", DriverID: "driver-9"}, ch.lastIn.Key)
}

func TestAPI_ListMessages(t *testing.T) {
	ch := &fakeChat{msg: &models.ChatMessage{ID: 1, ThreadID: 2, Body: "hi", SenderRole: models.SenderRoleVendor}}
	h := newTestAPI(nil, &fakeMatching{request: pendingRequestFrom("driver-9")}, nil, ch)

	rec := doJSON(t, h, http.MethodGet, "/v1/shipments/7/chat/driver-9/messages?after_id=0", "vendor-1", roleVendor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.ThreadKey{ShipmentID: 7, VendorID: "vendor-1", DriverID: "driver-9"}, ch.lastKey)
}

func TestAPI_DeleteMessage_EmptyBodyErrNotLeaked(t *testing.T) {
	ch := &fakeChat{err: models.ErrNotAuthorized}
	h := newTestAPI(nil, nil, nil, ch)

	rec := doJSON(t, h, http.MethodDelete, "/v1/chat/messages/5", "vendor-2", roleVendor, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestToShipmentDTO_Pointers(t *testing.T) {
	sh := testShipment()
	sh.DriverID = strPtr("driver-9")
	min := int64(100)
	sh.MinBidCents = &min

	dto := toShipmentDTO(sh)
	require.Equal(t, "driver-9", *dto.DriverID)
	require.Equal(t, int64(100), *dto.MinBidCents)
}
