package loadboard_api

import (
	"context"
	"net/http"
	"time"

	"github.com/loadhub/loadboard/internal/models"
)

type shipmentDTO struct {
	ID               uint64    `json:"id"`
	VendorID         string    `json:"vendor_id"`
	PickupLocation   string    `json:"pickup_location"`
	DeliveryLocation string    `json:"delivery_location"`
	CargoType        string    `json:"cargo_type"`
	WeightKG         float64   `json:"weight_kg"`
	Dimensions       string    `json:"dimensions,omitempty"`
	PriceCents       int64     `json:"price_cents"`
	MinBidCents      *int64    `json:"min_bid_cents,omitempty"`
	Status           string    `json:"status"`
	DriverID         *string   `json:"driver_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toShipmentDTO(s *models.Shipment) shipmentDTO {
	return shipmentDTO{
		ID:               s.ID,
		VendorID:         s.VendorID,
		PickupLocation:   s.PickupLocation,
		DeliveryLocation: s.DeliveryLocation,
		CargoType:        s.CargoType,
		WeightKG:         s.WeightKG,
		Dimensions:       s.Dimensions,
		PriceCents:       s.PriceCents,
		MinBidCents:      s.MinBidCents,
		Status:           s.Status.String(),
		DriverID:         s.DriverID,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func toShipmentDTOs(in []*models.Shipment) []shipmentDTO {
	out := make([]shipmentDTO, 0, len(in))
	for _, s := range in {
		out = append(out, toShipmentDTO(s))
	}
	return out
}

type createShipmentRequest struct {
	PickupLocation   string  `json:"pickup_location"`
	DeliveryLocation string  `json:"delivery_location"`
	CargoType        string  `json:"cargo_type"`
	WeightKG         float64 `json:"weight_kg"`
	Dimensions       string  `json:"dimensions"`
	PriceCents       int64   `json:"price_cents"`
	MinBidCents      *int64  `json:"min_bid_cents"`
}

func (a *LoadboardAPI) createShipment(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleVendor)
	if !ok {
		return
	}
	var req createShipmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sh, err := a.shipments.Create(r.Context(), models.ShipmentCreateInput{
		VendorID:         act.ID,
		PickupLocation:   req.PickupLocation,
		DeliveryLocation: req.DeliveryLocation,
		CargoType:        req.CargoType,
		WeightKG:         req.WeightKG,
		Dimensions:       req.Dimensions,
		PriceCents:       req.PriceCents,
		MinBidCents:      req.MinBidCents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShipmentDTO(sh))
}

func (a *LoadboardAPI) listShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := a.shipments.List(r.Context(), models.ShipmentFilter{
		VendorID: q.Get("vendor_id"),
		DriverID: q.Get("driver_id"),
		Status:   models.ShipmentStatus(q.Get("status")),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": toShipmentDTOs(list)})
}

func (a *LoadboardAPI) getShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	sh, err := a.shipments.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentDTO(sh))
}

type updateShipmentRequest struct {
	PickupLocation   *string  `json:"pickup_location"`
	DeliveryLocation *string  `json:"delivery_location"`
	CargoType        *string  `json:"cargo_type"`
	WeightKG         *float64 `json:"weight_kg"`
	Dimensions       *string  `json:"dimensions"`
	PriceCents       *int64   `json:"price_cents"`
	MinBidCents      *int64   `json:"min_bid_cents"`
}

func (a *LoadboardAPI) updateShipment(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleVendor)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	var req updateShipmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sh, err := a.shipments.UpdateDetails(r.Context(), id, act.ID, models.ShipmentUpdateInput{
		PickupLocation:   req.PickupLocation,
		DeliveryLocation: req.DeliveryLocation,
		CargoType:        req.CargoType,
		WeightKG:         req.WeightKG,
		Dimensions:       req.Dimensions,
		PriceCents:       req.PriceCents,
		MinBidCents:      req.MinBidCents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentDTO(sh))
}

func (a *LoadboardAPI) cancelShipment(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleVendor)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	sh, err := a.shipments.Cancel(r.Context(), id, act.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentDTO(sh))
}

// progressRequest carries the optional checkpoint detail a driver attaches to
// start/complete/fail.
type progressRequest struct {
	Location string `json:"location"`
	Note     string `json:"note"`
}

func (a *LoadboardAPI) startShipment(w http.ResponseWriter, r *http.Request) {
	a.driverTransition(w, r, a.shipments.Start)
}

func (a *LoadboardAPI) completeShipment(w http.ResponseWriter, r *http.Request) {
	a.driverTransition(w, r, a.shipments.Complete)
}

func (a *LoadboardAPI) failShipment(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleDriver)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	var req progressRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	sh, err := a.shipments.Fail(r.Context(), id, act.ID, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentDTO(sh))
}

func (a *LoadboardAPI) driverTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id uint64, driverID, location string) (*models.Shipment, error),
) {
	act, ok := requireRole(w, r, roleDriver)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	var req progressRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	sh, err := fn(r.Context(), id, act.ID, req.Location)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentDTO(sh))
}
