package loadboard_api

import (
	"net/http"
	"time"

	"github.com/loadhub/loadboard/internal/models"
)

type requestDTO struct {
	ID          uint64     `json:"id"`
	ShipmentID  uint64     `json:"shipment_id"`
	DriverID    string     `json:"driver_id"`
	Outcome     string     `json:"outcome"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func toRequestDTO(r *models.Request) requestDTO {
	return requestDTO{
		ID:          r.ID,
		ShipmentID:  r.ShipmentID,
		DriverID:    r.DriverID,
		Outcome:     r.Outcome.String(),
		RequestedAt: r.RequestedAt,
		ResolvedAt:  r.ResolvedAt,
	}
}

func (a *LoadboardAPI) submitRequest(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleDriver)
	if !ok {
		return
	}
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	req, err := a.matching.SubmitRequest(r.Context(), shipmentID, act.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

func (a *LoadboardAPI) listRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, roleVendor); !ok {
		return
	}
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	list, err := a.matching.ListRequests(r.Context(), shipmentID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]requestDTO, 0, len(list))
	for _, req := range list {
		out = append(out, toRequestDTO(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (a *LoadboardAPI) acceptRequest(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleVendor)
	if !ok {
		return
	}
	requestID, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	req, err := a.matching.AcceptRequest(r.Context(), requestID, act.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

func (a *LoadboardAPI) withdrawRequest(w http.ResponseWriter, r *http.Request) {
	act, ok := requireRole(w, r, roleDriver)
	if !ok {
		return
	}
	requestID, ok := pathID(w, r, "requestID")
	if !ok {
		return
	}
	req, err := a.matching.WithdrawRequest(r.Context(), requestID, act.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}
