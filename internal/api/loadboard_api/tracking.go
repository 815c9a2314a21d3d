package loadboard_api

import (
	"net/http"
	"time"

	"github.com/loadhub/loadboard/internal/models"
)

type trackingEntryDTO struct {
	ID         uint64    `json:"id"`
	ShipmentID uint64    `json:"shipment_id"`
	Status     string    `json:"status"`
	Location   string    `json:"location,omitempty"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func toTrackingEntryDTO(e *models.TrackingEntry) trackingEntryDTO {
	return trackingEntryDTO{
		ID:         e.ID,
		ShipmentID: e.ShipmentID,
		Status:     e.Status.String(),
		Location:   e.Location,
		Note:       e.Note,
		RecordedAt: e.RecordedAt,
		CreatedAt:  e.CreatedAt,
	}
}

func (a *LoadboardAPI) listTracking(w http.ResponseWriter, r *http.Request) {
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	entries, err := a.tracking.History(r.Context(), shipmentID, queryUint(r, "after_id"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]trackingEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTrackingEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type appendTrackingRequest struct {
	Status   string `json:"status"`
	Location string `json:"location"`
	Note     string `json:"note"`
}

// appendTracking records a location ping. The status label defaults to the
// in_progress checkpoint; pings never drive the lifecycle.
func (a *LoadboardAPI) appendTracking(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, roleDriver); !ok {
		return
	}
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return
	}
	var req appendTrackingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = models.ShipmentStatusInProgress.String()
	}
	entry, err := a.tracking.Append(r.Context(), models.TrackingEntryInput{
		ShipmentID: shipmentID,
		Status:     models.ShipmentStatus(req.Status),
		Location:   req.Location,
		Note:       req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrackingEntryDTO(entry))
}
