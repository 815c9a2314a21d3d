package loadboard_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loadhub/loadboard/internal/models"
)

type chatMessageDTO struct {
	ID            uint64     `json:"id"`
	ThreadID      uint64     `json:"thread_id"`
	SenderID      string     `json:"sender_id"`
	SenderRole    string     `json:"sender_role"`
	Body          string     `json:"body"`
	AttachmentURL string     `json:"attachment_url,omitempty"`
	SentAt        time.Time  `json:"sent_at"`
	Deleted       bool       `json:"deleted,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

func toChatMessageDTO(m *models.ChatMessage) chatMessageDTO {
	return chatMessageDTO{
		ID:            m.ID,
		ThreadID:      m.ThreadID,
		SenderID:      m.SenderID,
		SenderRole:    string(m.SenderRole),
		Body:          m.Body,
		AttachmentURL: m.AttachmentURL,
		SentAt:        m.SentAt,
		Deleted:       m.Deleted,
		DeletedAt:     m.DeletedAt,
	}
}

// threadKey resolves the conversation key from the URL and the caller. The
// vendor side of the key comes from the shipment record; the caller must be
// one of the two parties.
func (a *LoadboardAPI) threadKey(w http.ResponseWriter, r *http.Request) (models.ThreadKey, bool) {
	shipmentID, ok := pathID(w, r, "shipmentID")
	if !ok {
		return models.ThreadKey{}, false
	}
	driverID := chi.URLParam(r, "driverID")
	if driverID == "" {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "driverID is required")
		return models.ThreadKey{}, false
	}

	sh, err := a.shipments.Get(r.Context(), shipmentID)
	if err != nil {
		writeError(w, err)
		return models.ThreadKey{}, false
	}

	act := actorFrom(r)
	switch act.Role {
	case roleVendor:
		if act.ID != sh.VendorID {
			writeErrorCode(w, http.StatusForbidden, "not_authorized", "caller is not the shipment vendor")
			return models.ThreadKey{}, false
		}
	case roleDriver:
		if act.ID != driverID {
			writeErrorCode(w, http.StatusForbidden, "not_authorized", "caller is not the thread driver")
			return models.ThreadKey{}, false
		}
	}

	// Тред появляется только когда водитель связан с грузом: назначен на
	// него или подавал заявку.
	if sh.DriverID == nil || *sh.DriverID != driverID {
		reqs, err := a.matching.ListRequests(r.Context(), shipmentID)
		if err != nil {
			writeError(w, err)
			return models.ThreadKey{}, false
		}
		associated := false
		for _, req := range reqs {
			if req.DriverID == driverID {
				associated = true
				break
			}
		}
		if !associated {
			writeErrorCode(w, http.StatusNotFound, "not_found", "no conversation between this driver and this shipment")
			return models.ThreadKey{}, false
		}
	}

	return models.ThreadKey{ShipmentID: shipmentID, VendorID: sh.VendorID, DriverID: driverID}, true
}

type sendMessageRequest struct {
	Body          string `json:"body"`
	AttachmentURL string `json:"attachment_url"`
}

func (a *LoadboardAPI) sendMessage(w http.ResponseWriter, r *http.Request) {
	key, ok := a.threadKey(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	act := actorFrom(r)
	msg, err := a.chat.Send(r.Context(), models.ChatMessageInput{
		Key:           key,
		SenderID:      act.ID,
		SenderRole:    models.SenderRole(act.Role),
		Body:          req.Body,
		AttachmentURL: req.AttachmentURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatMessageDTO(msg))
}

func (a *LoadboardAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	key, ok := a.threadKey(w, r)
	if !ok {
		return
	}
	msgs, err := a.chat.Messages(r.Context(), key, queryUint(r, "after_id"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]chatMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatMessageDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (a *LoadboardAPI) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	act := actorFrom(r)
	if err := a.chat.Delete(r.Context(), id, act.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// subscribeChat streams the thread over SSE: the whole backlog first, then
// live messages as they land. The stream ends when the client disconnects.
func (a *LoadboardAPI) subscribeChat(w http.ResponseWriter, r *http.Request) {
	key, ok := a.threadKey(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeErrorCode(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sub, err := a.chat.Subscribe(r.Context(), key, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Heartbeat keeps intermediaries from timing out idle streams.
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case msg, open := <-sub.C:
			if !open {
				return
			}
			b, err := json.Marshal(toChatMessageDTO(msg))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", msg.ID, b)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
