package loadboard_api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loadhub/loadboard/internal/models"
	"github.com/loadhub/loadboard/internal/services/chat"
)

type ShipmentsService interface {
	Create(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error)
	Get(ctx context.Context, id uint64) (*models.Shipment, error)
	List(ctx context.Context, f models.ShipmentFilter) ([]*models.Shipment, error)
	UpdateDetails(ctx context.Context, id uint64, vendorID string, in models.ShipmentUpdateInput) (*models.Shipment, error)
	Cancel(ctx context.Context, id uint64, vendorID string) (*models.Shipment, error)
	Start(ctx context.Context, id uint64, driverID, location string) (*models.Shipment, error)
	Complete(ctx context.Context, id uint64, driverID, location string) (*models.Shipment, error)
	Fail(ctx context.Context, id uint64, driverID, note string) (*models.Shipment, error)
}

type MatchingService interface {
	SubmitRequest(ctx context.Context, shipmentID uint64, driverID string) (*models.Request, error)
	AcceptRequest(ctx context.Context, requestID uint64, vendorID string) (*models.Request, error)
	WithdrawRequest(ctx context.Context, requestID uint64, driverID string) (*models.Request, error)
	ListRequests(ctx context.Context, shipmentID uint64) ([]*models.Request, error)
}

type TrackingService interface {
	Append(ctx context.Context, in models.TrackingEntryInput) (*models.TrackingEntry, error)
	History(ctx context.Context, shipmentID, afterID uint64, limit int) ([]*models.TrackingEntry, error)
}

type ChatService interface {
	Send(ctx context.Context, in models.ChatMessageInput) (*models.ChatMessage, error)
	Messages(ctx context.Context, key models.ThreadKey, afterID uint64, limit int) ([]*models.ChatMessage, error)
	Delete(ctx context.Context, messageID uint64, requesterID string) error
	Subscribe(ctx context.Context, key models.ThreadKey, buffer int) (*chat.Subscription, error)
}

type LoadboardAPI struct {
	shipments ShipmentsService
	matching  MatchingService
	tracking  TrackingService
	chat      ChatService
}

func New(shipments ShipmentsService, matching MatchingService, tracking TrackingService, chatSvc ChatService) *LoadboardAPI {
	return &LoadboardAPI{
		shipments: shipments,
		matching:  matching,
		tracking:  tracking,
		chat:      chatSvc,
	}
}

func (a *LoadboardAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(actorMiddleware)

		r.Route("/shipments", func(r chi.Router) {
			r.Post("/", a.createShipment)
			r.Get("/", a.listShipments)
			r.Route("/{shipmentID}", func(r chi.Router) {
				r.Get("/", a.getShipment)
				r.Patch("/", a.updateShipment)
				r.Post("/cancel", a.cancelShipment)
				r.Post("/start", a.startShipment)
				r.Post("/complete", a.completeShipment)
				r.Post("/fail", a.failShipment)
				r.Get("/tracking", a.listTracking)
				r.Post("/tracking", a.appendTracking)
				r.Post("/requests", a.submitRequest)
				r.Get("/requests", a.listRequests)
				r.Route("/chat/{driverID}", func(r chi.Router) {
					r.Post("/messages", a.sendMessage)
					r.Get("/messages", a.listMessages)
					r.Get("/subscribe", a.subscribeChat)
				})
			})
		})

		r.Post("/requests/{requestID}/accept", a.acceptRequest)
		r.Post("/requests/{requestID}/withdraw", a.withdrawRequest)
		r.Delete("/chat/messages/{messageID}", a.deleteMessage)
	})

	return r
}

// actor is the caller identity resolved by an upstream auth proxy. The
// handlers trust the headers as-is; ownership checks still happen in storage.
type actor struct {
	ID   string
	Role string
}

const (
	roleVendor = "vendor"
	roleDriver = "driver"
)

type actorCtxKey struct{}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Actor-Id")
		role := r.Header.Get("X-Actor-Role")
		if id == "" || (role != roleVendor && role != roleDriver) {
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "X-Actor-Id and X-Actor-Role headers are required")
			return
		}
		ctx := context.WithValue(r.Context(), actorCtxKey{}, actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) actor {
	a, _ := r.Context().Value(actorCtxKey{}).(actor)
	return a
}

// requireRole rejects callers of the wrong role before touching services, so
// a driver probing a vendor endpoint gets a clean 403 instead of a storage
// ownership miss.
func requireRole(w http.ResponseWriter, r *http.Request, role string) (actor, bool) {
	a := actorFrom(r)
	if a.Role != role {
		writeErrorCode(w, http.StatusForbidden, "not_authorized", "endpoint requires role "+role)
		return a, false
	}
	return a, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err.Error())
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeError maps the business-error taxonomy onto HTTP statuses. Every
// expected failure has a distinct machine-readable code.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrNotAuthorized):
		writeErrorCode(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeErrorCode(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, models.ErrShipmentNotOpen):
		writeErrorCode(w, http.StatusConflict, "shipment_not_open", err.Error())
	case errors.Is(err, models.ErrRequestAlreadyResolved):
		writeErrorCode(w, http.StatusConflict, "request_already_resolved", err.Error())
	case errors.Is(err, models.ErrEmptyBody):
		writeErrorCode(w, http.StatusBadRequest, "empty_body", err.Error())
	case errors.Is(err, models.ErrValidation):
		writeErrorCode(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, models.ErrRateLimited):
		writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		slog.Error("request failed", "error", err.Error())
		writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeErrorCode(w, http.StatusBadRequest, "bad_request", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryUint(r *http.Request, name string) uint64 {
	v, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return v
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
