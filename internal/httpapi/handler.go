// Package httpapi exposes the budget engine over REST. Routes cover budget
// records and snapshots, expenditure recording and dry-run validation,
// imports and manual adjustments, notification review, the ledger trail,
// recent events and the websocket stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/broadcast"
	"github.com/opengov/budgetcore/internal/domain/notification"
	"github.com/opengov/budgetcore/internal/events"
	"github.com/opengov/budgetcore/internal/metrics"
	"github.com/opengov/budgetcore/internal/middleware"
	"github.com/opengov/budgetcore/internal/services/budgets"
	"github.com/opengov/budgetcore/internal/services/notifications"
	"github.com/opengov/budgetcore/internal/services/validation"
	"github.com/opengov/budgetcore/internal/storage"
	"github.com/opengov/budgetcore/pkg/logger"
)

// Handler wires the services behind the REST routes.
type Handler struct {
	budgets       *budgets.Service
	notifications *notifications.Service
	validator     *validation.Engine
	eventLog      events.Log
	hub           *broadcast.Hub
	log           *logger.Logger
}

// New constructs the handler. The hub may be nil, in which case the
// websocket route is not registered.
func New(budgetSvc *budgets.Service, notificationSvc *notifications.Service, validator *validation.Engine, eventLog events.Log, hub *broadcast.Hub, log *logger.Logger) *Handler {
	if eventLog == nil {
		eventLog = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		budgets:       budgetSvc,
		notifications: notificationSvc,
		validator:     validator,
		eventLog:      eventLog,
		hub:           hub,
		log:           log,
	}
}

// Router builds the mux router with the middleware stack applied.
func (h *Handler) Router(limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/budgets", h.listBudgets).Methods(http.MethodGet)
	api.HandleFunc("/budgets", h.registerBudget).Methods(http.MethodPost)
	api.HandleFunc("/budgets/{projectRef}", h.getBudget).Methods(http.MethodGet)
	api.HandleFunc("/budgets/{projectRef}/snapshot", h.getSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/budgets/{projectRef}/import", h.applyImport).Methods(http.MethodPut)
	api.HandleFunc("/budgets/{projectRef}/expenditures", h.recordExpenditure).Methods(http.MethodPost)
	api.HandleFunc("/budgets/{projectRef}/expenditures/validate", h.validateExpenditure).Methods(http.MethodPost)
	api.HandleFunc("/budgets/{projectRef}/adjustments", h.adjustSpending).Methods(http.MethodPost)
	api.HandleFunc("/budgets/{projectRef}/ledger", h.listLedger).Methods(http.MethodGet)
	api.HandleFunc("/budgets/{projectRef}/transitions", h.listTransitions).Methods(http.MethodGet)
	api.HandleFunc("/budgets/{projectRef}/events", h.listProjectEvents).Methods(http.MethodGet)

	api.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}", h.getNotification).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/review", h.reviewNotification).Methods(http.MethodPost)

	api.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	if h.hub != nil {
		api.Handle("/events/stream", h.hub).Methods(http.MethodGet)
	}

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.WithError(err).Error("encoding response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeStorageError maps storage sentinel errors onto HTTP statuses.
func (h *Handler) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrVersionConflict):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, notification.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listBudgets(w http.ResponseWriter, r *http.Request) {
	records, err := h.budgets.List(r.Context())
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

type registerRequest struct {
	ProjectRef   string             `json:"project_ref"`
	AnnualCredit decimal.Decimal    `json:"annual_credit"`
	Allocations  [4]decimal.Decimal `json:"allocations"`
}

func (h *Handler) registerBudget(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.budgets.Register(r.Context(), req.ProjectRef, req.AnnualCredit, req.Allocations)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) getBudget(w http.ResponseWriter, r *http.Request) {
	rec, err := h.budgets.Get(r.Context(), mux.Vars(r)["projectRef"])
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.budgets.Snapshot(r.Context(), mux.Vars(r)["projectRef"])
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

type importRequest struct {
	AnnualCredit    decimal.Decimal    `json:"annual_credit"`
	Allocations     [4]decimal.Decimal `json:"allocations"`
	AllocatedToDate decimal.Decimal    `json:"allocated_to_date"`
	Actor           *string            `json:"actor,omitempty"`
}

func (h *Handler) applyImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.budgets.ApplyImport(r.Context(), mux.Vars(r)["projectRef"], req.AnnualCredit, req.Allocations, req.AllocatedToDate, req.Actor)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

type expenditureRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	DocumentRef string          `json:"document_ref,omitempty"`
	Actor       *string         `json:"actor,omitempty"`
}

func (h *Handler) recordExpenditure(w http.ResponseWriter, r *http.Request) {
	var req expenditureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := h.budgets.RecordExpenditure(r.Context(), mux.Vars(r)["projectRef"], req.Amount, req.DocumentRef, req.Actor)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	status := http.StatusOK
	if !decision.Permitted() {
		// The decision is the payload either way; 422 flags a blocked
		// expenditure without masking the threshold details.
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, decision)
}

func (h *Handler) validateExpenditure(w http.ResponseWriter, r *http.Request) {
	var req expenditureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := h.validator.Validate(r.Context(), mux.Vars(r)["projectRef"], req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

type adjustmentRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason,omitempty"`
	Actor  *string         `json:"actor,omitempty"`
}

func (h *Handler) adjustSpending(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.budgets.AdjustSpending(r.Context(), mux.Vars(r)["projectRef"], req.Delta, req.Reason, req.Actor)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.budgets.History(r.Context(), mux.Vars(r)["projectRef"])
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) listTransitions(w http.ResponseWriter, r *http.Request) {
	rec, err := h.budgets.Get(r.Context(), mux.Vars(r)["projectRef"])
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec.TransitionHistory)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.notifications.List(r.Context(), r.URL.Query().Get("project_ref"))
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

type reviewRequest struct {
	Status notification.Status `json:"status"`
	Actor  *string             `json:"actor,omitempty"`
}

func (h *Handler) reviewNotification(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := h.notifications.Transition(r.Context(), mux.Vars(r)["id"], req.Status, req.Actor)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.eventLog.Recent(eventLimit(r)))
}

func (h *Handler) listProjectEvents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.eventLog.RecentByProject(mux.Vars(r)["projectRef"], eventLimit(r)))
}

func eventLimit(r *http.Request) int {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	return limit
}
