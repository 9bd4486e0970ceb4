/**
 * @description
 * HTTP handlers for the application-service. Handlers decode requests, resolve
 * the authenticated Actor, call into internal/app and map domain errors to
 * HTTP status codes.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/app"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
)

const maxRequestBodyBytes = 1 << 20

// ApplicationService is the record-level API used by the handlers.
type ApplicationService interface {
	ListMine(ctx context.Context, actor app.Actor) ([]domain.Application, error)
	ListAll(ctx context.Context, actor app.Actor, opts domain.ListApplicationsOptions) ([]domain.Application, error)
	Get(ctx context.Context, actor app.Actor, id uuid.UUID) (*domain.Application, error)
	TransitionStatus(ctx context.Context, actor app.Actor, id uuid.UUID, to domain.ApplicationStatus) (*domain.Application, error)
	SetFeedback(ctx context.Context, actor app.Actor, id uuid.UUID, feedback string) (*domain.Application, error)
	UpdateApplicantFields(ctx context.Context, actor app.Actor, id uuid.UUID, update domain.ApplicantFieldsUpdate) (*domain.Application, error)
	Delete(ctx context.Context, actor app.Actor, id uuid.UUID) error
}

// IntentCreator starts checkouts.
type IntentCreator interface {
	CreateIntent(ctx context.Context, actor app.Actor, scholarshipID uuid.UUID, checkoutKey string) (*domain.PaymentIntentHandle, error)
}

// CheckoutConfirmer finishes checkouts.
type CheckoutConfirmer interface {
	Confirm(ctx context.Context, actor app.Actor, req domain.CheckoutConfirmRequest) (*domain.CheckoutOutcome, error)
}

// BatchCoordinator manages a moderator's staged status changes.
type BatchCoordinator interface {
	Stage(ctx context.Context, actor app.Actor, id uuid.UUID, status domain.ApplicationStatus) (app.StagingMap, error)
	Staged(ctx context.Context, actor app.Actor) (app.StagingMap, error)
	Discard(ctx context.Context, actor app.Actor, ids ...uuid.UUID) error
	CommitStaged(ctx context.Context, actor app.Actor) (domain.BatchCommitReport, error)
}

// Handlers holds the services the HTTP layer dispatches to.
type Handlers struct {
	applications ApplicationService
	intents      IntentCreator
	checkout     CheckoutConfirmer
	batch        BatchCoordinator
}

func NewHandlers(applications ApplicationService, intents IntentCreator, checkout CheckoutConfirmer, batch BatchCoordinator) *Handlers {
	return &Handlers{applications: applications, intents: intents, checkout: checkout, batch: batch}
}

type stagedEntryResponse struct {
	ApplicationID uuid.UUID                `json:"application_id"`
	Status        domain.ApplicationStatus `json:"status"`
}

// CreateIntentHandler handles POST /checkout/intent.
func (h *Handlers) CreateIntentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.CheckoutIntentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ScholarshipID == uuid.Nil {
		h.writeError(w, http.StatusUnprocessableEntity, "scholarship_id is required")
		return
	}

	handle, err := h.intents.CreateIntent(r.Context(), actor, req.ScholarshipID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, handle)
}

// ConfirmCheckoutHandler handles POST /checkout/confirm. The body always
// carries an outcome the client can render, even when the status is not 200.
func (h *Handlers) ConfirmCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.CheckoutConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	outcome, err := h.checkout.Confirm(r.Context(), actor, req)
	if outcome == nil {
		if err == nil {
			h.writeError(w, http.StatusInternalServerError, "Checkout produced no outcome")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status, _ = statusForError(err)
	}
	h.writeJSON(w, status, outcome)
}

// ListMyApplicationsHandler handles GET /applications/mine.
func (h *Handlers) ListMyApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	apps, err := h.applications.ListMine(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apps)
}

// ListApplicationsHandler handles GET /applications for moderators.
func (h *Handlers) ListApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	apps, err := h.applications.ListAll(r.Context(), actor, opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apps)
}

// GetApplicationHandler handles GET /applications/{id}.
func (h *Handlers) GetApplicationHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	application, err := h.applications.Get(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, application)
}

// UpdateApplicantFieldsHandler handles PATCH /applications/{id}.
func (h *Handlers) UpdateApplicantFieldsHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var update domain.ApplicantFieldsUpdate
	if !h.decode(w, r, &update) {
		return
	}
	application, err := h.applications.UpdateApplicantFields(r.Context(), actor, id, update)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, application)
}

// DeleteApplicationHandler handles DELETE /applications/{id}.
func (h *Handlers) DeleteApplicationHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.applications.Delete(r.Context(), actor, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateStatusHandler handles PUT /applications/{id}/status.
func (h *Handlers) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req domain.StatusUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	application, err := h.applications.TransitionStatus(r.Context(), actor, id, req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, application)
}

// SetFeedbackHandler handles PUT /applications/{id}/feedback.
func (h *Handlers) SetFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req domain.FeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	application, err := h.applications.SetFeedback(r.Context(), actor, id, req.Feedback)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, application)
}

// GetStagedHandler handles GET /moderation/staged.
func (h *Handlers) GetStagedHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	staged, err := h.batch.Staged(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stagedResponse(staged))
}

// StageHandler handles PUT /moderation/staged/{id}.
func (h *Handlers) StageHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req domain.StatusUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		h.writeError(w, http.StatusUnprocessableEntity, "status must be one of pending, processing, completed, rejected")
		return
	}
	staged, err := h.batch.Stage(r.Context(), actor, id, req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stagedResponse(staged))
}

// UnstageHandler handles DELETE /moderation/staged/{id}.
func (h *Handlers) UnstageHandler(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.batch.Discard(r.Context(), actor, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearStagedHandler handles DELETE /moderation/staged.
func (h *Handlers) ClearStagedHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.batch.Discard(r.Context(), actor); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CommitStagedHandler handles POST /moderation/staged/commit. Partial
// failures are part of a successful response.
func (h *Handlers) CommitStagedHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	report, err := h.batch.CommitStaged(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (app.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok || actor.UserID == "" {
		h.writeError(w, http.StatusUnauthorized, "Could not identify user from token")
		return app.Actor{}, false
	}
	return actor, true
}

func (h *Handlers) actorAndID(w http.ResponseWriter, r *http.Request) (app.Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return app.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid application id")
		return app.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func parseListOptions(r *http.Request) (domain.ListApplicationsOptions, error) {
	var opts domain.ListApplicationsOptions
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.ApplicationStatus(strings.ToLower(raw))
		opts.Status = &status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return opts, &app.FieldError{Field: "limit", Message: "must be a non-negative integer"}
		}
		opts.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return opts, &app.FieldError{Field: "offset", Message: "must be a non-negative integer"}
		}
		opts.Offset = offset
	}
	return opts, nil
}

func stagedResponse(staged app.StagingMap) []stagedEntryResponse {
	out := make([]stagedEntryResponse, 0, len(staged))
	for id, status := range staged {
		out = append(out, stagedEntryResponse{ApplicationID: id, Status: status})
	}
	return out
}

// statusForError maps service errors to an HTTP status and a client message.
func statusForError(err error) (int, string) {
	var fieldErr *app.FieldError
	var declineErr *app.DeclineError
	switch {
	case errors.As(err, &fieldErr):
		return http.StatusUnprocessableEntity, fieldErr.Error()
	case errors.As(err, &declineErr):
		return http.StatusPaymentRequired, declineErr.Message
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "You are not allowed to perform this action"
	case errors.Is(err, store.ErrApplicationNotFound),
		errors.Is(err, store.ErrScholarshipNotFound),
		errors.Is(err, app.ErrCheckoutNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrInvalidStatus),
		errors.Is(err, app.ErrNothingToPay):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, app.ErrIllegalTransition),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, store.ErrApplicationNotEditable),
		errors.Is(err, app.ErrCheckoutClosed),
		errors.Is(err, app.ErrCheckoutInProgress),
		errors.Is(err, app.ErrCheckoutKeyConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrPersistenceDeferred),
		errors.Is(err, app.ErrAmountMismatch):
		return http.StatusAccepted, "Payment received; your application is being recorded"
	case errors.Is(err, app.ErrCheckoutUnavailable):
		return http.StatusServiceUnavailable, "Checkout is temporarily unavailable; you have not been charged"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	status, message := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
	}
	h.writeError(w, status, message)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
