package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/api/shared"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/platform/logger"
	"github.com/phrazzld/genpipe/internal/service"
)

// IdempotencyHeader carries the client's de-duplication key.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// GenerationHandler serves the generation and credit endpoints.
type GenerationHandler struct {
	service service.GenerationService
	logger  *slog.Logger
}

// NewGenerationHandler creates a GenerationHandler.
func NewGenerationHandler(svc service.GenerationService, logger *slog.Logger) *GenerationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandler{
		service: svc,
		logger:  logger.With("component", "generation_handler"),
	}
}

// Submit handles POST /v1/generations. It answers 202 as soon as the task
// is charged and dispatched.
func (h *GenerationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.UserID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	var req GenerationRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err)
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if len(key) > maxIdempotencyKeyLen {
		HandleAPIError(w, r, domain.NewValidationError("idempotency_key", "is too long"))
		return
	}

	sub, err := h.service.Submit(r.Context(), service.SubmitRequest{
		UserID:         userID,
		Params:         req.Params(),
		Count:          req.Count,
		IdempotencyKey: key,
	})
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("generation accepted",
		"task_id", sub.TaskID,
		"count", req.Count,
		"replayed", sub.Replayed)
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmissionResponse{
		TaskID:   sub.TaskID,
		WorkID:   sub.WorkID,
		Status:   string(domain.TaskStatusPending),
		Replayed: sub.Replayed,
	})
}

// Get handles GET /v1/generations/{id}.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := h.userAndTask(w, r)
	if !ok {
		return
	}

	view, err := h.service.Query(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// Cancel handles POST /v1/generations/{id}/cancel.
func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := h.userAndTask(w, r)
	if !ok {
		return
	}

	view, err := h.service.Cancel(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// Balance handles GET /v1/credits.
func (h *GenerationHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.UserID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	credits, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, BalanceResponse{UserID: userID, Credits: credits})
}

// userAndTask extracts the caller and the {id} path parameter, writing the
// error response when either is missing.
func (h *GenerationHandler) userAndTask(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := shared.UserID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return uuid.Nil, uuid.Nil, false
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, errors.Join(domain.NewValidationError("id", "is not a valid task ID"), err))
		return uuid.Nil, uuid.Nil, false
	}
	return userID, taskID, true
}
