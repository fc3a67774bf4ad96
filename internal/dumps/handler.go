package dumps

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/oarepo/oarepo-oidc-einfra/internal/platform/httpx"
)

// Enqueuer schedules reconciliation tasks. Implemented by the jobs
// client.
type Enqueuer interface {
	EnqueueUpdateFromDump(ctx context.Context, path, checksum string) error
	EnqueueSyncCommunity(ctx context.Context, communityID uuid.UUID) error
}

// Handler exposes the endpoints through which dump submissions and
// admin resyncs enter the system.
type Handler struct {
	pointer  *Pointer
	enqueuer Enqueuer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs the HTTP handler.
func NewHandler(pointer *Pointer, enqueuer Enqueuer, logger *slog.Logger) *Handler {
	return &Handler{
		pointer:  pointer,
		enqueuer: enqueuer,
		validate: validator.New(),
		logger:   logger,
	}
}

// MountRoutes attaches the dump and resync routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/dumps/notify", h.notifyDump)
	r.Post("/communities/{communityID}/sync", h.syncCommunity)
}

type notifyDumpRequest struct {
	Path     string `json:"path" validate:"required"`
	Checksum string `json:"checksum" validate:"omitempty,len=64,hexadecimal"`
}

// notifyDump records a freshly uploaded dump and schedules its
// processing. The pointer is written before the task is enqueued:
// should the task run late or out of order, it will see itself as
// superseded and refuse to apply.
func (h *Handler) notifyDump(w http.ResponseWriter, r *http.Request) {
	var req notifyDumpRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.pointer.Submit(r.Context(), req.Path); err != nil {
		h.logger.Error("submit dump pointer", slog.String("path", req.Path), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("submit dump pointer: %w", httpx.ErrUnavailable))
		return
	}
	if err := h.enqueuer.EnqueueUpdateFromDump(r.Context(), req.Path, req.Checksum); err != nil {
		h.logger.Error("enqueue dump processing", slog.String("path", req.Path), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("enqueue dump processing: %w", httpx.ErrUnavailable))
		return
	}

	h.logger.Info("dump submitted", slog.String("path", req.Path))
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "path": req.Path})
}

// syncCommunity schedules a push of one community's directory mapping.
func (h *Handler) syncCommunity(w http.ResponseWriter, r *http.Request) {
	communityID, err := uuid.Parse(chi.URLParam(r, "communityID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "community id must be a UUID")
		return
	}

	if err := h.enqueuer.EnqueueSyncCommunity(r.Context(), communityID); err != nil {
		h.logger.Error("enqueue community sync",
			slog.String("community", communityID.String()), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("enqueue community sync: %w", httpx.ErrUnavailable))
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "community": communityID.String()})
}
