package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"LiveDesk/internal/core"
	"LiveDesk/internal/lib/api/cont"
	"LiveDesk/internal/lib/api/response"
	"LiveDesk/internal/lib/sl"
)

type CreateRequest struct {
	Type         string   `json:"type" validate:"required,oneof=direct group support"`
	Participants []string `json:"participants"`
	AgentID      string   `json:"agent_id,omitempty"`
}

// Create opens a new room. Support rooms without an explicit agent are
// auto-assigned and may come back in pending status.
func Create(log *slog.Logger, handler Core) http.HandlerFunc {
	validate := validator.New()

	return func(w http.ResponseWriter, r *http.Request) {
		actor := cont.GetIdentity(r.Context())
		if actor == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Invalid request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Invalid room type"))
			return
		}

		created, err := handler.CreateRoom(r.Context(), actor, req.Type, req.Participants, req.AgentID)
		if err != nil {
			status, msg := httpError(err)
			log.Warn("room create failed", slog.String("type", req.Type), sl.Err(err))
			render.Status(r, status)
			render.JSON(w, r, response.Error(msg))
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, created)
	}
}

func httpError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidAgent):
		return http.StatusBadRequest, "Identity lacks agent role"
	case errors.Is(err, core.ErrAccessDenied):
		return http.StatusForbidden, "Access denied"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "Temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
