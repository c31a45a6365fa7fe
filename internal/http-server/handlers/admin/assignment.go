package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"LiveDesk/entity"
	"LiveDesk/internal/core"
	"LiveDesk/internal/lib/api/cont"
	"LiveDesk/internal/lib/api/response"
	"LiveDesk/internal/lib/sl"
)

// Assign binds an agent to a support room.
func Assign(log *slog.Logger, handler Core) http.HandlerFunc {
	validate := validator.New()

	return func(w http.ResponseWriter, r *http.Request) {
		var req entity.AssignData
		if !decodeAdmin(w, r, validate, &req) {
			return
		}

		room, err := handler.AssignRoom(r.Context(), req.RoomID, req.AgentID, req.Reason)
		if err != nil {
			fail(w, r, log, "assign", err)
			return
		}
		render.JSON(w, r, room)
	}
}

// Transfer hands a room from one agent to another.
func Transfer(log *slog.Logger, handler Core) http.HandlerFunc {
	validate := validator.New()

	return func(w http.ResponseWriter, r *http.Request) {
		var req entity.TransferData
		if !decodeAdmin(w, r, validate, &req) {
			return
		}

		room, err := handler.TransferRoom(r.Context(), req.RoomID, req.FromAgentID, req.ToAgentID, req.Reason)
		if err != nil {
			fail(w, r, log, "transfer", err)
			return
		}
		render.JSON(w, r, room)
	}
}

// Remove clears a room's agent and re-assigns when possible.
func Remove(log *slog.Logger, handler Core) http.HandlerFunc {
	validate := validator.New()

	return func(w http.ResponseWriter, r *http.Request) {
		var req entity.RemoveData
		if !decodeAdmin(w, r, validate, &req) {
			return
		}

		room, err := handler.RemoveAgent(r.Context(), req.RoomID, req.Reason)
		if err != nil {
			fail(w, r, log, "remove", err)
			return
		}
		render.JSON(w, r, room)
	}
}

// decodeAdmin enforces the admin role and parses the request body.
func decodeAdmin(w http.ResponseWriter, r *http.Request, validate *validator.Validate, v any) bool {
	actor := cont.GetIdentity(r.Context())
	if actor == nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("Unauthorized"))
		return false
	}
	if !actor.IsAdmin() {
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("Admin role required"))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("Invalid request body"))
		return false
	}
	if err := validate.Struct(v); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("Missing required fields"))
		return false
	}
	return true
}

func fail(w http.ResponseWriter, r *http.Request, log *slog.Logger, op string, err error) {
	status, msg := httpError(err)
	log.Warn("admin assignment failed", slog.String("op", op), sl.Err(err))
	render.Status(r, status)
	render.JSON(w, r, response.Error(msg))
}

func httpError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidAgent):
		return http.StatusBadRequest, "Identity lacks agent role"
	case errors.Is(err, core.ErrNotAssigned):
		return http.StatusConflict, "Agent not assigned to room"
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
