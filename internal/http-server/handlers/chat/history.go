package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"LiveDesk/internal/core"
	"LiveDesk/internal/lib/api/cont"
	"LiveDesk/internal/lib/api/response"
	"LiveDesk/internal/lib/sl"
)

// GetHistory returns a page of room history, newest first.
func GetHistory(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := cont.GetIdentity(r.Context())
		if actor == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		roomID := r.URL.Query().Get("room_id")
		if roomID == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("room_id is required"))
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		messages, err := handler.ChatHistory(r.Context(), actor, roomID, limit, offset)
		if err != nil {
			status, msg := httpError(err)
			log.Warn("chat history failed", slog.String("room_id", roomID), sl.Err(err))
			render.Status(r, status)
			render.JSON(w, r, response.Error(msg))
			return
		}

		render.JSON(w, r, messages)
	}
}

func httpError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrAccessDenied):
		return http.StatusForbidden, "Access denied"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, core.ErrInvalidState):
		return http.StatusConflict, "Invalid state"
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "Temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
