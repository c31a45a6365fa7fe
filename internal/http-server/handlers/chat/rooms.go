package chat

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"LiveDesk/internal/lib/api/cont"
	"LiveDesk/internal/lib/api/response"
	"LiveDesk/internal/lib/sl"
)

// ListRooms returns the rooms visible to the caller.
func ListRooms(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := cont.GetIdentity(r.Context())
		if actor == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		rooms, err := handler.RoomsFor(r.Context(), actor)
		if err != nil {
			status, msg := httpError(err)
			log.Warn("room list failed", slog.String("identity_id", actor.ID), sl.Err(err))
			render.Status(r, status)
			render.JSON(w, r, response.Error(msg))
			return
		}

		render.JSON(w, r, rooms)
	}
}
