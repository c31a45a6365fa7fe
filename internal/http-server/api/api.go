package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"LiveDesk/internal/config"
	"LiveDesk/internal/http-server/handlers/admin"
	"LiveDesk/internal/http-server/handlers/chat"
	"LiveDesk/internal/http-server/handlers/errors"
	"LiveDesk/internal/http-server/handlers/room"
	"LiveDesk/internal/http-server/middleware/authenticate"
	"LiveDesk/internal/http-server/middleware/timeout"
	"LiveDesk/internal/lib/sl"
	"LiveDesk/internal/ws"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

// Handler is the orchestrator behind the HTTP surface; the Session Gateway
// implements all of it.
type Handler interface {
	chat.Core
	room.Core
	admin.Core
}

// New starts the HTTP server: the REST surface under /api/v1 and the
// websocket endpoint at /ws. Blocks until the listener fails.
func New(conf *config.Config, log *slog.Logger, handler Handler, gateway *ws.Gateway, auth authenticate.Authenticate) error {

	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	// Websocket upgrade authenticates via token query param inside ServeWs;
	// the bearer middleware does not apply to it.
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(gateway, log, w, r)
	})

	router.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(timeout.Timeout(5))
		v1.Use(render.SetContentType(render.ContentTypeJSON))
		v1.Use(authenticate.New(log, auth))

		v1.Route("/chat", func(r chi.Router) {
			r.Get("/history", chat.GetHistory(log, handler))
			r.Get("/rooms", chat.ListRooms(log, handler))
		})
		v1.Route("/rooms", func(r chi.Router) {
			r.Post("/", room.Create(log, handler))
		})
		v1.Route("/admin", func(r chi.Router) {
			r.Post("/assign", admin.Assign(log, handler))
			r.Post("/transfer", admin.Transfer(log, handler))
			r.Post("/remove", admin.Remove(log, handler))
		})
	})

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:  router,
		ErrorLog: httpLog,
	}

	serverAddress := fmt.Sprintf("%s:%s", conf.Listen.BindIP, conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	server.log.Info("starting api server", slog.String("address", serverAddress))

	return server.httpServer.Serve(listener)
}
