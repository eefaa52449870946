package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/middleware"
	"github.com/basket/agent-gateway/internal/streambridge"
)

// Deps bundles every handler group the router mounts. Each field is
// optional: a nil handler's routes are simply not registered, so a gateway
// built without Slack credentials (for example) still serves the rest of
// the API.
type Deps struct {
	Sessions  *SessionHandler
	Tasks     *TaskHandler
	Platform  *PlatformHandler
	Health    *HealthHandler
	Stream    *streambridge.Bridge
	BusServer *bus.Server

	BearerSecret  string
	AllowedOrigin []string
}

// NewRouter builds the gateway's chi router (SPEC_FULL.md §6), grounded on
// the teacher's cmd/server/main.go middleware stack.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigin))

	if d.Health != nil {
		d.Health.RegisterRoutes(r)
	}

	// BusServer speaks to the bus.RemoteClient dialing in from each session's
	// container worker, over the container network rather than a browser, so
	// it carries no bearer check of its own (matching a bare Redis listener).
	if d.BusServer != nil {
		r.Get("/bus/ws", d.BusServer.ServeHTTP)
	}

	// The WebSocket and VNC routes authenticate themselves (token query
	// param or Sec-WebSocket-Protocol, per SPEC_FULL.md §6) since a browser
	// WebSocket client cannot set an Authorization header on the upgrade
	// request; they are deliberately outside the bearer-auth group below.
	if d.Stream != nil {
		r.Get("/api/v1/sessions/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
			d.Stream.ServeAgentStream(w, r, chi.URLParam(r, "id"), d.BearerSecret)
		})
		r.Get("/api/v1/sessions/{id}/vnc", func(w http.ResponseWriter, r *http.Request) {
			d.Stream.ServeVNC(w, r, chi.URLParam(r, "id"), d.BearerSecret)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(d.BearerSecret))

		if d.Sessions != nil {
			d.Sessions.RegisterRoutes(r)
		}
		if d.Tasks != nil {
			d.Tasks.RegisterRoutes(r)
		}
		if d.Platform != nil {
			d.Platform.RegisterRoutes(r)
		}
	})

	return r
}
