package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"lurkbot/internal/handlers"
	"lurkbot/internal/middleware"
)

type Deps struct {
	Logger  *zap.Logger
	Auth    *middleware.OperatorAuth
	Limiter *middleware.RateLimiter
	Metrics http.Handler
	Status  *handlers.StatusHandler
	Events  *handlers.EventsHandler

	// WebSocket is nil when no Redis is configured.
	WebSocket http.HandlerFunc
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Middleware)
			r.Get("/status", d.Status.Get)
			r.Get("/events", d.Events.List)
		})

		// The hub authenticates itself so browsers can pass ?token=.
		if d.WebSocket != nil {
			r.Get("/ws", d.WebSocket)
		} else {
			r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "live feed requires redis", http.StatusServiceUnavailable)
			})
		}
	})

	return r
}
