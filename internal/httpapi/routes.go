package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/DoyleJ11/buzzer/internal/logging"
)

func SetupRoutes(a *API, relay http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	r.Use(c.Handler)

	// websocket upgrades are long-lived, so they skip the request logger
	r.Get("/ws", relay.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(logging.Requests(a.Log))
		r.Get("/health", a.Health)
		r.Get("/info", a.Info)
		r.Post("/rooms", a.CreateRoom)
		r.Post("/admin/cleanup", a.Cleanup)
	})
	return r
}
