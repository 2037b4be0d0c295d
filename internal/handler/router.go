package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/handler/message"
	"github.com/dinurba/conversa/backend/internal/handler/stream"
	"github.com/dinurba/conversa/backend/internal/handler/webhook"
	"github.com/dinurba/conversa/backend/internal/service/relay"
	"github.com/dinurba/conversa/backend/internal/store"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(relaySvc *relay.Service, st *store.Store, hub *stream.Hub, verifyToken string, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Webhook endpoints live at the root; the provider's URL is configured
	// without a prefix.
	webhookHandler := webhook.New(relaySvc, verifyToken, log)
	webhookHandler.RegisterRoutes(r)

	messageHandler := message.New(relaySvc, st, log)

	r.Route("/api", func(api chi.Router) {
		messageHandler.RegisterRoutes(api)
		if hub != nil {
			hub.RegisterRoutes(api)
		}
	})

	return r
}
