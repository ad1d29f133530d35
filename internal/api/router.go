package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"corral/internal/api/handlers"
	apimw "corral/internal/api/middleware"
	ws "corral/internal/api/websocket"
)

func NewRouter(server *handlers.Server, hub *ws.Hub, limiter *apimw.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(apimw.Logging)

	r.Get("/healthz", server.Health)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/ws", hub.ServeWS)

		api.Group(func(limited chi.Router) {
			limited.Use(limiter.Middleware)

			// Agents
			limited.Post("/agents", server.RegisterAgent)
			limited.Get("/agents", server.ListAgents)
			limited.Get("/agents/{id}", server.GetAgent)
			limited.Post("/agents/{id}/heartbeat", server.Heartbeat)
			limited.Delete("/agents/{id}", server.DeregisterAgent)
			limited.Post("/metrics", server.ReportMetrics)

			// Bus
			limited.Post("/messages", server.PublishMessage)
			limited.Get("/topics/{topic}/stats", server.TopicStats)

			// Coordination
			limited.Post("/actions", server.ProposeAction)
			limited.Get("/conflicts", server.ListConflicts)
			limited.Get("/emergencies", server.ListEmergencies)
			limited.Post("/emergencies/{id}/resolve", server.ResolveEmergency)

			// Bridge
			limited.Get("/bridge/health", server.BridgeHealth)
			limited.Post("/bridge/trigger", server.SendTrigger)
			limited.Post("/bridge/notifications", server.Notification)
			limited.Get("/bridge/deadletters", server.ListDeadLetters)
			limited.Post("/bridge/deadletters/replay", server.ReplayAllDeadLetters)
			limited.Post("/bridge/deadletters/{id}/replay", server.ReplayDeadLetter)
			limited.Delete("/bridge/deadletters/{id}", server.DiscardDeadLetter)

			// Operator stats
			limited.Get("/stats", server.Stats)
		})
	})

	return r
}
