package notifier

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the notifier's websocket endpoint.
func RegisterRoutes(r chi.Router, hub *Hub) {
	r.Get("/ws/notifications", hub.ServeHTTP)
}
