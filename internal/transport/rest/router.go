package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/service"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/transport/rest/handler"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/transport/ws"
)

// Container holds all dependencies for the router
type Container struct {
	PairingService *service.PairingService
	WSHub          *ws.Hub
	WSHandler      *ws.Handler
	Metrics        http.Handler // Optional, served on /metrics
	InstanceID     string
	StartedAt      time.Time
	AllowedOrigins string
}

// NewRouter creates the router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	statusHandler := handler.NewStatusHandler(c.PairingService, c.WSHub, c.InstanceID, c.StartedAt)

	r.Use(corsMiddleware(c.AllowedOrigins))
	r.NotFoundHandler = http.HandlerFunc(handler.NotFound)

	// WebSocket relay
	r.HandleFunc("/ws", c.WSHandler.ServeWS).Methods("GET")

	// Observability, read only
	r.HandleFunc("/health", statusHandler.Health).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", statusHandler.Status).Methods("GET", "OPTIONS")
	if c.Metrics != nil {
		r.Handle("/metrics", c.Metrics).Methods("GET")
	}

	return r
}

func corsMiddleware(allowedOrigins string) mux.MiddlewareFunc {
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigins)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
