package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// NewUpgrader builds a websocket upgrader that admits the configured origins.
// Requests without an Origin header (native clients, tests) are allowed.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[origin] || allowed["*"]
		},
	}
}
