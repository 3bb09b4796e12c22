package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader builds a WebSocket upgrader with origin checking against the
// configured allowed origins
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates a request origin against server.allowed_origins.
// Requests without an Origin header (curl, native clients) pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	// prefix matching so any port on an allowed host passes
	for _, a := range allowed {
		if strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}

func addrFor(port int) string {
	return fmt.Sprintf(":%d", port)
}

// isPortAvailable checks if a port is free for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", addrFor(port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// findAvailablePort tries the requested port, then the next ten above it
func findAvailablePort(requested int) (int, error) {
	if isPortAvailable(requested) {
		return requested, nil
	}
	for i := 1; i <= 10; i++ {
		if isPortAvailable(requested + i) {
			return requested + i, nil
		}
	}
	return 0, fmt.Errorf("no available ports found (tried %d-%d)", requested, requested+10)
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
