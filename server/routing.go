package server

import "net/http"

// setupRoutes configures all HTTP handlers
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))
	s.mux.HandleFunc("/api/health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("/api/stats", s.corsMiddleware(s.HandleStats))

	// list/create, one job, commands and since-V reads, per-entry actions
	s.mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))
	s.mux.HandleFunc("/api/jobs/{id}", s.corsMiddleware(s.HandleJob))
	s.mux.HandleFunc("/api/jobs/{id}/{action}", s.corsMiddleware(s.HandleJobAction))
	s.mux.HandleFunc("/api/jobs/{id}/entries/{action}", s.corsMiddleware(s.HandleEntriesAction))

	// archived jobs
	s.mux.HandleFunc("/api/history", s.corsMiddleware(s.HandleHistory))
	s.mux.HandleFunc("/api/history/{id}", s.corsMiddleware(s.HandleHistoryJob))
}

// corsMiddleware adds CORS headers using the configured allowed origins,
// matching the WebSocket origin check
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
