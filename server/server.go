// Package server exposes the job manager over HTTP and WebSocket. REST
// handles commands and incremental reads; the WebSocket stream pushes live
// job events to connected clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchkit/fetchd/archive"
	"github.com/fetchkit/fetchd/config"
	"github.com/fetchkit/fetchd/manager"
)

const (
	// MaxClients caps concurrent WebSocket connections
	MaxClients = 100

	// ShutdownTimeout bounds how long Stop waits for in-flight requests and
	// client goroutines
	ShutdownTimeout = 10 * time.Second
)

// Server serves the fetchd HTTP API and the live event stream
type Server struct {
	cfg     *config.Config
	mgr     *manager.Manager
	history *archive.Store // nil disables the history endpoints
	logger  *zap.SugaredLogger

	mux        *http.ServeMux
	httpServer *http.Server

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a server. Call Start to begin listening.
func New(cfg *config.Config, mgr *manager.Manager, history *archive.Store, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		mgr:        mgr,
		history:    history,
		logger:     logger.Named("server"),
		mux:        http.NewServeMux(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.setupRoutes()

	// the hub must be live before any WebSocket upgrade can register
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHub()
	}()
	return s
}

// Handler returns the configured route mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks serving HTTP until Stop is called
func (s *Server) Start() error {
	port, err := findAvailablePort(s.cfg.Server.Port)
	if err != nil {
		return err
	}
	if port != s.cfg.Server.Port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", s.cfg.Server.Port,
			"actual_port", port,
		)
	}

	s.httpServer = &http.Server{
		Addr:              addrFor(port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("HTTP server listening", "port", port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains client connections and shuts the HTTP listener down
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")

	// close connections first so read pumps unblock before the context goes
	s.mu.Lock()
	toClose := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		toClose = append(toClose, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range toClose {
		c.shutdown()
	}
	if len(toClose) > 0 {
		s.logger.Infow("Closed client connections", "count", len(toClose))
	}

	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown did not drain cleanly", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("Server shutdown complete")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
	}
	return nil
}

// runHub owns the client set mutations coming from connect/disconnect
func (s *Server) runHub() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.register:
			s.handleClientRegister(c)
		case c := <-s.unregister:
			s.handleClientUnregister(c)
		}
	}
}

func (s *Server) handleClientRegister(c *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id,
			"max_clients", MaxClients,
		)
		c.shutdown()
		return
	}
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", c.id,
		"job_filter", c.jobFilter,
		"total_clients", total,
	)
}

func (s *Server) handleClientUnregister(c *Client) {
	s.mu.Lock()
	_, known := s.clients[c]
	if known {
		delete(s.clients, c)
	}
	total := len(s.clients)
	s.mu.Unlock()

	if known {
		c.shutdown()
		s.logger.Infow("Client disconnected",
			"client_id", c.id,
			"total_clients", total,
		)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
