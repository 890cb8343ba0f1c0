package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/observability"
	"github.com/nextlevelbuilder/agentgate/internal/security"
)

// Server exposes the control plane: the websocket endpoint plus health
// and metrics.
type Server struct {
	log     *slog.Logger
	cfg     *config.Config
	core    *Core
	auth    *security.Authenticator
	router  *MethodRouter
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the server over the core.
func NewServer(log *slog.Logger, cfg *config.Config, core *Core, auth *security.Authenticator, metrics *observability.Metrics) *Server {
	s := &Server{
		log:     log,
		cfg:     cfg,
		core:    core,
		auth:    auth,
		metrics: metrics,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)
	return s
}

// checkOrigin admits non-browser clients (no Origin header) always and
// browsers only from the configured origins. No config admits all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	s.mux = mux
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","instance_id":%q}`, s.cfg.Gateway.InstanceID)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := newClient(s, conn, r.RemoteAddr)
	s.addClient(client)
	s.log.Info("gateway.client_connected", "client_id", client.id, "remote", r.RemoteAddr)
	go client.writePump()
	go client.readPump()
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.ClientsConnected.Inc()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if present {
		s.metrics.ClientsConnected.Dec()
		s.log.Info("gateway.client_disconnected", "client_id", c.id)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Start listens and serves until the context is canceled, then shuts
// down with the configured grace.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprintf("%d", s.cfg.Gateway.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		s.log.Info("gateway.listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop closes clients and the listener, then drains runs with a 10s grace.
func (s *Server) Stop() error {
	// Snapshot first: teardown re-enters removeClient, which takes s.mu.
	s.mu.Lock()
	open := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(shutdownCtx)
	}
	s.core.Shutdown(10 * time.Second)
	return err
}
