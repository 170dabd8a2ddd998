package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aydomini/EchoVault/internal/transport"
)

// Server represents the HTTP server.
type Server struct {
	Port    string
	Hub     *Hub
	Handler *Handler
	Server  *http.Server
}

// NewServer wires the hub, handler and HTTP server for cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Room.Limits.MaxConnections <= 0 || cfg.Room.Limits.MaxConnectionsPerIP <= 0 {
		return nil, fmt.Errorf("connection limits must be positive")
	}
	if cfg.Room.MaxConcurrentTransfers <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_TRANSFERS must be positive")
	}

	port := cfg.Port
	// Ensure port has colon
	if port == "" {
		port = transport.DefaultServerPort
	}
	if !strings.Contains(port, ":") {
		port = ":" + port
	}

	hub := NewHub(cfg.Room, slog.Default())
	h := NewHandler(hub, cfg)
	slog.Info("Relay configured",
		"max_connections", cfg.Room.Limits.MaxConnections,
		"max_connections_per_ip", cfg.Room.Limits.MaxConnectionsPerIP,
		"max_concurrent_transfers", cfg.Room.MaxConcurrentTransfers,
		"client_ip_header", cfg.ClientIPHeader,
	)

	return &Server{
		Port:    port,
		Hub:     hub,
		Handler: h,
		Server: &http.Server{
			Addr:              port,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 15 * time.Second,
		},
	}, nil
}

// Start starts the server.
func (s *Server) Start() error {
	slog.Info("Server starting", "addr", s.Server.Addr)
	return s.Server.ListenAndServe()
}

// Shutdown disconnects every room and stops accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Close()
	return s.Server.Shutdown(ctx)
}
