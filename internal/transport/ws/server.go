package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"framecast-server-go/internal/platform/config"
	"framecast-server-go/internal/platform/logging"
	"framecast-server-go/internal/platform/observability"
)

// Server owns the websocket listener. It runs on its own port so the
// broadcast plane can be scaled and firewalled apart from the HTTP API.
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	hub      *Hub
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer wires the upgrade handler to an existing hub.
func NewServer(cfg *config.Config, logger *logging.Logger, hub *Hub) *Server {
	return &Server{
		config: cfg,
		logger: logger,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers connect from arbitrary origins; the broadcast
			// plane is read-only so origin checks add nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves websocket upgrades until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.WebSocket.IP, s.config.Server.WebSocket.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleUpgrade)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.logger.InfoTag("WebSocket", "shutting down websocket server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.ErrorTag("WebSocket", "websocket server shutdown error: %v", err)
		}
	}()

	s.logger.InfoTag("WebSocket", "websocket server listening on ws://%s/ws", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server error: %v", err)
	}
	return nil
}

// HandleUpgrade turns an HTTP request into a hub subscription.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx, end := observability.StartSpan(r.Context(), "ws", "upgrade")

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		end(err)
		s.logger.ErrorTag("WebSocket", "upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	conn := NewConnection(uuid.New().String(), socket)
	_, err = s.hub.Register(ctx, conn)
	end(err)
	if err != nil {
		s.logger.WarnTag("WebSocket", "registration failed for %s: %v", r.RemoteAddr, err)
	}
}

// Stop disconnects every subscriber and closes the listener.
func (s *Server) Stop() error {
	s.hub.CloseAll(ErrHubShutdown)
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
