package wstransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const serverLogPrefix = "wstransport:server"

// Server upgrades HTTP requests to WebSocket sessions and serves each through Handler.
// It also fans Events and PushNotifications out to every open session.
type Server struct {
	Upgrader  websocket.Upgrader
	Handler   transport.Handler
	WriteWait time.Duration

	mu       sync.Mutex
	sessions map[*conn]struct{}
}

// NewServer creates a Server answering through h.
func NewServer(h transport.Handler) *Server {
	return &Server{
		Upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		Handler:  h,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Upgrade failed for %s: %v", serverLogPrefix, r.RemoteAddr, err))
		return
	}
	c := newConn(ws, s.WriteWait)
	s.add(c)
	defer func() {
		s.remove(c)
		_ = c.Close()
	}()

	slog.Info(fmt.Sprintf("%s - Session opened from %s", serverLogPrefix, r.RemoteAddr))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := transport.Serve(ctx, c, s.Handler); err != nil {
		slog.Warn(fmt.Sprintf("%s - Session from %s ended: %v", serverLogPrefix, r.RemoteAddr, err))
		return
	}
	slog.Info(fmt.Sprintf("%s - Session from %s closed", serverLogPrefix, r.RemoteAddr))
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Publish writes env to every open session. It implements events.EventPublisher.
func (s *Server) Publish(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind != envelope.KindEvent && env.Kind != envelope.KindPushNotification {
		return fmt.Errorf("%s - cannot publish %s", serverLogPrefix, env.Kind)
	}
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.sessions))
	for c := range s.sessions {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.Write(ctx, env); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to publish %s to %s: %v", serverLogPrefix, env.Target(), c.ws.RemoteAddr(), err))
		}
	}
	return nil
}

// Close closes every open session.
func (s *Server) Close() {
	s.mu.Lock()
	targets := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for c := range targets {
		_ = c.Close()
	}
}

func (s *Server) add(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[*conn]struct{})
	}
	s.sessions[c] = struct{}{}
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, c)
}
