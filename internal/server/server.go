// Package server orchestrates all components: route table, service, HTTP and WebSocket
// binding, optional COMMS binding and the dead-letter journal.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/thingsplode/thingsplode-synapse-sub000/internal/config"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/commsutil"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/deadletter"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/events"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/router"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/service"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport/httptransport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport/natstransport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport/wstransport"
)

const logPrefix = "server:server"

// Registrar adds application routes, commands and topic listeners before the route
// table is sealed.
type Registrar func(r *router.Router, svc *service.Service) error

// Server is the synapse orchestrator.
type Server struct {
	cfg *config.Config

	router *router.Router
	svc    *service.Service
	ws     *wstransport.Server
	http   *httptransport.Server

	nc    *comms.Conn
	comms *natstransport.Server

	pool        *pgxpool.Pool
	deadLetters deadletter.Store

	httpServer *http.Server
	listener   net.Listener
}

// ConfigureLogging installs the default slog handler for level.
func ConfigureLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run(register Registrar) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	ConfigureLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting synapse", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg, register)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %v, shutting down...", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// New wires every component from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, register Registrar) (*Server, error) {
	s := &Server{cfg: cfg}

	policy, err := cfg.VersionPolicy()
	if err != nil {
		return nil, err
	}

	// Step 1: Dead-letter journal
	if cfg.DatabaseURL != "" {
		pool, err := deadletter.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool
		if cfg.RunMigrations {
			if err := deadletter.Migrate(ctx, pool, cfg.MigrationPath); err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		s.deadLetters = deadletter.NewPgStore(pool)
	} else {
		s.deadLetters = deadletter.NewMemoryStore(cfg.DeadLetterCapacity)
	}

	// Step 2: COMMS connection
	if cfg.EnableCOMMS {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc
	}

	// Step 3: Route table and service
	s.router = router.New(router.WithVariableChars(cfg.PathVariableChars))
	publishers := events.MultiPublisher{}
	s.svc = service.New(s.router,
		service.WithVersionPolicy(policy),
		service.WithPublisher(&publishers),
		service.WithDeadLetter(s.deadLetters),
	)
	s.ws = wstransport.NewServer(s.svc)
	publishers = append(publishers, s.ws)
	if s.nc != nil {
		publishers = append(publishers, events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{EventSubject: cfg.EventSubject}))
	}

	if err := RegisterBuiltins(s.router, s.svc, cfg.COMMSName, policy.Current()); err != nil {
		s.closeResources()
		return nil, err
	}
	if register != nil {
		if err := register(s.router, s.svc); err != nil {
			s.closeResources()
			return nil, fmt.Errorf("%s - failed to register routes: %w", logPrefix, err)
		}
	}
	s.router.Seal()
	slog.Info(fmt.Sprintf("%s - Route table sealed with %d routes", logPrefix, s.router.Len()))

	// Step 4: Bindings
	s.http = httptransport.NewServer(s.svc, httptransport.ServerOptions{
		StaticDir:    cfg.StaticDir,
		WSPath:       cfg.WSPath,
		WS:           s.ws,
		Routes:       s.router.Routes,
		Ready:        s.ready,
		ReadyTimeout: cfg.HealthCheckTimeout,
		Stats:        s.stats,
	})
	if s.nc != nil {
		s.comms = natstransport.NewServer(s.nc, cfg.Subject, s.svc)
	}
	return s, nil
}

// Start subscribes the COMMS binding and starts the HTTP listener.
func (s *Server) Start() error {
	if s.comms != nil {
		if err := s.comms.Start(); err != nil {
			return fmt.Errorf("%s - %w", logPrefix, err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.ListenAddr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.http,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Addr returns the HTTP listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler serving every binding but COMMS.
func (s *Server) Handler() http.Handler { return s.http }

// Service returns the service answering inbound envelopes.
func (s *Server) Service() *service.Service { return s.svc }

// DeadLetters returns the dead-letter journal.
func (s *Server) DeadLetters() deadletter.Store { return s.deadLetters }

// Shutdown stops the bindings and releases connections.
func (s *Server) Shutdown(ctx context.Context) {
	if s.comms != nil {
		s.comms.Stop()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Error(fmt.Sprintf("%s - HTTP server shutdown error: %v", logPrefix, err))
		}
	}
	if s.ws != nil {
		s.ws.Close()
	}
	s.closeResources()
}

func (s *Server) closeResources() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Server) ready(ctx context.Context) error {
	if s.cfg.EnableCOMMS && (s.nc == nil || !s.nc.IsConnected()) {
		return fmt.Errorf("COMMS not connected")
	}
	if p, ok := s.deadLetters.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// pinger is implemented by dead-letter stores backed by a database.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) stats() map[string]interface{} {
	out := map[string]interface{}{
		"routes":             s.router.Len(),
		"websocket_sessions": s.ws.Sessions(),
		"comms_enabled":      s.nc != nil,
	}
	if s.comms != nil {
		out["comms_subject"] = s.comms.Subject()
	}
	return out
}
