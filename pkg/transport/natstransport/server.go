package natstransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/commsutil"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const serverLogPrefix = "natstransport:server"

const drainTimeout = 5 * time.Second

// Server answers envelopes published on a service subject. Instances share the
// commsutil.QueueGroup, so each call reaches one of them.
type Server struct {
	nc      *comms.Conn
	subject string
	handler transport.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	sub *comms.Subscription
}

// NewServer creates a server for subject (commsutil.SubjectService when empty).
func NewServer(nc *comms.Conn, subject string, h transport.Handler) *Server {
	if subject == "" {
		subject = commsutil.SubjectService
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{nc: nc, subject: subject, handler: h, ctx: ctx, cancel: cancel}
}

// Subject returns the subject the server listens on.
func (s *Server) Subject() string { return s.subject }

// Start subscribes to the service subject.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.nc.QueueSubscribe(s.subject, commsutil.QueueGroup, func(msg *comms.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", serverLogPrefix, s.subject, err)
	}
	s.sub = sub
	slog.Info(fmt.Sprintf("%s - Listening on %s (queue %s)", serverLogPrefix, s.subject, commsutil.QueueGroup))
	return nil
}

// Stop drains the subscription and waits for in-flight calls.
func (s *Server) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Drain(); err != nil {
			slog.Warn(fmt.Sprintf("%s - Drain %s: %v", serverLogPrefix, s.subject, err))
		}
		deadline := time.Now().Add(drainTimeout)
		for sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Server) handle(msg *comms.Msg) {
	env, err := commsutil.FromMsg(msg)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Rejecting message: %v", serverLogPrefix, err))
		if env != nil && env.Kind.ExpectsReply() && env.Header.MsgID != "" {
			s.respond(msg, envelope.ErrorReply(env, err))
		}
		return
	}

	reply := s.handler.Handle(s.ctx, env)
	if reply == nil {
		return
	}
	s.respond(msg, reply)
}

func (s *Server) respond(msg *comms.Msg, reply *envelope.Envelope) {
	if msg.Reply == "" {
		slog.Warn(fmt.Sprintf("%s - No reply subject for %s", serverLogPrefix, reply.Target()))
		return
	}
	out, err := commsutil.ToMsg(msg.Reply, reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", serverLogPrefix, err))
		return
	}
	if err := s.nc.PublishMsg(out); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to reply on %s: %v", serverLogPrefix, msg.Reply, err))
	}
}
