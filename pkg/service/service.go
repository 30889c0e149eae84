// Package service is the callee side of the engine: it turns inbound envelopes into
// method invocations and wraps the outcome in a reply.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/events"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/router"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
)

const logPrefix = "service:service"

// CommandFunc executes a named Command. The returned value becomes the result body.
type CommandFunc func(ctx context.Context, cmd *envelope.Envelope) (interface{}, error)

// TopicListener receives PushNotifications for a topic.
type TopicListener func(ctx context.Context, push *envelope.Envelope)

// DeadLetterSink journals envelopes the service received but could not deliver.
type DeadLetterSink interface {
	Record(ctx context.Context, env *envelope.Envelope, reason string) error
}

// Option configures a Service.
type Option func(*Service)

// WithVersionPolicy rejects envelopes whose protocol version the policy does not accept
// and stamps replies with the local version.
func WithVersionPolicy(p *envelope.VersionPolicy) Option {
	return func(s *Service) { s.version = p }
}

// WithPublisher forwards received Events and PushNotifications to pub.
func WithPublisher(pub events.EventPublisher) Option {
	return func(s *Service) { s.publisher = pub }
}

// WithDeadLetter journals unsolicited replies to sink instead of only logging them.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(s *Service) { s.deadLetter = sink }
}

// Service dispatches inbound envelopes to routes, commands and topic listeners.
type Service struct {
	router     *router.Router
	version    *envelope.VersionPolicy
	publisher  events.EventPublisher
	deadLetter DeadLetterSink

	mu       sync.RWMutex
	commands map[string]CommandFunc
	topics   map[string][]TopicListener
}

// New creates a Service over r.
func New(r *router.Router, opts ...Option) *Service {
	s := &Service{
		router:    r,
		publisher: &events.NoOpPublisher{},
		commands:  make(map[string]CommandFunc),
		topics:    make(map[string][]TopicListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the route table the service dispatches to.
func (s *Service) Router() *router.Router { return s.router }

// HandleCommand registers fn for Commands named name.
func (s *Service) HandleCommand(name string, fn CommandFunc) {
	s.mu.Lock()
	s.commands[name] = fn
	s.mu.Unlock()
}

// Subscribe registers fn for PushNotifications on topic.
func (s *Service) Subscribe(topic string, fn TopicListener) {
	s.mu.Lock()
	s.topics[topic] = append(s.topics[topic], fn)
	s.mu.Unlock()
}

// Handle processes one inbound envelope. It returns the reply to send back, or nil
// for kinds that expect none.
func (s *Service) Handle(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	slog.Debug(fmt.Sprintf("%s - kind=%s target=%s id=%s", logPrefix, env.Kind, env.Target(), env.Header.MsgID))

	if s.version != nil {
		if err := s.version.Check(env.Header.ProtocolVersion); err != nil {
			slog.Warn(fmt.Sprintf("%s - Rejecting %s: %v", logPrefix, env.Target(), err))
			if env.Kind.ExpectsReply() {
				return s.stamp(envelope.ErrorReply(env, err))
			}
			return nil
		}
	}

	switch env.Kind {
	case envelope.KindRequest:
		return s.stamp(s.handleRequest(ctx, env))
	case envelope.KindEvent:
		s.handleEvent(ctx, env)
		return nil
	case envelope.KindCommand:
		return s.stamp(s.handleCommand(ctx, env))
	case envelope.KindPushNotification:
		s.handlePush(ctx, env)
		return nil
	case envelope.KindResponse, envelope.KindCommandResult:
		slog.Warn(fmt.Sprintf("%s - Dropping unsolicited %s for %s", logPrefix, env.Kind, env.Header.CorrelationID))
		s.journal(env, "unsolicited reply")
		return nil
	default:
		slog.Warn(fmt.Sprintf("%s - Dropping envelope of unknown kind %q", logPrefix, env.Kind))
		return nil
	}
}

func (s *Service) handleRequest(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	call, err := s.router.Lookup(env)
	if err != nil {
		return envelope.ErrorReply(env, err)
	}

	result, err := invoke(ctx, call)
	if err != nil {
		return envelope.ErrorReply(env, executionError(env, err))
	}
	return resultReply(env, result)
}

func (s *Service) handleEvent(ctx context.Context, env *envelope.Envelope) {
	if err := s.publisher.Publish(ctx, env); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to publish %s: %v", logPrefix, env.Target(), err))
	}

	call, err := s.router.Lookup(env)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Event %s not routed: %v", logPrefix, env.Target(), err))
		return
	}
	if _, err := invoke(ctx, call); err != nil {
		slog.Error(fmt.Sprintf("%s - Event %s failed: %v", logPrefix, env.Target(), err))
	}
}

func (s *Service) handleCommand(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	s.mu.RLock()
	fn, ok := s.commands[env.Header.Command]
	s.mu.RUnlock()
	if !ok {
		return envelope.ErrorReply(env, rpcerr.Newf(rpcerr.CodeRouteNotFound, "unknown command %q", env.Header.Command))
	}

	result, err := safeCall(func() (interface{}, error) { return fn(ctx, env) })
	if err != nil {
		return envelope.ErrorReply(env, executionError(env, err))
	}
	return resultReply(env, result)
}

func (s *Service) handlePush(ctx context.Context, env *envelope.Envelope) {
	s.mu.RLock()
	listeners := s.topics[env.Header.Topic]
	s.mu.RUnlock()

	for _, l := range listeners {
		_, err := safeCall(func() (interface{}, error) {
			l(ctx, env)
			return nil, nil
		})
		if err != nil {
			slog.Error(fmt.Sprintf("%s - Listener for topic %s failed: %v", logPrefix, env.Header.Topic, err))
		}
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to publish %s: %v", logPrefix, env.Target(), err))
	}
}

func (s *Service) journal(env *envelope.Envelope, reason string) {
	if s.deadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deadLetter.Record(ctx, env, reason); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to journal %s for %s: %v", logPrefix, env.Kind, env.Header.CorrelationID, err))
	}
}

func (s *Service) stamp(reply *envelope.Envelope) *envelope.Envelope {
	if reply != nil && s.version != nil {
		reply.Header.ProtocolVersion = ""
		s.version.Stamp(reply)
	}
	return reply
}

// --- helpers ---

func invoke(ctx context.Context, call *router.Call) (interface{}, error) {
	return safeCall(func() (interface{}, error) { return call.Route.Method.Handler(ctx, call) })
}

func safeCall(fn func() (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler panic: %v\n%s", logPrefix, r, debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// executionError keeps errors a handler already classified and wraps everything else.
func executionError(env *envelope.Envelope, err error) error {
	if _, ok := err.(*rpcerr.Error); ok {
		return err
	}
	verb, path := string(env.Header.Method), env.Header.Command
	if env.Header.Uri != nil {
		path = env.Header.Uri.Path
	}
	return rpcerr.ExecutionFailure(verb, path, err)
}

func resultReply(env *envelope.Envelope, result interface{}) *envelope.Envelope {
	status := http.StatusOK
	var props envelope.Properties
	body := result
	if r, ok := result.(*router.Result); ok {
		if r.Status != 0 {
			status = r.Status
		}
		props = r.Properties
		body = r.Body
	}

	reply := envelope.Reply(env, status)
	for _, p := range props {
		reply.Header.Properties.Set(p.Name, p.Value)
	}
	if err := reply.SetBody(body); err != nil {
		return envelope.ErrorReply(env, rpcerr.Wrap(rpcerr.CodeInternal, err, "cannot encode result"))
	}
	return reply
}
