package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/router"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

const logPrefix = "httptransport:server"

const maxBodyBytes = 8 << 20

// ServerOptions configures the HTTP binding.
type ServerOptions struct {
	// StaticDir serves files for GET requests no route matches.
	StaticDir string
	// WSPath mounts WS at this path when both are set.
	WSPath string
	WS     http.Handler
	// Routes lists the route table on the admin endpoints.
	Routes func() []router.RouteInfo
	// Ready reports whether the process can take calls.
	Ready        func(ctx context.Context) error
	ReadyTimeout time.Duration
	// Stats adds runtime figures to the admin page.
	Stats func() map[string]interface{}
}

// Server turns HTTP requests into envelopes for a transport.Handler.
type Server struct {
	handler transport.Handler
	opts    ServerOptions
	mux     *mux.Router
	static  http.Handler
}

// NewServer builds the route tree: admin routes, the websocket upgrade, command and
// push routes, then a catch-all for requests.
func NewServer(h transport.Handler, opts ServerOptions) *Server {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	s := &Server{handler: h, opts: opts, mux: mux.NewRouter()}
	if opts.StaticDir != "" {
		s.static = http.FileServer(http.Dir(opts.StaticDir))
	}

	s.mux.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc(ReadyPath, s.handleReady).Methods(http.MethodGet)
	s.mux.HandleFunc(RoutesPath, s.handleRoutes).Methods(http.MethodGet)
	s.mux.HandleFunc(AdminPrefix+"/", s.handleHome()).Methods(http.MethodGet)
	s.mux.HandleFunc(CommandPrefix+"{name}", s.handleCommand).Methods(http.MethodPost)
	s.mux.HandleFunc(PushPrefix+"{topic}", s.handlePush).Methods(http.MethodPost)
	if opts.WSPath != "" && opts.WS != nil {
		s.mux.Handle(opts.WSPath, opts.WS)
	}
	s.mux.PathPrefix("/").HandlerFunc(s.handleRequest)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	verb, err := envelope.ParseVerb(r.Method)
	if err != nil {
		w.Header().Set("Allow", "GET, POST, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, rpcerr.From(err))
		return
	}
	target, err := uri.Parse(r.URL.RequestURI())
	if err != nil {
		writeError(w, http.StatusBadRequest, rpcerr.From(err))
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, rpcerr.From(err))
		return
	}

	env := envelope.NewRequest(verb, target)
	if envelope.Kind(r.Header.Get(HeaderKind)) == envelope.KindEvent {
		env = envelope.NewEvent(verb, target)
	}
	s.fillHeader(env, r)
	env.Header.KeepAlive = !r.Close
	env.Body = body

	reply := s.handler.Handle(r.Context(), env)
	if reply == nil {
		w.Header().Set(HeaderMessageID, env.Header.MsgID)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if s.static != nil && verb == envelope.GET && errors.Is(reply.Err(), rpcerr.ErrRouteNotFound) {
		s.static.ServeHTTP(w, r)
		return
	}
	writeReply(w, reply)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, rpcerr.From(err))
		return
	}
	env := envelope.NewCommand(mux.Vars(r)["name"])
	s.fillHeader(env, r)
	env.Body = body

	reply := s.handler.Handle(r.Context(), env)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeReply(w, reply)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, rpcerr.From(err))
		return
	}
	env := envelope.NewPushNotification(mux.Vars(r)["topic"])
	s.fillHeader(env, r)
	env.Body = body

	if reply := s.handler.Handle(r.Context(), env); reply != nil && reply.Err() != nil {
		writeReply(w, reply)
		return
	}
	w.Header().Set(HeaderMessageID, env.Header.MsgID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fillHeader(env *envelope.Envelope, r *http.Request) {
	env.Header.MsgID = r.Header.Get(HeaderMessageID)
	if env.Header.MsgID == "" {
		env.Header.MsgID = uuid.NewString()
	}
	env.Header.ProtocolVersion = r.Header.Get(HeaderProtocolVersion)
	env.Header.Properties = propertiesFromHeader(r.Header)
	env.Header.Properties.Set(envelope.PropTransport, "http")
}

func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInvalidArgument, err, "cannot read request body")
	}
	return bodyFromBytes(data), nil
}

// writeReply renders a Response or CommandResult envelope as an HTTP response.
func writeReply(w http.ResponseWriter, reply *envelope.Envelope) {
	h := w.Header()
	applyProperties(h, reply.Header.Properties)
	h.Set(HeaderKind, string(reply.Kind))
	h.Set(HeaderCorrelationID, reply.Header.CorrelationID)
	if reply.Header.ProtocolVersion != "" {
		h.Set(HeaderProtocolVersion, reply.Header.ProtocolVersion)
	}
	status := reply.Header.Status
	if status == 0 {
		status = http.StatusOK
	}

	if reply.Header.Error != nil {
		h.Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(errorBody{Error: reply.Header.Error}); err != nil {
			slog.Error(fmt.Sprintf("%s - error body encode: %v", logPrefix, err))
		}
		return
	}
	if len(reply.Body) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if len(reply.Body) > 0 {
		if _, err := w.Write(reply.Body); err != nil {
			slog.Warn(fmt.Sprintf("%s - body write: %v", logPrefix, err))
		}
	}
}

func writeError(w http.ResponseWriter, status int, e *rpcerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	detail := &envelope.ErrorDetail{Code: e.Code, Message: e.Error(), Details: e.Details, Retryable: e.Retryable}
	if err := json.NewEncoder(w).Encode(errorBody{Error: detail}); err != nil {
		slog.Error(fmt.Sprintf("%s - error body encode: %v", logPrefix, err))
	}
}
