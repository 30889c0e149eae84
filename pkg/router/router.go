// Package router maps a verb and request URI to a registered method and binds the
// method's parameters from the request envelope.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

const logPrefix = "router:router"

// DefaultVariableChars are the non-alphanumeric characters a path variable may contain.
const DefaultVariableChars = "._@-"

// HandlerFunc executes a routed call. The returned value becomes the response body;
// a *Result controls status and properties as well.
type HandlerFunc func(ctx context.Context, call *Call) (interface{}, error)

// MethodDescriptor is what a route points to.
type MethodDescriptor struct {
	Name    string
	Params  []ParamSpec
	Handler HandlerFunc
}

// Endpoint is a route relative to a service base path.
type Endpoint struct {
	Verb   envelope.Verb
	Path   string
	Method MethodDescriptor
}

type segment struct {
	literal  string
	variable string
}

// Route is a compiled, registered route.
type Route struct {
	Verb     envelope.Verb
	Template string
	Method   MethodDescriptor

	pattern       string
	segments      []segment
	requiredQuery map[string]struct{}
	order         int
}

// Match is the result of resolving a request to a route.
type Match struct {
	Route *Route
	Vars  map[string]string
}

// RouteInfo describes a registered route for listings.
type RouteInfo struct {
	Verb   string      `json:"verb"`
	Path   string      `json:"path"`
	Method string      `json:"method"`
	Params []ParamInfo `json:"params,omitempty"`
}

// ParamInfo describes a route parameter for listings.
type ParamInfo struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// Option configures a Router.
type Option func(*Router)

// WithVariableChars sets the separator characters allowed in path variables besides
// letters and digits. "/" is never allowed.
func WithVariableChars(chars string) Option {
	return func(r *Router) {
		r.varChars = strings.ReplaceAll(chars, "/", "")
	}
}

// WithBodyDecoder replaces the JSON body decoder.
func WithBodyDecoder(d BodyDecoder) Option {
	return func(r *Router) {
		r.decoder = d
	}
}

// Router holds the route table. Register while starting up, then Seal; a sealed
// table is read without locking.
type Router struct {
	mu       sync.RWMutex
	sealed   atomic.Bool
	routes   []*Route
	byVerb   map[envelope.Verb][]*Route
	varChars string
	decoder  BodyDecoder
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		byVerb:   make(map[envelope.Verb][]*Route),
		varChars: DefaultVariableChars,
		decoder:  JSONDecoder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles template and adds a route for verb.
func (r *Router) Register(verb envelope.Verb, template string, desc MethodDescriptor) error {
	if r.sealed.Load() {
		return fmt.Errorf("%s - route table is sealed", logPrefix)
	}
	v, err := envelope.ParseVerb(string(verb))
	if err != nil {
		return fmt.Errorf("%s - %s %s: %w", logPrefix, verb, template, err)
	}
	if desc.Handler == nil {
		return fmt.Errorf("%s - %s %s: nil handler", logPrefix, v, template)
	}

	route, err := compile(v, template, desc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byVerb[v] {
		if existing.pattern == route.pattern && sameSet(existing.requiredQuery, route.requiredQuery) {
			return rpcerr.Newf(rpcerr.CodeDuplicateRoute, "%s %s conflicts with %s %s",
				v, route.Template, existing.Verb, existing.Template)
		}
	}

	route.order = len(r.routes)
	r.routes = append(r.routes, route)
	r.byVerb[v] = append(r.byVerb[v], route)

	slog.Debug(fmt.Sprintf("%s - Registered %s %s -> %s", logPrefix, v, route.Template, desc.Name))
	return nil
}

// RegisterService registers endpoints below basePath.
func (r *Router) RegisterService(basePath string, endpoints []Endpoint) error {
	for _, ep := range endpoints {
		if err := r.Register(ep.Verb, JoinPath(basePath, ep.Path), ep.Method); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the route table.
func (r *Router) Seal() {
	r.sealed.Store(true)
}

// Len returns the number of registered routes.
func (r *Router) Len() int {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return len(r.routes)
}

// Routes returns a listing of the registered routes in registration order.
func (r *Router) Routes() []RouteInfo {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	out := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		info := RouteInfo{Verb: string(rt.Verb), Path: rt.Template, Method: rt.Method.Name}
		for _, p := range rt.Method.Params {
			info.Params = append(info.Params, ParamInfo{
				Name:     p.Name,
				Source:   p.Source.String(),
				Type:     p.Type.String(),
				Required: p.Required,
				Default:  p.Default,
			})
		}
		out = append(out, info)
	}
	return out
}

// Resolve finds the route for verb and u.
//
// Among the routes whose path matches, those whose required query parameters were all
// supplied are preferred, the one requiring the most winning. Ties go to the route with
// fewer parameters, then to the earliest registered. When no candidate has its required
// query parameters satisfied, the one requiring the fewest is returned so that binding
// reports the missing parameter.
func (r *Router) Resolve(verb envelope.Verb, u uri.Uri) (*Match, error) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	segs := u.Segments()
	var candidates []*Match
	for _, rt := range r.byVerb[verb] {
		if vars, ok := r.match(rt, segs); ok {
			candidates = append(candidates, &Match{Route: rt, Vars: vars})
		}
	}
	if len(candidates) == 0 {
		return nil, rpcerr.RouteNotFound(string(verb), u.Path)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	supplied := u.Names()
	var satisfied, unsatisfied []*Match
	for _, c := range candidates {
		if subset(c.Route.requiredQuery, supplied) {
			satisfied = append(satisfied, c)
		} else {
			unsatisfied = append(unsatisfied, c)
		}
	}

	if len(satisfied) > 0 {
		sort.SliceStable(satisfied, func(i, j int) bool {
			a, b := satisfied[i].Route, satisfied[j].Route
			if len(a.requiredQuery) != len(b.requiredQuery) {
				return len(a.requiredQuery) > len(b.requiredQuery)
			}
			if len(a.Method.Params) != len(b.Method.Params) {
				return len(a.Method.Params) < len(b.Method.Params)
			}
			return a.order < b.order
		})
		return satisfied[0], nil
	}

	sort.SliceStable(unsatisfied, func(i, j int) bool {
		a, b := unsatisfied[i].Route, unsatisfied[j].Route
		if len(a.requiredQuery) != len(b.requiredQuery) {
			return len(a.requiredQuery) < len(b.requiredQuery)
		}
		if len(a.Method.Params) != len(b.Method.Params) {
			return len(a.Method.Params) < len(b.Method.Params)
		}
		return a.order < b.order
	})
	return unsatisfied[0], nil
}

// Bind extracts the method arguments of m from env.
func (r *Router) Bind(m *Match, env *envelope.Envelope) (*Call, error) {
	call := &Call{
		Envelope: env,
		Route:    m.Route,
		Vars:     m.Vars,
		args:     make(map[string]interface{}, len(m.Route.Method.Params)),
	}
	path := m.Route.Template
	if env.Header.Uri != nil {
		path = env.Header.Uri.Path
	}

	for _, p := range m.Route.Method.Params {
		v, ok, err := r.bindOne(p, m, env)
		if err != nil {
			return nil, err
		}
		if !ok {
			if p.Required {
				return nil, rpcerr.MissingParameter(p.Name, path)
			}
			if p.Default != "" {
				v, _ = coerce(p.Default, p.Type)
			}
		}
		call.args[p.Name] = v
	}
	return call, nil
}

// Lookup resolves and binds env in one step.
func (r *Router) Lookup(env *envelope.Envelope) (*Call, error) {
	if env.Header.Uri == nil {
		return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "request without uri")
	}
	m, err := r.Resolve(env.Header.Method, *env.Header.Uri)
	if err != nil {
		return nil, err
	}
	return r.Bind(m, env)
}

func (r *Router) match(rt *Route, segs []string) (map[string]string, bool) {
	if len(segs) != len(rt.segments) {
		return nil, false
	}
	var vars map[string]string
	for i, s := range rt.segments {
		if s.variable == "" {
			if segs[i] != s.literal {
				return nil, false
			}
			continue
		}
		if !r.validVariable(segs[i]) {
			return nil, false
		}
		if vars == nil {
			vars = make(map[string]string, len(rt.segments))
		}
		vars[s.variable] = segs[i]
	}
	return vars, true
}

func (r *Router) validVariable(seg string) bool {
	if seg == "" {
		return false
	}
	for _, c := range seg {
		if unicode.IsLetter(c) || unicode.IsDigit(c) || strings.ContainsRune(r.varChars, c) {
			continue
		}
		return false
	}
	return true
}

// JoinPath joins a base path and a sub path with exactly one "/" and strips trailing
// slashes.
func JoinPath(base, sub string) string {
	base = strings.TrimRight(base, "/")
	sub = strings.Trim(sub, "/")
	switch {
	case sub == "" && base == "":
		return "/"
	case sub == "":
		return ensureLeadingSlash(base)
	default:
		return ensureLeadingSlash(base + "/" + sub)
	}
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func compile(verb envelope.Verb, template string, desc MethodDescriptor) (*Route, error) {
	tpl := JoinPath(template, "")
	rt := &Route{
		Verb:          verb,
		Template:      tpl,
		Method:        desc,
		requiredQuery: make(map[string]struct{}),
	}

	vars := make(map[string]struct{})
	patternParts := make([]string, 0)
	if trimmed := strings.Trim(tpl, "/"); trimmed != "" {
		for _, part := range strings.Split(trimmed, "/") {
			switch {
			case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
				name := part[1 : len(part)-1]
				if name == "" || strings.ContainsAny(name, "{}") {
					return nil, fmt.Errorf("%s - %s: invalid variable segment %q", logPrefix, tpl, part)
				}
				if _, dup := vars[name]; dup {
					return nil, fmt.Errorf("%s - %s: variable %q used twice", logPrefix, tpl, name)
				}
				vars[name] = struct{}{}
				rt.segments = append(rt.segments, segment{variable: name})
				patternParts = append(patternParts, "{}")
			case part == "" || strings.ContainsAny(part, "{}"):
				return nil, fmt.Errorf("%s - %s: invalid segment %q", logPrefix, tpl, part)
			default:
				rt.segments = append(rt.segments, segment{literal: part})
				patternParts = append(patternParts, part)
			}
		}
	}
	rt.pattern = "/" + strings.Join(patternParts, "/")

	seen := make(map[string]struct{}, len(desc.Params))
	for _, p := range desc.Params {
		if err := p.validate(vars); err != nil {
			return nil, fmt.Errorf("%s %s: %w", verb, tpl, err)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("%s - %s %s: parameter %q declared twice", logPrefix, verb, tpl, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Source == QueryParam && p.Required {
			rt.requiredQuery[strings.ToLower(p.Name)] = struct{}{}
		}
	}
	return rt, nil
}

func subset(required, supplied map[string]struct{}) bool {
	for name := range required {
		if _, ok := supplied[name]; !ok {
			return false
		}
	}
	return true
}

func sameSet(a, b map[string]struct{}) bool {
	return len(a) == len(b) && subset(a, b)
}
