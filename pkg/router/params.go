package router

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
)

// Source tells the binder where a parameter value comes from.
type Source int

const (
	PathVariable Source = iota
	QueryParam
	Header
	Body
	Message
)

func (s Source) String() string {
	switch s {
	case PathVariable:
		return "path"
	case QueryParam:
		return "query"
	case Header:
		return "header"
	case Body:
		return "body"
	case Message:
		return "message"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Type is the declared Go type of a bound parameter.
type Type int

const (
	String Type = iota
	Int
	Int64
	BodyType
	MessageType
)

func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Int64:
		return "int64"
	case BodyType:
		return "body"
	case MessageType:
		return "message"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParamSpec declares one method parameter. Default is applied to absent optional
// parameters; the empty string means no default. New allocates the target a Body
// parameter is decoded into; when nil the raw JSON is passed through.
type ParamSpec struct {
	Name     string
	Source   Source
	Required bool
	Default  string
	Type     Type
	New      func() interface{}
}

// PathParam declares a path variable bound as a string.
func PathParam(name string) ParamSpec {
	return ParamSpec{Name: name, Source: PathVariable, Required: true, Type: String}
}

// QueryString declares a query parameter bound as a string.
func QueryString(name string, required bool) ParamSpec {
	return ParamSpec{Name: name, Source: QueryParam, Required: required, Type: String}
}

// BodyParam declares a JSON body decoded into the value returned by newFn.
func BodyParam(name string, required bool, newFn func() interface{}) ParamSpec {
	return ParamSpec{Name: name, Source: Body, Required: required, Type: BodyType, New: newFn}
}

// MessageParam declares the injected request envelope.
func MessageParam(name string) ParamSpec {
	return ParamSpec{Name: name, Source: Message, Type: MessageType}
}

// BodyDecoder decodes a request body into target.
type BodyDecoder interface {
	Decode(body []byte, target interface{}) error
}

// JSONDecoder is the default BodyDecoder.
type JSONDecoder struct{}

// Decode implements BodyDecoder.
func (JSONDecoder) Decode(body []byte, target interface{}) error {
	return json.Unmarshal(body, target)
}

func (p ParamSpec) validate(vars map[string]struct{}) error {
	if p.Name == "" {
		return fmt.Errorf("%s - parameter without name", logPrefix)
	}
	switch p.Source {
	case PathVariable, QueryParam, Header:
		if p.Type != String && p.Type != Int && p.Type != Int64 {
			return fmt.Errorf("%s - parameter %q: %s source cannot bind type %s", logPrefix, p.Name, p.Source, p.Type)
		}
		if p.Source == PathVariable {
			if _, ok := vars[p.Name]; !ok {
				return fmt.Errorf("%s - parameter %q: no such path variable", logPrefix, p.Name)
			}
		}
		if p.Default != "" {
			if _, err := coerce(p.Default, p.Type); err != nil {
				return fmt.Errorf("%s - parameter %q: default %q is not a valid %s", logPrefix, p.Name, p.Default, p.Type)
			}
		}
	case Body:
		if p.Type != BodyType {
			return fmt.Errorf("%s - parameter %q: body source must have body type", logPrefix, p.Name)
		}
	case Message:
		if p.Type != MessageType {
			return fmt.Errorf("%s - parameter %q: message source must have message type", logPrefix, p.Name)
		}
	default:
		return fmt.Errorf("%s - parameter %q: unknown source %s", logPrefix, p.Name, p.Source)
	}
	return nil
}

func coerce(raw string, t Type) (interface{}, error) {
	switch t {
	case Int:
		return strconv.Atoi(raw)
	case Int64:
		return strconv.ParseInt(raw, 10, 64)
	default:
		return raw, nil
	}
}

// bindOne resolves a single parameter. ok is false when the value is absent.
func (r *Router) bindOne(p ParamSpec, m *Match, env *envelope.Envelope) (interface{}, bool, error) {
	var raw string
	var ok bool
	switch p.Source {
	case PathVariable:
		raw, ok = m.Vars[p.Name]
	case QueryParam:
		if env.Header.Uri != nil {
			raw, ok = env.Header.Uri.GetFold(p.Name)
		}
	case Header:
		raw, ok = env.Header.Properties.Get(p.Name)
	case Body:
		if len(env.Body) == 0 {
			return nil, false, nil
		}
		if p.New == nil {
			return json.RawMessage(env.Body), true, nil
		}
		target := p.New()
		if err := r.decoder.Decode(env.Body, target); err != nil {
			return nil, false, rpcerr.Wrap(rpcerr.CodeInvalidArgument, err,
				fmt.Sprintf("cannot decode body parameter %q", p.Name))
		}
		return target, true, nil
	case Message:
		return env, true, nil
	}
	if !ok {
		return nil, false, nil
	}
	v, err := coerce(raw, p.Type)
	if err != nil {
		return nil, false, rpcerr.Newf(rpcerr.CodeInvalidArgument,
			"parameter %q: %q is not a valid %s", p.Name, raw, p.Type)
	}
	return v, true, nil
}
