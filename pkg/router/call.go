package router

import (
	"encoding/json"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

// Call is a resolved request with its bound arguments.
type Call struct {
	Envelope *envelope.Envelope
	Route    *Route
	Vars     map[string]string

	args map[string]interface{}
}

// Arg returns the bound value of name, nil when absent.
func (c *Call) Arg(name string) interface{} {
	return c.args[name]
}

// String returns a string argument, "" when absent.
func (c *Call) String(name string) string {
	s, _ := c.args[name].(string)
	return s
}

// Int returns an int argument, 0 when absent.
func (c *Call) Int(name string) int {
	n, _ := c.args[name].(int)
	return n
}

// Int64 returns an int64 argument, 0 when absent.
func (c *Call) Int64(name string) int64 {
	n, _ := c.args[name].(int64)
	return n
}

// Body returns the decoded body argument: the value allocated by ParamSpec.New, or
// json.RawMessage when the ParamSpec has no factory.
func (c *Call) Body(name string) interface{} {
	return c.args[name]
}

// RawBody returns the undecoded request body.
func (c *Call) RawBody() json.RawMessage {
	return c.Envelope.Body
}

// Has reports whether name was bound to a non-nil value.
func (c *Call) Has(name string) bool {
	return c.args[name] != nil
}

// Result lets a handler control the response status and properties.
type Result struct {
	Status     int
	Properties envelope.Properties
	Body       interface{}
}
