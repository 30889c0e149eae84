// Package envelope defines the tagged-union wire message exchanged between callers and
// services: Request, Response, Event, Command, CommandResult and PushNotification.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

const logPrefix = "envelope:envelope"

// Kind discriminates the envelope variants. It is carried on the wire as "@msg_type".
type Kind string

const (
	KindRequest          Kind = "Request"
	KindResponse         Kind = "Response"
	KindEvent            Kind = "Event"
	KindCommand          Kind = "Command"
	KindCommandResult    Kind = "CommandResult"
	KindPushNotification Kind = "PushNotification"
)

// ExpectsReply reports whether the sender of an envelope of this kind waits for an answer.
func (k Kind) ExpectsReply() bool {
	return k == KindRequest || k == KindCommand
}

// IsReply reports whether the kind answers an earlier call.
func (k Kind) IsReply() bool {
	return k == KindResponse || k == KindCommandResult
}

// Verb is the request method.
type Verb string

const (
	GET    Verb = "GET"
	POST   Verb = "POST"
	PUT    Verb = "PUT"
	DELETE Verb = "DELETE"
)

// ParseVerb normalizes s to a supported verb.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToUpper(strings.TrimSpace(s))); v {
	case GET, POST, PUT, DELETE:
		return v, nil
	default:
		return "", rpcerr.Newf(rpcerr.CodeInvalidArgument, "unsupported verb %q", s)
	}
}

// ErrorDetail holds structured error information inside a reply.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// Header carries the routing and correlation metadata of an envelope.
//
// Uri, Method and KeepAlive apply to Request and Event. Status and Error apply to
// Response and CommandResult. Command applies to Command and PushNotification, Topic
// to PushNotification only.
type Header struct {
	MsgID           string     `json:"msgId,omitempty"`
	CorrelationID   string     `json:"correlationId,omitempty"`
	ProtocolVersion string     `json:"protocolVersion,omitempty"`
	Properties      Properties `json:"properties,omitempty"`

	Uri       *uri.Uri `json:"uri,omitempty"`
	Method    Verb     `json:"method,omitempty"`
	KeepAlive bool     `json:"keepAlive,omitempty"`

	Status int          `json:"status,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`

	Command string `json:"command,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// Envelope is one wire message.
type Envelope struct {
	Kind   Kind            `json:"@msg_type"`
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewRequest builds a Request for verb and u.
func NewRequest(verb Verb, u uri.Uri) *Envelope {
	return &Envelope{Kind: KindRequest, Header: Header{Uri: &u, Method: verb}}
}

// NewEvent builds an Event, a request that expects no reply.
func NewEvent(verb Verb, u uri.Uri) *Envelope {
	return &Envelope{Kind: KindEvent, Header: Header{Uri: &u, Method: verb}}
}

// NewCommand builds a Command addressed by name.
func NewCommand(name string) *Envelope {
	return &Envelope{Kind: KindCommand, Header: Header{Command: name}}
}

// NewPushNotification builds a PushNotification for topic.
func NewPushNotification(topic string) *Envelope {
	return &Envelope{Kind: KindPushNotification, Header: Header{Command: "push", Topic: topic}}
}

// Reply builds the reply envelope for call: a Response for Request, a CommandResult for
// Command. The correlation id is the call's msg id.
func Reply(call *Envelope, status int) *Envelope {
	kind := KindResponse
	if call.Kind == KindCommand || call.Kind == KindPushNotification {
		kind = KindCommandResult
	}
	reply := &Envelope{
		Kind: kind,
		Header: Header{
			CorrelationID:   call.Header.MsgID,
			ProtocolVersion: call.Header.ProtocolVersion,
			Status:          status,
			Command:         call.Header.Command,
		},
	}
	if call.Header.KeepAlive {
		reply.Header.Properties.Set(PropKeepAlive, "true")
	}
	return reply
}

// ErrorReply builds a reply for call that carries err.
func ErrorReply(call *Envelope, err error) *Envelope {
	e := rpcerr.From(err)
	status := e.Status
	if status == 0 {
		status = rpcerr.StatusFor(e.Code)
	}
	msg := e.Message
	if cause := errors.Unwrap(e); cause != nil {
		msg += ": " + cause.Error()
	}
	reply := Reply(call, status)
	reply.Header.Error = &ErrorDetail{
		Code:      e.Code,
		Message:   msg,
		Details:   e.Details,
		Retryable: e.Retryable,
	}
	return reply
}

// SetBody encodes v as the envelope body. A nil v clears the body.
func (e *Envelope) SetBody(v interface{}) error {
	if v == nil {
		e.Body = nil
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		e.Body = raw
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s - failed to encode body: %w", logPrefix, err)
	}
	e.Body = data
	return nil
}

// DecodeBody decodes the body into v.
func (e *Envelope) DecodeBody(v interface{}) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s - empty body", logPrefix)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%s - failed to decode body: %w", logPrefix, err)
	}
	return nil
}

// Err returns the error carried by a reply, or nil for successful replies and calls.
func (e *Envelope) Err() error {
	if !e.Kind.IsReply() {
		return nil
	}
	if d := e.Header.Error; d != nil {
		err := rpcerr.New(d.Code, d.Message)
		err.Details = d.Details
		err.Retryable = d.Retryable
		if e.Header.Status != 0 {
			err.Status = e.Header.Status
		}
		return err
	}
	if e.Header.Status >= 400 {
		return rpcerr.Newf(rpcerr.CodeForStatus(e.Header.Status), "status %d", e.Header.Status)
	}
	return nil
}

// Target describes the envelope for logs: "GET /x", "command:name" or "reply:id".
func (e *Envelope) Target() string {
	switch e.Kind {
	case KindRequest, KindEvent:
		if e.Header.Uri == nil {
			return string(e.Header.Method)
		}
		return string(e.Header.Method) + " " + e.Header.Uri.Path
	case KindCommand:
		return "command:" + e.Header.Command
	case KindPushNotification:
		return "topic:" + e.Header.Topic
	case KindResponse, KindCommandResult:
		return "reply:" + e.Header.CorrelationID
	default:
		return string(e.Kind)
	}
}

// Validate checks the kind-specific header fields.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest, KindEvent:
		if e.Header.Uri == nil {
			return rpcerr.Newf(rpcerr.CodeInvalidArgument, "%s without uri", e.Kind)
		}
		if _, err := ParseVerb(string(e.Header.Method)); err != nil {
			return err
		}
	case KindResponse, KindCommandResult:
		if e.Header.CorrelationID == "" {
			return rpcerr.Newf(rpcerr.CodeInvalidArgument, "%s without correlationId", e.Kind)
		}
	case KindCommand:
		if e.Header.Command == "" {
			return rpcerr.New(rpcerr.CodeInvalidArgument, "Command without command name")
		}
	case KindPushNotification:
		if e.Header.Topic == "" {
			return rpcerr.New(rpcerr.CodeInvalidArgument, "PushNotification without topic")
		}
	default:
		return rpcerr.Newf(rpcerr.CodeUnsupportedKind, "unsupported message type %q", e.Kind)
	}
	return nil
}
