package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/router"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/service"
)

const builtinLogPrefix = "server:builtin"

// SystemTopic is the push topic the server logs notifications for.
const SystemTopic = "system"

// InfoOutput is returned by GET /system/info.
type InfoOutput struct {
	Service         string `json:"service"`
	ProtocolVersion string `json:"protocolVersion"`
	Routes          int    `json:"routes"`
	Uptime          string `json:"uptime"`
}

// EchoOutput is returned by the echo routes.
type EchoOutput struct {
	Message string `json:"message"`
	Repeat  int    `json:"repeat,omitempty"`
}

// RegisterBuiltins adds the system routes, the ping and routes commands and the
// system topic listener.
func RegisterBuiltins(r *router.Router, svc *service.Service, name, protocolVersion string) error {
	started := time.Now()
	err := r.RegisterService("/system", []router.Endpoint{
		{Verb: envelope.GET, Path: "/info", Method: router.MethodDescriptor{
			Name: "info",
			Handler: func(context.Context, *router.Call) (interface{}, error) {
				return InfoOutput{
					Service:         name,
					ProtocolVersion: protocolVersion,
					Routes:          r.Len(),
					Uptime:          time.Since(started).Truncate(time.Second).String(),
				}, nil
			},
		}},
		{Verb: envelope.GET, Path: "/echo", Method: router.MethodDescriptor{
			Name: "echo",
			Params: []router.ParamSpec{
				router.QueryString("message", true),
				{Name: "repeat", Source: router.QueryParam, Type: router.Int, Default: "1"},
			},
			Handler: func(_ context.Context, c *router.Call) (interface{}, error) {
				n := c.Int("repeat")
				if n < 1 || n > 100 {
					return nil, rpcerr.Newf(rpcerr.CodeInvalidArgument, "repeat must be between 1 and 100, got %d", n)
				}
				return EchoOutput{Message: strings.Repeat(c.String("message"), n), Repeat: n}, nil
			},
		}},
		{Verb: envelope.POST, Path: "/echo", Method: router.MethodDescriptor{
			Name:   "echoBody",
			Params: []router.ParamSpec{router.BodyParam("payload", true, nil)},
			Handler: func(_ context.Context, c *router.Call) (interface{}, error) {
				return c.RawBody(), nil
			},
		}},
		{Verb: envelope.GET, Path: "/sleep/{millis}", Method: router.MethodDescriptor{
			Name:   "sleep",
			Params: []router.ParamSpec{{Name: "millis", Source: router.PathVariable, Required: true, Type: router.Int64}},
			Handler: func(ctx context.Context, c *router.Call) (interface{}, error) {
				d := time.Duration(c.Int64("millis")) * time.Millisecond
				select {
				case <-time.After(d):
					return map[string]int64{"slept": c.Int64("millis")}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("%s - %w", builtinLogPrefix, err)
	}

	svc.HandleCommand("ping", func(context.Context, *envelope.Envelope) (interface{}, error) {
		return "pong", nil
	})
	svc.HandleCommand("routes", func(context.Context, *envelope.Envelope) (interface{}, error) {
		return r.Routes(), nil
	})
	svc.Subscribe(SystemTopic, func(_ context.Context, push *envelope.Envelope) {
		slog.Info(fmt.Sprintf("%s - System notification %s: %s", builtinLogPrefix, push.Header.MsgID, string(push.Body)))
	})
	return nil
}
