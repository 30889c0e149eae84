package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/events"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/router"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

const testPrefix = "service:service_test"

type device struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	r := router.New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("%s - register: %v", testPrefix, err)
		}
	}
	must(r.Register(envelope.GET, "/{userId}/devices/{deviceId}", router.MethodDescriptor{
		Name:   "getDevice",
		Params: []router.ParamSpec{router.PathParam("userId"), router.PathParam("deviceId")},
		Handler: func(_ context.Context, c *router.Call) (interface{}, error) {
			return device{ID: c.String("deviceId"), Owner: c.String("userId")}, nil
		},
	}))
	must(r.Register(envelope.POST, "/devices", router.MethodDescriptor{
		Name:   "createDevice",
		Params: []router.ParamSpec{router.BodyParam("device", true, func() interface{} { return &device{} })},
		Handler: func(_ context.Context, c *router.Call) (interface{}, error) {
			d := c.Body("device").(*device)
			props := envelope.Properties{{Name: "Location", Value: "/devices/" + d.ID}}
			return &router.Result{Status: http.StatusCreated, Properties: props, Body: d}, nil
		},
	}))
	must(r.Register(envelope.GET, "/fail", router.MethodDescriptor{
		Name: "fail",
		Handler: func(context.Context, *router.Call) (interface{}, error) {
			return nil, errors.New("disk full")
		},
	}))
	must(r.Register(envelope.GET, "/panic", router.MethodDescriptor{
		Name: "panic",
		Handler: func(context.Context, *router.Call) (interface{}, error) {
			panic("boom")
		},
	}))
	must(r.Register(envelope.GET, "/forbidden", router.MethodDescriptor{
		Name: "forbidden",
		Handler: func(context.Context, *router.Call) (interface{}, error) {
			return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "nope")
		},
	}))
	r.Seal()
	return New(r, opts...)
}

func request(verb envelope.Verb, raw, id string) *envelope.Envelope {
	env := envelope.NewRequest(verb, uri.MustParse(raw))
	env.Header.MsgID = id
	return env
}

func TestHandle_Request(t *testing.T) {
	svc := newTestService(t)
	req := request(envelope.GET, "/1212212/devices/2323434", "m-1")
	req.Header.KeepAlive = true

	reply := svc.Handle(context.Background(), req)
	if reply == nil || reply.Kind != envelope.KindResponse {
		t.Fatalf("%s - reply = %+v", testPrefix, reply)
	}
	if reply.Header.CorrelationID != "m-1" || reply.Header.Status != http.StatusOK {
		t.Errorf("%s - header = %+v", testPrefix, reply.Header)
	}
	if v, _ := reply.Header.Properties.Get(envelope.PropKeepAlive); v != "true" {
		t.Errorf("%s - keep-alive not echoed", testPrefix)
	}
	var got device
	if err := reply.DecodeBody(&got); err != nil {
		t.Fatalf("%s - DecodeBody: %v", testPrefix, err)
	}
	if got.ID != "2323434" || got.Owner != "1212212" {
		t.Errorf("%s - body = %+v", testPrefix, got)
	}
}

func TestHandle_ResultControlsStatusAndProperties(t *testing.T) {
	svc := newTestService(t)
	req := request(envelope.POST, "/devices", "m-2")
	if err := req.SetBody(device{ID: "d-9"}); err != nil {
		t.Fatalf("%s - SetBody: %v", testPrefix, err)
	}

	reply := svc.Handle(context.Background(), req)
	if reply.Header.Status != http.StatusCreated {
		t.Errorf("%s - status = %d, want 201", testPrefix, reply.Header.Status)
	}
	if v, _ := reply.Header.Properties.Get("location"); v != "/devices/d-9" {
		t.Errorf("%s - Location = %q", testPrefix, v)
	}
}

func TestHandle_Errors(t *testing.T) {
	svc := newTestService(t)
	tests := []struct {
		name       string
		req        *envelope.Envelope
		wantStatus int
		wantErr    error
	}{
		{"unknown route", request(envelope.GET, "/nope", "e-1"), http.StatusNotFound, rpcerr.ErrRouteNotFound},
		{"missing body", request(envelope.POST, "/devices", "e-2"), http.StatusBadRequest, rpcerr.ErrMissingParameter},
		{"handler error", request(envelope.GET, "/fail", "e-3"), http.StatusInternalServerError, rpcerr.ErrExecutionFailure},
		{"handler panic", request(envelope.GET, "/panic", "e-4"), http.StatusInternalServerError, rpcerr.ErrExecutionFailure},
		{"classified handler error", request(envelope.GET, "/forbidden", "e-5"), http.StatusBadRequest, rpcerr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := svc.Handle(context.Background(), tt.req)
			if reply == nil {
				t.Fatalf("%s - expected an error reply", testPrefix)
			}
			if reply.Header.CorrelationID != tt.req.Header.MsgID {
				t.Errorf("%s - correlation = %q", testPrefix, reply.Header.CorrelationID)
			}
			if reply.Header.Status != tt.wantStatus {
				t.Errorf("%s - status = %d, want %d", testPrefix, reply.Header.Status, tt.wantStatus)
			}
			if !errors.Is(reply.Err(), tt.wantErr) {
				t.Errorf("%s - Err() = %v, want %v", testPrefix, reply.Err(), tt.wantErr)
			}
		})
	}
}

func TestHandle_ExecutionFailureNamesVerbAndPath(t *testing.T) {
	svc := newTestService(t)
	reply := svc.Handle(context.Background(), request(envelope.GET, "/fail", "x"))
	details, ok := reply.Header.Error.Details.(map[string]string)
	if !ok {
		t.Fatalf("%s - details type = %T", testPrefix, reply.Header.Error.Details)
	}
	if details["verb"] != "GET" || details["path"] != "/fail" {
		t.Errorf("%s - details = %v", testPrefix, details)
	}
}

func TestHandle_EventHasNoReply(t *testing.T) {
	var published []*envelope.Envelope
	svc := newTestService(t, WithPublisher(events.NewCallbackPublisher(
		func(_ context.Context, env *envelope.Envelope) error {
			published = append(published, env)
			return nil
		})))

	ev := envelope.NewEvent(envelope.GET, uri.MustParse("/1/devices/2"))
	if reply := svc.Handle(context.Background(), ev); reply != nil {
		t.Errorf("%s - events must not be answered, got %+v", testPrefix, reply)
	}
	if len(published) != 1 {
		t.Errorf("%s - published = %d, want 1", testPrefix, len(published))
	}
}

func TestHandle_Command(t *testing.T) {
	svc := newTestService(t)
	svc.HandleCommand("ping", func(_ context.Context, cmd *envelope.Envelope) (interface{}, error) {
		return "pong", nil
	})

	cmd := envelope.NewCommand("ping")
	cmd.Header.MsgID = "c-1"
	reply := svc.Handle(context.Background(), cmd)
	if reply.Kind != envelope.KindCommandResult || reply.Header.CorrelationID != "c-1" {
		t.Fatalf("%s - reply = %+v", testPrefix, reply)
	}
	var body string
	if err := reply.DecodeBody(&body); err != nil || body != "pong" {
		t.Errorf("%s - body = %q, err = %v", testPrefix, body, err)
	}

	unknown := envelope.NewCommand("reboot")
	unknown.Header.MsgID = "c-2"
	if reply := svc.Handle(context.Background(), unknown); !errors.Is(reply.Err(), rpcerr.ErrRouteNotFound) {
		t.Errorf("%s - unknown command Err() = %v", testPrefix, reply.Err())
	}
}

func TestHandle_PushNotification(t *testing.T) {
	var published int
	svc := newTestService(t, WithPublisher(events.NewCallbackPublisher(
		func(context.Context, *envelope.Envelope) error {
			published++
			return nil
		})))

	var got []string
	svc.Subscribe("alerts", func(_ context.Context, push *envelope.Envelope) {
		got = append(got, push.Header.Topic)
	})
	svc.Subscribe("alerts", func(context.Context, *envelope.Envelope) {
		panic("listener bug")
	})

	if reply := svc.Handle(context.Background(), envelope.NewPushNotification("alerts")); reply != nil {
		t.Errorf("%s - push must not be answered", testPrefix)
	}
	if len(got) != 1 {
		t.Errorf("%s - listener calls = %d, want 1", testPrefix, len(got))
	}
	if published != 1 {
		t.Errorf("%s - published = %d, want 1 despite panicking listener", testPrefix, published)
	}
}

func TestHandle_VersionPolicy(t *testing.T) {
	policy, err := envelope.NewVersionPolicy("1.2.0", "^1.0.0")
	if err != nil {
		t.Fatalf("%s - NewVersionPolicy: %v", testPrefix, err)
	}
	svc := newTestService(t, WithVersionPolicy(policy))

	old := request(envelope.GET, "/1/devices/2", "v-1")
	old.Header.ProtocolVersion = "2.0.0"
	reply := svc.Handle(context.Background(), old)
	if !errors.Is(reply.Err(), rpcerr.ErrUnsupportedVersion) {
		t.Errorf("%s - Err() = %v, want UNSUPPORTED_VERSION", testPrefix, reply.Err())
	}

	ok := request(envelope.GET, "/1/devices/2", "v-2")
	ok.Header.ProtocolVersion = "1.0.0"
	reply = svc.Handle(context.Background(), ok)
	if reply.Err() != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, reply.Err())
	}
	if reply.Header.ProtocolVersion != "1.2.0" {
		t.Errorf("%s - reply version = %q, want local 1.2.0", testPrefix, reply.Header.ProtocolVersion)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (r *recordingSink) Record(_ context.Context, env *envelope.Envelope, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[env.Header.CorrelationID] = reason
	return nil
}

func TestHandle_DropsUnsolicitedReplies(t *testing.T) {
	sink := &recordingSink{reasons: map[string]string{}}
	svc := newTestService(t, WithDeadLetter(sink))

	tests := []*envelope.Envelope{
		{Kind: envelope.KindResponse, Header: envelope.Header{CorrelationID: "r-1", Status: http.StatusOK}},
		{Kind: envelope.KindCommandResult, Header: envelope.Header{CorrelationID: "r-2", Status: http.StatusOK}},
	}
	for _, env := range tests {
		if svc.Handle(context.Background(), env) != nil {
			t.Errorf("%s - %s must be dropped", testPrefix, env.Kind)
		}
		if got := sink.reasons[env.Header.CorrelationID]; got != "unsolicited reply" {
			t.Errorf("%s - %s journaled with reason %q", testPrefix, env.Header.CorrelationID, got)
		}
	}

	if newTestService(t).Handle(context.Background(), tests[0]) != nil {
		t.Errorf("%s - replies must be dropped without a sink", testPrefix)
	}
}
