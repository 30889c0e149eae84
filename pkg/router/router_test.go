package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

func noop(context.Context, *Call) (interface{}, error) { return nil, nil }

func method(name string, params ...ParamSpec) MethodDescriptor {
	return MethodDescriptor{Name: name, Params: params, Handler: noop}
}

func request(verb envelope.Verb, raw string) *envelope.Envelope {
	return envelope.NewRequest(verb, uri.MustParse(raw))
}

func TestResolve_PathTemplates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.GET, "/{userId}/devices/{deviceId}",
		method("device", PathParam("userId"), PathParam("deviceId"))))
	require.NoError(t, r.Register(envelope.GET, "/users", method("users")))

	m, err := r.Resolve(envelope.GET, uri.MustParse("/1212212/devices/2323434"))
	require.NoError(t, err)
	assert.Equal(t, "device", m.Route.Method.Name)
	assert.Equal(t, "1212212", m.Vars["userId"])
	assert.Equal(t, "2323434", m.Vars["deviceId"])

	_, err = r.Resolve(envelope.GET, uri.MustParse("/1212212/devices"))
	assert.ErrorIs(t, err, rpcerr.ErrRouteNotFound, "all segments must be consumed")

	_, err = r.Resolve(envelope.POST, uri.MustParse("/users"))
	assert.ErrorIs(t, err, rpcerr.ErrRouteNotFound, "verb must match")

	m, err = r.Resolve(envelope.GET, uri.MustParse("/users/"))
	require.NoError(t, err)
	assert.Equal(t, "users", m.Route.Method.Name, "trailing slash is ignored")
}

func TestResolve_NotFoundCarriesVerbAndPath(t *testing.T) {
	r := New()
	_, err := r.Resolve(envelope.DELETE, uri.MustParse("/nothing"))
	require.Error(t, err)

	e := rpcerr.From(err)
	assert.Equal(t, 404, e.Status)
	assert.Equal(t, map[string]string{"verb": "DELETE", "path": "/nothing"}, e.Details)
}

func TestResolve_VariableCharacterClass(t *testing.T) {
	tests := []struct {
		name  string
		chars string
		path  string
		want  bool
	}{
		{"digits", DefaultVariableChars, "/u/123", true},
		{"email", DefaultVariableChars, "/u/bob@example.com", true},
		{"dash and underscore", DefaultVariableChars, "/u/a-b_c", true},
		{"tilde rejected", DefaultVariableChars, "/u/a~b", false},
		{"unicode letter", DefaultVariableChars, "/u/jöhn", true},
		{"percent-encoded letter", DefaultVariableChars, "/u/j%C3%B6hn", true},
		{"custom set rejects dash", "._", "/u/a-b", false},
		{"plus rejected", DefaultVariableChars, "/u/a+b", false},
		{"empty segment", DefaultVariableChars, "/u//", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(WithVariableChars(tt.chars))
			require.NoError(t, r.Register(envelope.GET, "/u/{id}", method("user", PathParam("id"))))
			_, err := r.Resolve(envelope.GET, uri.MustParse(tt.path))
			assert.Equal(t, tt.want, err == nil, "Resolve(%s) error = %v", tt.path, err)
		})
	}
}

func TestResolve_Overloads(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.GET, "/x/owner",
		method("byOwner", QueryString("owner", true))))
	require.NoError(t, r.Register(envelope.GET, "/x/owner",
		method("byOwnerLimited", QueryString("owner", true), QueryString("limit", true))))
	require.NoError(t, r.Register(envelope.GET, "/x/owner",
		method("byOwnerVerbose", QueryString("owner", true), QueryString("verbose", true),
			QueryString("format", false))))

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"largest satisfied set wins", "/x/owner?owner=a&limit=10", "byOwnerLimited"},
		{"fewest params breaks tie", "/x/owner?owner=a&limit=1&verbose=true", "byOwnerLimited"},
		{"only owner supplied", "/x/owner?owner=a", "byOwner"},
		{"names are case-insensitive", "/x/owner?OWNER=a&Limit=1", "byOwnerLimited"},
		{"unrelated params ignored", "/x/owner?owner=a&zzz=1", "byOwner"},
		{"nothing satisfied picks fewest required", "/x/owner", "byOwner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.Resolve(envelope.GET, uri.MustParse(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Route.Method.Name)
		})
	}
}

func TestResolve_RegistrationOrderBreaksFullTie(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.GET, "/a/{id}", method("first", PathParam("id"))))
	require.NoError(t, r.Register(envelope.GET, "/{kind}/b", method("second", PathParam("kind"))))

	m, err := r.Resolve(envelope.GET, uri.MustParse("/a/b"))
	require.NoError(t, err)
	assert.Equal(t, "first", m.Route.Method.Name)
}

func TestRegister_Duplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.GET, "/items/{id}", method("a", PathParam("id"))))

	err := r.Register(envelope.GET, "/items/{other}", method("b", PathParam("other")))
	assert.ErrorIs(t, err, rpcerr.ErrDuplicateRoute, "same shape and required query set")

	err = r.Register(envelope.GET, "/items/{id}", method("c", PathParam("id"), QueryString("q", true)))
	assert.NoError(t, err, "different required query set is an overload")

	err = r.Register(envelope.GET, "/items/{id}", method("d", PathParam("id"), QueryString("Q", true)))
	assert.ErrorIs(t, err, rpcerr.ErrDuplicateRoute, "query names compare case-insensitively")

	assert.NoError(t, r.Register(envelope.PUT, "/items/{id}", method("e", PathParam("id"))))
}

func TestRegister_ValidatesParams(t *testing.T) {
	tests := []struct {
		name   string
		tpl    string
		params []ParamSpec
	}{
		{"unknown path variable", "/a/{id}", []ParamSpec{PathParam("other")}},
		{"bad default", "/a", []ParamSpec{{Name: "n", Source: QueryParam, Type: Int, Default: "ten"}}},
		{"body type on query", "/a", []ParamSpec{{Name: "n", Source: QueryParam, Type: BodyType}}},
		{"string type on body", "/a", []ParamSpec{{Name: "b", Source: Body, Type: String}}},
		{"duplicate name", "/a", []ParamSpec{QueryString("q", false), QueryString("q", true)}},
		{"malformed variable", "/a/{}", nil},
		{"unnamed param", "/a", []ParamSpec{{Source: QueryParam}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			assert.Error(t, r.Register(envelope.GET, tt.tpl, method("m", tt.params...)))
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegister_AfterSeal(t *testing.T) {
	r := New()
	r.Seal()
	assert.Error(t, r.Register(envelope.GET, "/a", method("a")))
}

func TestRegisterService_JoinsPaths(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterService("/api/", []Endpoint{
		{Verb: envelope.GET, Path: "/status/", Method: method("status")},
		{Verb: envelope.GET, Path: "", Method: method("root")},
	}))

	infos := r.Routes()
	require.Len(t, infos, 2)
	assert.Equal(t, "/api/status", infos[0].Path)
	assert.Equal(t, "/api", infos[1].Path)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/", JoinPath("", ""))
	assert.Equal(t, "/a/b", JoinPath("a", "b"))
	assert.Equal(t, "/a/b", JoinPath("/a///", "/b/"))
	assert.Equal(t, "/a", JoinPath("/a/", ""))
}

type order struct {
	Item string `json:"item"`
	Qty  int    `json:"qty"`
}

func TestBind(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.POST, "/orders/{customer}", method("create",
		PathParam("customer"),
		ParamSpec{Name: "limit", Source: QueryParam, Type: Int, Default: "25"},
		ParamSpec{Name: "since", Source: QueryParam, Type: Int64},
		ParamSpec{Name: "X-Tenant", Source: Header, Type: String, Required: true},
		BodyParam("order", true, func() interface{} { return &order{} }),
		MessageParam("msg"),
	)))
	r.Seal()

	env := request(envelope.POST, "/orders/c-9?since=1700000000000")
	env.Header.Properties.Set("x-tenant", "acme")
	require.NoError(t, env.SetBody(order{Item: "bolt", Qty: 4}))

	call, err := r.Lookup(env)
	require.NoError(t, err)
	assert.Equal(t, "c-9", call.String("customer"))
	assert.Equal(t, 25, call.Int("limit"), "default applied to absent optional")
	assert.Equal(t, int64(1700000000000), call.Int64("since"))
	assert.Equal(t, "acme", call.String("X-Tenant"))
	assert.Equal(t, &order{Item: "bolt", Qty: 4}, call.Body("order"))
	assert.Same(t, env, call.Arg("msg"))
}

func TestBind_Errors(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.GET, "/x/owner", method("byOwner",
		QueryString("owner", true),
		ParamSpec{Name: "limit", Source: QueryParam, Type: Int},
	)))
	require.NoError(t, r.Register(envelope.POST, "/x", method("create",
		BodyParam("payload", true, func() interface{} { return &order{} }))))

	_, err := r.Lookup(request(envelope.GET, "/x/owner"))
	require.ErrorIs(t, err, rpcerr.ErrMissingParameter)
	assert.Equal(t, map[string]string{"parameter": "owner", "path": "/x/owner"}, rpcerr.From(err).Details)

	_, err = r.Lookup(request(envelope.GET, "/x/owner?owner=a&limit=many"))
	assert.ErrorIs(t, err, rpcerr.ErrInvalidArgument)

	_, err = r.Lookup(request(envelope.POST, "/x"))
	assert.ErrorIs(t, err, rpcerr.ErrMissingParameter, "empty body for required body param")

	bad := request(envelope.POST, "/x")
	bad.Body = []byte(`{"qty":"three"}`)
	_, err = r.Lookup(bad)
	assert.ErrorIs(t, err, rpcerr.ErrInvalidArgument)

	call, err := r.Lookup(request(envelope.GET, "/x/owner?owner=a"))
	require.NoError(t, err)
	assert.False(t, call.Has("limit"), "optional without default is nil")
}

func TestBind_RawBodyWithoutFactory(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.PUT, "/blob", method("put",
		ParamSpec{Name: "data", Source: Body, Type: BodyType})))

	env := request(envelope.PUT, "/blob")
	env.Body = []byte(`[1,2,3]`)
	call, err := r.Lookup(env)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(call.RawBody()))
	assert.NotNil(t, call.Body("data"))
}

func TestRoutes_Listing(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(envelope.GET, "/a/{id}", method("getA",
		PathParam("id"), ParamSpec{Name: "n", Source: QueryParam, Type: Int, Default: "1"})))

	infos := r.Routes()
	require.Len(t, infos, 1)
	assert.Equal(t, "GET", infos[0].Verb)
	assert.Equal(t, "getA", infos[0].Method)
	assert.Equal(t, ParamInfo{Name: "n", Source: "query", Type: "int", Default: "1"}, infos[0].Params[1])
}
