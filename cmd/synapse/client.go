package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/thingsplode/thingsplode-synapse-sub000/internal/config"
	"github.com/thingsplode/thingsplode-synapse-sub000/internal/server"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/deadletter"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/dispatcher"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport/httptransport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport/natstransport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport/wstransport"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

const clientLogPrefix = "main:client"

// newDialer picks the transport binding named by cfg.Transport.
func newDialer(cfg *config.Config) (transport.Dialer, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return &httptransport.Dialer{BaseURL: cfg.Endpoint}, nil
	case config.TransportWS:
		endpoint := cfg.Endpoint
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://") + cfg.WSPath
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://") + cfg.WSPath
		}
		return &wstransport.Dialer{URL: endpoint, HandshakeTimeout: cfg.ConnectTimeout}, nil
	case config.TransportNATS:
		return &natstransport.Dialer{URL: cfg.COMMSURL, Name: cfg.COMMSName + "-client", Subject: cfg.Subject}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// newClient builds a dispatcher for the configured endpoint. Dead letters go to
// Postgres when DATABASE_URL is set.
func newClient(ctx context.Context, cfg *config.Config) (*dispatcher.Dispatcher, func(), error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.VersionPolicy()
	if err != nil {
		return nil, nil, err
	}

	var sink deadletter.Store = deadletter.NewMemoryStore(cfg.DeadLetterCapacity)
	cleanup := func() {}
	if cfg.DatabaseURL != "" {
		pool, err := deadletter.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dead letters stay in memory: %v", clientLogPrefix, err))
		} else {
			sink = deadletter.NewPgStore(pool)
			cleanup = pool.Close
		}
	}

	d := dispatcher.New(dialer, cfg.DispatcherConfig(),
		dispatcher.WithVersionPolicy(policy),
		dispatcher.WithDeadLetter(sink),
	)
	return d, func() {
		_ = d.Destroy()
		cleanup()
	}, nil
}

func loadClientConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	server.ConfigureLogging(cfg.LogLevel)
	if err := cfg.ValidateForClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildRequest parses the call arguments into a Request envelope.
func buildRequest(verb, target, body string) (*envelope.Envelope, error) {
	v, err := envelope.ParseVerb(verb)
	if err != nil {
		return nil, err
	}
	u, err := uri.Parse(target)
	if err != nil {
		return nil, err
	}
	env := envelope.NewRequest(v, u)
	if err := setJSONBody(env, body); err != nil {
		return nil, err
	}
	return env, nil
}

func setJSONBody(env *envelope.Envelope, body string) error {
	if body == "" {
		return nil
	}
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("body is not valid JSON: %s", body)
	}
	env.Body = json.RawMessage(body)
	return nil
}

func runCall(verb, target, body string) error {
	env, err := buildRequest(verb, target, body)
	if err != nil {
		return err
	}
	return roundTrip(env)
}

func runCommand(name, body string) error {
	env := envelope.NewCommand(name)
	if err := setJSONBody(env, body); err != nil {
		return err
	}
	return roundTrip(env)
}

func runPush(topic, body string) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	env := envelope.NewPushNotification(topic)
	if err := setJSONBody(env, body); err != nil {
		return err
	}
	ctx := context.Background()
	d, cleanup, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return d.Broadcast(ctx, env)
}

func roundTrip(env *envelope.Envelope) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	d, cleanup, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reply, err := d.Call(ctx, env)
	if reply == nil {
		return err
	}
	return printReply(reply)
}

// printReply writes the status line and body of reply to stdout.
func printReply(reply *envelope.Envelope) error {
	status := reply.Header.Status
	fmt.Printf("%d %s\n", status, http.StatusText(status))
	if reply.Header.Error != nil {
		return printJSON(reply.Header.Error)
	}
	if len(reply.Body) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(reply.Body, &v); err != nil {
		fmt.Println(string(reply.Body))
		return nil
	}
	return printJSON(v)
}
