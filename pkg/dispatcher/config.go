package dispatcher

import (
	"context"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

// Defaults applied by DefaultConfig.
const (
	DefaultCallTimeout    = 3 * time.Minute
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Config controls call timeouts and reconnection.
type Config struct {
	// CallTimeout is used by Call. Dispatch takes an explicit timeout.
	CallTimeout   time.Duration
	SweepInterval time.Duration

	ReconnectEnabled bool
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// MaxAttempts caps consecutive connection attempts; 0 means unbounded.
	MaxAttempts    int
	ConnectTimeout time.Duration
	// BlockWhileReconnecting makes calls wait for a reconnect in progress instead of
	// failing with CONNECTION_UNAVAILABLE.
	BlockWhileReconnecting bool
}

// DefaultConfig returns the default configuration with reconnection enabled.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      DefaultCallTimeout,
		ReconnectEnabled: true,
		InitialBackoff:   DefaultInitialBackoff,
		MaxBackoff:       DefaultMaxBackoff,
		ConnectTimeout:   DefaultConnectTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// DeadLetterSink journals replies that matched no pending call.
type DeadLetterSink interface {
	Record(ctx context.Context, env *envelope.Envelope, reason string) error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithInboundHandler answers Requests and Commands the remote side sends over the
// dispatcher's connection.
func WithInboundHandler(h transport.Handler) Option {
	return func(d *Dispatcher) { d.inbound = h }
}

// WithDeadLetter forwards undeliverable replies to sink.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(d *Dispatcher) { d.deadLetter = sink }
}

// WithVersionPolicy stamps outgoing envelopes with the local protocol version.
func WithVersionPolicy(p *envelope.VersionPolicy) Option {
	return func(d *Dispatcher) { d.version = p }
}

// WithIDGenerator replaces the msg id generator.
func WithIDGenerator(next func() string) Option {
	return func(d *Dispatcher) { d.nextID = next }
}
