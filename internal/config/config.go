// Package config provides synapse configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/dispatcher"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

const logPrefix = "config:LoadConfig"

// Transports a client can dial.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
	TransportNATS = "nats"
)

// Config holds synapse configuration.
type Config struct {
	// Calls
	CallTimeout   time.Duration `envconfig:"SYNAPSE_CALL_TIMEOUT" default:"3m"`
	SweepInterval time.Duration `envconfig:"SYNAPSE_SWEEP_INTERVAL" default:"1s"`

	// Reconnect
	ReconnectEnabled       bool          `envconfig:"SYNAPSE_RECONNECT_ENABLED" default:"true"`
	InitialBackoff         time.Duration `envconfig:"SYNAPSE_RECONNECT_INITIAL_BACKOFF" default:"500ms"`
	MaxBackoff             time.Duration `envconfig:"SYNAPSE_RECONNECT_MAX_BACKOFF" default:"30s"`
	MaxAttempts            int           `envconfig:"SYNAPSE_RECONNECT_MAX_ATTEMPTS" default:"0"`
	ConnectTimeout         time.Duration `envconfig:"SYNAPSE_CONNECT_TIMEOUT" default:"10s"`
	BlockWhileReconnecting bool          `envconfig:"SYNAPSE_BLOCK_WHILE_RECONNECTING" default:"false"`

	// Protocol
	ProtocolVersion    string `envconfig:"SYNAPSE_PROTOCOL_VERSION" default:"1.0.0"`
	ProtocolConstraint string `envconfig:"SYNAPSE_PROTOCOL_CONSTRAINT" default:"^1.0.0"`
	PathVariableChars  string `envconfig:"SYNAPSE_PATH_VARIABLE_CHARS" default:"._@-"`

	// HTTP binding (SYNAPSE_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"SYNAPSE_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	WSPath             string        `envconfig:"SYNAPSE_WS_PATH" default:"/ws"`
	StaticDir          string        `envconfig:"SYNAPSE_STATIC_DIR"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// COMMS binding
	EnableCOMMS  bool   `envconfig:"SYNAPSE_ENABLE_COMMS" default:"false"`
	COMMSURL     string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName    string `envconfig:"SERVICE_NAME" default:"synapse"`
	Subject      string `envconfig:"SYNAPSE_SUBJECT"`
	EventSubject string `envconfig:"SYNAPSE_EVENT_SUBJECT"`

	// Client
	Transport string `envconfig:"SYNAPSE_TRANSPORT" default:"http"`
	Endpoint  string `envconfig:"SYNAPSE_ENDPOINT" default:"http://127.0.0.1:8080"`

	// Dead letters: Postgres when DATABASE_URL is set, memory otherwise.
	DatabaseURL        string `envconfig:"DATABASE_URL"`
	RunMigrations      bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath      string `envconfig:"MIGRATION_PATH"`
	DeadLetterCapacity int    `envconfig:"SYNAPSE_DEAD_LETTER_CAPACITY" default:"1000"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the server.
func (c *Config) ValidateForServe() error {
	if c.HTTPAddr == "" && (c.HTTPPort <= 0 || c.HTTPPort > 65535) {
		return fmt.Errorf("%s - HTTP_PORT must be between 1 and 65535", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.EnableCOMMS && c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required when SYNAPSE_ENABLE_COMMS is set", logPrefix)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	if _, err := c.VersionPolicy(); err != nil {
		return err
	}
	return nil
}

// ValidateForClient checks required config when calling a remote endpoint.
func (c *Config) ValidateForClient() error {
	switch c.Transport {
	case TransportHTTP, TransportWS:
		if c.Endpoint == "" {
			return fmt.Errorf("%s - SYNAPSE_ENDPOINT is required for transport %s", logPrefix, c.Transport)
		}
	case TransportNATS:
		if c.COMMSURL == "" {
			return fmt.Errorf("%s - COMMS_URL is required for transport nats", logPrefix)
		}
	default:
		return fmt.Errorf("%s - SYNAPSE_TRANSPORT must be one of http, ws, nats (got %q)", logPrefix, c.Transport)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%s - SYNAPSE_CALL_TIMEOUT must not be negative", logPrefix)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%s - SYNAPSE_RECONNECT_MAX_ATTEMPTS must not be negative", logPrefix)
	}
	if c.InitialBackoff > 0 && c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("%s - SYNAPSE_RECONNECT_INITIAL_BACKOFF exceeds SYNAPSE_RECONNECT_MAX_BACKOFF", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands.
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// DispatcherConfig derives the client dispatcher settings.
func (c *Config) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		CallTimeout:            c.CallTimeout,
		SweepInterval:          c.SweepInterval,
		ReconnectEnabled:       c.ReconnectEnabled,
		InitialBackoff:         c.InitialBackoff,
		MaxBackoff:             c.MaxBackoff,
		MaxAttempts:            c.MaxAttempts,
		ConnectTimeout:         c.ConnectTimeout,
		BlockWhileReconnecting: c.BlockWhileReconnecting,
	}
}

// VersionPolicy builds the protocol version policy.
func (c *Config) VersionPolicy() (*envelope.VersionPolicy, error) {
	p, err := envelope.NewVersionPolicy(c.ProtocolVersion, c.ProtocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol settings: %w", logPrefix, err)
	}
	return p, nil
}
