// Package commsutil provides COMMS (NATS) connection helpers, subject builders and the
// envelope-to-message mapping shared by the NATS binding and the event publisher.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectOptions tunes the COMMS client. Zero values use the defaults.
type ConnectOptions struct {
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
	// OnClosed runs once the connection is closed for good.
	OnClosed func()
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 60
	}
	return o
}

// Connect creates a COMMS connection to the given URL.
func Connect(url, name string) (*comms.Conn, error) {
	return ConnectWithOptions(url, name, ConnectOptions{})
}

// ConnectWithOptions creates a COMMS connection using opts.
func ConnectWithOptions(url, name string, opts ConnectOptions) (*comms.Conn, error) {
	opts = opts.withDefaults()
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(opts.Timeout),
		comms.ReconnectWait(opts.ReconnectWait),
		comms.MaxReconnects(opts.MaxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(_ *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
			if opts.OnClosed != nil {
				opts.OnClosed()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
